package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/dkarpov/chatcore/internal/domain"
)

const (
	defaultOpenAIBaseURL = "https://api.openai.com/v1/chat/completions"
	defaultOpenAIModel   = "gpt-4o"
)

// OpenAIProvider talks to the conventional OpenAI chat-completions API.
type OpenAIProvider struct {
	BaseURL string
	HTTP    *http.Client
}

// NewOpenAI creates an OpenAI chat-completions client.
func NewOpenAI(timeout time.Duration) *OpenAIProvider {
	return &OpenAIProvider{
		BaseURL: defaultOpenAIBaseURL,
		HTTP:    &http.Client{Timeout: timeout},
	}
}

// Name implements Provider.
func (p *OpenAIProvider) Name() string { return NameOpenAI }

type openAIRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
}

type openAIResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Error *openAIError `json:"error,omitempty"`
}

type openAIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

// Invoke implements Provider.
func (p *OpenAIProvider) Invoke(ctx context.Context, messages []Message, model string, creds Credentials) (*Response, error) {
	if creds.OpenAIKey == "" {
		return nil, &AuthError{Provider: p.Name(), Reason: "API key not configured"}
	}
	if model == "" {
		model = defaultOpenAIModel
	}

	payload, err := json.Marshal(openAIRequest{Model: model, Messages: messages})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.BaseURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+creds.OpenAIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.HTTP.Do(req)
	if err != nil {
		return nil, wrapTransportError(p.Name(), err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, wrapTransportError(p.Name(), err)
	}

	if resp.StatusCode >= 300 {
		return nil, p.classifyStatus(resp.StatusCode, body, model)
	}

	var parsed openAIResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, &ProtocolError{Provider: p.Name(), Message: "invalid JSON body"}
	}
	if parsed.Error != nil {
		return nil, &ProtocolError{Provider: p.Name(), Message: parsed.Error.Message}
	}
	if len(parsed.Choices) == 0 {
		return nil, &ProtocolError{Provider: p.Name(), Message: "response contains no choices"}
	}

	respModel := parsed.Model
	if respModel == "" {
		respModel = model
	}
	return &Response{
		Content:  parsed.Choices[0].Message.Content,
		Provider: p.Name(),
		Model:    respModel,
		Usage: domain.UsageStats{
			PromptTokens:     parsed.Usage.PromptTokens,
			CompletionTokens: parsed.Usage.CompletionTokens,
			TotalTokens:      parsed.Usage.TotalTokens,
		},
	}, nil
}

func (p *OpenAIProvider) classifyStatus(status int, body []byte, model string) error {
	var parsed struct {
		Error *openAIError `json:"error"`
	}
	_ = json.Unmarshal(body, &parsed)

	message := string(body)
	code := ""
	if parsed.Error != nil {
		message = parsed.Error.Message
		code = parsed.Error.Code
	}

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &AuthError{Provider: p.Name(), Reason: message}
	case status == http.StatusTooManyRequests:
		return &RateLimitError{Provider: p.Name()}
	case code == "context_length_exceeded":
		return &ContextLengthError{Provider: p.Name(), Model: model}
	default:
		return &ProtocolError{Provider: p.Name(), StatusCode: status, Message: message}
	}
}
