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
	defaultPerplexityBaseURL = "https://api.perplexity.ai/chat/completions"
	defaultPerplexityModel   = "sonar"
)

// PerplexityProvider talks to the Perplexity API, which is wire-compatible
// with the OpenAI chat-completions shape.
type PerplexityProvider struct {
	BaseURL string
	HTTP    *http.Client
}

// NewPerplexity creates a Perplexity client.
func NewPerplexity(timeout time.Duration) *PerplexityProvider {
	return &PerplexityProvider{
		BaseURL: defaultPerplexityBaseURL,
		HTTP:    &http.Client{Timeout: timeout},
	}
}

// Name implements Provider.
func (p *PerplexityProvider) Name() string { return NamePerplexity }

// Invoke implements Provider.
func (p *PerplexityProvider) Invoke(ctx context.Context, messages []Message, model string, creds Credentials) (*Response, error) {
	if creds.PerplexityKey == "" {
		return nil, &AuthError{Provider: p.Name(), Reason: "API key not configured"}
	}
	if model == "" {
		model = defaultPerplexityModel
	}

	payload, err := json.Marshal(openAIRequest{Model: model, Messages: messages})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.BaseURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+creds.PerplexityKey)
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
		return nil, p.classifyStatus(resp.StatusCode, body)
	}

	var parsed openAIResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, &ProtocolError{Provider: p.Name(), Message: "invalid JSON body"}
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

func (p *PerplexityProvider) classifyStatus(status int, body []byte) error {
	var parsed struct {
		Error *openAIError `json:"error"`
	}
	_ = json.Unmarshal(body, &parsed)

	message := string(body)
	if parsed.Error != nil {
		message = parsed.Error.Message
	}

	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return &AuthError{Provider: p.Name(), Reason: message}
	case http.StatusTooManyRequests:
		return &RateLimitError{Provider: p.Name()}
	default:
		return &ProtocolError{Provider: p.Name(), StatusCode: status, Message: message}
	}
}
