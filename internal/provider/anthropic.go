package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dkarpov/chatcore/internal/domain"
)

const (
	defaultAnthropicBaseURL = "https://api.anthropic.com/v1/messages"
	defaultAnthropicModel   = "claude-sonnet-4-20250514"
	anthropicVersion        = "2023-06-01"
	anthropicMaxTokens      = 4096
)

// AnthropicProvider talks to the Anthropic messages API. Unlike the
// OpenAI-style providers it takes the system instruction as a separate
// top-level field, so system-role messages are split out of the list.
type AnthropicProvider struct {
	BaseURL string
	HTTP    *http.Client
}

// NewAnthropic creates an Anthropic messages client.
func NewAnthropic(timeout time.Duration) *AnthropicProvider {
	return &AnthropicProvider{
		BaseURL: defaultAnthropicBaseURL,
		HTTP:    &http.Client{Timeout: timeout},
	}
}

// Name implements Provider.
func (p *AnthropicProvider) Name() string { return NameAnthropic }

type anthropicRequest struct {
	Model     string    `json:"model"`
	MaxTokens int       `json:"max_tokens"`
	System    string    `json:"system,omitempty"`
	Messages  []Message `json:"messages"`
}

type anthropicResponse struct {
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text,omitempty"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Invoke implements Provider.
func (p *AnthropicProvider) Invoke(ctx context.Context, messages []Message, model string, creds Credentials) (*Response, error) {
	if creds.AnthropicKey == "" {
		return nil, &AuthError{Provider: p.Name(), Reason: "API key not configured"}
	}
	if model == "" {
		model = defaultAnthropicModel
	}

	system, rest := splitSystem(messages)
	payload, err := json.Marshal(anthropicRequest{
		Model:     model,
		MaxTokens: anthropicMaxTokens,
		System:    system,
		Messages:  rest,
	})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.BaseURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("x-api-key", creds.AnthropicKey)
	req.Header.Set("anthropic-version", anthropicVersion)
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

	var parsed anthropicResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, &ProtocolError{Provider: p.Name(), Message: "invalid JSON body"}
	}
	if parsed.Error != nil {
		return nil, &ProtocolError{Provider: p.Name(), Message: parsed.Error.Message}
	}

	var content strings.Builder
	for _, block := range parsed.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}
	if content.Len() == 0 {
		return nil, &ProtocolError{Provider: p.Name(), Message: "response contains no text content"}
	}

	respModel := parsed.Model
	if respModel == "" {
		respModel = model
	}
	return &Response{
		Content:  content.String(),
		Provider: p.Name(),
		Model:    respModel,
		Usage: domain.UsageStats{
			PromptTokens:     parsed.Usage.InputTokens,
			CompletionTokens: parsed.Usage.OutputTokens,
			TotalTokens:      parsed.Usage.InputTokens + parsed.Usage.OutputTokens,
		},
	}, nil
}

func (p *AnthropicProvider) classifyStatus(status int, body []byte, model string) error {
	var parsed anthropicResponse
	_ = json.Unmarshal(body, &parsed)

	message := string(body)
	if parsed.Error != nil {
		message = parsed.Error.Message
	}

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &AuthError{Provider: p.Name(), Reason: message}
	case status == http.StatusTooManyRequests:
		return &RateLimitError{Provider: p.Name()}
	case status == http.StatusBadRequest && strings.Contains(strings.ToLower(message), "prompt is too long"):
		return &ContextLengthError{Provider: p.Name(), Model: model}
	default:
		return &ProtocolError{Provider: p.Name(), StatusCode: status, Message: message}
	}
}
