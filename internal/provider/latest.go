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

const defaultResponsesBaseURL = "https://api.openai.com/v1/responses"

// latestModelPrefixes identify models that are only served on the
// latest-generation responses API path.
var latestModelPrefixes = []string{"gpt-5", "o3", "o4"}

// IsLatestGenModel reports whether the model is served via the
// latest-generation API path.
func IsLatestGenModel(model string) bool {
	m := strings.ToLower(strings.TrimSpace(model))
	for _, prefix := range latestModelPrefixes {
		if strings.HasPrefix(m, prefix) {
			return true
		}
	}
	return false
}

// LatestModelProvider talks to the OpenAI responses API, the
// latest-generation path. The router prefers it over the conventional
// chat-completions path when the requested model calls for it and
// credentials are present.
type LatestModelProvider struct {
	BaseURL string
	HTTP    *http.Client
}

// NewLatestModel creates a responses-API client.
func NewLatestModel(timeout time.Duration) *LatestModelProvider {
	return &LatestModelProvider{
		BaseURL: defaultResponsesBaseURL,
		HTTP:    &http.Client{Timeout: timeout},
	}
}

// Name implements Provider. The upstream vendor is still OpenAI; only the
// API path differs.
func (p *LatestModelProvider) Name() string { return NameOpenAI }

type responsesRequest struct {
	Model        string    `json:"model"`
	Instructions string    `json:"instructions,omitempty"`
	Input        []Message `json:"input"`
}

type responsesResponse struct {
	Model  string `json:"model"`
	Output []struct {
		Type    string `json:"type"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text,omitempty"`
		} `json:"content"`
	} `json:"output"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
		TotalTokens  int `json:"total_tokens"`
	} `json:"usage"`
	Error *openAIError `json:"error,omitempty"`
}

// Invoke implements Provider.
func (p *LatestModelProvider) Invoke(ctx context.Context, messages []Message, model string, creds Credentials) (*Response, error) {
	if creds.OpenAIKey == "" {
		return nil, &AuthError{Provider: p.Name(), Reason: "API key not configured"}
	}

	// The responses API takes the system instruction as a dedicated field.
	system, rest := splitSystem(messages)
	payload, err := json.Marshal(responsesRequest{
		Model:        model,
		Instructions: system,
		Input:        rest,
	})
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
		// Error bodies share the chat-completions shape.
		conventional := &OpenAIProvider{}
		return nil, conventional.classifyStatus(resp.StatusCode, body, model)
	}

	var parsed responsesResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, &ProtocolError{Provider: p.Name(), Message: "invalid JSON body"}
	}
	if parsed.Error != nil {
		return nil, &ProtocolError{Provider: p.Name(), Message: parsed.Error.Message}
	}

	var content strings.Builder
	for _, item := range parsed.Output {
		if item.Type != "message" {
			continue
		}
		for _, block := range item.Content {
			if block.Type == "output_text" {
				content.WriteString(block.Text)
			}
		}
	}
	if content.Len() == 0 {
		return nil, &ProtocolError{Provider: p.Name(), Message: "response contains no output text"}
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
			TotalTokens:      parsed.Usage.TotalTokens,
		},
	}, nil
}
