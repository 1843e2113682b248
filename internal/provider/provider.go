// Package provider implements the LLM provider clients and the router that
// selects among them with single-attempt fallback.
package provider

import (
	"context"
	"strings"

	"github.com/dkarpov/chatcore/internal/domain"
)

// Provider names. The set is closed: selection branches over these once per
// request and nowhere else.
const (
	NameOpenAI     = "openai"
	NameAnthropic  = "anthropic"
	NamePerplexity = "perplexity"
)

// Message is one OpenAI-style role/content pair. Callers always supply
// messages in this shape; clients whose API wants system instructions
// elsewhere split them out themselves.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Response is the normalized answer shape, identical regardless of which
// upstream provider answered.
type Response struct {
	Content  string            `json:"content"`
	Provider string            `json:"provider"`
	Model    string            `json:"model"`
	Usage    domain.UsageStats `json:"usage"`
}

// Credentials carries per-request provider API keys, resolved by the
// credential collaborator. A missing key means AUTH_ERROR before any
// network call.
type Credentials struct {
	OpenAIKey     string
	AnthropicKey  string
	PerplexityKey string
}

// KeyFor returns the API key for a provider name, empty if unknown or unset.
func (c Credentials) KeyFor(name string) string {
	switch name {
	case NameOpenAI:
		return c.OpenAIKey
	case NameAnthropic:
		return c.AnthropicKey
	case NamePerplexity:
		return c.PerplexityKey
	}
	return ""
}

// Provider is one upstream LLM vendor. Implementations normalize their wire
// formats into Response and their failures into the package error taxonomy.
type Provider interface {
	Name() string
	Invoke(ctx context.Context, messages []Message, model string, creds Credentials) (*Response, error)
}

// splitSystem separates system-role messages from the rest and joins their
// contents into a single system instruction.
func splitSystem(messages []Message) (string, []Message) {
	var system []string
	rest := make([]Message, 0, len(messages))
	for _, m := range messages {
		if m.Role == domain.RoleSystem {
			system = append(system, m.Content)
			continue
		}
		rest = append(rest, m)
	}
	return strings.Join(system, "\n\n"), rest
}
