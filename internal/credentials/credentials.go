// Package credentials resolves provider API keys for a request.
package credentials

import (
	"context"
	"os"

	"github.com/dkarpov/chatcore/internal/provider"
)

// Resolver is the external credential collaborator. The router treats a
// missing key as a fatal auth error without attempting the call, so this
// layer never errors on absence; it just returns what it has.
type Resolver interface {
	Resolve(ctx context.Context, userID string) (provider.Credentials, error)
}

// EnvResolver reads provider keys from the process environment. All users
// share the deployment's keys.
type EnvResolver struct{}

// NewEnvResolver creates an environment-backed resolver.
func NewEnvResolver() *EnvResolver {
	return &EnvResolver{}
}

// Resolve implements Resolver.
func (r *EnvResolver) Resolve(_ context.Context, _ string) (provider.Credentials, error) {
	return provider.Credentials{
		OpenAIKey:     os.Getenv("OPENAI_API_KEY"),
		AnthropicKey:  os.Getenv("ANTHROPIC_API_KEY"),
		PerplexityKey: os.Getenv("PERPLEXITY_API_KEY"),
	}, nil
}
