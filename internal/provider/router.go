package provider

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/dkarpov/chatcore/internal/domain"
)

const defaultRouteTimeout = 60 * time.Second

// Router selects a provider for a request, executes the call with a bounded
// timeout, classifies failures, and retries exactly once against a fallback
// provider when the failure is transient. It never loops.
type Router struct {
	providers map[string]Provider
	latest    Provider
	order     []string
	timeout   time.Duration
}

// NewRouter builds a router over the closed provider set.
func NewRouter(timeout time.Duration) *Router {
	if timeout <= 0 {
		timeout = defaultRouteTimeout
	}
	return &Router{
		providers: map[string]Provider{
			NameOpenAI:     NewOpenAI(timeout),
			NameAnthropic:  NewAnthropic(timeout),
			NamePerplexity: NewPerplexity(timeout),
		},
		latest:  NewLatestModel(timeout),
		order:   []string{NameOpenAI, NameAnthropic, NamePerplexity},
		timeout: timeout,
	}
}

// NewRouterWithProviders builds a router over an explicit provider set.
// Fallback candidates are tried in the given order. Used by tests and by
// callers that need to stub a provider.
func NewRouterWithProviders(timeout time.Duration, order []string, providers map[string]Provider, latest Provider) *Router {
	if timeout <= 0 {
		timeout = defaultRouteTimeout
	}
	return &Router{providers: providers, latest: latest, order: order, timeout: timeout}
}

// select picks the provider for the request. The latest-generation path is
// preferred when the requested model calls for it and its credentials are
// present; otherwise the provider's conventional API path is used.
func (r *Router) selectProvider(requestedProvider, requestedModel string, creds Credentials) Provider {
	name := strings.ToLower(strings.TrimSpace(requestedProvider))
	if name == "" {
		name = r.order[0]
	}
	p, ok := r.providers[name]
	if !ok {
		p = r.providers[r.order[0]]
	}
	if p.Name() == NameOpenAI && r.latest != nil && IsLatestGenModel(requestedModel) && creds.OpenAIKey != "" {
		return r.latest
	}
	return p
}

// fallbackFor returns the first configured, credentialed provider other than
// the primary, or nil if none exists.
func (r *Router) fallbackFor(primary Provider, creds Credentials) Provider {
	for _, name := range r.order {
		if name == primary.Name() {
			continue
		}
		p, ok := r.providers[name]
		if !ok || creds.KeyFor(name) == "" {
			continue
		}
		return p
	}
	return nil
}

// Route executes one provider call, with at most one fallback attempt on
// rate-limit or timeout. The returned attempts slice records every call made
// in order; it always has length one or two.
func (r *Router) Route(ctx context.Context, messages []Message, requestedProvider, requestedModel string, creds Credentials) (*Response, []domain.ProviderAttempt, error) {
	primary := r.selectProvider(requestedProvider, requestedModel, creds)

	resp, attempt, err := r.invoke(ctx, primary, messages, requestedModel, creds)
	attempts := []domain.ProviderAttempt{attempt}
	if err == nil {
		return resp, attempts, nil
	}

	switch attempt.Outcome {
	case domain.AttemptRateLimit, domain.AttemptTimeout:
		// Transient: one fallback attempt if an alternate is credentialed.
	default:
		return nil, attempts, err
	}

	fallback := r.fallbackFor(primary, creds)
	if fallback == nil {
		slog.Warn("no fallback provider available", "primary", primary.Name(), "outcome", attempt.Outcome)
		return nil, attempts, err
	}

	slog.Info("retrying against fallback provider",
		"primary", primary.Name(),
		"fallback", fallback.Name(),
		"outcome", attempt.Outcome,
	)

	// The fallback gets the fallback provider's default model, not the
	// primary's: model names do not transfer across vendors.
	resp, attempt, err = r.invoke(ctx, fallback, messages, "", creds)
	attempts = append(attempts, attempt)
	if err != nil {
		return nil, attempts, err
	}
	return resp, attempts, nil
}

func (r *Router) invoke(ctx context.Context, p Provider, messages []Message, model string, creds Credentials) (*Response, domain.ProviderAttempt, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	resp, err := p.Invoke(callCtx, messages, model, creds)
	attempt := domain.ProviderAttempt{
		Provider: p.Name(),
		Model:    model,
		Outcome:  ClassifyOutcome(err),
		Latency:  time.Since(start),
	}
	if resp != nil {
		attempt.Model = resp.Model
	}

	if err != nil {
		slog.Warn("provider call failed",
			"provider", p.Name(),
			"model", model,
			"outcome", attempt.Outcome,
			"latency", attempt.Latency,
			"error", err,
		)
		return nil, attempt, err
	}
	return resp, attempt, nil
}

// IsTransient reports whether err is a rate-limit or timeout failure.
func IsTransient(err error) bool {
	var rateErr *RateLimitError
	var timeoutErr *TimeoutError
	return errors.As(err, &rateErr) || errors.As(err, &timeoutErr)
}
