package provider

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/dkarpov/chatcore/internal/domain"
)

// AuthError means credentials were missing or rejected. Fatal: surfaced
// immediately, never retried.
type AuthError struct {
	Provider string
	Reason   string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s: authentication failed: %s", e.Provider, e.Reason)
}

// RateLimitError means the upstream returned a rate-limit response.
// Transient: eligible for a single fallback attempt.
type RateLimitError struct {
	Provider string
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s: rate limited", e.Provider)
}

// TimeoutError means the call exceeded its deadline. Transient: eligible for
// a single fallback attempt.
type TimeoutError struct {
	Provider string
	Err      error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: request timed out: %v", e.Provider, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// ProtocolError means the upstream answered with something this layer could
// not accept: an error status or a malformed body. Not retried.
type ProtocolError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *ProtocolError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: upstream error (status %d): %s", e.Provider, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: malformed upstream response: %s", e.Provider, e.Message)
}

// ContextLengthError means the provider rejected the request because the
// conversation no longer fits the model's context window. This is a signal
// for the fork protocol, not a transient failure.
type ContextLengthError struct {
	Provider string
	Model    string
}

func (e *ContextLengthError) Error() string {
	return fmt.Sprintf("%s: context window exceeded for model %s", e.Provider, e.Model)
}

// IsContextLength reports whether err carries a context-window rejection.
func IsContextLength(err error) bool {
	var cle *ContextLengthError
	return errors.As(err, &cle)
}

// wrapTransportError converts a transport-level error into the taxonomy:
// deadline/timeout conditions become TimeoutError, everything else is
// surfaced as-is and classified OTHER.
func wrapTransportError(providerName string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &TimeoutError{Provider: providerName, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &TimeoutError{Provider: providerName, Err: err}
	}
	return fmt.Errorf("%s: request failed: %w", providerName, err)
}

// ClassifyOutcome maps an Invoke error onto the attempt outcome taxonomy.
func ClassifyOutcome(err error) domain.AttemptOutcome {
	if err == nil {
		return domain.AttemptSuccess
	}
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return domain.AttemptAuthError
	}
	var rateErr *RateLimitError
	if errors.As(err, &rateErr) {
		return domain.AttemptRateLimit
	}
	var timeoutErr *TimeoutError
	if errors.As(err, &timeoutErr) {
		return domain.AttemptTimeout
	}
	return domain.AttemptOther
}
