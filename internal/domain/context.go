package domain

import "time"

// ContextStatus classifies how much of a model's context window a session
// has consumed.
type ContextStatus string

const (
	// ContextOK means the session is comfortably under the limit.
	ContextOK ContextStatus = "OK"
	// ContextWarn means the session is approaching the limit.
	ContextWarn ContextStatus = "WARN"
	// ContextOverflow means the session can no longer grow safely.
	ContextOverflow ContextStatus = "OVERFLOW"
)

// ContextState is the derived (never persisted) context accounting for one
// session against one model.
type ContextState struct {
	SessionID        string        `json:"session_id"`
	CumulativeTokens int           `json:"cumulative_tokens"`
	LimitForModel    int           `json:"limit_for_model"`
	Status           ContextStatus `json:"status"`
}

// AttemptOutcome classifies a single provider routing attempt.
type AttemptOutcome string

const (
	AttemptSuccess   AttemptOutcome = "SUCCESS"
	AttemptAuthError AttemptOutcome = "AUTH_ERROR"
	AttemptRateLimit AttemptOutcome = "RATE_LIMIT"
	AttemptTimeout   AttemptOutcome = "TIMEOUT"
	AttemptOther     AttemptOutcome = "OTHER"
)

// ProviderAttempt is an ephemeral record of one routing attempt, kept for
// logging and tests, never persisted.
type ProviderAttempt struct {
	Provider string         `json:"provider"`
	Model    string         `json:"model"`
	Outcome  AttemptOutcome `json:"outcome"`
	Latency  time.Duration  `json:"latency"`
}
