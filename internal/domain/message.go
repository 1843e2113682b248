package domain

import (
	"time"
)

// Message roles. The wire format is OpenAI-style role/content pairs, so the
// set is closed.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// UsageStats holds structured token counts reported by a provider.
type UsageStats struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Message is a single persisted chat message. Messages are immutable except
// for explicit edit (content replace) and truncate-after flows.
type Message struct {
	ID              string      `json:"id"`
	SessionID       string      `json:"session_id"`
	Role            string      `json:"role"`
	Content         string      `json:"content"`
	Timestamp       time.Time   `json:"timestamp"`
	Provider        string      `json:"provider,omitempty"`
	Model           string      `json:"model,omitempty"`
	Usage           *UsageStats `json:"usage,omitempty"`
	ParentMessageID string      `json:"parent_message_id,omitempty"`
}

// ValidRole reports whether role is one of the recognized message roles.
func ValidRole(role string) bool {
	switch role {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}
