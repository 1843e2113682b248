// Package chat provides the websocket chat transport: the connection
// registry, the stale-connection reaper, and the message-handling loop that
// orchestrates commands, persistence, context tracking, and provider calls.
package chat

import (
	"time"

	"github.com/dkarpov/chatcore/internal/domain"
)

// Inbound message types.
const (
	InboundChat = "chat"
	InboundPing = "ping"
)

// Outbound event types.
const (
	EventChat           = "chat"
	EventCommand        = "command"
	EventProgress       = "progress"
	EventError          = "error"
	EventContextWarning = "context_warning"
	EventSessionForked  = "session_forked"
	EventSessionCreated = "session_created"
	EventPong           = "pong"
)

// InboundMessage is the envelope clients send over the socket.
type InboundMessage struct {
	Type      string `json:"type"`
	Content   string `json:"content,omitempty"`
	Provider  string `json:"provider,omitempty"`
	Model     string `json:"model,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// Event is the envelope broadcast to every connection of a session.
// Type-specific fields are omitted when empty.
type Event struct {
	Type         string               `json:"type"`
	Content      string               `json:"content,omitempty"`
	Timestamp    time.Time            `json:"timestamp"`
	SessionID    string               `json:"session_id,omitempty"`
	Provider     string               `json:"provider,omitempty"`
	Model        string               `json:"model,omitempty"`
	Usage        *domain.UsageStats   `json:"usage,omitempty"`
	NewSessionID string               `json:"new_session_id,omitempty"`
	Context      *domain.ContextState `json:"context,omitempty"`
}

// NewEvent builds an event stamped with the current time.
func NewEvent(eventType, sessionID, content string) Event {
	return Event{
		Type:      eventType,
		Content:   content,
		SessionID: sessionID,
		Timestamp: time.Now().UTC(),
	}
}
