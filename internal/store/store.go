// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/dkarpov/chatcore/internal/domain"
)

// ErrNotFound is returned when a requested session or message does not exist.
var ErrNotFound = errors.New("not found")

// AppendInput carries the optional fields of a message append.
type AppendInput struct {
	Provider        string
	Model           string
	Usage           *domain.UsageStats
	ParentMessageID string
}

// Repository defines the interface for persisting sessions and messages.
// It is the single source of truth for conversation history; every mutation
// is transactional so readers never observe a half-written session/message
// pair.
type Repository interface {
	// CreateSession creates a new session. Name may be empty, in which case
	// a placeholder name is assigned. parentSessionID links fork children to
	// their origin and may be empty.
	CreateSession(ctx context.Context, name, workspaceID, parentSessionID string) (*domain.Session, error)

	// GetSession retrieves a session by ID. Returns ErrNotFound if absent.
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)

	// ListSessions returns all sessions ordered by most recently updated.
	ListSessions(ctx context.Context) ([]*domain.Session, error)

	// AppendMessage atomically inserts a message and bumps the session's
	// updated_at. Either both happen or neither does. Message timestamps are
	// strictly increasing within a session.
	AppendMessage(ctx context.Context, sessionID, role, content string, in AppendInput) (*domain.Message, error)

	// ListMessages returns the session's messages in ascending timestamp
	// order. limit <= 0 means no limit.
	ListMessages(ctx context.Context, sessionID string, limit int) ([]*domain.Message, error)

	// EditMessage replaces the content of an existing message.
	EditMessage(ctx context.Context, messageID, content string) error

	// TruncateAfter deletes every message in the session with a timestamp
	// strictly greater than the given one. Used by edit/branch flows.
	TruncateAfter(ctx context.Context, sessionID string, after time.Time) (int64, error)

	// SetActiveProject records the active workspace project for a session.
	// Empty name deactivates.
	SetActiveProject(ctx context.Context, sessionID, project, branch string) error

	// SetMetadata sets a single metadata key on a session.
	SetMetadata(ctx context.Context, sessionID, key, value string) error

	// DeleteSession removes a session and cascades to all owned messages.
	DeleteSession(ctx context.Context, sessionID string) error

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
