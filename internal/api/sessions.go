package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dkarpov/chatcore/internal/store"
)

// SessionHandler exposes the REST surface over conversation history.
type SessionHandler struct {
	*Handler
}

// NewSessionHandler creates the session REST handler.
func NewSessionHandler(base *Handler) *SessionHandler {
	return &SessionHandler{Handler: base}
}

// RegisterRoutes registers session routes.
func (h *SessionHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/sessions", func(r chi.Router) {
		r.Get("/", h.List)
		r.Post("/", h.Create)
		r.Get("/{sessionID}", h.Get)
		r.Delete("/{sessionID}", h.Delete)
		r.Get("/{sessionID}/messages", h.Messages)
		r.Post("/{sessionID}/truncate", h.Truncate)
		r.Patch("/{sessionID}/messages/{messageID}", h.EditMessage)
	})
}

type createSessionRequest struct {
	Name        string `json:"name"`
	WorkspaceID string `json:"workspace_id"`
}

// Create creates a new empty session.
func (h *SessionHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	sess, err := h.repo.CreateSession(r.Context(), req.Name, req.WorkspaceID, "")
	if err != nil {
		slog.Error("failed to create session", "error", err)
		Error(w, http.StatusInternalServerError, "failed to create session")
		return
	}
	JSON(w, http.StatusCreated, sess)
}

// List returns all sessions, most recently updated first.
func (h *SessionHandler) List(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.repo.ListSessions(r.Context())
	if err != nil {
		slog.Error("failed to list sessions", "error", err)
		Error(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"sessions": sessions})
}

// Get returns a single session.
func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	sess, err := h.repo.GetSession(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			Error(w, http.StatusNotFound, "session not found")
			return
		}
		slog.Error("failed to get session", "error", err)
		Error(w, http.StatusInternalServerError, "failed to get session")
		return
	}
	JSON(w, http.StatusOK, sess)
}

// Delete removes a session and all of its messages.
func (h *SessionHandler) Delete(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if _, err := h.repo.GetSession(r.Context(), sessionID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			Error(w, http.StatusNotFound, "session not found")
			return
		}
		slog.Error("failed to get session", "error", err)
		Error(w, http.StatusInternalServerError, "failed to delete session")
		return
	}
	if err := h.repo.DeleteSession(r.Context(), sessionID); err != nil {
		slog.Error("failed to delete session", "session_id", sessionID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to delete session")
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// Messages returns a session's message history in chronological order.
// An optional ?limit=N query caps the response at the first N messages.
func (h *SessionHandler) Messages(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			Error(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	if _, err := h.repo.GetSession(r.Context(), sessionID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			Error(w, http.StatusNotFound, "session not found")
			return
		}
		slog.Error("failed to get session", "error", err)
		Error(w, http.StatusInternalServerError, "failed to load messages")
		return
	}

	messages, err := h.repo.ListMessages(r.Context(), sessionID, limit)
	if err != nil {
		slog.Error("failed to list messages", "session_id", sessionID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to load messages")
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"messages": messages})
}

type truncateRequest struct {
	After time.Time `json:"after"`
}

// Truncate deletes every message after the given timestamp. Supports the
// edit-and-resend flow where the client rewinds the conversation.
func (h *SessionHandler) Truncate(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var req truncateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.After.IsZero() {
		Error(w, http.StatusBadRequest, "a non-zero 'after' timestamp is required")
		return
	}

	deleted, err := h.repo.TruncateAfter(r.Context(), sessionID, req.After)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			Error(w, http.StatusNotFound, "session not found")
			return
		}
		slog.Error("failed to truncate session", "session_id", sessionID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to truncate session")
		return
	}
	JSON(w, http.StatusOK, map[string]int64{"deleted": deleted})
}

type editMessageRequest struct {
	Content string `json:"content"`
}

// EditMessage replaces the content of a stored message.
func (h *SessionHandler) EditMessage(w http.ResponseWriter, r *http.Request) {
	messageID := chi.URLParam(r, "messageID")

	var req editMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Content == "" {
		Error(w, http.StatusBadRequest, "content is required")
		return
	}

	if err := h.repo.EditMessage(r.Context(), messageID, req.Content); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			Error(w, http.StatusNotFound, "message not found")
			return
		}
		slog.Error("failed to edit message", "message_id", messageID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to edit message")
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "updated"})
}
