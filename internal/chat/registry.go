package chat

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const (
	// DefaultReapInterval and DefaultReapThreshold govern the stale-
	// connection reaper: scan every interval, force-close handles idle past
	// the threshold. Abrupt client termination does not always emit an
	// explicit disconnect, so the reaper is what keeps the registry honest.
	DefaultReapInterval  = 60 * time.Second
	DefaultReapThreshold = 300 * time.Second
)

// Conn is the slice of *websocket.Conn the registry needs. Tests substitute
// fakes.
type Conn interface {
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// Handle is one live transport connection bound to a single session for its
// whole lifetime.
type Handle struct {
	ID          int64
	SessionID   string
	ConnectedAt time.Time

	conn         Conn
	lastActivity time.Time // guarded by the registry mutex
}

// Registry tracks the live connections of every session and fans outbound
// events out to them. All state is in-memory: a restart loses connection
// state but never conversation state, which lives in the store.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]map[int64]*Handle
	nextID   int64

	interval  time.Duration
	threshold time.Duration
}

// NewRegistry creates a connection registry. Non-positive durations fall
// back to the defaults.
func NewRegistry(interval, threshold time.Duration) *Registry {
	if interval <= 0 {
		interval = DefaultReapInterval
	}
	if threshold <= 0 {
		threshold = DefaultReapThreshold
	}
	return &Registry{
		sessions:  make(map[string]map[int64]*Handle),
		interval:  interval,
		threshold: threshold,
	}
}

// Connect registers a new handle for the session.
func (r *Registry) Connect(sessionID string, conn Conn) *Handle {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	h := &Handle{
		ID:           r.nextID,
		SessionID:    sessionID,
		ConnectedAt:  time.Now(),
		conn:         conn,
		lastActivity: time.Now(),
	}
	if _, ok := r.sessions[sessionID]; !ok {
		r.sessions[sessionID] = make(map[int64]*Handle)
	}
	r.sessions[sessionID][h.ID] = h

	slog.Info("connection registered", "session_id", sessionID, "conn_id", h.ID)
	return h
}

// Disconnect removes the handle from its session's set. No-op if the handle
// was already removed (by an earlier disconnect or the reaper). When the
// session's set becomes empty the session is dropped from the registry,
// never from storage.
func (r *Registry) Disconnect(h *Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(h)
}

func (r *Registry) removeLocked(h *Handle) {
	handles, ok := r.sessions[h.SessionID]
	if !ok {
		return
	}
	if _, ok := handles[h.ID]; !ok {
		return
	}
	delete(handles, h.ID)
	if len(handles) == 0 {
		delete(r.sessions, h.SessionID)
	}
	slog.Info("connection removed", "session_id", h.SessionID, "conn_id", h.ID)
}

// Touch records activity on the handle, deferring the reaper.
func (r *Registry) Touch(h *Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h.lastActivity = time.Now()
}

// ConnectionCount returns the number of live handles for a session.
func (r *Registry) ConnectionCount(sessionID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions[sessionID])
}

// Broadcast sends the event to every handle registered for the session. A
// send failure on one handle is logged and does not prevent delivery to the
// remaining handles.
func (r *Registry) Broadcast(ctx context.Context, sessionID string, event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		slog.Error("failed to marshal broadcast event", "session_id", sessionID, "type", event.Type, "error", err)
		return
	}

	// Snapshot under RLock so a slow socket write never blocks registry
	// mutation.
	r.mu.RLock()
	handles := make([]*Handle, 0, len(r.sessions[sessionID]))
	for _, h := range r.sessions[sessionID] {
		handles = append(handles, h)
	}
	r.mu.RUnlock()

	for _, h := range handles {
		if err := h.conn.Write(ctx, websocket.MessageText, data); err != nil {
			slog.Warn("broadcast write failed",
				"session_id", sessionID,
				"conn_id", h.ID,
				"type", event.Type,
				"error", err,
			)
		}
	}
}

// StartReaper runs the stale-connection sweep until ctx is cancelled.
func (r *Registry) StartReaper(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	go func() {
		defer ticker.Stop()
		slog.Info("connection reaper started", "interval", r.interval, "threshold", r.threshold)

		for {
			select {
			case <-ticker.C:
				r.reapStale()
			case <-ctx.Done():
				slog.Info("connection reaper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

// reapStale force-closes and removes every handle whose last activity is
// older than the threshold.
func (r *Registry) reapStale() {
	cutoff := time.Now().Add(-r.threshold)

	type staleHandle struct {
		h    *Handle
		idle time.Duration
	}

	r.mu.Lock()
	var stale []staleHandle
	for _, handles := range r.sessions {
		for _, h := range handles {
			if h.lastActivity.Before(cutoff) {
				stale = append(stale, staleHandle{h: h, idle: time.Since(h.lastActivity)})
			}
		}
	}
	for _, s := range stale {
		r.removeLocked(s.h)
	}
	r.mu.Unlock()

	for _, s := range stale {
		if err := s.h.conn.Close(websocket.StatusGoingAway, "idle timeout"); err != nil {
			slog.Debug("failed to close stale connection", "conn_id", s.h.ID, "error", err)
		}
		slog.Info("reaped stale connection",
			"session_id", s.h.SessionID,
			"conn_id", s.h.ID,
			"idle", s.idle,
		)
	}
}
