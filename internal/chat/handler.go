package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/dkarpov/chatcore/internal/command"
	"github.com/dkarpov/chatcore/internal/contextmon"
	"github.com/dkarpov/chatcore/internal/credentials"
	"github.com/dkarpov/chatcore/internal/domain"
	"github.com/dkarpov/chatcore/internal/identity"
	"github.com/dkarpov/chatcore/internal/provider"
	"github.com/dkarpov/chatcore/internal/store"
)

// defaultEvalModel is used for context evaluation when the client did not
// request a model.
const defaultEvalModel = "gpt-4o"

// handleTimeout bounds one message's handling end to end: persistence, up to
// two provider calls, and a possible fork.
const handleTimeout = 3 * time.Minute

// WebSocketHandler accepts chat connections and runs the per-message
// orchestration: command interpretation, persistence, context evaluation,
// provider routing, and broadcast.
type WebSocketHandler struct {
	repo          store.Repository
	registry      *Registry
	router        *provider.Router
	monitor       *contextmon.Monitor
	interpreter   *command.Interpreter
	creds         credentials.Resolver
	allowedOrigin string
	isDev         bool
}

// NewWebSocketHandler creates the chat websocket handler.
func NewWebSocketHandler(
	repo store.Repository,
	registry *Registry,
	router *provider.Router,
	monitor *contextmon.Monitor,
	interpreter *command.Interpreter,
	creds credentials.Resolver,
	allowedOrigin string,
	isDev bool,
) *WebSocketHandler {
	return &WebSocketHandler{
		repo:          repo,
		registry:      registry,
		router:        router,
		monitor:       monitor,
		interpreter:   interpreter,
		creds:         creds,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
	}
}

// ServeHTTP implements http.Handler for the websocket upgrade.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	slog.Info("chat connection request", "user_id", userID, "ip", identity.IPFromRequest(r))

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("failed to accept websocket", "error", err, "user_id", userID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			slog.Debug("failed to close websocket", "error", closeErr, "user_id", userID)
		}
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sessionID, created, err := h.resolveSession(ctx, r.URL.Query().Get("session_id"))
	if err != nil {
		h.writeDirect(ws, NewEvent(EventError, "", "session not found"))
		return
	}

	handle := h.registry.Connect(sessionID, ws)
	defer h.registry.Disconnect(handle)

	if created {
		h.writeDirect(ws, NewEvent(EventSessionCreated, sessionID, "new session created"))
	}

	h.readLoop(ctx, ws, handle, userID, sessionID)
	slog.Info("chat connection ended", "user_id", userID, "session_id", sessionID)
}

// resolveSession verifies the requested session or, when none is given,
// creates one: a conversation starts on first contact.
func (h *WebSocketHandler) resolveSession(ctx context.Context, requested string) (string, bool, error) {
	if requested == "" {
		sess, err := h.repo.CreateSession(ctx, "", "", "")
		if err != nil {
			return "", false, fmt.Errorf("create session: %w", err)
		}
		return sess.ID, true, nil
	}
	if _, err := h.repo.GetSession(ctx, requested); err != nil {
		return "", false, fmt.Errorf("resolve session %s: %w", requested, err)
	}
	return requested, false, nil
}

func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" || origin == h.allowedOrigin {
		return true
	}
	slog.Warn("websocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

func (h *WebSocketHandler) readLoop(ctx context.Context, ws *websocket.Conn, handle *Handle, userID, sessionID string) {
	for {
		_, raw, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("websocket closed by client", "user_id", userID, "session_id", sessionID)
			} else {
				slog.Warn("websocket read error", "error", err, "user_id", userID, "session_id", sessionID)
			}
			return
		}

		h.registry.Touch(handle)

		var msg InboundMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			h.writeDirect(ws, NewEvent(EventError, sessionID, "invalid message envelope"))
			continue
		}

		switch msg.Type {
		case InboundPing:
			h.writeDirect(ws, NewEvent(EventPong, sessionID, ""))
		case InboundChat:
			if msg.Content == "" {
				h.writeDirect(ws, NewEvent(EventError, sessionID, "message content is required"))
				continue
			}
			// Handling runs on a detached context: a disconnect mid-request
			// only removes delivery targets, it never cancels the provider
			// call or the persistence of its result.
			handleCtx, cancel := context.WithTimeout(context.Background(), handleTimeout)
			h.handleChat(handleCtx, userID, sessionID, msg)
			cancel()
		default:
			h.writeDirect(ws, NewEvent(EventError, sessionID, fmt.Sprintf("unknown message type %q", msg.Type)))
		}
	}
}

// handleChat runs the orchestration for one inbound chat message.
func (h *WebSocketHandler) handleChat(ctx context.Context, userID, sessionID string, msg InboundMessage) {
	// Control messages short-circuit everything: no persistence, no
	// provider call.
	// The bound session is authoritative; an envelope naming another session
	// is a client bug, not a redirect.
	if msg.SessionID != "" && msg.SessionID != sessionID {
		h.registry.Broadcast(ctx, sessionID, NewEvent(EventError, sessionID, "message session_id does not match this connection"))
		return
	}

	if response, handled := h.interpreter.TryHandle(ctx, msg.Content, sessionID, userID); handled {
		h.registry.Broadcast(ctx, sessionID, NewEvent(EventCommand, sessionID, response))
		return
	}

	// A message appended while a fork is summarizing misses both the summary
	// and the child session. Fail fast the same way a concurrent fork does.
	if h.monitor.ForkInFlight(sessionID) {
		h.registry.Broadcast(ctx, sessionID, NewEvent(EventError, sessionID, "a fork is already in progress for this session"))
		return
	}

	if _, err := h.repo.AppendMessage(ctx, sessionID, domain.RoleUser, msg.Content, store.AppendInput{}); err != nil {
		slog.Error("failed to persist user message", "session_id", sessionID, "error", err)
		h.registry.Broadcast(ctx, sessionID, NewEvent(EventError, sessionID, "failed to save message"))
		return
	}

	creds, err := h.creds.Resolve(ctx, userID)
	if err != nil {
		slog.Error("credential resolution failed", "user_id", userID, "error", err)
		h.registry.Broadcast(ctx, sessionID, NewEvent(EventError, sessionID, "provider not configured"))
		return
	}

	evalModel := msg.Model
	if evalModel == "" {
		evalModel = defaultEvalModel
	}

	// The session this message's conversation continues in. A fork redirects
	// it to the child session.
	targetSession := sessionID

	state, err := h.monitor.Evaluate(ctx, sessionID, evalModel)
	if err != nil {
		slog.Error("context evaluation failed", "session_id", sessionID, "error", err)
		h.registry.Broadcast(ctx, sessionID, NewEvent(EventError, sessionID, "failed to evaluate session context"))
		return
	}

	switch state.Status {
	case domain.ContextWarn:
		warn := NewEvent(EventContextWarning, sessionID,
			fmt.Sprintf("conversation is using %d of %d context tokens", state.CumulativeTokens, state.LimitForModel))
		warn.Context = &state
		h.registry.Broadcast(ctx, sessionID, warn)
	case domain.ContextOverflow:
		child, ok := h.forkSession(ctx, sessionID, msg.Content, creds)
		if !ok {
			return
		}
		targetSession = child
	}

	h.routeAndRespond(ctx, sessionID, targetSession, msg, creds, true)
}

// forkSession drives the summarize-and-fork recovery, re-homes the pending
// user message into the child session, and announces the fork. Returns the
// child session ID.
func (h *WebSocketHandler) forkSession(ctx context.Context, sessionID, pendingContent string, creds provider.Credentials) (string, bool) {
	h.registry.Broadcast(ctx, sessionID, NewEvent(EventProgress, sessionID,
		"context window is full; summarizing the conversation into a new session"))

	child, err := h.monitor.ForkWithSummary(ctx, sessionID, creds)
	if err != nil {
		switch {
		case errors.Is(err, contextmon.ErrForkInProgress):
			h.registry.Broadcast(ctx, sessionID, NewEvent(EventError, sessionID, "a fork is already in progress for this session"))
		default:
			slog.Error("fork failed", "session_id", sessionID, "error", err)
			h.registry.Broadcast(ctx, sessionID, NewEvent(EventError, sessionID, "could not summarize the conversation; the session is unchanged"))
		}
		return "", false
	}

	if _, err := h.repo.AppendMessage(ctx, child.ID, domain.RoleUser, pendingContent, store.AppendInput{}); err != nil {
		slog.Error("failed to carry pending message into fork", "session_id", child.ID, "error", err)
		h.registry.Broadcast(ctx, sessionID, NewEvent(EventError, sessionID, "failed to save message"))
		return "", false
	}

	forked := NewEvent(EventSessionForked, sessionID, "conversation continued in a new session")
	forked.NewSessionID = child.ID
	h.registry.Broadcast(ctx, sessionID, forked)
	return child.ID, true
}

// routeAndRespond executes the provider call for the target session's
// history and broadcasts the outcome. broadcastSession is where the client
// is listening, which differs from targetSession right after a fork.
func (h *WebSocketHandler) routeAndRespond(ctx context.Context, broadcastSession, targetSession string, msg InboundMessage, creds provider.Credentials, allowOverflowFork bool) {
	history, err := h.buildHistory(ctx, targetSession)
	if err != nil {
		slog.Error("failed to load history", "session_id", targetSession, "error", err)
		h.registry.Broadcast(ctx, broadcastSession, NewEvent(EventError, broadcastSession, "failed to load conversation"))
		return
	}

	resp, attempts, err := h.router.Route(ctx, history, msg.Provider, msg.Model, creds)
	if err != nil {
		// The provider itself can be the first to notice overflow.
		if provider.IsContextLength(err) && allowOverflowFork {
			child, ok := h.forkSession(ctx, targetSession, msg.Content, creds)
			if !ok {
				return
			}
			h.routeAndRespond(ctx, broadcastSession, child, msg, creds, false)
			return
		}
		h.registry.Broadcast(ctx, broadcastSession, NewEvent(EventError, broadcastSession, userFacingError(err)))
		return
	}

	slog.Info("provider call succeeded",
		"session_id", targetSession,
		"provider", resp.Provider,
		"model", resp.Model,
		"attempts", len(attempts),
		"total_tokens", resp.Usage.TotalTokens,
	)

	usage := resp.Usage
	if _, err := h.repo.AppendMessage(ctx, targetSession, domain.RoleAssistant, resp.Content, store.AppendInput{
		Provider: resp.Provider,
		Model:    resp.Model,
		Usage:    &usage,
	}); err != nil {
		slog.Error("failed to persist assistant message", "session_id", targetSession, "error", err)
		h.registry.Broadcast(ctx, broadcastSession, NewEvent(EventError, broadcastSession, "failed to save response"))
		return
	}

	event := NewEvent(EventChat, targetSession, resp.Content)
	event.Provider = resp.Provider
	event.Model = resp.Model
	event.Usage = &usage
	h.registry.Broadcast(ctx, broadcastSession, event)
	// After a fork the client is still connected under the original
	// session; deliver there too so nothing is lost mid-switch.
	if broadcastSession != targetSession {
		h.registry.Broadcast(ctx, targetSession, event)
	}
}

// buildHistory converts the session's persisted messages into the uniform
// role/content shape the router accepts, prefixed with the session's active
// project as a system instruction when one is set.
func (h *WebSocketHandler) buildHistory(ctx context.Context, sessionID string) ([]provider.Message, error) {
	sess, err := h.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	messages, err := h.repo.ListMessages(ctx, sessionID, 0)
	if err != nil {
		return nil, err
	}

	history := make([]provider.Message, 0, len(messages)+1)
	if sess.HasActiveProject() {
		instruction := fmt.Sprintf("The user is working in project %q", sess.ActiveProject)
		if sess.ActiveProjectBranch != "" {
			instruction += fmt.Sprintf(" on branch %q", sess.ActiveProjectBranch)
		}
		history = append(history, provider.Message{Role: domain.RoleSystem, Content: instruction + "."})
	}
	for _, m := range messages {
		history = append(history, provider.Message{Role: m.Role, Content: m.Content})
	}
	return history, nil
}

// userFacingError maps the provider error taxonomy onto the messages users
// see. Transient errors are only visible when the fallback also failed.
func userFacingError(err error) string {
	var authErr *provider.AuthError
	if errors.As(err, &authErr) {
		return "provider not configured"
	}
	if provider.IsTransient(err) {
		return "the provider is temporarily unavailable, please try again"
	}
	return "the provider returned an unexpected response"
}

// writeDirect sends an event to a single connection, outside the broadcast
// path. Used for per-connection responses like pong and envelope errors.
func (h *WebSocketHandler) writeDirect(ws *websocket.Conn, event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		slog.Warn("failed to marshal direct event", "type", event.Type, "error", err)
		return
	}
	if err := ws.Write(context.Background(), websocket.MessageText, data); err != nil {
		slog.Debug("direct write failed", "type", event.Type, "error", err)
	}
}
