// Package contextmon tracks per-session context-window consumption and owns
// the summarize-and-fork recovery protocol.
package contextmon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/dkarpov/chatcore/internal/domain"
	"github.com/dkarpov/chatcore/internal/provider"
	"github.com/dkarpov/chatcore/internal/store"
)

// ErrForkInProgress is returned when a fork is already in flight for the
// session. Callers surface it immediately; fork attempts never queue.
var ErrForkInProgress = errors.New("fork already in progress for session")

const (
	// DefaultWarnRatio and DefaultOverflowRatio are tunable via config;
	// they are safety thresholds, not contracts.
	DefaultWarnRatio     = 0.70
	DefaultOverflowRatio = 0.95

	// summaryTranscriptBudget caps how much history is sent to the
	// summarizer. The fork triggers precisely because the session outgrew a
	// context window, so the transcript is taken from the tail.
	summaryTranscriptBudget = 120_000
	summaryMessageCap       = 4_000
)

const summarySystemPrompt = `You are a conversation summarizer for a coding assistant. Produce a condensed summary of the conversation so far that preserves: the user's goals, decisions made, code or files discussed, unresolved questions, and the current task state. Write it as context for continuing the conversation, not as a report.`

// Monitor evaluates context consumption against model limits and drives the
// summarize-and-fork protocol when a session outgrows its window.
type Monitor struct {
	repo          store.Repository
	router        *provider.Router
	warnRatio     float64
	overflowRatio float64

	// forkLocks holds a per-session advisory lock; at most one fork may be
	// in flight for a session at a time.
	forkLocks sync.Map
}

// NewMonitor creates a context monitor. Ratios outside (0, 1] fall back to
// the defaults.
func NewMonitor(repo store.Repository, router *provider.Router, warnRatio, overflowRatio float64) *Monitor {
	if warnRatio <= 0 || warnRatio > 1 {
		warnRatio = DefaultWarnRatio
	}
	if overflowRatio <= 0 || overflowRatio > 1 {
		overflowRatio = DefaultOverflowRatio
	}
	return &Monitor{
		repo:          repo,
		router:        router,
		warnRatio:     warnRatio,
		overflowRatio: overflowRatio,
	}
}

// Evaluate computes the session's cumulative token consumption against the
// model's context limit. Messages persisted without provider usage are
// estimated from their content.
func (m *Monitor) Evaluate(ctx context.Context, sessionID, model string) (domain.ContextState, error) {
	messages, err := m.repo.ListMessages(ctx, sessionID, 0)
	if err != nil {
		return domain.ContextState{}, fmt.Errorf("list messages for evaluation: %w", err)
	}

	cumulative := 0
	for _, msg := range messages {
		if msg.Usage != nil {
			cumulative += msg.Usage.TotalTokens
			continue
		}
		cumulative += EstimateTokens(msg.Content)
	}

	limit, known := ContextWindowTokens(model)
	if !known {
		limit = defaultContextWindow
	}

	state := domain.ContextState{
		SessionID:        sessionID,
		CumulativeTokens: cumulative,
		LimitForModel:    limit,
		Status:           domain.ContextOK,
	}
	ratio := float64(cumulative) / float64(limit)
	switch {
	case ratio >= m.overflowRatio:
		state.Status = domain.ContextOverflow
	case ratio >= m.warnRatio:
		state.Status = domain.ContextWarn
	}
	return state, nil
}

// ForkInFlight reports whether a summarize-and-fork is currently running for
// the session. The append path checks it before persisting: a message written
// while the history is being summarized would miss both the summary and the
// child session.
func (m *Monitor) ForkInFlight(sessionID string) bool {
	_, inFlight := m.forkLocks.Load(sessionID)
	return inFlight
}

// ForkWithSummary escapes context exhaustion: it asks the router for a
// condensed summary of the session's history, creates a child session seeded
// with that summary as a single system message, and marks the original as
// forked. If summarization fails, no session is created and the original is
// untouched. A concurrent fork on the same session fails fast with
// ErrForkInProgress.
func (m *Monitor) ForkWithSummary(ctx context.Context, sessionID string, creds provider.Credentials) (*domain.Session, error) {
	if _, inFlight := m.forkLocks.LoadOrStore(sessionID, struct{}{}); inFlight {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrForkInProgress)
	}
	defer m.forkLocks.Delete(sessionID)

	orig, err := m.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session for fork: %w", err)
	}

	messages, err := m.repo.ListMessages(ctx, sessionID, 0)
	if err != nil {
		return nil, fmt.Errorf("load history for fork: %w", err)
	}
	if len(messages) == 0 {
		return nil, fmt.Errorf("session %s has no history to summarize", sessionID)
	}

	summary, err := m.summarize(ctx, messages, creds)
	if err != nil {
		return nil, fmt.Errorf("generate fork summary: %w", err)
	}

	child, err := m.repo.CreateSession(ctx, orig.Name+" (continued)", orig.WorkspaceID, orig.ID)
	if err != nil {
		return nil, fmt.Errorf("create forked session: %w", err)
	}

	seed := "Summary of the conversation so far:\n\n" + summary
	if _, err := m.repo.AppendMessage(ctx, child.ID, domain.RoleSystem, seed, store.AppendInput{}); err != nil {
		// Roll the half-built fork back so a failed seed leaves no orphan.
		if delErr := m.repo.DeleteSession(ctx, child.ID); delErr != nil {
			slog.Error("failed to clean up half-forked session", "session_id", child.ID, "error", delErr)
		}
		return nil, fmt.Errorf("seed forked session: %w", err)
	}

	// Carry the active project over so /activate state survives the fork.
	if orig.HasActiveProject() {
		if err := m.repo.SetActiveProject(ctx, child.ID, orig.ActiveProject, orig.ActiveProjectBranch); err != nil {
			slog.Warn("failed to carry active project onto fork", "session_id", child.ID, "error", err)
		}
	}

	if err := m.repo.SetMetadata(ctx, sessionID, "forked", "true"); err != nil {
		return nil, fmt.Errorf("mark original session forked: %w", err)
	}

	slog.Info("session forked",
		"session_id", sessionID,
		"child_session_id", child.ID,
		"history_messages", len(messages),
	)
	return child, nil
}

// summarize asks the router to condense the history. The transcript is
// bounded from the tail because the session is at or past a context limit.
func (m *Monitor) summarize(ctx context.Context, messages []*domain.Message, creds provider.Credentials) (string, error) {
	transcript := buildTranscript(messages)
	req := []provider.Message{
		{Role: domain.RoleSystem, Content: summarySystemPrompt},
		{Role: domain.RoleUser, Content: "Summarize this conversation:\n\n" + transcript},
	}

	resp, _, err := m.router.Route(ctx, req, "", "", creds)
	if err != nil {
		return "", err
	}
	summary := strings.TrimSpace(resp.Content)
	if summary == "" {
		return "", fmt.Errorf("summarizer returned empty content")
	}
	return summary, nil
}

func buildTranscript(messages []*domain.Message) string {
	var parts []string
	total := 0
	for i := len(messages) - 1; i >= 0; i-- {
		msg := messages[i]
		content := msg.Content
		if len(content) > summaryMessageCap {
			content = content[:summaryMessageCap] + " ..."
		}
		entry := fmt.Sprintf("[%s] %s", msg.Role, content)
		if total+len(entry) > summaryTranscriptBudget {
			break
		}
		parts = append(parts, entry)
		total += len(entry)
	}
	// parts were collected newest-first; restore chronological order.
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return strings.Join(parts, "\n\n")
}
