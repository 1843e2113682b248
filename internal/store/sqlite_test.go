package store

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dkarpov/chatcore/internal/domain"
)

func newTestStore(t *testing.T) Repository {
	t.Helper()
	repo, err := NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() {
		if err := repo.Close(); err != nil {
			t.Errorf("close store: %v", err)
		}
	})
	return repo
}

func TestCreateAndGetSession(t *testing.T) {
	t.Parallel()
	repo := newTestStore(t)
	ctx := context.Background()

	sess, err := repo.CreateSession(ctx, "debugging", "ws-1", "")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if sess.ID == "" {
		t.Fatal("expected a generated session ID")
	}

	got, err := repo.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.Name != "debugging" || got.WorkspaceID != "ws-1" {
		t.Errorf("got name=%q workspace=%q, want debugging/ws-1", got.Name, got.WorkspaceID)
	}
	if got.Metadata == nil || len(got.Metadata) != 0 {
		t.Errorf("expected empty metadata map, got %v", got.Metadata)
	}
}

func TestCreateSessionAssignsPlaceholderName(t *testing.T) {
	t.Parallel()
	repo := newTestStore(t)

	sess, err := repo.CreateSession(context.Background(), "", "", "")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if sess.Name == "" {
		t.Error("expected a placeholder name for an unnamed session")
	}
}

func TestGetSessionNotFound(t *testing.T) {
	t.Parallel()
	repo := newTestStore(t)

	_, err := repo.GetSession(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAppendMessageTimestampsStrictlyIncrease(t *testing.T) {
	t.Parallel()
	repo := newTestStore(t)
	ctx := context.Background()

	sess, err := repo.CreateSession(ctx, "ordering", "", "")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	// Rapid appends can land within the same clock tick; the store must
	// still hand out strictly increasing timestamps.
	for i := 0; i < 50; i++ {
		if _, err := repo.AppendMessage(ctx, sess.ID, domain.RoleUser, "msg", AppendInput{}); err != nil {
			t.Fatalf("AppendMessage %d: %v", i, err)
		}
	}

	messages, err := repo.ListMessages(ctx, sess.ID, 0)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(messages) != 50 {
		t.Fatalf("got %d messages, want 50", len(messages))
	}
	for i := 1; i < len(messages); i++ {
		if !messages[i].Timestamp.After(messages[i-1].Timestamp) {
			t.Fatalf("timestamp at %d (%v) not after previous (%v)", i, messages[i].Timestamp, messages[i-1].Timestamp)
		}
	}
}

func TestAppendMessageBumpsSessionUpdatedAt(t *testing.T) {
	t.Parallel()
	repo := newTestStore(t)
	ctx := context.Background()

	sess, err := repo.CreateSession(ctx, "bump", "", "")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	msg, err := repo.AppendMessage(ctx, sess.ID, domain.RoleUser, "hello", AppendInput{})
	if err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	got, err := repo.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if !got.UpdatedAt.Equal(msg.Timestamp) {
		t.Errorf("updated_at %v, want message timestamp %v", got.UpdatedAt, msg.Timestamp)
	}
}

func TestAppendMessageIsAtomic(t *testing.T) {
	t.Parallel()
	repo := newTestStore(t)
	ctx := context.Background()

	sess, err := repo.CreateSession(ctx, "atomic", "", "")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	before, err := repo.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}

	// An invalid role is rejected before any write; nothing from the append
	// may survive, including the session's updated_at bump.
	_, err = repo.AppendMessage(ctx, sess.ID, "narrator", "boom", AppendInput{})
	if err == nil {
		t.Fatal("expected append with invalid role to fail")
	}
	if !strings.Contains(err.Error(), `invalid role "narrator"`) {
		t.Errorf("error %q does not name the invalid role", err)
	}

	messages, err := repo.ListMessages(ctx, sess.ID, 0)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(messages) != 0 {
		t.Errorf("got %d messages after failed append, want 0", len(messages))
	}
	after, err := repo.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if !after.UpdatedAt.Equal(before.UpdatedAt) {
		t.Errorf("updated_at moved from %v to %v on a failed append", before.UpdatedAt, after.UpdatedAt)
	}
}

func TestAppendMessageSessionMissing(t *testing.T) {
	t.Parallel()
	repo := newTestStore(t)

	_, err := repo.AppendMessage(context.Background(), "missing", domain.RoleUser, "hi", AppendInput{})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAppendMessagePersistsUsageAndProvider(t *testing.T) {
	t.Parallel()
	repo := newTestStore(t)
	ctx := context.Background()

	sess, err := repo.CreateSession(ctx, "usage", "", "")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	usage := &domain.UsageStats{PromptTokens: 10, CompletionTokens: 20, TotalTokens: 30}
	if _, err := repo.AppendMessage(ctx, sess.ID, domain.RoleAssistant, "answer", AppendInput{
		Provider: "openai",
		Model:    "gpt-4o",
		Usage:    usage,
	}); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	messages, err := repo.ListMessages(ctx, sess.ID, 0)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	got := messages[0]
	if got.Provider != "openai" || got.Model != "gpt-4o" {
		t.Errorf("got provider=%q model=%q", got.Provider, got.Model)
	}
	if got.Usage == nil || got.Usage.TotalTokens != 30 {
		t.Errorf("usage not round-tripped: %+v", got.Usage)
	}
}

func TestListMessagesLimit(t *testing.T) {
	t.Parallel()
	repo := newTestStore(t)
	ctx := context.Background()

	sess, err := repo.CreateSession(ctx, "limit", "", "")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	for i := 0; i < 5; i++ {
		if _, err := repo.AppendMessage(ctx, sess.ID, domain.RoleUser, "m", AppendInput{}); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
	}

	messages, err := repo.ListMessages(ctx, sess.ID, 3)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(messages) != 3 {
		t.Errorf("got %d messages, want 3", len(messages))
	}
}

func TestDeleteSessionCascadesToMessages(t *testing.T) {
	t.Parallel()
	repo := newTestStore(t)
	ctx := context.Background()

	sess, err := repo.CreateSession(ctx, "cascade", "", "")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if _, err := repo.AppendMessage(ctx, sess.ID, domain.RoleUser, "hello", AppendInput{}); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	if err := repo.DeleteSession(ctx, sess.ID); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}

	messages, err := repo.ListMessages(ctx, sess.ID, 0)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(messages) != 0 {
		t.Errorf("got %d orphaned messages after delete, want 0", len(messages))
	}
	if _, err := repo.GetSession(ctx, sess.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestTruncateAfter(t *testing.T) {
	t.Parallel()
	repo := newTestStore(t)
	ctx := context.Background()

	sess, err := repo.CreateSession(ctx, "truncate", "", "")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	var pivot time.Time
	for i := 0; i < 5; i++ {
		msg, err := repo.AppendMessage(ctx, sess.ID, domain.RoleUser, "m", AppendInput{})
		if err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
		if i == 2 {
			pivot = msg.Timestamp
		}
	}

	deleted, err := repo.TruncateAfter(ctx, sess.ID, pivot)
	if err != nil {
		t.Fatalf("TruncateAfter: %v", err)
	}
	if deleted != 2 {
		t.Errorf("deleted %d messages, want 2", deleted)
	}

	messages, err := repo.ListMessages(ctx, sess.ID, 0)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(messages) != 3 {
		t.Errorf("got %d messages after truncate, want 3", len(messages))
	}
}

func TestEditMessage(t *testing.T) {
	t.Parallel()
	repo := newTestStore(t)
	ctx := context.Background()

	sess, err := repo.CreateSession(ctx, "edit", "", "")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	msg, err := repo.AppendMessage(ctx, sess.ID, domain.RoleUser, "old", AppendInput{})
	if err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	if err := repo.EditMessage(ctx, msg.ID, "new"); err != nil {
		t.Fatalf("EditMessage: %v", err)
	}
	messages, err := repo.ListMessages(ctx, sess.ID, 0)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if messages[0].Content != "new" {
		t.Errorf("content %q, want %q", messages[0].Content, "new")
	}

	if err := repo.EditMessage(ctx, "missing", "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for missing message, got %v", err)
	}
}

func TestSetActiveProjectAndMetadata(t *testing.T) {
	t.Parallel()
	repo := newTestStore(t)
	ctx := context.Background()

	sess, err := repo.CreateSession(ctx, "meta", "", "")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	if err := repo.SetActiveProject(ctx, sess.ID, "api-server", "main"); err != nil {
		t.Fatalf("SetActiveProject: %v", err)
	}
	if err := repo.SetMetadata(ctx, sess.ID, "forked", "true"); err != nil {
		t.Fatalf("SetMetadata: %v", err)
	}

	got, err := repo.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.ActiveProject != "api-server" || got.ActiveProjectBranch != "main" {
		t.Errorf("active project %q/%q, want api-server/main", got.ActiveProject, got.ActiveProjectBranch)
	}
	if !got.IsForked() {
		t.Error("expected IsForked after setting forked metadata")
	}

	// Deactivate.
	if err := repo.SetActiveProject(ctx, sess.ID, "", ""); err != nil {
		t.Fatalf("SetActiveProject deactivate: %v", err)
	}
	got, err = repo.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.HasActiveProject() {
		t.Errorf("expected no active project, got %q", got.ActiveProject)
	}
}

func TestListSessionsOrderedByUpdatedAt(t *testing.T) {
	t.Parallel()
	repo := newTestStore(t)
	ctx := context.Background()

	first, err := repo.CreateSession(ctx, "first", "", "")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	second, err := repo.CreateSession(ctx, "second", "", "")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	// Touching the older session should float it to the top.
	time.Sleep(2 * time.Millisecond)
	if _, err := repo.AppendMessage(ctx, first.ID, domain.RoleUser, "ping", AppendInput{}); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	sessions, err := repo.ListSessions(ctx)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("got %d sessions, want 2", len(sessions))
	}
	if sessions[0].ID != first.ID || sessions[1].ID != second.ID {
		t.Errorf("order %q,%q; want %q,%q", sessions[0].ID, sessions[1].ID, first.ID, second.ID)
	}
}

func TestForkLinksParent(t *testing.T) {
	t.Parallel()
	repo := newTestStore(t)
	ctx := context.Background()

	parent, err := repo.CreateSession(ctx, "parent", "ws-1", "")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	child, err := repo.CreateSession(ctx, "parent (continued)", "ws-1", parent.ID)
	if err != nil {
		t.Fatalf("CreateSession child: %v", err)
	}

	got, err := repo.GetSession(ctx, child.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.ParentSessionID != parent.ID {
		t.Errorf("parent_session_id %q, want %q", got.ParentSessionID, parent.ID)
	}
}
