package contextmon

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dkarpov/chatcore/internal/domain"
	"github.com/dkarpov/chatcore/internal/provider"
	"github.com/dkarpov/chatcore/internal/store"
)

type scriptedProvider struct {
	mu      sync.Mutex
	content string
	err     error
	block   chan struct{}
	calls   int
}

func (p *scriptedProvider) Name() string { return provider.NameOpenAI }

func (p *scriptedProvider) Invoke(ctx context.Context, _ []provider.Message, model string, _ provider.Credentials) (*provider.Response, error) {
	p.mu.Lock()
	p.calls++
	block := p.block
	p.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if p.err != nil {
		return nil, p.err
	}
	return &provider.Response{Content: p.content, Provider: provider.NameOpenAI, Model: model}, nil
}

func (p *scriptedProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func newTestMonitor(t *testing.T, summarizer *scriptedProvider) (*Monitor, store.Repository) {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() {
		if err := repo.Close(); err != nil {
			t.Errorf("close store: %v", err)
		}
	})

	router := provider.NewRouterWithProviders(
		5*time.Second,
		[]string{provider.NameOpenAI},
		map[string]provider.Provider{provider.NameOpenAI: summarizer},
		nil,
	)
	return NewMonitor(repo, router, DefaultWarnRatio, DefaultOverflowRatio), repo
}

func testCreds() provider.Credentials {
	return provider.Credentials{OpenAIKey: "k"}
}

func appendWithUsage(t *testing.T, repo store.Repository, sessionID string, tokens int) {
	t.Helper()
	usage := &domain.UsageStats{TotalTokens: tokens}
	if _, err := repo.AppendMessage(context.Background(), sessionID, domain.RoleAssistant, "x", store.AppendInput{Usage: usage}); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
}

func TestEvaluateStatuses(t *testing.T) {
	t.Parallel()
	monitor, repo := newTestMonitor(t, &scriptedProvider{content: "summary"})
	ctx := context.Background()

	// gpt-4 has an 8192-token window: 70% is 5734, 95% is 7782.
	cases := []struct {
		name   string
		tokens int
		want   domain.ContextStatus
	}{
		{"well under", 1000, domain.ContextOK},
		{"at warn", 6000, domain.ContextWarn},
		{"at overflow", 7900, domain.ContextOverflow},
	}
	for _, tc := range cases {
		sess, err := repo.CreateSession(ctx, tc.name, "", "")
		if err != nil {
			t.Fatalf("CreateSession: %v", err)
		}
		appendWithUsage(t, repo, sess.ID, tc.tokens)

		state, err := monitor.Evaluate(ctx, sess.ID, "gpt-4")
		if err != nil {
			t.Fatalf("Evaluate(%s): %v", tc.name, err)
		}
		if state.Status != tc.want {
			t.Errorf("%s: status %v, want %v", tc.name, state.Status, tc.want)
		}
		if state.CumulativeTokens != tc.tokens {
			t.Errorf("%s: cumulative %d, want %d", tc.name, state.CumulativeTokens, tc.tokens)
		}
		if state.LimitForModel != 8192 {
			t.Errorf("%s: limit %d, want 8192", tc.name, state.LimitForModel)
		}
	}
}

func TestEvaluateEstimatesWhenUsageMissing(t *testing.T) {
	t.Parallel()
	monitor, repo := newTestMonitor(t, &scriptedProvider{content: "summary"})
	ctx := context.Background()

	sess, err := repo.CreateSession(ctx, "estimate", "", "")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if _, err := repo.AppendMessage(ctx, sess.ID, domain.RoleUser, strings.Repeat("a", 400), store.AppendInput{}); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	state, err := monitor.Evaluate(ctx, sess.ID, "gpt-4")
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if state.CumulativeTokens != EstimateTokens(strings.Repeat("a", 400)) {
		t.Errorf("cumulative %d, want character-based estimate", state.CumulativeTokens)
	}
}

func TestEvaluateUnknownModelUsesConservativeLimit(t *testing.T) {
	t.Parallel()
	monitor, repo := newTestMonitor(t, &scriptedProvider{content: "summary"})
	ctx := context.Background()

	sess, err := repo.CreateSession(ctx, "unknown-model", "", "")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	appendWithUsage(t, repo, sess.ID, 100)

	state, err := monitor.Evaluate(ctx, sess.ID, "mystery-v1")
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if state.LimitForModel != 8192 {
		t.Errorf("limit %d, want conservative 8192", state.LimitForModel)
	}
}

func TestForkWithSummary(t *testing.T) {
	t.Parallel()
	summarizer := &scriptedProvider{content: "the user was debugging a race condition"}
	monitor, repo := newTestMonitor(t, summarizer)
	ctx := context.Background()

	orig, err := repo.CreateSession(ctx, "debugging", "ws-1", "")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := repo.SetActiveProject(ctx, orig.ID, "api-server", "main"); err != nil {
		t.Fatalf("SetActiveProject: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := repo.AppendMessage(ctx, orig.ID, domain.RoleUser, "msg", store.AppendInput{}); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
	}

	child, err := monitor.ForkWithSummary(ctx, orig.ID, testCreds())
	if err != nil {
		t.Fatalf("ForkWithSummary: %v", err)
	}

	if child.ParentSessionID != orig.ID {
		t.Errorf("child parent %q, want %q", child.ParentSessionID, orig.ID)
	}
	if child.Name != "debugging (continued)" {
		t.Errorf("child name %q", child.Name)
	}

	seeded, err := repo.ListMessages(ctx, child.ID, 0)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(seeded) != 1 {
		t.Fatalf("child has %d messages, want the single summary seed", len(seeded))
	}
	if seeded[0].Role != domain.RoleSystem || !strings.Contains(seeded[0].Content, "race condition") {
		t.Errorf("seed message role=%q content=%q", seeded[0].Role, seeded[0].Content)
	}

	gotChild, err := repo.GetSession(ctx, child.ID)
	if err != nil {
		t.Fatalf("GetSession child: %v", err)
	}
	if gotChild.ActiveProject != "api-server" || gotChild.ActiveProjectBranch != "main" {
		t.Errorf("active project not carried over: %q/%q", gotChild.ActiveProject, gotChild.ActiveProjectBranch)
	}

	gotOrig, err := repo.GetSession(ctx, orig.ID)
	if err != nil {
		t.Fatalf("GetSession original: %v", err)
	}
	if !gotOrig.IsForked() {
		t.Error("original session not marked forked")
	}
	origMessages, err := repo.ListMessages(ctx, orig.ID, 0)
	if err != nil {
		t.Fatalf("ListMessages original: %v", err)
	}
	if len(origMessages) != 3 {
		t.Errorf("original history changed: %d messages, want 3", len(origMessages))
	}
}

func TestForkFailedSummaryLeavesOriginalUntouched(t *testing.T) {
	t.Parallel()
	summarizer := &scriptedProvider{err: &provider.ProtocolError{Provider: provider.NameOpenAI, StatusCode: 500, Message: "boom"}}
	monitor, repo := newTestMonitor(t, summarizer)
	ctx := context.Background()

	orig, err := repo.CreateSession(ctx, "stable", "", "")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if _, err := repo.AppendMessage(ctx, orig.ID, domain.RoleUser, "msg", store.AppendInput{}); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	if _, err := monitor.ForkWithSummary(ctx, orig.ID, testCreds()); err == nil {
		t.Fatal("expected fork to fail when summarization fails")
	}

	sessions, err := repo.ListSessions(ctx)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(sessions) != 1 {
		t.Errorf("got %d sessions, want only the original", len(sessions))
	}
	got, err := repo.GetSession(ctx, orig.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.IsForked() {
		t.Error("original marked forked despite failed summary")
	}
}

func TestForkEmptySessionRefused(t *testing.T) {
	t.Parallel()
	monitor, repo := newTestMonitor(t, &scriptedProvider{content: "summary"})
	ctx := context.Background()

	orig, err := repo.CreateSession(ctx, "empty", "", "")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if _, err := monitor.ForkWithSummary(ctx, orig.ID, testCreds()); err == nil {
		t.Fatal("expected fork of an empty session to fail")
	}
}

func TestConcurrentForkFailsFast(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	summarizer := &scriptedProvider{content: "summary", block: release}
	monitor, repo := newTestMonitor(t, summarizer)
	ctx := context.Background()

	orig, err := repo.CreateSession(ctx, "contended", "", "")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if _, err := repo.AppendMessage(ctx, orig.ID, domain.RoleUser, "msg", store.AppendInput{}); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	firstDone := make(chan error, 1)
	go func() {
		_, err := monitor.ForkWithSummary(ctx, orig.ID, testCreds())
		firstDone <- err
	}()

	// Wait for the first fork to reach the blocked summarizer call.
	deadline := time.Now().Add(2 * time.Second)
	for summarizer.callCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("first fork never reached the summarizer")
		}
		time.Sleep(time.Millisecond)
	}

	if !monitor.ForkInFlight(orig.ID) {
		t.Error("ForkInFlight is false while the summarizer is blocked")
	}
	if _, err := monitor.ForkWithSummary(ctx, orig.ID, testCreds()); !errors.Is(err, ErrForkInProgress) {
		t.Fatalf("second fork: got %v, want ErrForkInProgress", err)
	}

	close(release)
	if err := <-firstDone; err != nil {
		t.Fatalf("first fork: %v", err)
	}
	if monitor.ForkInFlight(orig.ID) {
		t.Error("ForkInFlight is true after the fork completed")
	}

	// The lock is released: a later fork proceeds (and fails fast only while
	// one is in flight).
	summarizer.mu.Lock()
	summarizer.block = nil
	summarizer.mu.Unlock()
	if _, err := monitor.ForkWithSummary(ctx, orig.ID, testCreds()); err != nil {
		t.Fatalf("fork after release: %v", err)
	}

	children := 0
	sessions, err := repo.ListSessions(ctx)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	for _, s := range sessions {
		if s.ParentSessionID == orig.ID {
			children++
		}
	}
	if children != 2 {
		t.Errorf("got %d children, want 2 (one per completed fork)", children)
	}
}

func TestBuildTranscriptTruncatesFromTail(t *testing.T) {
	t.Parallel()

	// Enough capped-length entries to blow the budget before the oldest
	// message is reached.
	filler := strings.Repeat("x", summaryMessageCap)
	messages := []*domain.Message{{Role: domain.RoleUser, Content: "earliest"}}
	for i := 0; i < summaryTranscriptBudget/summaryMessageCap; i++ {
		messages = append(messages, &domain.Message{Role: domain.RoleAssistant, Content: filler})
	}
	messages = append(messages, &domain.Message{Role: domain.RoleUser, Content: "latest"})

	transcript := buildTranscript(messages)
	if !strings.Contains(transcript, "latest") {
		t.Error("transcript dropped the newest message")
	}
	if strings.Contains(transcript, "earliest") {
		t.Error("transcript kept history beyond the budget")
	}
	if len(transcript) > summaryTranscriptBudget {
		t.Errorf("transcript length %d exceeds budget", len(transcript))
	}
}

func TestEstimateTokensWeighsNonASCII(t *testing.T) {
	t.Parallel()

	ascii := EstimateTokens("hello world")
	if ascii != 3 {
		t.Errorf("EstimateTokens(ascii) = %d, want 3", ascii)
	}
	cjk := EstimateTokens("你好世界")
	if cjk != 4 {
		t.Errorf("EstimateTokens(cjk) = %d, want 4", cjk)
	}
	if EstimateTokens("") != 0 {
		t.Error("empty string should estimate to zero tokens")
	}
}
