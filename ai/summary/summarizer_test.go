package summary

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/vvivloy/mememaster/ai/keyword"
	"github.com/vvivloy/mememaster/internal/config"
	"github.com/vvivloy/mememaster/store"
)

type fakeProvider struct {
	reply string
	err   error
	calls int
}

func (p *fakeProvider) TextChat(ctx context.Context, prompt, sessionID string, imageURLs []string) (string, error) {
	p.calls++
	if p.err != nil {
		return "", p.err
	}
	return p.reply, nil
}

func newTestSummarizer(t *testing.T, p Provider) (*Summarizer, *store.Store, string) {
	t.Helper()

	kw, err := keyword.Default()
	if err != nil {
		t.Fatalf("failed to load segmenter: %v", err)
	}
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	st, err := store.New(dbPath, dbPath, kw)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	bufferFile := filepath.Join(dir, "buffer.json")
	return New(st, p, bufferFile), st, bufferFile
}

// smallWindow triggers summarization after 3 buffered pairs.
var smallWindow = config.Snapshot{ContextRounds: 3}

func fillBuffer(s *Summarizer, n int) {
	for i := 0; i < n; i++ {
		s.Append("用户: 今天去公园散步了\n伴侣: 听起来很舒服")
	}
}

// TestCheckAndSummarize_BelowThresholdIsNoop verifies no provider call below
// the trigger.
func TestCheckAndSummarize_BelowThresholdIsNoop(t *testing.T) {
	p := &fakeProvider{reply: "无关"}
	s, _, _ := newTestSummarizer(t, p)

	fillBuffer(s, 2)
	if err := s.CheckAndSummarize(context.Background(), smallWindow); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.calls != 0 {
		t.Errorf("expected no provider calls, got %d", p.calls)
	}
	if s.Len() != 2 {
		t.Errorf("buffer must be untouched, len %d", s.Len())
	}
}

// TestCheckAndSummarize_FailureKeepsBuffer verifies the crash-safety
// invariant: a failed condensation loses nothing.
func TestCheckAndSummarize_FailureKeepsBuffer(t *testing.T) {
	p := &fakeProvider{err: errors.New("provider down")}
	s, st, bufferFile := newTestSummarizer(t, p)

	fillBuffer(s, 3)
	if err := s.CheckAndSummarize(context.Background(), smallWindow); err == nil {
		t.Fatalf("expected error from failed condensation")
	}
	if s.Len() != 3 {
		t.Errorf("buffer must survive failure, len %d", s.Len())
	}

	// Persistence survives a restart too.
	reloaded := New(st, p, bufferFile)
	if reloaded.Len() != 3 {
		t.Errorf("expected 3 entries after reload, got %d", reloaded.Len())
	}
}

// TestCheckAndSummarize_SuccessClearsBuffer verifies fragments are written,
// the captured fact lands as a sticky and the buffer empties.
func TestCheckAndSummarize_SuccessClearsBuffer(t *testing.T) {
	p := &fakeProvider{reply: "[2026-08-28] 用户最近常去公园散步放松心情\n[[MEM:用户的生日是3月14日]]"}
	s, st, _ := newTestSummarizer(t, p)
	ctx := context.Background()

	fillBuffer(s, 3)
	if err := s.CheckAndSummarize(ctx, smallWindow); err != nil {
		t.Fatalf("summarize failed: %v", err)
	}
	if s.Len() != 0 {
		t.Errorf("buffer must be cleared, len %d", s.Len())
	}

	fragments, err := st.QueryRecent(ctx, []store.MemoryType{store.MemoryFragment}, 10)
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(fragments) != 1 || !strings.Contains(fragments[0], "公园散步") {
		t.Errorf("unexpected fragments: %q", fragments)
	}
	if !strings.HasPrefix(fragments[0], "[2026-08-28]") {
		t.Errorf("expected date prefix, got %q", fragments[0])
	}

	stickies, err := st.QuerySticky(ctx)
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(stickies) != 1 || stickies[0] != "用户的生日是3月14日" {
		t.Errorf("expected captured fact, got %q", stickies)
	}
}

// TestCheckAndSummarize_UndatedLinesGetPrefix verifies the date stamp is
// added when the provider omits it.
func TestCheckAndSummarize_UndatedLinesGetPrefix(t *testing.T) {
	p := &fakeProvider{reply: "用户最近在准备一场重要的考试"}
	s, st, _ := newTestSummarizer(t, p)
	ctx := context.Background()

	fillBuffer(s, 3)
	if err := s.CheckAndSummarize(ctx, smallWindow); err != nil {
		t.Fatalf("summarize failed: %v", err)
	}

	fragments, err := st.QueryRecent(ctx, []store.MemoryType{store.MemoryFragment}, 10)
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(fragments) != 1 {
		t.Fatalf("expected 1 fragment, got %d", len(fragments))
	}
	if !strings.HasPrefix(fragments[0], "[") || !strings.Contains(fragments[0], "考试") {
		t.Errorf("expected date-prefixed fragment, got %q", fragments[0])
	}
}

// TestCheckAndSummarize_DuplicateFactSkipped verifies sticky dedup.
func TestCheckAndSummarize_DuplicateFactSkipped(t *testing.T) {
	p := &fakeProvider{reply: "[2026-08-28] 聊了生日的事情\n[[MEM:用户的生日是3月14日]]"}
	s, st, _ := newTestSummarizer(t, p)
	ctx := context.Background()

	if _, err := st.InsertMemory(ctx, "用户的生日是3月14日", store.MemorySticky); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	fillBuffer(s, 3)
	if err := s.CheckAndSummarize(ctx, smallWindow); err != nil {
		t.Fatalf("summarize failed: %v", err)
	}

	stickies, err := st.QuerySticky(ctx)
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(stickies) != 1 {
		t.Errorf("expected dedup to keep 1 sticky, got %d", len(stickies))
	}
}

// TestAppend_MidCycleEntriesSurvive verifies only the digested prefix drops.
func TestAppend_MidCycleEntriesSurvive(t *testing.T) {
	block := make(chan struct{})
	p := &blockingProvider{
		block:   block,
		reply:   "[2026-08-28] 总结内容在此",
		started: make(chan struct{}),
	}
	s, _, _ := newTestSummarizer(t, p)
	ctx := context.Background()

	fillBuffer(s, 3)
	done := make(chan error, 1)
	go func() { done <- s.CheckAndSummarize(ctx, smallWindow) }()

	<-p.started
	s.Append("用户: 新消息\n伴侣: 收到")
	close(block)

	if err := <-done; err != nil {
		t.Fatalf("summarize failed: %v", err)
	}
	if s.Len() != 1 {
		t.Errorf("expected the mid-cycle entry to survive, len %d", s.Len())
	}
}

type blockingProvider struct {
	block   chan struct{}
	reply   string
	started chan struct{}
	once    sync.Once
}

func (p *blockingProvider) TextChat(ctx context.Context, prompt, sessionID string, imageURLs []string) (string, error) {
	p.once.Do(func() { close(p.started) })
	<-p.block
	return p.reply, nil
}
