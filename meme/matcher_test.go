package meme

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/vvivloy/mememaster/ai/keyword"
	"github.com/vvivloy/mememaster/store"
)

func newTestMatcher(t *testing.T) (*Matcher, *store.Store, string) {
	t.Helper()

	kw, err := keyword.Default()
	if err != nil {
		t.Fatalf("failed to load segmenter: %v", err)
	}
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	s, err := store.New(dbPath, dbPath, kw)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return NewMatcher(s, kw, dir), s, dir
}

func seedMemes(t *testing.T, s *store.Store) {
	t.Helper()
	ctx := context.Background()
	for _, m := range []*store.Meme{
		{Filename: "happy.jpg", Tags: "开心: 笑得合不拢嘴的小狗"},
		{Filename: "hug.jpg", Tags: "抱抱: 张开双臂求安慰"},
		{Filename: "shock.jpg", Tags: "震惊: 目瞪口呆"},
	} {
		if err := s.InsertMeme(ctx, m); err != nil {
			t.Fatalf("seed failed: %v", err)
		}
	}
}

func TestResolve_ExactSubstring(t *testing.T) {
	m, s, dir := newTestMatcher(t)
	seedMemes(t, s)
	ctx := context.Background()

	path, ok := m.Resolve(ctx, "开心", 0.35)
	if !ok {
		t.Fatalf("expected exact match for 开心")
	}
	if want := filepath.Join(dir, "happy.jpg"); path != want {
		t.Errorf("expected %s, got %s", want, path)
	}

	// Resolution must bump the usage counter.
	memes, err := s.ListMemes(ctx)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	for _, rec := range memes {
		if rec.Filename == "happy.jpg" && rec.UsageCount != 1 {
			t.Errorf("expected usage_count 1, got %d", rec.UsageCount)
		}
	}
}

func TestResolve_FuzzyFallback(t *testing.T) {
	m, s, dir := newTestMatcher(t)
	seedMemes(t, s)
	ctx := context.Background()

	// 高兴 is not stored; edit distance against 开心 is high but the tag
	// name is only two runes, so a lenient threshold still resolves.
	tests := []struct {
		name      string
		tag       string
		threshold float64
		wantOK    bool
		wantFile  string
	}{
		{"near name resolves", "抱一抱", 0.3, true, "hug.jpg"},
		{"threshold gates", "抱一抱", 0.9, false, ""},
		{"nonsense rejected", "完全无关的内容啊", 0.35, false, ""},
		{"empty tag rejected", "  ", 0.1, false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path, ok := m.Resolve(ctx, tt.tag, tt.threshold)
			if ok != tt.wantOK {
				t.Fatalf("expected ok=%v, got %v (path %s)", tt.wantOK, ok, path)
			}
			if tt.wantOK {
				if want := filepath.Join(dir, tt.wantFile); path != want {
					t.Errorf("expected %s, got %s", want, path)
				}
			}
		})
	}
}

func TestRatio(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		want float64
	}{
		{"identical", "开心", "开心", 1},
		{"disjoint", "ab", "cd", 0},
		{"empty operand", "", "开心", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ratio(tt.a, tt.b); got != tt.want {
				t.Errorf("ratio(%q,%q): expected %v, got %v", tt.a, tt.b, got, tt.want)
			}
		})
	}

	// One of three runes differs.
	if got := ratio("抱一抱", "抱抱抱"); got < 0.6 || got > 0.7 {
		t.Errorf("expected ~0.67, got %v", got)
	}
}

func TestCandidates(t *testing.T) {
	m, s, _ := newTestMatcher(t)
	seedMemes(t, s)
	ctx := context.Background()

	t.Run("mood reversal", func(t *testing.T) {
		// A sad message should surface comfort memes (抱抱), not sad ones.
		got := m.Candidates(ctx, "我今天好难过")
		found := false
		for _, c := range got {
			if c == "抱抱: 张开双臂求安慰" {
				found = true
			}
		}
		if !found {
			t.Errorf("expected comfort candidate, got %q", got)
		}
	})

	t.Run("restock on dry search", func(t *testing.T) {
		got := m.Candidates(ctx, "毫无关联的话题讨论")
		if len(got) == 0 {
			t.Errorf("expected random restock, got none")
		}
	})

	t.Run("empty text", func(t *testing.T) {
		if got := m.Candidates(ctx, " "); got != nil {
			t.Errorf("expected nil, got %q", got)
		}
	})

	t.Run("cap respected", func(t *testing.T) {
		got := m.Candidates(ctx, "难过又开心真是复杂的心情")
		if len(got) > maxCandidates {
			t.Errorf("expected at most %d candidates, got %d", maxCandidates, len(got))
		}
	})
}
