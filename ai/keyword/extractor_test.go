package keyword

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func testExtractor(t *testing.T) *Extractor {
	t.Helper()
	e, err := Default()
	if err != nil {
		t.Fatalf("failed to load segmenter: %v", err)
	}
	return e
}

func TestExtractTags(t *testing.T) {
	e := testExtractor(t)

	tags := e.ExtractTags("我最近开始学钢琴了，每天晚上都练习一个小时")
	if tags == "" {
		t.Fatalf("expected tags for a normal sentence")
	}

	parts := strings.Split(tags, ",")
	if len(parts) > MaxTags {
		t.Errorf("expected at most %d tags, got %d (%q)", MaxTags, len(parts), tags)
	}
	if !strings.Contains(tags, "钢琴") {
		t.Errorf("expected topical noun 钢琴 among tags, got %q", tags)
	}
	for _, p := range parts {
		if strings.TrimSpace(p) == "" {
			t.Errorf("empty tag in %q", tags)
		}
	}
}

func TestExtractTags_Empty(t *testing.T) {
	e := testExtractor(t)
	if got := e.ExtractTags("   "); got != "" {
		t.Errorf("expected empty tags for blank input, got %q", got)
	}
}

func TestSearchTerms(t *testing.T) {
	e := testExtractor(t)

	terms := e.SearchTerms("明天想去北京旅行")
	if len(terms) == 0 {
		t.Fatalf("expected search terms")
	}
	seen := make(map[string]bool)
	for _, term := range terms {
		if utf8.RuneCountInString(term) <= 1 {
			t.Errorf("single-rune term leaked: %q", term)
		}
		if seen[term] {
			t.Errorf("duplicate term: %q", term)
		}
		seen[term] = true
	}

	if got := e.SearchTerms(""); got != nil {
		t.Errorf("expected nil for empty input, got %q", got)
	}
}

func TestCut(t *testing.T) {
	e := testExtractor(t)

	words := e.Cut("我今天好难过")
	if len(words) == 0 {
		t.Fatalf("expected words")
	}
	found := false
	for _, w := range words {
		if w == "难过" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected 难过 among %q", words)
	}

	if got := e.Cut("  "); got != nil {
		t.Errorf("expected nil for blank input, got %q", got)
	}
}
