// Package meme implements the image library: tag resolution, candidate
// suggestion, AI-gated auto-ingestion and library maintenance.
package meme

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"path/filepath"
	"strings"

	"github.com/agnivade/levenshtein"

	"github.com/vvivloy/mememaster/ai/keyword"
	"github.com/vvivloy/mememaster/store"
)

// maxCandidates caps the tag hints offered to the provider per turn.
const maxCandidates = 6

// Matcher resolves meme tags to stored file paths and proposes candidates.
type Matcher struct {
	store    *store.Store
	kw       *keyword.Extractor
	imageDir string
}

// NewMatcher creates a matcher over the library in imageDir.
func NewMatcher(st *store.Store, kw *keyword.Extractor, imageDir string) *Matcher {
	return &Matcher{store: st, kw: kw, imageDir: imageDir}
}

// Resolve maps a tag from model output to an image path.
//
// Exact substring match against stored tags wins first. Otherwise every
// record is scored by the best normalized edit-distance ratio of the tag
// against the name and description halves of its tag string, and the top
// score is accepted only at or above threshold.
func (m *Matcher) Resolve(ctx context.Context, tag string, threshold float64) (string, bool) {
	tag = strings.TrimSpace(tag)
	if tag == "" {
		return "", false
	}

	if hit, err := m.store.GetMemeByTagSubstring(ctx, tag); err == nil && hit != nil {
		m.touch(ctx, hit.Filename)
		return filepath.Join(m.imageDir, hit.Filename), true
	}

	memes, err := m.store.ListMemes(ctx)
	if err != nil {
		slog.Warn("meme: resolve list failed", "error", err)
		return "", false
	}

	var best *store.Meme
	bestScore := 0.0
	for _, candidate := range memes {
		name, desc := store.MemeTagHalves(candidate.Tags)
		score := ratio(tag, name)
		if s := ratio(tag, desc); s > score {
			score = s
		}
		if score > bestScore {
			bestScore = score
			best = candidate
		}
	}
	if best == nil || bestScore < threshold {
		return "", false
	}

	slog.Debug("meme: fuzzy resolve", "tag", tag, "filename", best.Filename, "score", bestScore)
	m.touch(ctx, best.Filename)
	return filepath.Join(m.imageDir, best.Filename), true
}

func (m *Matcher) touch(ctx context.Context, filename string) {
	if err := m.store.TouchMemeUsage(ctx, filename); err != nil {
		slog.Warn("meme: usage bump failed", "filename", filename, "error", err)
	}
}

// ratio is a normalized edit-distance similarity in [0,1].
func ratio(a, b string) float64 {
	if a == "" || b == "" {
		return 0
	}
	la := len([]rune(a))
	lb := len([]rune(b))
	max := la
	if lb > max {
		max = lb
	}
	d := levenshtein.ComputeDistance(a, b)
	return 1 - float64(d)/float64(max)
}

// moodMap maps emotion-indicating terms to an opposite or compensating
// search vocabulary: a crying user surfaces comfort memes, a cheerful one
// surfaces reaction memes.
var moodMap = []struct {
	keywords []string
	search   []string
}{
	{
		keywords: []string{"难过", "哭", "累", "死", "痛", "委屈", "烦", "不开心"},
		search:   []string{"安慰", "抱抱", "摸摸", "贴贴", "爱你"},
	},
	{
		keywords: []string{"开心", "哈哈", "笑死", "耶", "棒"},
		search:   []string{"震惊", "庆祝", "无语", "疑惑"},
	},
}

// Candidates proposes up to maxCandidates stored tags matching the current
// text, mixing mood-reversal vocabulary with plain keyword hits. When the
// search runs dry it restocks with random tags so a non-empty library always
// yields options.
func (m *Matcher) Candidates(ctx context.Context, text string) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	words := m.kw.Cut(text)
	terms := make(map[string]bool)

	for _, w := range words {
		for _, mood := range moodMap {
			for _, k := range mood.keywords {
				if w == k {
					for _, s := range mood.search {
						terms[s] = true
					}
				}
			}
		}
	}
	for _, w := range words {
		if len([]rune(w)) > 1 {
			terms[w] = true
		}
	}
	if len(terms) == 0 {
		return nil
	}

	var candidates []string
	for term := range terms {
		tags, err := m.store.SearchMemeTags(ctx, term, 3)
		if err != nil {
			continue
		}
		candidates = append(candidates, tags...)
	}

	// Restock: never offer the provider an empty (or near-empty) shelf.
	if len(candidates) < 2 {
		if tags, err := m.store.RandomMemeTags(ctx, 3); err == nil {
			candidates = append(candidates, tags...)
		}
	}

	seen := make(map[string]bool)
	unique := candidates[:0]
	for _, c := range candidates {
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		unique = append(unique, c)
	}

	rand.Shuffle(len(unique), func(i, j int) {
		unique[i], unique[j] = unique[j], unique[i]
	})
	if len(unique) > maxCandidates {
		unique = unique[:maxCandidates]
	}
	return unique
}
