// Package keyword provides salient-term extraction for memory indexing and
// retrieval. It wraps gse (a jieba-style segmenter) with TF-IDF ranking and a
// part-of-speech bias towards nouns and verbs.
package keyword

import (
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/go-ego/gse"
	"github.com/go-ego/gse/hmm/idf"
)

// MaxTags is the maximum number of terms derived per text.
const MaxTags = 10

// Extractor segments text and ranks salient terms. It is safe for
// concurrent use after New returns.
type Extractor struct {
	seg gse.Segmenter
	tag idf.TagExtracter
}

// New loads the default dictionaries and returns a ready extractor.
// Dictionary loading is expensive; share one instance per process.
func New() (*Extractor, error) {
	e := &Extractor{}
	if err := e.seg.LoadDict(); err != nil {
		return nil, err
	}
	e.tag.WithGse(e.seg)
	if err := e.tag.LoadIdf(); err != nil {
		return nil, err
	}
	return e, nil
}

var (
	defaultOnce sync.Once
	defaultExt  *Extractor
	defaultErr  error
)

// Default returns a lazily initialized process-wide extractor.
func Default() (*Extractor, error) {
	defaultOnce.Do(func() {
		defaultExt, defaultErr = New()
	})
	return defaultExt, defaultErr
}

// ExtractTags derives up to MaxTags salient terms from text, ranked by
// TF-IDF and biased towards nouns and verbs, joined by commas for storage.
// Empty input yields an empty string.
func (e *Extractor) ExtractTags(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}

	ranked := e.tag.ExtractTags(text, MaxTags*2)
	if len(ranked) == 0 {
		return ""
	}

	posByWord := make(map[string]string)
	for _, sp := range e.seg.Pos(text, true) {
		if _, ok := posByWord[sp.Text]; !ok {
			posByWord[sp.Text] = sp.Pos
		}
	}

	keep := make([]string, 0, MaxTags)
	seen := make(map[string]bool)
	for _, seg := range ranked {
		w := strings.TrimSpace(seg.Text)
		if w == "" || seen[w] {
			continue
		}
		if p, ok := posByWord[w]; ok && !topicalPOS(p) {
			continue
		}
		seen[w] = true
		keep = append(keep, w)
		if len(keep) >= MaxTags {
			break
		}
	}

	// POS filtering may empty the list for slangy input; fall back to the
	// raw TF-IDF ranking so indexing never loses the text entirely.
	if len(keep) == 0 {
		for _, seg := range ranked {
			w := strings.TrimSpace(seg.Text)
			if w == "" || seen[w] {
				continue
			}
			seen[w] = true
			keep = append(keep, w)
			if len(keep) >= MaxTags {
				break
			}
		}
	}

	return strings.Join(keep, ",")
}

// topicalPOS reports whether a part-of-speech tag marks a topical term:
// nouns (n, nr, ns, nt, nz), verbs (v, vn) and untagged dictionary entries.
func topicalPOS(p string) bool {
	if p == "" {
		return true
	}
	return strings.HasPrefix(p, "n") || strings.HasPrefix(p, "v")
}

// SearchTerms tokenizes text in search-engine mode and drops single-rune
// tokens, mirroring the retrieval side of the keyword index.
func (e *Extractor) SearchTerms(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	var terms []string
	seen := make(map[string]bool)
	for _, w := range e.seg.CutSearch(text, true) {
		w = strings.TrimSpace(w)
		if utf8.RuneCountInString(w) <= 1 || seen[w] {
			continue
		}
		seen[w] = true
		terms = append(terms, w)
	}
	return terms
}

// Cut segments text into plain words, used for mood analysis where
// single-rune tokens still matter.
func (e *Extractor) Cut(text string) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	return e.seg.Cut(text, true)
}
