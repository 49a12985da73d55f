// Package directive is the single parsing boundary for the string-based tag
// protocol embedded in model output: meme requests (<MEME:x> / MEME_TAG: x)
// and memory-capture markers ([[MEM:y]]). Every output path goes through
// ParseOutput instead of re-running its own regex substitutions.
package directive

import (
	"regexp"
	"strings"
)

// Token is one ordered piece of parsed model output.
type Token struct {
	// MemeTag is set for a meme directive; Text is set otherwise.
	MemeTag string
	Text    string
}

// Output is the structured form of a model reply.
type Output struct {
	// Tokens preserve the interleaving of display text and meme requests.
	Tokens []Token
	// MemoryFacts are the captured [[MEM:...]] payloads, stripped from the
	// display text.
	MemoryFacts []string
}

// DisplayText joins the text tokens back together, used when the reply is
// persisted as a dialogue pair.
func (o *Output) DisplayText() string {
	var sb strings.Builder
	for _, t := range o.Tokens {
		sb.WriteString(t.Text)
	}
	return strings.TrimSpace(sb.String())
}

// HasMeme reports whether any meme directive was found.
func (o *Output) HasMeme() bool {
	for _, t := range o.Tokens {
		if t.MemeTag != "" {
			return true
		}
	}
	return false
}

var (
	memRe       = regexp.MustCompile(`\[\[MEM:(.*?)\]\]`)
	memeSplitRe = regexp.MustCompile(`(<MEME:[^>]*>|MEME_TAG:\s*\S+)`)
	thoughtRe   = regexp.MustCompile(`(?si)[\s.]*thought.*?end of thought`)
	thoughtXML  = regexp.MustCompile(`(?s)<thought>.*?</thought>`)
	sysCtxRe    = regexp.MustCompile(`(?s)<system_context>.*?</system_context>`)
	sysParenRe  = regexp.MustCompile(`\(System Context:[^)]*\)`)
)

// ParseOutput cleans a raw model reply and splits it into ordered tokens
// plus captured memory facts.
func ParseOutput(raw string) *Output {
	text := CleanMarkdown(raw)

	out := &Output{}
	text = memRe.ReplaceAllStringFunc(text, func(m string) string {
		fact := strings.TrimSpace(memRe.FindStringSubmatch(m)[1])
		if fact != "" {
			out.MemoryFacts = append(out.MemoryFacts, fact)
		}
		return ""
	})
	text = strings.TrimSpace(text)

	for _, part := range splitKeep(memeSplitRe, text) {
		if tag, ok := memeTag(part); ok {
			out.Tokens = append(out.Tokens, Token{MemeTag: tag})
			continue
		}
		if part != "" {
			out.Tokens = append(out.Tokens, Token{Text: part})
		}
	}
	return out
}

// splitKeep splits s around re matches, keeping the matches themselves as
// their own parts (regexp.Split drops them).
func splitKeep(re *regexp.Regexp, s string) []string {
	var parts []string
	last := 0
	for _, loc := range re.FindAllStringIndex(s, -1) {
		if loc[0] > last {
			parts = append(parts, s[last:loc[0]])
		}
		parts = append(parts, s[loc[0]:loc[1]])
		last = loc[1]
	}
	if last < len(s) {
		parts = append(parts, s[last:])
	}
	return parts
}

func memeTag(part string) (string, bool) {
	switch {
	case strings.HasPrefix(part, "<MEME:") && strings.HasSuffix(part, ">"):
		return strings.TrimSpace(part[len("<MEME:") : len(part)-1]), true
	case strings.HasPrefix(part, "MEME_TAG:"):
		return strings.TrimSpace(strings.TrimPrefix(part, "MEME_TAG:")), true
	}
	return "", false
}

// CleanMarkdown strips thought blocks, markdown emphasis and heading
// markers, and any echoed system context from model output.
func CleanMarkdown(text string) string {
	text = thoughtRe.ReplaceAllString(text, "")
	text = thoughtXML.ReplaceAllString(text, "")
	text = sysCtxRe.ReplaceAllString(text, "")
	text = sysParenRe.ReplaceAllString(text, "")
	text = strings.ReplaceAll(text, "**", "")
	text = strings.ReplaceAll(text, "### ", "")
	text = strings.ReplaceAll(text, "## ", "")
	text = strings.TrimPrefix(text, "> ")
	return strings.TrimSpace(text)
}
