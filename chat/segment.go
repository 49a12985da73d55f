// Package chat orchestrates the companion conversation loop: debounced
// intake, prompt composition from the memory tiers, directive-driven output
// delivery and the proactive watcher.
package chat

import (
	"strings"
	"time"

	"github.com/vvivloy/mememaster/internal/config"
)

// splitChars are the sentence boundaries a long reply may break on.
const splitChars = "\n。？！?!"

// pairMap maps opening brackets/quotes to their closers. A split never lands
// inside an unbalanced pair, so quoted speech and parentheticals stay whole.
var pairMap = map[rune]rune{
	'“': '”',
	'《': '》',
	'（': '）',
	'(': ')',
}

// SmartSplit breaks a reply into message-sized segments on sentence
// boundaries, respecting bracket pairing. Trailing punctuation stays attached
// to its sentence; empty segments are dropped. Short input returns a single
// segment.
func SmartSplit(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	var segments []string
	var current strings.Builder
	var stack []rune

	for _, r := range text {
		if closer, ok := pairMap[r]; ok {
			stack = append(stack, closer)
		} else if len(stack) > 0 && r == stack[len(stack)-1] {
			stack = stack[:len(stack)-1]
		}

		current.WriteRune(r)

		if len(stack) == 0 && strings.ContainsRune(splitChars, r) {
			if seg := strings.Trim(current.String(), "\n 　"); seg != "" {
				segments = append(segments, seg)
			}
			current.Reset()
		}
	}
	if seg := strings.Trim(current.String(), "\n 　"); seg != "" {
		segments = append(segments, seg)
	}
	return segments
}

// SendDelay derives the human-like pause inserted before a follow-up
// segment: a base plus a per-rune typing cost.
func SendDelay(snap config.Snapshot, segment string) time.Duration {
	seconds := snap.DelayBase + float64(len([]rune(segment)))*snap.DelayFactor
	if seconds <= 0 {
		return 0
	}
	return time.Duration(seconds * float64(time.Second))
}
