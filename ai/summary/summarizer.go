// Package summary condenses buffered raw dialogue into durable memory
// fragments once the buffer crosses a threshold derived from the context
// window.
//
// The dialogue buffer is persisted to disk after every change so an
// unexpected restart loses nothing. The critical invariant: buffered entries
// are dropped only after their condensation has been persisted — any
// provider, parse or storage failure leaves the buffer intact and the next
// trigger retries with the same (plus newly accumulated) data.
package summary

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/vvivloy/mememaster/internal/config"
	"github.com/vvivloy/mememaster/internal/directive"
	"github.com/vvivloy/mememaster/internal/metrics"
	"github.com/vvivloy/mememaster/store"
)

// Provider is the narrow LLM contract the summarizer depends on.
type Provider interface {
	TextChat(ctx context.Context, prompt, sessionID string, imageURLs []string) (string, error)
}

// Summarizer digests the dialogue buffer into fragment (and occasionally
// sticky) records. Only one summarization runs at a time.
type Summarizer struct {
	store      *store.Store
	provider   Provider
	bufferFile string

	mu     sync.Mutex
	buffer []string

	runMu sync.Mutex // held for the duration of one summarization
	now   func() time.Time
}

// New creates a summarizer whose buffer persists at bufferFile.
// provider may be nil; summarization is then skipped (never an error).
func New(st *store.Store, provider Provider, bufferFile string) *Summarizer {
	s := &Summarizer{
		store:      st,
		provider:   provider,
		bufferFile: bufferFile,
		now:        time.Now,
	}
	s.load()
	return s
}

// Append adds a dialogue pair to the buffer and persists it.
func (s *Summarizer) Append(pair string) {
	pair = strings.TrimSpace(pair)
	if pair == "" {
		return
	}
	s.mu.Lock()
	s.buffer = append(s.buffer, pair)
	s.persistLocked()
	s.mu.Unlock()
}

// Len returns the current buffer length.
func (s *Summarizer) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buffer)
}

// CheckAndSummarize runs one summarization cycle if the buffer has reached
// the threshold for the given settings. It is safe to call from any
// goroutine; concurrent calls beyond the first return immediately.
func (s *Summarizer) CheckAndSummarize(ctx context.Context, snap config.Snapshot) error {
	threshold, summaryChars := snap.SummaryThreshold()
	if s.Len() < threshold || s.provider == nil {
		return nil
	}

	if !s.runMu.TryLock() {
		metrics.SummarizeRuns.WithLabelValues("skipped").Inc()
		return nil
	}
	defer s.runMu.Unlock()

	// Re-check under the run lock; a concurrent cycle may have drained us.
	s.mu.Lock()
	snapshot := append([]string(nil), s.buffer...)
	s.mu.Unlock()
	if len(snapshot) < threshold {
		return nil
	}

	slog.Info("summary: digesting dialogue buffer", "entries", len(snapshot))

	lines, fact, err := s.condense(ctx, snapshot, summaryChars)
	if err != nil {
		metrics.SummarizeRuns.WithLabelValues("error").Inc()
		slog.Error("summary: condensation failed, buffer kept", "error", err)
		return err
	}

	// Persist before clearing: a storage failure here must leave the
	// buffer for the next trigger.
	for _, line := range lines {
		if _, err := s.store.InsertMemory(ctx, line, store.MemoryFragment); err != nil {
			metrics.SummarizeRuns.WithLabelValues("error").Inc()
			slog.Error("summary: fragment write failed, buffer kept", "error", err)
			return err
		}
	}
	if fact != "" {
		s.saveFact(ctx, fact)
	}

	// Drop exactly the digested prefix; pairs appended mid-cycle stay.
	s.mu.Lock()
	if len(s.buffer) >= len(snapshot) {
		s.buffer = append([]string(nil), s.buffer[len(snapshot):]...)
	} else {
		s.buffer = nil
	}
	s.persistLocked()
	s.mu.Unlock()

	metrics.SummarizeRuns.WithLabelValues("ok").Inc()
	slog.Info("summary: buffer digested", "fragments", len(lines), "sticky", fact != "")
	return nil
}

var dateRe = regexp.MustCompile(`\d{4}-\d{2}-\d{2}`)
var datePrefixRe = regexp.MustCompile(`^\[?\d{4}`)

// condense asks the provider for a structured condensation and parses it
// into date-prefixed fragment lines plus an optional permanent fact.
func (s *Summarizer) condense(ctx context.Context, snapshot []string, summaryChars int) ([]string, string, error) {
	history := strings.Join(snapshot, "\n")

	msgDate := s.now().Format("2006-01-02")
	if m := dateRe.FindString(snapshot[0]); m != "" {
		msgDate = m
	}

	prompt := fmt.Sprintf(condensePrompt, s.now().Format("2006-01-02 15:04"), summaryChars, history)

	resp, err := s.provider.TextChat(ctx, prompt, "", nil)
	if err != nil {
		metrics.ProviderCalls.WithLabelValues("summarize", "error").Inc()
		return nil, "", fmt.Errorf("summarize request failed: %w", err)
	}
	metrics.ProviderCalls.WithLabelValues("summarize", "ok").Inc()

	out := directive.ParseOutput(resp)
	summary := out.DisplayText()
	if summary == "" {
		// Parse produced nothing usable; degrade to a raw-text truncation
		// so the cycle still makes forward progress.
		summary = truncateRunes(history, summaryChars)
		if summary == "" {
			return nil, "", fmt.Errorf("empty summary and empty history")
		}
	}

	var lines []string
	for _, line := range strings.Split(summary, "\n") {
		line = strings.TrimSpace(line)
		if utf8.RuneCountInString(line) < 5 {
			continue
		}
		if !datePrefixRe.MatchString(line) {
			line = fmt.Sprintf("[%s] %s", msgDate, line)
		}
		lines = append(lines, line)
	}
	if len(lines) == 0 {
		lines = []string{fmt.Sprintf("[%s] %s", msgDate, truncateRunes(summary, summaryChars))}
	}

	var fact string
	if len(out.MemoryFacts) > 0 {
		fact = out.MemoryFacts[0]
	}
	return lines, fact, nil
}

// saveFact persists a captured permanent fact as a sticky, deduplicated by
// exact content. Best-effort: a failure here never fails the cycle.
func (s *Summarizer) saveFact(ctx context.Context, fact string) {
	exists, err := s.store.HasSticky(ctx, fact)
	if err != nil || exists {
		return
	}
	if _, err := s.store.InsertMemory(ctx, fact, store.MemorySticky); err != nil {
		slog.Warn("summary: sticky write failed", "error", err)
	}
}

func (s *Summarizer) load() {
	data, err := os.ReadFile(s.bufferFile)
	if err != nil {
		return
	}
	var buf []string
	if err := json.Unmarshal(data, &buf); err != nil {
		slog.Warn("summary: malformed buffer file ignored", "path", s.bufferFile, "error", err)
		return
	}
	s.buffer = buf
}

func (s *Summarizer) persistLocked() {
	data, err := json.Marshal(s.buffer)
	if err != nil {
		return
	}
	if err := os.WriteFile(s.bufferFile, data, 0o660); err != nil {
		slog.Warn("summary: failed to persist buffer", "path", s.bufferFile, "error", err)
	}
}

func truncateRunes(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return strings.TrimSpace(s)
	}
	runes := []rune(s)
	return strings.TrimSpace(string(runes[:n]))
}

const condensePrompt = `当前时间：%s
这是一段过去的对话记录。请将其总结为简练的"长期记忆"。
【重要规则】如果对话跨越多天，必须按日期分段总结，格式如：
[2025-12-29] 发生了xxx
[2025-12-30] 发生了xxx
如果同一天则只写一个日期。
重点记录：用户的喜好、重要事件、双方约定。
忽略：无意义寒暄、重复表情包指令。
如果对话中出现了值得永久记住的单条事实（生日、纪念日、重要约定），
请在总结末尾单独输出一行：[[MEM:该事实]]；没有就不要输出。
字数限制：%d字以内。请确保包含适量的细节关键词以便日后检索。

对话内容：
%s`
