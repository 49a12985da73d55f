package chat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/vvivloy/mememaster/ai/summary"
	"github.com/vvivloy/mememaster/internal/config"
	"github.com/vvivloy/mememaster/internal/debounce"
	"github.com/vvivloy/mememaster/internal/directive"
	"github.com/vvivloy/mememaster/internal/metrics"
	"github.com/vvivloy/mememaster/meme"
	"github.com/vvivloy/mememaster/store"
)

// Transport delivers companion output to a chat channel.
type Transport interface {
	SendText(ctx context.Context, conversationID, text string) error
	SendImage(ctx context.Context, conversationID, imagePath string) error
}

// Provider is the narrow LLM contract the conversation loop depends on.
type Provider interface {
	TextChat(ctx context.Context, prompt, sessionID string, imageURLs []string) (string, error)
}

// backgroundTimeout bounds the fire-and-forget work a turn spawns
// (auto-ingestion, summarization).
const backgroundTimeout = 2 * time.Minute

// Companion is the conversation loop: it coalesces message bursts, composes
// memory-backed prompts, parses the reply's directives and delivers the
// result in paced segments.
//
// Conversations are isolated: a failure handling one never affects another,
// and a missing provider degrades every turn to a quiet no-op rather than an
// error storm.
type Companion struct {
	cfg        *config.Manager
	store      *store.Store
	provider   Provider
	debounce   *debounce.Manager
	matcher    *meme.Matcher
	ingestor   *meme.Ingestor
	summarizer *summary.Summarizer
	transport  Transport

	mu       sync.Mutex
	rounds   map[string]int
	lastSeen map[string]time.Time

	now func() time.Time
}

// NewCompanion wires the conversation loop.
func NewCompanion(
	cfg *config.Manager,
	st *store.Store,
	provider Provider,
	deb *debounce.Manager,
	matcher *meme.Matcher,
	ingestor *meme.Ingestor,
	summarizer *summary.Summarizer,
	transport Transport,
) *Companion {
	return &Companion{
		cfg:        cfg,
		store:      st,
		provider:   provider,
		debounce:   deb,
		matcher:    matcher,
		ingestor:   ingestor,
		summarizer: summarizer,
		transport:  transport,
		rounds:     make(map[string]int),
		lastSeen:   make(map[string]time.Time),
		now:        time.Now,
	}
}

// HandleMessage is the entry point for one inbound message. It blocks while
// the caller owns the conversation's debounce window; callers should invoke
// it from a per-message goroutine.
func (c *Companion) HandleMessage(ctx context.Context, conversationID, text string, imageURLs []string) error {
	c.cfg.ReloadIfStale()
	snap := c.cfg.Current()

	text = strings.TrimSpace(text)
	if text == "" && len(imageURLs) == 0 {
		return nil
	}
	c.touch(conversationID)

	// Images feed the library opportunistically, in parallel with the reply.
	// The cooldown gate applies once per inbound message: a message carrying
	// several images ingests all of them or none.
	if len(imageURLs) > 0 {
		cooldown := time.Duration(snap.AutoSaveCooldown * float64(time.Second))
		if c.ingestor.AllowAutoSave(conversationID, cooldown) {
			for _, url := range imageURLs {
				go func(url string) {
					bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), backgroundTimeout)
					defer cancel()
					if err := c.ingestor.Ingest(bctx, url, text, snap.EvaluatePrompt); err != nil {
						slog.Warn("chat: auto-ingest failed", "conversation", conversationID, "error", err)
					}
				}(url)
			}
		} else {
			slog.Debug("chat: ingest cooldown active", "conversation", conversationID)
		}
	}

	var items []debounce.Item
	if text != "" {
		items = append(items, debounce.TextItem(text))
	}
	for _, url := range imageURLs {
		items = append(items, debounce.ImageItem(url))
	}

	window := time.Duration(snap.DebounceTime * float64(time.Second))
	if window <= 0 {
		return c.process(ctx, conversationID, debounce.MergeItems(items), snap)
	}

	batch, owner, err := c.debounce.Submit(ctx, conversationID, items, window)
	if err != nil {
		return err
	}
	if !owner {
		return nil
	}
	return c.process(ctx, conversationID, batch, snap)
}

// FlushPending force-delivers a buffered burst, used when a command arrives
// mid-window so the command never merges into conversation text.
func (c *Companion) FlushPending(conversationID string) bool {
	return c.debounce.Flush(conversationID)
}

// process runs one full turn for a merged batch.
func (c *Companion) process(ctx context.Context, conversationID string, batch *debounce.Batch, snap config.Snapshot) error {
	if c.provider == nil {
		slog.Debug("chat: no provider configured, dropping turn", "conversation", conversationID)
		return nil
	}
	if batch == nil || (batch.Text == "" && len(batch.Images) == 0) {
		return nil
	}

	round := c.round(conversationID)
	userText := batch.Text
	if userText == "" {
		userText = "(用户发来一张图片)"
	}

	prompt := c.buildContext(ctx, snap, userText, round) + "用户: " + userText

	reply, err := c.provider.TextChat(ctx, prompt, conversationID, batch.Images)
	if err != nil {
		metrics.ProviderCalls.WithLabelValues("chat", "error").Inc()
		return fmt.Errorf("turn failed for %s: %w", conversationID, err)
	}
	metrics.ProviderCalls.WithLabelValues("chat", "ok").Inc()

	out := directive.ParseOutput(reply)
	c.captureFacts(ctx, out.MemoryFacts)
	c.recordTurn(ctx, conversationID, userText, out.DisplayText(), snap)

	return c.deliver(ctx, conversationID, snap, out)
}

// captureFacts persists [[MEM:...]] payloads as stickies, deduplicated.
func (c *Companion) captureFacts(ctx context.Context, facts []string) {
	for _, fact := range facts {
		exists, err := c.store.HasSticky(ctx, fact)
		if err != nil || exists {
			continue
		}
		if _, err := c.store.InsertMemory(ctx, fact, store.MemorySticky); err != nil {
			slog.Warn("chat: sticky capture failed", "error", err)
			continue
		}
		slog.Info("chat: captured permanent fact", "fact", fact)
	}
}

// recordTurn appends the dialogue pair to the raw tier and the summarizer
// buffer, bumps the round counter and kicks an asynchronous summarization
// check.
func (c *Companion) recordTurn(ctx context.Context, conversationID, userText, reply string, snap config.Snapshot) {
	if reply == "" {
		return
	}
	pair := fmt.Sprintf("用户: %s\n伴侣: %s", userText, reply)
	c.store.InsertMemoryBestEffort(ctx, pair, store.MemoryDialogue)
	c.summarizer.Append(pair)

	c.mu.Lock()
	c.rounds[conversationID]++
	c.mu.Unlock()

	go func() {
		bctx, cancel := context.WithTimeout(context.Background(), backgroundTimeout)
		defer cancel()
		if err := c.summarizer.CheckAndSummarize(bctx, snap); err != nil {
			slog.Warn("chat: summarization deferred", "error", err)
		}
	}()
}

// deliver walks the parsed tokens in order: text tokens are split into paced
// segments, meme tokens resolve against the library (unresolvable tags are
// silently dropped). The first delivery goes out immediately; each later
// text segment waits its typing pause first.
func (c *Companion) deliver(ctx context.Context, conversationID string, snap config.Snapshot, out *directive.Output) error {
	delivered := false
	for _, token := range out.Tokens {
		if token.MemeTag != "" {
			path, ok := c.matcher.Resolve(ctx, token.MemeTag, snap.MemeMatchThreshold)
			if !ok {
				slog.Debug("chat: unresolvable meme tag dropped", "tag", token.MemeTag)
				continue
			}
			if err := c.transport.SendImage(ctx, conversationID, path); err != nil {
				return fmt.Errorf("image delivery failed: %w", err)
			}
			delivered = true
			continue
		}

		for _, seg := range SmartSplit(token.Text) {
			if delivered {
				select {
				case <-time.After(SendDelay(snap, seg)):
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			if err := c.transport.SendText(ctx, conversationID, seg); err != nil {
				return fmt.Errorf("text delivery failed: %w", err)
			}
			delivered = true
		}
	}
	return nil
}

func (c *Companion) touch(conversationID string) {
	c.mu.Lock()
	c.lastSeen[conversationID] = c.now()
	c.mu.Unlock()
}

func (c *Companion) round(conversationID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rounds[conversationID]
}

// idleConversations returns conversations whose last activity is older than
// threshold, for the proactive watcher.
func (c *Companion) idleConversations(threshold time.Duration) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var idle []string
	now := c.now()
	for id, seen := range c.lastSeen {
		if now.Sub(seen) >= threshold {
			idle = append(idle, id)
		}
	}
	return idle
}
