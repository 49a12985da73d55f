// Package debounce implements per-conversation temporal coalescing: a burst
// of messages to the same conversation is buffered until it has been quiet
// for a full window, then delivered as one merged batch.
package debounce

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/vvivloy/mememaster/internal/metrics"
)

// Kind tags a buffered item.
type Kind int

const (
	KindText Kind = iota
	KindImage
)

// Item is one buffered message part.
type Item struct {
	Kind Kind
	Text string // KindText
	URL  string // KindImage
}

// TextItem wraps text as an Item.
func TextItem(text string) Item { return Item{Kind: KindText, Text: text} }

// ImageItem wraps an image URL as an Item.
func ImageItem(url string) Item { return Item{Kind: KindImage, URL: url} }

// Batch is the merged result of one quiescent burst: text items joined by
// spaces, image URLs in arrival order.
type Batch struct {
	Text   string
	Images []string
}

type session struct {
	queue []Item
	timer *time.Timer
	gen   int         // bumped on every timer reset; stale callbacks no-op
	done  chan *Batch // receives the batch exactly once
}

// Manager is the session registry. Operations on different conversation ids
// never block each other; for one id the map entry is the single timeline.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*session
}

// NewManager creates an empty registry.
func NewManager() *Manager {
	return &Manager{sessions: make(map[string]*session)}
}

// Submit buffers items for the conversation and restarts its quiet window.
//
// The first caller for an idle conversation becomes the owner: it blocks
// until the window elapses uninterrupted (or Flush fires) and receives the
// merged batch with owner=true. Later callers during buffering append their
// items, reset the timer to the full window, and return immediately with
// owner=false.
//
// If ctx is cancelled while the owner waits, the session is discarded and no
// batch is delivered anywhere.
func (m *Manager) Submit(ctx context.Context, id string, items []Item, window time.Duration) (batch *Batch, owner bool, err error) {
	m.mu.Lock()
	if s, ok := m.sessions[id]; ok {
		s.queue = append(s.queue, items...)
		// Strict debounce: every new item restarts the full window. The
		// generation bump invalidates a previous callback that already fired
		// and is waiting on the lock, so the reset is honored in full.
		s.timer.Stop()
		s.gen++
		gen := s.gen
		s.timer = time.AfterFunc(window, func() { m.fire(id, "timer", gen) })
		queued := len(s.queue)
		m.mu.Unlock()
		slog.Debug("debounce: appended to burst", "conversation", id, "queued", queued)
		return nil, false, nil
	}

	s := &session{
		queue: append([]Item(nil), items...),
		done:  make(chan *Batch, 1),
	}
	s.timer = time.AfterFunc(window, func() { m.fire(id, "timer", 0) })
	m.sessions[id] = s
	m.mu.Unlock()

	slog.Debug("debounce: burst started", "conversation", id, "window", window)

	select {
	case b := <-s.done:
		return b, true, nil
	case <-ctx.Done():
		m.discard(id, s)
		return nil, false, ctx.Err()
	}
}

// Flush force-fires an active session, delivering whatever is buffered to
// its owner immediately. Used for command messages that must never merge
// into a batch. Returns false when the conversation is idle.
func (m *Manager) Flush(id string) bool {
	return m.fire(id, "command", anyGen)
}

// Active reports whether a conversation is currently buffering.
func (m *Manager) Active(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[id]
	return ok
}

// anyGen skips the generation check for flushes that target whatever burst
// is currently buffered.
const anyGen = -1

// fire atomically removes the session and delivers its merged batch.
// Removal under the lock guarantees no two flushes for the same id overlap.
// A timer callback carries the generation it was armed with; if an append
// reset the window in the meantime the callback is stale and does nothing.
func (m *Manager) fire(id, trigger string, gen int) bool {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok || (gen != anyGen && s.gen != gen) {
		m.mu.Unlock()
		return false
	}
	delete(m.sessions, id)
	s.timer.Stop()
	queue := s.queue
	m.mu.Unlock()

	metrics.DebounceFlushes.WithLabelValues(trigger).Inc()
	s.done <- merge(queue)
	return true
}

// discard drops a session without delivering anything. Only removes the
// entry if it still maps to the caller's session; a concurrent fire may have
// already replaced the id with a fresh burst.
func (m *Manager) discard(id string, s *session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.sessions[id]; ok && cur == s {
		cur.timer.Stop()
		delete(m.sessions, id)
	}
}

// MergeItems merges items into a batch directly, bypassing buffering.
// Used when the quiet window is configured to zero.
func MergeItems(items []Item) *Batch {
	return merge(items)
}

func merge(queue []Item) *Batch {
	var texts []string
	var images []string
	for _, item := range queue {
		switch item.Kind {
		case KindText:
			if item.Text != "" {
				texts = append(texts, item.Text)
			}
		case KindImage:
			if item.URL != "" {
				images = append(images, item.URL)
			}
		}
	}
	return &Batch{Text: strings.Join(texts, " "), Images: images}
}
