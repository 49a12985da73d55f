package chat

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vvivloy/mememaster/ai/keyword"
	"github.com/vvivloy/mememaster/ai/summary"
	"github.com/vvivloy/mememaster/internal/config"
	"github.com/vvivloy/mememaster/internal/debounce"
	"github.com/vvivloy/mememaster/internal/directive"
	"github.com/vvivloy/mememaster/internal/imagehash"
	"github.com/vvivloy/mememaster/meme"
	"github.com/vvivloy/mememaster/store"
)

type scriptedProvider struct {
	mu      sync.Mutex
	reply   string
	prompts []string
}

func (p *scriptedProvider) TextChat(ctx context.Context, prompt, sessionID string, imageURLs []string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prompts = append(p.prompts, prompt)
	return p.reply, nil
}

type sent struct {
	kind string // "text" or "image"
	body string
	at   time.Time
}

type recordingTransport struct {
	mu   sync.Mutex
	sent []sent
}

func (r *recordingTransport) SendText(ctx context.Context, conversationID, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, sent{kind: "text", body: text, at: time.Now()})
	return nil
}

func (r *recordingTransport) SendImage(ctx context.Context, conversationID, imagePath string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, sent{kind: "image", body: imagePath, at: time.Now()})
	return nil
}

func (r *recordingTransport) all() []sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sent(nil), r.sent...)
}

// testConfigJSON keeps the debounce window short and disables pacing so the
// tests run fast.
const testConfigJSON = `{
	"debounce_time": 0.05,
	"delay_base": 0,
	"delay_factor": 0,
	"auto_save_cooldown": 60,
	"context_rounds": 50,
	"meme_match_threshold": 0.35
}`

func newTestCompanion(t *testing.T, provider Provider) (*Companion, *store.Store, *recordingTransport, string) {
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

	configFile := filepath.Join(dir, "config.json")
	if err := os.WriteFile(configFile, []byte(testConfigJSON), 0o660); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	pool := imagehash.NewPool(2)
	transport := &recordingTransport{}
	c := NewCompanion(
		config.NewManager(configFile),
		st,
		provider,
		debounce.NewManager(),
		meme.NewMatcher(st, kw, dir),
		meme.NewIngestor(st, provider, pool, dir),
		summary.New(st, provider, filepath.Join(dir, "buffer.json")),
		transport,
	)
	return c, st, transport, dir
}

// TestHandleMessage_FullTurn drives one turn end to end: burst coalescing,
// reply parsing, meme resolution, fact capture and paced delivery.
func TestHandleMessage_FullTurn(t *testing.T) {
	provider := &scriptedProvider{reply: "今天辛苦啦！<MEME:安慰>早点休息哦[[MEM:用户周五有面试]]"}
	c, st, transport, dir := newTestCompanion(t, provider)
	ctx := context.Background()

	// Seed the library so the meme directive resolves.
	if err := st.InsertMeme(ctx, &store.Meme{Filename: "comfort.jpg", Tags: "安慰: 摸摸头"}); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := c.HandleMessage(ctx, "conv", "今天加班到十点", nil); err != nil {
			t.Errorf("owner turn failed: %v", err)
		}
	}()
	// Second message inside the window merges into the owner's burst.
	deadline := time.Now().Add(time.Second)
	for !c.debounce.Active("conv") {
		if time.Now().After(deadline) {
			t.Fatalf("owner burst never started")
		}
		time.Sleep(time.Millisecond)
	}
	if err := c.HandleMessage(ctx, "conv", "好累", nil); err != nil {
		t.Errorf("append failed: %v", err)
	}
	wg.Wait()

	if len(provider.prompts) != 1 {
		t.Fatalf("expected one provider call for the burst, got %d", len(provider.prompts))
	}
	if !strings.Contains(provider.prompts[0], "今天加班到十点 好累") {
		t.Errorf("expected merged user text in prompt, got %q", provider.prompts[0])
	}
	if !strings.Contains(provider.prompts[0], "<system_context>") {
		t.Errorf("expected system context framing in prompt")
	}

	msgs := transport.all()
	var texts, images []string
	for _, m := range msgs {
		if m.kind == "image" {
			images = append(images, m.body)
		} else {
			texts = append(texts, m.body)
		}
	}
	if len(texts) != 2 || texts[0] != "今天辛苦啦！" || texts[1] != "早点休息哦" {
		t.Errorf("unexpected text segments: %q", texts)
	}
	if len(images) != 1 || images[0] != filepath.Join(dir, "comfort.jpg") {
		t.Errorf("unexpected images: %q", images)
	}

	// The [[MEM:...]] fact became a sticky.
	exists, err := st.HasSticky(ctx, "用户周五有面试")
	if err != nil || !exists {
		t.Errorf("expected captured sticky, exists=%v err=%v", exists, err)
	}

	// The dialogue pair landed in the raw tier without the meme directive.
	dialogue, err := st.QueryRecent(ctx, []store.MemoryType{store.MemoryDialogue}, 5)
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(dialogue) != 1 {
		t.Fatalf("expected 1 dialogue pair, got %d", len(dialogue))
	}
	if strings.Contains(dialogue[0], "<MEME:") || strings.Contains(dialogue[0], "[[MEM:") {
		t.Errorf("directives must not leak into stored dialogue: %q", dialogue[0])
	}
}

// ingestTrackingProvider records classification requests (sessionless calls
// carrying exactly the image under judgement) separately from chat turns.
type ingestTrackingProvider struct {
	mu       sync.Mutex
	reply    string
	classify []string
}

func (p *ingestTrackingProvider) TextChat(ctx context.Context, prompt, sessionID string, imageURLs []string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if sessionID == "" && len(imageURLs) == 1 {
		p.classify = append(p.classify, imageURLs[0])
	}
	return p.reply, nil
}

func (p *ingestTrackingProvider) classified() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.classify...)
}

// pngGradient renders a horizontal grayscale ramp, optionally inverted, so
// two test images carry clearly distinct fingerprints.
func pngGradient(t *testing.T, invert bool) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 64, 64))
	for y := 0; y < 64; y++ {
		for x := 0; x < 64; x++ {
			v := uint8(x * 4)
			if invert {
				v = 255 - v
			}
			img.SetGray(x, y, color.Gray{Y: v})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	return buf.Bytes()
}

// TestHandleMessage_AllImagesIngested verifies that one message carrying
// several images submits every image for classification: the ingest cooldown
// gates the message, not the individual attachments.
func TestHandleMessage_AllImagesIngested(t *testing.T) {
	images := map[string][]byte{
		"/a.png": pngGradient(t, false),
		"/b.png": pngGradient(t, true),
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, ok := images[r.URL.Path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write(data)
	}))
	defer srv.Close()

	provider := &ingestTrackingProvider{reply: "NO"}
	c, _, _, _ := newTestCompanion(t, provider)

	urls := []string{srv.URL + "/a.png", srv.URL + "/b.png"}
	if err := c.HandleMessage(context.Background(), "conv", "哈哈哈", urls); err != nil {
		t.Fatalf("turn failed: %v", err)
	}

	// Ingestion runs in background goroutines serialized by the
	// single-flight gate; wait for both classifications to land.
	deadline := time.Now().Add(3 * time.Second)
	for len(provider.classified()) < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("expected 2 classifications, got %v", provider.classified())
		}
		time.Sleep(5 * time.Millisecond)
	}

	seen := make(map[string]bool)
	for _, url := range provider.classified() {
		seen[url] = true
	}
	for _, url := range urls {
		if !seen[url] {
			t.Errorf("image %s never reached classification", url)
		}
	}
}

// TestDeliver_PacingBetweenSegments verifies the first reply segment goes out
// without a typing pause and later segments wait theirs.
func TestDeliver_PacingBetweenSegments(t *testing.T) {
	c, _, transport, _ := newTestCompanion(t, &scriptedProvider{})
	snap := config.Default()
	snap.DelayBase = 0.25
	snap.DelayFactor = 0

	out := directive.ParseOutput("第一段。第二段。")
	start := time.Now()
	if err := c.deliver(context.Background(), "conv", snap, out); err != nil {
		t.Fatalf("deliver failed: %v", err)
	}

	msgs := transport.all()
	if len(msgs) != 2 {
		t.Fatalf("expected 2 segments, got %d", len(msgs))
	}
	if lead := msgs[0].at.Sub(start); lead > 150*time.Millisecond {
		t.Errorf("first segment waited %v, expected immediate delivery", lead)
	}
	if gap := msgs[1].at.Sub(msgs[0].at); gap < 200*time.Millisecond {
		t.Errorf("inter-segment gap %v, expected at least the typing pause", gap)
	}
}

// TestHandleMessage_UnresolvableMemeDropped verifies graceful degradation
// when the model invents a tag the library cannot serve.
func TestHandleMessage_UnresolvableMemeDropped(t *testing.T) {
	provider := &scriptedProvider{reply: "收到<MEME:不存在的标签>好的"}
	c, _, transport, _ := newTestCompanion(t, provider)

	if err := c.HandleMessage(context.Background(), "conv", "在吗", nil); err != nil {
		t.Fatalf("turn failed: %v", err)
	}

	for _, m := range transport.all() {
		if m.kind == "image" {
			t.Errorf("unresolvable tag must not deliver an image: %q", m.body)
		}
	}
}

// TestHandleMessage_EmptyIgnored verifies blank input never reaches the
// provider.
func TestHandleMessage_EmptyIgnored(t *testing.T) {
	provider := &scriptedProvider{reply: "不该被调用"}
	c, _, transport, _ := newTestCompanion(t, provider)

	if err := c.HandleMessage(context.Background(), "conv", "   ", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(provider.prompts) != 0 {
		t.Errorf("expected no provider calls, got %d", len(provider.prompts))
	}
	if len(transport.all()) != 0 {
		t.Errorf("expected no deliveries")
	}
}

// TestHandleMessage_NoProviderDegrades verifies a missing provider is a
// quiet no-op, not an error.
func TestHandleMessage_NoProviderDegrades(t *testing.T) {
	c, _, transport, _ := newTestCompanion(t, nil)

	if err := c.HandleMessage(context.Background(), "conv", "你好", nil); err != nil {
		t.Fatalf("expected quiet degradation, got %v", err)
	}
	if len(transport.all()) != 0 {
		t.Errorf("expected no deliveries without a provider")
	}
}
