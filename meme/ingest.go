package meme

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/lithammer/shortuuid/v4"
	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"

	"github.com/vvivloy/mememaster/internal/imagehash"
	"github.com/vvivloy/mememaster/internal/metrics"
	"github.com/vvivloy/mememaster/store"
)

// Provider is the narrow vision-LLM contract ingestion depends on.
type Provider interface {
	TextChat(ctx context.Context, prompt, sessionID string, imageURLs []string) (string, error)
}

const downloadTimeout = 15 * time.Second

// Ingestor runs the auto-save pipeline for incoming images: cooldown gate,
// download, fingerprint dedup, AI classification, compression and persist.
//
// Classification requests are single-flight system-wide; a second image
// arriving while one is being judged waits its turn.
type Ingestor struct {
	store    *store.Store
	provider Provider
	pool     *imagehash.Pool
	imageDir string
	client   *http.Client
	flight   *semaphore.Weighted

	mu       sync.Mutex
	lastAuto map[string]time.Time

	now func() time.Time
}

// NewIngestor creates the pipeline. provider may be nil; ingestion then
// degrades to a no-op (images are never saved without a verdict).
func NewIngestor(st *store.Store, provider Provider, pool *imagehash.Pool, imageDir string) *Ingestor {
	return &Ingestor{
		store:    st,
		provider: provider,
		pool:     pool,
		imageDir: imageDir,
		client:   &http.Client{Timeout: downloadTimeout},
		flight:   semaphore.NewWeighted(1),
		lastAuto: make(map[string]time.Time),
		now:      time.Now,
	}
}

// AllowAutoSave reports whether the conversation is past its ingestion
// cooldown, and if so starts a new cooldown period.
func (g *Ingestor) AllowAutoSave(conversationID string, cooldown time.Duration) bool {
	if cooldown <= 0 {
		return true
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if last, ok := g.lastAuto[conversationID]; ok && now.Sub(last) < cooldown {
		return false
	}
	g.lastAuto[conversationID] = now
	return true
}

// Ingest runs the full pipeline for one image. caption is the text that
// accompanied the image; evaluatePrompt is the classification prompt with a
// {context_text} placeholder.
//
// Rejection by the classifier and duplicate detection are normal outcomes,
// not errors. Errors are operation-scoped: a failed download or provider
// call affects this image only.
func (g *Ingestor) Ingest(ctx context.Context, imageURL, caption, evaluatePrompt string) error {
	if g.provider == nil {
		slog.Debug("meme: no provider configured, skipping ingest")
		return nil
	}

	if err := g.flight.Acquire(ctx, 1); err != nil {
		return errors.Wrap(err, "ingest cancelled")
	}
	defer g.flight.Release(1)

	data, err := g.download(ctx, imageURL)
	if err != nil {
		metrics.IngestResults.WithLabelValues("error").Inc()
		return err
	}

	hash, err := g.pool.Hash(ctx, data)
	if err != nil {
		slog.Warn("meme: fingerprint failed, continuing without dedup", "error", err)
		hash = ""
	}
	if hash != "" {
		dup, err := g.store.FindMemeByHash(ctx, hash, imagehash.DefaultTolerance)
		if err != nil {
			return err
		}
		if dup != nil {
			metrics.IngestResults.WithLabelValues("duplicate").Inc()
			slog.Debug("meme: duplicate image skipped", "existing", dup.Filename)
			return nil
		}
	}

	prompt := strings.ReplaceAll(evaluatePrompt, "{context_text}", caption)
	verdict, err := g.provider.TextChat(ctx, prompt, "", []string{imageURL})
	if err != nil {
		metrics.ProviderCalls.WithLabelValues("classify", "error").Inc()
		metrics.IngestResults.WithLabelValues("error").Inc()
		return errors.Wrap(err, "classification request failed")
	}
	metrics.ProviderCalls.WithLabelValues("classify", "ok").Inc()

	tags, ok := parseVerdict(verdict)
	if !ok {
		metrics.IngestResults.WithLabelValues("rejected").Inc()
		slog.Debug("meme: image rejected by classifier")
		return nil
	}

	compressed, ext, err := g.pool.Compress(ctx, data)
	if err != nil {
		metrics.IngestResults.WithLabelValues("error").Inc()
		return errors.Wrap(err, "compression cancelled")
	}
	filename := fmt.Sprintf("%d_%s%s", g.now().Unix(), shortuuid.New(), ext)
	path := filepath.Join(g.imageDir, filename)
	if err := os.WriteFile(path, compressed, 0o660); err != nil {
		metrics.IngestResults.WithLabelValues("error").Inc()
		return errors.Wrapf(err, "failed to write %s", path)
	}

	m := &store.Meme{
		Filename:    filename,
		Tags:        tags,
		FeatureHash: hash,
		Source:      store.MemeSourceAuto,
	}
	if err := g.store.InsertMeme(ctx, m); err != nil {
		_ = os.Remove(path)
		metrics.IngestResults.WithLabelValues("error").Inc()
		return err
	}

	metrics.IngestResults.WithLabelValues("saved").Inc()
	slog.Info("meme: auto-saved image", "filename", filename, "tags", tags)
	return nil
}

func (g *Ingestor) download(ctx context.Context, url string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, downloadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build download request")
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "image download failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("image download failed: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read image body")
	}
	return data, nil
}

var tagLineRe = regexp.MustCompile(`(?m)^<?([^<>\n:：]+)>?\s*[:：]\s*(.+)$`)

// parseVerdict extracts a "name: description" tag from a classifier reply.
// Anything that is not an affirmative verdict with a well-formed tag line is
// treated as a rejection; a malformed affirmative is skipped outright rather
// than stored with garbage tags.
func parseVerdict(verdict string) (string, bool) {
	verdict = strings.TrimSpace(verdict)
	if verdict == "" || !strings.Contains(verdict, "YES") {
		return "", false
	}

	after := verdict[strings.Index(verdict, "YES")+len("YES"):]
	m := tagLineRe.FindStringSubmatch(after)
	if m == nil {
		slog.Warn("meme: affirmative verdict without parseable tag", "verdict", verdict)
		return "", false
	}
	name := strings.TrimSpace(m[1])
	desc := strings.TrimSpace(m[2])
	if name == "" {
		return "", false
	}
	return name + ": " + desc, true
}
