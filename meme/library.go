package meme

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/lithammer/shortuuid/v4"
	"github.com/pkg/errors"

	"github.com/vvivloy/mememaster/internal/imagehash"
	"github.com/vvivloy/mememaster/store"
)

// Library bundles the maintenance operations over the image collection.
type Library struct {
	store    *store.Store
	pool     *imagehash.Pool
	imageDir string
}

// NewLibrary creates the maintenance facade.
func NewLibrary(st *store.Store, pool *imagehash.Pool, imageDir string) *Library {
	return &Library{store: st, pool: pool, imageDir: imageDir}
}

// Add stores a manually supplied image under the given tags. Duplicate
// detection applies the same way as in auto-ingestion.
func (l *Library) Add(ctx context.Context, data []byte, tags string) (string, error) {
	if tags == "" {
		return "", errors.New("tags required")
	}

	hash, err := l.pool.Hash(ctx, data)
	if err != nil {
		slog.Warn("meme: fingerprint failed on manual add", "error", err)
		hash = ""
	}
	if hash != "" {
		dup, err := l.store.FindMemeByHash(ctx, hash, imagehash.DefaultTolerance)
		if err != nil {
			return "", err
		}
		if dup != nil {
			return "", errors.Errorf("duplicate of %s", dup.Filename)
		}
	}

	compressed, ext, err := l.pool.Compress(ctx, data)
	if err != nil {
		return "", err
	}
	filename := fmt.Sprintf("%d_%s%s", time.Now().Unix(), shortuuid.New(), ext)
	path := filepath.Join(l.imageDir, filename)
	if err := os.WriteFile(path, compressed, 0o660); err != nil {
		return "", errors.Wrapf(err, "failed to write %s", path)
	}

	m := &store.Meme{Filename: filename, Tags: tags, FeatureHash: hash, Source: store.MemeSourceManual}
	if err := l.store.InsertMeme(ctx, m); err != nil {
		_ = os.Remove(path)
		return "", err
	}
	return filename, nil
}

// Remove deletes a record and its image file.
func (l *Library) Remove(ctx context.Context, filename string) error {
	if err := l.store.DeleteMeme(ctx, filename); err != nil {
		return err
	}
	if err := os.Remove(filepath.Join(l.imageDir, filename)); err != nil && !os.IsNotExist(err) {
		slog.Warn("meme: failed to remove image file", "filename", filename, "error", err)
	}
	return nil
}

// Recompress re-encodes every stored image with the current compression
// settings and reports how many shrank. Files that fail to re-encode are
// left untouched.
func (l *Library) Recompress(ctx context.Context) (int, error) {
	memes, err := l.store.ListMemes(ctx)
	if err != nil {
		return 0, err
	}

	slimmed := 0
	for _, m := range memes {
		path := filepath.Join(l.imageDir, m.Filename)
		data, err := os.ReadFile(path)
		if err != nil {
			slog.Warn("meme: recompress read failed", "filename", m.Filename, "error", err)
			continue
		}
		out, _, err := l.pool.Compress(ctx, data)
		if err != nil {
			return slimmed, err
		}
		if len(out) >= len(data) {
			continue
		}
		if err := os.WriteFile(path, out, 0o660); err != nil {
			slog.Warn("meme: recompress write failed", "filename", m.Filename, "error", err)
			continue
		}
		slimmed++
	}
	slog.Info("meme: library recompressed", "total", len(memes), "slimmed", slimmed)
	return slimmed, nil
}

// BackfillHashes fingerprints records that predate perceptual hashing and
// reports how many were filled. Unreadable files are skipped, not fatal.
func (l *Library) BackfillHashes(ctx context.Context) (int, error) {
	memes, err := l.store.ListMemes(ctx)
	if err != nil {
		return 0, err
	}

	filled := 0
	for _, m := range memes {
		if m.FeatureHash != "" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(l.imageDir, m.Filename))
		if err != nil {
			slog.Warn("meme: backfill read failed", "filename", m.Filename, "error", err)
			continue
		}
		hash, err := l.pool.Hash(ctx, data)
		if err != nil {
			return filled, err
		}
		if hash == "" {
			continue
		}
		if err := l.store.UpdateMemeHash(ctx, m.Filename, hash); err != nil {
			slog.Warn("meme: backfill update failed", "filename", m.Filename, "error", err)
			continue
		}
		filled++
	}
	if filled > 0 {
		slog.Info("meme: fingerprints backfilled", "filled", filled)
	}
	return filled, nil
}
