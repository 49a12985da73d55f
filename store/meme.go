package store

import (
	"context"
	"database/sql"
	"strings"
	"unicode/utf8"

	"github.com/pkg/errors"

	"github.com/vvivloy/mememaster/internal/imagehash"
)

// Meme source values.
const (
	MemeSourceManual = "manual"
	MemeSourceAuto   = "auto"
)

// Meme is a durable meme library record. Tags hold a free-text
// "name: description" pair; FeatureHash is the hex perceptual fingerprint.
type Meme struct {
	Filename    string
	Tags        string
	FeatureHash string
	Source      string
	CreatedTs   int64
	LastUsedTs  int64
	UsageCount  int
}

// InsertMeme persists a new library record. Filename is the unique key.
func (s *Store) InsertMeme(ctx context.Context, m *Meme) error {
	if m.Filename == "" {
		return errors.New("filename required")
	}
	if m.Source == "" {
		m.Source = MemeSourceManual
	}
	if m.CreatedTs == 0 {
		m.CreatedTs = nowTs()
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.ExecContext(ctx,
		"INSERT INTO memes (filename, tags, feature_hash, source, created_ts) VALUES (?, ?, ?, ?, ?)",
		m.Filename, m.Tags, m.FeatureHash, m.Source, m.CreatedTs)
	if err != nil {
		return errors.Wrap(err, "failed to insert meme")
	}
	return nil
}

// ListMemes returns all library records, newest first.
func (s *Store) ListMemes(ctx context.Context) ([]*Meme, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT filename, tags, feature_hash, source, created_ts, last_used_ts, usage_count FROM memes ORDER BY created_ts DESC")
	if err != nil {
		return nil, errors.Wrap(err, "failed to list memes")
	}
	defer rows.Close()
	return scanMemes(rows)
}

// CountMemes returns the library size.
func (s *Store) CountMemes(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM memes").Scan(&n); err != nil {
		return 0, errors.Wrap(err, "failed to count memes")
	}
	return n, nil
}

// GetMemeByTagSubstring returns the first record whose tags contain tag.
func (s *Store) GetMemeByTagSubstring(ctx context.Context, tag string) (*Meme, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT filename, tags, feature_hash, source, created_ts, last_used_ts, usage_count
		 FROM memes WHERE tags LIKE ? ESCAPE '\' ORDER BY created_ts DESC LIMIT 1`,
		"%"+escapeLike(tag)+"%")
	m, err := scanMeme(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get meme by tag")
	}
	return m, nil
}

// SearchMemeTags returns the tags of up to limit records matching term,
// most used first. It feeds candidate hints offered to the provider.
func (s *Store) SearchMemeTags(ctx context.Context, term string, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT tags FROM memes WHERE tags LIKE ? ESCAPE '\' ORDER BY usage_count DESC LIMIT ?`,
		"%"+escapeLike(term)+"%", limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to search meme tags")
	}
	defer rows.Close()
	return scanContents(rows)
}

// RandomMemeTags returns up to limit random tags, the stock-up fallback that
// keeps the provider supplied with options when keyword search runs dry.
func (s *Store) RandomMemeTags(ctx context.Context, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT tags FROM memes ORDER BY RANDOM() LIMIT ?", limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to pick random meme tags")
	}
	defer rows.Close()
	return scanContents(rows)
}

// FindMemeByHash returns a record whose fingerprint is within tolerance
// Hamming bits of hash, or nil when the image is unseen.
func (s *Store) FindMemeByHash(ctx context.Context, hash string, tolerance int) (*Meme, error) {
	if hash == "" {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT filename, tags, feature_hash, source, created_ts, last_used_ts, usage_count FROM memes WHERE feature_hash != ''")
	if err != nil {
		return nil, errors.Wrap(err, "failed to scan fingerprints")
	}
	defer rows.Close()

	memes, err := scanMemes(rows)
	if err != nil {
		return nil, err
	}
	for _, m := range memes {
		if imagehash.Distance(hash, m.FeatureHash) < tolerance {
			return m, nil
		}
	}
	return nil, nil
}

// UpdateMemeTags rewrites a record's tags.
func (s *Store) UpdateMemeTags(ctx context.Context, filename, tags string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx,
		"UPDATE memes SET tags = ? WHERE filename = ?", tags, filename)
	if err != nil {
		return errors.Wrap(err, "failed to update meme tags")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.New("meme not found")
	}
	return nil
}

// UpdateMemeHash backfills a record's fingerprint.
func (s *Store) UpdateMemeHash(ctx context.Context, filename, hash string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.ExecContext(ctx,
		"UPDATE memes SET feature_hash = ? WHERE filename = ?", hash, filename)
	if err != nil {
		return errors.Wrap(err, "failed to update meme hash")
	}
	return nil
}

// TouchMemeUsage bumps a record's usage counter after resolution.
func (s *Store) TouchMemeUsage(ctx context.Context, filename string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.ExecContext(ctx,
		"UPDATE memes SET usage_count = usage_count + 1, last_used_ts = ? WHERE filename = ?",
		nowTs(), filename)
	if err != nil {
		return errors.Wrap(err, "failed to touch meme usage")
	}
	return nil
}

// DeleteMeme removes a record. The caller owns removal of the image file.
func (s *Store) DeleteMeme(ctx context.Context, filename string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.ExecContext(ctx, "DELETE FROM memes WHERE filename = ?", filename)
	if err != nil {
		return errors.Wrap(err, "failed to delete meme")
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMeme(row rowScanner) (*Meme, error) {
	var m Meme
	var tags, hash, source sql.NullString
	if err := row.Scan(&m.Filename, &tags, &hash, &source, &m.CreatedTs, &m.LastUsedTs, &m.UsageCount); err != nil {
		return nil, err
	}
	m.Tags = tags.String
	m.FeatureHash = hash.String
	m.Source = source.String
	return &m, nil
}

func scanMemes(rows *sql.Rows) ([]*Meme, error) {
	var memes []*Meme
	for rows.Next() {
		m, err := scanMeme(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan meme")
		}
		memes = append(memes, m)
	}
	return memes, rows.Err()
}

// MemeTagHalves splits a "name: description" tag on its first colon
// (ASCII or fullwidth). A tag without a colon is all name.
func MemeTagHalves(tags string) (name, desc string) {
	idx := strings.IndexAny(tags, ":：")
	if idx < 0 {
		return strings.TrimSpace(tags), ""
	}
	_, size := utf8.DecodeRuneInString(tags[idx:])
	return strings.TrimSpace(tags[:idx]), strings.TrimSpace(tags[idx+size:])
}
