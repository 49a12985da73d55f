// Package store implements the durable tiered record store backing the
// companion: keyword-indexed memories (sticky / fragment / dialogue) and the
// meme library, on a single SQLite database.
//
// Write discipline: all writes funnel through one mutex so concurrent
// writers never collide on the SQLite file lock. Reads run lock-free and may
// race with writes; a record written mid-query may or may not appear in that
// query's results.
package store

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/pkg/errors"

	// Import the SQLite driver.
	_ "modernc.org/sqlite"

	"github.com/vvivloy/mememaster/ai/keyword"
)

type Store struct {
	db     *sql.DB
	dbPath string
	kw     *keyword.Extractor

	// writeMu serializes the write path (see package doc).
	writeMu sync.Mutex
}

// New opens (or creates) the database at dsn. dbPath is the bare file path,
// kept for backup. The extractor derives the keyword index on insert.
func New(dsn, dbPath string, kw *keyword.Extractor) (*Store, error) {
	if dsn == "" {
		return nil, errors.New("dsn required")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}

	// WAL keeps readers unblocked during the serialized writes; the busy
	// timeout covers the rare overlap with an external process.
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA busy_timeout=10000;",
		"PRAGMA foreign_keys=OFF;",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, errors.Wrapf(err, "failed to apply %q", pragma)
		}
	}

	return &Store{db: db, dbPath: dbPath, kw: kw}, nil
}

// Migrate creates the schema when missing.
func (s *Store) Migrate(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS memes (
	filename TEXT PRIMARY KEY,
	tags TEXT,
	feature_hash TEXT,
	source TEXT DEFAULT 'manual',
	created_ts INTEGER,
	last_used_ts INTEGER DEFAULT 0,
	usage_count INTEGER DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_memes_tags ON memes(tags);

CREATE TABLE IF NOT EXISTS memories (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	content TEXT NOT NULL,
	keywords TEXT,
	type TEXT DEFAULT 'dialogue',
	importance INTEGER DEFAULT 1,
	created_ts INTEGER
);
CREATE INDEX IF NOT EXISTS idx_memories_keywords ON memories(keywords);
CREATE INDEX IF NOT EXISTS idx_memories_content ON memories(content);
CREATE INDEX IF NOT EXISTS idx_memories_type ON memories(type);

CREATE TABLE IF NOT EXISTS system_config (
	key TEXT PRIMARY KEY,
	value TEXT
);
`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return errors.Wrap(err, "failed to migrate schema")
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DBPath returns the database file path, used by backup.
func (s *Store) DBPath() string {
	return s.dbPath
}

// GetConfigValue reads a value from the system_config table.
func (s *Store) GetConfigValue(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM system_config WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrap(err, "failed to read system config")
	}
	return value, true, nil
}

// SetConfigValue upserts a value into the system_config table.
func (s *Store) SetConfigValue(ctx context.Context, key, value string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO system_config (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
		key, value)
	if err != nil {
		return errors.Wrap(err, "failed to write system config")
	}
	return nil
}

func nowTs() int64 {
	return time.Now().Unix()
}
