package store

import (
	"context"
	"database/sql"
	"log/slog"
	"strings"

	"github.com/pkg/errors"
)

// MemoryType classifies a memory record's tier.
type MemoryType string

const (
	// MemoryDialogue is a raw, unsummarized conversational turn pair.
	MemoryDialogue MemoryType = "dialogue"
	// MemorySticky is a permanent fact, always eligible for retrieval.
	MemorySticky MemoryType = "sticky"
	// MemoryFragment is summarizer output substituting for digested dialogue.
	MemoryFragment MemoryType = "fragment"
)

const stickyImportance = 10

// Memory is a durable memory record.
type Memory struct {
	ID         int64
	Content    string
	Keywords   string
	Type       MemoryType
	Importance int
	CreatedTs  int64
}

// InsertMemory persists a record, deriving its keyword index from content.
func (s *Store) InsertMemory(ctx context.Context, content string, typ MemoryType) (int64, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return 0, errors.New("empty content")
	}

	importance := 1
	if typ == MemorySticky {
		importance = stickyImportance
	}
	keywords := s.kw.ExtractTags(content)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx,
		"INSERT INTO memories (content, keywords, type, importance, created_ts) VALUES (?, ?, ?, ?, ?)",
		content, keywords, string(typ), importance, nowTs())
	if err != nil {
		return 0, errors.Wrap(err, "failed to insert memory")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, errors.Wrap(err, "failed to read insert id")
	}
	return id, nil
}

// InsertMemoryBestEffort persists a low-value record, swallowing failures.
// Plain dialogue turns tolerate loss under write contention; the summarizer
// path must use InsertMemory and retry by deferral instead.
func (s *Store) InsertMemoryBestEffort(ctx context.Context, content string, typ MemoryType) {
	if strings.TrimSpace(content) == "" {
		return
	}
	if _, err := s.InsertMemory(ctx, content, typ); err != nil {
		slog.Warn("store: best-effort memory write dropped", "type", typ, "error", err)
	}
}

// QuerySticky returns the content of all sticky records, newest first.
func (s *Store) QuerySticky(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT content FROM memories WHERE type = ? ORDER BY created_ts DESC, id DESC",
		string(MemorySticky))
	if err != nil {
		return nil, errors.Wrap(err, "failed to query stickies")
	}
	defer rows.Close()
	return scanContents(rows)
}

// HasSticky reports whether a sticky with exactly this content exists.
func (s *Store) HasSticky(ctx context.Context, content string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		"SELECT 1 FROM memories WHERE type = ? AND content = ? LIMIT 1",
		string(MemorySticky), content).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "failed to check sticky")
	}
	return true, nil
}

// QueryRelated finds records in the given tiers whose keyword index or raw
// content matches any search term derived from text, newest first, capped at
// limit. An empty term set yields an empty result, never a full scan.
func (s *Store) QueryRelated(ctx context.Context, text string, tiers []MemoryType, limit int) ([]string, error) {
	terms := s.kw.SearchTerms(text)
	if len(terms) == 0 || len(tiers) == 0 || limit <= 0 {
		return nil, nil
	}

	var sb strings.Builder
	args := make([]any, 0, len(tiers)+2*len(terms)+1)

	sb.WriteString("SELECT content FROM memories WHERE type IN (")
	for i, tier := range tiers {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("?")
		args = append(args, string(tier))
	}
	sb.WriteString(") AND (")
	for i, term := range terms {
		if i > 0 {
			sb.WriteString(" OR ")
		}
		sb.WriteString(`(keywords LIKE ? ESCAPE '\' OR content LIKE ? ESCAPE '\')`)
		pattern := "%" + escapeLike(term) + "%"
		args = append(args, pattern, pattern)
	}
	sb.WriteString(") ORDER BY created_ts DESC, id DESC LIMIT ?")
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query related memories")
	}
	defer rows.Close()
	return scanContents(rows)
}

// QueryRecent returns the newest records of the given tiers, newest first.
// It backs the recency fallback of the retrieval engine.
func (s *Store) QueryRecent(ctx context.Context, tiers []MemoryType, limit int) ([]string, error) {
	if len(tiers) == 0 || limit <= 0 {
		return nil, nil
	}

	var sb strings.Builder
	args := make([]any, 0, len(tiers)+1)
	sb.WriteString("SELECT content FROM memories WHERE type IN (")
	for i, tier := range tiers {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("?")
		args = append(args, string(tier))
	}
	sb.WriteString(") ORDER BY created_ts DESC, id DESC LIMIT ?")
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query recent memories")
	}
	defer rows.Close()
	return scanContents(rows)
}

// RecentDialogue returns the last limit dialogue records in chronological
// order, used as context for proactive messages.
func (s *Store) RecentDialogue(ctx context.Context, limit int) ([]string, error) {
	contents, err := s.QueryRecent(ctx, []MemoryType{MemoryDialogue}, limit)
	if err != nil {
		return nil, err
	}
	// QueryRecent is newest-first; a transcript reads oldest-first.
	for i, j := 0, len(contents)-1; i < j; i, j = i+1, j-1 {
		contents[i], contents[j] = contents[j], contents[i]
	}
	return contents, nil
}

// ListStickies returns full sticky records for administration, newest first.
func (s *Store) ListStickies(ctx context.Context) ([]*Memory, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, content, keywords, type, importance, created_ts FROM memories WHERE type = ? ORDER BY created_ts DESC, id DESC",
		string(MemorySticky))
	if err != nil {
		return nil, errors.Wrap(err, "failed to list stickies")
	}
	defer rows.Close()

	var list []*Memory
	for rows.Next() {
		var m Memory
		var typ string
		if err := rows.Scan(&m.ID, &m.Content, &m.Keywords, &typ, &m.Importance, &m.CreatedTs); err != nil {
			return nil, errors.Wrap(err, "failed to scan memory")
		}
		m.Type = MemoryType(typ)
		list = append(list, &m)
	}
	return list, rows.Err()
}

// UpdateSticky rewrites a sticky record's content (and its keyword index).
func (s *Store) UpdateSticky(ctx context.Context, id int64, content string) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return errors.New("empty content")
	}
	keywords := s.kw.ExtractTags(content)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx,
		"UPDATE memories SET content = ?, keywords = ? WHERE id = ? AND type = ?",
		content, keywords, id, string(MemorySticky))
	if err != nil {
		return errors.Wrap(err, "failed to update sticky")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.New("sticky not found")
	}
	return nil
}

// DeleteSticky removes a sticky record.
func (s *Store) DeleteSticky(ctx context.Context, id int64) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx,
		"DELETE FROM memories WHERE id = ? AND type = ?", id, string(MemorySticky))
	if err != nil {
		return errors.Wrap(err, "failed to delete sticky")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.New("sticky not found")
	}
	return nil
}

func scanContents(rows *sql.Rows) ([]string, error) {
	var contents []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, errors.Wrap(err, "failed to scan content")
		}
		contents = append(contents, c)
	}
	return contents, rows.Err()
}

// escapeLike escapes LIKE wildcards so user text never becomes a pattern.
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "%", `\%`)
	return strings.ReplaceAll(s, "_", `\_`)
}
