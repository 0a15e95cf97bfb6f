package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const (
	sqliteDriver = "sqlite"
	sqliteDSNOpt = "?_pragma=busy_timeout(3000)&_pragma=journal_mode(WAL)"
)

// SQLiteStore persists history in a single SQLite database.
type SQLiteStore struct {
	db          *sql.DB
	mu          sync.Mutex // serializes appends so seq assignment is race-free
	maxMessages int
}

// NewSQLiteStore opens (creating if needed) the database at path.
func NewSQLiteStore(path string, maxMessages int) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("history: sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("history: create dir: %w", err)
	}
	db, err := sql.Open(sqliteDriver, path+sqliteDSNOpt)
	if err != nil {
		return nil, fmt.Errorf("history: open db: %w", err)
	}
	s := &SQLiteStore{db: db, maxMessages: capOrDefault(maxMessages)}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS history_sessions (
	session_id TEXT PRIMARY KEY,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	next_seq INTEGER NOT NULL DEFAULT 1
);
CREATE TABLE IF NOT EXISTS history_records (
	session_id TEXT NOT NULL,
	seq INTEGER NOT NULL,
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	PRIMARY KEY (session_id, seq)
);
CREATE INDEX IF NOT EXISTS idx_history_sessions_updated
ON history_sessions(updated_at DESC);`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("history: migrate: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Append(ctx context.Context, sessionID string, rec Record) (Record, error) {
	return appendOne(ctx, s, sessionID, rec)
}

// AppendBatch writes recs and the retention eviction in one transaction.
func (s *SQLiteStore) AppendBatch(ctx context.Context, sessionID string, recs []Record) ([]Record, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, ErrEmptySession
	}
	if len(recs) == 0 {
		return nil, nil
	}
	out := make([]Record, len(recs))
	var latest int64
	for i, rec := range recs {
		out[i] = normalize(rec)
		latest = max(latest, out[i].Timestamp.UnixMilli())
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("history: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	const upsert = `
INSERT INTO history_sessions (session_id, created_at, updated_at, next_seq)
VALUES (?, ?, ?, 1)
ON CONFLICT(session_id) DO UPDATE SET
	updated_at = CASE
		WHEN history_sessions.updated_at > excluded.updated_at THEN history_sessions.updated_at
		ELSE excluded.updated_at
	END`
	if _, err := tx.ExecContext(ctx, upsert, sessionID, out[0].Timestamp.UnixMilli(), latest); err != nil {
		return nil, fmt.Errorf("history: upsert session: %w", err)
	}

	var next int64
	if err := tx.QueryRowContext(ctx,
		`SELECT next_seq FROM history_sessions WHERE session_id = ?`, sessionID,
	).Scan(&next); err != nil {
		return nil, fmt.Errorf("history: next seq: %w", err)
	}

	for i := range out {
		out[i].Seq = next + int64(i)
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO history_records (session_id, seq, role, content, created_at) VALUES (?, ?, ?, ?, ?)`,
			sessionID, out[i].Seq, string(out[i].Role), out[i].Content, out[i].Timestamp.UnixMilli(),
		); err != nil {
			return nil, fmt.Errorf("history: insert record: %w", err)
		}
	}
	last := out[len(out)-1].Seq

	if _, err := tx.ExecContext(ctx,
		`UPDATE history_sessions SET next_seq = ? WHERE session_id = ?`, last+1, sessionID,
	); err != nil {
		return nil, fmt.Errorf("history: bump seq: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM history_records WHERE session_id = ? AND seq <= ?`,
		sessionID, last-int64(s.maxMessages),
	); err != nil {
		return nil, fmt.Errorf("history: evict: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("history: commit: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) ReadRecent(ctx context.Context, sessionID string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = s.maxMessages
	}
	const q = `
SELECT seq, role, content, created_at FROM (
	SELECT seq, role, content, created_at FROM history_records
	WHERE session_id = ?
	ORDER BY seq DESC
	LIMIT ?
) ORDER BY seq ASC`
	rows, err := s.db.QueryContext(ctx, q, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("history: read recent: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			rec  Record
			role string
			ts   int64
		)
		if err := rows.Scan(&rec.Seq, &role, &rec.Content, &ts); err != nil {
			return nil, fmt.Errorf("history: scan: %w", err)
		}
		rec.Role = Role(role)
		rec.Timestamp = time.UnixMilli(ts)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Sessions(ctx context.Context) ([]SessionInfo, error) {
	const q = `
SELECT s.session_id, s.created_at, s.updated_at, COUNT(r.seq)
FROM history_sessions s
LEFT JOIN history_records r ON r.session_id = s.session_id
GROUP BY s.session_id
ORDER BY s.updated_at DESC`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("history: list sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionInfo
	for rows.Next() {
		var (
			info             SessionInfo
			created, updated int64
		)
		if err := rows.Scan(&info.ID, &created, &updated, &info.Count); err != nil {
			return nil, fmt.Errorf("history: scan: %w", err)
		}
		info.CreatedAt = time.UnixMilli(created)
		info.UpdatedAt = time.UnixMilli(updated)
		out = append(out, info)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Prune(ctx context.Context, idleBefore time.Time) (int, error) {
	cutoff := idleBefore.UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("history: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
DELETE FROM history_records WHERE session_id IN (
	SELECT session_id FROM history_sessions WHERE updated_at < ?
)`, cutoff); err != nil {
		return 0, fmt.Errorf("history: prune records: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM history_sessions WHERE updated_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("history: prune sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("history: commit: %w", err)
	}
	return int(n), nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
