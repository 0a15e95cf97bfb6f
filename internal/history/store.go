// Package history stores the bounded, per-session record of prior turns.
//
// Three backends share the Store contract: MemoryStore for tests and the
// interactive CLI, SQLiteStore for the gateway, and JSONLStore for
// human-readable one-file-per-session archives.
package history

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Role is the author of a history record.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Record is one stored message of a session. Seq is assigned by the store
// and increases strictly within a session.
type Record struct {
	Seq       int64     `json:"seq"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// SessionInfo summarises one stored session.
type SessionInfo struct {
	ID        string
	Count     int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Store is the persistence boundary for session history.
type Store interface {
	// Append stores rec at the end of the session and returns it with Seq
	// (and Timestamp, if zero) filled in. When the session exceeds the
	// retention cap the oldest records are evicted.
	Append(ctx context.Context, sessionID string, rec Record) (Record, error)
	// AppendBatch stores recs in order as one unit: either all of them are
	// kept or none is.
	AppendBatch(ctx context.Context, sessionID string, recs []Record) ([]Record, error)
	// ReadRecent returns up to limit of the most recent records, oldest first.
	ReadRecent(ctx context.Context, sessionID string, limit int) ([]Record, error)
	// Sessions lists stored sessions, most recently updated first.
	Sessions(ctx context.Context) ([]SessionInfo, error)
	// Prune deletes sessions not updated since idleBefore.
	Prune(ctx context.Context, idleBefore time.Time) (int, error)
	Close() error
}

var ErrEmptySession = errors.New("history: session id is required")

// DefaultMaxMessages is the retention cap used when none is configured.
const DefaultMaxMessages = 50

// Options configures a backend.
type Options struct {
	Backend     string // "memory", "sqlite" or "jsonl"
	Path        string // database file or directory
	MaxMessages int
}

// Open builds the backend named in opts.
func Open(opts Options) (Store, error) {
	switch opts.Backend {
	case "", "sqlite":
		return NewSQLiteStore(opts.Path, opts.MaxMessages)
	case "jsonl":
		return NewJSONLStore(opts.Path, opts.MaxMessages)
	case "memory":
		return NewMemoryStore(opts.MaxMessages), nil
	default:
		return nil, fmt.Errorf("history: unknown backend %q", opts.Backend)
	}
}

func normalize(rec Record) Record {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	return rec
}

// appendOne adapts a single Append to AppendBatch.
func appendOne(ctx context.Context, s Store, sessionID string, rec Record) (Record, error) {
	recs, err := s.AppendBatch(ctx, sessionID, []Record{rec})
	if err != nil {
		return Record{}, err
	}
	return recs[0], nil
}

func capOrDefault(n int) int {
	if n <= 0 {
		return DefaultMaxMessages
	}
	return n
}

// tail returns the last limit records of recs (all when limit <= 0).
func tail(recs []Record, limit int) []Record {
	if limit > 0 && len(recs) > limit {
		recs = recs[len(recs)-limit:]
	}
	out := make([]Record, len(recs))
	copy(out, recs)
	return out
}
