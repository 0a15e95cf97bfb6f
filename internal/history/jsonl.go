package history

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// JSONLStore keeps one JSONL file per session.
//
// File format:
//
//	Line 1:  {"_type":"metadata","key":"…","created_at":"…","updated_at":"…","next_seq":N}
//	Line 2+: one Record per line
//
// Files are rewritten whole on every append so retention never leaves a
// partially evicted file behind.
type JSONLStore struct {
	dir         string
	maxMessages int
	cache       sync.Map // session id → *jsonlSession
}

type jsonlSession struct {
	mu        sync.Mutex
	key       string
	records   []Record
	nextSeq   int64
	createdAt time.Time
	updatedAt time.Time
	loaded    bool
}

type jsonlMetadata struct {
	Type      string `json:"_type"`
	Key       string `json:"key"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
	NextSeq   int64  `json:"next_seq"`
}

// NewJSONLStore creates a store rooted at dir, creating it if necessary.
func NewJSONLStore(dir string, maxMessages int) (*JSONLStore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("history: jsonl directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("history: create sessions dir: %w", err)
	}
	return &JSONLStore{dir: dir, maxMessages: capOrDefault(maxMessages)}, nil
}

func (s *JSONLStore) session(key string) *jsonlSession {
	v, _ := s.cache.LoadOrStore(key, &jsonlSession{key: key})
	sess := v.(*jsonlSession)
	sess.mu.Lock()
	if !sess.loaded {
		s.load(sess)
		sess.loaded = true
	}
	return sess
}

func (s *JSONLStore) Append(ctx context.Context, sessionID string, rec Record) (Record, error) {
	return appendOne(ctx, s, sessionID, rec)
}

// AppendBatch rewrites the session file once for all of recs. When the
// write fails the cached session is left as it was.
func (s *JSONLStore) AppendBatch(_ context.Context, sessionID string, recs []Record) ([]Record, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, ErrEmptySession
	}
	if len(recs) == 0 {
		return nil, nil
	}

	sess := s.session(sessionID)
	defer sess.mu.Unlock()

	prevRecords, prevSeq := sess.records, sess.nextSeq
	prevCreated, prevUpdated := sess.createdAt, sess.updatedAt
	if sess.nextSeq == 0 {
		sess.nextSeq = 1
	}
	out := make([]Record, len(recs))
	records := append([]Record(nil), sess.records...)
	for i, rec := range recs {
		rec = normalize(rec)
		if sess.createdAt.IsZero() {
			sess.createdAt = rec.Timestamp
		}
		rec.Seq = sess.nextSeq
		sess.nextSeq++
		records = append(records, rec)
		sess.updatedAt = rec.Timestamp
		out[i] = rec
	}
	if over := len(records) - s.maxMessages; over > 0 {
		records = records[over:]
	}
	sess.records = records

	if err := s.save(sess); err != nil {
		sess.records, sess.nextSeq = prevRecords, prevSeq
		sess.createdAt, sess.updatedAt = prevCreated, prevUpdated
		return nil, err
	}
	return out, nil
}

func (s *JSONLStore) ReadRecent(_ context.Context, sessionID string, limit int) ([]Record, error) {
	sess := s.session(sessionID)
	defer sess.mu.Unlock()
	return tail(sess.records, limit), nil
}

// Sessions reads the metadata line of every file in the directory.
func (s *JSONLStore) Sessions(_ context.Context) ([]SessionInfo, error) {
	paths, err := filepath.Glob(filepath.Join(s.dir, "*.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("history: list sessions: %w", err)
	}

	var out []SessionInfo
	for _, path := range paths {
		info, ok := readInfo(path)
		if !ok {
			continue
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (s *JSONLStore) Prune(ctx context.Context, idleBefore time.Time) (int, error) {
	infos, err := s.Sessions(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, info := range infos {
		if !info.UpdatedAt.Before(idleBefore) {
			continue
		}
		sess := s.session(info.ID)
		if sess.updatedAt.Before(idleBefore) {
			if err := os.Remove(s.sessionPath(info.ID)); err != nil && !os.IsNotExist(err) {
				sess.mu.Unlock()
				return n, fmt.Errorf("history: remove %s: %w", info.ID, err)
			}
			s.cache.Delete(info.ID)
			n++
		}
		sess.mu.Unlock()
	}
	return n, nil
}

func (s *JSONLStore) Close() error { return nil }

// save rewrites the session file. Caller holds sess.mu.
func (s *JSONLStore) save(sess *jsonlSession) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	meta := jsonlMetadata{
		Type:      "metadata",
		Key:       sess.key,
		CreatedAt: sess.createdAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt: sess.updatedAt.UTC().Format(time.RFC3339Nano),
		NextSeq:   sess.nextSeq,
	}
	if err := enc.Encode(meta); err != nil {
		return fmt.Errorf("history: encode metadata: %w", err)
	}
	for _, rec := range sess.records {
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("history: encode record: %w", err)
		}
	}

	path := s.sessionPath(sess.key)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("history: write session %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("history: replace session %s: %w", path, err)
	}
	return nil
}

// load fills sess from disk. Caller holds sess.mu.
func (s *JSONLStore) load(sess *jsonlSession) {
	f, err := os.Open(s.sessionPath(sess.key))
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 1<<20), 1<<20)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		if bytes.Contains(line, []byte(`"_type":"metadata"`)) {
			var meta jsonlMetadata
			if err := json.Unmarshal(line, &meta); err == nil {
				sess.nextSeq = meta.NextSeq
				sess.createdAt, _ = time.Parse(time.RFC3339Nano, meta.CreatedAt)
				sess.updatedAt, _ = time.Parse(time.RFC3339Nano, meta.UpdatedAt)
			}
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			slog.Warn("history: skipping malformed line", "session", sess.key, "err", err)
			continue
		}
		sess.records = append(sess.records, rec)
	}
	if err := scanner.Err(); err != nil {
		slog.Warn("history: error reading session file", "session", sess.key, "err", err)
	}
	if n := len(sess.records); n > 0 && sess.nextSeq <= sess.records[n-1].Seq {
		sess.nextSeq = sess.records[n-1].Seq + 1
	}
}

func readInfo(path string) (SessionInfo, bool) {
	f, err := os.Open(path)
	if err != nil {
		return SessionInfo{}, false
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 1<<20), 1<<20)
	if !scanner.Scan() {
		return SessionInfo{}, false
	}
	var meta jsonlMetadata
	if err := json.Unmarshal(scanner.Bytes(), &meta); err != nil || meta.Type != "metadata" {
		return SessionInfo{}, false
	}
	count := 0
	for scanner.Scan() {
		if len(bytes.TrimSpace(scanner.Bytes())) > 0 {
			count++
		}
	}
	info := SessionInfo{ID: meta.Key, Count: count}
	info.CreatedAt, _ = time.Parse(time.RFC3339Nano, meta.CreatedAt)
	info.UpdatedAt, _ = time.Parse(time.RFC3339Nano, meta.UpdatedAt)
	return info, true
}

// sessionPath converts a session id to its JSONL file path.
func (s *JSONLStore) sessionPath(key string) string {
	return filepath.Join(s.dir, safeFilename(key)+".jsonl")
}

// safeFilename replaces filesystem-unsafe characters with underscores.
func safeFilename(name string) string {
	const unsafe = `<>:"/\|?*`
	var b strings.Builder
	for _, r := range name {
		if strings.ContainsRune(unsafe, r) {
			b.WriteByte('_')
		} else {
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}
