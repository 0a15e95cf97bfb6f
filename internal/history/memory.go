package history

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps history in process memory.
type MemoryStore struct {
	mu          sync.Mutex
	maxMessages int
	sessions    map[string]*memSession
}

type memSession struct {
	records   []Record
	nextSeq   int64
	createdAt time.Time
	updatedAt time.Time
}

func NewMemoryStore(maxMessages int) *MemoryStore {
	return &MemoryStore{
		maxMessages: capOrDefault(maxMessages),
		sessions:    make(map[string]*memSession),
	}
}

func (s *MemoryStore) Append(ctx context.Context, sessionID string, rec Record) (Record, error) {
	return appendOne(ctx, s, sessionID, rec)
}

func (s *MemoryStore) AppendBatch(_ context.Context, sessionID string, recs []Record) ([]Record, error) {
	if sessionID == "" {
		return nil, ErrEmptySession
	}
	if len(recs) == 0 {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Record, len(recs))
	for i, rec := range recs {
		out[i] = normalize(rec)
	}
	sess, ok := s.sessions[sessionID]
	if !ok {
		sess = &memSession{nextSeq: 1, createdAt: out[0].Timestamp}
		s.sessions[sessionID] = sess
	}
	for i := range out {
		out[i].Seq = sess.nextSeq
		sess.nextSeq++
		sess.records = append(sess.records, out[i])
		sess.updatedAt = out[i].Timestamp
	}
	if over := len(sess.records) - s.maxMessages; over > 0 {
		sess.records = append([]Record(nil), sess.records[over:]...)
	}
	return out, nil
}

func (s *MemoryStore) ReadRecent(_ context.Context, sessionID string, limit int) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	return tail(sess.records, limit), nil
}

func (s *MemoryStore) Sessions(_ context.Context) ([]SessionInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]SessionInfo, 0, len(s.sessions))
	for id, sess := range s.sessions {
		out = append(out, SessionInfo{
			ID:        id,
			Count:     len(sess.records),
			CreatedAt: sess.createdAt,
			UpdatedAt: sess.updatedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (s *MemoryStore) Prune(_ context.Context, idleBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, sess := range s.sessions {
		if sess.updatedAt.Before(idleBefore) {
			delete(s.sessions, id)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Close() error { return nil }
