package session

import (
	"sort"
	"sync"
	"time"
)

// Entry is what the tracker knows about one session.
type Entry struct {
	ID           string
	Scope        Scope
	CreatedAt    time.Time
	LastActiveAt time.Time
}

// Tracker records when sessions were first and last seen. Sessions are
// created lazily by Touch; the tracker holds no other per-session state.
type Tracker struct {
	mu      sync.Mutex
	entries map[string]*Entry
}

func NewTracker() *Tracker {
	return &Tracker{entries: make(map[string]*Entry)}
}

// Touch marks s active at t, creating its entry on first sight.
// It reports whether the session was new.
func (t *Tracker) Touch(s Session, at time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e, ok := t.entries[s.ID]; ok {
		if at.After(e.LastActiveAt) {
			e.LastActiveAt = at
		}
		return false
	}
	t.entries[s.ID] = &Entry{ID: s.ID, Scope: s.Scope, CreatedAt: at, LastActiveAt: at}
	return true
}

func (t *Tracker) Get(id string) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Snapshot returns all entries, most recently active first.
func (t *Tracker) Snapshot() []Entry {
	t.mu.Lock()
	out := make([]Entry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, *e)
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].LastActiveAt.After(out[j].LastActiveAt) })
	return out
}

// EvictIdle forgets sessions not active since before and returns how many
// were dropped. A later event recreates the entry under the same id.
func (t *Tracker) EvictIdle(before time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for id, e := range t.entries {
		if e.LastActiveAt.Before(before) {
			delete(t.entries, id)
			n++
		}
	}
	return n
}
