// Package aggregator merges bursts of messages for one session into a
// single Turn using a per-session debounce timer and a hard deadline.
package aggregator

import (
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/crystaldolphin/cirno/internal/bus"
	"github.com/crystaldolphin/cirno/internal/clock"
)

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("aggregator: closed")

// ShutdownMode selects what Close does with pending batches.
type ShutdownMode string

const (
	ShutdownFlush   ShutdownMode = "flush"
	ShutdownDiscard ShutdownMode = "discard"
)

// Config holds the batching limits.
type Config struct {
	DebounceWindow   time.Duration // idle time after the newest event before flushing
	MaxBatchAge      time.Duration // hard deadline measured from the first event
	MaxBatchMessages int           // 0 disables the count ceiling
	MaxBatchBytes    int           // 0 disables the byte ceiling
	FlushMarkers     []string      // message suffixes that flush immediately
}

func DefaultConfig() Config {
	return Config{
		DebounceWindow:   5 * time.Second,
		MaxBatchAge:      10 * time.Second,
		MaxBatchMessages: 20,
		MaxBatchBytes:    16 << 10,
	}
}

// Sink receives every Turn. It is called with the session's lock held,
// so Turns of one session arrive in order; it must not block for long
// and must not call back into the Aggregator.
type Sink func(Turn)

type Option func(*Aggregator)

func WithClock(c clock.Clock) Option { return func(a *Aggregator) { a.clock = c } }

// Aggregator owns one pending batch per session.
type Aggregator struct {
	cfg   Config
	clock clock.Clock
	sink  Sink

	closed atomic.Bool

	mu    sync.Mutex
	slots map[string]*slot
}

// slot serializes everything that touches one session's batch.
type slot struct {
	refs int // guarded by Aggregator.mu

	mu    sync.Mutex
	batch *batch
}

type batch struct {
	messages []bus.InboundMessage
	bytes    int
	openedAt time.Time

	debounce    *clock.Timer
	debounceGen uint64
	deadline    *clock.Timer
}

func (b *batch) target() string {
	return b.messages[len(b.messages)-1].Target().Key()
}

func (b *batch) stopTimers() {
	b.debounce.Stop()
	b.deadline.Stop()
}

func New(cfg Config, sink Sink, opts ...Option) *Aggregator {
	def := DefaultConfig()
	if cfg.DebounceWindow <= 0 {
		cfg.DebounceWindow = def.DebounceWindow
	}
	if cfg.MaxBatchAge <= 0 {
		cfg.MaxBatchAge = def.MaxBatchAge
	}
	a := &Aggregator{
		cfg:   cfg,
		clock: clock.Real(),
		sink:  sink,
		slots: make(map[string]*slot),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Aggregator) acquire(sessionID string, create bool) *slot {
	a.mu.Lock()
	defer a.mu.Unlock()

	s, ok := a.slots[sessionID]
	if !ok {
		if !create {
			return nil
		}
		s = &slot{}
		a.slots[sessionID] = s
	}
	s.refs++
	return s
}

func (a *Aggregator) release(sessionID string, s *slot) {
	a.mu.Lock()
	defer a.mu.Unlock()

	s.refs--
	if s.refs > 0 {
		return
	}
	s.mu.Lock()
	idle := s.batch == nil
	s.mu.Unlock()
	if idle {
		delete(a.slots, sessionID)
	}
}

// Submit appends msg to the session's pending batch, opening one if
// needed. A pending batch for a different chat is flushed first. The
// batch flushes immediately when msg is urgent, ends with a
// flush marker, or pushes the batch to its size ceiling; otherwise the
// debounce timer is restarted.
func (a *Aggregator) Submit(sessionID string, msg bus.InboundMessage) error {
	if a.closed.Load() {
		return ErrClosed
	}

	s := a.acquire(sessionID, true)
	defer a.release(sessionID, s)

	s.mu.Lock()
	defer s.mu.Unlock()
	// Close may have drained this slot while we waited for it.
	if a.closed.Load() {
		return ErrClosed
	}

	// A batch answers one chat. A global session that moves to another
	// chat closes the open batch first, so each reply goes where its
	// messages came from.
	if s.batch != nil && s.batch.target() != msg.Target().Key() {
		a.flushLocked(sessionID, s, FlushTargetChanged)
	}

	b := s.batch
	if b == nil {
		b = &batch{openedAt: a.clock.Now()}
		b.deadline = a.clock.AfterFunc(a.cfg.MaxBatchAge, func() {
			a.fire(sessionID, b, 0, FlushHardDeadline)
		})
		s.batch = b
		slog.Debug("aggregator: batch opened", "session", sessionID, "max_age", a.cfg.MaxBatchAge)
	}
	b.messages = append(b.messages, msg)
	b.bytes += msg.Size()

	switch {
	case a.explicit(msg):
		a.flushLocked(sessionID, s, FlushExplicit)
	case a.full(b):
		a.flushLocked(sessionID, s, FlushSizeLimit)
	default:
		b.debounce.Stop()
		b.debounceGen++
		gen := b.debounceGen
		b.debounce = a.clock.AfterFunc(a.cfg.DebounceWindow, func() {
			a.fire(sessionID, b, gen, FlushDebounce)
		})
	}
	return nil
}

// fire is the timer callback. A timer that lost the race against a
// flush or a debounce reset finds a different batch or generation and
// does nothing.
func (a *Aggregator) fire(sessionID string, b *batch, gen uint64, reason FlushReason) {
	s := a.acquire(sessionID, false)
	if s == nil {
		return
	}
	defer a.release(sessionID, s)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.batch != b {
		return
	}
	if reason == FlushDebounce && b.debounceGen != gen {
		return
	}
	a.flushLocked(sessionID, s, reason)
}

func (a *Aggregator) flushLocked(sessionID string, s *slot, reason FlushReason) Turn {
	b := s.batch
	s.batch = nil
	b.stopTimers()

	turn := newTurn(sessionID, b, reason, a.clock.Now())
	slog.Info("aggregator: flushed",
		"session", sessionID,
		"turn", turn.ID(),
		"messages", turn.Len(),
		"reason", reason,
		"age", turn.CreatedAt().Sub(turn.OpenedAt()))
	if a.sink != nil {
		a.sink(turn)
	}
	return turn
}

func (a *Aggregator) explicit(msg bus.InboundMessage) bool {
	if msg.Urgent() {
		return true
	}
	text := msg.PlainText()
	if text == "" {
		return false
	}
	for _, marker := range a.cfg.FlushMarkers {
		if marker != "" && strings.HasSuffix(text, marker) {
			return true
		}
	}
	return false
}

func (a *Aggregator) full(b *batch) bool {
	if a.cfg.MaxBatchMessages > 0 && len(b.messages) >= a.cfg.MaxBatchMessages {
		return true
	}
	return a.cfg.MaxBatchBytes > 0 && b.bytes >= a.cfg.MaxBatchBytes
}

// Flush finalizes the session's batch now, hands the Turn to the sink and
// returns it. It reports false when there is nothing pending, so a second
// call without an intervening Submit is a no-op.
func (a *Aggregator) Flush(sessionID string) (Turn, bool) {
	s := a.acquire(sessionID, false)
	if s == nil {
		return Turn{}, false
	}
	defer a.release(sessionID, s)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.batch == nil {
		return Turn{}, false
	}
	return a.flushLocked(sessionID, s, FlushExplicit), true
}

// Pending returns the number of messages waiting in the session's batch.
func (a *Aggregator) Pending(sessionID string) int {
	s := a.acquire(sessionID, false)
	if s == nil {
		return 0
	}
	defer a.release(sessionID, s)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.batch == nil {
		return 0
	}
	return len(s.batch.messages)
}

// Active lists the sessions that have a pending batch, sorted.
func (a *Aggregator) Active() []string {
	a.mu.Lock()
	ids := make([]string, 0, len(a.slots))
	for id := range a.slots {
		ids = append(ids, id)
	}
	a.mu.Unlock()

	out := ids[:0]
	for _, id := range ids {
		if a.Pending(id) > 0 {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Close stops accepting events and either flushes every pending batch
// (reason FlushShutdown) or drops them. It returns the number of batches
// handled. Close is idempotent.
func (a *Aggregator) Close(mode ShutdownMode) int {
	a.mu.Lock()
	if a.closed.Swap(true) {
		a.mu.Unlock()
		return 0
	}
	ids := make([]string, 0, len(a.slots))
	for id := range a.slots {
		ids = append(ids, id)
	}
	a.mu.Unlock()
	sort.Strings(ids)

	n := 0
	for _, id := range ids {
		s := a.acquire(id, false)
		if s == nil {
			continue
		}
		s.mu.Lock()
		if s.batch != nil {
			n++
			if mode == ShutdownDiscard {
				s.batch.stopTimers()
				slog.Warn("aggregator: discarded pending batch", "session", id, "messages", len(s.batch.messages))
				s.batch = nil
			} else {
				a.flushLocked(id, s, FlushShutdown)
			}
		}
		s.mu.Unlock()
		a.release(id, s)
	}
	return n
}
