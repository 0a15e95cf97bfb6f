package resilience

import (
	"sync"
	"time"

	"github.com/crystaldolphin/cirno/internal/clock"
)

// State is a circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig holds the thresholds of one breaker.
type BreakerConfig struct {
	FailureThreshold int           // failures within FailureWindow that open the circuit
	FailureWindow    time.Duration // rolling window; 0 counts every failure since the last success
	Cooldown         time.Duration // initial open duration
	MaxCooldown      time.Duration // cap for the doubled cooldown after failed probes
	HalfOpenMaxCalls int           // concurrent probes allowed while half-open
}

// Snapshot is a read-only view of a breaker.
type Snapshot struct {
	Key           string
	State         State
	Failures      int
	LastFailure   time.Time
	CooldownUntil time.Time
	Cooldown      time.Duration
}

// permit is handed out by allow and must be settled with exactly one of
// success, failure or release.
type permit struct {
	probe bool
	gen   uint64
}

// Breaker is the state machine guarding one endpoint. All transitions
// happen under mu.
type Breaker struct {
	key   string
	cfg   BreakerConfig
	clock clock.Clock

	mu            sync.Mutex
	state         State
	gen           uint64 // bumped on every transition; stale permits are ignored
	failures      []time.Time
	lastFailure   time.Time
	cooldown      time.Duration
	cooldownUntil time.Time
	probes        int
}

func newBreaker(key string, cfg BreakerConfig, clk clock.Clock) *Breaker {
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = 1
	}
	if cfg.HalfOpenMaxCalls < 1 {
		cfg.HalfOpenMaxCalls = 1
	}
	if cfg.MaxCooldown < cfg.Cooldown {
		cfg.MaxCooldown = cfg.Cooldown
	}
	return &Breaker{key: key, cfg: cfg, clock: clk, cooldown: cfg.Cooldown}
}

// allow admits a call or returns a *CircuitOpenError.
func (b *Breaker) allow() (permit, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	switch b.state {
	case StateClosed:
		return permit{gen: b.gen}, nil
	case StateOpen:
		if now.Before(b.cooldownUntil) {
			return permit{}, &CircuitOpenError{Key: b.key, RetryIn: b.cooldownUntil.Sub(now)}
		}
		b.transition(StateHalfOpen)
	}

	if b.probes >= b.cfg.HalfOpenMaxCalls {
		return permit{}, &CircuitOpenError{Key: b.key}
	}
	b.probes++
	return permit{probe: true, gen: b.gen}, nil
}

func (b *Breaker) success(p permit) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if p.gen != b.gen {
		return
	}
	switch b.state {
	case StateHalfOpen:
		b.cooldown = b.cfg.Cooldown
		b.transition(StateClosed)
	case StateClosed:
		b.failures = b.failures[:0]
	}
}

func (b *Breaker) failure(p permit) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	b.lastFailure = now
	if p.gen != b.gen {
		return
	}

	switch b.state {
	case StateHalfOpen:
		b.cooldown *= 2
		if b.cooldown > b.cfg.MaxCooldown {
			b.cooldown = b.cfg.MaxCooldown
		}
		b.open(now)
	case StateClosed:
		b.failures = append(b.pruneLocked(now), now)
		if len(b.failures) >= b.cfg.FailureThreshold {
			b.open(now)
		}
	}
}

// release returns a permit whose call neither succeeded nor failed,
// e.g. because the caller's context was cancelled.
func (b *Breaker) release(p permit) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if p.probe && p.gen == b.gen && b.state == StateHalfOpen && b.probes > 0 {
		b.probes--
	}
}

func (b *Breaker) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cooldown = b.cfg.Cooldown
	b.transition(StateClosed)
}

func (b *Breaker) snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Snapshot{
		Key:         b.key,
		State:       b.state,
		Failures:    len(b.pruneLocked(b.clock.Now())),
		LastFailure: b.lastFailure,
		Cooldown:    b.cooldown,
	}
	if b.state == StateOpen {
		s.CooldownUntil = b.cooldownUntil
	}
	return s
}

func (b *Breaker) open(now time.Time) {
	b.cooldownUntil = now.Add(b.cooldown)
	b.transition(StateOpen)
}

func (b *Breaker) transition(to State) {
	b.state = to
	b.gen++
	b.probes = 0
	if to == StateClosed {
		b.failures = b.failures[:0]
	}
}

// pruneLocked drops failures that fell out of the rolling window.
func (b *Breaker) pruneLocked(now time.Time) []time.Time {
	if b.cfg.FailureWindow <= 0 {
		return b.failures
	}
	cutoff := now.Add(-b.cfg.FailureWindow)
	i := 0
	for i < len(b.failures) && !b.failures[i].After(cutoff) {
		i++
	}
	b.failures = b.failures[i:]
	return b.failures
}
