// Package resilience runs outbound calls through a per-endpoint circuit
// breaker with bounded, jittered retry nested inside each admitted call.
package resilience

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/crystaldolphin/cirno/internal/clock"
)

// Policy configures the breaker and retry loop for an endpoint.
type Policy struct {
	Breaker     BreakerConfig
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	CallTimeout time.Duration // per attempt; 0 means only the caller's deadline applies
}

// DefaultPolicy mirrors the reasoning-engine breaker: five failures in a
// minute open the circuit for a minute.
func DefaultPolicy() Policy {
	return Policy{
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			FailureWindow:    60 * time.Second,
			Cooldown:         60 * time.Second,
			MaxCooldown:      10 * time.Minute,
			HalfOpenMaxCalls: 1,
		},
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    60 * time.Second,
		CallTimeout: 120 * time.Second,
	}
}

// Executor owns the breaker table. It is safe for concurrent use; the
// table lock is held only for lookups, so endpoints never contend on each
// other's state.
type Executor struct {
	clock     clock.Clock
	defaults  Policy
	overrides map[string]Policy
	jitter    func() float64

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// Option customises an Executor.
type Option func(*Executor)

func WithClock(c clock.Clock) Option { return func(e *Executor) { e.clock = c } }

// WithPolicy overrides the policy for an endpoint key. A key "gateway"
// also applies to "gateway:<anything>" unless that key has its own entry.
func WithPolicy(key string, p Policy) Option {
	return func(e *Executor) { e.overrides[key] = p }
}

// WithJitter replaces the random source used for backoff jitter.
func WithJitter(r func() float64) Option { return func(e *Executor) { e.jitter = r } }

func NewExecutor(defaults Policy, opts ...Option) *Executor {
	e := &Executor{
		clock:     clock.Real(),
		defaults:  defaults,
		overrides: make(map[string]Policy),
		breakers:  make(map[string]*Breaker),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// PolicyFor returns the effective policy of key.
func (e *Executor) PolicyFor(key string) Policy {
	if p, ok := e.overrides[key]; ok {
		return p
	}
	if prefix, _, found := strings.Cut(key, ":"); found {
		if p, ok := e.overrides[prefix]; ok {
			return p
		}
	}
	return e.defaults
}

func (e *Executor) breaker(key string) *Breaker {
	e.mu.Lock()
	defer e.mu.Unlock()

	b, ok := e.breakers[key]
	if !ok {
		b = newBreaker(key, e.PolicyFor(key).Breaker, e.clock)
		e.breakers[key] = b
	}
	return b
}

// Execute runs op against the endpoint key.
//
// It returns nil on success, or one of:
//   - *CircuitOpenError (errors.Is ErrCircuitOpen) without calling op;
//   - *NonRetryableError as soon as op fails with a non-retryable error;
//   - *RetriesExhaustedError after MaxAttempts retryable failures;
//   - ctx.Err() if the caller's context ends first.
//
// Each terminal failure counts once against the breaker; cancellation
// does not count.
func (e *Executor) Execute(ctx context.Context, key string, op func(ctx context.Context) error) error {
	policy := e.PolicyFor(key)
	br := e.breaker(key)

	p, err := br.allow()
	if err != nil {
		slog.Debug("resilience: call rejected", "key", key, "err", err)
		return err
	}

	backoff := Backoff{Base: policy.BaseDelay, Max: policy.MaxDelay, Jitter: 0.25, Rand: e.jitter}
	attempts := max(policy.MaxAttempts, 1)

	var last error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := backoff.Delay(attempt - 1)
			if ra := RetryAfterOf(last); ra > delay {
				delay = ra
			}
			select {
			case <-ctx.Done():
				br.release(p)
				return ctx.Err()
			case <-e.clock.After(delay):
			}
		}

		err := e.attempt(ctx, policy, op)
		if err == nil {
			br.success(p)
			return nil
		}
		if ctx.Err() != nil {
			br.release(p)
			return ctx.Err()
		}
		last = err

		if !IsRetryable(err) {
			br.failure(p)
			slog.Warn("resilience: non-retryable failure", "key", key, "attempt", attempt+1, "err", err)
			return &NonRetryableError{Key: key, Attempt: attempt + 1, Err: err}
		}
		if attempt+1 < attempts {
			slog.Warn("resilience: transient failure, retrying", "key", key, "attempt", attempt+1, "err", err)
		}
	}

	br.failure(p)
	slog.Warn("resilience: retries exhausted", "key", key, "attempts", attempts, "err", last)
	return &RetriesExhaustedError{Key: key, Attempts: attempts, Err: last}
}

func (e *Executor) attempt(ctx context.Context, policy Policy, op func(ctx context.Context) error) error {
	if policy.CallTimeout <= 0 {
		return op(ctx)
	}
	actx, cancel := context.WithTimeout(ctx, policy.CallTimeout)
	defer cancel()
	return op(actx)
}

// Do is Execute for operations that produce a value.
func Do[T any](ctx context.Context, e *Executor, key string, op func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := e.Execute(ctx, key, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// Snapshot returns the current view of key's breaker.
func (e *Executor) Snapshot(key string) Snapshot {
	return e.breaker(key).snapshot()
}

// Snapshots returns every known breaker, sorted by key.
func (e *Executor) Snapshots() []Snapshot {
	e.mu.Lock()
	bs := make([]*Breaker, 0, len(e.breakers))
	for _, b := range e.breakers {
		bs = append(bs, b)
	}
	e.mu.Unlock()

	out := make([]Snapshot, 0, len(bs))
	for _, b := range bs {
		out = append(out, b.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Reset forces key's breaker back to closed.
func (e *Executor) Reset(key string) {
	e.breaker(key).reset()
}
