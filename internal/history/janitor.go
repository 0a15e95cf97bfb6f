package history

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	robfigcron "github.com/robfig/cron/v3"

	"github.com/crystaldolphin/cirno/internal/clock"
)

// IdleEvicter drops in-memory state for sessions idle since before.
type IdleEvicter interface {
	EvictIdle(before time.Time) int
}

// Janitor periodically prunes sessions that have been idle longer than
// the configured TTL, both from the store and from any registered evicters.
type Janitor struct {
	store    Store
	evicters []IdleEvicter
	ttl      time.Duration
	schedule robfigcron.Schedule
	expr     string
	clock    clock.Clock
}

// NewJanitor parses expr (standard five-field cron, or descriptors such as
// "@hourly") and returns a Janitor. A non-positive ttl disables pruning.
func NewJanitor(store Store, ttl time.Duration, expr string, clk clock.Clock, evicters ...IdleEvicter) (*Janitor, error) {
	parser := robfigcron.NewParser(
		robfigcron.Minute | robfigcron.Hour | robfigcron.Dom | robfigcron.Month | robfigcron.Dow | robfigcron.Descriptor,
	)
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("history: invalid prune schedule %q: %w", expr, err)
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Janitor{
		store:    store,
		evicters: evicters,
		ttl:      ttl,
		schedule: sched,
		expr:     expr,
		clock:    clk,
	}, nil
}

// Start runs the prune job on schedule until ctx is cancelled. The
// schedule follows wall-clock time; only the prune cutoff reads j.clock.
func (j *Janitor) Start(ctx context.Context) error {
	if j.ttl <= 0 {
		slog.Info("history: janitor disabled (no idle ttl)")
		<-ctx.Done()
		return ctx.Err()
	}

	c := robfigcron.New()
	c.Schedule(j.schedule, robfigcron.FuncJob(func() {
		if _, err := j.RunOnce(ctx); err != nil && ctx.Err() == nil {
			slog.Warn("history: prune failed", "err", err)
		}
	}))
	c.Start()
	slog.Info("history: janitor started", "schedule", j.expr, "ttl", j.ttl)

	<-ctx.Done()
	<-c.Stop().Done()
	return ctx.Err()
}

// RunOnce prunes everything idle for longer than the TTL and returns the
// number of stored sessions removed.
func (j *Janitor) RunOnce(ctx context.Context) (int, error) {
	cutoff := j.clock.Now().Add(-j.ttl)
	n, err := j.store.Prune(ctx, cutoff)
	if err != nil {
		return n, err
	}
	evicted := 0
	for _, e := range j.evicters {
		evicted += e.EvictIdle(cutoff)
	}
	if n > 0 || evicted > 0 {
		slog.Info("history: pruned idle sessions", "stored", n, "tracked", evicted)
	}
	return n, nil
}
