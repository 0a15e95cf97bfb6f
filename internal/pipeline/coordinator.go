// Package pipeline wires session routing, aggregation, the resilient
// engine call and history into the end-to-end message flow.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/crystaldolphin/cirno/internal/aggregator"
	"github.com/crystaldolphin/cirno/internal/bus"
	"github.com/crystaldolphin/cirno/internal/clock"
	"github.com/crystaldolphin/cirno/internal/engine"
	"github.com/crystaldolphin/cirno/internal/history"
	"github.com/crystaldolphin/cirno/internal/resilience"
	"github.com/crystaldolphin/cirno/internal/session"
)

// FallbackMode selects what users see when a turn cannot be answered.
type FallbackMode string

const (
	FallbackMessage FallbackMode = "message"
	FallbackSilent  FallbackMode = "silent"
)

// Settings configures a Coordinator.
type Settings struct {
	Aggregator       aggregator.Config
	OnShutdown       aggregator.ShutdownMode
	PrivateImmediate bool // private messages skip the debounce window
	HistoryLimit     int  // records of context sent with each turn
	Fallback         FallbackMode
	FallbackMessages map[string]string // keyed by failure kind, see FailureKind
	EngineKey        string            // executor endpoint key for engine calls
	MaxImages        int               // images passed to the engine per turn
}

func DefaultSettings() Settings {
	return Settings{
		Aggregator:       aggregator.DefaultConfig(),
		OnShutdown:       aggregator.ShutdownFlush,
		PrivateImmediate: true,
		HistoryLimit:     20,
		Fallback:         FallbackMessage,
		EngineKey:        "engine",
		MaxImages:        5,
	}
}

// Coordinator owns the aggregator and one execution lane per busy session.
// At most one engine call is in flight per session; turns that flush
// while a call is running wait in the lane in flush order.
type Coordinator struct {
	bus      bus.Bus
	resolver *session.Resolver
	tracker  *session.Tracker
	executor *resilience.Executor
	engine   engine.Engine
	history  history.Store
	settings Settings
	clock    clock.Clock

	agg *aggregator.Aggregator

	mu    sync.Mutex
	lanes map[string]*lane
	wg    sync.WaitGroup
}

type lane struct {
	queue []aggregator.Turn
}

func NewCoordinator(
	b bus.Bus,
	resolver *session.Resolver,
	tracker *session.Tracker,
	executor *resilience.Executor,
	eng engine.Engine,
	store history.Store,
	settings Settings,
	clk clock.Clock,
) *Coordinator {
	if settings.EngineKey == "" {
		settings.EngineKey = "engine"
	}
	if settings.OnShutdown == "" {
		settings.OnShutdown = aggregator.ShutdownFlush
	}
	c := &Coordinator{
		bus:      b,
		resolver: resolver,
		tracker:  tracker,
		executor: executor,
		engine:   eng,
		history:  store,
		settings: settings,
		clock:    clk,
		lanes:    make(map[string]*lane),
	}
	c.agg = aggregator.New(settings.Aggregator, c.enqueue, aggregator.WithClock(clk))
	return c
}

// Aggregator exposes the underlying aggregator for inspection.
func (c *Coordinator) Aggregator() *aggregator.Aggregator { return c.agg }

// Run consumes the inbound bus in arrival order until ctx is cancelled.
// Ingestion never waits on engine calls.
func (c *Coordinator) Run(ctx context.Context) error {
	slog.Info("pipeline: started")
	for {
		select {
		case msg := <-c.bus.InboundChan():
			if err := c.Ingest(msg); errors.Is(err, aggregator.ErrClosed) {
				slog.Debug("pipeline: event after shutdown dropped", "channel", msg.Channel(), "sender", msg.SenderId(), "preview", msg.Preview())
			}
		case <-ctx.Done():
			slog.Info("pipeline: stopping")
			return ctx.Err()
		}
	}
}

// Ingest validates msg, resolves its session and hands it to the
// aggregator. Invalid events are logged and dropped.
func (c *Coordinator) Ingest(msg bus.InboundMessage) error {
	if err := msg.Validate(); err != nil {
		slog.Warn("pipeline: dropped invalid event", "channel", msg.Channel(), "sender", msg.SenderId(), "err", err)
		return err
	}

	sess := c.resolver.ResolveMessage(msg)
	if c.tracker != nil && c.tracker.Touch(sess, c.clock.Now()) {
		slog.Info("pipeline: new session", "session", sess.ID, "scope", sess.Scope)
	}
	if c.settings.PrivateImmediate && !msg.Conversation().IsGroup() {
		msg.SetUrgent(true)
	}

	slog.Debug("pipeline: event", "session", sess.ID, "sender", msg.SenderId(), "preview", msg.Preview())
	return c.agg.Submit(sess.ID, msg)
}

// enqueue is the aggregator sink. It runs under the session's aggregator
// lock, so turns of one session are appended in flush order.
func (c *Coordinator) enqueue(turn aggregator.Turn) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := turn.SessionID()
	l, ok := c.lanes[id]
	if !ok {
		l = &lane{}
		c.lanes[id] = l
		c.wg.Add(1)
		go c.drain(id, l)
	}
	l.queue = append(l.queue, turn)
	if len(l.queue) > 1 {
		slog.Debug("pipeline: turn queued behind in-flight call", "session", id, "queued", len(l.queue))
	}
}

func (c *Coordinator) drain(id string, l *lane) {
	defer c.wg.Done()
	for {
		c.mu.Lock()
		if len(l.queue) == 0 {
			delete(c.lanes, id)
			c.mu.Unlock()
			return
		}
		turn := l.queue[0]
		l.queue = l.queue[1:]
		c.mu.Unlock()

		c.process(turn)
	}
}

// Busy returns the number of sessions with a turn in flight or queued.
func (c *Coordinator) Busy() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.lanes)
}

// process runs one turn end to end. Engine calls are not tied to the
// gateway's lifetime: on shutdown they finish or hit their own deadline.
func (c *Coordinator) process(turn aggregator.Turn) {
	ctx := context.Background()
	id := turn.SessionID()

	var past []engine.Message
	if c.settings.HistoryLimit > 0 {
		recs, err := c.history.ReadRecent(ctx, id, c.settings.HistoryLimit)
		if err != nil {
			slog.Warn("pipeline: history read failed", "session", id, "err", err)
		}
		for _, r := range recs {
			past = append(past, engine.Message{Role: string(r.Role), Content: r.Content})
		}
	}

	req := engine.Request{
		SessionID: id,
		History:   past,
		Content:   turn.Content(),
		Images:    c.images(turn),
	}
	reply, err := resilience.Do(ctx, c.executor, c.settings.EngineKey, func(ctx context.Context) (engine.Reply, error) {
		return c.engine.Reply(ctx, req)
	})
	if err != nil {
		c.fail(turn, err)
		return
	}

	if _, err := c.history.AppendBatch(ctx, id, []history.Record{
		{Role: history.RoleUser, Content: turn.Content(), Timestamp: turn.CreatedAt()},
		{Role: history.RoleAssistant, Content: reply.Content, Timestamp: c.clock.Now()},
	}); err != nil {
		slog.Error("pipeline: exchange not recorded", "session", id, "turn", turn.ID(), "err", err)
	}

	if reply.Content == "" {
		slog.Info("pipeline: engine returned no text", "session", id, "turn", turn.ID())
		return
	}
	slog.Info("pipeline: replied", "session", id, "turn", turn.ID(), "messages", turn.Len(), "chars", len(reply.Content))
	c.bus.PublishOutbound(bus.NewOutboundMessage(turn.Target(), reply.Content))
}

// images returns the turn's images, the first MaxImages of them.
func (c *Coordinator) images(turn aggregator.Turn) []string {
	urls := turn.Images()
	if len(urls) > c.settings.MaxImages {
		slog.Debug("pipeline: images dropped", "turn", turn.ID(), "dropped", len(urls)-c.settings.MaxImages)
		urls = urls[:c.settings.MaxImages]
	}
	return urls
}

func (c *Coordinator) fail(turn aggregator.Turn, err error) {
	kind := FailureKind(err)
	attrs := []any{"session", turn.SessionID(), "turn", turn.ID(), "kind", kind, "err", err}
	if errors.Is(err, resilience.ErrCircuitOpen) {
		slog.Warn("pipeline: engine unavailable", attrs...)
	} else {
		slog.Error("pipeline: turn failed", attrs...)
	}

	if c.settings.Fallback == FallbackSilent {
		return
	}
	out := bus.NewOutboundMessage(turn.Target(), c.fallbackText(kind))
	out.SetFallback(true)
	c.bus.PublishOutbound(out)
}

// Shutdown stops the aggregator, flushing or discarding pending batches
// per settings, then waits for every lane to drain or ctx to end.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	n := c.agg.Close(c.settings.OnShutdown)
	slog.Info("pipeline: shutting down", "pending_batches", n, "mode", c.settings.OnShutdown)

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
