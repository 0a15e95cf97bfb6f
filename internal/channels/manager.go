package channels

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/crystaldolphin/cirno/internal/bus"
	"github.com/crystaldolphin/cirno/internal/config"
	"github.com/crystaldolphin/cirno/internal/resilience"
)

// Manager owns all enabled channels and routes outbound messages. Sends to
// one target are serialised and paced; different targets send concurrently.
type Manager struct {
	bus      bus.Bus
	executor *resilience.Executor
	channels map[bus.ChannelType]registered

	mu       sync.Mutex
	lanes    map[string]*sendLane
	wg       sync.WaitGroup
	inflight atomic.Int64 // received from the bus, not yet sent or dropped
}

type registered struct {
	ch       Channel
	interval time.Duration
}

// sendLane serialises sends to one target. It exists while the target
// has queued replies and retires once idle for a send interval.
type sendLane struct {
	queue   chan bus.OutboundMessage
	limiter *rate.Limiter
	waiters int // route calls blocked on a full queue; guarded by Manager.mu
}

const sendLaneQueue = 32

// NewManager creates a Manager and initialises all enabled gateway channels.
func NewManager(cfg *config.Config, b bus.Bus, executor *resilience.Executor) *Manager {
	m := &Manager{
		bus:      b,
		executor: executor,
		channels: make(map[bus.ChannelType]registered),
		lanes:    make(map[string]*sendLane),
	}

	ch := cfg.Channels
	if ch.OneBot.Enabled {
		m.Register(NewOneBotChannel(&ch.OneBot, b, executor), ch.OneBot.SendInterval.D())
	}
	if ch.Telegram.Enabled {
		m.Register(NewTelegramChannel(&ch.Telegram, b, executor), ch.Telegram.SendInterval.D())
	}
	if ch.Slack.Enabled {
		m.Register(NewSlackChannel(&ch.Slack, b), ch.Slack.SendInterval.D())
	}
	return m
}

// Register adds ch. interval is the minimum gap between two sends to the
// same target; zero disables pacing.
func (m *Manager) Register(ch Channel, interval time.Duration) {
	m.channels[bus.ChannelType(ch.Name())] = registered{ch: ch, interval: interval}
	slog.Info("channels: enabled", "name", ch.Name(), "send_interval", interval)
}

// EnabledChannels returns the names of all registered channels.
func (m *Manager) EnabledChannels() []string {
	names := make([]string, 0, len(m.channels))
	for n := range m.channels {
		names = append(names, string(n))
	}
	sort.Strings(names)
	return names
}

// StartAll starts all channels concurrently. Blocks until ctx is cancelled.
func (m *Manager) StartAll(ctx context.Context) error {
	var wg sync.WaitGroup
	for name, r := range m.channels {
		wg.Add(1)
		go func(n bus.ChannelType, c Channel) {
			defer wg.Done()
			slog.Info("channels: starting", "name", n)
			if err := c.Start(ctx); err != nil && ctx.Err() == nil {
				slog.Error("channels: exited with error", "name", n, "err", err)
			}
		}(name, r.ch)
	}

	<-ctx.Done()
	wg.Wait()
	return ctx.Err()
}

// DispatchOutbound reads the outbound bus and hands each message to its
// target's send lane until ctx is cancelled, then waits for the lanes.
// It runs on its own context so replies produced during shutdown can
// still be delivered.
func (m *Manager) DispatchOutbound(ctx context.Context) error {
	defer m.wg.Wait()
	for {
		select {
		case msg := <-m.bus.OutboundChan():
			m.inflight.Add(1)
			m.route(ctx, msg)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (m *Manager) route(ctx context.Context, msg bus.OutboundMessage) {
	r, ok := m.channels[msg.Channel()]
	if !ok {
		m.inflight.Add(-1)
		slog.Debug("channels: no channel for outbound message", "channel", msg.Channel())
		return
	}

	key := msg.Target().Key()
	m.mu.Lock()
	l, ok := m.lanes[key]
	if !ok {
		limit := rate.Inf
		if r.interval > 0 {
			limit = rate.Every(r.interval)
		}
		l = &sendLane{
			queue:   make(chan bus.OutboundMessage, sendLaneQueue),
			limiter: rate.NewLimiter(limit, 1),
		}
		m.lanes[key] = l
		m.wg.Add(1)
		go m.runLane(ctx, key, r, l)
	}
	select {
	case l.queue <- msg:
		m.mu.Unlock()
		return
	default:
	}
	// Full: wait outside the lock. The lane cannot retire while waiters > 0.
	l.waiters++
	m.mu.Unlock()

	select {
	case l.queue <- msg:
	case <-ctx.Done():
		m.inflight.Add(-1)
	}
	m.mu.Lock()
	l.waiters--
	m.mu.Unlock()
}

func (m *Manager) runLane(ctx context.Context, key string, r registered, l *sendLane) {
	defer m.wg.Done()
	for {
		select {
		case msg := <-l.queue:
			if !m.deliver(ctx, key, r.ch, l, msg) {
				m.retire(key, l)
				return
			}
			continue
		case <-ctx.Done():
			m.retire(key, l)
			return
		default:
		}

		// Linger for one interval so the next reply to this target is
		// still paced against the last one.
		if r.interval > 0 {
			idle := time.NewTimer(r.interval)
			select {
			case msg := <-l.queue:
				idle.Stop()
				if !m.deliver(ctx, key, r.ch, l, msg) {
					m.retire(key, l)
					return
				}
				continue
			case <-ctx.Done():
				idle.Stop()
				m.retire(key, l)
				return
			case <-idle.C:
			}
		}

		m.mu.Lock()
		if len(l.queue) == 0 && l.waiters == 0 {
			delete(m.lanes, key)
			m.mu.Unlock()
			return
		}
		m.mu.Unlock()
	}
}

// deliver paces and sends one message. It reports false when ctx ended.
func (m *Manager) deliver(ctx context.Context, key string, ch Channel, l *sendLane, msg bus.OutboundMessage) bool {
	defer m.inflight.Add(-1)
	if err := l.limiter.Wait(ctx); err != nil {
		return false
	}
	if err := m.send(ctx, ch, msg); err != nil {
		slog.Error("channels: send failed", "target", key, "fallback", msg.Fallback(), "err", err)
	}
	return true
}

func (m *Manager) retire(key string, l *sendLane) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lanes[key] == l {
		delete(m.lanes, key)
	}
}

// Drain waits until the outbound bus is empty and every received reply
// has been sent or dropped, or ctx ends. DispatchOutbound must be running.
func (m *Manager) Drain(ctx context.Context) error {
	ticker := time.NewTicker(25 * time.Millisecond)
	defer ticker.Stop()
	idle := 0
	for {
		if m.outboundQueued() == 0 && m.inflight.Load() == 0 {
			idle++
		} else {
			idle = 0
		}
		// Two quiet ticks in a row: a reply taken off the bus is counted
		// within one tick.
		if idle >= 2 {
			return nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (m *Manager) outboundQueued() int {
	if q, ok := m.bus.(interface{ OutboundSize() int }); ok {
		return q.OutboundSize()
	}
	return 0
}

// send delivers msg through the executor under "gateway:<channel>", so a
// failing platform trips its own breaker without affecting the engine.
func (m *Manager) send(ctx context.Context, ch Channel, msg bus.OutboundMessage) error {
	return m.executor.Execute(ctx, "gateway:"+ch.Name(), func(ctx context.Context) error {
		return ch.Send(ctx, msg)
	})
}
