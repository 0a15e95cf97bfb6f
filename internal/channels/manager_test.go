package channels

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crystaldolphin/cirno/internal/bus"
	"github.com/crystaldolphin/cirno/internal/config"
	"github.com/crystaldolphin/cirno/internal/resilience"
)

type sentAt struct {
	msg bus.OutboundMessage
	at  time.Time
}

type fakeChannel struct {
	name string

	mu       sync.Mutex
	sent     []sentAt
	failures int // first n sends fail
}

func (f *fakeChannel) Name() string { return f.name }

func (f *fakeChannel) Start(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func (f *fakeChannel) Send(_ context.Context, msg bus.OutboundMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return errors.New("connection reset")
	}
	f.sent = append(f.sent, sentAt{msg: msg, at: time.Now()})
	return nil
}

func (f *fakeChannel) deliveries() []sentAt {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentAt(nil), f.sent...)
}

func newTestManager(b bus.Bus, policy resilience.Policy) *Manager {
	cfg := config.DefaultConfig()
	return NewManager(&cfg, b, resilience.NewExecutor(policy))
}

func fastPolicy() resilience.Policy {
	return resilience.Policy{
		Breaker:     resilience.BreakerConfig{FailureThreshold: 5, HalfOpenMaxCalls: 1, Cooldown: time.Second},
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
	}
}

func runDispatch(t *testing.T, m *Manager) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.DispatchOutbound(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestManagerNoChannelsByDefault(t *testing.T) {
	m := newTestManager(bus.NewMessageBus(1), fastPolicy())
	assert.Empty(t, m.EnabledChannels())
}

func TestManagerPacesPerTarget(t *testing.T) {
	b := bus.NewMessageBus(16)
	m := newTestManager(b, fastPolicy())
	fake := &fakeChannel{name: "fake"}
	m.Register(fake, 150*time.Millisecond)
	assert.Equal(t, []string{"fake"}, m.EnabledChannels())
	runDispatch(t, m)

	a := bus.Target{Channel: "fake", ChatId: "a", Group: true}
	other := bus.Target{Channel: "fake", ChatId: "b", Group: true}
	b.PublishOutbound(bus.NewOutboundMessage(a, "a1"))
	b.PublishOutbound(bus.NewOutboundMessage(a, "a2"))
	b.PublishOutbound(bus.NewOutboundMessage(other, "b1"))

	require.Eventually(t, func() bool { return len(fake.deliveries()) == 3 }, 2*time.Second, 10*time.Millisecond)

	at := map[string]time.Time{}
	var order []string
	for _, d := range fake.deliveries() {
		at[d.msg.Content()] = d.at
		order = append(order, d.msg.Content())
	}
	assert.Less(t, indexOf(order, "a1"), indexOf(order, "a2"), "same-target order kept")
	assert.GreaterOrEqual(t, at["a2"].Sub(at["a1"]), 120*time.Millisecond)
	assert.True(t, at["b1"].Before(at["a2"]), "other target is not held behind a's pacing")
}

func TestManagerRetriesTransientSendFailures(t *testing.T) {
	b := bus.NewMessageBus(4)
	m := newTestManager(b, fastPolicy())
	fake := &fakeChannel{name: "fake", failures: 2}
	m.Register(fake, 0)
	runDispatch(t, m)

	b.PublishOutbound(bus.NewOutboundMessage(bus.Target{Channel: "fake", ChatId: "x"}, "hello"))

	require.Eventually(t, func() bool { return len(fake.deliveries()) == 1 }, 2*time.Second, 5*time.Millisecond)
	snap := m.executor.Snapshot("gateway:fake")
	assert.Equal(t, resilience.StateClosed, snap.State)
	assert.Equal(t, 0, snap.Failures)
}

func TestManagerDropsUnknownChannel(t *testing.T) {
	b := bus.NewMessageBus(4)
	m := newTestManager(b, fastPolicy())
	fake := &fakeChannel{name: "fake"}
	m.Register(fake, 0)
	runDispatch(t, m)

	b.PublishOutbound(bus.NewOutboundMessage(bus.Target{Channel: "nowhere", ChatId: "x"}, "lost"))
	b.PublishOutbound(bus.NewOutboundMessage(bus.Target{Channel: "fake", ChatId: "x"}, "kept"))

	require.Eventually(t, func() bool { return len(fake.deliveries()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "kept", fake.deliveries()[0].msg.Content())
}

func TestManagerDrainWaitsForPacedSends(t *testing.T) {
	b := bus.NewMessageBus(8)
	m := newTestManager(b, fastPolicy())
	fake := &fakeChannel{name: "fake"}
	m.Register(fake, 100*time.Millisecond)
	runDispatch(t, m)

	target := bus.Target{Channel: "fake", ChatId: "x"}
	for _, text := range []string{"one", "two", "three"} {
		b.PublishOutbound(bus.NewOutboundMessage(target, text))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, m.Drain(ctx))
	assert.Len(t, fake.deliveries(), 3)
}

func (m *Manager) openLanes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.lanes)
}

func TestManagerRetiresIdleLanes(t *testing.T) {
	b := bus.NewMessageBus(64)
	m := newTestManager(b, fastPolicy())
	fake := &fakeChannel{name: "fake"}
	m.Register(fake, 20*time.Millisecond)
	runDispatch(t, m)

	const targets = 200
	go func() {
		for i := 0; i < targets; i++ {
			b.PublishOutbound(bus.NewOutboundMessage(bus.Target{Channel: "fake", ChatId: fmt.Sprint(i)}, "hi"))
		}
	}()

	require.Eventually(t, func() bool { return len(fake.deliveries()) == targets }, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return m.openLanes() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestManagerPacingSurvivesLaneRetirement(t *testing.T) {
	b := bus.NewMessageBus(4)
	m := newTestManager(b, fastPolicy())
	fake := &fakeChannel{name: "fake"}
	m.Register(fake, 100*time.Millisecond)
	runDispatch(t, m)

	target := bus.Target{Channel: "fake", ChatId: "x"}
	b.PublishOutbound(bus.NewOutboundMessage(target, "one"))
	require.Eventually(t, func() bool { return len(fake.deliveries()) == 1 }, 2*time.Second, 5*time.Millisecond)
	b.PublishOutbound(bus.NewOutboundMessage(target, "two"))
	require.Eventually(t, func() bool { return len(fake.deliveries()) == 2 }, 2*time.Second, 5*time.Millisecond)

	d := fake.deliveries()
	assert.GreaterOrEqual(t, d[1].at.Sub(d[0].at), 80*time.Millisecond)
	require.Eventually(t, func() bool { return m.openLanes() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func indexOf(s []string, v string) int {
	for i, x := range s {
		if x == v {
			return i
		}
	}
	return -1
}
