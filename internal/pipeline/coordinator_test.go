package pipeline

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/crystaldolphin/cirno/internal/aggregator"
	"github.com/crystaldolphin/cirno/internal/bus"
	"github.com/crystaldolphin/cirno/internal/clock"
	"github.com/crystaldolphin/cirno/internal/engine"
	"github.com/crystaldolphin/cirno/internal/history"
	"github.com/crystaldolphin/cirno/internal/resilience"
	"github.com/crystaldolphin/cirno/internal/session"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var epoch = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	coord   *Coordinator
	bus     *bus.MessageBus
	clock   *clock.FakeClock
	store   *history.MemoryStore
	exec    *resilience.Executor
	tracker *session.Tracker
}

func newHarness(t *testing.T, eng engine.Engine, mutate func(*Settings, *resilience.Policy)) *harness {
	t.Helper()
	return newHarnessFor(t, session.Policy{}, eng, mutate)
}

func newHarnessFor(t *testing.T, sp session.Policy, eng engine.Engine, mutate func(*Settings, *resilience.Policy)) *harness {
	t.Helper()
	clk := clock.Fake(epoch)

	settings := DefaultSettings()
	settings.Aggregator = aggregator.Config{DebounceWindow: 3 * time.Second, MaxBatchAge: 10 * time.Second}
	policy := resilience.Policy{
		Breaker: resilience.BreakerConfig{
			FailureThreshold: 3,
			FailureWindow:    time.Minute,
			Cooldown:         30 * time.Second,
			HalfOpenMaxCalls: 1,
		},
		MaxAttempts: 1,
	}
	if mutate != nil {
		mutate(&settings, &policy)
	}

	h := &harness{
		bus:     bus.NewMessageBus(64),
		clock:   clk,
		store:   history.NewMemoryStore(50),
		exec:    resilience.NewExecutor(policy, resilience.WithClock(clk)),
		tracker: session.NewTracker(),
	}
	h.coord = NewCoordinator(h.bus, session.NewResolver(sp), h.tracker, h.exec, eng, h.store, settings, clk)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, h.coord.Shutdown(ctx))
	})
	return h
}

func (h *harness) outbound(t *testing.T) bus.OutboundMessage {
	t.Helper()
	select {
	case out := <-h.bus.OutboundChan():
		return out
	case <-time.After(5 * time.Second):
		t.Fatal("no outbound message")
		return bus.OutboundMessage{}
	}
}

func privateMsg(sender, text string) bus.InboundMessage {
	return bus.NewTextMessage(bus.ChannelOneBot, sender, sender, bus.Private(), text)
}

func groupMsg(group, sender, text string) bus.InboundMessage {
	return bus.NewTextMessage(bus.ChannelOneBot, sender, group, bus.Group(group), text)
}

func echo(prefix string) engine.Engine {
	return engine.Func(func(_ context.Context, req engine.Request) (engine.Reply, error) {
		return engine.Reply{Content: prefix + req.Content}, nil
	})
}

func TestPrivateMessageIsAnsweredAndRecorded(t *testing.T) {
	h := newHarness(t, echo("re: "), nil)

	require.NoError(t, h.coord.Ingest(privateMsg("42", "hello")))

	out := h.outbound(t)
	assert.Equal(t, "re: hello", out.Content())
	assert.Equal(t, "42", out.ChatId())
	assert.False(t, out.Target().Group)
	assert.False(t, out.Fallback())

	require.Eventually(t, func() bool { return h.coord.Busy() == 0 }, 5*time.Second, 5*time.Millisecond)
	recs, err := h.store.ReadRecent(context.Background(), "onebot:private_42", 10)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, history.RoleUser, recs[0].Role)
	assert.Equal(t, "hello", recs[0].Content)
	assert.Equal(t, history.RoleAssistant, recs[1].Role)
	assert.Equal(t, "re: hello", recs[1].Content)

	_, tracked := h.tracker.Get("onebot:private_42")
	assert.True(t, tracked)
}

func TestGroupBurstBecomesOneCall(t *testing.T) {
	var calls atomic.Int32
	eng := engine.Func(func(_ context.Context, req engine.Request) (engine.Reply, error) {
		calls.Add(1)
		return engine.Reply{Content: "ok"}, nil
	})
	h := newHarness(t, eng, nil)

	require.NoError(t, h.coord.Ingest(groupMsg("7", "1", "a")))
	h.clock.Advance(time.Second)
	require.NoError(t, h.coord.Ingest(groupMsg("7", "2", "b")))
	assert.Equal(t, 2, h.coord.Aggregator().Pending("onebot:group_7"))

	h.clock.Advance(3 * time.Second)
	out := h.outbound(t)
	assert.Equal(t, "7", out.ChatId())
	assert.True(t, out.Target().Group)
	assert.Equal(t, int32(1), calls.Load())
}

func TestGlobalUserRepliesGoToEachGroup(t *testing.T) {
	h := newHarnessFor(t, session.Policy{GlobalUsers: []string{"7"}}, echo("re: "), nil)

	require.NoError(t, h.coord.Ingest(groupMsg("A", "7", "secret for group A")))
	h.clock.Advance(time.Second)
	require.NoError(t, h.coord.Ingest(groupMsg("B", "7", "hi group B")))

	first := h.outbound(t)
	assert.Equal(t, "A", first.ChatId())
	assert.Contains(t, first.Content(), "secret for group A")
	assert.NotContains(t, first.Content(), "hi group B")

	h.clock.Advance(3 * time.Second)
	second := h.outbound(t)
	assert.Equal(t, "B", second.ChatId())
	assert.Contains(t, second.Content(), "hi group B")
	assert.NotContains(t, second.Content(), "secret for group A")

	require.Eventually(t, func() bool { return h.coord.Busy() == 0 }, 5*time.Second, 5*time.Millisecond)
	recs, err := h.store.ReadRecent(context.Background(), "onebot:global_7", 10)
	require.NoError(t, err)
	assert.Len(t, recs, 4)
}

func TestImagesCappedPerTurn(t *testing.T) {
	got := make(chan []string, 1)
	eng := engine.Func(func(_ context.Context, req engine.Request) (engine.Reply, error) {
		got <- req.Images
		return engine.Reply{Content: "nice"}, nil
	})
	h := newHarness(t, eng, func(s *Settings, _ *resilience.Policy) {
		s.MaxImages = 2
	})

	msg := bus.NewInboundMessage(bus.ChannelOneBot, "4", "4", bus.Private(),
		bus.TextSegment{Text: "look"},
		bus.ImageSegment{URL: "data:image/png;base64,AA=="},
		bus.ImageSegment{URL: "data:image/png;base64,BB=="},
		bus.ImageSegment{URL: "data:image/png;base64,CC=="},
	)
	require.NoError(t, h.coord.Ingest(msg))
	assert.Equal(t, []string{"data:image/png;base64,AA==", "data:image/png;base64,BB=="}, <-got)
	h.outbound(t)
}

func TestHistoryIsSentWithTurn(t *testing.T) {
	var got engine.Request
	eng := engine.Func(func(_ context.Context, req engine.Request) (engine.Reply, error) {
		got = req
		return engine.Reply{Content: "fine"}, nil
	})
	h := newHarness(t, eng, nil)

	ctx := context.Background()
	_, _ = h.store.Append(ctx, "onebot:private_5", history.Record{Role: history.RoleUser, Content: "earlier"})
	_, _ = h.store.Append(ctx, "onebot:private_5", history.Record{Role: history.RoleAssistant, Content: "noted"})

	require.NoError(t, h.coord.Ingest(privateMsg("5", "and now?")))
	h.outbound(t)

	assert.Equal(t, "onebot:private_5", got.SessionID)
	assert.Equal(t, []engine.Message{{Role: "user", Content: "earlier"}, {Role: "assistant", Content: "noted"}}, got.History)
	assert.Equal(t, "and now?", got.Content)
}

func TestNoConcurrentCallsPerSession(t *testing.T) {
	release := make(chan struct{})
	started := make(chan string, 4)
	var inFlight, maxInFlight atomic.Int32

	eng := engine.Func(func(_ context.Context, req engine.Request) (engine.Reply, error) {
		n := inFlight.Add(1)
		for {
			m := maxInFlight.Load()
			if n <= m || maxInFlight.CompareAndSwap(m, n) {
				break
			}
		}
		started <- req.Content
		<-release
		inFlight.Add(-1)
		return engine.Reply{Content: "re: " + req.Content}, nil
	})
	h := newHarness(t, eng, nil)

	require.NoError(t, h.coord.Ingest(privateMsg("1", "first")))
	assert.Equal(t, "first", <-started)

	require.NoError(t, h.coord.Ingest(privateMsg("1", "second")))
	select {
	case c := <-started:
		t.Fatalf("second call %q started while first in flight", c)
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, 1, h.coord.Busy())

	close(release)
	assert.Equal(t, "second", <-started)
	assert.Equal(t, "re: first", h.outbound(t).Content())
	assert.Equal(t, "re: second", h.outbound(t).Content())
	assert.Equal(t, int32(1), maxInFlight.Load())
}

func TestSessionsRunInParallel(t *testing.T) {
	release := make(chan struct{})
	started := make(chan string, 2)
	eng := engine.Func(func(_ context.Context, req engine.Request) (engine.Reply, error) {
		started <- req.SessionID
		<-release
		return engine.Reply{Content: "ok"}, nil
	})
	h := newHarness(t, eng, nil)

	require.NoError(t, h.coord.Ingest(privateMsg("1", "x")))
	require.NoError(t, h.coord.Ingest(privateMsg("2", "y")))

	got := map[string]bool{<-started: true, <-started: true}
	assert.True(t, got["onebot:private_1"])
	assert.True(t, got["onebot:private_2"])
	close(release)
	h.outbound(t)
	h.outbound(t)
}

func TestFallbackByFailureKind(t *testing.T) {
	eng := engine.Func(func(context.Context, engine.Request) (engine.Reply, error) {
		return engine.Reply{}, resilience.ClassifyHTTP(401, "invalid key")
	})
	h := newHarness(t, eng, func(s *Settings, _ *resilience.Policy) {
		s.FallbackMessages = map[string]string{KindAuth: "config problem"}
	})

	require.NoError(t, h.coord.Ingest(privateMsg("1", "hi")))
	out := h.outbound(t)
	assert.True(t, out.Fallback())
	assert.Equal(t, "config problem", out.Content())

	require.Eventually(t, func() bool { return h.coord.Busy() == 0 }, 5*time.Second, 5*time.Millisecond)
	recs, _ := h.store.ReadRecent(context.Background(), "onebot:private_1", 10)
	assert.Empty(t, recs, "failed turns are not recorded")
}

func TestCircuitOpenFallback(t *testing.T) {
	var calls atomic.Int32
	eng := engine.Func(func(context.Context, engine.Request) (engine.Reply, error) {
		calls.Add(1)
		return engine.Reply{}, resilience.ClassifyHTTP(503, "down")
	})
	h := newHarness(t, eng, func(_ *Settings, p *resilience.Policy) {
		p.Breaker.FailureThreshold = 1
	})

	require.NoError(t, h.coord.Ingest(privateMsg("1", "one")))
	assert.Equal(t, defaultFallbacks[KindDefault], h.outbound(t).Content())

	require.NoError(t, h.coord.Ingest(privateMsg("1", "two")))
	assert.Equal(t, defaultFallbacks[KindCircuitOpen], h.outbound(t).Content())
	assert.Equal(t, int32(1), calls.Load())
}

func TestSilentFallback(t *testing.T) {
	eng := engine.Func(func(context.Context, engine.Request) (engine.Reply, error) {
		return engine.Reply{}, errors.New("boom")
	})
	h := newHarness(t, eng, func(s *Settings, _ *resilience.Policy) {
		s.Fallback = FallbackSilent
	})

	require.NoError(t, h.coord.Ingest(privateMsg("1", "hi")))
	require.Eventually(t, func() bool { return h.coord.Busy() == 0 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, h.bus.OutboundSize())
}

func TestInvalidEventIsDropped(t *testing.T) {
	h := newHarness(t, echo(""), nil)
	bad := bus.NewTextMessage(bus.ChannelOneBot, "", "1", bus.Private(), "x")
	assert.ErrorIs(t, h.coord.Ingest(bad), bus.ErrMissingSender)
	assert.Empty(t, h.coord.Aggregator().Active())
	assert.Equal(t, 0, h.tracker.Len())
}

func TestShutdownFlushesPendingBatches(t *testing.T) {
	var mu sync.Mutex
	var contents []string
	eng := engine.Func(func(_ context.Context, req engine.Request) (engine.Reply, error) {
		mu.Lock()
		contents = append(contents, req.Content)
		mu.Unlock()
		return engine.Reply{Content: "bye"}, nil
	})
	h := newHarness(t, eng, nil)

	require.NoError(t, h.coord.Ingest(groupMsg("9", "1", "pending")))
	require.NoError(t, h.coord.Shutdown(context.Background()))

	mu.Lock()
	require.Len(t, contents, 1)
	assert.Contains(t, contents[0], "pending")
	mu.Unlock()
	assert.Equal(t, "bye", h.outbound(t).Content())

	assert.ErrorIs(t, h.coord.Ingest(groupMsg("9", "1", "late")), aggregator.ErrClosed)
}

func TestRunConsumesBus(t *testing.T) {
	h := newHarness(t, echo("> "), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.coord.Run(ctx) }()

	h.bus.PublishInbound(privateMsg("3", "ping"))
	assert.Equal(t, "> ping", h.outbound(t).Content())

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestRunLogsEventsAfterShutdown(t *testing.T) {
	logs := &syncBuffer{}
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(logs, &slog.HandlerOptions{Level: slog.LevelDebug})))
	t.Cleanup(func() { slog.SetDefault(prev) })

	h := newHarness(t, echo(""), nil)
	require.NoError(t, h.coord.Shutdown(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.coord.Run(ctx) }()

	h.bus.PublishInbound(privateMsg("3", "too late"))
	require.Eventually(t, func() bool {
		return strings.Contains(logs.String(), "pipeline: event after shutdown dropped")
	}, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, h.bus.OutboundSize())

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestFailureKind(t *testing.T) {
	assert.Equal(t, KindCircuitOpen, FailureKind(&resilience.CircuitOpenError{Key: "engine"}))
	assert.Equal(t, KindRateLimit, FailureKind(&resilience.RetriesExhaustedError{Err: resilience.ClassifyHTTP(429, "")}))
	assert.Equal(t, KindAuth, FailureKind(&resilience.NonRetryableError{Err: resilience.ClassifyHTTP(403, "")}))
	assert.Equal(t, KindNetwork, FailureKind(resilience.ClassifyNetwork(errors.New("connection reset"))))
	assert.Equal(t, KindDefault, FailureKind(errors.New("weird")))
}
