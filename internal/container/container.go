// Package container wires cirno's services using go.uber.org/dig.
package container

import (
	"fmt"

	"go.uber.org/dig"

	"github.com/crystaldolphin/cirno/internal/aggregator"
	"github.com/crystaldolphin/cirno/internal/bus"
	"github.com/crystaldolphin/cirno/internal/channels"
	"github.com/crystaldolphin/cirno/internal/clock"
	"github.com/crystaldolphin/cirno/internal/config"
	"github.com/crystaldolphin/cirno/internal/engine"
	"github.com/crystaldolphin/cirno/internal/history"
	"github.com/crystaldolphin/cirno/internal/pipeline"
	"github.com/crystaldolphin/cirno/internal/resilience"
	"github.com/crystaldolphin/cirno/internal/session"
)

// Container holds the resolved service singletons.
// Callers use the typed getter methods; they never need to import dig directly.
type Container struct {
	msgBus      *bus.MessageBus
	executor    *resilience.Executor
	engine      engine.Engine
	store       history.Store
	tracker     *session.Tracker
	janitor     *history.Janitor
	coordinator *pipeline.Coordinator
	manager     *channels.Manager
}

func (c *Container) MessageBus() *bus.MessageBus        { return c.msgBus }
func (c *Container) Executor() *resilience.Executor     { return c.executor }
func (c *Container) Engine() engine.Engine              { return c.engine }
func (c *Container) History() history.Store             { return c.store }
func (c *Container) Tracker() *session.Tracker          { return c.tracker }
func (c *Container) Janitor() *history.Janitor          { return c.janitor }
func (c *Container) Coordinator() *pipeline.Coordinator { return c.coordinator }
func (c *Container) ChannelManager() *channels.Manager  { return c.manager }

// Close releases the history store.
func (c *Container) Close() error { return c.store.Close() }

// New builds and wires all services from cfg.
func New(cfg *config.Config) (*Container, error) {
	d := dig.New()

	providers := []any{
		func() *config.Config { return cfg },
		clock.Real,
		newMessageBus,
		newResolver,
		session.NewTracker,
		newExecutor,
		newEngine,
		newHistoryStore,
		newJanitor,
		newCoordinator,
		newChannelManager,
	}
	for _, p := range providers {
		if err := d.Provide(p); err != nil {
			return nil, err
		}
	}

	var result *Container
	err := d.Invoke(func(
		msgBus *bus.MessageBus,
		executor *resilience.Executor,
		eng engine.Engine,
		store history.Store,
		tracker *session.Tracker,
		janitor *history.Janitor,
		coordinator *pipeline.Coordinator,
		manager *channels.Manager,
	) {
		result = &Container{
			msgBus:      msgBus,
			executor:    executor,
			engine:      eng,
			store:       store,
			tracker:     tracker,
			janitor:     janitor,
			coordinator: coordinator,
			manager:     manager,
		}
	})
	if err != nil {
		return nil, fmt.Errorf("container: %w", dig.RootCause(err))
	}
	return result, nil
}

func newMessageBus() *bus.MessageBus {
	return bus.NewMessageBus(100)
}

func newResolver(cfg *config.Config) *session.Resolver {
	return session.NewResolver(session.Policy{
		GlobalUsers:      cfg.Session.GlobalUsers,
		PerUserGroups:    cfg.Session.PerUserGroups,
		AllGroupsPerUser: cfg.Session.AllGroupsPerUser,
	})
}

// PolicyFromConfig converts one resolved endpoint policy.
func PolicyFromConfig(p config.PolicyConfig) resilience.Policy {
	return resilience.Policy{
		Breaker: resilience.BreakerConfig{
			FailureThreshold: p.FailureThreshold,
			FailureWindow:    p.FailureWindow.D(),
			Cooldown:         p.Cooldown.D(),
			MaxCooldown:      p.MaxCooldown.D(),
			HalfOpenMaxCalls: p.HalfOpenMaxCalls,
		},
		MaxAttempts: p.MaxAttempts,
		BaseDelay:   p.BaseDelay.D(),
		MaxDelay:    p.MaxDelay.D(),
		CallTimeout: p.CallTimeout.D(),
	}
}

func newExecutor(cfg *config.Config, clk clock.Clock) *resilience.Executor {
	r := cfg.Resilience
	opts := []resilience.Option{resilience.WithClock(clk)}
	for key, p := range r.Endpoints {
		opts = append(opts, resilience.WithPolicy(key, PolicyFromConfig(r.Resolved(p))))
	}
	return resilience.NewExecutor(PolicyFromConfig(r.PolicyConfig), opts...)
}

func newEngine(cfg *config.Config) engine.Engine {
	e := cfg.Engine
	return engine.NewOpenAIEngine(engine.Config{
		Provider:     e.Provider,
		APIKey:       e.APIKey,
		APIBase:      e.APIBase,
		Model:        e.Model,
		MaxTokens:    e.MaxTokens,
		Temperature:  e.Temperature,
		SystemPrompt: e.SystemPrompt,
		ExtraHeaders: e.ExtraHeaders,
	})
}

func newHistoryStore(cfg *config.Config) (history.Store, error) {
	return history.Open(history.Options{
		Backend:     cfg.History.Backend,
		Path:        cfg.History.StorePath(),
		MaxMessages: cfg.History.MaxMessages,
	})
}

func newJanitor(cfg *config.Config, store history.Store, tracker *session.Tracker, clk clock.Clock) (*history.Janitor, error) {
	return history.NewJanitor(store, cfg.Session.IdleTTL.D(), cfg.History.PruneSchedule, clk, tracker)
}

// SettingsFromConfig converts the aggregator and pipeline sections.
func SettingsFromConfig(cfg *config.Config) pipeline.Settings {
	a := cfg.Aggregator
	return pipeline.Settings{
		Aggregator: aggregator.Config{
			DebounceWindow:   a.DebounceWindow.D(),
			MaxBatchAge:      a.MaxBatchAge.D(),
			MaxBatchMessages: a.MaxBatchMessages,
			MaxBatchBytes:    a.MaxBatchBytes,
			FlushMarkers:     a.FlushMarkers,
		},
		OnShutdown:       aggregator.ShutdownMode(a.OnShutdown),
		PrivateImmediate: a.PrivateImmediate,
		HistoryLimit:     cfg.Pipeline.HistoryLimit,
		Fallback:         pipeline.FallbackMode(cfg.Pipeline.Fallback),
		FallbackMessages: cfg.Pipeline.FallbackMessages,
		EngineKey:        "engine",
		MaxImages:        cfg.Pipeline.MaxImages,
	}
}

func newCoordinator(
	cfg *config.Config,
	b *bus.MessageBus,
	resolver *session.Resolver,
	tracker *session.Tracker,
	executor *resilience.Executor,
	eng engine.Engine,
	store history.Store,
	clk clock.Clock,
) *pipeline.Coordinator {
	return pipeline.NewCoordinator(b, resolver, tracker, executor, eng, store, SettingsFromConfig(cfg), clk)
}

func newChannelManager(cfg *config.Config, b *bus.MessageBus, executor *resilience.Executor) *channels.Manager {
	return channels.NewManager(cfg, b, executor)
}
