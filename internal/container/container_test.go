package container

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crystaldolphin/cirno/internal/aggregator"
	"github.com/crystaldolphin/cirno/internal/config"
	"github.com/crystaldolphin/cirno/internal/history"
	"github.com/crystaldolphin/cirno/internal/pipeline"
)

func TestNewWiresEverything(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.History.Backend = "memory"

	c, err := New(&cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	assert.NotNil(t, c.MessageBus())
	assert.NotNil(t, c.Executor())
	assert.NotNil(t, c.Engine())
	assert.NotNil(t, c.Tracker())
	assert.NotNil(t, c.Janitor())
	assert.NotNil(t, c.Coordinator())
	assert.Empty(t, c.ChannelManager().EnabledChannels())

	_, ok := c.History().(*history.MemoryStore)
	assert.True(t, ok)
}

func TestNewWithSQLiteHistory(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.History.Path = t.TempDir() + "/history.db"

	c, err := New(&cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	_, err = c.History().Append(context.Background(), "onebot:private:1", history.Record{Role: history.RoleUser, Content: "hi"})
	require.NoError(t, err)
}

func TestNewRejectsBadPruneSchedule(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.History.Backend = "memory"
	cfg.History.PruneSchedule = "every now and then"

	_, err := New(&cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "prune schedule")
}

func TestExecutorPoliciesFromConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.History.Backend = "memory"
	cfg.Resilience.Endpoints["engine"] = config.PolicyConfig{MaxAttempts: 5}

	c, err := New(&cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	exec := c.Executor()

	def := exec.PolicyFor("unknown")
	assert.Equal(t, 5, def.Breaker.FailureThreshold)
	assert.Equal(t, time.Minute, def.Breaker.Cooldown)
	assert.Equal(t, 2*time.Minute, def.CallTimeout)

	engine := exec.PolicyFor("engine")
	assert.Equal(t, 5, engine.MaxAttempts)
	assert.Equal(t, 5, engine.Breaker.FailureThreshold, "unset fields inherit the defaults")

	onebot := exec.PolicyFor("onebot")
	assert.Equal(t, 10, onebot.Breaker.FailureThreshold)
	assert.Equal(t, 30*time.Second, onebot.Breaker.Cooldown)
	assert.Equal(t, 10*time.Minute, onebot.Breaker.MaxCooldown)

	assert.Equal(t, exec.PolicyFor("gateway"), exec.PolicyFor("gateway:telegram"))
	assert.Equal(t, 8, exec.PolicyFor("media").Breaker.FailureThreshold)
}

func TestSettingsFromConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Aggregator.OnShutdown = "discard"
	cfg.Aggregator.FlushMarkers = []string{"!!"}
	cfg.Pipeline.Fallback = "silent"

	s := SettingsFromConfig(&cfg)
	assert.Equal(t, 5*time.Second, s.Aggregator.DebounceWindow)
	assert.Equal(t, 10*time.Second, s.Aggregator.MaxBatchAge)
	assert.Equal(t, []string{"!!"}, s.Aggregator.FlushMarkers)
	assert.Equal(t, aggregator.ShutdownDiscard, s.OnShutdown)
	assert.Equal(t, pipeline.FallbackSilent, s.Fallback)
	assert.True(t, s.PrivateImmediate)
	assert.Equal(t, 20, s.HistoryLimit)
	assert.Equal(t, "engine", s.EngineKey)
}
