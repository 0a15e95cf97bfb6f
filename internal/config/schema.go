// Package config defines the configuration schema for cirno.
//
// Keys use camelCase. Durations are written as Go duration strings
// ("5s", "1m30s").
package config

import (
	"os"
	"path/filepath"
	"time"
)

// SessionConfig holds the session isolation policy.
type SessionConfig struct {
	GlobalUsers      []string `yaml:"globalUsers"`
	PerUserGroups    []string `yaml:"perUserGroups"`
	AllGroupsPerUser bool     `yaml:"allGroupsPerUser"`
	IdleTTL          Duration `yaml:"idleTTL"` // 0 keeps idle sessions forever
}

func defaultSessionConfig() SessionConfig {
	return SessionConfig{
		GlobalUsers:   []string{},
		PerUserGroups: []string{},
		IdleTTL:       Duration(7 * 24 * time.Hour),
	}
}

// AggregatorConfig holds the debounce and batching settings.
type AggregatorConfig struct {
	DebounceWindow   Duration `yaml:"debounceWindow"`
	MaxBatchAge      Duration `yaml:"maxBatchAge"`
	MaxBatchMessages int      `yaml:"maxBatchMessages"`
	MaxBatchBytes    int      `yaml:"maxBatchBytes"`
	FlushMarkers     []string `yaml:"flushMarkers"`
	PrivateImmediate bool     `yaml:"privateImmediate"`
	OnShutdown       string   `yaml:"onShutdown"` // "flush" or "discard"
}

func defaultAggregatorConfig() AggregatorConfig {
	return AggregatorConfig{
		DebounceWindow:   Seconds(5),
		MaxBatchAge:      Seconds(10),
		MaxBatchMessages: 20,
		MaxBatchBytes:    16 << 10,
		FlushMarkers:     []string{},
		PrivateImmediate: true,
		OnShutdown:       "flush",
	}
}

// PolicyConfig is the breaker and retry policy of one endpoint. Zero
// fields in an endpoint override inherit from the resilience defaults.
type PolicyConfig struct {
	FailureThreshold int      `yaml:"failureThreshold,omitempty"`
	FailureWindow    Duration `yaml:"failureWindow,omitempty"`
	Cooldown         Duration `yaml:"cooldown,omitempty"`
	MaxCooldown      Duration `yaml:"maxCooldown,omitempty"`
	HalfOpenMaxCalls int      `yaml:"halfOpenMaxCalls,omitempty"`
	MaxAttempts      int      `yaml:"maxAttempts,omitempty"`
	BaseDelay        Duration `yaml:"baseDelay,omitempty"`
	MaxDelay         Duration `yaml:"maxDelay,omitempty"`
	CallTimeout      Duration `yaml:"callTimeout,omitempty"`
}

// ResilienceConfig holds the default endpoint policy plus per-key overrides.
type ResilienceConfig struct {
	PolicyConfig `yaml:",inline"`
	Endpoints    map[string]PolicyConfig `yaml:"endpoints"`
}

func defaultResilienceConfig() ResilienceConfig {
	return ResilienceConfig{
		PolicyConfig: PolicyConfig{
			FailureThreshold: 5,
			FailureWindow:    Seconds(60),
			Cooldown:         Seconds(60),
			MaxCooldown:      Seconds(600),
			HalfOpenMaxCalls: 1,
			MaxAttempts:      3,
			BaseDelay:        Seconds(1),
			MaxDelay:         Seconds(60),
			CallTimeout:      Seconds(120),
		},
		Endpoints: map[string]PolicyConfig{
			"onebot":  {FailureThreshold: 10, Cooldown: Seconds(30), CallTimeout: Seconds(30)},
			"media":   {FailureThreshold: 8, Cooldown: Seconds(30), CallTimeout: Seconds(60)},
			"gateway": {FailureThreshold: 10, Cooldown: Seconds(30), CallTimeout: Seconds(30)},
		},
	}
}

// Resolved returns the effective policy of an endpoint override: every
// zero field is taken from the defaults.
func (r ResilienceConfig) Resolved(p PolicyConfig) PolicyConfig {
	d := r.PolicyConfig
	if p.FailureThreshold == 0 {
		p.FailureThreshold = d.FailureThreshold
	}
	if p.FailureWindow == 0 {
		p.FailureWindow = d.FailureWindow
	}
	if p.Cooldown == 0 {
		p.Cooldown = d.Cooldown
	}
	if p.MaxCooldown == 0 {
		p.MaxCooldown = d.MaxCooldown
	}
	if p.HalfOpenMaxCalls == 0 {
		p.HalfOpenMaxCalls = d.HalfOpenMaxCalls
	}
	if p.MaxAttempts == 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.BaseDelay == 0 {
		p.BaseDelay = d.BaseDelay
	}
	if p.MaxDelay == 0 {
		p.MaxDelay = d.MaxDelay
	}
	if p.CallTimeout == 0 {
		p.CallTimeout = d.CallTimeout
	}
	return p
}

// PipelineConfig controls turn processing and failure notices.
type PipelineConfig struct {
	HistoryLimit     int               `yaml:"historyLimit"`
	Fallback         string            `yaml:"fallback"` // "message" or "silent"
	FallbackMessages map[string]string `yaml:"fallbackMessages"`
	MaxImages        int               `yaml:"maxImages"` // images sent to the engine per turn
}

func defaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		HistoryLimit:     20,
		Fallback:         "message",
		FallbackMessages: map[string]string{},
		MaxImages:        5,
	}
}

// HistoryConfig selects the history backend and its retention.
type HistoryConfig struct {
	Backend       string `yaml:"backend"` // sqlite, jsonl or memory
	Path          string `yaml:"path"`    // empty means under DataDir()
	MaxMessages   int    `yaml:"maxMessages"`
	PruneSchedule string `yaml:"pruneSchedule"`
}

func defaultHistoryConfig() HistoryConfig {
	return HistoryConfig{
		Backend:       "sqlite",
		MaxMessages:   50,
		PruneSchedule: "@hourly",
	}
}

// StorePath returns the history location, expanding "~/" and falling
// back to a backend-specific path under DataDir().
func (h HistoryConfig) StorePath() string {
	if h.Path != "" {
		return expandHome(h.Path)
	}
	switch h.Backend {
	case "jsonl":
		return filepath.Join(DataDir(), "sessions")
	default:
		return filepath.Join(DataDir(), "history.db")
	}
}

// EngineConfig holds the reasoning engine connection.
type EngineConfig struct {
	Provider     string            `yaml:"provider,omitempty"`
	APIKey       string            `yaml:"apiKey"`
	APIBase      string            `yaml:"apiBase,omitempty"`
	Model        string            `yaml:"model"`
	MaxTokens    int               `yaml:"maxTokens"`
	Temperature  float64           `yaml:"temperature"`
	SystemPrompt string            `yaml:"systemPrompt"`
	ExtraHeaders map[string]string `yaml:"extraHeaders,omitempty"`
}

func defaultEngineConfig() EngineConfig {
	return EngineConfig{
		Model:        "gpt-4o-mini",
		MaxTokens:    4096,
		Temperature:  0.7,
		SystemPrompt: "You are Cirno, a friendly chat companion. Keep replies short and conversational.",
	}
}

// LogConfig controls the global slog handler.
type LogConfig struct {
	Level string `yaml:"level"` // debug, info, warn or error
}

// Config is the root configuration object, loaded from ~/.cirno/config.yaml.
type Config struct {
	Session    SessionConfig    `yaml:"session"`
	Aggregator AggregatorConfig `yaml:"aggregator"`
	Resilience ResilienceConfig `yaml:"resilience"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	History    HistoryConfig    `yaml:"history"`
	Engine     EngineConfig     `yaml:"engine"`
	Channels   ChannelsConfig   `yaml:"channels"`
	Log        LogConfig        `yaml:"log"`
}

// DefaultConfig returns a Config populated with all default values.
func DefaultConfig() Config {
	return Config{
		Session:    defaultSessionConfig(),
		Aggregator: defaultAggregatorConfig(),
		Resilience: defaultResilienceConfig(),
		Pipeline:   defaultPipelineConfig(),
		History:    defaultHistoryConfig(),
		Engine:     defaultEngineConfig(),
		Channels:   defaultChannelsConfig(),
		Log:        LogConfig{Level: "info"},
	}
}

func expandHome(p string) string {
	if len(p) >= 2 && p[:2] == "~/" {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, p[2:])
		}
	}
	return p
}
