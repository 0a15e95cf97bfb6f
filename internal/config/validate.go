package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid config")

// Validate checks cross-field constraints. When gateway is true the
// engine credentials must be present as well.
func (c *Config) Validate(gateway bool) error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	a := c.Aggregator
	if a.DebounceWindow <= 0 {
		add("aggregator.debounceWindow must be positive")
	}
	if a.MaxBatchAge <= 0 {
		add("aggregator.maxBatchAge must be positive")
	} else if a.MaxBatchAge < a.DebounceWindow {
		add("aggregator.maxBatchAge (%s) is shorter than debounceWindow (%s)", a.MaxBatchAge, a.DebounceWindow)
	}
	if a.MaxBatchMessages < 1 {
		add("aggregator.maxBatchMessages must be at least 1")
	}
	if a.MaxBatchBytes < 0 {
		add("aggregator.maxBatchBytes must not be negative")
	}
	if !slices.Contains([]string{"flush", "discard"}, a.OnShutdown) {
		add("aggregator.onShutdown must be flush or discard, got %q", a.OnShutdown)
	}

	validatePolicy("resilience", c.Resilience.PolicyConfig, add)
	for key, p := range c.Resilience.Endpoints {
		validatePolicy("resilience.endpoints."+key, c.Resilience.Resolved(p), add)
	}

	if !slices.Contains([]string{"message", "silent"}, c.Pipeline.Fallback) {
		add("pipeline.fallback must be message or silent, got %q", c.Pipeline.Fallback)
	}
	if c.Pipeline.HistoryLimit < 0 {
		add("pipeline.historyLimit must not be negative")
	}
	if c.Pipeline.MaxImages < 0 {
		add("pipeline.maxImages must not be negative")
	}
	if !slices.Contains([]string{"sqlite", "jsonl", "memory"}, c.History.Backend) {
		add("history.backend must be sqlite, jsonl or memory, got %q", c.History.Backend)
	}
	if c.Session.IdleTTL < 0 {
		add("session.idleTTL must not be negative")
	}
	if !slices.Contains([]string{"debug", "info", "warn", "error"}, strings.ToLower(c.Log.Level)) {
		add("log.level must be debug, info, warn or error, got %q", c.Log.Level)
	}

	ob := c.Channels.OneBot
	if ob.Enabled && !slices.Contains([]string{"forward", "reverse", "both"}, ob.Mode) {
		add("channels.onebot.mode must be forward, reverse or both, got %q", ob.Mode)
	}
	if ob.MaxImages < 0 {
		add("channels.onebot.maxImages must not be negative")
	}

	if gateway {
		if c.Engine.Model == "" {
			add("engine.model is required")
		}
		if c.Engine.APIKey == "" && !localBase(c.Engine.APIBase) {
			add("engine.apiKey is required (or set %s)", EnvEngineAPIKey)
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

func validatePolicy(prefix string, p PolicyConfig, add func(string, ...any)) {
	if p.FailureThreshold < 1 {
		add("%s.failureThreshold must be at least 1", prefix)
	}
	if p.MaxAttempts < 1 {
		add("%s.maxAttempts must be at least 1", prefix)
	}
	if p.HalfOpenMaxCalls < 1 {
		add("%s.halfOpenMaxCalls must be at least 1", prefix)
	}
	if p.Cooldown <= 0 {
		add("%s.cooldown must be positive", prefix)
	}
	if p.MaxCooldown < p.Cooldown {
		add("%s.cooldown (%s) exceeds maxCooldown (%s)", prefix, p.Cooldown, p.MaxCooldown)
	}
	if p.BaseDelay > p.MaxDelay {
		add("%s.baseDelay (%s) exceeds maxDelay (%s)", prefix, p.BaseDelay, p.MaxDelay)
	}
	if p.FailureWindow < 0 || p.CallTimeout < 0 {
		add("%s durations must not be negative", prefix)
	}
}

// localBase reports whether base points at a local server that needs no key.
func localBase(base string) bool {
	return strings.Contains(base, "localhost") || strings.Contains(base, "127.0.0.1")
}
