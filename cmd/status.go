package cmd

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/crystaldolphin/cirno/internal/config"
	"github.com/crystaldolphin/cirno/internal/engine"
	"github.com/crystaldolphin/cirno/internal/history"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show cirno status",
	RunE:  runStatus,
}

func runStatus(_ *cobra.Command, _ []string) error {
	path := cfgPath()

	fmt.Printf("%s cirno Status\n\n", logo)

	_, statErr := os.Stat(path)
	fmt.Printf("Config:    %s %s\n", path, yesNo(statErr == nil))

	cfg, err := loadConfig()
	if err != nil {
		fmt.Printf("  (could not load config: %v)\n", err)
		return nil
	}
	if err := cfg.Validate(false); err != nil {
		fmt.Printf("  (invalid: %v)\n", err)
	}

	backend := "(unknown, OpenAI-compatible)"
	if b := engine.Resolve(cfg.Engine.Provider, cfg.Engine.APIKey, cfg.Engine.APIBase, cfg.Engine.Model); b != nil {
		backend = b.Label()
	}
	fmt.Printf("Engine:    %s via %s, api key %s\n", cfg.Engine.Model, backend, tokenHint(cfg.Engine.APIKey))

	a := cfg.Aggregator
	fmt.Printf("Batching:  debounce %s, max age %s, max %d messages / %d bytes, private immediate %s\n",
		a.DebounceWindow, a.MaxBatchAge, a.MaxBatchMessages, a.MaxBatchBytes, yesNo(a.PrivateImmediate))

	printHistoryStatus(cfg)
	printChannelStatus(cfg)
	printResilienceStatus(cfg)
	return nil
}

func printHistoryStatus(cfg *config.Config) {
	h := cfg.History
	fmt.Printf("History:   %s at %s (keep %d per session, prune %s, idle ttl %s)\n",
		h.Backend, h.StorePath(), h.MaxMessages, h.PruneSchedule, cfg.Session.IdleTTL)
	if h.Backend == "memory" {
		return
	}
	if _, err := os.Stat(h.StorePath()); err != nil {
		fmt.Println("           (not created yet)")
		return
	}
	store, err := openHistory(cfg)
	if err != nil {
		fmt.Printf("           (could not open: %v)\n", err)
		return
	}
	defer store.Close()
	sessions, err := store.Sessions(context.Background())
	if err != nil {
		fmt.Printf("           (could not list sessions: %v)\n", err)
		return
	}
	fmt.Printf("           %d stored sessions\n", len(sessions))
}

func printChannelStatus(cfg *config.Config) {
	ch := cfg.Channels
	type row struct{ name, enabled, detail string }
	rows := []row{
		{"OneBot", yesNo(ch.OneBot.Enabled), oneBotDetail(ch.OneBot)},
		{"Telegram", yesNo(ch.Telegram.Enabled), tokenHint(ch.Telegram.Token)},
		{"Slack", yesNo(ch.Slack.Enabled), func() string {
			if ch.Slack.AppToken != "" && ch.Slack.BotToken != "" {
				return "socket"
			}
			return "(not configured)"
		}()},
	}

	fmt.Printf("\n%-12s %-8s %s\n", "Channel", "Enabled", "Configuration")
	fmt.Println(strings.Repeat("-", 60))
	for _, r := range rows {
		fmt.Printf("%-12s %-8s %s\n", r.name, r.enabled, r.detail)
	}
}

func oneBotDetail(c config.OneBotConfig) string {
	switch c.Mode {
	case "forward":
		return "forward " + c.URL
	case "both":
		return "forward " + c.URL + ", reverse " + c.Listen + c.Path
	default:
		return "reverse " + c.Listen + c.Path
	}
}

func printResilienceStatus(cfg *config.Config) {
	r := cfg.Resilience
	keys := make([]string, 0, len(r.Endpoints))
	for k := range r.Endpoints {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fmt.Printf("\n%-12s %-10s %-10s %-10s %-9s %s\n", "Endpoint", "Failures", "Window", "Cooldown", "Attempts", "Timeout")
	fmt.Println(strings.Repeat("-", 65))
	printPolicy := func(name string, p config.PolicyConfig) {
		fmt.Printf("%-12s %-10d %-10s %-10s %-9d %s\n", name, p.FailureThreshold, p.FailureWindow, p.Cooldown, p.MaxAttempts, p.CallTimeout)
	}
	printPolicy("(default)", r.PolicyConfig)
	for _, k := range keys {
		printPolicy(k, r.Resolved(r.Endpoints[k]))
	}
}

func openHistory(cfg *config.Config) (history.Store, error) {
	return history.Open(history.Options{
		Backend:     cfg.History.Backend,
		Path:        cfg.History.StorePath(),
		MaxMessages: cfg.History.MaxMessages,
	})
}

func yesNo(b bool) string {
	if b {
		return "✓"
	}
	return "✗"
}

func tokenHint(s string) string {
	if s == "" {
		return "(not configured)"
	}
	if len(s) > 10 {
		return s[:10] + "..."
	}
	return s
}
