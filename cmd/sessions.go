package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/crystaldolphin/cirno/internal/bus"
	"github.com/crystaldolphin/cirno/internal/clock"
	"github.com/crystaldolphin/cirno/internal/history"
	"github.com/crystaldolphin/cirno/internal/session"
)

var sessionsShowLimit int

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect stored conversation history",
}

func init() {
	sessionsShowCmd.Flags().IntVarP(&sessionsShowLimit, "limit", "n", 20, "Number of records to show")

	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsShowCmd)
	sessionsCmd.AddCommand(sessionsPruneCmd)
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored sessions, most recent first",
	RunE: func(_ *cobra.Command, _ []string) error {
		store, err := openConfiguredHistory()
		if err != nil {
			return err
		}
		defer store.Close()

		infos, err := store.Sessions(context.Background())
		if err != nil {
			return err
		}
		if len(infos) == 0 {
			fmt.Println("No sessions.")
			return nil
		}
		fmt.Printf("%-40s %-8s %s\n", "Session", "Records", "Updated")
		fmt.Println(strings.Repeat("-", 72))
		for _, s := range infos {
			fmt.Printf("%-40s %-8d %s\n", s.ID, s.Count, s.UpdatedAt.Local().Format("2006-01-02 15:04:05"))
		}
		return nil
	},
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Print the most recent records of a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		store, err := openConfiguredHistory()
		if err != nil {
			return err
		}
		defer store.Close()

		recs, err := store.ReadRecent(context.Background(), args[0], sessionsShowLimit)
		if err != nil {
			return err
		}
		if len(recs) == 0 {
			fmt.Printf("No history for %s.\n", args[0])
			return nil
		}
		for _, r := range recs {
			fmt.Printf("[%d] %s %s\n%s\n\n", r.Seq, r.Timestamp.Local().Format("15:04:05"), r.Role, r.Content)
		}
		return nil
	},
}

var sessionsPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete sessions idle for longer than session.idleTTL",
	RunE: func(_ *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := openHistory(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		if cfg.Session.IdleTTL <= 0 {
			fmt.Println("session.idleTTL is 0; nothing is pruned.")
			return nil
		}
		j, err := history.NewJanitor(store, cfg.Session.IdleTTL.D(), cfg.History.PruneSchedule, clock.Real())
		if err != nil {
			return err
		}
		n, err := j.RunOnce(context.Background())
		if err != nil {
			return err
		}
		fmt.Printf("✓ Pruned %d sessions idle longer than %s\n", n, cfg.Session.IdleTTL)
		return nil
	},
}

func openConfiguredHistory() (history.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if cfg.History.Backend == "memory" {
		return nil, fmt.Errorf("history backend is memory; nothing is stored between runs")
	}
	return openHistory(cfg)
}

var (
	resolveChannel string
	resolveGroup   string
)

var resolveCmd = &cobra.Command{
	Use:   "resolve <sender-id>",
	Short: "Print the session a sender's messages are routed to",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		resolver := session.NewResolver(session.Policy{
			GlobalUsers:      cfg.Session.GlobalUsers,
			PerUserGroups:    cfg.Session.PerUserGroups,
			AllGroupsPerUser: cfg.Session.AllGroupsPerUser,
		})

		conv := bus.Private()
		if resolveGroup != "" {
			conv = bus.Group(resolveGroup)
		}
		s := resolver.Resolve(bus.ChannelType(resolveChannel), args[0], conv)
		fmt.Printf("%s (%s)\n", s.ID, s.Scope)
		return nil
	},
}

func init() {
	resolveCmd.Flags().StringVar(&resolveChannel, "channel", string(bus.ChannelOneBot), "Channel the sender writes from")
	resolveCmd.Flags().StringVarP(&resolveGroup, "group", "g", "", "Group id; empty means a private chat")
}
