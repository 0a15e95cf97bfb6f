package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/crystaldolphin/cirno/internal/container"
)

var gatewayDrainTimeout time.Duration

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Start the cirno gateway",
	RunE:  runGateway,
}

func init() {
	gatewayCmd.Flags().DurationVar(&gatewayDrainTimeout, "drain-timeout", 30*time.Second, "How long shutdown waits for in-flight turns")
}

func runGateway(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(true); err != nil {
		return err
	}

	c, err := container.New(cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	manager := c.ChannelManager()
	coordinator := c.Coordinator()

	if enabled := manager.EnabledChannels(); len(enabled) > 0 {
		fmt.Printf("✓ Channels enabled: %s\n", strings.Join(enabled, ", "))
	} else {
		fmt.Println("Warning: no channels enabled")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Replies flushed during shutdown still need the dispatcher, so it
	// outlives the signal context.
	dispatchCtx, cancelDispatch := context.WithCancel(context.Background())
	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		_ = manager.DispatchOutbound(dispatchCtx)
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return coordinator.Run(gctx) })
	g.Go(func() error { return c.Janitor().Start(gctx) })
	g.Go(func() error { return manager.StartAll(gctx) })

	fmt.Printf("%s Gateway running. Press Ctrl+C to stop.\n", logo)

	runErr := g.Wait()

	drainCtx, cancel := context.WithTimeout(context.Background(), gatewayDrainTimeout)
	defer cancel()
	if err := coordinator.Shutdown(drainCtx); err != nil {
		slog.Warn("gateway: drain timed out", "busy_sessions", coordinator.Busy(), "err", err)
	}
	if err := manager.Drain(drainCtx); err != nil {
		slog.Warn("gateway: undelivered replies dropped", "err", err)
	}
	cancelDispatch()
	<-dispatchDone

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return fmt.Errorf("gateway: %w", runErr)
	}
	fmt.Println("\nShutdown complete.")
	return nil
}
