package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/crystaldolphin/cirno/internal/channels"
	"github.com/crystaldolphin/cirno/internal/container"
)

var chatMessage string

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Talk to cirno from the terminal",
	Long:  "Runs the full pipeline with the terminal as a private chat. Each line is one message.",
	RunE:  runChat,
}

func init() {
	chatCmd.Flags().StringVarP(&chatMessage, "message", "m", "", "Send a single message and exit")
}

func runChat(_ *cobra.Command, _ []string) error {
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

	var in io.Reader = os.Stdin
	if chatMessage != "" {
		in = strings.NewReader(chatMessage + "\n")
	}
	cli := channels.NewCLIChannel(c.MessageBus(), in, os.Stdout)
	manager := c.ChannelManager()
	manager.Register(cli, 0)

	fmt.Printf("%s Interactive mode\n", logo)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return c.Coordinator().Run(gctx) })
	g.Go(func() error { return manager.DispatchOutbound(gctx) })
	g.Go(func() error {
		// The REPL ending ends the session.
		defer cancel()
		return cli.Start(gctx)
	})
	_ = g.Wait()

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelDrain()
	return c.Coordinator().Shutdown(drainCtx)
}
