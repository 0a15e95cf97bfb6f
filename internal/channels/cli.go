package channels

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/crystaldolphin/cirno/internal/bus"
	"github.com/crystaldolphin/cirno/internal/shared/cmdutils"
)

// CLISenderID is the sender id of everything typed into the terminal.
const CLISenderID = "user"

// cliReplyTimeout bounds the wait for turns that produce no reply, such as
// an empty engine answer or a failure with silent fallback.
const cliReplyTimeout = 10 * time.Minute

var cliExitCommands = map[string]bool{
	"exit":  true,
	"quit":  true,
	"/exit": true,
	"/quit": true,
	":q":    true,
}

// CLIChannel wires the terminal into the pipeline as a private chat.
// Each line is one event; the REPL waits for the reply before prompting
// again.
type CLIChannel struct {
	Base
	in      io.Reader
	out     io.Writer
	replies chan bus.OutboundMessage
}

// NewCLIChannel creates a CLIChannel reading from in and printing to out.
func NewCLIChannel(b bus.Bus, in io.Reader, out io.Writer) *CLIChannel {
	return &CLIChannel{
		Base:    NewBase(bus.ChannelCLI, b, nil, TriggerPolicy{Private: true}),
		in:      in,
		out:     out,
		replies: make(chan bus.OutboundMessage, 8),
	}
}

func (c *CLIChannel) Name() string { return string(bus.ChannelCLI) }

// Start runs the REPL until ctx is cancelled, the input ends or the user
// types an exit command.
func (c *CLIChannel) Start(ctx context.Context) error {
	fmt.Fprintf(c.out, "Type 'exit' or press Ctrl+C to quit.\n\n")

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		fmt.Fprint(c.out, "You: ")
		var line string
		select {
		case l, ok := <-lines:
			if !ok {
				fmt.Fprintln(c.out, "\nGoodbye!")
				return nil
			}
			line = strings.TrimSpace(l)
		case <-ctx.Done():
			return ctx.Err()
		}

		if line == "" {
			continue
		}
		if cliExitCommands[strings.ToLower(line)] {
			fmt.Fprintln(c.out, "Goodbye!")
			return nil
		}

		msg := bus.NewTextMessage(bus.ChannelCLI, CLISenderID, CLISenderID, bus.Private(), line)
		c.HandleMessage(msg, "")
		c.waitForReply(ctx)
	}
}

func (c *CLIChannel) waitForReply(ctx context.Context) {
	select {
	case msg := <-c.replies:
		cmdutils.PrintResponse(c.out, msg.Content())
	case <-time.After(cliReplyTimeout):
		fmt.Fprintln(c.out, "(no reply)")
	case <-ctx.Done():
	}
}

// Send hands the reply to the REPL.
func (c *CLIChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	select {
	case c.replies <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
