package channels

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crystaldolphin/cirno/internal/bus"
)

func TestCLIChannelREPL(t *testing.T) {
	b := bus.NewMessageBus(4)
	var out bytes.Buffer
	ch := NewCLIChannel(b, strings.NewReader("hello there\n\n/quit\nnever read\n"), &out)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	go func() {
		select {
		case msg := <-b.InboundChan():
			_ = ch.Send(ctx, bus.NewOutboundMessage(msg.Target(), "echo: "+msg.PlainText()))
		case <-ctx.Done():
		}
	}()

	require.NoError(t, ch.Start(ctx))

	transcript := out.String()
	assert.Contains(t, transcript, "❄ cirno\necho: hello there\n")
	assert.Contains(t, transcript, "Goodbye!")
	assert.NotContains(t, transcript, "never read")
	assert.Equal(t, 0, b.InboundSize())
}

func TestCLIChannelEndOfInput(t *testing.T) {
	var out bytes.Buffer
	ch := NewCLIChannel(bus.NewMessageBus(1), strings.NewReader(""), &out)

	require.NoError(t, ch.Start(context.Background()))
	assert.Contains(t, out.String(), "Goodbye!")
}
