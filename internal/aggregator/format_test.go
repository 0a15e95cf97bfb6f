package aggregator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/crystaldolphin/cirno/internal/bus"
)

func TestFormatDigestGroup(t *testing.T) {
	a := bus.NewTextMessage(bus.ChannelOneBot, "111", "42", bus.Group("42"), "hello")
	a.SetSenderName("Alice")
	a.SetTimestamp(epoch)

	b := bus.NewInboundMessage(bus.ChannelOneBot, "222", "42", bus.Group("42"),
		bus.ReplySegment{MessageID: "9", Context: "Alice: hello"},
		bus.TextSegment{Text: "are you there?"},
		bus.MentionSegment{Target: "111", Name: "Alice"},
	)
	b.SetSenderName("Bob")
	b.SetTimestamp(epoch.Add(8200 * time.Millisecond))

	want := "[Group chat digest]\nGroup: 42\nMessages: 2\nSpan: 8.2s" +
		"\n\n---\n\n[Alice (id:111)]\nhello" +
		"\n\n---\n\n[Bob (id:222)]\n> replying to #9: \"Alice: hello\"\nare you there?\n(mentioned: Alice)"
	assert.Equal(t, want, FormatDigest([]bus.InboundMessage{a, b}))
}

func TestFormatDigestPrivate(t *testing.T) {
	m := bus.NewTextMessage(bus.ChannelOneBot, "111", "111", bus.Private(), "  just me  ")
	assert.Equal(t, "just me", FormatDigest([]bus.InboundMessage{m}))

	fwd := bus.NewInboundMessage(bus.ChannelOneBot, "111", "111", bus.Private(),
		bus.ForwardSegment{ID: "f1", Summary: "A: x\nB: y"})
	assert.Equal(t, "[forwarded messages]\nA: x\nB: y", FormatDigest([]bus.InboundMessage{fwd}))

	empty := bus.NewInboundMessage(bus.ChannelOneBot, "111", "111", bus.Private())
	assert.Equal(t, "(empty message)", FormatDigest([]bus.InboundMessage{empty}))
	assert.Equal(t, "[no messages]", FormatDigest(nil))
}

func TestFormatDigestPrivateBurst(t *testing.T) {
	a := bus.NewTextMessage(bus.ChannelTelegram, "7", "7", bus.Private(), "one")
	a.SetTimestamp(epoch)
	b := bus.NewTextMessage(bus.ChannelTelegram, "7", "7", bus.Private(), "two")
	b.SetTimestamp(epoch)

	want := "[Private chat digest]\nMessages: 2\n\n---\n\n[7 (id:7)]\none\n\n---\n\n[7 (id:7)]\ntwo"
	assert.Equal(t, want, FormatDigest([]bus.InboundMessage{a, b}))
}
