package channels

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"

	"github.com/crystaldolphin/cirno/internal/bus"
)

func groupMsg(text string, segs ...bus.Segment) bus.InboundMessage {
	msg := bus.NewTextMessage(bus.ChannelOneBot, "42", "900", bus.Group("900"), text)
	for _, s := range segs {
		msg.AddSegment(s)
	}
	return msg
}

func TestTriggerPolicy(t *testing.T) {
	defaults := TriggerPolicy{Private: true, Mention: true, Names: []string{"cirno"}}
	private := bus.NewTextMessage(bus.ChannelOneBot, "42", "42", bus.Private(), "hello")

	tests := []struct {
		name   string
		policy TriggerPolicy
		msg    bus.InboundMessage
		self   string
		want   bool
	}{
		{"private allowed", defaults, private, "10000", true},
		{"private disabled", TriggerPolicy{Mention: true}, private, "10000", false},
		{"group mention of self", defaults, groupMsg("hi", bus.MentionSegment{Target: "10000"}), "10000", true},
		{"group mention of everyone", defaults, groupMsg("hi", bus.MentionSegment{Target: "all"}), "10000", true},
		{"group mention of someone else", defaults, groupMsg("hi", bus.MentionSegment{Target: "555"}), "10000", false},
		{"group mention while self unknown", defaults, groupMsg("hi", bus.MentionSegment{Target: "10000"}), "", false},
		{"bot name any case", defaults, groupMsg("hey CIRNO, you there?"), "10000", true},
		{"plain group chatter", defaults, groupMsg("random chatter"), "10000", false},
		{"all group", TriggerPolicy{AllGroup: true}, groupMsg("random chatter"), "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.policy.Triggered(tt.msg, tt.self))
		})
	}
}

func TestBaseIsAllowed(t *testing.T) {
	b := NewBase(bus.ChannelTelegram, nil, []string{"42", "alice"}, TriggerPolicy{})

	assert.True(t, b.IsAllowed("42"))
	assert.True(t, b.IsAllowed("42|bob"))
	assert.True(t, b.IsAllowed("7|alice"))
	assert.False(t, b.IsAllowed("7|eve"))
	assert.False(t, b.IsAllowed("7"))

	open := NewBase(bus.ChannelTelegram, nil, nil, TriggerPolicy{})
	assert.True(t, open.IsAllowed("anyone"))
}

func TestHandleMessagePublishesAcceptedOnly(t *testing.T) {
	b := bus.NewMessageBus(4)
	base := NewBase(bus.ChannelOneBot, b, []string{"42"}, TriggerPolicy{Private: true})

	assert.True(t, base.HandleMessage(bus.NewTextMessage(bus.ChannelOneBot, "42", "42", bus.Private(), "hi"), ""))
	assert.False(t, base.HandleMessage(bus.NewTextMessage(bus.ChannelOneBot, "7", "7", bus.Private(), "hi"), ""))
	assert.False(t, base.HandleMessage(groupMsg("chatter"), ""))

	assert.Equal(t, 1, b.InboundSize())
	msg := <-b.InboundChan()
	assert.Equal(t, "42", msg.SenderId())
}

func TestSplitMessage(t *testing.T) {
	assert.Equal(t, []string{"short"}, splitMessage("short", 10))

	chunks := splitMessage("first line\nsecond line", 15)
	assert.Equal(t, []string{"first line", "second line"}, chunks)

	chunks = splitMessage("aaaa bbbb cccc", 10)
	assert.Equal(t, []string{"aaaa bbbb", "cccc"}, chunks)

	long := strings.Repeat("雪", 10) // 3 bytes each, no break points
	chunks = splitMessage(long, 8)
	assert.Equal(t, long, strings.Join(chunks, ""))
	for _, c := range chunks {
		assert.True(t, utf8.ValidString(c), "chunk %q", c)
		assert.LessOrEqual(t, len(c), 8)
	}
}
