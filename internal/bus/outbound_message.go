package bus

// Target identifies where a reply is delivered.
type Target struct {
	Channel ChannelType
	ChatId  string
	Group   bool
	ReplyTo string // message id to quote; optional
}

// Key is a stable per-recipient key, used for send pacing.
func (t Target) Key() string {
	kind := "private"
	if t.Group {
		kind = "group"
	}
	return string(t.Channel) + ":" + kind + ":" + t.ChatId
}

// OutboundMessage is a reply to be sent back through a channel.
type OutboundMessage struct {
	target   Target
	content  string
	fallback bool           // true for failure notices rather than engine replies
	metadata map[string]any // channel-specific hints (thread_ts, …)
}

func (m OutboundMessage) Target() Target                 { return m.target }
func (m OutboundMessage) Channel() ChannelType           { return m.target.Channel }
func (m OutboundMessage) ChatId() string                 { return m.target.ChatId }
func (m OutboundMessage) ReplyTo() string                { return m.target.ReplyTo }
func (m OutboundMessage) Content() string                { return m.content }
func (m OutboundMessage) Fallback() bool                 { return m.fallback }
func (m OutboundMessage) Metadata() map[string]any       { return m.metadata }
func (m *OutboundMessage) SetFallback(fallback bool)     { m.fallback = fallback }
func (m *OutboundMessage) SetMetadata(md map[string]any) { m.metadata = md }

func NewOutboundMessage(target Target, content string) OutboundMessage {
	return OutboundMessage{
		target:  target,
		content: content,
	}
}
