// Package channels connects chat platforms to the message bus.
package channels

import (
	"context"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/crystaldolphin/cirno/internal/bus"
	"github.com/crystaldolphin/cirno/internal/config"
)

// Channel is a chat platform connection.
type Channel interface {
	Name() string
	// Start connects and publishes inbound events until ctx is cancelled.
	Start(ctx context.Context) error
	// Send delivers one reply. It is called by the Manager only.
	Send(ctx context.Context, msg bus.OutboundMessage) error
}

// TriggerPolicy decides which allowed messages are answered.
type TriggerPolicy struct {
	Private  bool
	Mention  bool
	AllGroup bool
	Names    []string
}

// TriggerFromConfig converts the config section.
func TriggerFromConfig(c config.TriggerConfig) TriggerPolicy {
	return TriggerPolicy{Private: c.Private, Mention: c.Mention, AllGroup: c.AllGroup, Names: c.BotNames}
}

// Triggered reports whether msg should reach the pipeline. selfID is the
// bot's own account id, empty while unknown.
func (p TriggerPolicy) Triggered(msg bus.InboundMessage, selfID string) bool {
	if msg.Conversation().IsGroup() {
		if p.AllGroup {
			return true
		}
		if p.Mention && selfID != "" && msg.MentionsUser(selfID) {
			return true
		}
	} else if p.Private {
		return true
	}

	text := strings.ToLower(msg.PlainText())
	for _, name := range p.Names {
		if name != "" && strings.Contains(text, strings.ToLower(name)) {
			return true
		}
	}
	return false
}

// Base holds common state and helper methods shared by all channels.
type Base struct {
	channelName bus.ChannelType
	b           bus.Bus
	allowFrom   []string // empty = allow all
	trigger     TriggerPolicy
}

// NewBase creates a Base with the given channel name, bus, allowlist and
// trigger policy.
func NewBase(name bus.ChannelType, b bus.Bus, allowFrom []string, trigger TriggerPolicy) Base {
	return Base{channelName: name, b: b, allowFrom: allowFrom, trigger: trigger}
}

// IsAllowed checks whether senderID is on the allowlist.
// senderID may be "id|username" (Telegram) or a plain string.
func (b *Base) IsAllowed(senderID string) bool {
	if len(b.allowFrom) == 0 {
		return true
	}
	for _, allowed := range b.allowFrom {
		if allowed == senderID {
			return true
		}
	}
	if strings.Contains(senderID, "|") {
		for _, part := range strings.Split(senderID, "|") {
			if part == "" {
				continue
			}
			for _, allowed := range b.allowFrom {
				if allowed == part {
					return true
				}
			}
		}
	}
	return false
}

// Accept checks the allowlist and trigger policy for msg. selfID is the
// bot's account id on the platform, empty while unknown.
func (b *Base) Accept(msg bus.InboundMessage, selfID string) bool {
	if !b.IsAllowed(msg.SenderId()) {
		slog.Warn("channels: access denied", "channel", b.channelName, "sender", msg.SenderId())
		return false
	}
	if !b.trigger.Triggered(msg, selfID) {
		slog.Debug("channels: not triggered", "channel", b.channelName, "chat", msg.ChatId(), "preview", msg.Preview())
		return false
	}
	return true
}

// Publish hands msg to the pipeline.
func (b *Base) Publish(msg bus.InboundMessage) { b.b.PublishInbound(msg) }

// HandleMessage publishes msg if Accept allows it and reports whether it did.
func (b *Base) HandleMessage(msg bus.InboundMessage, selfID string) bool {
	if !b.Accept(msg, selfID) {
		return false
	}
	b.Publish(msg)
	return true
}

// splitMessage splits content into chunks that fit within maxLen,
// preferring newline breaks, then space breaks, then hard cut.
func splitMessage(content string, maxLen int) []string {
	if len(content) <= maxLen {
		return []string{content}
	}
	var chunks []string
	for len(content) > 0 {
		if len(content) <= maxLen {
			chunks = append(chunks, content)
			break
		}
		cut := content[:maxLen]
		pos := strings.LastIndex(cut, "\n")
		if pos <= 0 {
			pos = strings.LastIndex(cut, " ")
		}
		if pos <= 0 {
			pos = maxLen
			for pos > 1 && !utf8.RuneStart(content[pos]) {
				pos--
			}
		}
		chunks = append(chunks, content[:pos])
		content = strings.TrimLeft(content[pos:], " \t\n")
	}
	return chunks
}
