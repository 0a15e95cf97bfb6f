// Package bus defines the message types that flow between chat channels
// and the pipeline.
package bus

import (
	"errors"
	"strings"
	"time"

	"github.com/crystaldolphin/cirno/internal/shared/stringutils"
)

var (
	ErrMissingChannel = errors.New("bus: message has no channel")
	ErrMissingSender  = errors.New("bus: message has no sender")
	ErrMissingContext = errors.New("bus: group message has no group id")
	ErrMissingChat    = errors.New("bus: message has no chat id")
	ErrEmptyMessage   = errors.New("bus: message has no content")
)

// InboundMessage is a normalized event received from a chat channel.
type InboundMessage struct {
	channel      ChannelType
	messageId    string
	senderId     string
	senderName   string
	chatId       string // where replies go: group id, or the private chat id
	conversation Conversation
	timestamp    time.Time
	segments     []Segment
	urgent       bool
	metadata     map[string]any // channel-specific extras (thread_ts, …)
}

// NewInboundMessage creates an InboundMessage with Timestamp set to now.
// Use the Set* methods to attach optional fields.
func NewInboundMessage(channel ChannelType, senderId, chatId string, conv Conversation, segments ...Segment) InboundMessage {
	return InboundMessage{
		channel:      channel,
		senderId:     senderId,
		chatId:       chatId,
		conversation: conv,
		timestamp:    time.Now(),
		segments:     segments,
	}
}

// NewTextMessage is a shortcut for a message carrying one text segment.
func NewTextMessage(channel ChannelType, senderId, chatId string, conv Conversation, text string) InboundMessage {
	return NewInboundMessage(channel, senderId, chatId, conv, TextSegment{Text: text})
}

func (m InboundMessage) Channel() ChannelType           { return m.channel }
func (m InboundMessage) MessageId() string              { return m.messageId }
func (m InboundMessage) SenderId() string               { return m.senderId }
func (m InboundMessage) SenderName() string             { return m.senderName }
func (m InboundMessage) ChatId() string                 { return m.chatId }
func (m InboundMessage) Conversation() Conversation     { return m.conversation }
func (m InboundMessage) Timestamp() time.Time           { return m.timestamp }
func (m InboundMessage) Segments() []Segment            { return m.segments }
func (m InboundMessage) Urgent() bool                   { return m.urgent }
func (m InboundMessage) Metadata() map[string]any       { return m.metadata }
func (m *InboundMessage) SetMessageId(id string)        { m.messageId = id }
func (m *InboundMessage) SetSenderName(name string)     { m.senderName = name }
func (m *InboundMessage) SetTimestamp(t time.Time)      { m.timestamp = t }
func (m *InboundMessage) SetUrgent(urgent bool)         { m.urgent = urgent }
func (m *InboundMessage) SetMetadata(md map[string]any) { m.metadata = md }

// AddSegment appends a content fragment.
func (m *InboundMessage) AddSegment(s Segment) { m.segments = append(m.segments, s) }

// DisplayName returns the sender name, falling back to the sender id.
func (m InboundMessage) DisplayName() string {
	if m.senderName != "" {
		return m.senderName
	}
	return m.senderId
}

// PlainText joins all text segments.
func (m InboundMessage) PlainText() string {
	var sb strings.Builder
	for _, s := range m.segments {
		if t, ok := s.(TextSegment); ok {
			sb.WriteString(t.Text)
		}
	}
	return strings.TrimSpace(sb.String())
}

// Images returns the URLs of all image segments in order.
func (m InboundMessage) Images() []string {
	var out []string
	for _, s := range m.segments {
		if img, ok := s.(ImageSegment); ok {
			out = append(out, img.URL)
		}
	}
	return out
}

// Reply returns the quoted message, if any.
func (m InboundMessage) Reply() (ReplySegment, bool) {
	for _, s := range m.segments {
		if r, ok := s.(ReplySegment); ok {
			return r, true
		}
	}
	return ReplySegment{}, false
}

// Mentions returns every mention segment.
func (m InboundMessage) Mentions() []MentionSegment {
	var out []MentionSegment
	for _, s := range m.segments {
		if at, ok := s.(MentionSegment); ok {
			out = append(out, at)
		}
	}
	return out
}

// Forward returns the merged-forward segment, if any.
func (m InboundMessage) Forward() (ForwardSegment, bool) {
	for _, s := range m.segments {
		if f, ok := s.(ForwardSegment); ok {
			return f, true
		}
	}
	return ForwardSegment{}, false
}

// MentionsUser reports whether the message mentions target or everyone.
func (m InboundMessage) MentionsUser(target string) bool {
	for _, at := range m.Mentions() {
		if at.Target == target || at.Target == "all" {
			return true
		}
	}
	return false
}

// Size is the approximate payload weight in bytes, used for batch ceilings.
func (m InboundMessage) Size() int {
	n := 0
	for _, s := range m.segments {
		n += segmentSize(s)
	}
	return n
}

// Target is where replies to this message are delivered.
func (m InboundMessage) Target() Target {
	return Target{
		Channel: m.channel,
		ChatId:  m.chatId,
		Group:   m.conversation.IsGroup(),
		ReplyTo: m.messageId,
	}
}

// Validate rejects events the pipeline cannot route.
func (m InboundMessage) Validate() error {
	switch {
	case m.channel == "":
		return ErrMissingChannel
	case m.senderId == "":
		return ErrMissingSender
	case m.conversation.IsGroup() && m.conversation.GroupID == "":
		return ErrMissingContext
	case m.chatId == "":
		return ErrMissingChat
	case len(m.segments) == 0:
		return ErrEmptyMessage
	}
	return nil
}

// Preview returns a short snippet of the message text for logging.
func (m InboundMessage) Preview() string {
	preview := m.PlainText()
	if preview == "" {
		if len(m.Images()) > 0 {
			preview = "[image]"
		}
	}
	return stringutils.Truncate(preview, 80)
}
