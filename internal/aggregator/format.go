package aggregator

import (
	"fmt"
	"strings"

	"github.com/crystaldolphin/cirno/internal/bus"
)

// FormatDigest renders messages as the text handed to the engine.
// A lone private message is passed through as its body; anything else
// becomes a digest with a header and one block per message.
func FormatDigest(msgs []bus.InboundMessage) string {
	if len(msgs) == 0 {
		return "[no messages]"
	}
	first := msgs[0]
	if len(msgs) == 1 && !first.Conversation().IsGroup() {
		return formatBody(first)
	}

	var header []string
	if first.Conversation().IsGroup() {
		header = append(header, "[Group chat digest]", "Group: "+first.Conversation().GroupID)
	} else {
		header = append(header, "[Private chat digest]")
	}
	header = append(header, fmt.Sprintf("Messages: %d", len(msgs)))
	if span := msgs[len(msgs)-1].Timestamp().Sub(first.Timestamp()); span.Seconds() > 0.1 {
		header = append(header, fmt.Sprintf("Span: %.1fs", span.Seconds()))
	}

	parts := []string{strings.Join(header, "\n")}
	for _, m := range msgs {
		parts = append(parts, "---", formatMessage(m))
	}
	return strings.Join(parts, "\n\n")
}

func formatMessage(m bus.InboundMessage) string {
	return fmt.Sprintf("[%s (id:%s)]\n%s", m.DisplayName(), m.SenderId(), formatBody(m))
}

func formatBody(m bus.InboundMessage) string {
	var parts []string

	if r, ok := m.Reply(); ok && r.Context != "" {
		if r.MessageID != "" {
			parts = append(parts, fmt.Sprintf("> replying to #%s: %q", r.MessageID, r.Context))
		} else {
			parts = append(parts, fmt.Sprintf("> replying to: %q", r.Context))
		}
	}

	if text := m.PlainText(); text != "" {
		parts = append(parts, text)
	} else if n := len(m.Images()); n > 0 {
		parts = append(parts, fmt.Sprintf("[sent %d image(s)]", n))
	}

	if mentions := m.Mentions(); len(mentions) > 0 {
		names := make([]string, 0, len(mentions))
		for _, at := range mentions {
			if at.Name != "" {
				names = append(names, at.Name)
			} else {
				names = append(names, at.Target)
			}
		}
		parts = append(parts, "(mentioned: "+strings.Join(names, ", ")+")")
	}

	if f, ok := m.Forward(); ok && f.Summary != "" {
		parts = append(parts, "[forwarded messages]\n"+f.Summary)
	}

	if len(parts) == 0 {
		return "(empty message)"
	}
	return strings.Join(parts, "\n")
}
