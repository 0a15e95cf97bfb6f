package channels

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/crystaldolphin/cirno/internal/bus"
)

// obFrame is any frame received from a OneBot 11 implementation: an event
// (post_type set) or the response to an API call (echo set).
type obFrame struct {
	PostType      string          `json:"post_type"`
	MessageType   string          `json:"message_type"`
	SubType       string          `json:"sub_type"`
	MetaEventType string          `json:"meta_event_type"`
	MessageID     json.Number     `json:"message_id"`
	UserID        json.Number     `json:"user_id"`
	GroupID       json.Number     `json:"group_id"`
	SelfID        json.Number     `json:"self_id"`
	Time          int64           `json:"time"`
	Message       json.RawMessage `json:"message"`
	Sender        obSender        `json:"sender"`

	Status  string          `json:"status"`
	Retcode int             `json:"retcode"`
	Data    json.RawMessage `json:"data"`
	Msg     string          `json:"msg"`
	Wording string          `json:"wording"`
	Echo    json.RawMessage `json:"echo"`
}

type obSender struct {
	UserID   json.Number `json:"user_id"`
	Nickname string      `json:"nickname"`
	Card     string      `json:"card"`
}

func (s obSender) displayName() string {
	if s.Card != "" {
		return s.Card
	}
	return s.Nickname
}

type obSegment struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

func (s obSegment) str(key string) string {
	switch v := s.Data[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case json.Number:
		return v.String()
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// echoKey returns the echo of a response frame without JSON quoting.
func (f obFrame) echoKey() string {
	return strings.Trim(string(f.Echo), `"`)
}

func (f obFrame) isGroup() bool { return f.MessageType == "group" }

// decodeSegments reads a message field in either array or CQ-code string form.
func decodeSegments(raw json.RawMessage) []obSegment {
	if len(raw) == 0 {
		return nil
	}
	var segs []obSegment
	if err := json.Unmarshal(raw, &segs); err == nil {
		return segs
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return parseCQ(s)
	}
	return nil
}

var reCQ = regexp.MustCompile(`\[CQ:([a-zA-Z_]+)((?:,[^,\]]*)*)\]`)

var cqUnescaper = strings.NewReplacer("&#44;", ",", "&#91;", "[", "&#93;", "]", "&amp;", "&")

// parseCQ converts a CQ-code string such as "hi [CQ:at,qq=123]" to segments.
func parseCQ(s string) []obSegment {
	var out []obSegment
	text := func(t string) {
		if t != "" {
			out = append(out, obSegment{Type: "text", Data: map[string]any{"text": cqUnescaper.Replace(t)}})
		}
	}
	last := 0
	for _, m := range reCQ.FindAllStringSubmatchIndex(s, -1) {
		text(s[last:m[0]])
		seg := obSegment{Type: s[m[2]:m[3]], Data: map[string]any{}}
		for _, kv := range strings.Split(s[m[4]:m[5]], ",") {
			if k, v, ok := strings.Cut(kv, "="); ok {
				seg.Data[k] = cqUnescaper.Replace(v)
			}
		}
		out = append(out, seg)
		last = m[1]
	}
	text(s[last:])
	return out
}

// toBusSegments maps OneBot segments onto the bus variant. Content without
// a dedicated variant (faces, files, voice, video) becomes a short text
// placeholder so it still shows up in the digest.
func toBusSegments(segs []obSegment) []bus.Segment {
	var out []bus.Segment
	for _, seg := range segs {
		switch seg.Type {
		case "text":
			if t := seg.str("text"); t != "" {
				out = append(out, bus.TextSegment{Text: t})
			}
		case "image":
			url := seg.str("url")
			file := seg.str("file")
			if url == "" && (strings.HasPrefix(file, "http://") || strings.HasPrefix(file, "https://")) {
				url = file
			}
			if url != "" {
				out = append(out, bus.ImageSegment{URL: url})
			}
		case "reply":
			if id := seg.str("id"); id != "" {
				out = append(out, bus.ReplySegment{MessageID: id})
			}
		case "at":
			if qq := seg.str("qq"); qq != "" {
				out = append(out, bus.MentionSegment{Target: qq, Name: seg.str("name")})
			}
		case "forward":
			out = append(out, bus.ForwardSegment{ID: seg.str("id")})
		case "face":
			out = append(out, bus.TextSegment{Text: "[face]"})
		case "mface":
			summary := seg.str("summary")
			if summary == "" {
				summary = "[sticker]"
			}
			out = append(out, bus.TextSegment{Text: summary})
		case "file":
			name := seg.str("name")
			if name == "" {
				name = seg.str("file")
			}
			out = append(out, bus.TextSegment{Text: "[file: " + name + "]"})
		case "record":
			out = append(out, bus.TextSegment{Text: "[voice]"})
		case "video":
			out = append(out, bus.TextSegment{Text: "[video]"})
		}
	}
	return out
}

// describe renders segments as one line of text, e.g. "[image x2] fix this".
// Used for quoted messages and forward summaries.
func describe(segs []bus.Segment) string {
	var (
		images  int
		forward bool
		text    strings.Builder
	)
	for _, s := range segs {
		switch v := s.(type) {
		case bus.ImageSegment:
			images++
		case bus.ForwardSegment:
			forward = true
		case bus.TextSegment:
			text.WriteString(v.Text)
		case bus.MentionSegment:
			if v.Name != "" {
				text.WriteString("@" + v.Name + " ")
			}
		}
	}

	var parts []string
	if images > 0 {
		parts = append(parts, fmt.Sprintf("[image x%d]", images))
	}
	if forward {
		parts = append(parts, "[forwarded messages]")
	}
	if t := strings.TrimSpace(text.String()); t != "" {
		parts = append(parts, t)
	}
	return strings.Join(parts, " ")
}

// toInbound builds the bus message for a message event. ok is false for
// events the pipeline cannot use.
func toInbound(f obFrame, segs []bus.Segment) (bus.InboundMessage, bool) {
	sender := f.UserID.String()
	if sender == "" || len(segs) == 0 {
		return bus.InboundMessage{}, false
	}

	conv, chatID := bus.Private(), sender
	if f.isGroup() {
		gid := f.GroupID.String()
		if gid == "" {
			return bus.InboundMessage{}, false
		}
		conv, chatID = bus.Group(gid), gid
	}

	msg := bus.NewInboundMessage(bus.ChannelOneBot, sender, chatID, conv, segs...)
	msg.SetMessageId(f.MessageID.String())
	msg.SetSenderName(f.Sender.displayName())
	if f.Time > 0 {
		msg.SetTimestamp(time.Unix(f.Time, 0))
	}
	return msg, true
}

// obNode is one entry of a merged forward, in either the node-wrapped or
// flat layout implementations use.
type obNode struct {
	Type     string          `json:"type"`
	Data     *obNodeData     `json:"data"`
	Sender   obSender        `json:"sender"`
	Nickname string          `json:"nickname"`
	Content  json.RawMessage `json:"content"`
	Message  json.RawMessage `json:"message"`
}

type obNodeData struct {
	Nickname string          `json:"nickname"`
	Content  json.RawMessage `json:"content"`
}

const (
	maxForwardNodes    = 50
	maxForwardNodeText = 200
	maxForwardImages   = 3
)

// summarizeForward turns the data of a get_forward_msg response into
// "name: text" lines plus the image URLs found in the nodes.
func summarizeForward(data json.RawMessage) (string, []string) {
	var body struct {
		Message  []obNode `json:"message"`
		Messages []obNode `json:"messages"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return "", nil
	}
	nodes := body.Message
	if len(nodes) == 0 {
		nodes = body.Messages
	}

	var (
		lines  []string
		images []string
	)
	for i, n := range nodes {
		if i == maxForwardNodes {
			lines = append(lines, fmt.Sprintf("... %d more messages", len(nodes)-maxForwardNodes))
			break
		}
		name, content := n.Nickname, n.Content
		if name == "" {
			name = n.Sender.displayName()
		}
		if len(content) == 0 {
			content = n.Message
		}
		if n.Data != nil {
			if n.Data.Nickname != "" {
				name = n.Data.Nickname
			}
			if len(n.Data.Content) > 0 {
				content = n.Data.Content
			}
		}
		if name == "" {
			name = "someone"
		}

		segs := toBusSegments(decodeSegments(content))
		for _, s := range segs {
			if img, ok := s.(bus.ImageSegment); ok && len(images) < maxForwardImages {
				images = append(images, img.URL)
			}
		}
		text := describe(segs)
		if r := []rune(text); len(r) > maxForwardNodeText {
			text = string(r[:maxForwardNodeText])
		}
		lines = append(lines, name+": "+text)
	}
	return strings.Join(lines, "\n"), images
}
