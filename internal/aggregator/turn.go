package aggregator

import (
	"time"

	"github.com/google/uuid"

	"github.com/crystaldolphin/cirno/internal/bus"
)

// FlushReason says why a pending batch became a Turn.
type FlushReason int

const (
	FlushDebounce     FlushReason = iota // idle window elapsed
	FlushSizeLimit                       // message-count or byte ceiling reached
	FlushHardDeadline                    // batch reached its maximum age
	FlushExplicit                        // urgent event, flush marker, or manual Flush
	FlushShutdown                        // drained by Close
	FlushTargetChanged                   // session moved to another chat
)

func (r FlushReason) String() string {
	switch r {
	case FlushDebounce:
		return "debounce_expired"
	case FlushSizeLimit:
		return "size_limit"
	case FlushHardDeadline:
		return "hard_deadline"
	case FlushExplicit:
		return "explicit_trigger"
	case FlushShutdown:
		return "shutdown"
	case FlushTargetChanged:
		return "target_changed"
	default:
		return "unknown"
	}
}

// Turn is the merged, immutable unit of work produced from one batch.
type Turn struct {
	id        string
	sessionID string
	messages  []bus.InboundMessage
	content   string
	reason    FlushReason
	openedAt  time.Time
	createdAt time.Time
}

func newTurn(sessionID string, b *batch, reason FlushReason, now time.Time) Turn {
	msgs := make([]bus.InboundMessage, len(b.messages))
	copy(msgs, b.messages)
	return Turn{
		id:        uuid.NewString(),
		sessionID: sessionID,
		messages:  msgs,
		content:   FormatDigest(msgs),
		reason:    reason,
		openedAt:  b.openedAt,
		createdAt: now,
	}
}

func (t Turn) ID() string           { return t.id }
func (t Turn) SessionID() string    { return t.sessionID }
func (t Turn) Content() string      { return t.content }
func (t Turn) Reason() FlushReason  { return t.reason }
func (t Turn) OpenedAt() time.Time  { return t.openedAt }
func (t Turn) CreatedAt() time.Time { return t.createdAt }
func (t Turn) Len() int             { return len(t.messages) }
func (t Turn) IsZero() bool         { return t.id == "" }

// Last returns the newest message. The turn must not be empty.
func (t Turn) Last() bus.InboundMessage { return t.messages[len(t.messages)-1] }

// Messages returns a copy of the constituent messages in arrival order.
func (t Turn) Messages() []bus.InboundMessage {
	out := make([]bus.InboundMessage, len(t.messages))
	copy(out, t.messages)
	return out
}

// Target is the delivery target of the reply: the chat of the newest
// message, quoting it.
func (t Turn) Target() bus.Target {
	if len(t.messages) == 0 {
		return bus.Target{}
	}
	return t.Last().Target()
}

// Images collects every image URL of the turn in order.
func (t Turn) Images() []string {
	var urls []string
	for _, m := range t.messages {
		urls = append(urls, m.Images()...)
	}
	return urls
}
