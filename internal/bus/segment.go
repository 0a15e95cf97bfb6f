package bus

// Segment is one decoded content fragment of an inbound message.
// The set of implementations is closed: TextSegment, ImageSegment,
// ReplySegment, MentionSegment and ForwardSegment.
type Segment interface {
	segment()
}

// TextSegment is plain message text.
type TextSegment struct {
	Text string
}

// ImageSegment references an image by URL or local path.
type ImageSegment struct {
	URL string
}

// ReplySegment quotes an earlier message. Context is the resolved
// "sender: text" of the quoted message, empty if it could not be fetched.
type ReplySegment struct {
	MessageID string
	Context   string
}

// MentionSegment mentions a user, or everyone when Target is "all".
type MentionSegment struct {
	Target string
	Name   string
}

// ForwardSegment is a merged forward whose content was summarised upstream.
type ForwardSegment struct {
	ID      string
	Summary string
}

func (TextSegment) segment()    {}
func (ImageSegment) segment()   {}
func (ReplySegment) segment()   {}
func (MentionSegment) segment() {}
func (ForwardSegment) segment() {}

const imageWeight = 256

// segmentSize approximates the payload weight of a segment in bytes.
func segmentSize(s Segment) int {
	switch v := s.(type) {
	case TextSegment:
		return len(v.Text)
	case ImageSegment:
		// Inlined data URLs would dwarf the text; an image weighs the same
		// however it is referenced.
		return imageWeight
	case ReplySegment:
		return len(v.Context)
	case MentionSegment:
		return len(v.Target)
	case ForwardSegment:
		return len(v.Summary)
	default:
		return 0
	}
}
