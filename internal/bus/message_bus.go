package bus

// Bus is the contract between chat channels and the pipeline.
type Bus interface {
	// PublishInbound delivers an event from a channel to the pipeline.
	PublishInbound(msg InboundMessage)
	// PublishOutbound delivers a reply from the pipeline to a channel.
	PublishOutbound(msg OutboundMessage)
	// InboundChan returns a receive-only channel for the pipeline to consume.
	InboundChan() <-chan InboundMessage
	// OutboundChan returns a receive-only channel for the channel manager to consume.
	OutboundChan() <-chan OutboundMessage
}

// MessageBus is the in-process Bus backed by buffered Go channels.
// Inbound order is preserved: events are consumed in the order published.
type MessageBus struct {
	inbound  chan InboundMessage  // channels -> pipeline
	outbound chan OutboundMessage // pipeline -> channels
}

func NewMessageBus(bufSize int) *MessageBus {
	return &MessageBus{
		inbound:  make(chan InboundMessage, bufSize),
		outbound: make(chan OutboundMessage, bufSize),
	}
}

func (b *MessageBus) PublishInbound(msg InboundMessage) {
	b.inbound <- msg
}

func (b *MessageBus) PublishOutbound(msg OutboundMessage) {
	b.outbound <- msg
}

func (b *MessageBus) InboundChan() <-chan InboundMessage {
	return b.inbound
}

func (b *MessageBus) OutboundChan() <-chan OutboundMessage {
	return b.outbound
}

func (b *MessageBus) InboundSize() int { return len(b.inbound) }

func (b *MessageBus) OutboundSize() int { return len(b.outbound) }
