package bus

// ChannelType names the chat gateway an event came from.
type ChannelType string

const (
	ChannelOneBot   ChannelType = "onebot"
	ChannelTelegram ChannelType = "telegram"
	ChannelSlack    ChannelType = "slack"
	ChannelCLI      ChannelType = "cli"
)

// ConversationKind distinguishes private chats from group chats.
type ConversationKind int

const (
	ConversationPrivate ConversationKind = iota
	ConversationGroup
)

func (k ConversationKind) String() string {
	switch k {
	case ConversationPrivate:
		return "private"
	case ConversationGroup:
		return "group"
	default:
		return "unknown"
	}
}

// Conversation is the context an event was posted in.
type Conversation struct {
	Kind    ConversationKind
	GroupID string // set only for group conversations
}

// Private returns a private (one-to-one) conversation context.
func Private() Conversation { return Conversation{Kind: ConversationPrivate} }

// Group returns a group conversation context.
func Group(groupID string) Conversation {
	return Conversation{Kind: ConversationGroup, GroupID: groupID}
}

func (c Conversation) IsGroup() bool { return c.Kind == ConversationGroup }

func (c Conversation) String() string {
	if c.IsGroup() {
		return "group:" + c.GroupID
	}
	return "private"
}
