package models

// MessageKind separates user content from system messages.
type MessageKind string

const (
	MessageKindApplication      MessageKind = "application"
	MessageKindMembershipChange MessageKind = "membership_change"
)

// ContentTypeID names a codec, e.g. "xmtp.org/text:1.0".
type ContentTypeID struct {
	AuthorityID  string `json:"authority_id"`
	TypeID       string `json:"type_id"`
	VersionMajor uint32 `json:"version_major"`
	VersionMinor uint32 `json:"version_minor"`
}

// EncodedContent is a codec-tagged payload.
type EncodedContent struct {
	Type       ContentTypeID     `json:"type"`
	Parameters map[string]string `json:"parameters,omitempty"`
	Fallback   string            `json:"fallback,omitempty"`
	Content    []byte            `json:"content"`
}

// Message is one applied entry of a conversation's message log.
type Message struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversation_id"`
	SenderInboxID  string         `json:"sender_inbox_id"`
	SentAtNs       int64          `json:"sent_at_ns"`
	Position       uint64         `json:"position"`
	Kind           MessageKind    `json:"kind"`
	Content        EncodedContent `json:"content"`
}

// ListMessagesOptions filters FindMessages. Zero values mean no bound.
type ListMessagesOptions struct {
	SentAfterNs  int64
	SentBeforeNs int64
	Limit        int
	Kind         MessageKind
}

// Match reports whether m passes the time and kind filters.
func (o ListMessagesOptions) Match(m Message) bool {
	if o.SentAfterNs > 0 && m.SentAtNs <= o.SentAfterNs {
		return false
	}
	if o.SentBeforeNs > 0 && m.SentAtNs >= o.SentBeforeNs {
		return false
	}
	if o.Kind != "" && m.Kind != o.Kind {
		return false
	}
	return true
}
