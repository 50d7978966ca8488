package bus

import "time"

// EventKind classifies how an inbound message reached the agent.
type EventKind string

const (
	KindMention       EventKind = "mention"
	KindDirectMessage EventKind = "direct_message"
	KindThreadReply   EventKind = "thread_reply"
)

// ChatEvent is one normalized unit of inbound work. Immutable once built by
// the listener; transport delivery is at-least-once, deduplicated by MessageID.
type ChatEvent struct {
	MessageID  string    `json:"messageId"`
	ChannelID  string    `json:"channelId"`
	ThreadID   string    `json:"threadId,omitempty"` // empty means start of a new thread
	SenderID   string    `json:"senderId"`
	SenderName string    `json:"senderName,omitempty"`
	Text       string    `json:"text"`
	Kind       EventKind `json:"kind"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// ThreadRoot returns the thread the event belongs to. An event without a
// thread ID starts a new thread rooted at its own message ID.
func (e *ChatEvent) ThreadRoot() string {
	if e.ThreadID != "" {
		return e.ThreadID
	}
	return e.MessageID
}

// ThreadKey identifies the serialization unit for ordering and session lookup.
func (e *ChatEvent) ThreadKey() string {
	return e.ChannelID + ":" + e.ThreadRoot()
}

// OutboundReply is the externally visible portion of a completed turn.
type OutboundReply struct {
	ChannelID string
	ThreadID  string
	Text      string
}
