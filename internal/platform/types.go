package platform

import "errors"

// Errors surfaced by the client. ErrRateLimited stays internal to the retry
// loop unless retries exhaust. ErrDeliveryFailed is reserved for message
// posts: the terminal outcome the pipeline maps to an unacknowledged inbox
// record. Every other method fails with ErrRequestFailed.
var (
	ErrRateLimited    = errors.New("platform: rate limited")
	ErrDeliveryFailed = errors.New("platform: delivery failed")
	ErrRequestFailed  = errors.New("platform: request failed")
)

// StreamEvent is one raw event off the subscription socket.
type StreamEvent struct {
	Type       string  `json:"type"`
	MessageID  string  `json:"message_id"`
	ChannelID  string  `json:"channel_id"`
	ThreadID   string  `json:"thread_id,omitempty"`
	SenderID   string  `json:"sender_id"`
	SenderName string  `json:"sender_name,omitempty"`
	Text       string  `json:"text"`
	TS         float64 `json:"ts"`
}

// Message is one history item from history.list.
type Message struct {
	MessageID string `json:"message_id"`
	SenderID  string `json:"sender_id"`
	Text      string `json:"text"`
	ThreadID  string `json:"thread_id,omitempty"`
}

// apiEnvelope is the common response wrapper for every API method.
type apiEnvelope struct {
	OK         bool    `json:"ok"`
	Error      string  `json:"error,omitempty"`
	RetryAfter float64 `json:"retry_after,omitempty"` // seconds

	MessageID string    `json:"message_id,omitempty"`
	StreamURL string    `json:"url,omitempty"`
	UserID    string    `json:"user_id,omitempty"`
	Messages  []Message `json:"messages,omitempty"`
}
