package bus

import (
	"time"

	"github.com/agonn78/p2p-chat/internal/chat"
)

// Event kinds. Subscribers filter by prefix, e.g. "message." or "outbox.".
const (
	MessageUpserted   = "message.upserted"
	MessageSendAck    = "message.send_ack"
	MessageSendFailed = "message.send_failed"
	MessageStatus     = "message.status"
	MessagesCached    = "message.cached"
	OutboxCleared     = "outbox.cleared"
	OutboxExhausted   = "outbox.exhausted"
	ConnectionChanged = "connection.status_changed"
)

// Event is a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// MessageRef identifies the message an event is about.
type MessageRef struct {
	Conversation chat.Conversation
	LocalID      string
	ClientID     string
	ServerID     string
	Status       chat.MessageStatus
	Error        string
}

// CacheBatch is the payload of MessagesCached.
type CacheBatch struct {
	Count         int
	Conversations []chat.Conversation
}
