package chat

import (
	"fmt"
	"time"
)

// ConversationKind identifies the namespace a conversation lives in.
type ConversationKind string

const (
	KindDM      ConversationKind = "dm"
	KindChannel ConversationKind = "channel"
)

// ParseKind accepts the wire and CLI spellings of a conversation kind.
func ParseKind(s string) (ConversationKind, error) {
	switch s {
	case "dm", "dms", "direct":
		return KindDM, nil
	case "channel", "channels":
		return KindChannel, nil
	default:
		return "", fmt.Errorf("unknown conversation kind %q", s)
	}
}

// Valid reports whether k is one of the known kinds.
func (k ConversationKind) Valid() bool {
	return k == KindDM || k == KindChannel
}

// MessageStatus is the delivery state of a message.
type MessageStatus string

const (
	StatusSending   MessageStatus = "sending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusFailed    MessageStatus = "failed"
)

// ParseStatus validates a status string coming from the server or a caller.
func ParseStatus(s string) (MessageStatus, error) {
	switch st := MessageStatus(s); st {
	case StatusSending, StatusSent, StatusDelivered, StatusRead, StatusFailed:
		return st, nil
	default:
		return "", fmt.Errorf("unknown message status %q", s)
	}
}

// Confirmed reports whether the server has accepted a message in this status.
func (s MessageStatus) Confirmed() bool {
	return s == StatusSent || s == StatusDelivered || s == StatusRead
}

// Conversation is the (kind, target) pair a message stream belongs to.
type Conversation struct {
	Kind     ConversationKind
	TargetID string
}

func (c Conversation) String() string {
	return string(c.Kind) + ":" + c.TargetID
}

// PersistedMessage is a cached message row.
//
// LocalID is "local-<client_id>" while the message is pending and the
// server id once confirmed. ServerID and ClientID are empty when absent.
type PersistedMessage struct {
	LocalID        string
	ServerID       string
	ClientID       string
	SenderID       string
	SenderUsername string
	TargetKind     ConversationKind
	TargetID       string
	Content        string
	Nonce          string
	CreatedAt      time.Time
	EditedAt       *time.Time
	Status         MessageStatus
}

// Conversation returns the conversation the message belongs to.
func (m *PersistedMessage) Conversation() Conversation {
	return Conversation{Kind: m.TargetKind, TargetID: m.TargetID}
}

// OutboxMessage is a send that the server has not acknowledged yet.
type OutboxMessage struct {
	ClientID      string
	TargetKind    ConversationKind
	TargetID      string
	ServerScopeID string
	SenderID      string
	Content       string
	Nonce         string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	Attempts      int
	LastError     string
}

// Conversation returns the conversation the send targets.
func (o *OutboxMessage) Conversation() Conversation {
	return Conversation{Kind: o.TargetKind, TargetID: o.TargetID}
}

// PendingLocalID is the local id given to an optimistic row.
func PendingLocalID(clientID string) string {
	return "local-" + clientID
}

// SendRequest is what the transport needs to deliver one outgoing message.
type SendRequest struct {
	Conversation Conversation
	ScopeID      string
	ClientID     string
	Content      string
	Nonce        string
}
