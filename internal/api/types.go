package api

import (
	"github.com/agonn78/p2p-chat/internal/bus"
	"github.com/agonn78/p2p-chat/internal/chat"
	"github.com/agonn78/p2p-chat/internal/status"
)

// Message is a cached message as seen by API clients.
type Message struct {
	LocalID         string `json:"local_id"`
	ServerID        string `json:"server_id,omitempty"`
	ClientID        string `json:"client_id,omitempty"`
	SenderID        string `json:"sender_id,omitempty"`
	SenderUsername  string `json:"sender_username,omitempty"`
	Kind            string `json:"kind"`
	TargetID        string `json:"target_id"`
	Content         string `json:"content"`
	Nonce           string `json:"nonce,omitempty"`
	CreatedAtUnixMs int64  `json:"created_at_unix_ms"`
	EditedAtUnixMs  int64  `json:"edited_at_unix_ms,omitempty"`
	Status          string `json:"status"`
}

// OutboxEntry is a queued send.
type OutboxEntry struct {
	ClientID        string `json:"client_id"`
	Kind            string `json:"kind"`
	TargetID        string `json:"target_id"`
	ScopeID         string `json:"scope_id,omitempty"`
	Content         string `json:"content"`
	CreatedAtUnixMs int64  `json:"created_at_unix_ms"`
	UpdatedAtUnixMs int64  `json:"updated_at_unix_ms"`
	Attempts        int    `json:"attempts"`
	LastError       string `json:"last_error,omitempty"`
}

type GetStatusRequest struct{}

type GetStatusResponse struct {
	Profile               string `json:"profile"`
	Connection            string `json:"connection"`
	ConnectionSinceUnixMs int64  `json:"connection_since_unix_ms"`
	UptimeMs              int64  `json:"uptime_ms"`
	MessageCount          int64  `json:"message_count"`
	OutboxCount           int64  `json:"outbox_count"`
}

type SendMessageRequest struct {
	Kind     string `json:"kind"`
	TargetID string `json:"target_id"`
	ScopeID  string `json:"scope_id,omitempty"`
	Content  string `json:"content"`
	Nonce    string `json:"nonce,omitempty"`
	ClientID string `json:"client_id,omitempty"`
}

// SendMessageResponse carries the stored message. When delivery failed the
// message has status "failed", Error holds the transport error and the send
// stays queued for redelivery.
type SendMessageResponse struct {
	Message Message `json:"message"`
	Error   string  `json:"error,omitempty"`
}

type ListMessagesRequest struct {
	Kind     string `json:"kind"`
	TargetID string `json:"target_id"`
	Before   string `json:"before,omitempty"`
	Limit    int    `json:"limit,omitempty"`
}

type ListMessagesResponse struct {
	Messages []Message `json:"messages"`
	// Source is "merged", "remote" or "cache".
	Source      string `json:"source"`
	RemoteError string `json:"remote_error,omitempty"`
	// NextBefore is the cursor for the next older page.
	NextBefore string `json:"next_before,omitempty"`
}

type ListOutboxRequest struct {
	Limit int `json:"limit,omitempty"`
}

type ListOutboxResponse struct {
	Entries []OutboxEntry `json:"entries"`
}

type ClearOutboxRequest struct{}

type ClearOutboxResponse struct {
	Removed int64 `json:"removed"`
}

type RetryOutboxRequest struct {
	ClientID string `json:"client_id"`
}

type RetryOutboxResponse struct {
	Message Message `json:"message"`
	Error   string  `json:"error,omitempty"`
}

type UpdateStatusRequest struct {
	MessageID string `json:"message_id"`
	Status    string `json:"status"`
}

type UpdateStatusResponse struct{}

type WatchEventsRequest struct {
	// Prefix filters event kinds, e.g. "message." Empty means all.
	Prefix string `json:"prefix,omitempty"`
}

// Event is one bus event streamed to a watcher.
type Event struct {
	EventID          string `json:"event_id"`
	Kind             string `json:"kind"`
	OccurredAtUnixMs int64  `json:"occurred_at_unix_ms"`

	Conversation string `json:"conversation,omitempty"`
	LocalID      string `json:"local_id,omitempty"`
	ClientID     string `json:"client_id,omitempty"`
	ServerID     string `json:"server_id,omitempty"`
	Status       string `json:"status,omitempty"`
	Error        string `json:"error,omitempty"`

	Count int `json:"count,omitempty"`

	From string `json:"from,omitempty"`
	To   string `json:"to,omitempty"`
}

func messageFromChat(m *chat.PersistedMessage) Message {
	out := Message{
		LocalID:         m.LocalID,
		ServerID:        m.ServerID,
		ClientID:        m.ClientID,
		SenderID:        m.SenderID,
		SenderUsername:  m.SenderUsername,
		Kind:            string(m.TargetKind),
		TargetID:        m.TargetID,
		Content:         m.Content,
		Nonce:           m.Nonce,
		CreatedAtUnixMs: m.CreatedAt.UnixMilli(),
		Status:          string(m.Status),
	}
	if m.EditedAt != nil {
		out.EditedAtUnixMs = m.EditedAt.UnixMilli()
	}
	return out
}

func outboxFromChat(o *chat.OutboxMessage) OutboxEntry {
	return OutboxEntry{
		ClientID:        o.ClientID,
		Kind:            string(o.TargetKind),
		TargetID:        o.TargetID,
		ScopeID:         o.ServerScopeID,
		Content:         o.Content,
		CreatedAtUnixMs: o.CreatedAt.UnixMilli(),
		UpdatedAtUnixMs: o.UpdatedAt.UnixMilli(),
		Attempts:        o.Attempts,
		LastError:       o.LastError,
	}
}

func eventFromBus(id string, evt bus.Event) *Event {
	out := &Event{
		EventID:          id,
		Kind:             evt.Kind,
		OccurredAtUnixMs: evt.Timestamp.UnixMilli(),
	}
	switch p := evt.Payload.(type) {
	case bus.MessageRef:
		out.Conversation = p.Conversation.String()
		out.LocalID = p.LocalID
		out.ClientID = p.ClientID
		out.ServerID = p.ServerID
		out.Status = string(p.Status)
		out.Error = p.Error
	case bus.CacheBatch:
		out.Count = p.Count
	case status.StatusChange:
		out.From = string(p.From)
		out.To = string(p.To)
	case int64:
		out.Count = int(p)
	}
	return out
}
