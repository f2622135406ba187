package transport

import (
	"fmt"
	"time"

	"github.com/agonn78/p2p-chat/internal/chat"
)

// Message is a message as the server encodes it. It is also the payload of
// "message.new" frames on the event socket.
type Message struct {
	ID             string     `json:"id"`
	ClientID       string     `json:"client_id,omitempty"`
	SenderID       string     `json:"sender_id,omitempty"`
	SenderUsername string     `json:"sender_username,omitempty"`
	TargetKind     string     `json:"target_kind,omitempty"`
	TargetID       string     `json:"target_id,omitempty"`
	Content        string     `json:"content"`
	Nonce          string     `json:"nonce,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	EditedAt       *time.Time `json:"edited_at,omitempty"`
	Status         string     `json:"status,omitempty"`
}

type sendBody struct {
	ClientID string `json:"client_id"`
	Content  string `json:"content"`
	Nonce    string `json:"nonce,omitempty"`
	ScopeID  string `json:"server_id,omitempty"`
}

// ToPersisted converts m to a cache row. Kind and target default to conv
// when the server omits them. A missing status means the server stored it.
func (m Message) ToPersisted(conv chat.Conversation) (chat.PersistedMessage, error) {
	out := chat.PersistedMessage{
		LocalID:        m.ID,
		ServerID:       m.ID,
		ClientID:       m.ClientID,
		SenderID:       m.SenderID,
		SenderUsername: m.SenderUsername,
		TargetKind:     conv.Kind,
		TargetID:       conv.TargetID,
		Content:        m.Content,
		Nonce:          m.Nonce,
		CreatedAt:      m.CreatedAt,
		EditedAt:       m.EditedAt,
		Status:         chat.StatusSent,
	}
	if m.TargetKind != "" {
		kind, err := chat.ParseKind(m.TargetKind)
		if err != nil {
			return out, fmt.Errorf("message %q: %w", m.ID, err)
		}
		out.TargetKind = kind
	}
	if m.TargetID != "" {
		out.TargetID = m.TargetID
	}
	if m.Status != "" {
		status, err := chat.ParseStatus(m.Status)
		if err != nil {
			return out, fmt.Errorf("message %q: %w", m.ID, err)
		}
		out.Status = status
	}
	return out, nil
}
