// Package sync owns the lifecycle of outgoing messages and the merging of
// remote pages into the local cache. It is the only writer of message
// status; it keeps no state beyond its store handle and is safe for
// concurrent use.
package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/agonn78/p2p-chat/internal/bus"
	"github.com/agonn78/p2p-chat/internal/chat"
	"go.uber.org/zap"
)

// Store is the subset of the local store the service drives.
type Store interface {
	UpsertMessage(ctx context.Context, m *chat.PersistedMessage) error
	UpsertMessages(ctx context.Context, msgs []chat.PersistedMessage) error
	CreatePending(ctx context.Context, m *chat.PersistedMessage, item *chat.OutboxMessage) error
	LoadMessages(ctx context.Context, conv chat.Conversation, before string, limit int) ([]chat.PersistedMessage, error)
	UpdateStatusByID(ctx context.Context, id string, status chat.MessageStatus) error
	GetMessageByClientID(ctx context.Context, clientID string) (*chat.PersistedMessage, error)
	RemoveOutbox(ctx context.Context, clientID string) error
	UpdateOutboxError(ctx context.Context, clientID, errMsg string) error
	ListOutbox(ctx context.Context, limit int) ([]chat.OutboxMessage, error)
	ClearOutbox(ctx context.Context) (int64, error)
}

// Service orchestrates sends and cache refreshes over a Store.
type Service struct {
	store  Store
	bus    *bus.Bus
	logger *zap.Logger
}

// NewService creates a sync service. b may be nil.
func NewService(store Store, b *bus.Bus, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, bus: b, logger: logger}
}

// PendingParams describes a send the user just submitted.
type PendingParams struct {
	Conversation chat.Conversation
	ScopeID      string
	SenderID     string
	Content      string
	Nonce        string
	ClientID     string
	// CreatedAt defaults to now; redeliveries pass the original time.
	CreatedAt time.Time
}

// CreatePendingMessage stores an optimistic Sending row and its outbox
// entry. It does not contact the server. The returned message is usable
// even when err is non-nil, so the caller can go on sending it.
func (s *Service) CreatePendingMessage(ctx context.Context, p PendingParams) (*chat.PersistedMessage, error) {
	if p.ClientID == "" {
		return nil, errors.New("create pending message: empty client id")
	}
	createdAt := p.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	msg := &chat.PersistedMessage{
		LocalID:    chat.PendingLocalID(p.ClientID),
		ClientID:   p.ClientID,
		SenderID:   p.SenderID,
		TargetKind: p.Conversation.Kind,
		TargetID:   p.Conversation.TargetID,
		Content:    p.Content,
		Nonce:      p.Nonce,
		CreatedAt:  createdAt,
		Status:     chat.StatusSending,
	}
	item := &chat.OutboxMessage{
		ClientID:      p.ClientID,
		TargetKind:    p.Conversation.Kind,
		TargetID:      p.Conversation.TargetID,
		ServerScopeID: p.ScopeID,
		SenderID:      p.SenderID,
		Content:       p.Content,
		Nonce:         p.Nonce,
		CreatedAt:     createdAt,
	}

	if err := s.store.CreatePending(ctx, msg, item); err != nil {
		return msg, fmt.Errorf("persist pending message: %w", err)
	}
	s.publish(bus.MessageUpserted, msg)
	return msg, nil
}

// Confirmation is the server's acceptance of a send, echoing its fields.
type Confirmation struct {
	Conversation   chat.Conversation
	ServerID       string
	ClientID       string
	SenderID       string
	SenderUsername string
	Content        string
	Nonce          string
	CreatedAt      time.Time
	EditedAt       *time.Time
	Status         chat.MessageStatus
}

// MarkSendSuccess stores the server-confirmed row, collapsing the optimistic
// row with the same client id into it, and drops the outbox entry. Calling
// it twice with the same server id is harmless.
func (s *Service) MarkSendSuccess(ctx context.Context, c Confirmation) (*chat.PersistedMessage, error) {
	if c.ServerID == "" {
		return nil, errors.New("mark send success: empty server id")
	}
	status := c.Status
	if status == "" || status == chat.StatusSending {
		status = chat.StatusSent
	}
	createdAt := c.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	msg := &chat.PersistedMessage{
		LocalID:        c.ServerID,
		ServerID:       c.ServerID,
		ClientID:       c.ClientID,
		SenderID:       c.SenderID,
		SenderUsername: c.SenderUsername,
		TargetKind:     c.Conversation.Kind,
		TargetID:       c.Conversation.TargetID,
		Content:        c.Content,
		Nonce:          c.Nonce,
		CreatedAt:      createdAt,
		EditedAt:       c.EditedAt,
		Status:         status,
	}
	if err := s.store.UpsertMessage(ctx, msg); err != nil {
		return msg, fmt.Errorf("store confirmed message: %w", err)
	}
	if c.ClientID != "" {
		if err := s.store.RemoveOutbox(ctx, c.ClientID); err != nil {
			return msg, fmt.Errorf("remove outbox entry: %w", err)
		}
	}
	s.publish(bus.MessageSendAck, msg)
	return msg, nil
}

// MarkSendFailed records a failed delivery attempt and flips the optimistic
// row to Failed. The outbox entry stays queued for a later retry.
func (s *Service) MarkSendFailed(ctx context.Context, clientID, errMsg string) error {
	var errs []error
	if err := s.store.UpdateOutboxError(ctx, clientID, errMsg); err != nil {
		errs = append(errs, fmt.Errorf("record outbox error: %w", err))
	}
	localID := chat.PendingLocalID(clientID)
	if err := s.store.UpdateStatusByID(ctx, localID, chat.StatusFailed); err != nil {
		errs = append(errs, fmt.Errorf("mark message failed: %w", err))
	}

	s.bus.Emit(bus.MessageSendFailed, bus.MessageRef{
		LocalID:  localID,
		ClientID: clientID,
		Status:   chat.StatusFailed,
		Error:    errMsg,
	})
	return errors.Join(errs...)
}

// CacheRemoteMessages upserts a page fetched from the server. Any failing
// row aborts the whole batch.
func (s *Service) CacheRemoteMessages(ctx context.Context, msgs []chat.PersistedMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	batch := make([]chat.PersistedMessage, len(msgs))
	copy(batch, msgs)

	var convs []chat.Conversation
	seen := make(map[chat.Conversation]bool)
	for i := range batch {
		m := &batch[i]
		if m.LocalID == "" {
			m.LocalID = m.ServerID
		}
		if m.Status == "" {
			m.Status = chat.StatusSent
		}
		if c := m.Conversation(); !seen[c] {
			seen[c] = true
			convs = append(convs, c)
		}
	}

	if err := s.store.UpsertMessages(ctx, batch); err != nil {
		return fmt.Errorf("cache remote messages: %w", err)
	}
	// The server may confirm one of our sends here before its ack arrives.
	for i := range batch {
		m := &batch[i]
		if m.ClientID == "" || m.ServerID == "" || !m.Status.Confirmed() {
			continue
		}
		if err := s.store.RemoveOutbox(ctx, m.ClientID); err != nil {
			s.logger.Error("failed to drop confirmed outbox entry",
				zap.Error(err), zap.String("client_id", m.ClientID), zap.String("server_id", m.ServerID))
		}
	}
	s.bus.Emit(bus.MessagesCached, bus.CacheBatch{Count: len(batch), Conversations: convs})
	return nil
}

// ResolveConfirmed returns the cached message sent under clientID when the
// server has already confirmed it, dropping its outbox entry. It returns nil
// when the send still needs delivering.
func (s *Service) ResolveConfirmed(ctx context.Context, clientID string) (*chat.PersistedMessage, error) {
	m, err := s.store.GetMessageByClientID(ctx, clientID)
	if err != nil {
		return nil, fmt.Errorf("lookup message %q: %w", clientID, err)
	}
	if m == nil || m.ServerID == "" || !m.Status.Confirmed() {
		return nil, nil
	}
	if err := s.store.RemoveOutbox(ctx, clientID); err != nil {
		return m, fmt.Errorf("remove outbox entry: %w", err)
	}
	s.publish(bus.MessageSendAck, m)
	return m, nil
}

// UpdateStatusByID applies a delivery or read receipt keyed by server or local id.
func (s *Service) UpdateStatusByID(ctx context.Context, id string, status chat.MessageStatus) error {
	if err := s.store.UpdateStatusByID(ctx, id, status); err != nil {
		return err
	}
	s.bus.Emit(bus.MessageStatus, bus.MessageRef{LocalID: id, Status: status})
	return nil
}

// LoadMessages reads a page of the conversation from the cache, oldest first.
func (s *Service) LoadMessages(ctx context.Context, conv chat.Conversation, before string, limit int) ([]chat.PersistedMessage, error) {
	return s.store.LoadMessages(ctx, conv, before, limit)
}

// ListOutbox lists unacknowledged sends, oldest first.
func (s *Service) ListOutbox(ctx context.Context, limit int) ([]chat.OutboxMessage, error) {
	return s.store.ListOutbox(ctx, limit)
}

// ClearOutbox drops every queued send.
func (s *Service) ClearOutbox(ctx context.Context) (int64, error) {
	n, err := s.store.ClearOutbox(ctx)
	if err != nil {
		return 0, err
	}
	s.bus.Emit(bus.OutboxCleared, n)
	return n, nil
}

func (s *Service) publish(kind string, m *chat.PersistedMessage) {
	s.bus.Emit(kind, bus.MessageRef{
		Conversation: m.Conversation(),
		LocalID:      m.LocalID,
		ClientID:     m.ClientID,
		ServerID:     m.ServerID,
		Status:       m.Status,
	})
}
