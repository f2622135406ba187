// Package messenger is the calling layer between the UI and the sync engine.
// It performs the network calls through a Transport and reports their
// outcome to the Sync Service, falling back to the local cache when the
// server cannot be reached.
package messenger

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/agonn78/p2p-chat/internal/chat"
	"github.com/agonn78/p2p-chat/internal/sync"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 200
)

// Transport talks to the chat server.
type Transport interface {
	FetchMessages(ctx context.Context, conv chat.Conversation, before string, limit int) ([]chat.PersistedMessage, error)
	SendMessage(ctx context.Context, req chat.SendRequest) (*chat.PersistedMessage, error)
}

// Checkpoints records sync progress. *store.DB satisfies it.
type Checkpoints interface {
	SetState(ctx context.Context, key, value string) error
}

// Source tells where a fetched page came from.
type Source string

const (
	SourceMerged Source = "merged"
	SourceRemote Source = "remote"
	SourceCache  Source = "cache"
)

// Page is the result of a fetch, oldest message first.
type Page struct {
	Messages []chat.PersistedMessage
	Source   Source
	// RemoteErr is set when the server could not be reached and the page
	// was served from the cache.
	RemoteErr error
}

// Options configures a Messenger.
type Options struct {
	SenderID string
	// PageSize is used when a fetch asks for limit <= 0.
	PageSize int
}

// Messenger drives sends and fetches.
type Messenger struct {
	sync        *sync.Service
	transport   Transport
	checkpoints Checkpoints
	senderID    string
	pageSize    int
	logger      *zap.Logger
}

// New creates a messenger. checkpoints and logger may be nil.
func New(svc *sync.Service, transport Transport, checkpoints Checkpoints, opts Options, logger *zap.Logger) *Messenger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Messenger{
		sync:        svc,
		transport:   transport,
		checkpoints: checkpoints,
		senderID:    opts.SenderID,
		pageSize:    ClampLimit(opts.PageSize, DefaultPageSize),
		logger:      logger,
	}
}

// ClampLimit bounds a page size to [1, MaxPageSize], using def for
// non-positive values.
func ClampLimit(limit, def int) int {
	if limit <= 0 {
		limit = def
	}
	if limit < 1 {
		limit = 1
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	return limit
}

// SendParams is a user-initiated send.
type SendParams struct {
	Conversation chat.Conversation
	ScopeID      string
	Content      string
	Nonce        string
	// ClientID is generated when empty.
	ClientID string
}

// Send persists the message as pending, then delivers it. On a transport
// failure the returned message carries status Failed and the error is the
// transport error; the send stays in the outbox for a later retry.
func (m *Messenger) Send(ctx context.Context, p SendParams) (*chat.PersistedMessage, error) {
	if !p.Conversation.Kind.Valid() || p.Conversation.TargetID == "" {
		return nil, fmt.Errorf("send: invalid conversation %q", p.Conversation)
	}
	if p.ClientID == "" {
		p.ClientID = uuid.NewString()
	}

	pending, err := m.sync.CreatePendingMessage(ctx, sync.PendingParams{
		Conversation: p.Conversation,
		ScopeID:      p.ScopeID,
		SenderID:     m.senderID,
		Content:      p.Content,
		Nonce:        p.Nonce,
		ClientID:     p.ClientID,
	})
	if err != nil {
		m.logger.Error("failed to persist pending message, sending anyway",
			zap.Error(err), zap.String("client_id", p.ClientID))
	}
	return m.deliver(ctx, pending, p.ScopeID)
}

// Redeliver sends a queued outbox entry again under its original client id.
// An entry the server already confirmed through a fetched page or a pushed
// frame is dropped from the outbox without sending.
func (m *Messenger) Redeliver(ctx context.Context, item chat.OutboxMessage) (*chat.PersistedMessage, error) {
	done, err := m.sync.ResolveConfirmed(ctx, item.ClientID)
	if err != nil {
		m.logger.Error("failed to check for confirmed copy",
			zap.Error(err), zap.String("client_id", item.ClientID))
	}
	if done != nil {
		m.logger.Info("outbox entry already confirmed",
			zap.String("client_id", item.ClientID), zap.String("server_id", done.ServerID))
		return done, nil
	}

	pending, err := m.sync.CreatePendingMessage(ctx, sync.PendingParams{
		Conversation: item.Conversation(),
		ScopeID:      item.ServerScopeID,
		SenderID:     item.SenderID,
		Content:      item.Content,
		Nonce:        item.Nonce,
		ClientID:     item.ClientID,
		CreatedAt:    item.CreatedAt,
	})
	if err != nil {
		m.logger.Error("failed to mark redelivery as sending",
			zap.Error(err), zap.String("client_id", item.ClientID))
	}
	return m.deliver(ctx, pending, item.ServerScopeID)
}

func (m *Messenger) deliver(ctx context.Context, pending *chat.PersistedMessage, scopeID string) (*chat.PersistedMessage, error) {
	echo, err := m.transport.SendMessage(ctx, chat.SendRequest{
		Conversation: pending.Conversation(),
		ScopeID:      scopeID,
		ClientID:     pending.ClientID,
		Content:      pending.Content,
		Nonce:        pending.Nonce,
	})
	if err != nil {
		m.logger.Warn("send failed",
			zap.Error(err), zap.String("client_id", pending.ClientID))
		if ferr := m.sync.MarkSendFailed(ctx, pending.ClientID, err.Error()); ferr != nil {
			m.logger.Error("failed to record send failure",
				zap.Error(ferr), zap.String("client_id", pending.ClientID))
		}
		failed := *pending
		failed.Status = chat.StatusFailed
		return &failed, fmt.Errorf("send message: %w", err)
	}

	c := confirmationFor(pending, echo)
	confirmed, err := m.sync.MarkSendSuccess(ctx, c)
	if err != nil {
		m.logger.Error("failed to record send success",
			zap.Error(err), zap.String("client_id", c.ClientID), zap.String("server_id", c.ServerID))
		if confirmed == nil {
			return pending, nil
		}
	}
	m.logger.Info("message sent",
		zap.String("client_id", c.ClientID), zap.String("server_id", c.ServerID))
	return confirmed, nil
}

// confirmationFor merges the server echo over the optimistic row, so fields
// the server left out keep their local values.
func confirmationFor(pending, echo *chat.PersistedMessage) sync.Confirmation {
	c := sync.Confirmation{
		Conversation:   pending.Conversation(),
		ServerID:       echo.ServerID,
		ClientID:       pending.ClientID,
		SenderID:       pending.SenderID,
		SenderUsername: echo.SenderUsername,
		Content:        pending.Content,
		Nonce:          pending.Nonce,
		CreatedAt:      echo.CreatedAt,
		EditedAt:       echo.EditedAt,
		Status:         echo.Status,
	}
	if c.ServerID == "" {
		c.ServerID = echo.LocalID
	}
	if echo.TargetKind.Valid() && echo.TargetID != "" {
		c.Conversation = echo.Conversation()
	}
	if echo.SenderID != "" {
		c.SenderID = echo.SenderID
	}
	if echo.Content != "" {
		c.Content = echo.Content
	}
	if echo.Nonce != "" {
		c.Nonce = echo.Nonce
	}
	if echo.ClientID != "" {
		c.ClientID = echo.ClientID
	}
	return c
}

// Fetch returns a page of conv older than before. The server is asked
// first; its page is cached and the merged cache view is returned so local
// pending sends stay visible. When the server fails the cache is served
// instead, and an error is returned only if both fail.
func (m *Messenger) Fetch(ctx context.Context, conv chat.Conversation, before string, limit int) (*Page, error) {
	limit = ClampLimit(limit, m.pageSize)
	log := m.logger.With(zap.Stringer("conversation", conv), zap.String("before", before))

	remote, remoteErr := m.transport.FetchMessages(ctx, conv, before, limit)
	if remoteErr != nil {
		log.Warn("remote fetch failed, serving cache", zap.Error(remoteErr))
		cached, err := m.sync.LoadMessages(ctx, conv, before, limit)
		if err != nil {
			log.Error("cache read failed", zap.Error(err))
			return nil, &FetchError{Remote: remoteErr, Cache: err}
		}
		return &Page{Messages: cached, Source: SourceCache, RemoteErr: remoteErr}, nil
	}

	m.checkpoint(ctx, conv)

	if err := m.sync.CacheRemoteMessages(ctx, remote); err != nil {
		log.Error("failed to cache remote page", zap.Error(err))
		return &Page{Messages: oldestFirst(remote), Source: SourceRemote}, nil
	}

	merged, err := m.sync.LoadMessages(ctx, conv, before, limit)
	if err != nil {
		log.Error("cache re-read failed", zap.Error(err))
		return &Page{Messages: oldestFirst(remote), Source: SourceRemote}, nil
	}
	if len(merged) == 0 {
		return &Page{Messages: oldestFirst(remote), Source: SourceRemote}, nil
	}
	return &Page{Messages: merged, Source: SourceMerged}, nil
}

// LastFetchKey is the sync_state key holding the time of the last
// successful remote fetch of conv.
func LastFetchKey(conv chat.Conversation) string {
	return "last_fetch:" + conv.String()
}

func (m *Messenger) checkpoint(ctx context.Context, conv chat.Conversation) {
	if m.checkpoints == nil {
		return
	}
	value := time.Now().UTC().Format(time.RFC3339Nano)
	if err := m.checkpoints.SetState(ctx, LastFetchKey(conv), value); err != nil {
		m.logger.Warn("failed to record fetch checkpoint", zap.Error(err), zap.Stringer("conversation", conv))
	}
}

func oldestFirst(msgs []chat.PersistedMessage) []chat.PersistedMessage {
	out := make([]chat.PersistedMessage, len(msgs))
	copy(out, msgs)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}
