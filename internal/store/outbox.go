package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/agonn78/p2p-chat/internal/chat"
)

const outboxColumns = `client_id, target_kind, target_id, server_scope_id, sender_id,
	content, nonce, created_at, updated_at, attempts, last_error`

// EnqueueOutbox records an in-flight send. Re-enqueueing an existing
// client_id refreshes its payload but keeps attempts, last_error and the
// original creation time, so a redelivery does not lose its retry history.
func (db *DB) EnqueueOutbox(ctx context.Context, item *chat.OutboxMessage) error {
	return enqueueOutbox(ctx, db, item)
}

func enqueueOutbox(ctx context.Context, q queryer, item *chat.OutboxMessage) error {
	if item.ClientID == "" || item.TargetID == "" || !item.TargetKind.Valid() {
		return ErrInvalidMessage
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now()
	}
	now := time.Now().UnixMilli()
	_, err := q.ExecContext(ctx, `
		INSERT INTO outbox (`+outboxColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(client_id) DO UPDATE SET
			target_kind = excluded.target_kind,
			target_id = excluded.target_id,
			server_scope_id = excluded.server_scope_id,
			sender_id = excluded.sender_id,
			content = excluded.content,
			nonce = excluded.nonce,
			updated_at = excluded.updated_at`,
		item.ClientID, string(item.TargetKind), item.TargetID, item.ServerScopeID, item.SenderID,
		item.Content, item.Nonce, item.CreatedAt.UnixMilli(), now, item.Attempts, item.LastError)
	if err != nil {
		return fmt.Errorf("enqueue outbox: %w", err)
	}
	return nil
}

// CreatePending stores an optimistic message and its outbox entry in one
// transaction.
func (db *DB) CreatePending(ctx context.Context, m *chat.PersistedMessage, item *chat.OutboxMessage) error {
	return db.inTx(ctx, func(tx *sql.Tx) error {
		if err := upsertMessage(ctx, tx, m); err != nil {
			return err
		}
		return enqueueOutbox(ctx, tx, item)
	})
}

// RemoveOutbox deletes the entry for clientID. Removing a missing entry is not an error.
func (db *DB) RemoveOutbox(ctx context.Context, clientID string) error {
	_, err := db.ExecContext(ctx, `DELETE FROM outbox WHERE client_id = ?`, clientID)
	return err
}

// UpdateOutboxError records a failed delivery attempt.
func (db *DB) UpdateOutboxError(ctx context.Context, clientID, errMsg string) error {
	res, err := db.ExecContext(ctx, `
		UPDATE outbox SET attempts = attempts + 1, last_error = ?, updated_at = ?
		WHERE client_id = ?`,
		errMsg, time.Now().UnixMilli(), clientID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: outbox entry %q", ErrNotFound, clientID)
	}
	return nil
}

// ListOutbox returns outbox entries oldest first. limit <= 0 returns all.
func (db *DB) ListOutbox(ctx context.Context, limit int) ([]chat.OutboxMessage, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := db.QueryContext(ctx, `
		SELECT `+outboxColumns+` FROM outbox
		ORDER BY created_at ASC, client_id ASC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var items []chat.OutboxMessage
	for rows.Next() {
		item, err := scanOutbox(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

// GetOutbox returns the entry for clientID, or nil.
func (db *DB) GetOutbox(ctx context.Context, clientID string) (*chat.OutboxMessage, error) {
	item, err := scanOutbox(db.QueryRowContext(ctx,
		`SELECT `+outboxColumns+` FROM outbox WHERE client_id = ?`, clientID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return item, nil
}

// ClearOutbox drops every entry and returns how many were removed.
func (db *DB) ClearOutbox(ctx context.Context) (int64, error) {
	res, err := db.ExecContext(ctx, `DELETE FROM outbox`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// OutboxCount returns the number of queued sends.
func (db *DB) OutboxCount(ctx context.Context) (int64, error) {
	var count int64
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM outbox`).Scan(&count)
	return count, err
}

func scanOutbox(s scanner) (*chat.OutboxMessage, error) {
	var (
		item                 chat.OutboxMessage
		kind                 string
		createdAt, updatedAt int64
	)
	if err := s.Scan(&item.ClientID, &kind, &item.TargetID, &item.ServerScopeID, &item.SenderID,
		&item.Content, &item.Nonce, &createdAt, &updatedAt, &item.Attempts, &item.LastError); err != nil {
		return nil, err
	}
	item.TargetKind = chat.ConversationKind(kind)
	item.CreatedAt = time.UnixMilli(createdAt)
	item.UpdatedAt = time.UnixMilli(updatedAt)
	return &item, nil
}
