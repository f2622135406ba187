package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/agonn78/p2p-chat/internal/chat"
)

const messageColumns = `local_id, server_id, client_id, sender_id, sender_username,
	target_kind, target_id, content, nonce, status, created_at, edited_at`

// existingRow is the part of a stored row the upsert needs to decide how to merge.
type existingRow struct {
	seq        int64
	localID    string
	serverID   sql.NullString
	targetKind string
	targetID   string
	status     chat.MessageStatus
	createdAt  int64
}

// UpsertMessage inserts or updates m. The row to update is found by
// client_id first, then server_id, then local_id, so an optimistic row and
// its server confirmation collapse into one row.
func (db *DB) UpsertMessage(ctx context.Context, m *chat.PersistedMessage) error {
	return db.inTx(ctx, func(tx *sql.Tx) error {
		return upsertMessage(ctx, tx, m)
	})
}

// UpsertMessages upserts a batch in one transaction. The first failing row
// aborts the batch and nothing is written.
func (db *DB) UpsertMessages(ctx context.Context, msgs []chat.PersistedMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	return db.inTx(ctx, func(tx *sql.Tx) error {
		for i := range msgs {
			if err := upsertMessage(ctx, tx, &msgs[i]); err != nil {
				return fmt.Errorf("upsert message %q: %w", msgs[i].LocalID, err)
			}
		}
		return nil
	})
}

func upsertMessage(ctx context.Context, q queryer, m *chat.PersistedMessage) error {
	if m.LocalID == "" {
		switch {
		case m.ServerID != "":
			m.LocalID = m.ServerID
		case m.ClientID != "":
			m.LocalID = chat.PendingLocalID(m.ClientID)
		}
	}
	if m.LocalID == "" || m.TargetID == "" || !m.TargetKind.Valid() {
		return ErrInvalidMessage
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}

	row, err := matchRow(ctx, q, m)
	if err != nil {
		return err
	}
	now := time.Now().UnixMilli()

	if row == nil {
		_, err := q.ExecContext(ctx, `
			INSERT INTO messages (`+messageColumns+`, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			m.LocalID, nullString(m.ServerID), nullString(m.ClientID),
			nullString(m.SenderID), nullString(m.SenderUsername),
			string(m.TargetKind), m.TargetID, m.Content, nullString(m.Nonce),
			string(m.Status), m.CreatedAt.UnixMilli(), editedMillis(m.EditedAt), now)
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		return nil
	}

	if row.targetKind != string(m.TargetKind) || row.targetID != m.TargetID {
		return fmt.Errorf("%w: %s already stored in %s:%s", ErrConflict, m.LocalID, row.targetKind, row.targetID)
	}

	// A confirmed row keeps its server identity when a write without a
	// server id lands on it, and never drops back to Sending or Failed.
	localID := m.LocalID
	if m.ServerID == "" && row.serverID.Valid {
		localID = row.localID
		if row.status.Confirmed() && !m.Status.Confirmed() {
			m.Status = row.status
			m.CreatedAt = time.UnixMilli(row.createdAt)
		}
	}

	if err := foldDuplicates(ctx, q, row, localID, m); err != nil {
		return err
	}

	_, err = q.ExecContext(ctx, `
		UPDATE messages SET
			local_id = ?,
			server_id = COALESCE(?, server_id),
			client_id = COALESCE(?, client_id),
			sender_id = COALESCE(?, sender_id),
			sender_username = COALESCE(?, sender_username),
			content = ?,
			nonce = COALESCE(?, nonce),
			status = ?,
			created_at = ?,
			edited_at = COALESCE(?, edited_at),
			updated_at = ?
		WHERE seq = ?`,
		localID, nullString(m.ServerID), nullString(m.ClientID),
		nullString(m.SenderID), nullString(m.SenderUsername),
		m.Content, nullString(m.Nonce), string(m.Status),
		m.CreatedAt.UnixMilli(), editedMillis(m.EditedAt), now, row.seq)
	if err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	m.LocalID = localID
	return nil
}

// matchRow resolves the target row by client_id, then server_id, then local_id.
func matchRow(ctx context.Context, q queryer, m *chat.PersistedMessage) (*existingRow, error) {
	lookups := []struct {
		column string
		value  string
	}{
		{"client_id", m.ClientID},
		{"server_id", m.ServerID},
		{"local_id", m.LocalID},
	}
	for _, l := range lookups {
		if l.value == "" {
			continue
		}
		var r existingRow
		err := q.QueryRowContext(ctx, `
			SELECT seq, local_id, server_id, target_kind, target_id, status, created_at
			FROM messages WHERE `+l.column+` = ?`, l.value).
			Scan(&r.seq, &r.localID, &r.serverID, &r.targetKind, &r.targetID, &r.status, &r.createdAt)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("lookup by %s: %w", l.column, err)
		}
		return &r, nil
	}
	return nil, nil
}

// foldDuplicates deletes other rows that already carry the identity the
// matched row is about to take, e.g. a remote page that cached the server
// copy before the send was acknowledged.
func foldDuplicates(ctx context.Context, q queryer, row *existingRow, localID string, m *chat.PersistedMessage) error {
	rows, err := q.QueryContext(ctx, `
		SELECT seq, target_kind, target_id FROM messages
		WHERE seq != ? AND (local_id = ? OR server_id = ? OR client_id = ?)`,
		row.seq, localID, nullString(m.ServerID), nullString(m.ClientID))
	if err != nil {
		return fmt.Errorf("find duplicates: %w", err)
	}
	var dups []int64
	for rows.Next() {
		var (
			seq          int64
			kind, target string
		)
		if err := rows.Scan(&seq, &kind, &target); err != nil {
			_ = rows.Close()
			return err
		}
		if kind != row.targetKind || target != row.targetID {
			_ = rows.Close()
			return fmt.Errorf("%w: %s also stored in %s:%s", ErrConflict, localID, kind, target)
		}
		dups = append(dups, seq)
	}
	if err := rows.Close(); err != nil {
		return err
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, seq := range dups {
		if _, err := q.ExecContext(ctx, `DELETE FROM messages WHERE seq = ?`, seq); err != nil {
			return fmt.Errorf("fold duplicate: %w", err)
		}
	}
	return nil
}

// LoadMessages returns up to limit of the newest messages of conv, oldest
// first. When before is set only messages strictly older than that message
// are returned. before may be a local id, a server id or the optimistic id a
// row had before it was confirmed; an unknown cursor yields no messages.
func (db *DB) LoadMessages(ctx context.Context, conv chat.Conversation, before string, limit int) ([]chat.PersistedMessage, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT ` + messageColumns + ` FROM (
		SELECT * FROM messages
		WHERE target_kind = ? AND target_id = ?`
	args := []any{string(conv.Kind), conv.TargetID}

	if before != "" {
		var cursorAt, cursorSeq int64
		err := db.QueryRowContext(ctx, `
			SELECT created_at, seq FROM messages
			WHERE target_kind = ? AND target_id = ?
			  AND (local_id = ? OR server_id = ? OR 'local-' || client_id = ?)
			LIMIT 1`,
			string(conv.Kind), conv.TargetID, before, before, before).Scan(&cursorAt, &cursorSeq)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("resolve cursor: %w", err)
		}
		query += ` AND (created_at < ? OR (created_at = ? AND seq < ?))`
		args = append(args, cursorAt, cursorAt, cursorSeq)
	}

	query += ` ORDER BY created_at DESC, seq DESC LIMIT ?
	) ORDER BY created_at ASC, seq ASC`
	args = append(args, limit)

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []chat.PersistedMessage
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

// GetMessage returns the message whose local or server id is id, or nil.
func (db *DB) GetMessage(ctx context.Context, id string) (*chat.PersistedMessage, error) {
	row := db.QueryRowContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE local_id = ? OR server_id = ?
		LIMIT 1`, id, id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// GetMessageByClientID returns the message sent under clientID, or nil.
func (db *DB) GetMessageByClientID(ctx context.Context, clientID string) (*chat.PersistedMessage, error) {
	row := db.QueryRowContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE client_id = ?`, clientID)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// UpdateStatusByID sets the status of the row whose server or local id is id.
// Used for delivery and read receipts.
func (db *DB) UpdateStatusByID(ctx context.Context, id string, status chat.MessageStatus) error {
	res, err := db.ExecContext(ctx, `
		UPDATE messages SET status = ?, updated_at = ?
		WHERE server_id = ? OR local_id = ?`,
		string(status), time.Now().UnixMilli(), id, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: message %q", ErrNotFound, id)
	}
	return nil
}

// MessageCount returns the number of cached messages.
func (db *DB) MessageCount(ctx context.Context) (int64, error) {
	var count int64
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&count)
	return count, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(s scanner) (*chat.PersistedMessage, error) {
	var (
		m                                    chat.PersistedMessage
		serverID, clientID, senderID, sender sql.NullString
		nonce                                sql.NullString
		kind, status                         string
		createdAt                            int64
		editedAt                             sql.NullInt64
	)
	if err := s.Scan(&m.LocalID, &serverID, &clientID, &senderID, &sender,
		&kind, &m.TargetID, &m.Content, &nonce, &status, &createdAt, &editedAt); err != nil {
		return nil, err
	}
	m.ServerID = serverID.String
	m.ClientID = clientID.String
	m.SenderID = senderID.String
	m.SenderUsername = sender.String
	m.Nonce = nonce.String
	m.TargetKind = chat.ConversationKind(kind)
	m.Status = chat.MessageStatus(status)
	m.CreatedAt = time.UnixMilli(createdAt)
	if editedAt.Valid {
		t := time.UnixMilli(editedAt.Int64)
		m.EditedAt = &t
	}
	return &m, nil
}

func editedMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}
