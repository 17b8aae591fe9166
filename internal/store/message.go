package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/relay/internal/model"
)

const messageColumns = `id, conversation_id, sender_id, body, kind, media_ref, reply_to_id,
	client_id, is_read, created_at, updated_at`

// InsertMessage stores m and advances the conversation's last-message
// pointer in the same transaction. It returns the updated conversation.
func (db *DB) InsertMessage(ctx context.Context, m model.Message) (model.Conversation, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return model.Conversation{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (`+messageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ConversationID, m.SenderID, m.Body, string(m.Kind), m.MediaRef, m.ReplyToID,
		m.ClientID, m.IsRead, toMillis(m.CreatedAt), toMillis(m.UpdatedAt),
	)
	if err != nil {
		return model.Conversation{}, fmt.Errorf("insert message: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE conversations SET
			last_message_id = ?,
			last_message_at = ?,
			updated_at = MAX(updated_at, ?)
		WHERE id = ? AND last_message_at <= ?`,
		m.ID, toMillis(m.CreatedAt), toMillis(m.CreatedAt), m.ConversationID, toMillis(m.CreatedAt),
	)
	if err != nil {
		return model.Conversation{}, fmt.Errorf("update last message: %w", err)
	}

	c, err := scanConversation(tx.QueryRowContext(ctx, `
		SELECT id, created_at, updated_at, last_message_id, last_message_at
		FROM conversations WHERE id = ?`, m.ConversationID))
	if err != nil {
		return model.Conversation{}, fmt.Errorf("reload conversation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return model.Conversation{}, fmt.Errorf("commit: %w", err)
	}
	return c, nil
}

// GetMessage returns one message by id.
func (db *DB) GetMessage(ctx context.Context, id string) (model.Message, error) {
	m, err := scanMessage(db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Message{}, fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.Message{}, fmt.Errorf("get message %s: %w", id, err)
	}
	return m, nil
}

// RecentMessages returns the newest limit messages of a conversation, newest
// first. Ties on created_at are broken by id.
func (db *DB) RecentMessages(ctx context.Context, conversationID string, limit int) ([]model.Message, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var msgs []model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// SetMessageRead sets the legacy per-message read flag. It reports whether
// the flag changed.
func (db *DB) SetMessageRead(ctx context.Context, id string, now time.Time) (model.Message, bool, error) {
	res, err := db.ExecContext(ctx, `
		UPDATE messages SET is_read = 1, updated_at = ?
		WHERE id = ? AND is_read = 0`, toMillis(now), id)
	if err != nil {
		return model.Message{}, false, fmt.Errorf("mark message %s read: %w", id, err)
	}
	n, _ := res.RowsAffected()
	m, err := db.GetMessage(ctx, id)
	if err != nil {
		return model.Message{}, false, err
	}
	return m, n > 0, nil
}

// MessageIDsFromOthers lists ids of messages in a conversation not sent by userID.
func (db *DB) MessageIDsFromOthers(ctx context.Context, conversationID, userID string) ([]string, error) {
	return db.queryStrings(ctx, `
		SELECT id FROM messages
		WHERE conversation_id = ? AND sender_id != ?`, conversationID, userID)
}

func scanMessage(s scanner) (model.Message, error) {
	var m model.Message
	var kind string
	var created, updated int64
	err := s.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Body, &kind, &m.MediaRef,
		&m.ReplyToID, &m.ClientID, &m.IsRead, &created, &updated)
	if err != nil {
		return model.Message{}, err
	}
	m.Kind = model.Kind(kind)
	m.CreatedAt = fromMillis(created)
	m.UpdatedAt = fromMillis(updated)
	return m, nil
}
