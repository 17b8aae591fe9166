package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/relay/internal/model"
)

// ErrNotFound is returned when a row lookup has no match.
var ErrNotFound = errors.New("not found")

// EnsureConversation creates the conversation if it does not exist. It
// reports whether the row was created.
func (db *DB) EnsureConversation(ctx context.Context, id string, now time.Time) (model.Conversation, bool, error) {
	res, err := db.ExecContext(ctx, `
		INSERT INTO conversations (id, created_at, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		id, toMillis(now), toMillis(now),
	)
	if err != nil {
		return model.Conversation{}, false, fmt.Errorf("ensure conversation %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	c, err := db.GetConversation(ctx, id)
	if err != nil {
		return model.Conversation{}, false, err
	}
	return c, n > 0, nil
}

// GetConversation returns one conversation row.
func (db *DB) GetConversation(ctx context.Context, id string) (model.Conversation, error) {
	c, err := scanConversation(db.QueryRowContext(ctx, `
		SELECT id, created_at, updated_at, last_message_id, last_message_at
		FROM conversations WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Conversation{}, fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.Conversation{}, fmt.Errorf("get conversation %s: %w", id, err)
	}
	return c, nil
}

// AddParticipant adds userID to the conversation. It reports whether a new
// membership row was inserted.
func (db *DB) AddParticipant(ctx context.Context, p model.Participant) (bool, error) {
	res, err := db.ExecContext(ctx, `
		INSERT INTO conversation_participants (conversation_id, user_id, joined_at)
		VALUES (?, ?, ?)
		ON CONFLICT(conversation_id, user_id) DO NOTHING`,
		p.ConversationID, p.UserID, toMillis(p.JoinedAt),
	)
	if err != nil {
		return false, fmt.Errorf("add participant %s to %s: %w", p.UserID, p.ConversationID, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// RemoveParticipant deletes a membership row and returns it.
func (db *DB) RemoveParticipant(ctx context.Context, conversationID, userID string) (model.Participant, bool, error) {
	p := model.Participant{ConversationID: conversationID, UserID: userID}
	var joined int64
	err := db.QueryRowContext(ctx, `
		SELECT joined_at FROM conversation_participants
		WHERE conversation_id = ? AND user_id = ?`, conversationID, userID).Scan(&joined)
	if errors.Is(err, sql.ErrNoRows) {
		return p, false, nil
	}
	if err != nil {
		return p, false, fmt.Errorf("get participant: %w", err)
	}
	if _, err := db.ExecContext(ctx, `
		DELETE FROM conversation_participants
		WHERE conversation_id = ? AND user_id = ?`, conversationID, userID); err != nil {
		return p, false, fmt.Errorf("remove participant %s from %s: %w", userID, conversationID, err)
	}
	p.JoinedAt = fromMillis(joined)
	return p, true, nil
}

// ParticipantIDs lists the members of a conversation in join order.
func (db *DB) ParticipantIDs(ctx context.Context, conversationID string) ([]string, error) {
	return db.queryStrings(ctx, `
		SELECT user_id FROM conversation_participants
		WHERE conversation_id = ?
		ORDER BY joined_at, user_id`, conversationID)
}

// ConversationIDs lists the conversations userID participates in.
func (db *DB) ConversationIDs(ctx context.Context, userID string) ([]string, error) {
	return db.queryStrings(ctx, `
		SELECT conversation_id FROM conversation_participants
		WHERE user_id = ?
		ORDER BY conversation_id`, userID)
}

// ConversationsFor returns every conversation userID participates in, most
// recent activity first, with the other participants and the last message.
func (db *DB) ConversationsFor(ctx context.Context, userID string) ([]model.ConversationSummary, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT c.id, c.created_at, c.updated_at, c.last_message_id, c.last_message_at
		FROM conversations c
		JOIN conversation_participants p ON p.conversation_id = c.id
		WHERE p.user_id = ?
		ORDER BY c.last_message_at DESC, c.updated_at DESC, c.id`, userID)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}

	var convs []model.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		convs = append(convs, c)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	out := make([]model.ConversationSummary, 0, len(convs))
	for _, c := range convs {
		others, err := db.queryStrings(ctx, `
			SELECT user_id FROM conversation_participants
			WHERE conversation_id = ? AND user_id != ?
			ORDER BY joined_at, user_id`, c.ID, userID)
		if err != nil {
			return nil, err
		}
		s := model.ConversationSummary{Conversation: c, OtherIDs: others}
		if c.LastMessageID != "" {
			m, err := db.GetMessage(ctx, c.LastMessageID)
			switch {
			case errors.Is(err, ErrNotFound):
			case err != nil:
				return nil, err
			default:
				s.LastMessage = &m
			}
		}
		out = append(out, s)
	}
	return out, nil
}

func (db *DB) queryStrings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func scanConversation(s scanner) (model.Conversation, error) {
	var c model.Conversation
	var created, updated, lastAt int64
	if err := s.Scan(&c.ID, &created, &updated, &c.LastMessageID, &lastAt); err != nil {
		return model.Conversation{}, err
	}
	c.CreatedAt = fromMillis(created)
	c.UpdatedAt = fromMillis(updated)
	c.LastMessageAt = fromMillis(lastAt)
	return c, nil
}
