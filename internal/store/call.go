package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/matheus3301/relay/internal/model"
)

const callColumns = `id, conversation_id, caller_id, callee_id, kind, status, started_at,
	ended_at, duration_seconds, offer, answer, channel`

// InsertCall stores a new call record.
func (db *DB) InsertCall(ctx context.Context, c model.Call) error {
	var ended sql.NullInt64
	if c.EndedAt != nil {
		ended = sql.NullInt64{Int64: toMillis(*c.EndedAt), Valid: true}
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO calls (`+callColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.ConversationID, c.CallerID, c.CalleeID, string(c.Kind), string(c.Status),
		toMillis(c.StartedAt), ended, c.DurationSeconds, c.Offer, c.Answer, c.Channel,
	)
	if err != nil {
		return fmt.Errorf("insert call %s: %w", c.ID, err)
	}
	return nil
}

// UpdateCall applies patch to a call and returns the updated row. A patch
// carrying From is conditional on the stored status: when another writer
// moved the call first, nothing is written and *model.InvalidTransition
// reports the stored status.
func (db *DB) UpdateCall(ctx context.Context, id string, patch model.CallPatch) (model.Call, error) {
	var ended sql.NullInt64
	if patch.EndedAt != nil {
		ended = sql.NullInt64{Int64: toMillis(*patch.EndedAt), Valid: true}
	}
	var duration sql.NullInt64
	if patch.DurationSeconds != nil {
		duration = sql.NullInt64{Int64: int64(*patch.DurationSeconds), Valid: true}
	}
	res, err := db.ExecContext(ctx, `
		UPDATE calls SET
			status = ?,
			ended_at = COALESCE(?, ended_at),
			duration_seconds = COALESCE(?, duration_seconds),
			answer = COALESCE(NULLIF(?, ''), answer)
		WHERE id = ? AND (? = '' OR status = ?)`,
		string(patch.Status), ended, duration, patch.Answer, id,
		string(patch.From), string(patch.From),
	)
	if err != nil {
		return model.Call{}, fmt.Errorf("update call %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		current, err := db.GetCall(ctx, id)
		if err != nil {
			return model.Call{}, err
		}
		return model.Call{}, &model.InvalidTransition{CallID: id, From: current.Status, To: patch.Status}
	}
	return db.GetCall(ctx, id)
}

// GetCall returns one call by id.
func (db *DB) GetCall(ctx context.Context, id string) (model.Call, error) {
	c, err := scanCall(db.QueryRowContext(ctx,
		`SELECT `+callColumns+` FROM calls WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Call{}, fmt.Errorf("call %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.Call{}, fmt.Errorf("get call %s: %w", id, err)
	}
	return c, nil
}

func scanCall(s scanner) (model.Call, error) {
	var c model.Call
	var kind, status string
	var started int64
	var ended sql.NullInt64
	err := s.Scan(&c.ID, &c.ConversationID, &c.CallerID, &c.CalleeID, &kind, &status,
		&started, &ended, &c.DurationSeconds, &c.Offer, &c.Answer, &c.Channel)
	if err != nil {
		return model.Call{}, err
	}
	c.Kind = model.CallKind(kind)
	c.Status = model.CallStatus(status)
	c.StartedAt = fromMillis(started)
	if ended.Valid {
		t := fromMillis(ended.Int64)
		c.EndedAt = &t
	}
	return c, nil
}
