package store

import (
	"context"
	"fmt"

	"github.com/matheus3301/relay/internal/model"
)

// InsertReadStatuses records read statuses, ignoring pairs that already
// exist and messages authored by the reader or not stored. It returns only
// the rows that were actually inserted.
func (db *DB) InsertReadStatuses(ctx context.Context, statuses []model.ReadStatus) ([]model.ReadStatus, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO message_read_status (message_id, reader_id, created_at)
		SELECT id, ?, ? FROM messages
		WHERE id = ? AND sender_id != ?
		ON CONFLICT(message_id, reader_id) DO NOTHING`)
	if err != nil {
		return nil, fmt.Errorf("prepare read status: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	var inserted []model.ReadStatus
	for _, rs := range statuses {
		res, err := stmt.ExecContext(ctx, rs.ReaderID, toMillis(rs.CreatedAt), rs.MessageID, rs.ReaderID)
		if err != nil {
			return nil, fmt.Errorf("insert read status %s/%s: %w", rs.MessageID, rs.ReaderID, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted = append(inserted, rs)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return inserted, nil
}

// ReadMessageIDs lists the ids of messages in a conversation that readerID
// has a read status for.
func (db *DB) ReadMessageIDs(ctx context.Context, conversationID, readerID string) ([]string, error) {
	return db.queryStrings(ctx, `
		SELECT rs.message_id FROM message_read_status rs
		JOIN messages m ON m.id = rs.message_id
		WHERE m.conversation_id = ? AND rs.reader_id = ?`, conversationID, readerID)
}
