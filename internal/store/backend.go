package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/matheus3301/relay/internal/model"
	"github.com/matheus3301/relay/internal/transport"
)

// Backend is the persistence collaborator: every committed write is announced
// on the change feed as a row change.
type Backend struct {
	db     *DB
	feed   transport.ChangeFeed
	clock  clockwork.Clock
	logger *zap.Logger
}

// BackendOption configures a Backend.
type BackendOption func(*Backend)

// WithClock sets the clock used to stamp rows.
func WithClock(c clockwork.Clock) BackendOption {
	return func(b *Backend) { b.clock = c }
}

// NewBackend wraps db. A nil feed disables change announcements.
func NewBackend(db *DB, feed transport.ChangeFeed, logger *zap.Logger, opts ...BackendOption) *Backend {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Backend{
		db:     db,
		feed:   feed,
		clock:  clockwork.NewRealClock(),
		logger: logger,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// DB exposes the underlying database.
func (b *Backend) DB() *DB { return b.db }

func (b *Backend) now() time.Time {
	return b.clock.Now().UTC().Truncate(time.Millisecond)
}

func (b *Backend) announce(ctx context.Context, table string, op transport.Op, row any) {
	if b.feed == nil {
		return
	}
	change, err := transport.NewRowChange(table, op, row)
	if err != nil {
		b.logger.Error("encode row change", zap.String("table", table), zap.Error(err))
		return
	}
	if err := b.feed.PublishChange(ctx, change); err != nil {
		b.logger.Warn("publish row change failed",
			zap.String("table", table),
			zap.String("op", string(op)),
			zap.Error(err),
		)
	}
}

// CreateConversation ensures the conversation exists and that every member
// participates in it. An empty id generates one.
func (b *Backend) CreateConversation(ctx context.Context, id string, members ...string) (model.Conversation, error) {
	if id == "" {
		id = uuid.NewString()
	}
	now := b.now()
	c, created, err := b.db.EnsureConversation(ctx, id, now)
	if err != nil {
		return model.Conversation{}, err
	}
	if created {
		b.announce(ctx, transport.TableConversations, transport.OpInsert, c)
	}
	for _, userID := range members {
		if err := b.AddParticipant(ctx, id, userID); err != nil {
			return c, err
		}
	}
	return c, nil
}

// AddParticipant adds userID to a conversation.
func (b *Backend) AddParticipant(ctx context.Context, conversationID, userID string) error {
	p := model.Participant{ConversationID: conversationID, UserID: userID, JoinedAt: b.now()}
	added, err := b.db.AddParticipant(ctx, p)
	if err != nil {
		return err
	}
	if added {
		b.announce(ctx, transport.TableParticipants, transport.OpInsert, p)
	}
	return nil
}

// RemoveParticipant removes userID from a conversation.
func (b *Backend) RemoveParticipant(ctx context.Context, conversationID, userID string) error {
	p, removed, err := b.db.RemoveParticipant(ctx, conversationID, userID)
	if err != nil {
		return err
	}
	if removed {
		b.announce(ctx, transport.TableParticipants, transport.OpDelete, p)
	}
	return nil
}

// UpsertProfile stores a profile. Profiles are not part of the change feed.
func (b *Backend) UpsertProfile(ctx context.Context, p model.Profile) error {
	return b.db.UpsertProfile(ctx, p)
}

// Profiles returns the known profiles among ids.
func (b *Backend) Profiles(ctx context.Context, ids []string) (map[string]model.Profile, error) {
	return b.db.Profiles(ctx, ids)
}

// InsertMessage assigns the server id and timestamps, stores the message and
// announces it along with the conversation's new last-message pointer.
func (b *Backend) InsertMessage(ctx context.Context, m model.Message) (model.Message, error) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Kind == "" {
		m.Kind = model.KindText
	}
	now := b.now()
	m.CreatedAt, m.UpdatedAt = now, now
	m.IsRead = false
	m.Pending = false

	c, err := b.db.InsertMessage(ctx, m)
	if err != nil {
		return model.Message{}, err
	}
	b.announce(ctx, transport.TableMessages, transport.OpInsert, m)
	if c.LastMessageID == m.ID {
		b.announce(ctx, transport.TableConversations, transport.OpUpdate, c)
	}
	return m, nil
}

// RecentMessages returns the newest limit messages, newest first.
func (b *Backend) RecentMessages(ctx context.Context, conversationID string, limit int) ([]model.Message, error) {
	return b.db.RecentMessages(ctx, conversationID, limit)
}

// MessageIDsFromOthers lists messages in a conversation not sent by userID.
func (b *Backend) MessageIDsFromOthers(ctx context.Context, conversationID, userID string) ([]string, error) {
	return b.db.MessageIDsFromOthers(ctx, conversationID, userID)
}

// ReadMessageIDs lists messages in a conversation that readerID has read.
func (b *Backend) ReadMessageIDs(ctx context.Context, conversationID, readerID string) ([]string, error) {
	return b.db.ReadMessageIDs(ctx, conversationID, readerID)
}

// ConversationIDs lists the conversations userID participates in.
func (b *Backend) ConversationIDs(ctx context.Context, userID string) ([]string, error) {
	return b.db.ConversationIDs(ctx, userID)
}

// Conversations returns userID's conversation list.
func (b *Backend) Conversations(ctx context.Context, userID string) ([]model.ConversationSummary, error) {
	return b.db.ConversationsFor(ctx, userID)
}

// UpsertReadStatuses records that readerID has seen messageIDs. Pairs that
// already exist are ignored and not announced. The legacy per-message flag
// is set alongside.
func (b *Backend) UpsertReadStatuses(ctx context.Context, readerID string, messageIDs []string) ([]model.ReadStatus, error) {
	now := b.now()
	rows := make([]model.ReadStatus, 0, len(messageIDs))
	for _, id := range messageIDs {
		rows = append(rows, model.ReadStatus{MessageID: id, ReaderID: readerID, CreatedAt: now})
	}
	inserted, err := b.db.InsertReadStatuses(ctx, rows)
	if err != nil {
		return nil, err
	}
	for _, rs := range inserted {
		b.announce(ctx, transport.TableReadStatus, transport.OpInsert, rs)
		m, changed, err := b.db.SetMessageRead(ctx, rs.MessageID, now)
		if err != nil {
			b.logger.Warn("set read flag failed", zap.String("message_id", rs.MessageID), zap.Error(err))
			continue
		}
		if changed {
			b.announce(ctx, transport.TableMessages, transport.OpUpdate, m)
		}
	}
	return inserted, nil
}

// InsertCall stores a new call. An empty id generates one; a zero StartedAt
// is stamped with the current time.
func (b *Backend) InsertCall(ctx context.Context, c model.Call) (model.Call, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.StartedAt.IsZero() {
		c.StartedAt = b.now()
	}
	c.StartedAt = c.StartedAt.UTC().Truncate(time.Millisecond)
	if err := b.db.InsertCall(ctx, c); err != nil {
		return model.Call{}, err
	}
	b.announce(ctx, transport.TableCalls, transport.OpInsert, c)
	return c, nil
}

// UpdateCall applies a status transition patch.
func (b *Backend) UpdateCall(ctx context.Context, id string, patch model.CallPatch) (model.Call, error) {
	c, err := b.db.UpdateCall(ctx, id, patch)
	if err != nil {
		return model.Call{}, fmt.Errorf("update call: %w", err)
	}
	b.announce(ctx, transport.TableCalls, transport.OpUpdate, c)
	return c, nil
}

// GetCall returns one call.
func (b *Backend) GetCall(ctx context.Context, id string) (model.Call, error) {
	return b.db.GetCall(ctx, id)
}
