// Package messages keeps the ordered message list of one open conversation.
package messages

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/matheus3301/relay/internal/bus"
	"github.com/matheus3301/relay/internal/model"
	"github.com/matheus3301/relay/internal/transport"
)

// DefaultHistoryLimit is how many recent messages Load fetches.
const DefaultHistoryLimit = 50

// Persistence is the subset of the backend the store needs.
type Persistence interface {
	RecentMessages(ctx context.Context, conversationID string, limit int) ([]model.Message, error)
	InsertMessage(ctx context.Context, m model.Message) (model.Message, error)
}

// Changed is the bus payload for messages.changed.
type Changed struct {
	ConversationID string
	Count          int
}

// SendFailed is the bus payload for messages.send_failed. Draft is the text
// the compose box should restore.
type SendFailed struct {
	ConversationID string
	Draft          string
	Err            error
}

// SendRequest is a message to send. Kind defaults to text.
type SendRequest struct {
	Body      string
	Kind      model.Kind
	MediaRef  string
	ReplyToID string
}

// Store is the ordered, de-duplicated message list of one conversation.
// Ordering is (created_at, id) ascending.
type Store struct {
	conversationID string
	userID         string
	backend        Persistence
	bus            *bus.Bus
	clock          clockwork.Clock
	logger         *zap.Logger
	limit          int
	provisional    bool

	mu     sync.Mutex
	msgs   []model.Message
	ids    map[string]struct{}
	closed bool
}

// Option configures a Store.
type Option func(*Store)

// WithHistoryLimit sets how many messages Load fetches.
func WithHistoryLimit(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.limit = n
		}
	}
}

// WithProvisional shows sent messages immediately as pending entries keyed
// by a client id, replaced once the authoritative row arrives.
func WithProvisional(on bool) Option {
	return func(s *Store) { s.provisional = on }
}

// WithBus publishes change notifications on b.
func WithBus(b *bus.Bus) Option {
	return func(s *Store) { s.bus = b }
}

// WithClock sets the clock stamping provisional entries.
func WithClock(c clockwork.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// New creates an empty store for conversationID as seen by userID.
func New(conversationID, userID string, backend Persistence, opts ...Option) *Store {
	s := &Store{
		conversationID: conversationID,
		userID:         userID,
		backend:        backend,
		clock:          clockwork.NewRealClock(),
		logger:         zap.NewNop(),
		limit:          DefaultHistoryLimit,
		ids:            make(map[string]struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	s.logger = s.logger.With(zap.String("conversation_id", conversationID))
	return s
}

// ConversationID returns the conversation this store holds.
func (s *Store) ConversationID() string { return s.conversationID }

// Load fetches the newest messages and merges them into the list. Messages
// already present are kept once. A result arriving after Close is discarded.
func (s *Store) Load(ctx context.Context) ([]model.Message, error) {
	rows, err := s.backend.RecentMessages(ctx, s.conversationID, s.limit)
	if err != nil {
		s.logger.Warn("load messages failed", zap.Error(err))
		return nil, &model.FetchError{Op: "load messages", ConversationID: s.conversationID, Err: err}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, model.ErrClosed
	}
	changed := false
	for i := len(rows) - 1; i >= 0; i-- {
		if s.insertLocked(rows[i]) {
			changed = true
		}
	}
	out := slices.Clone(s.msgs)
	s.mu.Unlock()

	s.logger.Debug("messages loaded", zap.Int("fetched", len(rows)), zap.Int("total", len(out)))
	if changed {
		s.notify(len(out))
	}
	return out, nil
}

// ApplyInsert adds m at its ordered position. A message whose id is already
// present is ignored. It reports whether the list changed.
func (s *Store) ApplyInsert(m model.Message) bool {
	s.mu.Lock()
	changed := !s.closed && s.insertLocked(m)
	n := len(s.msgs)
	s.mu.Unlock()
	if changed {
		s.notify(n)
	}
	return changed
}

func (s *Store) insertLocked(m model.Message) bool {
	if m.ID == "" || m.ConversationID != s.conversationID {
		return false
	}
	if _, ok := s.ids[m.ID]; ok {
		return false
	}
	if m.ClientID != "" {
		s.msgs = slices.DeleteFunc(s.msgs, func(p model.Message) bool {
			return p.Pending && p.ClientID == m.ClientID
		})
	}
	m.Pending = false
	s.ids[m.ID] = struct{}{}
	s.place(m)
	return true
}

func (s *Store) place(m model.Message) {
	i := sort.Search(len(s.msgs), func(i int) bool { return !s.msgs[i].Before(m) })
	s.msgs = slices.Insert(s.msgs, i, m)
}

// ApplyUpdate applies a row update. Messages are immutable except for the
// read flag, so only IsRead is taken from m.
func (s *Store) ApplyUpdate(m model.Message) bool {
	s.mu.Lock()
	changed := false
	if !s.closed {
		for i := range s.msgs {
			if s.msgs[i].ID == m.ID && !s.msgs[i].Pending {
				if s.msgs[i].IsRead != m.IsRead {
					s.msgs[i].IsRead = m.IsRead
					changed = true
				}
				break
			}
		}
	}
	n := len(s.msgs)
	s.mu.Unlock()
	if changed {
		s.notify(n)
	}
	return changed
}

// ApplyDelete removes the message with id if present.
func (s *Store) ApplyDelete(id string) bool {
	s.mu.Lock()
	changed := false
	if _, ok := s.ids[id]; ok && !s.closed {
		delete(s.ids, id)
		s.msgs = slices.DeleteFunc(s.msgs, func(m model.Message) bool { return m.ID == id && !m.Pending })
		changed = true
	}
	n := len(s.msgs)
	s.mu.Unlock()
	if changed {
		s.notify(n)
	}
	return changed
}

// Send issues the insert. The list is not touched: the message appears when
// its insert event arrives, or as a pending entry in provisional mode. On
// failure nothing local changes and the error is a *model.SendError.
func (s *Store) Send(ctx context.Context, req SendRequest) (model.Message, error) {
	if strings.TrimSpace(req.Body) == "" && req.MediaRef == "" {
		return model.Message{}, s.sendFailed(req, model.ErrEmptyMessage)
	}
	if req.Kind == "" {
		req.Kind = model.KindText
	}
	if !req.Kind.Valid() {
		return model.Message{}, s.sendFailed(req, fmt.Errorf("unknown content kind %q", req.Kind))
	}

	msg := model.Message{
		ConversationID: s.conversationID,
		SenderID:       s.userID,
		Body:           req.Body,
		Kind:           req.Kind,
		MediaRef:       req.MediaRef,
		ReplyToID:      req.ReplyToID,
		ClientID:       uuid.NewString(),
	}

	if s.provisional {
		pending := msg
		pending.Pending = true
		now := s.clock.Now().UTC().Truncate(time.Millisecond)
		pending.CreatedAt, pending.UpdatedAt = now, now
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return model.Message{}, model.ErrClosed
		}
		s.place(pending)
		n := len(s.msgs)
		s.mu.Unlock()
		s.notify(n)
	}

	sent, err := s.backend.InsertMessage(ctx, msg)
	if err != nil {
		if s.provisional {
			s.dropPending(msg.ClientID)
		}
		return model.Message{}, s.sendFailed(req, err)
	}
	s.logger.Debug("message sent", zap.String("message_id", sent.ID), zap.String("client_id", msg.ClientID))
	return sent, nil
}

func (s *Store) sendFailed(req SendRequest, err error) error {
	s.logger.Warn("send failed", zap.Error(err))
	se := &model.SendError{Op: "send message", Err: err}
	s.bus.Emit(bus.KindSendFailed, SendFailed{ConversationID: s.conversationID, Draft: req.Body, Err: se})
	return se
}

func (s *Store) dropPending(clientID string) {
	s.mu.Lock()
	before := len(s.msgs)
	s.msgs = slices.DeleteFunc(s.msgs, func(m model.Message) bool {
		return m.Pending && m.ClientID == clientID
	})
	n := len(s.msgs)
	s.mu.Unlock()
	if n != before {
		s.notify(n)
	}
}

// Messages returns a snapshot of the ordered list.
func (s *Store) Messages() []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.msgs)
}

// Len returns how many messages are held, pending entries included.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.msgs)
}

// Handle applies one subscription event. A resync reloads recent history.
func (s *Store) Handle(ctx context.Context, evt transport.Event) {
	switch evt.Kind {
	case transport.KindResync:
		if _, err := s.Load(ctx); err != nil {
			s.logger.Warn("resync reload failed", zap.Error(err))
		}
	case transport.KindChange:
		c := evt.Change
		if c == nil || c.Table != transport.TableMessages {
			return
		}
		var m model.Message
		if err := c.Decode(&m); err != nil {
			s.logger.Warn("bad message row", zap.Error(err))
			return
		}
		switch c.Operation {
		case transport.OpInsert:
			s.ApplyInsert(m)
		case transport.OpUpdate:
			s.ApplyUpdate(m)
		case transport.OpDelete:
			s.ApplyDelete(m.ID)
		}
	}
}

// Run applies events until the channel closes or ctx is done.
func (s *Store) Run(ctx context.Context, events <-chan transport.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			s.Handle(ctx, evt)
		}
	}
}

// Close drops the list. Later events and async results are discarded.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.msgs = nil
	s.ids = make(map[string]struct{})
}

func (s *Store) notify(n int) {
	s.bus.Emit(bus.KindMessagesChanged, Changed{ConversationID: s.conversationID, Count: n})
}
