// Package receipts tracks unread counts per conversation for the current
// reader. A conversation's count is the number of messages from others
// minus those the reader has a read status for, never below zero.
package receipts

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/matheus3301/relay/internal/bus"
	"github.com/matheus3301/relay/internal/model"
	"github.com/matheus3301/relay/internal/transport"
)

const defaultConcurrency = 4

// Persistence is the subset of the backend the tracker needs.
type Persistence interface {
	MessageIDsFromOthers(ctx context.Context, conversationID, userID string) ([]string, error)
	ReadMessageIDs(ctx context.Context, conversationID, readerID string) ([]string, error)
	UpsertReadStatuses(ctx context.Context, readerID string, messageIDs []string) ([]model.ReadStatus, error)
	ConversationIDs(ctx context.Context, userID string) ([]string, error)
}

// Changed is the bus payload for receipts.changed.
type Changed struct {
	ConversationID string
	Unread         int
}

// Totals is an aggregate unread computation. Conversations whose count
// could not be fetched contribute zero and are listed in Failed.
type Totals struct {
	PerConversation map[string]int
	Total           int
	Failed          map[string]error
}

type set map[string]struct{}

type ledger struct {
	others set
	read   set
}

func (l *ledger) unread() int {
	n := len(l.others)
	for id := range l.read {
		if _, ok := l.others[id]; ok {
			n--
		}
	}
	return max(n, 0)
}

// replay buffers ops that arrive while a conversation is being refreshed so
// they are applied on top of the fetched state.
type replay struct {
	refs int
	ops  []func(*ledger)
}

// Tracker holds unread ledgers for the conversations it has been asked about.
type Tracker struct {
	userID      string
	backend     Persistence
	bus         *bus.Bus
	logger      *zap.Logger
	concurrency int

	mu      sync.Mutex
	ledgers map[string]*ledger
	owner   map[string]string // message id -> conversation id
	orphans set               // reads whose message has not been seen yet
	mine    set               // ids of the reader's own messages
	pending map[string]*replay
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithBus publishes count changes on b.
func WithBus(b *bus.Bus) Option {
	return func(t *Tracker) { t.bus = b }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(t *Tracker) {
		if l != nil {
			t.logger = l
		}
	}
}

// WithConcurrency bounds parallel fetches in Totals.
func WithConcurrency(n int) Option {
	return func(t *Tracker) {
		if n > 0 {
			t.concurrency = n
		}
	}
}

// New creates a tracker for userID.
func New(userID string, backend Persistence, opts ...Option) *Tracker {
	t := &Tracker{
		userID:      userID,
		backend:     backend,
		logger:      zap.NewNop(),
		concurrency: defaultConcurrency,
		ledgers:     make(map[string]*ledger),
		owner:       make(map[string]string),
		orphans:     make(set),
		mine:        make(set),
		pending:     make(map[string]*replay),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// UnreadCount returns the unread count of a conversation, fetching it the
// first time.
func (t *Tracker) UnreadCount(ctx context.Context, conversationID string) (int, error) {
	t.mu.Lock()
	if l, ok := t.ledgers[conversationID]; ok {
		n := l.unread()
		t.mu.Unlock()
		return n, nil
	}
	t.mu.Unlock()
	return t.Refresh(ctx, conversationID)
}

// Refresh recomputes a conversation's ledger from scratch.
func (t *Tracker) Refresh(ctx context.Context, conversationID string) (int, error) {
	t.mu.Lock()
	r := t.pending[conversationID]
	if r == nil {
		r = &replay{}
		t.pending[conversationID] = r
	}
	r.refs++
	t.mu.Unlock()

	others, errOthers := t.backend.MessageIDsFromOthers(ctx, conversationID, t.userID)
	var read []string
	var errRead error
	if errOthers == nil {
		read, errRead = t.backend.ReadMessageIDs(ctx, conversationID, t.userID)
	}

	t.mu.Lock()
	r.refs--
	if r.refs == 0 {
		delete(t.pending, conversationID)
	}
	if err := firstErr(errOthers, errRead); err != nil {
		t.mu.Unlock()
		t.logger.Warn("unread fetch failed", zap.String("conversation_id", conversationID), zap.Error(err))
		return 0, &model.FetchError{Op: "unread count", ConversationID: conversationID, Err: err}
	}

	l := &ledger{others: make(set, len(others)), read: make(set, len(read))}
	for _, id := range others {
		l.others[id] = struct{}{}
		t.owner[id] = conversationID
		if _, ok := t.orphans[id]; ok {
			delete(t.orphans, id)
			l.read[id] = struct{}{}
		}
	}
	for _, id := range read {
		l.read[id] = struct{}{}
	}
	for _, op := range r.ops {
		op(l)
	}
	t.ledgers[conversationID] = l
	n := l.unread()
	t.mu.Unlock()

	t.emit(conversationID, n)
	return n, nil
}

// Totals computes unread counts for every conversation in ids. A failed
// conversation does not abort the others.
func (t *Tracker) Totals(ctx context.Context, ids []string) Totals {
	out := Totals{
		PerConversation: make(map[string]int, len(ids)),
		Failed:          make(map[string]error),
	}
	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(t.concurrency)
	for _, id := range ids {
		g.Go(func() error {
			n, err := t.UnreadCount(ctx, id)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				out.Failed[id] = err
				n = 0
			}
			out.PerConversation[id] = n
			out.Total += n
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// AllTotals computes Totals over every conversation the user participates in.
func (t *Tracker) AllTotals(ctx context.Context) (Totals, error) {
	ids, err := t.backend.ConversationIDs(ctx, t.userID)
	if err != nil {
		return Totals{}, &model.FetchError{Op: "conversation ids", Err: err}
	}
	return t.Totals(ctx, ids), nil
}

// MarkRead records read statuses for messageIDs. Ids already known to be
// read and the reader's own messages are skipped. It returns how many were
// newly marked.
func (t *Tracker) MarkRead(ctx context.Context, messageIDs []string) (int, error) {
	t.mu.Lock()
	todo := make([]string, 0, len(messageIDs))
	seen := make(set, len(messageIDs))
	for _, id := range messageIDs {
		if _, dup := seen[id]; dup || t.isReadLocked(id) {
			continue
		}
		if _, own := t.mine[id]; own {
			continue
		}
		seen[id] = struct{}{}
		todo = append(todo, id)
	}
	t.mu.Unlock()
	if len(todo) == 0 {
		return 0, nil
	}

	inserted, err := t.backend.UpsertReadStatuses(ctx, t.userID, todo)
	if err != nil {
		t.logger.Warn("mark read failed", zap.Int("count", len(todo)), zap.Error(err))
		return 0, &model.SendError{Op: "mark read", Err: err}
	}
	for _, rs := range inserted {
		t.applyRead(rs)
	}
	return len(inserted), nil
}

func (t *Tracker) isReadLocked(id string) bool {
	if _, ok := t.orphans[id]; ok {
		return true
	}
	conv, ok := t.owner[id]
	if !ok {
		return false
	}
	l := t.ledgers[conv]
	if l == nil {
		return false
	}
	_, ok = l.read[id]
	return ok
}

// apply runs op on the conversation's ledger and on any in-flight refresh.
// It reports whether a ledger is tracked. Caller holds mu.
func (t *Tracker) apply(conversationID string, op func(*ledger)) bool {
	l := t.ledgers[conversationID]
	if l != nil {
		op(l)
	}
	if r := t.pending[conversationID]; r != nil {
		r.ops = append(r.ops, op)
	}
	return l != nil
}

func (t *Tracker) applyInsert(m model.Message) {
	if m.ID == "" {
		return
	}
	if m.SenderID == t.userID {
		t.mu.Lock()
		t.mine[m.ID] = struct{}{}
		t.mu.Unlock()
		return
	}
	conv := m.ConversationID
	t.mu.Lock()
	if t.ledgers[conv] == nil && t.pending[conv] == nil {
		t.mu.Unlock()
		return
	}
	t.owner[m.ID] = conv
	_, wasRead := t.orphans[m.ID]
	delete(t.orphans, m.ID)
	tracked := t.apply(conv, func(l *ledger) {
		l.others[m.ID] = struct{}{}
		if wasRead {
			l.read[m.ID] = struct{}{}
		}
	})
	n := t.countLocked(conv)
	t.mu.Unlock()
	if tracked {
		t.emit(conv, n)
	}
}

func (t *Tracker) applyDelete(id string) {
	t.mu.Lock()
	conv, ok := t.owner[id]
	delete(t.orphans, id)
	delete(t.mine, id)
	if !ok {
		t.mu.Unlock()
		return
	}
	delete(t.owner, id)
	tracked := t.apply(conv, func(l *ledger) {
		delete(l.others, id)
		delete(l.read, id)
	})
	n := t.countLocked(conv)
	t.mu.Unlock()
	if tracked {
		t.emit(conv, n)
	}
}

func (t *Tracker) applyRead(rs model.ReadStatus) {
	if rs.ReaderID != t.userID {
		return
	}
	t.mu.Lock()
	conv, ok := t.owner[rs.MessageID]
	if !ok {
		if _, own := t.mine[rs.MessageID]; !own {
			t.orphans[rs.MessageID] = struct{}{}
		}
		t.mu.Unlock()
		return
	}
	tracked := t.apply(conv, func(l *ledger) { l.read[rs.MessageID] = struct{}{} })
	n := t.countLocked(conv)
	t.mu.Unlock()
	if tracked {
		t.emit(conv, n)
	}
}

func (t *Tracker) applyUnread(rs model.ReadStatus) {
	if rs.ReaderID != t.userID {
		return
	}
	t.mu.Lock()
	delete(t.orphans, rs.MessageID)
	conv, ok := t.owner[rs.MessageID]
	if !ok {
		t.mu.Unlock()
		return
	}
	tracked := t.apply(conv, func(l *ledger) { delete(l.read, rs.MessageID) })
	n := t.countLocked(conv)
	t.mu.Unlock()
	if tracked {
		t.emit(conv, n)
	}
}

// Forget drops a conversation's ledger, e.g. after leaving it.
func (t *Tracker) Forget(conversationID string) {
	t.mu.Lock()
	delete(t.ledgers, conversationID)
	for id, conv := range t.owner {
		if conv == conversationID {
			delete(t.owner, id)
		}
	}
	t.mu.Unlock()
	t.emit(conversationID, 0)
}

// Tracked lists conversations with a ledger.
func (t *Tracker) Tracked() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.ledgers))
	for id := range t.ledgers {
		out = append(out, id)
	}
	return out
}

func (t *Tracker) tracks(conversationID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ledgers[conversationID] != nil
}

func (t *Tracker) countLocked(conversationID string) int {
	if l := t.ledgers[conversationID]; l != nil {
		return l.unread()
	}
	return 0
}

// Handle applies one subscription event.
func (t *Tracker) Handle(ctx context.Context, evt transport.Event) {
	if evt.Kind == transport.KindResync {
		for _, conv := range t.Tracked() {
			if _, err := t.Refresh(ctx, conv); err != nil {
				t.logger.Warn("resync refresh failed", zap.String("conversation_id", conv), zap.Error(err))
			}
		}
		return
	}
	c := evt.Change
	if evt.Kind != transport.KindChange || c == nil {
		return
	}
	switch c.Table {
	case transport.TableMessages:
		var m model.Message
		if err := c.Decode(&m); err != nil {
			t.logger.Warn("bad message row", zap.Error(err))
			return
		}
		switch c.Operation {
		case transport.OpInsert:
			t.applyInsert(m)
		case transport.OpDelete:
			t.applyDelete(m.ID)
		}
	case transport.TableReadStatus:
		var rs model.ReadStatus
		if err := c.Decode(&rs); err != nil {
			t.logger.Warn("bad read status row", zap.Error(err))
			return
		}
		switch c.Operation {
		case transport.OpInsert, transport.OpUpdate:
			t.applyRead(rs)
		case transport.OpDelete:
			t.applyUnread(rs)
		}
	case transport.TableParticipants:
		var p model.Participant
		if err := c.Decode(&p); err != nil {
			t.logger.Warn("bad participant row", zap.Error(err))
			return
		}
		if p.UserID == t.userID && c.Operation == transport.OpDelete {
			t.Forget(p.ConversationID)
			return
		}
		if p.UserID != t.userID && !t.tracks(p.ConversationID) {
			return
		}
		if _, err := t.Refresh(ctx, p.ConversationID); err != nil {
			t.logger.Warn("membership refresh failed", zap.String("conversation_id", p.ConversationID), zap.Error(err))
		}
	}
}

// Run applies events until the channel closes or ctx is done.
func (t *Tracker) Run(ctx context.Context, events <-chan transport.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			t.Handle(ctx, evt)
		}
	}
}

func (t *Tracker) emit(conversationID string, n int) {
	t.bus.Emit(bus.KindUnreadChanged, Changed{ConversationID: conversationID, Unread: n})
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
