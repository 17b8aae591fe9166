// Package inbox composes the conversation list: each conversation with its
// resolved peer, last message and live unread count.
package inbox

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/matheus3301/relay/internal/bus"
	"github.com/matheus3301/relay/internal/model"
	"github.com/matheus3301/relay/internal/receipts"
	"github.com/matheus3301/relay/internal/transport"
)

// Persistence is the subset of the backend the aggregator reads.
type Persistence interface {
	Conversations(ctx context.Context, userID string) ([]model.ConversationSummary, error)
	Profiles(ctx context.Context, ids []string) (map[string]model.Profile, error)
}

// Counter computes unread totals with per-conversation isolation.
type Counter interface {
	Totals(ctx context.Context, conversationIDs []string) receipts.Totals
}

// Entry is one inbox row.
type Entry struct {
	Conversation model.Conversation
	// Peer is the other participant of a 1:1 conversation, or the first
	// other participant of a group. A missing profile yields a placeholder.
	Peer        model.Profile
	LastMessage *model.Message
	Unread      int
	// UnreadErr is set when the count could not be fetched; Unread is zero.
	UnreadErr error
}

// Title is the display name of the conversation.
func (e Entry) Title() string {
	if len(e.Conversation.Participants) <= 1 {
		return e.Peer.DisplayName
	}
	names := make([]string, len(e.Conversation.Participants))
	for i, p := range e.Conversation.Participants {
		names[i] = p.DisplayName
	}
	return strings.Join(names, ", ")
}

// View is an immutable snapshot of the inbox.
type View struct {
	Entries     []Entry
	TotalUnread int
	ComputedAt  time.Time
}

// Aggregator recomputes the inbox into a fresh View and swaps it in.
// Recomputations never interleave.
type Aggregator struct {
	userID  string
	backend Persistence
	counter Counter
	bus     *bus.Bus
	clock   clockwork.Clock
	logger  *zap.Logger

	recompute sync.Mutex
	view      atomic.Pointer[View]
	dirty     chan struct{}
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithBus publishes inbox.updated on b and listens for unread and
// connectivity changes on it while running.
func WithBus(b *bus.Bus) Option { return func(a *Aggregator) { a.bus = b } }

// WithClock sets the clock stamping views.
func WithClock(c clockwork.Clock) Option { return func(a *Aggregator) { a.clock = c } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(a *Aggregator) {
		if l != nil {
			a.logger = l
		}
	}
}

// New creates an aggregator for userID.
func New(userID string, backend Persistence, counter Counter, opts ...Option) *Aggregator {
	a := &Aggregator{
		userID:  userID,
		backend: backend,
		counter: counter,
		clock:   clockwork.NewRealClock(),
		logger:  zap.NewNop(),
		dirty:   make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(a)
	}
	a.view.Store(&View{})
	return a
}

// View returns the current snapshot.
func (a *Aggregator) View() *View { return a.view.Load() }

// Recompute rebuilds the view. On a conversation fetch failure the previous
// view stays in place and a *model.FetchError is returned. Profile and
// unread failures degrade per entry.
func (a *Aggregator) Recompute(ctx context.Context) (*View, error) {
	a.recompute.Lock()
	defer a.recompute.Unlock()

	summaries, err := a.backend.Conversations(ctx, a.userID)
	if err != nil {
		a.logger.Warn("inbox fetch failed", zap.Error(err))
		return a.View(), &model.FetchError{Op: "conversations", Err: err}
	}

	var ids, others []string
	seen := make(map[string]struct{})
	for _, s := range summaries {
		ids = append(ids, s.Conversation.ID)
		for _, id := range s.OtherIDs {
			if _, ok := seen[id]; !ok {
				seen[id] = struct{}{}
				others = append(others, id)
			}
		}
	}

	profiles, err := a.backend.Profiles(ctx, others)
	if err != nil {
		a.logger.Warn("profile fetch failed, using placeholders", zap.Error(err))
		profiles = nil
	}
	totals := a.counter.Totals(ctx, ids)

	view := &View{
		Entries:    make([]Entry, 0, len(summaries)),
		ComputedAt: a.clock.Now(),
	}
	for _, s := range summaries {
		conv := s.Conversation
		conv.Participants = make([]model.Profile, 0, len(s.OtherIDs))
		for _, id := range s.OtherIDs {
			p, ok := profiles[id]
			if !ok {
				p = model.Placeholder(id)
			}
			conv.Participants = append(conv.Participants, p)
		}
		e := Entry{
			Conversation: conv,
			Peer:         model.Placeholder(""),
			LastMessage:  s.LastMessage,
			Unread:       totals.PerConversation[conv.ID],
			UnreadErr:    totals.Failed[conv.ID],
		}
		if len(conv.Participants) > 0 {
			e.Peer = conv.Participants[0]
		}
		view.Entries = append(view.Entries, e)
		view.TotalUnread += e.Unread
	}

	a.view.Store(view)
	a.logger.Debug("inbox recomputed",
		zap.Int("conversations", len(view.Entries)),
		zap.Int("unread", view.TotalUnread),
		zap.Int("unread_failed", len(totals.Failed)),
	)
	a.bus.Emit(bus.KindInboxUpdated, view)
	return view, nil
}

// Trigger schedules a recomputation on the Run loop. Triggers coalesce.
func (a *Aggregator) Trigger() {
	select {
	case a.dirty <- struct{}{}:
	default:
	}
}

// Handle schedules a recomputation for events that affect the list:
// new messages, conversation pointer and membership changes, read status
// changes and resyncs.
func (a *Aggregator) Handle(evt transport.Event) {
	switch evt.Kind {
	case transport.KindResync:
		a.Trigger()
	case transport.KindChange:
		if evt.Change == nil {
			return
		}
		switch evt.Change.Table {
		case transport.TableMessages, transport.TableConversations,
			transport.TableParticipants, transport.TableReadStatus:
			a.Trigger()
		}
	}
}

// Run recomputes whenever triggered until ctx is done. With a bus it also
// recomputes on unread changes and when connectivity returns.
func (a *Aggregator) Run(ctx context.Context) {
	var busEvents <-chan bus.Event
	if a.bus != nil {
		ch, unsub := a.bus.Subscribe("", 64)
		defer unsub()
		busEvents = ch
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.dirty:
			if _, err := a.Recompute(ctx); err != nil && ctx.Err() == nil {
				a.logger.Warn("inbox recompute failed", zap.Error(err))
			}
		case evt := <-busEvents:
			if evt.Kind == bus.KindUnreadChanged || evt.Kind == bus.KindConnStatus {
				a.Trigger()
			}
		}
	}
}
