package chat

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/matheus3301/relay/internal/calls"
	"github.com/matheus3301/relay/internal/messages"
	"github.com/matheus3301/relay/internal/model"
	"github.com/matheus3301/relay/internal/presence"
	"github.com/matheus3301/relay/internal/status"
	"github.com/matheus3301/relay/internal/transport"
	"github.com/matheus3301/relay/internal/typing"
)

// Screen is an open conversation. It owns the conversation's message list
// and subscriptions until Close.
type Screen struct {
	client         *Client
	conversationID string
	scope          *scope
	store          *messages.Store
	logger         *zap.Logger
}

// OpenConversation subscribes to everything the conversation screen shows.
// If any subscription fails the ones already acquired are released.
func (c *Client) OpenConversation(ctx context.Context, conversationID string) (*Screen, error) {
	if conversationID == "" {
		return nil, fmt.Errorf("open conversation: empty id")
	}
	log := c.deps.Logger.With(zap.String("conversation_id", conversationID))
	sc := c.newScope(ctx, "screen")
	s := &Screen{
		client:         c,
		conversationID: conversationID,
		scope:          sc,
		logger:         log,
		store: messages.New(conversationID, c.deps.UserID, c.deps.Backend,
			messages.WithHistoryLimit(c.deps.Options.HistoryLimit),
			messages.WithProvisional(c.deps.Options.Provisional),
			messages.WithBus(c.deps.Bus),
			messages.WithClock(c.deps.Clock),
			messages.WithLogger(log.Named("messages")),
		),
	}
	sc.onClose(s.store.Close)

	handleMessages := func(evt transport.Event) { s.store.Handle(sc.ctx, evt) }
	handleReceipts := func(evt transport.Event) { c.receipts.Handle(sc.ctx, evt) }

	routes := []struct {
		topic    transport.Topic
		handlers []func(transport.Event)
	}{
		{transport.Rows(transport.TableMessages, transport.Eq("conversation_id", conversationID)), []func(transport.Event){handleMessages, handleReceipts}},
		{transport.Rows(transport.TableReadStatus, transport.Eq("reader_id", c.deps.UserID)), []func(transport.Event){handleReceipts}},
		{transport.Rows(transport.TableParticipants, transport.Eq("conversation_id", conversationID)), []func(transport.Event){handleReceipts}},
		{transport.Rows(transport.TableCalls, transport.Filter{}), []func(transport.Event){c.calls.Handle}},
		{transport.Broadcasts(typing.Channel(conversationID)), []func(transport.Event){c.typing.Handle}},
	}
	for _, r := range routes {
		if err := sc.route(r.topic, r.handlers...); err != nil {
			sc.close(log)
			return nil, fmt.Errorf("open conversation %s: %w", conversationID, err)
		}
	}

	c.calls.SetOpenConversation(conversationID)
	sc.onClose(func() { c.calls.LeaveConversation(conversationID) })
	c.Touch(ctx)

	log.Info("conversation opened")
	return s, nil
}

// ConversationID returns the open conversation.
func (s *Screen) ConversationID() string { return s.conversationID }

// Load fetches recent history. On failure the list stays empty and the
// error is a *model.FetchError.
func (s *Screen) Load(ctx context.Context) ([]model.Message, error) {
	return s.store.Load(ctx)
}

// Messages returns the ordered message list.
func (s *Screen) Messages() []model.Message { return s.store.Messages() }

// Send sends a text message.
func (s *Screen) Send(ctx context.Context, body string) (model.Message, error) {
	return s.SendRequest(ctx, messages.SendRequest{Body: body})
}

// SendRequest sends a message of any kind.
func (s *Screen) SendRequest(ctx context.Context, req messages.SendRequest) (model.Message, error) {
	s.client.Touch(ctx)
	return s.store.Send(ctx, req)
}

// Unread returns the conversation's unread count.
func (s *Screen) Unread(ctx context.Context) (int, error) {
	return s.client.receipts.UnreadCount(ctx, s.conversationID)
}

// MarkAllRead marks every visible message from others as read.
func (s *Screen) MarkAllRead(ctx context.Context) (int, error) {
	var ids []string
	for _, m := range s.store.Messages() {
		if m.SenderID != s.client.deps.UserID && !m.Pending {
			ids = append(ids, m.ID)
		}
	}
	return s.client.receipts.MarkRead(ctx, ids)
}

// MarkRead marks specific messages as read.
func (s *Screen) MarkRead(ctx context.Context, messageIDs []string) (int, error) {
	return s.client.receipts.MarkRead(ctx, messageIDs)
}

// NotifyTyping tells peers the local user is typing. Best effort.
func (s *Screen) NotifyTyping(ctx context.Context) {
	if _, err := s.client.typing.NotifyTyping(ctx, s.conversationID); err != nil {
		s.logger.Debug("typing notification dropped", zap.Error(err))
	}
}

// OnTyping registers cb for peers' typing state in this conversation until
// the screen closes.
func (s *Screen) OnTyping(cb func(typing.State)) {
	cancel := s.client.typing.OnTypingReceived(s.conversationID, cb)
	s.scope.onClose(cancel)
}

// PeerStatus is the status line for a peer: typing, else online or offline.
func (s *Screen) PeerStatus(ctx context.Context, peerID string) string {
	typingNow := s.client.typing.IsTyping(s.conversationID, peerID)
	p, err := s.client.Presence(ctx, peerID)
	if err != nil {
		s.logger.Debug("presence lookup failed", zap.String("peer_id", peerID), zap.Error(err))
		p = presence.Presence{UserID: peerID, Status: presence.Offline}
	}
	return presence.Label(typingNow, p)
}

// StartCall calls a peer in this conversation.
func (s *Screen) StartCall(ctx context.Context, calleeID string, kind model.CallKind, offer string) (model.Call, error) {
	return s.client.calls.StartCall(ctx, calls.StartRequest{
		ConversationID: s.conversationID,
		CalleeID:       calleeID,
		Kind:           kind,
		Offer:          offer,
	})
}

// ActiveCall returns the conversation's pending or accepted call.
func (s *Screen) ActiveCall() (model.Call, bool) {
	return s.client.calls.Active(s.conversationID)
}

// OnIncomingCall registers cb for calls surfaced in this conversation until
// the screen closes.
func (s *Screen) OnIncomingCall(cb func(model.Call)) {
	cancel := s.client.calls.OnIncoming(func(c model.Call) {
		if c.ConversationID == s.conversationID {
			cb(c)
		}
	})
	s.scope.onClose(cancel)
}

// Stale reports whether the screen's data may be out of date because a
// subscription is (re)connecting.
func (s *Screen) Stale() bool { return s.scope.stale() }

// Status returns the screen's connectivity state.
func (s *Screen) Status() status.State { return s.scope.state() }

// Close releases every subscription of the screen. Results of in-flight
// loads and sends are discarded. Safe to call more than once.
func (s *Screen) Close() {
	s.scope.close(s.logger)
}
