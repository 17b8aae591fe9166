// Package typing relays ephemeral "peer is typing" signals over broadcast
// channels. Outbound signals are best effort; inbound state expires after a
// fixed window without renewal.
package typing

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/matheus3301/relay/internal/bus"
	"github.com/matheus3301/relay/internal/transport"
)

const (
	// DefaultTimeout is how long a peer stays "typing" without a renewal.
	DefaultTimeout = 3 * time.Second
	// DefaultThrottle is the minimum spacing of outbound signals per conversation.
	DefaultThrottle = time.Second

	channelPrefix = "typing:"
	eventName     = "typing"
)

// Channel returns the broadcast channel for a conversation.
func Channel(conversationID string) string { return channelPrefix + conversationID }

// Broadcaster sends ephemeral events.
type Broadcaster interface {
	Broadcast(ctx context.Context, channel, event string, payload any) error
}

// Signal is the broadcast payload.
type Signal struct {
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	SentAt         time.Time `json:"sent_at"`
}

// State is a peer's typing state in a conversation.
type State struct {
	ConversationID string
	PeerID         string
	Typing         bool
}

type peer struct {
	timer clockwork.Timer
	gen   uint64
}

// Relay sends local typing signals and tracks remote ones.
type Relay struct {
	userID   string
	out      Broadcaster
	clock    clockwork.Clock
	bus      *bus.Bus
	logger   *zap.Logger
	timeout  time.Duration
	throttle time.Duration

	mu       sync.Mutex
	lastSent map[string]time.Time
	peers    map[string]map[string]*peer // conversation -> peer id
	watchers map[string]map[int]func(State)
	nextID   int
	gen      uint64
	closed   bool
}

// Option configures a Relay.
type Option func(*Relay)

// WithClock sets the clock driving expiry and throttling.
func WithClock(c clockwork.Clock) Option { return func(r *Relay) { r.clock = c } }

// WithBus publishes state changes on b.
func WithBus(b *bus.Bus) Option { return func(r *Relay) { r.bus = b } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Relay) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithTimeout sets the expiry window.
func WithTimeout(d time.Duration) Option {
	return func(r *Relay) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithThrottle sets the outbound spacing. Zero disables throttling.
func WithThrottle(d time.Duration) Option {
	return func(r *Relay) {
		if d >= 0 {
			r.throttle = d
		}
	}
}

// New creates a relay for userID sending through out.
func New(userID string, out Broadcaster, opts ...Option) *Relay {
	r := &Relay{
		userID:   userID,
		out:      out,
		clock:    clockwork.NewRealClock(),
		logger:   zap.NewNop(),
		timeout:  DefaultTimeout,
		throttle: DefaultThrottle,
		lastSent: make(map[string]time.Time),
		peers:    make(map[string]map[string]*peer),
		watchers: make(map[string]map[int]func(State)),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// NotifyTyping broadcasts that the local user is typing. There is no
// acknowledgement. Calls within the throttle window are skipped and report
// false.
func (r *Relay) NotifyTyping(ctx context.Context, conversationID string) (bool, error) {
	now := r.clock.Now()
	r.mu.Lock()
	if last, ok := r.lastSent[conversationID]; ok && r.throttle > 0 && now.Sub(last) < r.throttle {
		r.mu.Unlock()
		return false, nil
	}
	r.lastSent[conversationID] = now
	r.mu.Unlock()

	sig := Signal{ConversationID: conversationID, SenderID: r.userID, SentAt: now.UTC()}
	if err := r.out.Broadcast(ctx, Channel(conversationID), eventName, sig); err != nil {
		r.logger.Debug("typing broadcast lost", zap.String("conversation_id", conversationID), zap.Error(err))
		return false, fmt.Errorf("typing broadcast: %w", err)
	}
	return true, nil
}

// OnTypingReceived registers cb for state changes of peers in a
// conversation. The returned func unregisters it.
func (r *Relay) OnTypingReceived(conversationID string, cb func(State)) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextID
	r.nextID++
	if r.watchers[conversationID] == nil {
		r.watchers[conversationID] = make(map[int]func(State))
	}
	r.watchers[conversationID][id] = cb
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.watchers[conversationID], id)
		if len(r.watchers[conversationID]) == 0 {
			delete(r.watchers, conversationID)
		}
	}
}

// Receive applies an inbound signal. Echoes of the local user's own
// signals are ignored.
func (r *Relay) Receive(sig Signal) {
	if sig.SenderID == "" || sig.SenderID == r.userID || sig.ConversationID == "" {
		return
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	conv := r.peers[sig.ConversationID]
	if conv == nil {
		conv = make(map[string]*peer)
		r.peers[sig.ConversationID] = conv
	}
	p, already := conv[sig.SenderID]
	if already {
		p.timer.Stop()
	} else {
		p = &peer{}
		conv[sig.SenderID] = p
	}
	r.gen++
	gen := r.gen
	p.gen = gen
	p.timer = r.clock.AfterFunc(r.timeout, func() { r.expire(sig.ConversationID, sig.SenderID, gen) })
	r.mu.Unlock()

	if !already {
		r.notify(State{ConversationID: sig.ConversationID, PeerID: sig.SenderID, Typing: true})
	}
}

func (r *Relay) expire(conversationID, peerID string, gen uint64) {
	r.mu.Lock()
	conv := r.peers[conversationID]
	p, ok := conv[peerID]
	if !ok || p.gen != gen {
		r.mu.Unlock()
		return
	}
	delete(conv, peerID)
	if len(conv) == 0 {
		delete(r.peers, conversationID)
	}
	r.mu.Unlock()

	r.notify(State{ConversationID: conversationID, PeerID: peerID, Typing: false})
}

func (r *Relay) notify(s State) {
	r.mu.Lock()
	cbs := make([]func(State), 0, len(r.watchers[s.ConversationID]))
	for _, cb := range r.watchers[s.ConversationID] {
		cbs = append(cbs, cb)
	}
	r.mu.Unlock()

	for _, cb := range cbs {
		cb(s)
	}
	r.bus.Emit(bus.KindTypingChanged, s)
}

// IsTyping reports whether peerID is currently typing in the conversation.
func (r *Relay) IsTyping(conversationID, peerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.peers[conversationID][peerID]
	return ok
}

// Typing lists peers currently typing in the conversation.
func (r *Relay) Typing(conversationID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.peers[conversationID]))
	for id := range r.peers[conversationID] {
		out = append(out, id)
	}
	return out
}

// Handle applies one subscription event.
func (r *Relay) Handle(evt transport.Event) {
	b := evt.Broadcast
	if evt.Kind != transport.KindBroadcast || b == nil || b.Event != eventName || !strings.HasPrefix(b.Channel, channelPrefix) {
		return
	}
	var sig Signal
	if err := b.Decode(&sig); err != nil {
		r.logger.Debug("bad typing payload", zap.Error(err))
		return
	}
	if sig.ConversationID == "" {
		sig.ConversationID = strings.TrimPrefix(b.Channel, channelPrefix)
	}
	r.Receive(sig)
}

// Run applies events until the channel closes or ctx is done.
func (r *Relay) Run(ctx context.Context, events <-chan transport.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			r.Handle(evt)
		}
	}
}

// Close stops every pending expiry timer.
func (r *Relay) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	for _, conv := range r.peers {
		for _, p := range conv {
			p.timer.Stop()
		}
	}
	r.peers = make(map[string]map[string]*peer)
	r.watchers = make(map[string]map[int]func(State))
}
