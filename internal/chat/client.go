// Package chat is the explicit messaging client: one instance per signed-in
// user, constructed with its transport and backend. Screens acquire
// subscriptions on open and release all of them on Close.
package chat

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/matheus3301/relay/internal/bus"
	"github.com/matheus3301/relay/internal/calls"
	"github.com/matheus3301/relay/internal/inbox"
	"github.com/matheus3301/relay/internal/messages"
	"github.com/matheus3301/relay/internal/presence"
	"github.com/matheus3301/relay/internal/receipts"
	"github.com/matheus3301/relay/internal/transport"
	"github.com/matheus3301/relay/internal/typing"
)

// Backend is everything the client reads and writes.
type Backend interface {
	messages.Persistence
	receipts.Persistence
	calls.Persistence
	inbox.Persistence
}

// Options tunes the client. Zero values take defaults.
type Options struct {
	HistoryLimit   int
	TypingTimeout  time.Duration
	TypingThrottle time.Duration
	RingTimeout    time.Duration
	Provisional    bool
	// Reconnect builds the backoff policy for dropped subscriptions.
	Reconnect func() backoff.BackOff
}

// Deps are the collaborators of a Client. Presence, Clock, Bus and Logger
// are optional.
type Deps struct {
	UserID    string
	Transport transport.Transport
	Backend   Backend
	Presence  presence.Store
	Clock     clockwork.Clock
	Bus       *bus.Bus
	Logger    *zap.Logger
	Options   Options
}

// Client is the messaging core of one user session.
type Client struct {
	deps     Deps
	receipts *receipts.Tracker
	typing   *typing.Relay
	calls    *calls.Machine
}

// NewClient validates deps and builds the session-wide components.
func NewClient(deps Deps) (*Client, error) {
	switch {
	case deps.UserID == "":
		return nil, errors.New("chat: user id is required")
	case deps.Transport == nil:
		return nil, errors.New("chat: transport is required")
	case deps.Backend == nil:
		return nil, errors.New("chat: backend is required")
	}
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.Bus == nil {
		deps.Bus = bus.New()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	deps.Logger = deps.Logger.With(zap.String("user_id", deps.UserID))

	opts := deps.Options
	if opts.TypingTimeout == 0 {
		opts.TypingTimeout = typing.DefaultTimeout
	}
	if opts.TypingThrottle == 0 {
		opts.TypingThrottle = typing.DefaultThrottle
	}
	if opts.RingTimeout == 0 {
		opts.RingTimeout = calls.DefaultRingTimeout
	}
	if opts.HistoryLimit == 0 {
		opts.HistoryLimit = messages.DefaultHistoryLimit
	}
	deps.Options = opts

	c := &Client{deps: deps}
	c.receipts = receipts.New(deps.UserID, deps.Backend,
		receipts.WithBus(deps.Bus),
		receipts.WithLogger(deps.Logger.Named("receipts")),
	)
	c.typing = typing.New(deps.UserID, deps.Transport,
		typing.WithClock(deps.Clock),
		typing.WithBus(deps.Bus),
		typing.WithLogger(deps.Logger.Named("typing")),
		typing.WithTimeout(opts.TypingTimeout),
		typing.WithThrottle(opts.TypingThrottle),
	)
	c.calls = calls.New(deps.UserID, deps.Backend,
		calls.WithClock(deps.Clock),
		calls.WithBus(deps.Bus),
		calls.WithLogger(deps.Logger.Named("calls")),
		calls.WithRingTimeout(opts.RingTimeout),
	)
	return c, nil
}

// UserID returns the signed-in user.
func (c *Client) UserID() string { return c.deps.UserID }

// Bus returns the event bus UI layers subscribe to.
func (c *Client) Bus() *bus.Bus { return c.deps.Bus }

// Receipts returns the session's unread tracker.
func (c *Client) Receipts() *receipts.Tracker { return c.receipts }

// Calls returns the session's call state machine.
func (c *Client) Calls() *calls.Machine { return c.calls }

// Typing returns the session's typing relay.
func (c *Client) Typing() *typing.Relay { return c.typing }

// Touch records activity for presence. Failures are logged only.
func (c *Client) Touch(ctx context.Context) {
	if c.deps.Presence == nil {
		return
	}
	if err := c.deps.Presence.Touch(ctx, c.deps.UserID); err != nil {
		c.deps.Logger.Debug("presence touch failed", zap.Error(err))
	}
}

// Presence returns a peer's presence. Without a presence store every peer
// is offline.
func (c *Client) Presence(ctx context.Context, userID string) (presence.Presence, error) {
	if c.deps.Presence == nil {
		return presence.Presence{UserID: userID, Status: presence.Offline}, nil
	}
	return c.deps.Presence.Get(ctx, userID)
}

// Close stops session timers and marks the user offline.
func (c *Client) Close(ctx context.Context) error {
	c.calls.Close()
	c.typing.Close()
	if c.deps.Presence != nil {
		return c.deps.Presence.SetOffline(ctx, c.deps.UserID)
	}
	return nil
}
