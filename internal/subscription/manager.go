// Package subscription owns the transport subscriptions of one scope (a
// conversation screen or the inbox). It allows at most one live handle per
// topic, reconnects dropped streams with exponential backoff and reports the
// scope's connectivity through a status.Machine.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/matheus3301/relay/internal/model"
	"github.com/matheus3301/relay/internal/status"
	"github.com/matheus3301/relay/internal/transport"
)

const defaultBuffer = 64

// Manager multiplexes handles over a Transport.
type Manager struct {
	transport  transport.Transport
	status     *status.Machine
	logger     *zap.Logger
	newBackOff func() backoff.BackOff
	buffer     int

	mu      sync.Mutex
	handles map[string]*Handle
	down    map[string]struct{}
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithStatus reports connectivity on machine instead of a private one.
func WithStatus(machine *status.Machine) Option {
	return func(m *Manager) {
		if machine != nil {
			m.status = machine
		}
	}
}

// WithBackOff sets the reconnect policy. f is called once per outage.
func WithBackOff(f func() backoff.BackOff) Option {
	return func(m *Manager) {
		if f != nil {
			m.newBackOff = f
		}
	}
}

// WithBuffer sets the per-handle event buffer.
func WithBuffer(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.buffer = n
		}
	}
}

// ExponentialBackOff returns a reconnect policy that never gives up.
func ExponentialBackOff(initial, max time.Duration, multiplier float64) func() backoff.BackOff {
	return func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		if initial > 0 {
			b.InitialInterval = initial
		}
		if max > 0 {
			b.MaxInterval = max
		}
		if multiplier > 1 {
			b.Multiplier = multiplier
		}
		b.MaxElapsedTime = 0
		b.Reset()
		return b
	}
}

// New creates a manager over t.
func New(t transport.Transport, opts ...Option) *Manager {
	m := &Manager{
		transport:  t,
		logger:     zap.NewNop(),
		newBackOff: ExponentialBackOff(0, 0, 0),
		buffer:     defaultBuffer,
		handles:    make(map[string]*Handle),
		down:       make(map[string]struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	if m.status == nil {
		m.status = status.NewMachine(nil)
	}
	return m
}

// Status returns the connectivity machine of this scope.
func (m *Manager) Status() *status.Machine { return m.status }

// Subscribe opens a handle for topic. The handle lives until Release, until
// UnsubscribeAll, or until ctx is done. A second Subscribe for a topic whose
// handle is still live fails with model.ErrDuplicateSubscription.
//
// If the transport is unreachable the handle is still returned: it keeps
// reconnecting in the background and delivers a resync event once live.
func (m *Manager) Subscribe(ctx context.Context, topic transport.Topic) (*Handle, error) {
	if err := topic.Validate(); err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}
	key := topic.Key()

	hctx, cancel := context.WithCancel(ctx)
	h := &Handle{
		id:      uuid.NewString(),
		topic:   topic,
		manager: m,
		ctx:     hctx,
		cancel:  cancel,
		events:  make(chan transport.Event, m.buffer),
		done:    make(chan struct{}),
	}

	m.mu.Lock()
	if _, ok := m.handles[key]; ok {
		m.mu.Unlock()
		cancel()
		return nil, fmt.Errorf("subscribe %s: %w", topic, model.ErrDuplicateSubscription)
	}
	m.handles[key] = h
	if cur := m.status.Current(); cur == status.Idle || cur == status.Closed {
		m.transition(status.Connecting)
	}
	m.mu.Unlock()

	stream, err := m.transport.Subscribe(hctx, topic)
	if err != nil {
		m.logger.Warn("subscribe failed, retrying in background",
			zap.String("topic", key),
			zap.String("handle", h.id),
			zap.Error(err),
		)
		m.markDown(h)
		stream = nil
	} else {
		m.markUp(h)
	}

	go h.pump(stream)
	m.logger.Debug("subscribed", zap.String("topic", key), zap.String("handle", h.id))
	return h, nil
}

// UnsubscribeAll releases every live handle and waits for their pumps to stop.
func (m *Manager) UnsubscribeAll() {
	m.mu.Lock()
	handles := make([]*Handle, 0, len(m.handles))
	for _, h := range m.handles {
		handles = append(handles, h)
	}
	m.mu.Unlock()

	for _, h := range handles {
		h.Release()
	}
	for _, h := range handles {
		<-h.done
	}

	m.mu.Lock()
	if m.status.Current() != status.Closed {
		m.transition(status.Closed)
	}
	m.mu.Unlock()
}

// Live returns how many handles are currently held.
func (m *Manager) Live() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.handles)
}

func (m *Manager) forget(h *Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := h.topic.Key()
	if m.handles[key] != h {
		return
	}
	delete(m.handles, key)
	delete(m.down, key)
	m.reconcile()
}

func (m *Manager) markDown(h *Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := h.topic.Key()
	if m.handles[key] != h {
		return
	}
	m.down[key] = struct{}{}
	m.reconcile()
}

func (m *Manager) markUp(h *Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := h.topic.Key()
	if m.handles[key] != h {
		return
	}
	delete(m.down, key)
	m.reconcile()
}

// reconcile moves the status machine to match the handle set. Caller holds mu.
func (m *Manager) reconcile() {
	if len(m.handles) == 0 {
		return
	}
	want := status.Live
	if len(m.down) > 0 {
		want = status.Reconnecting
	}
	if m.status.Current() == want {
		return
	}
	if m.status.Current() == status.Closed || m.status.Current() == status.Idle {
		m.transition(status.Connecting)
	}
	m.transition(want)
}

func (m *Manager) transition(to status.State) {
	if err := m.status.Transition(to); err != nil {
		m.logger.Debug("status transition skipped", zap.Error(err))
	}
}

// Handle is one live subscription. Events is closed once the handle stops.
type Handle struct {
	id      string
	topic   transport.Topic
	manager *Manager
	ctx     context.Context
	cancel  context.CancelFunc
	events  chan transport.Event
	done    chan struct{}
	once    sync.Once
}

// ID identifies the handle in logs.
func (h *Handle) ID() string { return h.id }

// Topic returns the subscribed topic.
func (h *Handle) Topic() transport.Topic { return h.topic }

// Events delivers row changes and broadcasts in transport order, plus a
// transport.KindResync event after every reconnect.
func (h *Handle) Events() <-chan transport.Event { return h.events }

// Done is closed once the handle has stopped delivering.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Release tears the subscription down. Releasing twice is a no-op.
func (h *Handle) Release() {
	h.once.Do(func() {
		h.cancel()
		h.manager.forget(h)
	})
}

func (h *Handle) pump(stream transport.Stream) {
	defer close(h.done)
	defer close(h.events)
	defer h.Release()

	log := h.manager.logger.With(zap.String("topic", h.topic.Key()), zap.String("handle", h.id))
	for {
		if stream != nil {
			err := h.forward(stream)
			if h.ctx.Err() != nil {
				return
			}
			if err == nil {
				err = model.ErrTransportDisconnected
			}
			log.Warn("subscription dropped", zap.Error(err))
			h.manager.markDown(h)
		}

		stream = h.reconnect(log)
		if stream == nil {
			return
		}
		h.manager.markUp(h)
		log.Info("subscription restored")
		if !h.deliver(transport.Event{Kind: transport.KindResync}) {
			_ = stream.Close()
			return
		}
	}
}

// forward copies stream events to the handle until the stream ends or the
// handle is released.
func (h *Handle) forward(stream transport.Stream) error {
	for {
		select {
		case <-h.ctx.Done():
			_ = stream.Close()
			return nil
		case evt, ok := <-stream.Events():
			if !ok {
				return stream.Err()
			}
			if !h.deliver(evt) {
				_ = stream.Close()
				return nil
			}
		}
	}
}

func (h *Handle) deliver(evt transport.Event) bool {
	select {
	case h.events <- evt:
		return true
	case <-h.ctx.Done():
		return false
	}
}

func (h *Handle) reconnect(log *zap.Logger) transport.Stream {
	attempt := 0
	op := func() (transport.Stream, error) {
		attempt++
		return h.manager.transport.Subscribe(h.ctx, h.topic)
	}
	notify := func(err error, wait time.Duration) {
		log.Debug("resubscribe failed",
			zap.Int("attempt", attempt),
			zap.Duration("retry_in", wait),
			zap.Error(err),
		)
	}
	b := backoff.WithContext(h.manager.newBackOff(), h.ctx)
	stream, err := backoff.RetryNotifyWithData(op, b, notify)
	if err != nil {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			log.Error("giving up on subscription", zap.Error(err))
		}
		return nil
	}
	return stream
}
