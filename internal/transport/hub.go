package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/matheus3301/relay/internal/model"
)

var (
	// ErrSlowConsumer ends a stream whose buffer filled up. The consumer is
	// expected to reconnect and resync rather than silently miss events.
	ErrSlowConsumer = fmt.Errorf("%w: consumer too slow", model.ErrTransportDisconnected)

	// ErrUnavailable is returned by Subscribe while the hub is down.
	ErrUnavailable = fmt.Errorf("%w: hub unavailable", model.ErrTransportDisconnected)
)

const defaultHubBuffer = 256

// Hub is an in-process Transport and ChangeFeed. Events published on the hub
// reach subscribers in publish order. Several logical topics multiplex over it.
type Hub struct {
	mu        sync.Mutex
	subs      map[uint64]*hubStream
	next      uint64
	bufSize   int
	available bool
}

// Compile-time interface checks.
var (
	_ Transport  = (*Hub)(nil)
	_ ChangeFeed = (*Hub)(nil)
)

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithBuffer sets the per-stream buffer size.
func WithBuffer(n int) HubOption {
	return func(h *Hub) {
		if n > 0 {
			h.bufSize = n
		}
	}
}

// NewHub creates an available hub.
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		subs:      make(map[uint64]*hubStream),
		bufSize:   defaultHubBuffer,
		available: true,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Subscribe opens a stream for topic. The stream closes when ctx is done.
func (h *Hub) Subscribe(ctx context.Context, topic Topic) (Stream, error) {
	if err := topic.Validate(); err != nil {
		return nil, err
	}
	h.mu.Lock()
	if !h.available {
		h.mu.Unlock()
		return nil, ErrUnavailable
	}
	id := h.next
	h.next++
	s := &hubStream{
		id:    id,
		topic: topic,
		ch:    make(chan Event, h.bufSize),
		done:  make(chan struct{}),
		hub:   h,
	}
	h.subs[id] = s
	h.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			_ = s.Close()
		case <-s.done:
		}
	}()
	return s, nil
}

// Broadcast relays an ephemeral event to current subscribers of channel.
func (h *Hub) Broadcast(_ context.Context, channel, event string, payload any) error {
	b, err := NewBroadcast(channel, event, payload)
	if err != nil {
		return err
	}
	return h.Publish(BroadcastEvent(b))
}

// PublishChange announces a committed row change.
func (h *Hub) PublishChange(_ context.Context, change RowChange) error {
	return h.Publish(ChangeEvent(change))
}

// Publish routes evt to every matching stream.
func (h *Hub) Publish(evt Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.available {
		return ErrUnavailable
	}
	for id, s := range h.subs {
		if !s.topic.Matches(evt) {
			continue
		}
		out := evt
		if evt.Kind == KindChange && !s.topic.Filter.IsZero() {
			change := *evt.Change
			f := s.topic.Filter
			change.Filter = &f
			out.Change = &change
		}
		select {
		case s.ch <- out:
		default:
			delete(h.subs, id)
			s.finish(ErrSlowConsumer)
		}
	}
	return nil
}

// Disconnect drops every live stream with ErrTransportDisconnected.
func (h *Hub) Disconnect() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, s := range h.subs {
		delete(h.subs, id)
		s.finish(model.ErrTransportDisconnected)
	}
}

// SetAvailable toggles whether the hub accepts subscriptions and publishes.
// Going down also drops every live stream.
func (h *Hub) SetAvailable(up bool) {
	if !up {
		h.Disconnect()
	}
	h.mu.Lock()
	h.available = up
	h.mu.Unlock()
}

// Subscribers returns the number of live streams.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *Hub) remove(id uint64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[id]; !ok {
		return false
	}
	delete(h.subs, id)
	return true
}

type hubStream struct {
	id    uint64
	topic Topic
	ch    chan Event
	done  chan struct{}
	hub   *Hub

	once sync.Once
	mu   sync.Mutex
	err  error
}

func (s *hubStream) Events() <-chan Event { return s.ch }

func (s *hubStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *hubStream) Close() error {
	if s.hub.remove(s.id) {
		s.finish(nil)
	}
	return nil
}

// finish must only run after the stream was removed from the hub under the
// hub lock, so no publisher can send on the closed channel.
func (s *hubStream) finish(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.ch)
		close(s.done)
	})
}
