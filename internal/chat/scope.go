package chat

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/matheus3301/relay/internal/status"
	"github.com/matheus3301/relay/internal/subscription"
	"github.com/matheus3301/relay/internal/transport"
)

// scope owns the subscriptions and goroutines of one screen.
type scope struct {
	mgr    *subscription.Manager
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once

	mu      sync.Mutex
	cleanup []func()
	closed  bool
}

func (c *Client) newScope(parent context.Context, name string) *scope {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	opts := []subscription.Option{
		subscription.WithLogger(c.deps.Logger.Named(name)),
		subscription.WithStatus(status.NewMachine(c.deps.Bus)),
	}
	if c.deps.Options.Reconnect != nil {
		opts = append(opts, subscription.WithBackOff(c.deps.Options.Reconnect))
	}
	return &scope{
		mgr:    subscription.New(c.deps.Transport, opts...),
		ctx:    ctx,
		cancel: cancel,
	}
}

// route subscribes to topic and feeds every event to each handler in order.
func (s *scope) route(topic transport.Topic, handlers ...func(transport.Event)) error {
	h, err := s.mgr.Subscribe(s.ctx, topic)
	if err != nil {
		return err
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for evt := range h.Events() {
			for _, fn := range handlers {
				fn(evt)
			}
		}
	}()
	return nil
}

// onClose registers fn to run on close. After close it runs immediately.
func (s *scope) onClose(fn func()) {
	s.mu.Lock()
	if !s.closed {
		s.cleanup = append(s.cleanup, fn)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	fn()
}

// close releases every subscription, waits for the routing goroutines and
// runs cleanups in reverse order. Safe to call more than once.
func (s *scope) close(log *zap.Logger) {
	s.once.Do(func() {
		s.mgr.UnsubscribeAll()
		s.cancel()
		s.wg.Wait()
		s.mu.Lock()
		s.closed = true
		cleanup := s.cleanup
		s.cleanup = nil
		s.mu.Unlock()
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
		log.Debug("scope closed")
	})
}

func (s *scope) stale() bool { return s.mgr.Status().Current().Stale() }

func (s *scope) state() status.State { return s.mgr.Status().Current() }
