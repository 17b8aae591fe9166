package presence

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Memory is an in-process Store for single-process setups and tests.
type Memory struct {
	ttl   time.Duration
	clock clockwork.Clock

	mu       sync.Mutex
	online   map[string]time.Time // expiry
	lastSeen map[string]time.Time
}

// NewMemory creates an in-memory presence store.
func NewMemory(ttl time.Duration, clock clockwork.Clock) *Memory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Memory{
		ttl:      ttl,
		clock:    clock,
		online:   make(map[string]time.Time),
		lastSeen: make(map[string]time.Time),
	}
}

func (m *Memory) Touch(_ context.Context, userID string) error {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.online[userID] = now.Add(m.ttl)
	m.lastSeen[userID] = now
	return nil
}

func (m *Memory) SetOffline(_ context.Context, userID string) error {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.online, userID)
	m.lastSeen[userID] = now
	return nil
}

func (m *Memory) Get(_ context.Context, userID string) (Presence, error) {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	p := Presence{UserID: userID, Status: Offline}
	if seen, ok := m.lastSeen[userID]; ok {
		p.LastSeen = seen.UTC().Truncate(time.Millisecond)
	}
	if exp, ok := m.online[userID]; ok && now.Before(exp) {
		p.Status = Online
	}
	return p, nil
}
