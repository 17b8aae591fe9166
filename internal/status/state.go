package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/relay/internal/bus"
)

// State is the connectivity state of a subscription scope.
type State string

const (
	Idle         State = "IDLE"
	Connecting   State = "CONNECTING"
	Live         State = "LIVE"
	Reconnecting State = "RECONNECTING"
	Closed       State = "CLOSED"
)

// Stale reports whether data observed in this state may be out of date.
func (s State) Stale() bool {
	return s == Connecting || s == Reconnecting
}

var validTransitions = map[State][]State{
	Idle:         {Connecting, Closed},
	Connecting:   {Live, Reconnecting, Closed},
	Live:         {Reconnecting, Closed},
	Reconnecting: {Live, Closed},
	Closed:       {Connecting},
}

// Machine tracks and enforces connectivity transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

// NewMachine creates a machine in the Idle state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Idle,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition moves to a new state. Returns an error if the move is not allowed.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      bus.KindConnStatus,
			Timestamp: time.Now(),
			Payload: StatusChange{
				From: from,
				To:   to,
			},
		})
	}
	return nil
}

// Ensure transitions to s unless the machine is already there.
func (m *Machine) Ensure(s State) error {
	if m.Current() == s {
		return nil
	}
	return m.Transition(s)
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From State
	To   State
}
