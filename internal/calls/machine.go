// Package calls drives the call signaling state machine for one device:
// creating call records, applying status transitions, timing accepted calls
// and surfacing incoming calls for the open conversation.
package calls

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/pion/sdp/v3"
	"go.uber.org/zap"

	"github.com/matheus3301/relay/internal/bus"
	"github.com/matheus3301/relay/internal/model"
	"github.com/matheus3301/relay/internal/transport"
)

// DefaultRingTimeout is how long an unanswered outgoing call rings.
const DefaultRingTimeout = 45 * time.Second

var validTransitions = map[model.CallStatus][]model.CallStatus{
	model.CallPending:  {model.CallAccepted, model.CallRejected, model.CallMissed, model.CallEnded},
	model.CallAccepted: {model.CallEnded},
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to model.CallStatus) bool {
	return slices.Contains(validTransitions[from], to)
}

// ErrUnknownCall is returned for a call id the backend does not know.
var ErrUnknownCall = errors.New("unknown call")

// Persistence is the subset of the backend the machine needs.
type Persistence interface {
	InsertCall(ctx context.Context, c model.Call) (model.Call, error)
	UpdateCall(ctx context.Context, id string, patch model.CallPatch) (model.Call, error)
	GetCall(ctx context.Context, id string) (model.Call, error)
}

// StartRequest describes an outgoing call.
type StartRequest struct {
	ConversationID string
	CalleeID       string
	Kind           model.CallKind
	// Offer is an optional SDP offer for the media transport.
	Offer string
}

type tracked struct {
	op         sync.Mutex // serializes transitions of this call
	call       model.Call
	acceptedAt time.Time
	ring       clockwork.Timer
}

// Machine tracks the calls this device takes part in.
type Machine struct {
	userID      string
	backend     Persistence
	clock       clockwork.Clock
	bus         *bus.Bus
	logger      *zap.Logger
	ringTimeout time.Duration

	mu       sync.Mutex
	calls    map[string]*tracked
	active   map[string]string // conversation id -> call id
	open     string
	watchers map[int]func(model.Call)
	nextID   int
}

// Option configures a Machine.
type Option func(*Machine)

// WithClock sets the clock used for ended_at, durations and ring timeouts.
func WithClock(c clockwork.Clock) Option { return func(m *Machine) { m.clock = c } }

// WithBus publishes call events on b.
func WithBus(b *bus.Bus) Option { return func(m *Machine) { m.bus = b } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Machine) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithRingTimeout marks unanswered outgoing calls missed after d. Zero
// disables the timeout.
func WithRingTimeout(d time.Duration) Option {
	return func(m *Machine) {
		if d >= 0 {
			m.ringTimeout = d
		}
	}
}

// New creates a machine for userID.
func New(userID string, backend Persistence, opts ...Option) *Machine {
	m := &Machine{
		userID:      userID,
		backend:     backend,
		clock:       clockwork.NewRealClock(),
		logger:      zap.NewNop(),
		ringTimeout: DefaultRingTimeout,
		calls:       make(map[string]*tracked),
		active:      make(map[string]string),
		watchers:    make(map[int]func(model.Call)),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// ValidateSDP checks that payload parses as an SDP session description.
func ValidateSDP(payload string) error {
	var sd sdp.SessionDescription
	if err := sd.Unmarshal([]byte(payload)); err != nil {
		return fmt.Errorf("invalid session description: %w", err)
	}
	return nil
}

// StartCall creates a pending call. A conversation that already has a
// pending or accepted call on this device is rejected before any write.
func (m *Machine) StartCall(ctx context.Context, req StartRequest) (model.Call, error) {
	if req.Kind == "" {
		req.Kind = model.CallAudio
	}
	if req.Kind != model.CallAudio && req.Kind != model.CallVideo {
		return model.Call{}, fmt.Errorf("start call: unknown kind %q", req.Kind)
	}
	if req.CalleeID == "" || req.CalleeID == m.userID {
		return model.Call{}, fmt.Errorf("start call: invalid callee %q", req.CalleeID)
	}
	if req.Offer != "" {
		if err := ValidateSDP(req.Offer); err != nil {
			return model.Call{}, fmt.Errorf("start call: %w", err)
		}
	}

	id := uuid.NewString()
	m.mu.Lock()
	if cur, ok := m.active[req.ConversationID]; ok {
		m.mu.Unlock()
		return model.Call{}, &model.CallInProgressError{ConversationID: req.ConversationID, CallID: cur}
	}
	m.active[req.ConversationID] = id
	m.mu.Unlock()

	call, err := m.backend.InsertCall(ctx, model.Call{
		ID:             id,
		ConversationID: req.ConversationID,
		CallerID:       m.userID,
		CalleeID:       req.CalleeID,
		Kind:           req.Kind,
		Status:         model.CallPending,
		StartedAt:      m.clock.Now(),
		Offer:          req.Offer,
		Channel:        "call:" + id,
	})
	if err != nil {
		m.mu.Lock()
		if m.active[req.ConversationID] == id {
			delete(m.active, req.ConversationID)
		}
		m.mu.Unlock()
		m.logger.Warn("start call failed", zap.String("conversation_id", req.ConversationID), zap.Error(err))
		return model.Call{}, &model.SendError{Op: "start call", Err: err}
	}

	tr := &tracked{call: call}
	if m.ringTimeout > 0 {
		tr.ring = m.clock.AfterFunc(m.ringTimeout, func() { m.ringExpired(call.ID) })
	}
	m.mu.Lock()
	m.calls[call.ID] = tr
	m.mu.Unlock()

	m.logger.Info("call started",
		zap.String("call_id", call.ID),
		zap.String("conversation_id", call.ConversationID),
		zap.String("kind", string(call.Kind)),
	)
	m.bus.Emit(bus.KindCallUpdated, call)
	return call, nil
}

func (m *Machine) ringExpired(callID string) {
	c, ok := m.Call(callID)
	if !ok || c.Status != model.CallPending {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := m.UpdateStatus(ctx, callID, model.CallMissed, nil); err != nil && !model.IsInvalidTransition(err) {
		m.logger.Warn("marking unanswered call missed failed", zap.String("call_id", callID), zap.Error(err))
	}
}

// UpdateStatus applies a transition. Invalid transitions fail with
// *model.InvalidTransition before any write, as does a transition whose
// source the peer already moved past in the store. Ending a call requires the
// elapsed duration measured by the caller and stamps ended_at.
func (m *Machine) UpdateStatus(ctx context.Context, callID string, to model.CallStatus, durationSeconds *int) (model.Call, error) {
	return m.transition(ctx, callID, to, durationSeconds, "")
}

func (m *Machine) transition(ctx context.Context, callID string, to model.CallStatus, durationSeconds *int, answer string) (model.Call, error) {
	tr, err := m.lookup(ctx, callID)
	if err != nil {
		return model.Call{}, err
	}
	tr.op.Lock()
	defer tr.op.Unlock()

	m.mu.Lock()
	from := tr.call.Status
	m.mu.Unlock()
	if !CanTransition(from, to) {
		return model.Call{}, &model.InvalidTransition{CallID: callID, From: from, To: to}
	}

	patch := model.CallPatch{From: from, Status: to, Answer: answer}
	if to == model.CallEnded {
		if durationSeconds == nil {
			return model.Call{}, model.ErrDurationRequired
		}
		if *durationSeconds < 0 {
			return model.Call{}, fmt.Errorf("negative call duration %d", *durationSeconds)
		}
		now := m.clock.Now().UTC()
		patch.EndedAt = &now
		patch.DurationSeconds = durationSeconds
	}

	updated, err := m.backend.UpdateCall(ctx, callID, patch)
	var stale *model.InvalidTransition
	if errors.As(err, &stale) {
		m.logger.Info("call moved by peer before transition",
			zap.String("call_id", callID),
			zap.String("stored", string(stale.From)),
			zap.String("to", string(to)),
		)
		m.refresh(ctx, tr)
		return model.Call{}, stale
	}
	if err != nil {
		m.logger.Warn("call status update failed",
			zap.String("call_id", callID),
			zap.String("to", string(to)),
			zap.Error(err),
		)
		return model.Call{}, &model.SendError{Op: "update call status", Err: err}
	}

	m.mu.Lock()
	tr.call = updated
	if to == model.CallAccepted {
		tr.acceptedAt = m.clock.Now()
	}
	m.settleLocked(tr)
	m.mu.Unlock()

	m.logger.Info("call status changed",
		zap.String("call_id", callID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)
	m.bus.Emit(bus.KindCallUpdated, updated)
	return updated, nil
}

// refresh reloads a call whose stored status no longer matches the cached
// one. Caller holds tr.op.
func (m *Machine) refresh(ctx context.Context, tr *tracked) {
	m.mu.Lock()
	id := tr.call.ID
	m.mu.Unlock()
	call, err := m.backend.GetCall(ctx, id)
	if err != nil {
		m.logger.Warn("reloading call failed", zap.String("call_id", id), zap.Error(err))
		return
	}
	m.mu.Lock()
	changed := tr.call.Status != call.Status
	tr.call = call
	if call.Status == model.CallAccepted && tr.acceptedAt.IsZero() {
		tr.acceptedAt = m.clock.Now()
	}
	m.settleLocked(tr)
	m.mu.Unlock()

	if changed {
		m.bus.Emit(bus.KindCallUpdated, call)
	}
}

// settleLocked releases the conversation slot once a call is terminal.
// Caller holds mu.
func (m *Machine) settleLocked(tr *tracked) {
	if tr.call.Status != model.CallPending && tr.ring != nil {
		tr.ring.Stop()
		tr.ring = nil
	}
	if tr.call.Status.Active() {
		m.active[tr.call.ConversationID] = tr.call.ID
		return
	}
	if m.active[tr.call.ConversationID] == tr.call.ID {
		delete(m.active, tr.call.ConversationID)
	}
}

func (m *Machine) lookup(ctx context.Context, callID string) (*tracked, error) {
	m.mu.Lock()
	tr, ok := m.calls[callID]
	m.mu.Unlock()
	if ok {
		return tr, nil
	}

	call, err := m.backend.GetCall(ctx, callID)
	if err != nil {
		return nil, &model.FetchError{Op: "call", Err: fmt.Errorf("%s: %w", callID, err)}
	}
	if call.CallerID != m.userID && call.CalleeID != m.userID {
		return nil, fmt.Errorf("call %s: %w", callID, ErrUnknownCall)
	}
	return m.track(call), nil
}

func (m *Machine) track(call model.Call) *tracked {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tr, ok := m.calls[call.ID]; ok {
		return tr
	}
	tr := &tracked{call: call}
	m.calls[call.ID] = tr
	m.settleLocked(tr)
	return tr
}

// Accept answers an incoming call. answer is an optional SDP answer.
func (m *Machine) Accept(ctx context.Context, callID, answer string) (model.Call, error) {
	if answer != "" {
		if err := ValidateSDP(answer); err != nil {
			return model.Call{}, fmt.Errorf("accept call: %w", err)
		}
	}
	return m.transition(ctx, callID, model.CallAccepted, nil, answer)
}

// Reject declines an incoming call.
func (m *Machine) Reject(ctx context.Context, callID string) (model.Call, error) {
	return m.UpdateStatus(ctx, callID, model.CallRejected, nil)
}

// End hangs up, reporting the whole seconds elapsed since acceptance on this
// device. A call ended before it was answered reports zero.
func (m *Machine) End(ctx context.Context, callID string) (model.Call, error) {
	m.mu.Lock()
	var elapsed int
	if tr, ok := m.calls[callID]; ok && !tr.acceptedAt.IsZero() {
		elapsed = int(m.clock.Since(tr.acceptedAt) / time.Second)
	}
	m.mu.Unlock()
	return m.UpdateStatus(ctx, callID, model.CallEnded, &elapsed)
}

// Call returns a tracked call.
func (m *Machine) Call(callID string) (model.Call, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tr, ok := m.calls[callID]
	if !ok {
		return model.Call{}, false
	}
	return tr.call, true
}

// Active returns the pending or accepted call of a conversation.
func (m *Machine) Active(conversationID string) (model.Call, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.active[conversationID]
	if !ok {
		return model.Call{}, false
	}
	tr, ok := m.calls[id]
	if !ok {
		return model.Call{}, false
	}
	return tr.call, true
}

// SetOpenConversation sets the conversation incoming calls are surfaced for.
// Empty means none.
func (m *Machine) SetOpenConversation(conversationID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.open = conversationID
}

// LeaveConversation clears the open conversation if it is conversationID.
func (m *Machine) LeaveConversation(conversationID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.open == conversationID {
		m.open = ""
	}
}

// OnIncoming registers cb for surfaced incoming calls. The returned func
// unregisters it.
func (m *Machine) OnIncoming(cb func(model.Call)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.watchers[id] = cb
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.watchers, id)
	}
}

// Handle applies one event from the system-wide calls stream. New calls are
// surfaced only when addressed to this user in the open conversation;
// everything else is ignored.
func (m *Machine) Handle(evt transport.Event) {
	c := evt.Change
	if evt.Kind != transport.KindChange || c == nil || c.Table != transport.TableCalls {
		return
	}
	var call model.Call
	if err := c.Decode(&call); err != nil {
		m.logger.Warn("bad call row", zap.Error(err))
		return
	}
	switch c.Operation {
	case transport.OpInsert:
		m.incoming(call)
	case transport.OpUpdate:
		m.remoteUpdate(call)
	}
}

func (m *Machine) incoming(call model.Call) {
	m.mu.Lock()
	surface := call.CalleeID == m.userID && call.ConversationID != "" && call.ConversationID == m.open && call.Status == model.CallPending
	if !surface {
		m.mu.Unlock()
		return
	}
	if _, seen := m.calls[call.ID]; seen {
		m.mu.Unlock()
		return
	}
	tr := &tracked{call: call}
	m.calls[call.ID] = tr
	m.settleLocked(tr)
	cbs := make([]func(model.Call), 0, len(m.watchers))
	for _, cb := range m.watchers {
		cbs = append(cbs, cb)
	}
	m.mu.Unlock()

	m.logger.Info("incoming call",
		zap.String("call_id", call.ID),
		zap.String("caller_id", call.CallerID),
		zap.String("conversation_id", call.ConversationID),
	)
	for _, cb := range cbs {
		cb(call)
	}
	m.bus.Emit(bus.KindCallIncoming, call)
}

// remoteUpdate follows transitions made by the other party.
func (m *Machine) remoteUpdate(call model.Call) {
	m.mu.Lock()
	tr, ok := m.calls[call.ID]
	if !ok || tr.call.Status == call.Status || !CanTransition(tr.call.Status, call.Status) {
		m.mu.Unlock()
		return
	}
	tr.call = call
	if call.Status == model.CallAccepted && tr.acceptedAt.IsZero() {
		tr.acceptedAt = m.clock.Now()
	}
	m.settleLocked(tr)
	m.mu.Unlock()

	m.bus.Emit(bus.KindCallUpdated, call)
}

// Run applies events until the channel closes or ctx is done.
func (m *Machine) Run(ctx context.Context, events <-chan transport.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			m.Handle(evt)
		}
	}
}

// Close stops ring timers.
func (m *Machine) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, tr := range m.calls {
		if tr.ring != nil {
			tr.ring.Stop()
			tr.ring = nil
		}
	}
}
