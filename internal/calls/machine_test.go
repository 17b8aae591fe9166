package calls

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap/zaptest"

	"github.com/matheus3301/relay/internal/bus"
	"github.com/matheus3301/relay/internal/model"
	"github.com/matheus3301/relay/internal/transport"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

const offerSDP = "v=0\r\n" +
	"o=- 4215775240449105457 2 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"m=audio 9 UDP/TLS/RTP/SAVPF 111\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=rtpmap:111 opus/48000/2\r\n"

type fakeBackend struct {
	mu       sync.Mutex
	calls    map[string]model.Call
	writes   int
	writeErr error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{calls: make(map[string]model.Call)}
}

func (f *fakeBackend) InsertCall(_ context.Context, c model.Call) (model.Call, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return model.Call{}, f.writeErr
	}
	f.writes++
	f.calls[c.ID] = c
	return c, nil
}

func (f *fakeBackend) UpdateCall(_ context.Context, id string, p model.CallPatch) (model.Call, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return model.Call{}, f.writeErr
	}
	f.writes++
	c, ok := f.calls[id]
	if !ok {
		return model.Call{}, errors.New("no such call")
	}
	if p.From != "" && c.Status != p.From {
		return model.Call{}, &model.InvalidTransition{CallID: id, From: c.Status, To: p.Status}
	}
	c.Status = p.Status
	if p.EndedAt != nil {
		c.EndedAt = p.EndedAt
	}
	if p.DurationSeconds != nil {
		c.DurationSeconds = *p.DurationSeconds
	}
	if p.Answer != "" {
		c.Answer = p.Answer
	}
	f.calls[id] = c
	return c, nil
}

func (f *fakeBackend) GetCall(_ context.Context, id string) (model.Call, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.calls[id]
	if !ok {
		return model.Call{}, errors.New("no such call")
	}
	return c, nil
}

func (f *fakeBackend) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writes
}

func newMachine(t *testing.T, user string, f *fakeBackend, opts ...Option) (*Machine, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(t0)
	opts = append([]Option{WithClock(clock), WithLogger(zaptest.NewLogger(t)), WithRingTimeout(0)}, opts...)
	m := New(user, f, opts...)
	t.Cleanup(m.Close)
	return m, clock
}

func start(t *testing.T, m *Machine, conv string) model.Call {
	t.Helper()
	c, err := m.StartCall(context.Background(), StartRequest{ConversationID: conv, CalleeID: "bob", Kind: model.CallVideo})
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func dur(n int) *int { return &n }

func TestStartCallCreatesPendingRow(t *testing.T) {
	f := newFakeBackend()
	m, _ := newMachine(t, "alice", f)

	c := start(t, m, "c1")
	if c.Status != model.CallPending || c.CallerID != "alice" || c.CalleeID != "bob" || c.Kind != model.CallVideo {
		t.Errorf("call = %+v", c)
	}
	if c.Channel == "" {
		t.Error("call should carry a routing channel")
	}
	if got, ok := m.Active("c1"); !ok || got.ID != c.ID {
		t.Errorf("active = %+v, %v", got, ok)
	}
}

func TestSecondCallInSameConversationRejectedLocally(t *testing.T) {
	f := newFakeBackend()
	m, _ := newMachine(t, "alice", f)
	first := start(t, m, "c1")

	_, err := m.StartCall(context.Background(), StartRequest{ConversationID: "c1", CalleeID: "bob"})
	var inProgress *model.CallInProgressError
	if !errors.As(err, &inProgress) || inProgress.CallID != first.ID {
		t.Fatalf("err = %v, want CallInProgressError", err)
	}
	if f.writeCount() != 1 {
		t.Errorf("writes = %d, want 1", f.writeCount())
	}

	// Another conversation is independent.
	start(t, m, "c2")

	if _, err := m.Reject(context.Background(), first.ID); err != nil {
		t.Fatal(err)
	}
	start(t, m, "c1")
}

func TestEndFromRejectedIsInvalid(t *testing.T) {
	f := newFakeBackend()
	m, _ := newMachine(t, "alice", f)
	c := start(t, m, "c1")
	ctx := context.Background()

	if _, err := m.Reject(ctx, c.ID); err != nil {
		t.Fatal(err)
	}
	writes := f.writeCount()

	_, err := m.UpdateStatus(ctx, c.ID, model.CallEnded, dur(3))
	var it *model.InvalidTransition
	if !errors.As(err, &it) || it.From != model.CallRejected || it.To != model.CallEnded {
		t.Fatalf("err = %v, want InvalidTransition rejected->ended", err)
	}
	if f.writeCount() != writes {
		t.Error("invalid transition must not write")
	}
}

func TestTransitionTable(t *testing.T) {
	allowed := map[[2]model.CallStatus]bool{
		{model.CallPending, model.CallAccepted}: true,
		{model.CallPending, model.CallRejected}: true,
		{model.CallPending, model.CallMissed}:   true,
		{model.CallPending, model.CallEnded}:    true,
		{model.CallAccepted, model.CallEnded}:   true,
	}
	all := []model.CallStatus{model.CallPending, model.CallAccepted, model.CallRejected, model.CallMissed, model.CallEnded}
	for _, from := range all {
		for _, to := range all {
			if got := CanTransition(from, to); got != allowed[[2]model.CallStatus{from, to}] {
				t.Errorf("CanTransition(%s, %s) = %v", from, to, got)
			}
		}
	}
}

func TestEndFromPendingStampsEndedAt(t *testing.T) {
	f := newFakeBackend()
	m, clock := newMachine(t, "alice", f)
	c := start(t, m, "c1")

	clock.Advance(5 * time.Second)
	got, err := m.UpdateStatus(context.Background(), c.ID, model.CallEnded, dur(0))
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != model.CallEnded || got.EndedAt == nil || !got.EndedAt.Equal(t0.Add(5*time.Second)) {
		t.Errorf("call = %+v", got)
	}
	if _, ok := m.Active("c1"); ok {
		t.Error("ended call should release the conversation slot")
	}
}

func TestEndRequiresDuration(t *testing.T) {
	f := newFakeBackend()
	m, _ := newMachine(t, "alice", f)
	c := start(t, m, "c1")

	if _, err := m.UpdateStatus(context.Background(), c.ID, model.CallEnded, nil); !errors.Is(err, model.ErrDurationRequired) {
		t.Fatalf("err = %v, want ErrDurationRequired", err)
	}
	if got, _ := m.Call(c.ID); got.Status != model.CallPending {
		t.Errorf("status = %s, want pending", got.Status)
	}
}

func TestAcceptedCallEndedAfter42Seconds(t *testing.T) {
	f := newFakeBackend()
	m, clock := newMachine(t, "alice", f)
	c := start(t, m, "c1")
	ctx := context.Background()

	if _, err := m.Accept(ctx, c.ID, ""); err != nil {
		t.Fatal(err)
	}
	clock.Advance(42 * time.Second)
	got, err := m.End(ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != model.CallEnded || got.DurationSeconds != 42 {
		t.Errorf("call = %+v, want ended with 42s", got)
	}
	if got.EndedAt == nil || !got.EndedAt.Equal(t0.Add(42*time.Second)) {
		t.Errorf("ended_at = %v", got.EndedAt)
	}
}

func TestWriteFailureLeavesStateUntouched(t *testing.T) {
	f := newFakeBackend()
	m, _ := newMachine(t, "alice", f)
	c := start(t, m, "c1")

	f.mu.Lock()
	f.writeErr = errors.New("auth expired")
	f.mu.Unlock()

	if _, err := m.Accept(context.Background(), c.ID, ""); !model.IsSend(err) {
		t.Fatalf("err = %v, want SendError", err)
	}
	if got, _ := m.Call(c.ID); got.Status != model.CallPending {
		t.Errorf("status = %s, want pending", got.Status)
	}
}

func TestStartCallFailureReleasesSlot(t *testing.T) {
	f := newFakeBackend()
	f.writeErr = errors.New("offline")
	m, _ := newMachine(t, "alice", f)

	if _, err := m.StartCall(context.Background(), StartRequest{ConversationID: "c1", CalleeID: "bob"}); !model.IsSend(err) {
		t.Fatalf("err = %v, want SendError", err)
	}
	if _, ok := m.Active("c1"); ok {
		t.Error("failed start must not hold the slot")
	}
}

func TestOfferIsValidated(t *testing.T) {
	f := newFakeBackend()
	m, _ := newMachine(t, "alice", f)
	ctx := context.Background()

	if _, err := m.StartCall(ctx, StartRequest{ConversationID: "c1", CalleeID: "bob", Offer: "not sdp"}); err == nil {
		t.Fatal("expected invalid offer error")
	}
	if f.writeCount() != 0 {
		t.Error("invalid offer must not write")
	}
	c, err := m.StartCall(ctx, StartRequest{ConversationID: "c1", CalleeID: "bob", Offer: offerSDP})
	if err != nil {
		t.Fatal(err)
	}
	if c.Offer != offerSDP {
		t.Error("offer not stored")
	}
}

func TestUnansweredCallIsMissed(t *testing.T) {
	f := newFakeBackend()
	b := bus.New()
	updates, unsub := b.Subscribe(bus.KindCallUpdated, 8)
	defer unsub()
	m, clock := newMachine(t, "alice", f, WithRingTimeout(30*time.Second), WithBus(b))
	c := start(t, m, "c1")
	<-updates

	clock.Advance(30 * time.Second)
	select {
	case evt := <-updates:
		if got := evt.Payload.(model.Call); got.ID != c.ID || got.Status != model.CallMissed {
			t.Errorf("update = %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("call was not marked missed")
	}
	if _, ok := m.Active("c1"); ok {
		t.Error("missed call should release the slot")
	}
}

func callInsert(t *testing.T, c model.Call) transport.Event {
	t.Helper()
	change, err := transport.NewRowChange(transport.TableCalls, transport.OpInsert, c)
	if err != nil {
		t.Fatal(err)
	}
	return transport.ChangeEvent(change)
}

func TestIncomingCallFilteredToCalleeAndOpenConversation(t *testing.T) {
	f := newFakeBackend()
	b := bus.New()
	incoming, unsub := b.Subscribe(bus.KindCallIncoming, 8)
	defer unsub()
	m, _ := newMachine(t, "bob", f, WithBus(b))
	m.SetOpenConversation("c1")

	var surfaced []string
	m.OnIncoming(func(c model.Call) { surfaced = append(surfaced, c.ID) })

	m.Handle(callInsert(t, model.Call{ID: "k1", ConversationID: "c1", CallerID: "alice", CalleeID: "bob", Status: model.CallPending}))
	m.Handle(callInsert(t, model.Call{ID: "k2", ConversationID: "c9", CallerID: "alice", CalleeID: "dave", Status: model.CallPending}))
	m.Handle(callInsert(t, model.Call{ID: "k3", ConversationID: "c2", CallerID: "alice", CalleeID: "bob", Status: model.CallPending}))
	m.Handle(callInsert(t, model.Call{ID: "k4", ConversationID: "c1", CallerID: "bob", CalleeID: "alice", Status: model.CallPending}))
	// Redelivery of the same insert is surfaced once.
	m.Handle(callInsert(t, model.Call{ID: "k1", ConversationID: "c1", CallerID: "alice", CalleeID: "bob", Status: model.CallPending}))

	if len(surfaced) != 1 || surfaced[0] != "k1" {
		t.Fatalf("surfaced = %v, want [k1]", surfaced)
	}
	select {
	case evt := <-incoming:
		if evt.Payload.(model.Call).ID != "k1" {
			t.Errorf("bus payload = %+v", evt.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no call.incoming event")
	}
	if _, ok := m.Call("k3"); ok {
		t.Error("ignored calls must not be queued")
	}
}

func TestIncomingCallCanBeAnswered(t *testing.T) {
	f := newFakeBackend()
	m, _ := newMachine(t, "bob", f)
	m.SetOpenConversation("c1")
	call := model.Call{ID: "k1", ConversationID: "c1", CallerID: "alice", CalleeID: "bob", Kind: model.CallAudio, Status: model.CallPending, StartedAt: t0}
	f.calls["k1"] = call

	m.Handle(callInsert(t, call))
	got, err := m.Accept(context.Background(), "k1", offerSDP)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != model.CallAccepted || got.Answer != offerSDP {
		t.Errorf("call = %+v", got)
	}
}

func TestRemoteUpdateFollowsPeer(t *testing.T) {
	f := newFakeBackend()
	m, clock := newMachine(t, "alice", f)
	c := start(t, m, "c1")

	accepted := c
	accepted.Status = model.CallAccepted
	change, err := transport.NewRowChange(transport.TableCalls, transport.OpUpdate, accepted)
	if err != nil {
		t.Fatal(err)
	}
	f.calls[c.ID] = accepted
	m.Handle(transport.ChangeEvent(change))

	if got, _ := m.Call(c.ID); got.Status != model.CallAccepted {
		t.Fatalf("status = %s, want accepted", got.Status)
	}
	clock.Advance(7 * time.Second)
	got, err := m.End(context.Background(), c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.DurationSeconds != 7 {
		t.Errorf("duration = %d, want 7", got.DurationSeconds)
	}
}
