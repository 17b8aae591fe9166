package inbox

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/matheus3301/relay/internal/bus"
	"github.com/matheus3301/relay/internal/model"
	"github.com/matheus3301/relay/internal/receipts"
	"github.com/matheus3301/relay/internal/transport"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type fakeBackend struct {
	mu         sync.Mutex
	summaries  []model.ConversationSummary
	profiles   map[string]model.Profile
	convErr    error
	profileErr error
	calls      int
}

func (f *fakeBackend) Conversations(context.Context, string) ([]model.ConversationSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.convErr != nil {
		return nil, f.convErr
	}
	return f.summaries, nil
}

func (f *fakeBackend) Profiles(_ context.Context, ids []string) (map[string]model.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.profileErr != nil {
		return nil, f.profileErr
	}
	out := make(map[string]model.Profile)
	for _, id := range ids {
		if p, ok := f.profiles[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

type fakeCounter struct {
	counts map[string]int
	failed map[string]bool
}

func (c fakeCounter) Totals(_ context.Context, ids []string) receipts.Totals {
	t := receipts.Totals{PerConversation: map[string]int{}, Failed: map[string]error{}}
	for _, id := range ids {
		if c.failed[id] {
			t.Failed[id] = &model.FetchError{Op: "unread count", ConversationID: id, Err: errors.New("down")}
			t.PerConversation[id] = 0
			continue
		}
		t.PerConversation[id] = c.counts[id]
		t.Total += c.counts[id]
	}
	return t
}

func summary(id string, others ...string) model.ConversationSummary {
	return model.ConversationSummary{Conversation: model.Conversation{ID: id, CreatedAt: t0}, OtherIDs: others}
}

func TestRecomputeComposesEntries(t *testing.T) {
	last := &model.Message{ID: "m1", ConversationID: "c1", SenderID: "bob", Body: "hi"}
	s1 := summary("c1", "bob")
	s1.LastMessage = last
	f := &fakeBackend{
		summaries: []model.ConversationSummary{s1, summary("c2", "ghost")},
		profiles:  map[string]model.Profile{"bob": {ID: "bob", DisplayName: "Bob"}},
	}
	a := New("me", f, fakeCounter{counts: map[string]int{"c1": 2, "c2": 1}}, WithLogger(zaptest.NewLogger(t)))

	v, err := a.Recompute(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(v.Entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(v.Entries))
	}
	if e := v.Entries[0]; e.Peer.DisplayName != "Bob" || e.LastMessage != last || e.Unread != 2 || e.Title() != "Bob" {
		t.Errorf("entry 0 = %+v", e)
	}
	// A missing profile row falls back to a placeholder instead of dropping the row.
	if e := v.Entries[1]; e.Peer.DisplayName != model.PlaceholderName || e.Peer.ID != "ghost" {
		t.Errorf("entry 1 peer = %+v", e.Peer)
	}
	if v.TotalUnread != 3 {
		t.Errorf("total = %d, want 3", v.TotalUnread)
	}
	if a.View() != v {
		t.Error("view not swapped in")
	}
}

func TestUnreadFailureIsIsolated(t *testing.T) {
	f := &fakeBackend{summaries: []model.ConversationSummary{summary("c1", "bob"), summary("c2", "carol")}}
	a := New("me", f, fakeCounter{counts: map[string]int{"c1": 4, "c2": 9}, failed: map[string]bool{"c2": true}})

	v, err := a.Recompute(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if v.TotalUnread != 4 {
		t.Errorf("total = %d, want 4", v.TotalUnread)
	}
	if !model.IsFetch(v.Entries[1].UnreadErr) || v.Entries[1].Unread != 0 {
		t.Errorf("entry 1 = %+v", v.Entries[1])
	}
}

func TestProfileFailureUsesPlaceholders(t *testing.T) {
	f := &fakeBackend{
		summaries:  []model.ConversationSummary{summary("c1", "bob")},
		profileErr: errors.New("profiles down"),
	}
	a := New("me", f, fakeCounter{})

	v, err := a.Recompute(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(v.Entries) != 1 || v.Entries[0].Peer.DisplayName != model.PlaceholderName {
		t.Errorf("entries = %+v", v.Entries)
	}
}

func TestConversationFetchFailureKeepsPreviousView(t *testing.T) {
	f := &fakeBackend{summaries: []model.ConversationSummary{summary("c1", "bob")}}
	a := New("me", f, fakeCounter{})
	prev, err := a.Recompute(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	f.mu.Lock()
	f.convErr = errors.New("offline")
	f.mu.Unlock()

	v, err := a.Recompute(context.Background())
	if !model.IsFetch(err) {
		t.Fatalf("err = %v, want FetchError", err)
	}
	if v != prev || a.View() != prev {
		t.Error("failed recompute must keep the previous view")
	}
}

func TestGroupTitleJoinsNames(t *testing.T) {
	f := &fakeBackend{
		summaries: []model.ConversationSummary{summary("g1", "bob", "carol")},
		profiles:  map[string]model.Profile{"bob": {ID: "bob", DisplayName: "Bob"}},
	}
	a := New("me", f, fakeCounter{})
	v, err := a.Recompute(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if got := v.Entries[0].Title(); got != "Bob, "+model.PlaceholderName {
		t.Errorf("title = %q", got)
	}
}

func TestRunRecomputesOnTriggers(t *testing.T) {
	f := &fakeBackend{summaries: []model.ConversationSummary{summary("c1", "bob")}}
	b := bus.New()
	updated, unsub := b.Subscribe(bus.KindInboxUpdated, 8)
	defer unsub()
	a := New("me", f, fakeCounter{}, WithBus(b), WithLogger(zaptest.NewLogger(t)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		a.Run(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	change, err := transport.NewRowChange(transport.TableMessages, transport.OpInsert, model.Message{ID: "m1", ConversationID: "c1"})
	if err != nil {
		t.Fatal(err)
	}
	a.Handle(transport.ChangeEvent(change))

	select {
	case evt := <-updated:
		if v := evt.Payload.(*View); len(v.Entries) != 1 {
			t.Errorf("view = %+v", v)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no inbox.updated after message insert")
	}

	// Unrelated broadcast events do not trigger.
	a.Handle(transport.BroadcastEvent(transport.Broadcast{Channel: "typing:c1", Event: "typing"}))
	select {
	case <-updated:
		t.Fatal("broadcast should not trigger a recompute")
	case <-time.After(50 * time.Millisecond):
	}

	b.Emit(bus.KindUnreadChanged, receipts.Changed{ConversationID: "c1", Unread: 1})
	select {
	case <-updated:
	case <-time.After(2 * time.Second):
		t.Fatal("no inbox.updated after receipts change")
	}
}

// gatedBackend holds the first Conversations call until release is closed
// and returns one more conversation on every call.
type gatedBackend struct {
	entered  chan int
	release  chan struct{}
	calls    atomic.Int32
	inFlight *atomic.Int32
	maxSeen  *atomic.Int32
}

func (g *gatedBackend) Conversations(context.Context, string) ([]model.ConversationSummary, error) {
	n := int(g.calls.Add(1))
	cur := g.inFlight.Add(1)
	for {
		prev := g.maxSeen.Load()
		if cur <= prev || g.maxSeen.CompareAndSwap(prev, cur) {
			break
		}
	}
	g.entered <- n
	if n == 1 {
		<-g.release
	}
	out := make([]model.ConversationSummary, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, summary("c"+strconv.Itoa(i), "bob"))
	}
	return out, nil
}

func (g *gatedBackend) Profiles(context.Context, []string) (map[string]model.Profile, error) {
	return nil, nil
}

// leavingCounter marks the end of a recomputation's backend work.
type leavingCounter struct {
	fakeCounter
	inFlight *atomic.Int32
}

func (c leavingCounter) Totals(ctx context.Context, ids []string) receipts.Totals {
	defer c.inFlight.Add(-1)
	return c.fakeCounter.Totals(ctx, ids)
}

func TestConcurrentRecomputesAreSerialized(t *testing.T) {
	var inFlight, maxSeen atomic.Int32
	g := &gatedBackend{
		entered:  make(chan int, 2),
		release:  make(chan struct{}),
		inFlight: &inFlight,
		maxSeen:  &maxSeen,
	}
	counter := leavingCounter{
		fakeCounter: fakeCounter{counts: map[string]int{"c1": 1, "c2": 2}},
		inFlight:    &inFlight,
	}
	a := New("me", g, counter, WithLogger(zaptest.NewLogger(t)))
	ctx := context.Background()

	// Every snapshot observed must be whole: one of the views a single
	// recomputation produces, never a mix.
	stop := make(chan struct{})
	var torn atomic.Value
	var watch sync.WaitGroup
	watch.Add(1)
	go func() {
		defer watch.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			v := a.View()
			sum := 0
			for _, e := range v.Entries {
				sum += e.Unread
			}
			want := map[int]int{0: 0, 1: 1, 2: 3}[len(v.Entries)]
			if sum != v.TotalUnread || v.TotalUnread != want {
				torn.Store(*v)
			}
		}
	}()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if _, err := a.Recompute(ctx); err != nil {
			t.Error(err)
		}
	}()
	if n := <-g.entered; n != 1 {
		t.Fatalf("first entry = %d", n)
	}

	go func() {
		defer wg.Done()
		if _, err := a.Recompute(ctx); err != nil {
			t.Error(err)
		}
	}()
	select {
	case n := <-g.entered:
		t.Fatalf("recompute %d entered the backend while the first was running", n)
	case <-time.After(100 * time.Millisecond):
	}
	if len(a.View().Entries) != 0 {
		t.Error("view changed before the first recompute finished")
	}

	close(g.release)
	select {
	case <-g.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("second recompute never ran")
	}
	wg.Wait()
	close(stop)
	watch.Wait()

	if got := maxSeen.Load(); got != 1 {
		t.Errorf("max concurrent recomputes = %d, want 1", got)
	}
	if v, ok := torn.Load().(View); ok {
		t.Errorf("observed partial view %+v", v)
	}
	v := a.View()
	if len(v.Entries) != 2 || v.TotalUnread != 3 {
		t.Errorf("final view = %+v, want both conversations with 3 unread", v)
	}
}
