package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/matheus3301/relay/internal/model"
)

type row struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	Seq            int    `json:"seq"`
}

func recv(t *testing.T, s Stream) Event {
	t.Helper()
	select {
	case evt, ok := <-s.Events():
		if !ok {
			t.Fatalf("stream closed: %v", s.Err())
		}
		return evt
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
	return Event{}
}

func expectNone(t *testing.T, s Stream) {
	t.Helper()
	select {
	case evt := <-s.Events():
		t.Fatalf("unexpected event: %+v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func publishRow(t *testing.T, h *Hub, table string, op Op, r any) {
	t.Helper()
	c, err := NewRowChange(table, op, r)
	if err != nil {
		t.Fatal(err)
	}
	if err := h.PublishChange(context.Background(), c); err != nil {
		t.Fatal(err)
	}
}

func TestHubFiltersByColumn(t *testing.T) {
	h := NewHub()
	s, err := h.Subscribe(context.Background(), Rows(TableMessages, Eq("conversation_id", "c1")))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = s.Close() }()

	publishRow(t, h, TableMessages, OpInsert, row{ID: "m1", ConversationID: "c2"})
	publishRow(t, h, TableMessages, OpInsert, row{ID: "m2", ConversationID: "c1"})

	evt := recv(t, s)
	var got row
	if err := evt.Change.Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got.ID != "m2" {
		t.Errorf("got row %q, want m2", got.ID)
	}
	if evt.Change.Filter == nil || evt.Change.Filter.String() != "conversation_id=c1" {
		t.Errorf("filter = %v, want conversation_id=c1", evt.Change.Filter)
	}
	expectNone(t, s)
}

func TestHubPreservesPublishOrder(t *testing.T) {
	h := NewHub()
	s, err := h.Subscribe(context.Background(), Rows(TableMessages, Filter{}))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = s.Close() }()

	for i := range 20 {
		publishRow(t, h, TableMessages, OpInsert, row{ID: "m", Seq: i})
	}
	for i := range 20 {
		var got row
		if err := recv(t, s).Change.Decode(&got); err != nil {
			t.Fatal(err)
		}
		if got.Seq != i {
			t.Fatalf("event %d carried seq %d", i, got.Seq)
		}
	}
}

func TestHubBroadcast(t *testing.T) {
	h := NewHub()
	s, err := h.Subscribe(context.Background(), Broadcasts("typing:c1"))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = s.Close() }()

	if err := h.Broadcast(context.Background(), "typing:c2", "typing", map[string]string{"sender_id": "x"}); err != nil {
		t.Fatal(err)
	}
	if err := h.Broadcast(context.Background(), "typing:c1", "typing", map[string]string{"sender_id": "a"}); err != nil {
		t.Fatal(err)
	}

	evt := recv(t, s)
	if evt.Kind != KindBroadcast || evt.Broadcast.Event != "typing" {
		t.Fatalf("got %+v, want typing broadcast", evt)
	}
	var payload map[string]string
	if err := evt.Broadcast.Decode(&payload); err != nil {
		t.Fatal(err)
	}
	if payload["sender_id"] != "a" {
		t.Errorf("sender_id = %q, want a", payload["sender_id"])
	}
	expectNone(t, s)
}

func TestHubDisconnect(t *testing.T) {
	h := NewHub()
	s, err := h.Subscribe(context.Background(), Rows(TableCalls, Filter{}))
	if err != nil {
		t.Fatal(err)
	}

	h.Disconnect()

	if _, ok := <-s.Events(); ok {
		t.Fatal("stream should be closed after Disconnect")
	}
	if !errors.Is(s.Err(), model.ErrTransportDisconnected) {
		t.Errorf("Err() = %v, want ErrTransportDisconnected", s.Err())
	}
	if h.Subscribers() != 0 {
		t.Errorf("Subscribers() = %d, want 0", h.Subscribers())
	}
}

func TestHubUnavailable(t *testing.T) {
	h := NewHub()
	h.SetAvailable(false)
	if _, err := h.Subscribe(context.Background(), Rows(TableCalls, Filter{})); !errors.Is(err, model.ErrTransportDisconnected) {
		t.Errorf("Subscribe while down: err = %v, want ErrTransportDisconnected", err)
	}
	h.SetAvailable(true)
	s, err := h.Subscribe(context.Background(), Rows(TableCalls, Filter{}))
	if err != nil {
		t.Fatalf("Subscribe after recovery: %v", err)
	}
	_ = s.Close()
}

func TestHubSlowConsumerIsDisconnected(t *testing.T) {
	h := NewHub(WithBuffer(1))
	s, err := h.Subscribe(context.Background(), Rows(TableMessages, Filter{}))
	if err != nil {
		t.Fatal(err)
	}

	publishRow(t, h, TableMessages, OpInsert, row{ID: "m1"})
	publishRow(t, h, TableMessages, OpInsert, row{ID: "m2"})

	// The buffered event is still delivered before the close.
	<-s.Events()
	if _, ok := <-s.Events(); ok {
		t.Fatal("stream should be closed after overflowing")
	}
	if !errors.Is(s.Err(), ErrSlowConsumer) {
		t.Errorf("Err() = %v, want ErrSlowConsumer", s.Err())
	}
}

func TestHubCloseIsIdempotentAndContextBound(t *testing.T) {
	h := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	s, err := h.Subscribe(ctx, Rows(TableMessages, Filter{}))
	if err != nil {
		t.Fatal(err)
	}
	cancel()

	select {
	case _, ok := <-s.Events():
		if ok {
			t.Fatal("unexpected event")
		}
	case <-time.After(time.Second):
		t.Fatal("stream not closed after context cancel")
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close() = %v", err)
	}
	if s.Err() != nil {
		t.Errorf("Err() after Close = %v, want nil", s.Err())
	}
}

func TestTopicValidateAndKey(t *testing.T) {
	if err := (Topic{}).Validate(); err == nil {
		t.Error("empty topic should be invalid")
	}
	if err := (Topic{Table: "messages", Channel: "x"}).Validate(); err == nil {
		t.Error("topic with table and channel should be invalid")
	}
	a := Rows(TableMessages, Eq("conversation_id", "c1"))
	b := Rows(TableMessages, Eq("conversation_id", "c1"))
	if a.Key() != b.Key() {
		t.Errorf("equal topics have different keys: %q vs %q", a.Key(), b.Key())
	}
	if a.Key() == Rows(TableMessages, Filter{}).Key() {
		t.Error("filtered and unfiltered topics must differ")
	}
}

func TestRowChangeColumnNonString(t *testing.T) {
	c, err := NewRowChange(TableMessages, OpInsert, row{ID: "m", Seq: 7})
	if err != nil {
		t.Fatal(err)
	}
	v, ok := c.Column("seq")
	if !ok || v != "7" {
		t.Errorf("Column(seq) = %q, %v; want 7, true", v, ok)
	}
	if _, ok := c.Column("missing"); ok {
		t.Error("Column(missing) should report false")
	}
}
