package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("call.", 10)
	defer unsub()

	b.Emit(KindCallIncoming, "call-1")

	select {
	case evt := <-ch:
		if evt.Kind != KindCallIncoming {
			t.Errorf("got kind %q, want %q", evt.Kind, KindCallIncoming)
		}
		if evt.Payload != "call-1" {
			t.Errorf("payload = %v, want call-1", evt.Payload)
		}
		if evt.Timestamp.IsZero() {
			t.Error("Emit should stamp a timestamp")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestNamespaceFiltering(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("conn.", 10)
	defer unsub()

	b.Emit(KindTypingChanged, nil)
	b.Emit(KindConnStatus, nil)

	select {
	case evt := <-ch:
		if evt.Kind != KindConnStatus {
			t.Errorf("got kind %q, want %q", evt.Kind, KindConnStatus)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}

	select {
	case evt := <-ch:
		t.Errorf("unexpected event: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribeTwice(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("messages.", 10)
	unsub()
	unsub()

	b.Emit(KindMessagesChanged, nil)

	select {
	case evt := <-ch:
		t.Errorf("received event after unsubscribe: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDropOnFullBuffer(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("inbox.", 1)
	defer unsub()

	b.Emit(KindInboxUpdated, 1)
	b.Emit(KindInboxUpdated, 2)

	evt := <-ch
	if evt.Payload != 1 {
		t.Errorf("got payload %v, want 1", evt.Payload)
	}
	if b.Dropped() != 1 {
		t.Errorf("Dropped() = %d, want 1", b.Dropped())
	}
}

func TestNilBusPublishIsNoop(t *testing.T) {
	var b *Bus
	b.Emit(KindInboxUpdated, nil)
}
