package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("message.", 10)
	defer unsub()

	b.Publish(Event{Kind: MessageUpserted, Timestamp: time.Now(), Payload: MessageRef{LocalID: "m1"}})

	select {
	case evt := <-ch:
		if evt.Kind != MessageUpserted {
			t.Errorf("got kind %q, want %s", evt.Kind, MessageUpserted)
		}
		if ref, ok := evt.Payload.(MessageRef); !ok || ref.LocalID != "m1" {
			t.Errorf("payload = %#v, want MessageRef{m1}", evt.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestPrefixFiltering(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("outbox.", 10)
	defer unsub()

	b.Emit(MessageSendFailed, nil)
	b.Emit(OutboxCleared, int64(3))

	select {
	case evt := <-ch:
		if evt.Kind != OutboxCleared {
			t.Errorf("got kind %q, want %s", evt.Kind, OutboxCleared)
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

func TestUnsubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("message.", 10)
	unsub()

	b.Emit(MessageUpserted, nil)

	select {
	case evt := <-ch:
		t.Errorf("received event after unsubscribe: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDropOnFullBuffer(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("test.", 1)
	defer unsub()

	b.Publish(Event{Kind: "test.one"})
	b.Publish(Event{Kind: "test.two"})

	evt := <-ch
	if evt.Kind != "test.one" {
		t.Errorf("got %q, want test.one", evt.Kind)
	}
	if evt.Timestamp.IsZero() {
		t.Error("Publish should stamp events without a timestamp")
	}
}

func TestNilBusPublish(t *testing.T) {
	var b *Bus
	b.Emit(MessageUpserted, nil)
}
