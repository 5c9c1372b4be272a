package bus

import (
	"testing"
	"time"

	"github.com/GoCodeAlone/ratchet/event"
)

func TestSubscribePublishDelivers(t *testing.T) {
	b := New()
	ch, unsubscribe := b.Subscribe("t1")
	defer unsubscribe()

	b.Publish(event.Event{TaskID: "t1", EventID: 1, Kind: event.KindLog})

	select {
	case ev := <-ch:
		if ev.EventID != 1 {
			t.Errorf("EventID = %d, want 1", ev.EventID)
		}
	case <-time.After(time.Second):
		t.Fatal("did not receive published event")
	}
}

func TestPublishDoesNotCrossTasks(t *testing.T) {
	b := New()
	ch, unsubscribe := b.Subscribe("t1")
	defer unsubscribe()

	b.Publish(event.Event{TaskID: "t2", EventID: 1, Kind: event.KindLog})

	select {
	case ev := <-ch:
		t.Fatalf("received event meant for another task: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestUnsubscribeStopsDeliveryAndClosesChannel(t *testing.T) {
	b := New()
	ch, unsubscribe := b.Subscribe("t1")
	unsubscribe()

	b.Publish(event.Event{TaskID: "t1", EventID: 1, Kind: event.KindLog})

	_, ok := <-ch
	if ok {
		t.Fatal("channel should be closed after unsubscribe")
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	b := New()
	_, unsubscribe := b.Subscribe("t1")
	unsubscribe()
	unsubscribe() // must not panic
}

func TestPublishNeverBlocksOnFullSubscriber(t *testing.T) {
	b := New()
	_, unsubscribe := b.Subscribe("t1")
	defer unsubscribe()

	done := make(chan struct{})
	go func() {
		for i := 0; i < ChannelCapacity*2; i++ {
			b.Publish(event.Event{TaskID: "t1", EventID: int64(i), Kind: event.KindLog})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a slow/unread subscriber channel")
	}
}

func TestSubscriberCount(t *testing.T) {
	b := New()
	if n := b.SubscriberCount("t1"); n != 0 {
		t.Fatalf("SubscriberCount before subscribe = %d, want 0", n)
	}
	_, unsubscribe := b.Subscribe("t1")
	if n := b.SubscriberCount("t1"); n != 1 {
		t.Fatalf("SubscriberCount after subscribe = %d, want 1", n)
	}
	unsubscribe()
	if n := b.SubscriberCount("t1"); n != 0 {
		t.Fatalf("SubscriberCount after unsubscribe = %d, want 0", n)
	}
}
