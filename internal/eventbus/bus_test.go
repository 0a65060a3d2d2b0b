package eventbus

import (
	"testing"
	"time"
)

func TestPublishFanout(t *testing.T) {
	b := New()

	ch1, unsub1 := b.Subscribe(4)
	ch2, unsub2 := b.Subscribe(4)
	defer unsub1()
	defer unsub2()

	b.Publish(Event{Type: TypeTick, Data: TickEvent{Started: 1}})

	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case e := <-ch:
			if e.Type != TypeTick {
				t.Fatalf("sub %d: unexpected type %q", i, e.Type)
			}
			if e.Time.IsZero() {
				t.Fatalf("sub %d: publish must stamp the time", i)
			}
		case <-time.After(time.Second):
			t.Fatalf("sub %d: event not delivered", i)
		}
	}
}

func TestPublishDropsWhenSubscriberIsFull(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	// Second publish must not block even though nobody is reading.
	done := make(chan struct{})
	go func() {
		b.Publish(Event{Type: TypeTaskStarted})
		b.Publish(Event{Type: TypeTaskFinished})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("publish blocked on a full subscriber")
	}

	e := <-ch
	if e.Type != TypeTaskStarted {
		t.Fatalf("expected the first event to survive, got %q", e.Type)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub() // idempotent

	if _, ok := <-ch; ok {
		t.Fatalf("channel should be closed after unsubscribe")
	}

	// Publishing after unsubscribe must not panic.
	b.Publish(Event{Type: TypeTick})
}
