package eventbus

import (
	"testing"
	"time"
)

func TestPublishFanout(t *testing.T) {
	b := New()
	a, unsubA := b.Subscribe(4)
	c, unsubC := b.Subscribe(4)
	defer unsubA()
	defer unsubC()

	Emit(b, CycleStarted, CycleInfo{ID: "x"})
	for _, ch := range []<-chan Event{a, c} {
		select {
		case ev := <-ch:
			if ev.Type != CycleStarted || ev.Time.IsZero() {
				t.Fatalf("event=%+v", ev)
			}
		case <-time.After(time.Second):
			t.Fatalf("event not delivered")
		}
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	b := New()
	_, unsub := b.Subscribe(1)
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Publish(Event{Type: ProductChecked})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("publish blocked on slow subscriber")
	}
	unsub()
	unsub()
	b.Publish(Event{Type: ProductChecked})
}

func TestEmitNilBus(t *testing.T) {
	Emit(nil, CycleSkipped, nil)
}

func TestDroppedCountsFullSubscribers(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()
	b.Publish(Event{Type: AlertFired})
	b.Publish(Event{Type: AlertFired})
	b.Publish(Event{Type: AlertFired})
	if got := b.Dropped(); got != 2 {
		t.Fatalf("dropped=%d want 2", got)
	}
	if ev := <-ch; ev.Type != AlertFired {
		t.Fatalf("event=%+v", ev)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(2)
	unsub()
	if _, ok := <-ch; ok {
		t.Fatalf("channel still open after unsubscribe")
	}
}
