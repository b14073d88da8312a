// Package eventbus carries check, alert and notification signals from the
// pipeline to observers (metrics, debug logging) without coupling them.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

const defaultBuffer = 8

// Event is one pipeline signal. Data holds one of the *Info types.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// Bus fans events out to subscribers. Publish never blocks: a subscriber
// whose buffer is full misses the event and Dropped counts it.
type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
	Dropped() uint64
}

func New() Bus { return &fanout{} }

type subscriber struct {
	ch     chan Event
	closed bool
}

// fanout sends under its lock. Sends are non-blocking, so the lock is
// short, and an unsubscribe can never close a channel mid-send.
type fanout struct {
	mu      sync.Mutex
	subs    []*subscriber
	dropped atomic.Uint64
}

func (f *fanout) Dropped() uint64 { return f.dropped.Load() }

func (f *fanout) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.subs {
		select {
		case s.ch <- e:
		default:
			f.dropped.Add(1)
		}
	}
}

func (f *fanout) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	s := &subscriber{ch: make(chan Event, buffer)}
	f.mu.Lock()
	f.subs = append(f.subs, s)
	f.mu.Unlock()
	return s.ch, func() { f.remove(s) }
}

func (f *fanout) remove(s *subscriber) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for i, cur := range f.subs {
		if cur == s {
			f.subs = append(f.subs[:i], f.subs[i+1:]...)
			break
		}
	}
	close(s.ch)
}
