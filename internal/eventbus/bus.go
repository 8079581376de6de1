// Package eventbus decouples the scheduler, dispatcher and manager
// from observers (debug logging, tests) with an in-process fan-out.
package eventbus

import (
	"sync"
	"time"
)

// Event is a small observability signal ("reminder.scheduled",
// "delivery.ok", "job.dropped"). Data should be small and ideally
// JSON-serializable.
//
// Contract: Publish never blocks; slow subscribers drop events.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fan-out bus. It owns no goroutines.
func New() Bus {
	return &memBus{}
}

type sub struct {
	ch     chan Event
	closed bool
}

type memBus struct {
	mu   sync.Mutex
	subs []*sub
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.subs {
		if s.closed {
			continue
		}
		select {
		case s.ch <- e:
		default:
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := &sub{ch: make(chan Event, buffer)}
	b.mu.Lock()
	b.subs = append(b.subs, s)
	b.mu.Unlock()

	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if s.closed {
			return
		}
		s.closed = true
		for i, cur := range b.subs {
			if cur == s {
				last := len(b.subs) - 1
				b.subs[i] = b.subs[last]
				b.subs[last] = nil
				b.subs = b.subs[:last]
				break
			}
		}
		// Marked closed under the same lock Publish sends under, so no
		// send can race the close.
		close(s.ch)
	}
	return s.ch, unsub
}
