// Package eventbus carries post lifecycle events (posted, failed, missed)
// from the poster engine to in-process observers such as the alerter, so the
// engine never blocks on — or even knows about — who is listening.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event is one lifecycle notification. Data holds the engine's payload and
// should stay small; a subscriber that needs the full post re-reads the store.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// Bus fans events out to subscribers. Publish never blocks: a subscriber
// whose buffer is full loses the event, which is acceptable for alerting —
// the store remains the durable record of what happened.
type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

func New() Bus {
	return &fanout{subs: map[uint64]chan Event{}}
}

type fanout struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *fanout) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Snapshot first; sends happen without the lock held.
	b.mu.RLock()
	chs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		// An unsubscribe can close the channel between snapshot and send;
		// recover turns that send panic into a dropped event.
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
			}
		}()
	}
}

func (b *fanout) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}
