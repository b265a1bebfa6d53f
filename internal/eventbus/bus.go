// Package eventbus fans canonical update events out to live observers
// (UI connections, ops tooling) independently of the notification pipeline.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event is a lightweight, in-memory signal used to decouple components.
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Observers receive on buffered channels.
//   - An observer whose buffer is full at publish time is evicted (its
//     channel is closed and removed) rather than allowed to stall the
//     publisher. Observers must treat channel close as "resubscribe".
//
// Data should be small and ideally JSON-serializable.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
	// Evicted reports how many observers have been dropped for falling behind.
	Evicted() uint64
}

// New returns a simple in-memory fanout bus.
//
// It intentionally does not own any background goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu      sync.Mutex
	subs    map[uint64]chan Event
	seq     atomic.Uint64
	evicted atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	// Eviction mutates the subscriber map, so Publish holds the write lock.
	// Sends are non-blocking, so the critical section stays short.
	b.mu.Lock()
	var dead []uint64
	for id, ch := range b.subs {
		select {
		case ch <- e:
		default:
			dead = append(dead, id)
		}
	}
	for _, id := range dead {
		ch := b.subs[id]
		delete(b.subs, id)
		close(ch)
		b.evicted.Add(1)
	}
	b.mu.Unlock()
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
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
			if cur, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(cur)
			}
			b.mu.Unlock()
		})
	}
	return ch, unsub
}

func (b *memBus) Evicted() uint64 { return b.evicted.Load() }
