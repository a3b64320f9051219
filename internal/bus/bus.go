// Package bus fans engine events out to presentation layers.
//
// Delivery is best effort: each subscriber owns a bounded queue and a slow
// subscriber loses its oldest pending event rather than blocking the engine.
// State behind an event is always persisted before the event is published.
package bus

import (
	"log/slog"
	"sync"
)

// DefaultQueueLen is the per-subscriber queue bound used when Subscribe is
// called with a non-positive buffer.
const DefaultQueueLen = 64

// Bus is a bounded publish-subscribe fan-out.
type Bus struct {
	mu     sync.Mutex
	subs   map[uint64]chan Event
	nextID uint64
	closed bool
}

func New() *Bus {
	return &Bus{subs: make(map[uint64]chan Event)}
}

// Subscribe registers a new subscriber and returns its event channel plus a
// cancel function. The channel is closed on cancel or when the bus closes.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = DefaultQueueLen
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	ch := make(chan Event, buffer)
	b.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if sub, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub)
			}
		})
	}
	return ch, cancel
}

// Publish delivers ev to every subscriber. A full queue sheds its oldest
// pending event first; Publish itself never blocks.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	for id, sub := range b.subs {
		select {
		case sub <- ev:
			continue
		default:
		}
		// Queue full. Drop the oldest entry to make room; the queue is only
		// ever drained here and by the subscriber, so one slot opens up.
		select {
		case <-sub:
			slog.Debug("event dropped for slow subscriber", "subscriber", id, "event", ev.Type.String())
		default:
		}
		select {
		case sub <- ev:
		default:
		}
	}
}

// Close shuts the bus down and closes every subscriber channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub)
	}
}
