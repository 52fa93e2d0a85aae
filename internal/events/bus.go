// Package events fans queue lifecycle events out to subscribers.
package events

import (
	"sync"

	"MailPacer/internal/models"
)

// Bus delivers every published event to each current subscriber. A slow
// subscriber loses its oldest buffered event rather than blocking the
// publisher.
type Bus struct {
	mu      sync.Mutex
	subs    map[int]chan models.JobEvent
	nextID  int
	dropped uint64
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan models.JobEvent)}
}

// Subscribe returns a channel of events and a function that closes it.
// Subscribers that stop may simply subscribe again.
func (b *Bus) Subscribe(buffer int) (<-chan models.JobEvent, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan models.JobEvent, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Publish never blocks.
func (b *Bus) Publish(e models.JobEvent) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subs {
		select {
		case ch <- e:
			continue
		default:
		}
		// drop oldest, then retry once
		select {
		case <-ch:
			b.dropped++
		default:
		}
		select {
		case ch <- e:
		default:
			b.dropped++
		}
	}
}

// Dropped returns how many events were discarded for slow subscribers.
func (b *Bus) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
