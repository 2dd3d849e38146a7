package inproc

import (
	"sync"

	"agentflow/internal/domain"
)

// Bus fans job lifecycle events out to in-process subscribers. Delivery
// is best effort: a subscriber whose buffer is full misses the event
// rather than blocking the scheduler.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]chan domain.JobEvent
	buffer int
}

func New(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	return &Bus{
		subs:   make(map[string]chan domain.JobEvent),
		buffer: buffer,
	}
}

func (b *Bus) Subscribe(subscriberID string) <-chan domain.JobEvent {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subs[subscriberID]; ok {
		return ch
	}
	ch := make(chan domain.JobEvent, b.buffer)
	b.subs[subscriberID] = ch
	return ch
}

func (b *Bus) Unsubscribe(subscriberID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, ok := b.subs[subscriberID]
	if !ok {
		return
	}
	delete(b.subs, subscriberID)
	close(ch)
}

func (b *Bus) Publish(evt domain.JobEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs {
		select {
		case ch <- evt:
		default:
		}
	}
}
