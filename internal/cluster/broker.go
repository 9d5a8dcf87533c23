package cluster

import (
	"log/slog"
	"sync"
)

// subscriberBufferCap is 64: membership churn is low-rate; a slow consumer
// this far behind is dropped-to rather than blocked-on.
const subscriberBufferCap = 64

// Broker fans membership events out to subscribers. Publishing never
// blocks: a full subscriber loses the event and a warning is logged, the
// same trade the rest of the hub makes for liveness over completeness.
type Broker struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[uint64]chan Event
}

// NewBroker returns an empty broker.
func NewBroker() *Broker {
	return &Broker{subs: make(map[uint64]chan Event)}
}

// Subscribe registers a new subscriber.
func (b *Broker) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan Event, subscriberBufferCap)
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if ch, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(ch)
		}
	}
	return ch, cancel
}

// Publish fans ev out to every subscriber.
func (b *Broker) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			slog.Warn("membership subscriber full, dropping event",
				"subscriber", id, "event", ev.Kind.String(), "node", ev.Node)
		}
	}
}

// Close detaches every subscriber.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
