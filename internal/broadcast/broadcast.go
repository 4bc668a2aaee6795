// Package broadcast implements the event broadcaster: fan-out of named
// push events to every attached client, with best-effort delivery so a
// slow receiver never blocks a producer.
package broadcast

import (
	"log/slog"
	"sync"
)

// Event is one named push event with an arbitrary JSON-able payload.
type Event struct {
	Name    string
	Payload any
}

// Broadcaster fans out events to all currently subscribed receivers.
// One sender (Publish), many receivers (Subscribe). Delivery is
// best-effort per receiver: a receiver whose channel is full has the
// event dropped for it rather than blocking the publisher.
type Broadcaster struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[uint64]chan Event
	logger *slog.Logger
}

// New returns an empty Broadcaster.
func New(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{subs: make(map[uint64]chan Event), logger: logger}
}

// Subscribe registers a new receiver with the given channel buffer size
// and returns its event channel plus an Unsubscribe function. Callers
// MUST call Unsubscribe when done to release the channel.
func (b *Broadcaster) Subscribe(bufferSize int) (<-chan Event, func()) {
	if bufferSize <= 0 {
		bufferSize = 32
	}
	ch := make(chan Event, bufferSize)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, unsubscribe
}

// Publish fans ev out to every subscriber. A full receiver buffer drops
// the event for that receiver only; Publish itself never blocks.
func (b *Broadcaster) Publish(name string, payload any) {
	ev := Event{Name: name, Payload: payload}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.logger.Warn("broadcast: dropped event for slow receiver", "event", name, "receiver", id)
		}
	}
}

// SubscriberCount reports the number of currently attached receivers.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
