package registry

import (
	"sync"

	"github.com/google/uuid"
)

// Event is one item published to subscribers.
type Event struct {
	Type      string
	SessionID string
	Payload   any
}

const defaultSubscriberBuffer = 32

// Broker is a single in-process publish/subscribe hub. Each subscriber owns
// a bounded channel; a full channel drops its oldest queued event rather
// than blocking the publisher, so one slow consumer never stalls the
// registry's event-producing goroutine.
type Broker struct {
	mu   sync.Mutex
	subs map[string]chan Event
}

// NewBroker builds an empty Broker.
func NewBroker() *Broker {
	return &Broker{subs: make(map[string]chan Event)}
}

// Subscribe registers a new subscriber and returns its id (for
// Unsubscribe) and its receive channel.
func (b *Broker) Subscribe() (string, <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := uuid.NewString()
	ch := make(chan Event, defaultSubscriberBuffer)
	b.subs[id] = ch
	return id, ch
}

// Unsubscribe removes and closes a subscriber's channel.
func (b *Broker) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
}

// Publish fans an event out to every subscriber, dropping the oldest
// queued event for any subscriber whose channel is currently full.
func (b *Broker) Publish(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- e:
			default:
			}
		}
	}
}

// Close shuts down every subscriber channel (used on daemon shutdown).
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
