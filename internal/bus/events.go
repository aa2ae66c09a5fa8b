// Package bus provides a typed in-process publish/subscribe channel.
// Each Bus carries a single event type, so subscribers never type-assert.
package bus

import (
	"sync"
	"sync/atomic"

	. "github.com/roelfdiedericks/wabridge/internal/logging"
)

// SubscriptionID uniquely identifies an event subscription
type SubscriptionID uint64

// Handler processes an event (no return value - fire and forget)
type Handler[E any] func(E)

type subscription[E any] struct {
	id      SubscriptionID
	handler Handler[E]
}

// Bus fans an event out to its subscribers. Delivery is synchronous and in
// subscription order: Publish returns once every handler has run. A panic in
// one handler is recovered and logged and does not stop the others.
type Bus[E any] struct {
	name   string
	nextID uint64

	mu   sync.RWMutex
	subs []subscription[E]
}

// New creates a bus; name only appears in log lines.
func New[E any](name string) *Bus[E] {
	return &Bus[E]{name: name}
}

// Subscribe registers a handler and returns an ID for Unsubscribe.
func (b *Bus[E]) Subscribe(handler Handler[E]) SubscriptionID {
	id := SubscriptionID(atomic.AddUint64(&b.nextID, 1))

	b.mu.Lock()
	b.subs = append(b.subs, subscription[E]{id: id, handler: handler})
	b.mu.Unlock()

	L_trace("bus: subscribed", "bus", b.name, "subscriptionID", id)
	return id
}

// Unsubscribe removes a subscription by its ID.
// Returns true if the subscription was found and removed.
func (b *Bus[E]) Unsubscribe(id SubscriptionID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, sub := range b.subs {
		if sub.id == id {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			L_trace("bus: unsubscribed", "bus", b.name, "subscriptionID", id)
			return true
		}
	}
	return false
}

// Publish delivers event to every current subscriber.
// Handlers run without the bus lock held, so they may subscribe or unsubscribe.
func (b *Bus[E]) Publish(event E) {
	b.mu.RLock()
	subs := make([]subscription[E], len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, sub := range subs {
		b.deliver(sub, event)
	}
}

func (b *Bus[E]) deliver(sub subscription[E], event E) {
	defer func() {
		if r := recover(); r != nil {
			L_error("bus: handler panic", "bus", b.name, "subscriptionID", sub.id, "panic", r)
		}
	}()
	sub.handler(event)
}

// Count returns the number of subscribers.
func (b *Bus[E]) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
