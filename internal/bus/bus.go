// Package bus provides the in-process publish/subscribe channel for turn
// events.
//
// Delivery is synchronous and best-effort: Publish invokes every currently
// registered subscriber before returning, a panicking subscriber does not
// prevent delivery to the rest, and there is no buffering or replay. The
// bus is a constructible component injected into the engine and transport
// adapters so tests can run isolated instances.
package bus

import (
	"log/slog"
	"sync"

	"github.com/tutorpipe/tutorpipe/internal/models"
)

// Filter decides whether a subscriber receives an event. A nil filter
// matches everything.
type Filter func(models.TurnEvent) bool

// Handler consumes a delivered event.
type Handler func(models.TurnEvent)

type subscriber struct {
	filter  Filter
	handler Handler
}

// Bus broadcasts turn events to registered subscribers. The subscriber list
// is the only concurrently mutated structure; add/remove are safe under
// concurrent Publish.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]subscriber
}

// New creates an empty event bus.
func New() *Bus {
	return &Bus{subs: make(map[int]subscriber)}
}

// Subscribe registers a handler for events matching the filter and returns
// an unsubscribe function. Unsubscribing twice is harmless. A subscriber
// attached after an event was published never sees it.
func (b *Bus) Subscribe(filter Filter, handler Handler) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = subscriber{filter: filter, handler: handler}
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

// Publish delivers the event to every subscriber whose filter matches.
// Handlers run on the publisher's goroutine; a panic in one handler is
// recovered and logged so remaining subscribers still receive the event.
func (b *Bus) Publish(event models.TurnEvent) {
	b.mu.RLock()
	matched := make([]Handler, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.filter == nil || sub.filter(event) {
			matched = append(matched, sub.handler)
		}
	}
	b.mu.RUnlock()

	for _, handler := range matched {
		b.deliver(event, handler)
	}
}

func (b *Bus) deliver(event models.TurnEvent, handler Handler) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Bus.deliver: subscriber panicked", "panic", r, "type", event.Type, "conversationID", event.ConversationID)
		}
	}()
	handler(event)
}

// SubscriberCount returns the number of registered subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// ForConversation builds a filter matching all events of one conversation.
func ForConversation(conversationID string) Filter {
	return func(e models.TurnEvent) bool {
		return e.ConversationID == conversationID
	}
}
