// Package bus provides the in-process publish/subscribe seam for
// workflow events. Emission is synchronous: Emit invokes every
// subscriber in registration order and returns after all handlers
// return. Slow consumers (WebSocket fan-out, persistence) queue
// downstream; handlers themselves must be fast and non-blocking.
package bus

import (
	"log/slog"
	"sync"

	"github.com/ameliahq/amelia/pkg/models"
)

// Handler is a synchronous event callback. A handler that panics is
// recovered and logged so one faulty subscriber cannot disrupt others.
type Handler func(*models.WorkflowEvent)

type subscriber struct {
	id      int
	handler Handler
}

// Bus fans out workflow events to registered subscribers.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   []subscriber
}

// New creates an empty event bus.
func New() *Bus {
	return &Bus{}
}

// Subscribe registers a handler and returns its unsubscribe function.
func (b *Bus) Subscribe(h Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	b.subs = append(b.subs, subscriber{id: id, handler: h})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s.id == id {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				return
			}
		}
	}
}

// Emit delivers the event to every subscriber in registration order.
// Within one workflow the call site guarantees emission order; the bus
// makes no cross-workflow ordering promise.
func (b *Bus) Emit(event *models.WorkflowEvent) {
	b.mu.RLock()
	subs := make([]subscriber, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, s := range subs {
		invoke(s.handler, event)
	}
}

// SubscriberCount returns the number of registered handlers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func invoke(h Handler, event *models.WorkflowEvent) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Event subscriber panicked",
				"event_type", event.Type,
				"workflow_id", event.WorkflowID,
				"panic", r)
		}
	}()
	h(event)
}
