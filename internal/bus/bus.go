// Package bus provides an internal event bus for component communication.
//
// Delivery is synchronous and ordered: Publish calls every handler subscribed
// to the event type, in subscription order, on the publishing goroutine, and
// returns once they have all run. Subscribe before the producer starts and
// call the returned Subscription's Unsubscribe on teardown.
package bus

import (
	"sync"
)

// EventType identifies different event types
type EventType string

const (
	// Session lifecycle
	EventTypeSessionState EventType = "session.state_changed"

	// Capture status label updates
	EventTypeCaptureStatus EventType = "capture.status"

	// Turn pipeline outcomes
	EventTypeTurnCompleted EventType = "turn.completed"
	EventTypeTurnAbandoned EventType = "turn.abandoned"

	// Alternate-visual flag updates
	EventTypeAlternateVisual EventType = "visual.alternate_changed"
)

// Event represents a bus event
type Event struct {
	Type EventType
	Data map[string]any
}

// Handler is a function that handles events
type Handler func(Event)

type subscriber struct {
	id      uint64
	handler Handler
}

// EventBus is a simple pub/sub event bus
type EventBus struct {
	mu       sync.RWMutex
	nextID   uint64
	handlers map[EventType][]subscriber
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		handlers: make(map[EventType][]subscriber),
	}
}

// Subscription is returned by Subscribe and removes the handler when
// Unsubscribe is called. Unsubscribe is safe to call more than once.
type Subscription struct {
	bus   *EventBus
	types []EventType
	id    uint64
	once  sync.Once
}

// Unsubscribe removes the handler from every event type it was registered for.
func (s *Subscription) Unsubscribe() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		s.bus.remove(s.types, s.id)
	})
}

// Subscribe adds a handler for one or more event types
func (b *EventBus) Subscribe(handler Handler, eventTypes ...EventType) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	for _, et := range eventTypes {
		b.handlers[et] = append(b.handlers[et], subscriber{id: id, handler: handler})
	}

	types := make([]EventType, len(eventTypes))
	copy(types, eventTypes)
	return &Subscription{bus: b, types: types, id: id}
}

func (b *EventBus) remove(eventTypes []EventType, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, et := range eventTypes {
		subs := b.handlers[et]
		kept := subs[:0]
		for _, s := range subs {
			if s.id != id {
				kept = append(kept, s)
			}
		}
		if len(kept) == 0 {
			delete(b.handlers, et)
		} else {
			b.handlers[et] = kept
		}
	}
}

// Publish sends an event to all subscribed handlers in subscription order.
// Handlers must not block; they may publish further events.
func (b *EventBus) Publish(event Event) {
	b.mu.RLock()
	subs := make([]subscriber, len(b.handlers[event.Type]))
	copy(subs, b.handlers[event.Type])
	b.mu.RUnlock()

	for _, s := range subs {
		s.handler(event)
	}
}

// HandlerCount returns the number of handlers registered for an event type.
func (b *EventBus) HandlerCount(eventType EventType) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[eventType])
}

// Clear removes all handlers
func (b *EventBus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = make(map[EventType][]subscriber)
}
