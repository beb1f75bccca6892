// Package events is a small in-process pub/sub bus used to decouple the
// control plane's components — a session transition, a bar tick, or a
// workflow completion is published once and fanned out to whoever is
// listening, without the publisher knowing who that is. Shape and locking
// discipline follow the teacher's internal/events.Bus verbatim.
package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// EventType names one category of control-plane event.
type EventType string

const (
	EventExchangeWorkerStateChanged EventType = "exchange_worker.state_changed"
	EventSessionStateChanged        EventType = "session.state_changed"
	EventSessionDeviceReplaced      EventType = "session.device_replaced"
	EventBarIngested                EventType = "marketdata.bar_ingested"
	EventSubscriberEvicted          EventType = "marketdata.subscriber_evicted"
	EventWorkflowStarted            EventType = "workflow.started"
	EventWorkflowTaskTransitioned   EventType = "workflow.task_transitioned"
	EventWorkflowCompleted          EventType = "workflow.completed"
)

// Event is one published occurrence. Data carries type-specific fields —
// callers type-assert the values they expect, the same loosely-typed
// payload shape the teacher's Event.Data map uses.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Module    string
	Data      map[string]interface{}
}

// EventHandler handles one published Event.
type EventHandler func(*Event)

// Subscription identifies a registered handler so it can be removed later.
type Subscription struct {
	eventType EventType
	id        uint64
}

// Bus provides pub/sub event functionality.
type Bus struct {
	subscribers map[EventType]map[uint64]EventHandler
	nextID      uint64
	mu          sync.RWMutex
	log         zerolog.Logger
}

// NewBus creates a new event bus.
func NewBus(log zerolog.Logger) *Bus {
	return &Bus{
		subscribers: make(map[EventType]map[uint64]EventHandler),
		log:         log.With().Str("component", "events").Logger(),
	}
}

// Subscribe registers a handler for an event type.
func (b *Bus) Subscribe(eventType EventType, handler EventHandler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID

	if _, ok := b.subscribers[eventType]; !ok {
		b.subscribers[eventType] = make(map[uint64]EventHandler)
	}
	b.subscribers[eventType][id] = handler

	return Subscription{eventType: eventType, id: id}
}

// Unsubscribe removes a previously registered handler. Safe to call more
// than once.
func (b *Bus) Unsubscribe(sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if handlers, ok := b.subscribers[sub.eventType]; ok {
		delete(handlers, sub.id)
		if len(handlers) == 0 {
			delete(b.subscribers, sub.eventType)
		}
	}
}

// Emit publishes an event to all subscribers of eventType. Handlers are
// snapshotted under RLock and invoked without holding it, each on its own
// goroutine; Emit does not wait for them. internal/marketdata's broadcast
// shares the snapshot-then-release step but sends sequentially.
func (b *Bus) Emit(eventType EventType, module string, data map[string]interface{}) {
	event := &Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
		Module:    module,
	}

	b.mu.RLock()
	var handlers []EventHandler
	if registered := b.subscribers[eventType]; len(registered) > 0 {
		handlers = make([]EventHandler, 0, len(registered))
		for _, h := range registered {
			handlers = append(handlers, h)
		}
	}
	b.mu.RUnlock()

	for _, handler := range handlers {
		go handler(event)
	}

	b.log.Debug().
		Str("event_type", string(eventType)).
		Str("module", module).
		Int("subscribers", len(handlers)).
		Msg("event emitted")
}
