package runtime

import (
	"sync"
	"time"

	"github.com/felixgeelhaar/remotehouse/internal/store"
)

// EventType represents the type of runtime event.
type EventType string

const (
	EventExecutionStart     EventType = "execution_start"
	EventExecutionEnd       EventType = "execution_end"
	EventValidationRejected EventType = "validation_rejected"
	EventCleanupRun         EventType = "cleanup_run"
	EventCleanupError       EventType = "cleanup_error"
)

// Event represents a runtime event with associated data.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Repo      string
	Op        string
	// Execution is set on EventExecutionEnd and EventValidationRejected.
	Execution *store.Execution
	Data      map[string]interface{}
}

// EventHandler is a function that handles events.
type EventHandler func(Event)

// EventBus manages event publication and subscription.
// Handlers run synchronously on the publishing goroutine.
type EventBus struct {
	mu          sync.RWMutex
	handlers    map[EventType][]EventHandler
	allHandlers []EventHandler
}

// NewEventBus creates a new event bus.
func NewEventBus() *EventBus {
	return &EventBus{
		handlers: make(map[EventType][]EventHandler),
	}
}

// Subscribe registers a handler for a specific event type.
func (eb *EventBus) Subscribe(eventType EventType, handler EventHandler) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.handlers[eventType] = append(eb.handlers[eventType], handler)
}

// SubscribeAll registers a handler for all event types.
func (eb *EventBus) SubscribeAll(handler EventHandler) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.allHandlers = append(eb.allHandlers, handler)
}

// Publish sends an event to all registered handlers.
func (eb *EventBus) Publish(event Event) {
	eb.mu.RLock()
	handlers := append([]EventHandler(nil), eb.handlers[event.Type]...)
	handlers = append(handlers, eb.allHandlers...)
	eb.mu.RUnlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	for _, handler := range handlers {
		handler(event)
	}
}

// PublishSimple publishes an event without additional data.
func (eb *EventBus) PublishSimple(eventType EventType, repo, op string) {
	eb.Publish(Event{
		Type: eventType,
		Repo: repo,
		Op:   op,
	})
}

// PublishWithData publishes an event with associated data.
func (eb *EventBus) PublishWithData(eventType EventType, repo string, data map[string]interface{}) {
	eb.Publish(Event{
		Type: eventType,
		Repo: repo,
		Data: data,
	})
}
