// Package bus carries gateway-internal events to subscribers (the events
// WebSocket, tests). Broadcast is fire-and-forget: a slow subscriber never
// blocks the buffering core.
package bus

import (
	"sync"
	"time"
)

// Event names published by the gateway.
const (
	EventAlert          = "alert"
	EventBufferCreated  = "buffer_created"
	EventBufferExtended = "buffer_extended"
	EventBatchDispatch  = "batch_dispatched"
	EventBatchFailed    = "batch_failed"
)

// Event is a server-side event broadcast to subscribers.
type Event struct {
	Name    string      `json:"name"`
	Time    time.Time   `json:"time"`
	Payload interface{} `json:"payload,omitempty"`
}

// BufferEventPayload describes a buffer lifecycle transition.
type BufferEventPayload struct {
	Phone     string    `json:"phone"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
	Messages  int       `json:"messages,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// EventHandler handles a broadcast event.
type EventHandler func(Event)

// Publisher abstracts event broadcast + subscription, decoupling the HTTP
// layer and the buffering core from the concrete EventBus.
type Publisher interface {
	Subscribe(id string, handler EventHandler)
	Unsubscribe(id string)
	Broadcast(event Event)
}

// EventBus is a simple in-process pub/sub hub. Safe for concurrent use.
type EventBus struct {
	mu   sync.RWMutex
	subs map[string]EventHandler
}

func New() *EventBus {
	return &EventBus{subs: make(map[string]EventHandler)}
}

func (b *EventBus) Subscribe(id string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[id] = handler
}

func (b *EventBus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}

// Broadcast delivers the event to all subscribers. Handlers run on the
// caller's goroutine and must not block.
func (b *EventBus) Broadcast(event Event) {
	if event.Time.IsZero() {
		event.Time = time.Now()
	}

	b.mu.RLock()
	handlers := make([]EventHandler, 0, len(b.subs))
	for _, h := range b.subs {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(event)
	}
}
