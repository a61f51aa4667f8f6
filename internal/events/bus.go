package events

import (
	"sync"
	"time"
)

// Event is an envelope carrying a legacy map-shaped payload, used by
// the bus and by websocket subscribers. EventWithData is used where a
// typed payload round-trips through JSON.
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Module    string                 `json:"module"`
	Data      map[string]interface{} `json:"data"`
}

// Handler receives events for the type(s) it subscribed to.
type Handler func(*Event)

// Bus is an in-process, synchronous publish/subscribe broadcaster.
// Subscribers are expected to do non-blocking work (e.g. a buffered
// channel send) since Emit calls every handler inline on the
// publisher's goroutine.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Handler
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{subscribers: make(map[EventType][]Handler)}
}

// Subscribe registers handler to be invoked for every Emit of typ.
func (b *Bus) Subscribe(typ EventType, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[typ] = append(b.subscribers[typ], handler)
}

// Emit publishes an event to every handler subscribed to typ.
func (b *Bus) Emit(typ EventType, module string, data map[string]interface{}) {
	event := &Event{
		Type:      typ,
		Timestamp: time.Now(),
		Module:    module,
		Data:      data,
	}

	b.mu.RLock()
	handlers := append([]Handler(nil), b.subscribers[typ]...)
	b.mu.RUnlock()

	for _, h := range handlers {
		h(event)
	}
}
