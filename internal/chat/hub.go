package chat

import (
	"sync"

	"github.com/Deepak-Melkani/soulara-realtime/pkg/protocol"
)

// Handler consumes one realtime frame.
type Handler func(protocol.Frame)

// Subscription is returned by every registration. Unsubscribe may be
// called any number of times.
type Subscription struct {
	once   sync.Once
	cancel func()
}

// NewSubscription returns a Subscription that runs cancel once.
func NewSubscription(cancel func()) *Subscription {
	return &Subscription{cancel: cancel}
}

// Unsubscribe removes the registration.
func (s *Subscription) Unsubscribe() {
	if s == nil || s.cancel == nil {
		return
	}
	s.once.Do(s.cancel)
}

type entry struct {
	id      uint64
	handler Handler
}

// Hub routes frames to the handlers registered for their event.
// Handlers for one event run in registration order.
type Hub struct {
	handlers map[protocol.Event][]entry
	nextID   uint64
	mu       sync.RWMutex
}

// NewHub creates a new Hub.
func NewHub() *Hub {
	return &Hub{
		handlers: make(map[protocol.Event][]entry),
	}
}

// Register adds a handler for event.
func (h *Hub) Register(event protocol.Event, handler Handler) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	id := h.nextID
	h.handlers[event] = append(h.handlers[event], entry{id: id, handler: handler})
	return NewSubscription(func() { h.unregister(event, id) })
}

// unregister removes a handler from the hub.
func (h *Hub) unregister(event protocol.Event, id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	list := h.handlers[event]
	for i, e := range list {
		if e.id == id {
			h.handlers[event] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(h.handlers[event]) == 0 {
		delete(h.handlers, event)
	}
}

// Dispatch calls every handler registered for f.Event. Handlers may
// register or unregister while being dispatched.
func (h *Hub) Dispatch(f protocol.Frame) {
	h.mu.RLock()
	list := h.handlers[f.Event]
	snapshot := make([]Handler, len(list))
	for i, e := range list {
		snapshot[i] = e.handler
	}
	h.mu.RUnlock()

	for _, handler := range snapshot {
		handler(f)
	}
}

// HandlerCount returns number of handlers registered for event.
func (h *Hub) HandlerCount(event protocol.Event) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.handlers[event])
}
