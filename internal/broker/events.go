package broker

import "sync"

// EventHandler observes a broker lifecycle event. ctx carries whatever
// string-valued context the emitting call site has on hand (channel, key,
// stream path); it is not typed more strictly since different events carry
// different fields.
type EventHandler func(sessionID uint64, ctx map[string]string)

// eventBus is the broker's named lifecycle hook registry: preConnect,
// postConnect, doneConnect, prePublish, postPublish, donePublish, prePlay,
// postPlay, donePlay. Handlers run synchronously, in registration order, on
// the emitting goroutine (almost always a session's own read loop).
type eventBus struct {
	mu       sync.Mutex
	handlers map[string][]EventHandler
}

// On registers handler to run every time event fires, returning a function
// that unregisters it.
func (b *Broker) On(event string, handler EventHandler) (unsubscribe func()) {
	b.events.mu.Lock()
	defer b.events.mu.Unlock()

	if b.events.handlers == nil {
		b.events.handlers = make(map[string][]EventHandler)
	}
	b.events.handlers[event] = append(b.events.handlers[event], handler)
	idx := len(b.events.handlers[event]) - 1

	return func() {
		b.events.mu.Lock()
		defer b.events.mu.Unlock()
		handlers := b.events.handlers[event]
		if idx < len(handlers) {
			handlers[idx] = nil
		}
	}
}

// Emit fires every handler registered for event, in registration order.
func (b *Broker) Emit(event string, sessionID uint64, ctx map[string]string) {
	b.events.mu.Lock()
	handlers := append([]EventHandler(nil), b.events.handlers[event]...)
	b.events.mu.Unlock()

	for _, h := range handlers {
		if h != nil {
			h(sessionID, ctx)
		}
	}
}
