package events

import (
	"sync"
)

// Handler handles a published session event.
type Handler func(SessionEvent)

// Dispatcher allows session event publication and subscription.
type Dispatcher interface {
	Publish(event SessionEvent)
	Subscribe(handler Handler) (unsubscribe func())
}

// inMemoryDispatcher is a simple synchronous dispatcher.
type inMemoryDispatcher struct {
	mu        sync.RWMutex
	nextID    uint64
	listeners map[uint64]Handler
}

// NewInMemoryDispatcher creates a dispatcher instance.
func NewInMemoryDispatcher() Dispatcher {
	return &inMemoryDispatcher{
		listeners: make(map[uint64]Handler),
	}
}

// Publish synchronously invokes every handler registered at publication time.
func (d *inMemoryDispatcher) Publish(event SessionEvent) {
	d.mu.RLock()
	handlers := make([]Handler, 0, len(d.listeners))
	for _, h := range d.listeners {
		handlers = append(handlers, h)
	}
	d.mu.RUnlock()

	for _, handler := range handlers {
		handler(event)
	}
}

// Subscribe registers a handler and returns an idempotent unsubscribe func.
func (d *inMemoryDispatcher) Subscribe(handler Handler) func() {
	d.mu.Lock()
	id := d.nextID
	d.nextID++
	d.listeners[id] = handler
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			delete(d.listeners, id)
			d.mu.Unlock()
		})
	}
}
