package events

import (
	"github.com/kelindar/event"
)

// Bus wraps kelindar/event dispatcher for lifecycle broadcasting.
// Delivery is asynchronous; a nil *Bus drops everything.
type Bus struct {
	dispatcher *event.Dispatcher
}

// New creates a new event bus
func New() *Bus {
	return &Bus{
		dispatcher: event.NewDispatcher(),
	}
}

// Publish publishes an event to all subscribers
func (b *Bus) Publish(ev Lifecycle) {
	if b == nil {
		return
	}
	event.Publish(b.dispatcher, ev)
}

// Subscribe registers handler for lifecycle events and returns an unsubscribe function.
func (b *Bus) Subscribe(handler func(Lifecycle)) func() {
	if b == nil {
		return func() {}
	}
	return event.Subscribe(b.dispatcher, handler)
}

// Close stops delivery to every subscriber.
func (b *Bus) Close() error {
	if b == nil {
		return nil
	}
	return b.dispatcher.Close()
}
