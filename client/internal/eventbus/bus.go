// Package eventbus fans client events out to callback listeners and
// channel subscribers.
package eventbus

import (
	"sync"
	"time"
)

// Event is a single message on the bus. Data holds the typed payload, for
// example protocol.ConnectionStatusChanged or a decoded *protocol.Message.
type Event struct {
	Type      string
	Timestamp time.Time
	Data      any
}

// Listener handles one event. It runs on the publisher's goroutine.
type Listener func(Event)

// AllEvents registers a listener for every event type.
const AllEvents = "*"

type listener struct {
	id int
	fn Listener
}

// Bus is a fan-out event bus. Channel subscribers never block a publisher:
// a full buffer drops the event for that subscriber.
type Bus struct {
	mu        sync.RWMutex
	subs      map[chan Event]map[string]bool // channel → set of subscribed event types (nil = all)
	listeners map[string][]listener
	nextID    int
}

// New creates a new event bus.
func New() *Bus {
	return &Bus{
		subs:      make(map[chan Event]map[string]bool),
		listeners: make(map[string][]listener),
	}
}

// On registers fn for eventType (or AllEvents) and returns a func that
// removes exactly this registration.
func (b *Bus) On(eventType string, fn Listener) (off func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.listeners[eventType] = append(b.listeners[eventType], listener{id: id, fn: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(eventType, id) })
	}
}

func (b *Bus) remove(eventType string, id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ls := b.listeners[eventType]
	for i, l := range ls {
		if l.id == id {
			b.listeners[eventType] = append(ls[:i:i], ls[i+1:]...)
			break
		}
	}
	if len(b.listeners[eventType]) == 0 {
		delete(b.listeners, eventType)
	}
}

// Off removes every listener registered for eventType.
func (b *Bus) Off(eventType string) {
	b.mu.Lock()
	delete(b.listeners, eventType)
	b.mu.Unlock()
}

// ListenerCount reports how many callback listeners are registered.
func (b *Bus) ListenerCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, ls := range b.listeners {
		n += len(ls)
	}
	return n
}

// Subscribe returns a channel that receives events matching the given types.
// If no types are given, all events are received. The channel is buffered (64).
func (b *Bus) Subscribe(types ...string) chan Event {
	ch := make(chan Event, 64)
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(types) == 0 {
		b.subs[ch] = nil
	} else {
		filter := make(map[string]bool, len(types))
		for _, t := range types {
			filter[t] = true
		}
		b.subs[ch] = filter
	}
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
}

// Publish delivers e to matching channel subscribers, then calls matching
// listeners outside the lock so a listener may register or remove others.
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	b.mu.RLock()
	for ch, filter := range b.subs {
		if filter != nil && !filter[e.Type] {
			continue
		}
		select {
		case ch <- e:
		default:
		}
	}
	fns := make([]Listener, 0, len(b.listeners[e.Type])+len(b.listeners[AllEvents]))
	for _, l := range b.listeners[e.Type] {
		fns = append(fns, l.fn)
	}
	for _, l := range b.listeners[AllEvents] {
		fns = append(fns, l.fn)
	}
	b.mu.RUnlock()

	for _, fn := range fns {
		fn(e)
	}
}

// Emit publishes an event with the given type and data.
func (b *Bus) Emit(eventType string, data any) {
	b.Publish(Event{Type: eventType, Timestamp: time.Now(), Data: data})
}

// Clear drops every listener and closes every subscriber channel.
func (b *Bus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		close(ch)
		delete(b.subs, ch)
	}
	clear(b.listeners)
}
