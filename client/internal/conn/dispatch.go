package conn

import (
	"sync"

	"github.com/amurg-ai/toolbridge/client/internal/eventbus"
)

// dispatcher publishes events on its own goroutine in the order they were
// queued, so listeners may call back into the Manager.
type dispatcher struct {
	bus *eventbus.Bus

	mu     sync.Mutex
	queue  []func()
	wake   chan struct{}
	closed bool
	done   chan struct{}
}

func newDispatcher(bus *eventbus.Bus) *dispatcher {
	d := &dispatcher{
		bus:  bus,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *dispatcher) push(fn func()) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.queue = append(d.queue, fn)
	d.mu.Unlock()
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *dispatcher) emit(eventType string, data any) {
	d.push(func() { d.bus.Emit(eventType, data) })
}

func (d *dispatcher) clear() {
	d.push(d.bus.Clear)
}

// close stops accepting events and returns once the queue has drained.
func (d *dispatcher) close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	select {
	case d.wake <- struct{}{}:
	default:
	}
	<-d.done
}

func (d *dispatcher) run() {
	defer close(d.done)
	for range d.wake {
		for {
			d.mu.Lock()
			if len(d.queue) == 0 {
				closed := d.closed
				d.mu.Unlock()
				if closed {
					return
				}
				break
			}
			fn := d.queue[0]
			d.queue[0] = nil
			d.queue = d.queue[1:]
			d.mu.Unlock()
			fn()
		}
	}
}
