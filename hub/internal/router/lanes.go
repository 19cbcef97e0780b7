package router

import "sync"

// lanes runs queued work off the read loop, one goroutine per key at a
// time, so chat turns of one session stay ordered while the connection
// keeps reading tool responses.
type lanes struct {
	mu      sync.Mutex
	pending map[string][]func()
	wg      sync.WaitGroup
}

func newLanes() *lanes {
	return &lanes{pending: make(map[string][]func())}
}

// run queues fn behind earlier work for key.
func (l *lanes) run(key string, fn func()) {
	l.mu.Lock()
	queue, busy := l.pending[key]
	l.pending[key] = append(queue, fn)
	l.mu.Unlock()
	if busy {
		return
	}
	l.wg.Add(1)
	go l.drain(key)
}

func (l *lanes) drain(key string) {
	defer l.wg.Done()
	for {
		l.mu.Lock()
		queue := l.pending[key]
		if len(queue) == 0 {
			delete(l.pending, key)
			l.mu.Unlock()
			return
		}
		fn := queue[0]
		l.pending[key] = queue[1:]
		l.mu.Unlock()
		fn()
	}
}

// wait blocks until every queued fn has returned.
func (l *lanes) wait() { l.wg.Wait() }
