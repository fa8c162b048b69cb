package transport

import "sync"

// queue runs callbacks one at a time on its own goroutine. It is
// unbounded so the socket reader never blocks on a slow handler, which
// may itself be waiting for a reply the reader has to deliver.
type queue struct {
	mu    sync.Mutex
	items []func()
	wake  chan struct{}
	done  chan struct{}
	once  sync.Once
}

func newQueue() *queue {
	return &queue{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

func (q *queue) push(fn func()) {
	q.mu.Lock()
	q.items = append(q.items, fn)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// run drains the queue until stop is called and nothing is left.
func (q *queue) run() {
	for {
		q.mu.Lock()
		items := q.items
		q.items = nil
		q.mu.Unlock()

		for _, fn := range items {
			fn()
		}
		if len(items) > 0 {
			continue
		}

		select {
		case <-q.wake:
		case <-q.done:
			return
		}
	}
}

func (q *queue) stop() {
	q.once.Do(func() { close(q.done) })
}
