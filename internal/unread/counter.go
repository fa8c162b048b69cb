// Package unread counts chat messages received per room while the room
// is not being looked at.
package unread

import (
	"sort"
	"sync"
)

// Counter maps room name to a positive unread count. A room with no
// unread messages has no entry.
type Counter struct {
	mu        sync.Mutex
	counts    map[string]int
	listeners map[int]func(total int)
	nextID    int
}

// NewCounter creates an empty counter.
func NewCounter() *Counter {
	return &Counter{
		counts:    make(map[string]int),
		listeners: make(map[int]func(int)),
	}
}

// Increment adds one to room's count.
func (c *Counter) Increment(room string) {
	c.mu.Lock()
	c.counts[room]++
	total := c.totalLocked()
	fns := c.listenersLocked()
	c.mu.Unlock()

	notify(fns, total)
}

// Reset drops room's entry. Resetting a room without unread messages
// changes nothing and notifies nobody.
func (c *Counter) Reset(room string) {
	c.mu.Lock()
	if _, ok := c.counts[room]; !ok {
		c.mu.Unlock()
		return
	}
	delete(c.counts, room)
	total := c.totalLocked()
	fns := c.listenersLocked()
	c.mu.Unlock()

	notify(fns, total)
}

// Count returns room's unread count.
func (c *Counter) Count(room string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[room]
}

// Total returns the sum across rooms.
func (c *Counter) Total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totalLocked()
}

// Rooms returns a copy of the per-room counts.
func (c *Counter) Rooms() map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int, len(c.counts))
	for room, n := range c.counts {
		out[room] = n
	}
	return out
}

// Subscribe calls fn with the new total whenever a count changes. The
// returned function removes the listener.
func (c *Counter) Subscribe(fn func(total int)) (unsubscribe func()) {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

func (c *Counter) totalLocked() int {
	total := 0
	for _, n := range c.counts {
		total += n
	}
	return total
}

// listenersLocked returns listeners in subscription order.
func (c *Counter) listenersLocked() []func(int) {
	ids := make([]int, 0, len(c.listeners))
	for id := range c.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(int), len(ids))
	for i, id := range ids {
		fns[i] = c.listeners[id]
	}
	return fns
}

func notify(fns []func(int), total int) {
	for _, fn := range fns {
		fn(total)
	}
}
