package transport

import (
	"encoding/json"
	"sync"
)

// handlers holds a channel's registered callbacks. Emitting copies the
// callback list under the lock and calls it without the lock held.
type handlers struct {
	mu        sync.Mutex
	presence  map[PresenceEvent][]func(Snapshot)
	broadcast map[string][]func(json.RawMessage)
	status    func(Status, error)
	closed    bool
}

func (h *handlers) onPresence(event PresenceEvent, fn func(Snapshot)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.presence == nil {
		h.presence = make(map[PresenceEvent][]func(Snapshot))
	}
	h.presence[event] = append(h.presence[event], fn)
}

func (h *handlers) onBroadcast(event string, fn func(json.RawMessage)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.broadcast == nil {
		h.broadcast = make(map[string][]func(json.RawMessage))
	}
	h.broadcast[event] = append(h.broadcast[event], fn)
}

func (h *handlers) setStatus(fn func(Status, error)) {
	h.mu.Lock()
	h.status = fn
	h.mu.Unlock()
}

// close stops all further callbacks.
func (h *handlers) close() {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
}

func (h *handlers) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

func (h *handlers) emitPresence(event PresenceEvent, snapshot Snapshot) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	fns := append([]func(Snapshot){}, h.presence[event]...)
	h.mu.Unlock()

	for _, fn := range fns {
		fn(snapshot)
	}
}

func (h *handlers) emitBroadcast(event string, payload json.RawMessage) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	fns := append([]func(json.RawMessage){}, h.broadcast[event]...)
	h.mu.Unlock()

	for _, fn := range fns {
		fn(payload)
	}
}

func (h *handlers) emitStatus(status Status, err error) {
	h.mu.Lock()
	if h.closed || h.status == nil {
		h.mu.Unlock()
		return
	}
	fn := h.status
	h.mu.Unlock()

	fn(status, err)
}

// emitPresenceChange reports a presence change the way the hosted SDK
// does: join and leave as they apply, then sync.
func (h *handlers) emitPresenceChange(snapshot Snapshot, joined, left bool) {
	if joined {
		h.emitPresence(PresenceJoin, snapshot)
	}
	if left {
		h.emitPresence(PresenceLeave, snapshot)
	}
	h.emitPresence(PresenceSync, snapshot)
}
