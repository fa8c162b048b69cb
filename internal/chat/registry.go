package chat

import (
	"sort"
	"sync"

	"github.com/markb/tasklive/internal/transport"
)

// Registry hands out one shared Session per room so every consumer of a
// room sees the same optimistic state.
type Registry struct {
	transport transport.Transport
	username  string
	deps      Deps
	cfg       Config

	mu       sync.Mutex
	sessions map[string]*registered
	closed   bool
}

type registered struct {
	session *Session
	refs    int
}

// NewRegistry creates a registry for the local user. deps.Store is
// shared by every session it creates.
func NewRegistry(t transport.Transport, username string, deps Deps, cfg Config) *Registry {
	if deps.Store == nil {
		deps.Store = NewStore()
	}
	return &Registry{
		transport: t,
		username:  username,
		deps:      deps,
		cfg:       cfg,
		sessions:  make(map[string]*registered),
	}
}

// Acquire returns room's session, creating it on first use, and makes
// sure it is connected. Every Acquire needs a matching Release. It
// returns nil once the registry is closed.
func (r *Registry) Acquire(room string) *Session {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	reg, ok := r.sessions[room]
	if !ok {
		reg = &registered{session: NewSession(room, r.username, r.transport, r.deps, r.cfg)}
		r.sessions[room] = reg
	}
	reg.refs++
	s := reg.session
	r.mu.Unlock()

	s.Connect()
	return s
}

// Release drops one reference to room's session and closes it when the
// last one is gone.
func (r *Registry) Release(room string) {
	r.mu.Lock()
	reg, ok := r.sessions[room]
	if !ok {
		r.mu.Unlock()
		return
	}
	reg.refs--
	if reg.refs > 0 {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, room)
	r.mu.Unlock()

	reg.session.Close()
}

// Get returns room's session if one is held.
func (r *Registry) Get(room string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.sessions[room]
	if !ok {
		return nil, false
	}
	return reg.session, true
}

// Rooms lists rooms with a live session, sorted.
func (r *Registry) Rooms() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	rooms := make([]string, 0, len(r.sessions))
	for room := range r.sessions {
		rooms = append(rooms, room)
	}
	sort.Strings(rooms)
	return rooms
}

// Store returns the store shared by the registry's sessions.
func (r *Registry) Store() *Store {
	return r.deps.Store
}

// Close closes every session regardless of references.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	sessions := r.sessions
	r.sessions = make(map[string]*registered)
	r.mu.Unlock()

	for _, reg := range sessions {
		reg.session.Close()
	}
}
