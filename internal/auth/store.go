package auth

import (
	"sort"
	"sync"
)

// Provider exposes the current session and its changes.
type Provider interface {
	// Current returns the signed-in session, or false when signed out.
	Current() (Session, bool)
	// Subscribe calls fn after every sign-in and sign-out.
	Subscribe(fn func(Session, bool)) (unsubscribe func())
}

var _ Provider = (*Store)(nil)

// Store is an in-memory Provider.
type Store struct {
	mu        sync.Mutex
	session   Session
	signedIn  bool
	listeners map[int]func(Session, bool)
	nextID    int
}

// NewStore creates a signed-out store.
func NewStore() *Store {
	return &Store{listeners: make(map[int]func(Session, bool))}
}

func (s *Store) Current() (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session, s.signedIn
}

// SignIn replaces the current session.
func (s *Store) SignIn(session Session) {
	s.mu.Lock()
	s.session = session
	s.signedIn = session.UserID != ""
	signedIn := s.signedIn
	fns := s.listenersLocked()
	s.mu.Unlock()

	for _, fn := range fns {
		fn(session, signedIn)
	}
}

// SignOut clears the session. Listeners are told only if someone was
// signed in.
func (s *Store) SignOut() {
	s.mu.Lock()
	if !s.signedIn {
		s.mu.Unlock()
		return
	}
	s.session = Session{}
	s.signedIn = false
	fns := s.listenersLocked()
	s.mu.Unlock()

	for _, fn := range fns {
		fn(Session{}, false)
	}
}

func (s *Store) Subscribe(fn func(Session, bool)) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

func (s *Store) listenersLocked() []func(Session, bool) {
	ids := make([]int, 0, len(s.listeners))
	for id := range s.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(Session, bool), len(ids))
	for i, id := range ids {
		fns[i] = s.listeners[id]
	}
	return fns
}
