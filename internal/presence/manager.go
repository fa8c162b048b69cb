// Package presence tracks who is online on named presence channels.
//
// A Manager owns at most one channel handle per name. Each handle tracks
// the local user once the channel is joined and feeds every presence
// event into a Reconciler, whose user list consumers read through
// Users and Subscribe.
package presence

import (
	"context"
	"sync"
	"time"

	"github.com/markb/tasklive/internal/log"
	"github.com/markb/tasklive/internal/transport"
)

// Well-known channel names.
const (
	GlobalChannel = "global-presence"
	SimpleChannel = "online-users"
)

// Meta is the display metadata tracked with the local user.
type Meta struct {
	Username string
}

// Tracker is what presence consumers depend on.
type Tracker interface {
	Connect(channelName, localUserID string, meta Meta)
	Disconnect(channelName string)
	Retrack(channelName string)
	Connected(channelName string) bool
	Users(channelName string) []User
	Subscribe(channelName string, fn func([]User)) (unsubscribe func())
	Close()
}

var _ Tracker = (*Manager)(nil)

// Config tunes a Manager.
type Config struct {
	// CoalesceDelay is the reconciler's quiet period.
	CoalesceDelay time.Duration
	// TrackTimeout bounds each track call.
	TrackTimeout time.Duration
}

// DefaultConfig returns the production settings.
func DefaultConfig() Config {
	return Config{
		CoalesceDelay: DefaultCoalesceDelay,
		TrackTimeout:  10 * time.Second,
	}
}

// Manager owns presence channel handles.
type Manager struct {
	transport transport.Transport
	cfg       Config

	// lifecycle serializes close-before-open so two Connects for one
	// name never leave two joined handles.
	lifecycle sync.Mutex

	mu        sync.Mutex
	handles   map[string]*handle
	listeners map[string]map[int]func([]User)
	nextID    int
}

// NewManager creates a manager opening channels on t.
func NewManager(t transport.Transport, cfg Config) *Manager {
	return &Manager{
		transport: t,
		cfg:       cfg,
		handles:   make(map[string]*handle),
		listeners: make(map[string]map[int]func([]User)),
	}
}

// handle is one subscription to a presence channel.
type handle struct {
	name   string
	userID string
	meta   Meta
	ch     transport.Channel
	rec    *Reconciler

	mu         sync.Mutex
	subscribed bool
	closed     bool
}

// Connect opens channelName and tracks localUserID on it once joined.
// A live handle for the same name is closed first. Without a user id
// presence stays off.
func (m *Manager) Connect(channelName, localUserID string, meta Meta) {
	if localUserID == "" {
		log.Warn("presence: connect skipped, no user id", "channel", channelName)
		return
	}

	h := &handle{
		name:   channelName,
		userID: localUserID,
		meta:   meta,
		ch:     m.transport.Channel(channelName, transport.Options{PresenceKey: localUserID}),
		rec:    NewReconciler(m.cfg.CoalesceDelay),
	}
	h.rec.Subscribe(func(users []User) { m.publish(h, users) })
	for _, ev := range []transport.PresenceEvent{transport.PresenceSync, transport.PresenceJoin, transport.PresenceLeave} {
		h.ch.OnPresence(ev, func(s transport.Snapshot) {
			if h.isClosed() {
				return
			}
			h.rec.Update(s)
		})
	}

	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	m.mu.Lock()
	old := m.handles[channelName]
	m.handles[channelName] = h
	var fns []func([]User)
	if old != nil {
		fns = m.listenersLocked(channelName)
	}
	m.mu.Unlock()

	if old != nil {
		log.Debug("presence: replacing live channel", "channel", channelName)
		old.close()
		// The new reconciler starts empty and only publishes changes.
		for _, fn := range fns {
			fn([]User{})
		}
	}

	h.ch.Subscribe(func(status transport.Status, err error) {
		m.onStatus(h, status, err)
	})
}

func (m *Manager) onStatus(h *handle, status transport.Status, err error) {
	if h.isClosed() {
		return
	}
	switch status {
	case transport.StatusSubscribed:
		h.mu.Lock()
		h.subscribed = true
		h.mu.Unlock()
		log.Debug("presence: subscribed", "channel", h.name, "user_id", h.userID)
		m.track(h)
	default:
		h.mu.Lock()
		h.subscribed = false
		h.mu.Unlock()
		args := []any{"channel", h.name, "status", string(status)}
		if err != nil {
			args = append(args, "error", err.Error())
		}
		log.Warn("presence: channel not subscribed", args...)
	}
}

// track sends the local user's presence payload. Failures are logged.
func (m *Manager) track(h *handle) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.TrackTimeout)
	defer cancel()

	payload := map[string]any{
		"user_id":   h.userID,
		"username":  h.meta.Username,
		"online_at": time.Now().UTC().Format(time.RFC3339),
	}
	if err := h.ch.Track(ctx, payload); err != nil {
		log.Error("presence: track failed", "channel", h.name, "user_id", h.userID, "error", err.Error())
	}
}

// Disconnect unsubscribes channelName. Listeners see an empty list.
func (m *Manager) Disconnect(channelName string) {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	m.mu.Lock()
	h := m.handles[channelName]
	delete(m.handles, channelName)
	fns := m.listenersLocked(channelName)
	m.mu.Unlock()

	if h == nil {
		return
	}
	h.close()
	for _, fn := range fns {
		fn([]User{})
	}
}

// Retrack refreshes the local user's presence on the existing channel.
func (m *Manager) Retrack(channelName string) {
	m.mu.Lock()
	h := m.handles[channelName]
	m.mu.Unlock()

	if h == nil || !h.isSubscribed() {
		log.Debug("presence: retrack skipped, channel not subscribed", "channel", channelName)
		return
	}
	m.track(h)
}

// Connected reports whether channelName is currently joined.
func (m *Manager) Connected(channelName string) bool {
	m.mu.Lock()
	h := m.handles[channelName]
	m.mu.Unlock()
	return h != nil && h.isSubscribed()
}

// Users returns the reconciled online list of channelName.
func (m *Manager) Users(channelName string) []User {
	m.mu.Lock()
	h := m.handles[channelName]
	m.mu.Unlock()
	if h == nil {
		return []User{}
	}
	return h.rec.Users()
}

// Subscribe calls fn with channelName's user list whenever it changes.
// The subscription outlives reconnects of the channel.
func (m *Manager) Subscribe(channelName string, fn func([]User)) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	if m.listeners[channelName] == nil {
		m.listeners[channelName] = make(map[int]func([]User))
	}
	m.listeners[channelName][id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.listeners[channelName], id)
		m.mu.Unlock()
	}
}

// Close disconnects every channel.
func (m *Manager) Close() {
	m.mu.Lock()
	names := make([]string, 0, len(m.handles))
	for name := range m.handles {
		names = append(names, name)
	}
	m.mu.Unlock()

	for _, name := range names {
		m.Disconnect(name)
	}
}

func (m *Manager) publish(h *handle, users []User) {
	m.mu.Lock()
	if m.handles[h.name] != h {
		m.mu.Unlock()
		return
	}
	fns := m.listenersLocked(h.name)
	m.mu.Unlock()

	for _, fn := range fns {
		fn(users)
	}
}

func (m *Manager) listenersLocked(name string) []func([]User) {
	fns := make([]func([]User), 0, len(m.listeners[name]))
	for _, fn := range m.listeners[name] {
		fns = append(fns, fn)
	}
	return fns
}

func (h *handle) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

func (h *handle) isSubscribed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.subscribed && !h.closed
}

func (h *handle) close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	h.subscribed = false
	h.mu.Unlock()

	h.rec.Stop()
	if err := h.ch.Unsubscribe(); err != nil {
		log.Warn("presence: unsubscribe failed", "channel", h.name, "error", err.Error())
	}
}
