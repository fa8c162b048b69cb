// Package app owns the realtime state of one signed-in user: presence on
// the well-known channels, the chat sessions and their message store,
// and the unread counter. Its lifetime follows the auth session.
package app

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/markb/tasklive/internal/auth"
	"github.com/markb/tasklive/internal/chat"
	"github.com/markb/tasklive/internal/log"
	"github.com/markb/tasklive/internal/presence"
	"github.com/markb/tasklive/internal/transport"
	"github.com/markb/tasklive/internal/unread"
)

// ErrSignedOut is returned by room operations without a session.
var ErrSignedOut = errors.New("app: not signed in")

// Config tunes an App.
type Config struct {
	Presence presence.Config
	Chat     chat.Config
	// SimpleChannel also tracks the user on presence.SimpleChannel.
	SimpleChannel bool
	// WatchPeers keeps a background session on the direct-message room
	// of every online user, so unread counts grow without the room being
	// open. The session is released when the peer goes offline.
	WatchPeers bool
}

// DefaultConfig returns the production settings.
func DefaultConfig() Config {
	return Config{
		Presence:   presence.DefaultConfig(),
		Chat:       chat.DefaultConfig(),
		WatchPeers: true,
	}
}

// App is the root of the realtime layer.
type App struct {
	auth      auth.Provider
	transport transport.Transport
	cfg       Config
	presence  *presence.Manager
	unread    *unread.Counter
	store     *chat.Store
	visible   atomic.Bool

	// lifecycle serializes sign-in and sign-out handling.
	lifecycle sync.Mutex

	mu       sync.Mutex
	session  auth.Session
	signedIn bool
	registry *chat.Registry
	open     map[string]int
	watched  map[string]bool
	closed   bool

	stopAuth     func()
	stopPresence func()
}

// New creates an App. Call Start to follow the auth session.
func New(provider auth.Provider, t transport.Transport, cfg Config) *App {
	a := &App{
		auth:      provider,
		transport: t,
		cfg:       cfg,
		presence:  presence.NewManager(t, cfg.Presence),
		unread:    unread.NewCounter(),
		store:     chat.NewStore(),
		open:      make(map[string]int),
		watched:   make(map[string]bool),
	}
	a.visible.Store(true)
	return a
}

// Start applies the current session and follows later changes.
func (a *App) Start() {
	a.stopAuth = a.auth.Subscribe(a.onAuth)
	a.stopPresence = a.presence.Subscribe(presence.GlobalChannel, a.watchPeers)
	session, ok := a.auth.Current()
	a.onAuth(session, ok)
}

func (a *App) onAuth(session auth.Session, signedIn bool) {
	a.lifecycle.Lock()
	defer a.lifecycle.Unlock()

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	prev, wasSignedIn := a.session, a.signedIn
	a.mu.Unlock()

	// A refreshed token for the same identity changes nothing on the wire.
	if wasSignedIn && signedIn && prev.UserID == session.UserID &&
		prev.DisplayName() == session.DisplayName() {
		a.mu.Lock()
		a.session = session
		a.mu.Unlock()
		return
	}

	if wasSignedIn {
		a.teardown()
		log.Info("app: signed out", "user_id", prev.UserID)
	}
	if !signedIn {
		return
	}

	registry := chat.NewRegistry(a.transport, session.DisplayName(), chat.Deps{
		Store:      a.store,
		Unread:     roomUnread{a},
		Visibility: a,
	}, a.cfg.Chat)

	a.mu.Lock()
	a.session = session
	a.signedIn = true
	a.registry = registry
	a.mu.Unlock()

	log.Info("app: signed in", "user_id", session.UserID, "username", session.DisplayName())
	a.connectPresence(session)
}

func (a *App) connectPresence(session auth.Session) {
	meta := presence.Meta{Username: session.DisplayName()}
	a.presence.Connect(presence.GlobalChannel, session.UserID, meta)
	if a.cfg.SimpleChannel {
		a.presence.Connect(presence.SimpleChannel, session.UserID, meta)
	}
}

// teardown drops everything tied to the previous session.
func (a *App) teardown() {
	a.mu.Lock()
	registry := a.registry
	a.registry = nil
	a.session = auth.Session{}
	a.signedIn = false
	a.open = make(map[string]int)
	a.watched = make(map[string]bool)
	a.mu.Unlock()

	a.presence.Disconnect(presence.GlobalChannel)
	a.presence.Disconnect(presence.SimpleChannel)
	if registry != nil {
		registry.Close()
	}
	a.store.Clear()
	for room := range a.unread.Rooms() {
		a.unread.Reset(room)
	}
}

// watchPeers keeps a background session on the direct room of every
// online user and releases the rooms of users who left.
func (a *App) watchPeers(users []presence.User) {
	if !a.cfg.WatchPeers {
		return
	}
	a.mu.Lock()
	registry, self := a.registry, a.session.UserID
	var acquire, release []string
	if registry != nil {
		online := make(map[string]bool, len(users))
		for _, u := range users {
			if u.ID == self {
				continue
			}
			room := chat.RoomName(self, u.ID)
			online[room] = true
			if !a.watched[room] {
				a.watched[room] = true
				acquire = append(acquire, room)
			}
		}
		for room := range a.watched {
			if !online[room] {
				delete(a.watched, room)
				release = append(release, room)
			}
		}
	}
	a.mu.Unlock()

	for _, room := range acquire {
		registry.Acquire(room)
		log.Debug("app: watching room", "room", room)
	}
	for _, room := range release {
		registry.Release(room)
		log.Debug("app: stopped watching room", "room", room)
	}
}

// Visible implements chat.Visibility.
func (a *App) Visible() bool {
	return a.visible.Load()
}

// SetVisible records whether the user is looking at the application.
// Coming back refreshes presence, acknowledges what arrived in open
// rooms and clears their unread counts.
func (a *App) SetVisible(ctx context.Context, visible bool) {
	was := a.visible.Swap(visible)
	if !visible || was {
		return
	}

	a.mu.Lock()
	registry := a.registry
	signedIn := a.signedIn
	rooms := make([]string, 0, len(a.open))
	for room := range a.open {
		rooms = append(rooms, room)
	}
	a.mu.Unlock()
	if !signedIn {
		return
	}

	a.presence.Retrack(presence.GlobalChannel)
	if a.cfg.SimpleChannel {
		a.presence.Retrack(presence.SimpleChannel)
	}
	for _, room := range rooms {
		if s, ok := registry.Get(room); ok {
			s.MarkSeen(ctx)
		}
		a.unread.Reset(room)
	}
}

// OpenRoom marks room as on screen and returns its session. Its unread
// count is cleared while it stays open and visible.
func (a *App) OpenRoom(room string) (*chat.Session, error) {
	a.mu.Lock()
	registry := a.registry
	if registry == nil {
		a.mu.Unlock()
		return nil, ErrSignedOut
	}
	a.open[room]++
	a.mu.Unlock()

	s := registry.Acquire(room)
	if s == nil {
		return nil, ErrSignedOut
	}
	if a.Visible() {
		a.unread.Reset(room)
	}
	return s, nil
}

// OpenDirect opens the direct-message room with peerID.
func (a *App) OpenDirect(peerID string) (*chat.Session, error) {
	session, ok := a.Session()
	if !ok {
		return nil, ErrSignedOut
	}
	return a.OpenRoom(chat.RoomName(session.UserID, peerID))
}

// CloseRoom undoes one OpenRoom.
func (a *App) CloseRoom(room string) {
	a.mu.Lock()
	registry := a.registry
	if a.open[room] <= 1 {
		delete(a.open, room)
	} else {
		a.open[room]--
	}
	a.mu.Unlock()

	if registry != nil {
		registry.Release(room)
	}
}

func (a *App) viewing(room string) bool {
	if !a.Visible() {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.open[room] > 0
}

// Session returns the signed-in session.
func (a *App) Session() (auth.Session, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.session, a.signedIn
}

// Presence returns the presence tracker.
func (a *App) Presence() presence.Tracker {
	return a.presence
}

// Unread returns the unread counter.
func (a *App) Unread() *unread.Counter {
	return a.unread
}

// Close stops following auth and tears everything down.
func (a *App) Close() {
	a.lifecycle.Lock()
	defer a.lifecycle.Unlock()

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	signedIn := a.signedIn
	a.mu.Unlock()

	if a.stopAuth != nil {
		a.stopAuth()
	}
	if a.stopPresence != nil {
		a.stopPresence()
	}
	if signedIn {
		a.teardown()
	}
	a.presence.Close()
}

// roomUnread counts incoming messages, except in a room the user is
// looking at.
type roomUnread struct {
	app *App
}

func (u roomUnread) Increment(room string) {
	if u.app.viewing(room) {
		return
	}
	u.app.unread.Increment(room)
}
