// Package chat implements per-room chat over broadcast channels:
// optimistic sends tracked through sending, sent and seen, typing
// announcements, and de-duplication of incoming messages.
package chat

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/markb/tasklive/internal/log"
	"github.com/markb/tasklive/internal/transport"
)

// State is the lifecycle of a room's channel.
type State int

const (
	Unsubscribed State = iota
	Subscribing
	Subscribed
)

func (s State) String() string {
	switch s {
	case Subscribing:
		return "subscribing"
	case Subscribed:
		return "subscribed"
	}
	return "unsubscribed"
}

// Visibility reports whether the user is looking at the application.
// Incoming messages are acknowledged as seen only while visible.
type Visibility interface {
	Visible() bool
}

// VisibilityFunc adapts a function to Visibility.
type VisibilityFunc func() bool

func (f VisibilityFunc) Visible() bool { return f() }

// Unread receives one Increment per accepted incoming message.
type Unread interface {
	Increment(room string)
}

// Config tunes a Session.
type Config struct {
	TypingTimeout time.Duration
	// SendTimeout bounds sends the session makes on its own: seen
	// acknowledgements and typing announcements.
	SendTimeout time.Duration
}

// DefaultConfig returns the production settings.
func DefaultConfig() Config {
	return Config{
		TypingTimeout: DefaultTypingTimeout,
		SendTimeout:   10 * time.Second,
	}
}

// Deps are a session's collaborators. Store defaults to a private
// store, Unread to none and Visibility to always visible.
type Deps struct {
	Store      *Store
	Unread     Unread
	Visibility Visibility
}

// UpdateKind says what changed in a session.
type UpdateKind int

const (
	UpdateMessage UpdateKind = iota // a message was added to the log
	UpdateStatus                    // a logged message changed status
	UpdateTyping                    // the typing set changed
	UpdateState                     // the channel state changed
)

// Update is passed to session listeners.
type Update struct {
	Kind    UpdateKind
	Message Message
	Typing  []string
	State   State
}

// Session is the chat protocol for one room and one local user.
type Session struct {
	room      string
	username  string
	transport transport.Transport
	store     *Store
	unread    Unread
	visible   Visibility
	cfg       Config
	typist    *Typist

	mu        sync.Mutex
	state     State
	ch        transport.Channel
	typing    map[string]bool
	acked     map[string]bool
	closed    bool
	listeners map[int]func(Update)
	nextID    int
}

// NewSession creates a session for room. Call Connect to join it.
func NewSession(room, username string, t transport.Transport, deps Deps, cfg Config) *Session {
	if deps.Store == nil {
		deps.Store = NewStore()
	}
	if deps.Visibility == nil {
		deps.Visibility = VisibilityFunc(func() bool { return true })
	}
	s := &Session{
		room:      room,
		username:  username,
		transport: t,
		store:     deps.Store,
		unread:    deps.Unread,
		visible:   deps.Visibility,
		cfg:       cfg,
		typing:    make(map[string]bool),
		acked:     make(map[string]bool),
		listeners: make(map[int]func(Update)),
	}
	s.typist = NewTypist(cfg.TypingTimeout, s.announceTyping)
	return s
}

func (s *Session) Room() string     { return s.room }
func (s *Session) Username() string { return s.username }

// Connect joins the room's channel. It does nothing while a channel is
// joined or joining, so calling it again only revives a dropped one.
func (s *Session) Connect() {
	s.mu.Lock()
	if s.closed || s.state != Unsubscribed {
		s.mu.Unlock()
		return
	}
	ch := s.transport.Channel(s.room, transport.Options{})
	s.ch = ch
	s.state = Subscribing
	s.mu.Unlock()

	s.notify(Update{Kind: UpdateState, State: Subscribing})

	for _, name := range []string{EventMessage, EventTyping, EventStatus} {
		ch.OnBroadcast(name, func(raw json.RawMessage) { s.handle(ch, name, raw) })
	}
	ch.Subscribe(func(status transport.Status, err error) { s.onStatus(ch, status, err) })
}

func (s *Session) onStatus(ch transport.Channel, status transport.Status, err error) {
	s.mu.Lock()
	if s.closed || s.ch != ch {
		s.mu.Unlock()
		return
	}
	prev := s.state
	if status == transport.StatusSubscribed {
		s.state = Subscribed
	} else {
		s.state = Unsubscribed
		s.ch = nil
		s.typing = make(map[string]bool)
	}
	state := s.state
	s.mu.Unlock()

	if status == transport.StatusSubscribed {
		log.Debug("chat: subscribed", "room", s.room, "user", s.username)
	} else {
		args := []any{"room", s.room, "status", string(status)}
		if err != nil {
			args = append(args, "error", err.Error())
		}
		log.Warn("chat: channel lost", args...)
		if uerr := ch.Unsubscribe(); uerr != nil {
			log.Debug("chat: unsubscribe after loss failed", "room", s.room, "error", uerr.Error())
		}
	}
	if state != prev {
		s.notify(Update{Kind: UpdateState, State: state})
	}
}

// State returns the channel state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsConnected reports whether the room's channel is joined.
func (s *Session) IsConnected() bool {
	return s.State() == Subscribed
}

// joined returns the channel when sends are allowed.
func (s *Session) joined() (transport.Channel, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.state != Subscribed {
		return nil, false
	}
	return s.ch, true
}

// Send appends a message to the log as sending, broadcasts it and marks
// it sent once the broadcast went out. It returns false, recording
// nothing, when the channel is not joined or content is blank. A failed
// broadcast is logged and leaves the message sending.
func (s *Session) Send(ctx context.Context, content string) bool {
	if strings.TrimSpace(content) == "" {
		return false
	}

	s.mu.Lock()
	if s.closed || s.state != Subscribed {
		s.mu.Unlock()
		log.Debug("chat: send dropped, not subscribed", "room", s.room)
		return false
	}
	ch := s.ch
	msg := NewMessage(content, s.username, time.Now())
	s.store.Append(s.room, msg)
	s.mu.Unlock()

	s.notify(Update{Kind: UpdateMessage, Message: msg})

	wire := msg
	wire.Status = ""
	if err := ch.Send(ctx, transport.Broadcast{Event: EventMessage, Payload: wire}); err != nil {
		log.Warn("chat: send failed", "room", s.room, "message_id", msg.ID, "error", err.Error())
		return true
	}
	if s.isClosed() {
		return true
	}
	if m, ok := s.store.Advance(s.room, msg.ID, StatusSent); ok {
		s.notify(Update{Kind: UpdateStatus, Message: m})
	}
	s.typist.Done()
	return true
}

// SendTyping announces whether the local user is typing. It returns
// false when the channel is not joined or the broadcast failed.
func (s *Session) SendTyping(ctx context.Context, isTyping bool) bool {
	ch, ok := s.joined()
	if !ok {
		return false
	}
	err := ch.Send(ctx, transport.Broadcast{
		Event:   EventTyping,
		Payload: TypingEvent{User: s.username, IsTyping: isTyping},
	})
	if err != nil {
		log.Warn("chat: typing send failed", "room", s.room, "error", err.Error())
		return false
	}
	return true
}

// Keystroke reports input activity in the composer. The first keystroke
// announces typing; the announcement is withdrawn after the typing
// timeout without keystrokes or when a message is sent.
func (s *Session) Keystroke() {
	if !s.IsConnected() {
		return
	}
	s.typist.Keystroke()
}

func (s *Session) announceTyping(isTyping bool) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.SendTimeout)
	defer cancel()
	s.SendTyping(ctx, isTyping)
}

// MarkSeen acknowledges every received message not yet acknowledged.
// It is meant for the moment the user comes back to the application.
func (s *Session) MarkSeen(ctx context.Context) int {
	if !s.IsConnected() {
		return 0
	}
	n := 0
	for _, m := range s.store.Messages(s.room) {
		if m.User.Name == s.username {
			continue
		}
		if s.ack(ctx, m.ID) {
			n++
		}
	}
	return n
}

// ack broadcasts a seen status for id once per session.
func (s *Session) ack(ctx context.Context, id string) bool {
	s.mu.Lock()
	if s.closed || s.state != Subscribed || s.acked[id] {
		s.mu.Unlock()
		return false
	}
	s.acked[id] = true
	ch := s.ch
	s.mu.Unlock()

	err := ch.Send(ctx, transport.Broadcast{
		Event:   EventStatus,
		Payload: StatusEvent{ID: id, Status: StatusSeen},
	})
	if err != nil {
		log.Warn("chat: seen ack failed", "room", s.room, "message_id", id, "error", err.Error())
		s.mu.Lock()
		delete(s.acked, id)
		s.mu.Unlock()
		return false
	}
	return true
}

func (s *Session) handle(ch transport.Channel, name string, raw json.RawMessage) {
	s.mu.Lock()
	stale := s.closed || s.ch != ch
	s.mu.Unlock()
	if stale {
		return
	}

	ev, err := DecodeEvent(name, raw)
	if err != nil {
		log.Debug("chat: dropping event", "room", s.room, "error", err.Error())
		return
	}

	switch e := ev.(type) {
	case MessageEvent:
		s.receive(e.Message)
	case StatusEvent:
		if m, ok := s.store.SetStatus(s.room, e.ID, e.Status); ok {
			s.notify(Update{Kind: UpdateStatus, Message: m})
		}
	case TypingEvent:
		s.setTyping(e.User, e.IsTyping)
	}
}

func (s *Session) receive(m Message) {
	if m.User.Name == s.username {
		return
	}
	m.Status = StatusSent
	if !s.store.Append(s.room, m) {
		return
	}
	if s.unread != nil {
		s.unread.Increment(s.room)
	}
	s.notify(Update{Kind: UpdateMessage, Message: m})

	if s.visible.Visible() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.SendTimeout)
		defer cancel()
		s.ack(ctx, m.ID)
	}
}

func (s *Session) setTyping(user string, isTyping bool) {
	if user == s.username {
		return
	}
	s.mu.Lock()
	if s.typing[user] == isTyping {
		s.mu.Unlock()
		return
	}
	if isTyping {
		s.typing[user] = true
	} else {
		delete(s.typing, user)
	}
	typing := s.typingLocked()
	s.mu.Unlock()

	s.notify(Update{Kind: UpdateTyping, Typing: typing})
}

// Messages returns the room's log in arrival order.
func (s *Session) Messages() []Message {
	return s.store.Messages(s.room)
}

// Typing returns the users currently typing, sorted.
func (s *Session) Typing() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.typingLocked()
}

func (s *Session) typingLocked() []string {
	users := make([]string, 0, len(s.typing))
	for u := range s.typing {
		users = append(users, u)
	}
	sort.Strings(users)
	return users
}

// Subscribe calls fn for every change. fn may run on a transport
// goroutine and must not block.
func (s *Session) Subscribe(fn func(Update)) (unsubscribe func()) {
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

func (s *Session) notify(u Update) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	ids := make([]int, 0, len(s.listeners))
	for id := range s.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(Update), len(ids))
	for i, id := range ids {
		fns[i] = s.listeners[id]
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(u)
	}
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close leaves the room's channel and cancels the typing timer. No
// transport callback reaches the session afterwards.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	ch := s.ch
	s.ch = nil
	s.state = Unsubscribed
	s.typing = make(map[string]bool)
	s.mu.Unlock()

	s.typist.Stop()
	if ch != nil {
		if err := ch.Unsubscribe(); err != nil {
			log.Warn("chat: unsubscribe failed", "room", s.room, "error", err.Error())
		}
	}
}
