package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/markb/tasklive/internal/realtime"
)

// Memory is an in-process broker with the channel semantics of the
// realtime server. Events are delivered synchronously, in order, on the
// goroutine that caused them.
type Memory struct {
	mu     sync.Mutex
	topics map[string]*memTopic
	fault  func(topic, op string) error
}

type memTopic struct {
	presence *realtime.PresenceState
	members  []*memChannel
}

// NewMemory creates an empty broker.
func NewMemory() *Memory {
	return &Memory{topics: make(map[string]*memTopic)}
}

// SetFault installs fn to be consulted before every subscribe, track and
// send ("subscribe", "track", "send"). A non-nil error fails the call.
func (m *Memory) SetFault(fn func(topic, op string) error) {
	m.mu.Lock()
	m.fault = fn
	m.mu.Unlock()
}

func (m *Memory) check(topic, op string) error {
	m.mu.Lock()
	fn := m.fault
	m.mu.Unlock()
	if fn == nil {
		return nil
	}
	return fn(topic, op)
}

// Channel implements Transport.
func (m *Memory) Channel(topic string, opts Options) Channel {
	return &memChannel{
		broker: m,
		id:     uuid.NewString(),
		topic:  topic,
		opts:   opts,
	}
}

// Members returns how many subscribed handles a topic has.
func (m *Memory) Members(topic string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.topics[topic]; ok {
		return len(t.members)
	}
	return 0
}

// Drop fails every subscription of topic with CHANNEL_ERROR, as a lost
// server connection would.
func (m *Memory) Drop(topic string) {
	m.mu.Lock()
	t, ok := m.topics[topic]
	delete(m.topics, topic)
	m.mu.Unlock()
	if !ok {
		return
	}
	for _, c := range t.members {
		c.setJoined(false)
		c.h.emitStatus(StatusChannelError, ErrClosed)
	}
}

func (m *Memory) join(c *memChannel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.topics[c.topic]
	if !ok {
		t = &memTopic{presence: realtime.NewPresenceState()}
		m.topics[c.topic] = t
	}
	t.members = append(t.members, c)
}

// leave removes c and returns the remaining members plus whether c held
// presence entries.
func (m *Memory) leave(c *memChannel) ([]*memChannel, *realtime.PresenceState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.topics[c.topic]
	if !ok {
		return nil, nil, false
	}
	for i, member := range t.members {
		if member == c {
			t.members = append(t.members[:i:i], t.members[i+1:]...)
			break
		}
	}
	left := len(t.presence.UntrackConn(c.id)) > 0
	if len(t.members) == 0 {
		delete(m.topics, c.topic)
	}
	return append([]*memChannel(nil), t.members...), t.presence, left
}

func (m *Memory) topic(name string) (*memTopic, []*memChannel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.topics[name]
	if !ok {
		return nil, nil
	}
	return t, append([]*memChannel(nil), t.members...)
}

// notifyPresence tells every presence-enabled member about a change.
func notifyPresence(members []*memChannel, ps *realtime.PresenceState, joined, left bool) {
	state := Snapshot(ps.GetState())
	for _, c := range members {
		if c.opts.PresenceKey == "" {
			continue
		}
		c.h.emitPresenceChange(state.Clone(), joined, left)
	}
}

type memChannel struct {
	broker *Memory
	id     string
	topic  string
	opts   Options
	h      handlers

	mu     sync.Mutex
	joined bool
}

func (c *memChannel) Topic() string { return c.topic }

func (c *memChannel) OnPresence(event PresenceEvent, fn func(Snapshot)) {
	c.h.onPresence(event, fn)
}

func (c *memChannel) OnBroadcast(event string, fn func(json.RawMessage)) {
	c.h.onBroadcast(event, fn)
}

func (c *memChannel) setJoined(v bool) {
	c.mu.Lock()
	c.joined = v
	c.mu.Unlock()
}

func (c *memChannel) isJoined() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.joined
}

func (c *memChannel) Subscribe(fn func(Status, error)) {
	c.h.setStatus(fn)
	if c.h.isClosed() {
		return
	}
	if err := c.broker.check(c.topic, "subscribe"); err != nil {
		c.h.emitStatus(StatusChannelError, err)
		return
	}
	c.broker.join(c)
	c.setJoined(true)
	c.h.emitStatus(StatusSubscribed, nil)
	// The status callback may already have tracked, so the table is read
	// after it returns.
	if c.opts.PresenceKey != "" && c.isJoined() {
		state := c.PresenceState()
		c.h.emitPresenceChange(state, len(state) > 0, false)
	}
}

func (c *memChannel) Track(ctx context.Context, payload map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !c.isJoined() {
		return ErrNotJoined
	}
	if c.opts.PresenceKey == "" {
		return fmt.Errorf("transport: presence not enabled on %s", c.topic)
	}
	if err := c.broker.check(c.topic, "track"); err != nil {
		return err
	}
	t, members := c.broker.topic(c.topic)
	if t == nil {
		return ErrNotJoined
	}
	_, replaced := t.presence.Track(c.opts.PresenceKey, c.id, payload)
	notifyPresence(members, t.presence, true, replaced != nil)
	return nil
}

func (c *memChannel) Untrack(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !c.isJoined() {
		return ErrNotJoined
	}
	t, members := c.broker.topic(c.topic)
	if t == nil {
		return ErrNotJoined
	}
	if left := t.presence.Untrack(c.opts.PresenceKey, c.id); len(left) > 0 {
		notifyPresence(members, t.presence, false, true)
	}
	return nil
}

func (c *memChannel) Send(ctx context.Context, msg Broadcast) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !c.isJoined() {
		return ErrNotJoined
	}
	if msg.Event == "" {
		return fmt.Errorf("transport: broadcast requires an event name")
	}
	if err := c.broker.check(c.topic, "send"); err != nil {
		return err
	}
	raw, err := json.Marshal(msg.Payload)
	if err != nil {
		return fmt.Errorf("transport: encode %s payload: %w", msg.Event, err)
	}
	_, members := c.broker.topic(c.topic)
	for _, member := range members {
		if member == c && !c.opts.Self {
			continue
		}
		member.h.emitBroadcast(msg.Event, raw)
	}
	return nil
}

func (c *memChannel) PresenceState() Snapshot {
	t, _ := c.broker.topic(c.topic)
	if t == nil || !c.isJoined() {
		return Snapshot{}
	}
	return Snapshot(t.presence.GetState())
}

func (c *memChannel) Unsubscribe() error {
	c.h.close()
	c.mu.Lock()
	wasJoined := c.joined
	c.joined = false
	c.mu.Unlock()
	if !wasJoined {
		return nil
	}
	members, ps, left := c.broker.leave(c)
	if left {
		notifyPresence(members, ps, false, true)
	}
	return nil
}
