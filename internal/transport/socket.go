package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/markb/tasklive/internal/log"
	"github.com/markb/tasklive/internal/realtime"
)

// TopicPrefix is prepended to channel names on the wire.
const TopicPrefix = "realtime:"

const writeWait = 10 * time.Second

// SocketConfig configures a Phoenix v1 websocket connection.
type SocketConfig struct {
	// URL of the realtime websocket endpoint, e.g.
	// ws://localhost:8080/realtime/v1/websocket.
	URL         string
	APIKey      string
	AccessToken string
	// Heartbeat is the interval between heartbeats. A heartbeat still
	// unanswered when the next one is due closes the socket.
	Heartbeat time.Duration
	// Timeout bounds the wait for a join, track or acked send reply.
	Timeout time.Duration
}

// DefaultSocketConfig returns the hosted SDK's timings.
func DefaultSocketConfig() SocketConfig {
	return SocketConfig{
		Heartbeat: 25 * time.Second,
		Timeout:   10 * time.Second,
	}
}

// Socket is a Phoenix v1 client multiplexing channels over one
// websocket. It does not reconnect: once the connection drops every
// channel reports CLOSED and stays closed.
type Socket struct {
	cfg    SocketConfig
	ws     *websocket.Conn
	events *queue

	writeMu sync.Mutex

	mu           sync.Mutex
	ref          uint64
	channels     map[string]*socketChannel
	pending      map[string]chan reply
	heartbeatRef string
	closed       bool

	done      chan struct{}
	closeOnce sync.Once
}

// frame is an incoming message; the payload is decoded per event.
type frame struct {
	Event   string          `json:"event"`
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
	Ref     string          `json:"ref"`
	JoinRef string          `json:"join_ref"`
}

type reply struct {
	Status   string `json:"status"`
	Response struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"response"`
}

// Dial connects to the realtime endpoint.
func Dial(ctx context.Context, cfg SocketConfig) (*Socket, error) {
	defaults := DefaultSocketConfig()
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = defaults.Heartbeat
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaults.Timeout
	}

	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("transport: parse url: %w", err)
	}
	q := u.Query()
	if cfg.APIKey != "" {
		q.Set("apikey", cfg.APIKey)
	}
	q.Set("vsn", "1.0.0")
	u.RawQuery = q.Encode()

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", cfg.URL, err)
	}

	s := &Socket{
		cfg:      cfg,
		ws:       ws,
		events:   newQueue(),
		channels: make(map[string]*socketChannel),
		pending:  make(map[string]chan reply),
		done:     make(chan struct{}),
	}
	go s.events.run()
	go s.readLoop()
	go s.heartbeatLoop()

	log.Debug("transport: socket connected", "url", cfg.URL)
	return s, nil
}

// Done is closed once the connection is gone.
func (s *Socket) Done() <-chan struct{} {
	return s.done
}

// Close closes the connection. Subscribed channels report CLOSED.
func (s *Socket) Close() error {
	s.writeMu.Lock()
	_ = s.ws.SetWriteDeadline(time.Now().Add(writeWait))
	_ = s.ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	s.writeMu.Unlock()
	s.shutdown(ErrClosed)
	return nil
}

// Channel implements Transport. The realtime: prefix is added to name
// when missing.
func (s *Socket) Channel(name string, opts Options) Channel {
	topic := name
	if !strings.HasPrefix(topic, TopicPrefix) {
		topic = TopicPrefix + name
	}
	return &socketChannel{
		socket:   s,
		topic:    topic,
		opts:     opts,
		snapshot: Snapshot{},
	}
}

func (s *Socket) nextRef() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ref++
	return strconv.FormatUint(s.ref, 10)
}

func (s *Socket) write(msg *realtime.Message) error {
	data, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("transport: encode %s: %w", msg.Event, err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("transport: write %s: %w", msg.Event, err)
	}
	return nil
}

// push writes msg and, when wait is set, blocks until its phx_reply
// arrives. A ref already set on msg is kept.
func (s *Socket) push(ctx context.Context, msg *realtime.Message, wait bool) error {
	if msg.Ref == "" {
		msg.Ref = s.nextRef()
	}

	var replies chan reply
	if wait {
		replies = make(chan reply, 1)
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return ErrClosed
		}
		s.pending[msg.Ref] = replies
		s.mu.Unlock()
	}

	if err := s.write(msg); err != nil {
		s.dropPending(msg.Ref)
		return err
	}
	if !wait {
		return nil
	}

	timer := time.NewTimer(s.cfg.Timeout)
	defer timer.Stop()

	select {
	case r, ok := <-replies:
		if !ok {
			return ErrClosed
		}
		if r.Status != realtime.StatusOK {
			return fmt.Errorf("transport: %s on %s rejected: %s: %s",
				msg.Event, msg.Topic, r.Response.Code, r.Response.Message)
		}
		return nil
	case <-timer.C:
		s.dropPending(msg.Ref)
		return ErrTimeout
	case <-ctx.Done():
		s.dropPending(msg.Ref)
		return ctx.Err()
	}
}

func (s *Socket) dropPending(ref string) {
	s.mu.Lock()
	delete(s.pending, ref)
	s.mu.Unlock()
}

func (s *Socket) register(c *socketChannel) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.channels[c.topic] = c
	return true
}

func (s *Socket) unregister(c *socketChannel) {
	s.mu.Lock()
	if s.channels[c.topic] == c {
		delete(s.channels, c.topic)
	}
	s.mu.Unlock()
}

func (s *Socket) readLoop() {
	var err error
	defer func() { s.shutdown(err) }()

	for {
		var data []byte
		_, data, err = s.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn("transport: socket read failed", "error", err.Error())
			}
			return
		}

		var f frame
		if jerr := json.Unmarshal(data, &f); jerr != nil {
			log.Debug("transport: dropping undecodable frame", "error", jerr.Error())
			continue
		}
		s.route(&f)
	}
}

func (s *Socket) route(f *frame) {
	if f.Event == realtime.EventReply {
		s.mu.Lock()
		if f.Ref != "" && f.Ref == s.heartbeatRef {
			s.heartbeatRef = ""
			s.mu.Unlock()
			return
		}
		replies := s.pending[f.Ref]
		delete(s.pending, f.Ref)
		s.mu.Unlock()

		if replies == nil {
			return
		}
		var r reply
		if err := json.Unmarshal(f.Payload, &r); err != nil {
			r.Status = realtime.StatusError
			r.Response.Message = err.Error()
		}
		replies <- r
		return
	}

	s.mu.Lock()
	c := s.channels[f.Topic]
	s.mu.Unlock()
	if c == nil || (f.JoinRef != "" && f.JoinRef != c.currentJoinRef()) {
		return
	}

	switch f.Event {
	case realtime.EventPresenceState:
		state, err := decodeEntries(f.Payload)
		if err != nil {
			log.Debug("transport: bad presence_state", "topic", f.Topic, "error", err.Error())
			return
		}
		s.events.push(func() { c.applyState(state) })
	case realtime.EventPresenceDiff:
		var diff struct {
			Joins  json.RawMessage `json:"joins"`
			Leaves json.RawMessage `json:"leaves"`
		}
		if err := json.Unmarshal(f.Payload, &diff); err != nil {
			log.Debug("transport: bad presence_diff", "topic", f.Topic, "error", err.Error())
			return
		}
		joins, jerr := decodeEntries(diff.Joins)
		leaves, lerr := decodeEntries(diff.Leaves)
		if err := errors.Join(jerr, lerr); err != nil {
			log.Debug("transport: bad presence_diff", "topic", f.Topic, "error", err.Error())
			return
		}
		s.events.push(func() { c.applyDiff(joins, leaves) })
	case realtime.EventBroadcast:
		var b struct {
			Event   string          `json:"event"`
			Payload json.RawMessage `json:"payload"`
		}
		if err := json.Unmarshal(f.Payload, &b); err != nil || b.Event == "" {
			log.Debug("transport: bad broadcast", "topic", f.Topic)
			return
		}
		s.events.push(func() { c.h.emitBroadcast(b.Event, b.Payload) })
	case realtime.EventClose:
		s.events.push(func() { c.fail(StatusClosed, nil) })
	case realtime.EventError:
		s.events.push(func() { c.fail(StatusChannelError, errors.New("transport: channel error")) })
	}
}

func (s *Socket) heartbeatLoop() {
	ticker := time.NewTicker(s.cfg.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
		}

		s.mu.Lock()
		missed := s.heartbeatRef != ""
		s.mu.Unlock()
		if missed {
			log.Warn("transport: heartbeat timeout, closing socket", "url", s.cfg.URL)
			s.ws.Close()
			return
		}

		ref := s.nextRef()
		s.mu.Lock()
		s.heartbeatRef = ref
		s.mu.Unlock()
		msg := &realtime.Message{
			Event:   realtime.EventHeartbeat,
			Topic:   realtime.TopicPhoenix,
			Payload: map[string]any{},
			Ref:     ref,
		}
		if err := s.write(msg); err != nil {
			log.Debug("transport: heartbeat write failed", "error", err.Error())
		}
	}
}

// shutdown fails pending pushes and tells every channel it is closed.
func (s *Socket) shutdown(cause error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		channels := make([]*socketChannel, 0, len(s.channels))
		for _, c := range s.channels {
			channels = append(channels, c)
		}
		s.channels = make(map[string]*socketChannel)
		for ref, replies := range s.pending {
			close(replies)
			delete(s.pending, ref)
		}
		s.mu.Unlock()

		close(s.done)
		s.ws.Close()

		if cause == nil {
			cause = ErrClosed
		}
		for _, c := range channels {
			s.events.push(func() { c.fail(StatusClosed, cause) })
		}
		s.events.stop()
		log.Debug("transport: socket closed", "url", s.cfg.URL)
	})
}

type socketChannel struct {
	socket *Socket
	topic  string
	opts   Options
	h      handlers

	mu       sync.Mutex
	joinRef  string
	joined   bool
	snapshot Snapshot
}

func (c *socketChannel) Topic() string { return c.topic }

func (c *socketChannel) OnPresence(event PresenceEvent, fn func(Snapshot)) {
	c.h.onPresence(event, fn)
}

func (c *socketChannel) OnBroadcast(event string, fn func(json.RawMessage)) {
	c.h.onBroadcast(event, fn)
}

func (c *socketChannel) currentJoinRef() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.joinRef
}

func (c *socketChannel) Subscribe(fn func(Status, error)) {
	c.h.setStatus(fn)
	if c.h.isClosed() {
		return
	}
	s := c.socket

	joinRef := s.nextRef()
	c.mu.Lock()
	c.joinRef = joinRef
	c.mu.Unlock()

	if !s.register(c) {
		s.events.push(func() { c.h.emitStatus(StatusClosed, ErrClosed) })
		return
	}

	config := map[string]any{
		"broadcast": map[string]any{"self": c.opts.Self, "ack": c.opts.Ack},
		"private":   false,
	}
	if c.opts.PresenceKey != "" {
		config["presence"] = map[string]any{"key": c.opts.PresenceKey}
	}
	payload := map[string]any{"config": config}
	if s.cfg.AccessToken != "" {
		payload["access_token"] = s.cfg.AccessToken
	}
	msg := &realtime.Message{
		Event:   realtime.EventJoin,
		Topic:   c.topic,
		Payload: payload,
		Ref:     joinRef,
		JoinRef: joinRef,
	}

	go func() {
		err := s.push(context.Background(), msg, true)
		status := StatusSubscribed
		switch {
		case err == nil:
			c.mu.Lock()
			c.joined = true
			c.mu.Unlock()
		case errors.Is(err, ErrTimeout):
			status = StatusTimedOut
		case errors.Is(err, ErrClosed):
			status = StatusClosed
		default:
			status = StatusChannelError
		}
		if err != nil {
			log.Debug("transport: join failed", "topic", c.topic, "error", err.Error())
		}
		s.events.push(func() { c.h.emitStatus(status, err) })
	}()
}

func (c *socketChannel) message(event string, payload map[string]any) (*realtime.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.joined {
		return nil, ErrNotJoined
	}
	return &realtime.Message{
		Event:   event,
		Topic:   c.topic,
		Payload: payload,
		JoinRef: c.joinRef,
	}, nil
}

func (c *socketChannel) Track(ctx context.Context, payload map[string]any) error {
	if c.opts.PresenceKey == "" {
		return fmt.Errorf("transport: presence not enabled on %s", c.topic)
	}
	msg, err := c.message(realtime.EventPresence, map[string]any{
		"type":    "presence",
		"event":   "track",
		"payload": payload,
	})
	if err != nil {
		return err
	}
	return c.socket.push(ctx, msg, true)
}

func (c *socketChannel) Untrack(ctx context.Context) error {
	msg, err := c.message(realtime.EventPresence, map[string]any{
		"type":  "presence",
		"event": "untrack",
	})
	if err != nil {
		return err
	}
	return c.socket.push(ctx, msg, true)
}

func (c *socketChannel) Send(ctx context.Context, b Broadcast) error {
	if b.Event == "" {
		return fmt.Errorf("transport: broadcast requires an event name")
	}
	msg, err := c.message(realtime.EventBroadcast, map[string]any{
		"type":    "broadcast",
		"event":   b.Event,
		"payload": b.Payload,
	})
	if err != nil {
		return err
	}
	return c.socket.push(ctx, msg, c.opts.Ack)
}

func (c *socketChannel) PresenceState() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot.Clone()
}

func (c *socketChannel) Unsubscribe() error {
	c.h.close()
	c.socket.unregister(c)

	c.mu.Lock()
	wasJoined := c.joined
	c.joined = false
	joinRef := c.joinRef
	c.snapshot = Snapshot{}
	c.mu.Unlock()
	if !wasJoined {
		return nil
	}

	err := c.socket.push(context.Background(), &realtime.Message{
		Event:   realtime.EventLeave,
		Topic:   c.topic,
		Payload: map[string]any{},
		JoinRef: joinRef,
	}, false)
	if err != nil && !errors.Is(err, ErrClosed) {
		return err
	}
	return nil
}

func (c *socketChannel) applyState(next Snapshot) {
	c.mu.Lock()
	var joined, left bool
	c.snapshot, joined, left = syncState(c.snapshot, next)
	snapshot := c.snapshot.Clone()
	c.mu.Unlock()
	c.h.emitPresenceChange(snapshot, joined, left)
}

func (c *socketChannel) applyDiff(joins, leaves Snapshot) {
	c.mu.Lock()
	joined, left := syncDiff(c.snapshot, joins, leaves)
	snapshot := c.snapshot.Clone()
	c.mu.Unlock()
	c.h.emitPresenceChange(snapshot, joined, left)
}

// fail marks the channel gone and reports status once.
func (c *socketChannel) fail(status Status, err error) {
	c.mu.Lock()
	c.joined = false
	c.mu.Unlock()
	c.h.emitStatus(status, err)
	c.h.close()
}
