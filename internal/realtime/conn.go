package realtime

import (
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/markb/tasklive/internal/log"
)

const (
	// Send buffer size for outbound messages
	sendBufferSize = 256

	// Time allowed to write a message
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message
	pongWait = 60 * time.Second

	// Send pings with this period (must be less than pongWait)
	pingPeriod = 50 * time.Second

	// Maximum message size
	maxMessageSize = 512 * 1024 // 512KB
)

// Conn represents a WebSocket connection
type Conn struct {
	id        string
	ws        *websocket.Conn
	hub       *Hub
	mu        sync.Mutex
	channels  map[string]*ChannelSub // topic -> subscription
	claims    jwt.MapClaims          // parsed from access_token
	send      chan []byte            // outbound message queue
	done      chan struct{}          // closed when connection ends
	closeOnce sync.Once
}

// NewConn creates a new connection and registers it with the hub.
func (h *Hub) NewConn(ws *websocket.Conn) *Conn {
	conn := &Conn{
		id:       uuid.NewString(),
		ws:       ws,
		hub:      h,
		channels: make(map[string]*ChannelSub),
		send:     make(chan []byte, sendBufferSize),
		done:     make(chan struct{}),
	}
	h.registerConn(conn)
	return conn
}

// ID returns the connection ID
func (c *Conn) ID() string {
	return c.id
}

// Send queues a message for sending. A full buffer drops the message;
// broadcast delivery is at-most-once.
func (c *Conn) Send(msg *Message) error {
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return nil
	default:
	}
	select {
	case c.send <- data:
	case <-c.done:
	default:
		log.Warn("realtime: send buffer full, dropping message", "conn_id", c.id, "topic", msg.Topic, "event", msg.Event)
	}
	return nil
}

// Close closes the connection
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.ws != nil {
			c.ws.Close()
		}
		if c.hub != nil {
			c.hub.unregisterConn(c)
		}
	})
}

// ReadPump reads messages from the WebSocket connection
func (c *Conn) ReadPump() {
	defer c.Close()

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug("realtime: read error", "conn_id", c.id, "error", err.Error())
			}
			return
		}
		// Phoenix heartbeats also count as liveness.
		c.ws.SetReadDeadline(time.Now().Add(pongWait))

		msg, err := DecodeMessage(data)
		if err != nil {
			log.Debug("realtime: invalid message", "conn_id", c.id, "error", err.Error(), "len", len(data))
			continue
		}

		c.handleMessage(msg)
	}
}

// WritePump writes messages to the WebSocket connection
func (c *Conn) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case data := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// handleMessage routes incoming messages to appropriate handlers
func (c *Conn) handleMessage(msg *Message) {
	switch msg.Event {
	case EventHeartbeat:
		c.Send(NewReply(TopicPhoenix, "", msg.Ref, StatusOK, map[string]any{}))
	case EventJoin:
		c.handleJoin(msg)
	case EventLeave:
		c.handleLeave(msg)
	case EventBroadcast:
		c.handleBroadcast(msg)
	case EventPresence:
		c.handlePresence(msg)
	case EventAccessToken:
		c.handleAccessToken(msg)
	default:
		log.Debug("realtime: unknown event", "conn_id", c.id, "event", msg.Event, "topic", msg.Topic)
	}
}

func (c *Conn) subscription(topic string) (*ChannelSub, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sub, ok := c.channels[topic]
	return sub, ok
}

// handleJoin handles channel join requests. Joining a topic the
// connection already joined replaces the old subscription.
func (c *Conn) handleJoin(msg *Message) {
	config, token, err := ParseJoinPayload(msg.Payload)
	if err != nil {
		c.sendError(msg.Topic, msg.JoinRef, msg.Ref, "invalid_payload", err.Error())
		return
	}

	if token != "" {
		claims, err := c.hub.validateToken(token)
		if err != nil {
			c.sendError(msg.Topic, msg.JoinRef, msg.Ref, "invalid_token", err.Error())
			return
		}
		c.mu.Lock()
		c.claims = claims
		c.mu.Unlock()
	}

	c.mu.Lock()
	authenticated := c.claims != nil
	c.mu.Unlock()
	if config.Private && !authenticated {
		c.sendError(msg.Topic, msg.JoinRef, msg.Ref, "unauthorized", "private channel requires authentication")
		return
	}

	if _, ok := c.subscription(msg.Topic); ok {
		c.leave(msg.Topic)
	}

	if config.Presence.Enabled && config.Presence.Key == "" {
		config.Presence.Key = uuid.NewString()
	}

	ch := c.hub.getOrCreateChannel(msg.Topic, config.Private)
	sub := &ChannelSub{
		conn:            c,
		joinRef:         msg.JoinRef,
		broadcastConfig: config.Broadcast,
		presenceConfig:  config.Presence,
	}

	if config.Presence.Enabled {
		ch.enablePresence()
	}
	ch.addSubscriber(c.id, sub)

	c.mu.Lock()
	c.channels[msg.Topic] = sub
	c.mu.Unlock()

	log.Debug("realtime: joined", "conn_id", c.id, "topic", msg.Topic, "presence_key", config.Presence.Key)

	c.Send(NewReply(msg.Topic, msg.JoinRef, msg.Ref, StatusOK, map[string]any{}))

	if presence := ch.getPresence(); presence != nil && config.Presence.Enabled {
		c.Send(NewPresenceStateMessage(msg.Topic, msg.JoinRef, presence.GetState()))
	}
}

// handleLeave handles channel leave requests
func (c *Conn) handleLeave(msg *Message) {
	if !c.leave(msg.Topic) {
		c.sendError(msg.Topic, msg.JoinRef, msg.Ref, "not_joined", "not subscribed to channel")
		return
	}
	c.Send(NewReply(msg.Topic, msg.JoinRef, msg.Ref, StatusOK, map[string]any{}))
}

// leave drops the subscription to topic, announcing presence leaves.
func (c *Conn) leave(topic string) bool {
	c.mu.Lock()
	sub, ok := c.channels[topic]
	if ok {
		delete(c.channels, topic)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}

	ch := c.hub.getChannel(topic)
	if ch == nil {
		return true
	}

	ch.removeSubscriber(c.id)
	if presence := ch.getPresence(); presence != nil && sub.presenceConfig.Key != "" {
		if leaves := presence.Untrack(sub.presenceConfig.Key, c.id); len(leaves) > 0 {
			diff := NewPresenceDiffMessage(topic, "",
				map[string][]map[string]any{},
				map[string][]map[string]any{sub.presenceConfig.Key: leaves})
			ch.fanout(diff, "")
		}
	}
	c.hub.removeChannelIfEmpty(topic)
	return true
}

// handleBroadcast fans a broadcast out to the channel, honouring the
// sender's self and ack options.
func (c *Conn) handleBroadcast(msg *Message) {
	sub, ok := c.subscription(msg.Topic)
	if !ok {
		c.sendError(msg.Topic, msg.JoinRef, msg.Ref, "not_joined", "not subscribed to channel")
		return
	}

	ch := c.hub.getChannel(msg.Topic)
	if ch == nil {
		return
	}

	event, _ := msg.Payload["event"].(string)
	payload, _ := msg.Payload["payload"].(map[string]any)
	if event == "" {
		c.sendError(msg.Topic, sub.joinRef, msg.Ref, "invalid_payload", "broadcast requires an event name")
		return
	}

	excludeID := ""
	if !sub.broadcastConfig.Self {
		excludeID = c.id
	}
	ch.fanout(NewBroadcastMessage(msg.Topic, event, payload), excludeID)

	if sub.broadcastConfig.Ack {
		c.Send(NewReply(msg.Topic, sub.joinRef, msg.Ref, StatusOK, map[string]any{}))
	}
}

// handlePresence handles track and untrack pushes.
func (c *Conn) handlePresence(msg *Message) {
	sub, ok := c.subscription(msg.Topic)
	if !ok || sub.presenceConfig.Key == "" {
		c.sendError(msg.Topic, msg.JoinRef, msg.Ref, "presence_disabled", "presence not enabled for this subscription")
		return
	}

	ch := c.hub.getChannel(msg.Topic)
	if ch == nil {
		return
	}
	presence := ch.getPresence()
	if presence == nil {
		return
	}

	eventType, _ := msg.Payload["event"].(string)
	if eventType == "" {
		eventType, _ = msg.Payload["type"].(string)
	}
	payload, _ := msg.Payload["payload"].(map[string]any)

	key := sub.presenceConfig.Key
	switch eventType {
	case "track":
		meta, replaced := presence.Track(key, c.id, payload)
		leaves := map[string][]map[string]any{}
		if replaced != nil {
			leaves[key] = []map[string]any{replaced}
		}
		diff := NewPresenceDiffMessage(msg.Topic, "",
			map[string][]map[string]any{key: {meta}},
			leaves)
		ch.fanout(diff, "")
	case "untrack":
		if leaves := presence.Untrack(key, c.id); len(leaves) > 0 {
			diff := NewPresenceDiffMessage(msg.Topic, "",
				map[string][]map[string]any{},
				map[string][]map[string]any{key: leaves})
			ch.fanout(diff, "")
		}
	default:
		c.sendError(msg.Topic, sub.joinRef, msg.Ref, "invalid_payload", "unknown presence event")
		return
	}

	c.Send(NewReply(msg.Topic, sub.joinRef, msg.Ref, StatusOK, map[string]any{}))
}

// handleAccessToken refreshes the connection's JWT
func (c *Conn) handleAccessToken(msg *Message) {
	token, _ := msg.Payload["access_token"].(string)
	if token == "" {
		return
	}

	claims, err := c.hub.validateToken(token)
	if err != nil {
		log.Debug("realtime: invalid access_token refresh", "conn_id", c.id, "error", err.Error())
		return
	}
	c.mu.Lock()
	c.claims = claims
	c.mu.Unlock()
}

// sendError sends an error reply
func (c *Conn) sendError(topic, joinRef, ref, code, message string) {
	c.Send(NewReply(topic, joinRef, ref, StatusError, map[string]any{
		"code":    code,
		"message": message,
	}))
}

// validateToken validates a JWT and returns claims
func (h *Hub) validateToken(tokenStr string) (jwt.MapClaims, error) {
	token, err := jwt.Parse(tokenStr, func(token *jwt.Token) (interface{}, error) {
		return []byte(h.jwtSecret), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}

	return claims, nil
}
