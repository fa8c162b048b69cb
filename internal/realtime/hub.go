package realtime

import (
	"sort"
	"sync"

	"github.com/markb/tasklive/internal/log"
)

// Hub manages all WebSocket connections and channels
type Hub struct {
	mu          sync.RWMutex
	connections map[string]*Conn    // connID -> Conn
	channels    map[string]*Channel // topic -> Channel

	jwtSecret string
}

// HubStats contains realtime statistics
type HubStats struct {
	Connections    int            `json:"connections"`
	Channels       int            `json:"channels"`
	ChannelDetails []ChannelStats `json:"channel_details"`
}

// ChannelStats contains per-channel statistics
type ChannelStats struct {
	Topic       string `json:"topic"`
	Subscribers int    `json:"subscribers"`
	HasPresence bool   `json:"has_presence"`
	Presences   int    `json:"presences"`
}

// NewHub creates a new Hub
func NewHub(jwtSecret string) *Hub {
	return &Hub{
		connections: make(map[string]*Conn),
		channels:    make(map[string]*Channel),
		jwtSecret:   jwtSecret,
	}
}

// Stats returns current realtime statistics, channels sorted by topic.
func (h *Hub) Stats() HubStats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	stats := HubStats{
		Connections:    len(h.connections),
		Channels:       len(h.channels),
		ChannelDetails: make([]ChannelStats, 0, len(h.channels)),
	}

	for _, ch := range h.channels {
		ch.mu.RLock()
		cs := ChannelStats{
			Topic:       ch.topic,
			Subscribers: len(ch.subscribers),
			HasPresence: ch.presence != nil,
		}
		if ch.presence != nil {
			cs.Presences = ch.presence.Len()
		}
		ch.mu.RUnlock()
		stats.ChannelDetails = append(stats.ChannelDetails, cs)
	}
	sort.Slice(stats.ChannelDetails, func(i, j int) bool {
		return stats.ChannelDetails[i].Topic < stats.ChannelDetails[j].Topic
	})

	return stats
}

func (h *Hub) registerConn(conn *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connections[conn.id] = conn
}

// unregisterConn removes a connection from the hub and every channel.
// Presence held by the connection is released and announced to the
// remaining subscribers, so a dropped socket looks like a leave.
func (h *Hub) unregisterConn(conn *Conn) {
	h.mu.Lock()
	delete(h.connections, conn.id)

	var announce []*Channel
	for topic, ch := range h.channels {
		sub := ch.getSubscriber(conn.id)
		if sub == nil {
			continue
		}
		ch.removeSubscriber(conn.id)
		if ch.isEmpty() {
			delete(h.channels, topic)
			continue
		}
		if ch.getPresence() != nil {
			announce = append(announce, ch)
		}
	}
	h.mu.Unlock()

	for _, ch := range announce {
		leaves := ch.getPresence().UntrackConn(conn.id)
		if len(leaves) == 0 {
			continue
		}
		log.Debug("realtime: presence released on disconnect", "conn_id", conn.id, "topic", ch.topic)
		ch.fanout(NewPresenceDiffMessage(ch.topic, "", map[string][]map[string]any{}, leaves), "")
	}
}

func (h *Hub) getOrCreateChannel(topic string, private bool) *Channel {
	h.mu.Lock()
	defer h.mu.Unlock()

	if ch, ok := h.channels[topic]; ok {
		return ch
	}

	ch := &Channel{
		topic:       topic,
		private:     private,
		subscribers: make(map[string]*ChannelSub),
	}
	h.channels[topic] = ch
	return ch
}

func (h *Hub) getChannel(topic string) *Channel {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.channels[topic]
}

func (h *Hub) removeChannelIfEmpty(topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if ch, ok := h.channels[topic]; ok && ch.isEmpty() {
		delete(h.channels, topic)
	}
}

// closeAll closes every registered connection.
func (h *Hub) closeAll() {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.connections))
	for _, c := range h.connections {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		c.Close()
	}
}
