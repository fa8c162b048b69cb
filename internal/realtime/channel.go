package realtime

import (
	"sync"
)

// Channel represents a realtime channel with subscribers
type Channel struct {
	topic       string
	private     bool
	mu          sync.RWMutex
	subscribers map[string]*ChannelSub // connID -> subscription
	presence    *PresenceState         // nil until a subscriber joins with a presence key
}

// ChannelSub represents a connection's subscription to a channel
type ChannelSub struct {
	conn            *Conn
	joinRef         string
	broadcastConfig BroadcastConfig
	presenceConfig  PresenceConfig
}

func (ch *Channel) addSubscriber(connID string, sub *ChannelSub) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.subscribers[connID] = sub
}

func (ch *Channel) removeSubscriber(connID string) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	delete(ch.subscribers, connID)
}

func (ch *Channel) getSubscriber(connID string) *ChannelSub {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	return ch.subscribers[connID]
}

// getSubscribers returns a snapshot so fan-out runs without the lock.
func (ch *Channel) getSubscribers() []*ChannelSub {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	subs := make([]*ChannelSub, 0, len(ch.subscribers))
	for _, sub := range ch.subscribers {
		subs = append(subs, sub)
	}
	return subs
}

func (ch *Channel) isEmpty() bool {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	return len(ch.subscribers) == 0
}

func (ch *Channel) enablePresence() *PresenceState {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.presence == nil {
		ch.presence = NewPresenceState()
	}
	return ch.presence
}

func (ch *Channel) getPresence() *PresenceState {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	return ch.presence
}

// fanout sends msg to every subscriber except excludeConnID.
func (ch *Channel) fanout(msg *Message, excludeConnID string) {
	for _, sub := range ch.getSubscribers() {
		if sub.conn.id == excludeConnID {
			continue
		}
		sub.conn.Send(msg.withJoinRef(sub.joinRef))
	}
}

// withJoinRef stamps the recipient's join ref; Phoenix clients drop
// frames whose join_ref belongs to a previous join.
func (m *Message) withJoinRef(joinRef string) *Message {
	if m.JoinRef == joinRef {
		return m
	}
	cp := *m
	cp.JoinRef = joinRef
	return &cp
}
