// Package transport is the pub/sub collaborator used by the presence and
// chat layers: named channels carrying broadcast events and a presence
// table of tracked participants.
package transport

import (
	"context"
	"encoding/json"
	"errors"
)

// Status is reported to the callback passed to Channel.Subscribe.
type Status string

const (
	StatusSubscribed   Status = "SUBSCRIBED"
	StatusTimedOut     Status = "TIMED_OUT"
	StatusClosed       Status = "CLOSED"
	StatusChannelError Status = "CHANNEL_ERROR"
)

// PresenceEvent selects which presence notifications a handler receives.
type PresenceEvent string

const (
	PresenceSync  PresenceEvent = "sync"
	PresenceJoin  PresenceEvent = "join"
	PresenceLeave PresenceEvent = "leave"
)

var (
	ErrNotJoined = errors.New("transport: channel not joined")
	ErrClosed    = errors.New("transport: closed")
	ErrTimeout   = errors.New("transport: timed out waiting for reply")
)

// Snapshot is a channel's presence table: presence key -> one meta per
// tracking session.
type Snapshot map[string][]map[string]any

// Clone copies the snapshot so callers may keep it past the callback.
func (s Snapshot) Clone() Snapshot {
	out := make(Snapshot, len(s))
	for key, metas := range s {
		list := make([]map[string]any, len(metas))
		for i, meta := range metas {
			m := make(map[string]any, len(meta))
			for k, v := range meta {
				m[k] = v
			}
			list[i] = m
		}
		out[key] = list
	}
	return out
}

// Options configure a channel before it is subscribed.
type Options struct {
	// PresenceKey identifies this client's entries in the presence table.
	// Presence is enabled for the channel when it is non-empty.
	PresenceKey string
	// Self delivers this client's own broadcasts back to it.
	Self bool
	// Ack makes Send wait for the server to confirm the fan-out.
	Ack bool
}

// Broadcast is an outgoing broadcast event. Payload is encoded as JSON.
type Broadcast struct {
	Event   string
	Payload any
}

// Channel is a handle on one named topic. Handlers must be registered
// before Subscribe. Handlers of one channel run one at a time, in the
// order the events arrived.
type Channel interface {
	Topic() string
	// OnPresence receives the full presence snapshot after every
	// change of the given kind.
	OnPresence(event PresenceEvent, fn func(Snapshot))
	// OnBroadcast receives the raw JSON payload of broadcasts named event.
	OnBroadcast(event string, fn func(payload json.RawMessage))
	// Subscribe joins the channel. fn is called with the outcome and again
	// when the channel later closes or fails.
	Subscribe(fn func(Status, error))
	Track(ctx context.Context, payload map[string]any) error
	Untrack(ctx context.Context) error
	Send(ctx context.Context, msg Broadcast) error
	PresenceState() Snapshot
	// Unsubscribe leaves the channel. No handler runs after it returns.
	Unsubscribe() error
}

// Transport opens channels.
type Transport interface {
	Channel(topic string, opts Options) Channel
}
