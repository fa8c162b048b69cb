package realtime

import (
	"encoding/json"
	"fmt"
)

// Message is the Phoenix Protocol v1.0.0 frame.
type Message struct {
	Event   string         `json:"event"`
	Topic   string         `json:"topic"`
	Payload map[string]any `json:"payload"`
	Ref     string         `json:"ref"`
	JoinRef string         `json:"join_ref,omitempty"`
}

// Client events
const (
	EventJoin        = "phx_join"
	EventLeave       = "phx_leave"
	EventHeartbeat   = "heartbeat"
	EventAccessToken = "access_token"
	EventBroadcast   = "broadcast"
	EventPresence    = "presence"
)

// Server events
const (
	EventReply         = "phx_reply"
	EventClose         = "phx_close"
	EventError         = "phx_error"
	EventSystem        = "system"
	EventPresenceState = "presence_state"
	EventPresenceDiff  = "presence_diff"
)

// TopicPhoenix is the topic heartbeats are sent on.
const TopicPhoenix = "phoenix"

// Reply statuses
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// JoinConfig holds channel join configuration
type JoinConfig struct {
	Broadcast BroadcastConfig `json:"broadcast"`
	Presence  PresenceConfig  `json:"presence"`
	Private   bool            `json:"private"`
}

// BroadcastConfig holds broadcast options
type BroadcastConfig struct {
	Ack  bool `json:"ack"`  // reply to the sender once fanned out
	Self bool `json:"self"` // receive own broadcasts
}

// PresenceConfig holds presence options
type PresenceConfig struct {
	Enabled bool   `json:"enabled"` // set when the join carried a presence section
	Key     string `json:"key"`     // presence key (e.g., user ID); generated when empty
}

// ParseJoinPayload extracts JoinConfig and access_token from a phx_join payload.
func ParseJoinPayload(payload map[string]any) (*JoinConfig, string, error) {
	config := &JoinConfig{}

	token, _ := payload["access_token"].(string)

	raw, ok := payload["config"]
	if !ok || raw == nil {
		return config, token, nil
	}
	configMap, ok := raw.(map[string]any)
	if !ok {
		return nil, "", fmt.Errorf("config must be an object, got %T", raw)
	}

	if bc, ok := configMap["broadcast"].(map[string]any); ok {
		config.Broadcast.Ack, _ = bc["ack"].(bool)
		config.Broadcast.Self, _ = bc["self"].(bool)
	}
	if pc, ok := configMap["presence"].(map[string]any); ok {
		config.Presence.Enabled = true
		config.Presence.Key, _ = pc["key"].(string)
	}
	config.Private, _ = configMap["private"].(bool)

	return config, token, nil
}

// NewReply creates a phx_reply message
func NewReply(topic, joinRef, ref, status string, response map[string]any) *Message {
	return &Message{
		Event:   EventReply,
		Topic:   topic,
		JoinRef: joinRef,
		Ref:     ref,
		Payload: map[string]any{
			"status":   status,
			"response": response,
		},
	}
}

// NewBroadcastMessage creates a broadcast message
func NewBroadcastMessage(topic string, event string, payload map[string]any) *Message {
	return &Message{
		Event: EventBroadcast,
		Topic: topic,
		Payload: map[string]any{
			"type":    "broadcast",
			"event":   event,
			"payload": payload,
		},
	}
}

// NewCloseMessage tells a subscriber its channel was closed by the server.
func NewCloseMessage(topic, joinRef string) *Message {
	return &Message{
		Event:   EventClose,
		Topic:   topic,
		JoinRef: joinRef,
		Payload: map[string]any{},
	}
}

// NewPresenceStateMessage creates a presence_state message
func NewPresenceStateMessage(topic, joinRef string, state map[string][]map[string]any) *Message {
	payload := make(map[string]any, len(state))
	for key, metas := range state {
		payload[key] = map[string]any{"metas": metas}
	}
	return &Message{
		Event:   EventPresenceState,
		Topic:   topic,
		JoinRef: joinRef,
		Payload: payload,
	}
}

// NewPresenceDiffMessage creates a presence_diff message
func NewPresenceDiffMessage(topic, joinRef string, joins, leaves map[string][]map[string]any) *Message {
	return &Message{
		Event:   EventPresenceDiff,
		Topic:   topic,
		JoinRef: joinRef,
		Payload: map[string]any{
			"joins":  wrapMetas(joins),
			"leaves": wrapMetas(leaves),
		},
	}
}

// wrapMetas renders key -> metas in the Phoenix {"key": {"metas": [...]}} shape.
func wrapMetas(entries map[string][]map[string]any) map[string]any {
	out := make(map[string]any, len(entries))
	for key, metas := range entries {
		out[key] = map[string]any{"metas": metas}
	}
	return out
}

// Encode serializes a message to JSON bytes
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// DecodeMessage parses JSON bytes into a Message
func DecodeMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("invalid message format: %w", err)
	}
	if msg.Event == "" || msg.Topic == "" {
		return nil, fmt.Errorf("invalid message format: missing event or topic")
	}
	return &msg, nil
}
