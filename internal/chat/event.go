package chat

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Broadcast event names.
const (
	EventMessage = "message"
	EventTyping  = "typing"
	EventStatus  = "status"
)

// ErrMalformed wraps every rejection from DecodeEvent.
var ErrMalformed = errors.New("chat: malformed event")

// Event is a validated incoming broadcast: MessageEvent, TypingEvent or
// StatusEvent.
type Event interface {
	Name() string
	isEvent()
}

// MessageEvent carries a chat message.
type MessageEvent struct {
	Message Message
}

// TypingEvent reports whether User is typing.
type TypingEvent struct {
	User     string `json:"user"`
	IsTyping bool   `json:"isTyping"`
}

// StatusEvent acknowledges a message's delivery state.
type StatusEvent struct {
	ID     string `json:"id"`
	Status Status `json:"status"`
}

func (MessageEvent) Name() string { return EventMessage }
func (TypingEvent) Name() string  { return EventTyping }
func (StatusEvent) Name() string  { return EventStatus }

func (MessageEvent) isEvent() {}
func (TypingEvent) isEvent()  {}
func (StatusEvent) isEvent()  {}

// DecodeEvent validates the payload of a broadcast named name.
func DecodeEvent(name string, raw json.RawMessage) (Event, error) {
	switch name {
	case EventMessage:
		var m Message
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("%w: message: %v", ErrMalformed, err)
		}
		if m.ID == "" || m.User.Name == "" || m.CreatedAt == "" {
			return nil, fmt.Errorf("%w: message needs id, user.name and createdAt", ErrMalformed)
		}
		return MessageEvent{Message: m}, nil

	case EventTyping:
		var t struct {
			User     string `json:"user"`
			IsTyping *bool  `json:"isTyping"`
		}
		if err := json.Unmarshal(raw, &t); err != nil {
			return nil, fmt.Errorf("%w: typing: %v", ErrMalformed, err)
		}
		if t.User == "" || t.IsTyping == nil {
			return nil, fmt.Errorf("%w: typing needs user and isTyping", ErrMalformed)
		}
		return TypingEvent{User: t.User, IsTyping: *t.IsTyping}, nil

	case EventStatus:
		var s StatusEvent
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("%w: status: %v", ErrMalformed, err)
		}
		if s.ID == "" || !s.Status.valid() {
			return nil, fmt.Errorf("%w: status needs id and a known status", ErrMalformed)
		}
		return s, nil
	}
	return nil, fmt.Errorf("%w: unknown event %q", ErrMalformed, name)
}
