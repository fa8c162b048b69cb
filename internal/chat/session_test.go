package chat

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markb/tasklive/internal/transport"
	"github.com/markb/tasklive/internal/unread"
)

const room = "chat-u1-u2"

func fastConfig() Config {
	return Config{TypingTimeout: 50 * time.Millisecond, SendTimeout: time.Second}
}

// observer is a bare channel on the room that records raw broadcasts.
type observer struct {
	ch transport.Channel

	mu     sync.Mutex
	events []string
	typing []bool
}

func observe(t *testing.T, broker *transport.Memory) *observer {
	t.Helper()
	o := &observer{ch: broker.Channel(room, transport.Options{})}
	for _, name := range []string{EventMessage, EventTyping, EventStatus} {
		o.ch.OnBroadcast(name, func(raw json.RawMessage) {
			o.mu.Lock()
			defer o.mu.Unlock()
			o.events = append(o.events, name)
			if name == EventTyping {
				var ev TypingEvent
				assert.NoError(t, json.Unmarshal(raw, &ev))
				o.typing = append(o.typing, ev.IsTyping)
			}
		})
	}
	o.ch.Subscribe(func(transport.Status, error) {})
	t.Cleanup(func() { o.ch.Unsubscribe() })
	return o
}

func (o *observer) typingEvents() []bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]bool(nil), o.typing...)
}

func (o *observer) send(t *testing.T, event string, payload any) {
	t.Helper()
	require.NoError(t, o.ch.Send(context.Background(), transport.Broadcast{Event: event, Payload: payload}))
}

func connected(t *testing.T, broker *transport.Memory, username string, deps Deps) *Session {
	t.Helper()
	s := NewSession(room, username, broker, deps, fastConfig())
	s.Connect()
	require.True(t, s.IsConnected())
	t.Cleanup(s.Close)
	return s
}

func TestSendWhileDisconnectedRecordsNothing(t *testing.T) {
	broker := transport.NewMemory()
	s := NewSession(room, "Alice", broker, Deps{}, fastConfig())
	defer s.Close()

	assert.False(t, s.Send(context.Background(), "hello"))
	assert.Empty(t, s.Messages())
	assert.False(t, s.SendTyping(context.Background(), true))
	assert.Equal(t, Unsubscribed, s.State())
}

func TestSendBlankContent(t *testing.T) {
	broker := transport.NewMemory()
	s := connected(t, broker, "Alice", Deps{})

	assert.False(t, s.Send(context.Background(), "   \n\t"))
	assert.Empty(t, s.Messages())
}

func TestSendWithoutEchoStaysSent(t *testing.T) {
	broker := transport.NewMemory()
	s := connected(t, broker, "Alice", Deps{})

	require.True(t, s.Send(context.Background(), "hello"))

	msgs := s.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, StatusSent, msgs[0].Status)
	assert.Equal(t, "hello", msgs[0].Content)
	assert.Equal(t, "Alice", msgs[0].User.Name)
}

func TestSendFailureLeavesSending(t *testing.T) {
	broker := transport.NewMemory()
	s := connected(t, broker, "Alice", Deps{})
	broker.SetFault(func(topic, op string) error {
		if op == "send" {
			return errors.New("network down")
		}
		return nil
	})

	assert.True(t, s.Send(context.Background(), "hello"), "the message was accepted")

	msgs := s.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, StatusSending, msgs[0].Status)
}

func TestSeenRoundTrip(t *testing.T) {
	broker := transport.NewMemory()
	counterB := unread.NewCounter()
	alice := connected(t, broker, "Alice", Deps{})
	bob := connected(t, broker, "Bob", Deps{Unread: counterB})

	require.True(t, alice.Send(context.Background(), "m1"))

	sent := alice.Messages()
	require.Len(t, sent, 1)
	assert.Equal(t, StatusSeen, sent[0].Status)

	received := bob.Messages()
	require.Len(t, received, 1)
	assert.Equal(t, StatusSent, received[0].Status, "received messages are forced to sent")
	assert.Equal(t, sent[0].ID, received[0].ID)
	assert.Equal(t, sent[0].Content, received[0].Content)
	assert.Equal(t, sent[0].CreatedAt, received[0].CreatedAt)
	assert.Equal(t, 1, counterB.Count(room))
}

func TestHiddenReceiverAcksOnMarkSeen(t *testing.T) {
	broker := transport.NewMemory()
	var visible atomic.Bool
	alice := connected(t, broker, "Alice", Deps{})
	bob := connected(t, broker, "Bob", Deps{Visibility: VisibilityFunc(visible.Load)})

	require.True(t, alice.Send(context.Background(), "first"))
	require.True(t, alice.Send(context.Background(), "second"))
	for _, m := range alice.Messages() {
		assert.Equal(t, StatusSent, m.Status)
	}

	visible.Store(true)
	assert.Equal(t, 2, bob.MarkSeen(context.Background()))
	for _, m := range alice.Messages() {
		assert.Equal(t, StatusSeen, m.Status)
	}
	assert.Zero(t, bob.MarkSeen(context.Background()), "each message is acknowledged once")
}

func TestStatusEventOnlyChangesStatus(t *testing.T) {
	broker := transport.NewMemory()
	alice := connected(t, broker, "Alice", Deps{})
	o := observe(t, broker)

	require.True(t, alice.Send(context.Background(), "hello"))
	before := alice.Messages()[0]

	o.send(t, EventStatus, StatusEvent{ID: before.ID, Status: StatusSeen})
	o.send(t, EventStatus, StatusEvent{ID: "unknown", Status: StatusSeen})

	after := alice.Messages()
	require.Len(t, after, 1)
	before.Status = StatusSeen
	assert.Equal(t, before, after[0])
}

func TestReceiveFiltersOwnDuplicateAndMalformed(t *testing.T) {
	broker := transport.NewMemory()
	counter := unread.NewCounter()
	alice := connected(t, broker, "Alice", Deps{Unread: counter})
	o := observe(t, broker)

	m := Message{ID: "m1", Content: "hi", User: Author{Name: "Bob"}, CreatedAt: "2024-01-01T00:00:00.000Z"}
	o.send(t, EventMessage, m)
	o.send(t, EventMessage, m)
	o.send(t, EventMessage, Message{ID: "m2", Content: "echo", User: Author{Name: "Alice"}, CreatedAt: "2024-01-01T00:00:01.000Z"})
	o.send(t, EventMessage, map[string]any{"content": "no id"})

	msgs := alice.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "m1", msgs[0].ID)
	assert.Equal(t, StatusSent, msgs[0].Status)
	assert.Equal(t, 1, counter.Total())
}

func TestReceiveTyping(t *testing.T) {
	broker := transport.NewMemory()
	alice := connected(t, broker, "Alice", Deps{})
	o := observe(t, broker)

	o.send(t, EventTyping, TypingEvent{User: "Bob", IsTyping: true})
	o.send(t, EventTyping, TypingEvent{User: "Carol", IsTyping: true})
	o.send(t, EventTyping, TypingEvent{User: "Alice", IsTyping: true})
	assert.Equal(t, []string{"Bob", "Carol"}, alice.Typing())

	o.send(t, EventTyping, TypingEvent{User: "Bob", IsTyping: false})
	assert.Equal(t, []string{"Carol"}, alice.Typing())
}

func TestKeystrokeDebounce(t *testing.T) {
	broker := transport.NewMemory()
	alice := connected(t, broker, "Alice", Deps{})
	o := observe(t, broker)

	for i := 0; i < 5; i++ {
		alice.Keystroke()
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, []bool{true}, o.typingEvents(), "only the leading keystroke is announced")

	require.Eventually(t, func() bool { return len(o.typingEvents()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []bool{true, false}, o.typingEvents())
}

func TestSendEndsTyping(t *testing.T) {
	broker := transport.NewMemory()
	cfg := fastConfig()
	cfg.TypingTimeout = time.Hour
	alice := NewSession(room, "Alice", broker, Deps{}, cfg)
	alice.Connect()
	defer alice.Close()
	o := observe(t, broker)

	alice.Keystroke()
	require.True(t, alice.Send(context.Background(), "done typing"))

	assert.Equal(t, []bool{true, false}, o.typingEvents())
}

func TestTypingSeenByPeer(t *testing.T) {
	broker := transport.NewMemory()
	alice := connected(t, broker, "Alice", Deps{})
	bob := connected(t, broker, "Bob", Deps{})

	alice.Keystroke()
	assert.Equal(t, []string{"Alice"}, bob.Typing())

	require.Eventually(t, func() bool { return len(bob.Typing()) == 0 }, time.Second, 5*time.Millisecond)
}

func TestDroppedChannelStaysDropped(t *testing.T) {
	broker := transport.NewMemory()
	alice := connected(t, broker, "Alice", Deps{})

	var states []State
	alice.Subscribe(func(u Update) {
		if u.Kind == UpdateState {
			states = append(states, u.State)
		}
	})

	broker.Drop(room)

	assert.False(t, alice.IsConnected())
	assert.False(t, alice.Send(context.Background(), "lost"))
	assert.Empty(t, alice.Messages())

	alice.Connect()
	assert.True(t, alice.IsConnected())
	assert.Equal(t, []State{Unsubscribed, Subscribing, Subscribed}, states)
}

func TestSubscribeFailure(t *testing.T) {
	broker := transport.NewMemory()
	broker.SetFault(func(topic, op string) error { return errors.New("refused") })
	s := NewSession(room, "Alice", broker, Deps{}, fastConfig())
	defer s.Close()

	s.Connect()

	assert.False(t, s.IsConnected())
	assert.Zero(t, broker.Members(room))
}

func TestCloseStopsDelivery(t *testing.T) {
	broker := transport.NewMemory()
	alice := NewSession(room, "Alice", broker, Deps{}, fastConfig())
	alice.Connect()
	o := observe(t, broker)

	updates := 0
	alice.Subscribe(func(Update) { updates++ })
	alice.Keystroke()
	updatesBefore := updates
	alice.Close()
	alice.Close()

	o.send(t, EventMessage, Message{ID: "m1", User: Author{Name: "Bob"}, CreatedAt: "2024-01-01T00:00:00.000Z"})
	time.Sleep(80 * time.Millisecond)

	assert.Empty(t, alice.Messages())
	assert.Equal(t, updatesBefore, updates)
	assert.Equal(t, []bool{true}, o.typingEvents(), "the typing timer died with the session")
	assert.Equal(t, 1, broker.Members(room))
	assert.False(t, alice.Send(context.Background(), "after close"))

	alice.Connect()
	assert.False(t, alice.IsConnected(), "a closed session stays closed")
}

func TestUpdatesReportMessagesAndStatus(t *testing.T) {
	broker := transport.NewMemory()
	alice := connected(t, broker, "Alice", Deps{})
	connected(t, broker, "Bob", Deps{})

	var kinds []UpdateKind
	var statuses []Status
	alice.Subscribe(func(u Update) {
		kinds = append(kinds, u.Kind)
		if u.Kind == UpdateStatus {
			statuses = append(statuses, u.Message.Status)
		}
	})

	require.True(t, alice.Send(context.Background(), "hi"))

	assert.Equal(t, []UpdateKind{UpdateMessage, UpdateStatus}, kinds)
	assert.Equal(t, []Status{StatusSeen}, statuses, "seen arrives before the local send resolves")
}
