package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markb/tasklive/internal/realtime"
)

const testAnonKey = "test-anon-key"

func startRealtime(t *testing.T) string {
	t.Helper()
	svc := realtime.NewService(realtime.Config{
		JWTSecret: "test-secret-key-min-32-characters",
		AnonKey:   testAnonKey,
	})
	srv := httptest.NewServer(http.HandlerFunc(svc.HandleWebSocket))
	t.Cleanup(func() {
		svc.Shutdown()
		srv.Close()
	})
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dialTest(t *testing.T, url string) *Socket {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := Dial(ctx, SocketConfig{URL: url, APIKey: testAnonKey, Timeout: 2 * time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// statusRecorder collects the statuses reported to a Subscribe callback.
type statusRecorder struct {
	mu       sync.Mutex
	statuses []Status
}

func (r *statusRecorder) record(s Status, _ error) {
	r.mu.Lock()
	r.statuses = append(r.statuses, s)
	r.mu.Unlock()
}

func (r *statusRecorder) has(s Status) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, got := range r.statuses {
		if got == s {
			return true
		}
	}
	return false
}

func joinSocket(t *testing.T, ch Channel) *statusRecorder {
	t.Helper()
	rec := &statusRecorder{}
	ch.Subscribe(rec.record)
	require.Eventually(t, func() bool { return rec.has(StatusSubscribed) }, 2*time.Second, 10*time.Millisecond)
	return rec
}

func TestSocketBroadcast(t *testing.T) {
	url := startRealtime(t)
	a := dialTest(t, url).Channel("chat-u1-u2", Options{})
	b := dialTest(t, url).Channel("chat-u1-u2", Options{Ack: true})

	var mu sync.Mutex
	var got []string
	b.OnBroadcast("message", func(p json.RawMessage) {
		mu.Lock()
		got = append(got, string(p))
		mu.Unlock()
	})
	a.OnBroadcast("message", func(json.RawMessage) { t.Error("sender should not receive its own broadcast") })

	joinSocket(t, a)
	joinSocket(t, b)
	assert.Equal(t, "realtime:chat-u1-u2", a.Topic())

	ctx := context.Background()
	require.NoError(t, a.Send(ctx, Broadcast{Event: "message", Payload: map[string]any{"id": "m1"}}))
	require.NoError(t, a.Send(ctx, Broadcast{Event: "message", Payload: map[string]any{"id": "m2"}}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.JSONEq(t, `{"id":"m1"}`, got[0])
	assert.JSONEq(t, `{"id":"m2"}`, got[1])

	// Acked sends wait for the server's reply.
	require.NoError(t, b.Send(ctx, Broadcast{Event: "typing", Payload: map[string]any{"user": "Bob", "isTyping": true}}))
}

func TestSocketPresence(t *testing.T) {
	url := startRealtime(t)
	a := dialTest(t, url).Channel("global-presence", Options{PresenceKey: "u1"})
	b := dialTest(t, url).Channel("global-presence", Options{PresenceKey: "u2"})

	var mu sync.Mutex
	var synced Snapshot
	b.OnPresence(PresenceSync, func(s Snapshot) {
		mu.Lock()
		synced = s
		mu.Unlock()
	})
	lastSync := func() Snapshot {
		mu.Lock()
		defer mu.Unlock()
		return synced
	}

	ctx := context.Background()
	joinSocket(t, a)
	require.NoError(t, a.Track(ctx, map[string]any{"user_id": "u1", "username": "Alice"}))
	joinSocket(t, b)
	require.NoError(t, b.Track(ctx, map[string]any{"user_id": "u2", "username": "Bob"}))

	require.Eventually(t, func() bool { return len(lastSync()) == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "Alice", lastSync()["u1"][0]["username"])

	// Re-tracking replaces the meta instead of adding a second one.
	require.NoError(t, a.Track(ctx, map[string]any{"user_id": "u1", "username": "Alicia"}))
	require.Eventually(t, func() bool {
		metas := lastSync()["u1"]
		return len(metas) == 1 && metas[0]["username"] == "Alicia"
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, a.Unsubscribe())
	require.Eventually(t, func() bool {
		s := lastSync()
		_, has := s["u1"]
		return !has && len(s) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Len(t, b.PresenceState(), 1)
}

func TestSocketNotJoined(t *testing.T) {
	url := startRealtime(t)
	ch := dialTest(t, url).Channel("room", Options{PresenceKey: "u1"})

	ctx := context.Background()
	assert.ErrorIs(t, ch.Send(ctx, Broadcast{Event: "message"}), ErrNotJoined)
	assert.ErrorIs(t, ch.Track(ctx, map[string]any{}), ErrNotJoined)
}

func TestSocketCloseReportsClosed(t *testing.T) {
	url := startRealtime(t)
	s := dialTest(t, url)
	ch := s.Channel("room", Options{})
	rec := joinSocket(t, ch)

	require.NoError(t, s.Close())

	require.Eventually(t, func() bool { return rec.has(StatusClosed) }, 2*time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, ch.Send(context.Background(), Broadcast{Event: "message"}), ErrNotJoined)
	select {
	case <-s.Done():
	default:
		t.Error("Done should be closed after Close")
	}
}

func TestDialRejectsBadKey(t *testing.T) {
	url := startRealtime(t)
	_, err := Dial(context.Background(), SocketConfig{URL: url, APIKey: "wrong"})
	assert.Error(t, err)
}
