// integration_test.go
package main

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markb/tasklive/internal/app"
	"github.com/markb/tasklive/internal/auth"
	"github.com/markb/tasklive/internal/chat"
	"github.com/markb/tasklive/internal/presence"
	"github.com/markb/tasklive/internal/server"
	"github.com/markb/tasklive/internal/transport"
)

const testSecret = "test-secret-key-min-32-characters"

// client is one signed-in user connected over a real websocket.
type client struct {
	app    *app.App
	auth   *auth.Store
	socket *transport.Socket
}

func startServer(t *testing.T) string {
	t.Helper()
	cfg := server.DefaultConfig()
	cfg.JWTSecret = testSecret
	srv := server.New(cfg)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(func() {
		srv.Realtime().Shutdown()
		ts.Close()
	})
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/realtime/v1/websocket"
}

func connect(t *testing.T, url, userID, username string) client {
	t.Helper()
	issuer := auth.NewIssuer(testSecret)
	anonKey, err := issuer.APIKey(auth.APIKeyAnon)
	require.NoError(t, err)
	token, err := issuer.AccessToken(userID, username, "")
	require.NoError(t, err)
	session, err := auth.ParseSession(token, testSecret)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sock, err := transport.Dial(ctx, transport.SocketConfig{
		URL:         url,
		APIKey:      anonKey,
		AccessToken: token,
		Timeout:     2 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { sock.Close() })

	cfg := app.DefaultConfig()
	cfg.Presence.CoalesceDelay = 10 * time.Millisecond
	cfg.Chat.TypingTimeout = 100 * time.Millisecond

	store := auth.NewStore()
	a := app.New(store, sock, cfg)
	a.Start()
	t.Cleanup(a.Close)
	store.SignIn(session)
	return client{app: a, auth: store, socket: sock}
}

func statusOf(s *chat.Session, id string) chat.Status {
	for _, m := range s.Messages() {
		if m.ID == id {
			return m.Status
		}
	}
	return ""
}

func TestPresenceOverWebSocket(t *testing.T) {
	url := startServer(t)
	alice := connect(t, url, "u1", "alice")
	bob := connect(t, url, "u2", "bob")

	want := []presence.User{{ID: "u1", Username: "alice"}, {ID: "u2", Username: "bob"}}
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual(want, alice.app.Presence().Users(presence.GlobalChannel)) &&
			assert.ObjectsAreEqual(want, bob.app.Presence().Users(presence.GlobalChannel))
	}, 3*time.Second, 20*time.Millisecond)

	bob.auth.SignOut()
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual(want[:1], alice.app.Presence().Users(presence.GlobalChannel))
	}, 3*time.Second, 20*time.Millisecond)
}

func TestDirectChatOverWebSocket(t *testing.T) {
	url := startServer(t)
	alice := connect(t, url, "u1", "alice")
	bob := connect(t, url, "u2", "bob")

	as, err := alice.app.OpenDirect("u2")
	require.NoError(t, err)
	bs, err := bob.app.OpenDirect("u1")
	require.NoError(t, err)
	require.Equal(t, "chat-u1-u2", as.Room())
	require.Equal(t, as.Room(), bs.Room())

	require.Eventually(t, func() bool { return as.IsConnected() && bs.IsConnected() },
		3*time.Second, 20*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	// Typing reaches the peer and clears once the message goes out.
	as.Keystroke()
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{"alice"}, bs.Typing())
	}, 3*time.Second, 20*time.Millisecond)

	require.True(t, as.Send(ctx, "hello bob"))
	msgs := as.Messages()
	require.Len(t, msgs, 1)
	id := msgs[0].ID

	require.Eventually(t, func() bool {
		got := bs.Messages()
		return len(got) == 1 && got[0].ID == id && got[0].Content == "hello bob"
	}, 3*time.Second, 20*time.Millisecond)
	assert.Equal(t, chat.StatusSent, bs.Messages()[0].Status)
	require.Eventually(t, func() bool { return len(bs.Typing()) == 0 }, 3*time.Second, 20*time.Millisecond)

	// Bob has the room open and visible, so alice sees the ack.
	require.Eventually(t, func() bool { return statusOf(as, id) == chat.StatusSeen },
		3*time.Second, 20*time.Millisecond)
	assert.Zero(t, bob.app.Unread().Total())
}

func TestUnreadWhileAwayOverWebSocket(t *testing.T) {
	url := startServer(t)
	alice := connect(t, url, "u1", "alice")
	bob := connect(t, url, "u2", "bob")

	as, err := alice.app.OpenDirect("u2")
	require.NoError(t, err)
	bs, err := bob.app.OpenDirect("u1")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return as.IsConnected() && bs.IsConnected() },
		3*time.Second, 20*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	bob.app.SetVisible(ctx, false)

	require.True(t, as.Send(ctx, "one"))
	require.True(t, as.Send(ctx, "two"))

	require.Eventually(t, func() bool { return bob.app.Unread().Count(bs.Room()) == 2 },
		3*time.Second, 20*time.Millisecond)
	for _, m := range as.Messages() {
		assert.Equal(t, chat.StatusSent, m.Status, "not seen while away")
	}

	bob.app.SetVisible(ctx, true)
	assert.Zero(t, bob.app.Unread().Total())
	require.Eventually(t, func() bool {
		for _, m := range as.Messages() {
			if m.Status != chat.StatusSeen {
				return false
			}
		}
		return true
	}, 3*time.Second, 20*time.Millisecond)
}
