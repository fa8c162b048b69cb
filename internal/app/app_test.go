package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markb/tasklive/internal/auth"
	"github.com/markb/tasklive/internal/chat"
	"github.com/markb/tasklive/internal/presence"
	"github.com/markb/tasklive/internal/transport"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Presence.CoalesceDelay = 0
	cfg.Chat.TypingTimeout = 50 * time.Millisecond
	cfg.Chat.SendTimeout = time.Second
	return cfg
}

type user struct {
	app  *App
	auth *auth.Store
}

func newUser(t *testing.T, broker *transport.Memory, cfg Config, id, name string) user {
	t.Helper()
	store := auth.NewStore()
	a := New(store, broker, cfg)
	a.Start()
	t.Cleanup(a.Close)
	if id != "" {
		store.SignIn(auth.Session{UserID: id, Username: name})
	}
	return user{app: a, auth: store}
}

func TestSignedOutAppIsInactive(t *testing.T) {
	broker := transport.NewMemory()
	u := newUser(t, broker, testConfig(), "", "")

	assert.Zero(t, broker.Members(presence.GlobalChannel))
	_, err := u.app.OpenRoom("chat-u1-u2")
	assert.ErrorIs(t, err, ErrSignedOut)
	_, err = u.app.OpenDirect("u2")
	assert.ErrorIs(t, err, ErrSignedOut)
}

func TestPresenceFollowsAuth(t *testing.T) {
	broker := transport.NewMemory()
	alice := newUser(t, broker, testConfig(), "u1", "Alice")
	bob := newUser(t, broker, testConfig(), "u2", "Bob")

	want := []presence.User{{ID: "u1", Username: "Alice"}, {ID: "u2", Username: "Bob"}}
	assert.Equal(t, want, alice.app.Presence().Users(presence.GlobalChannel))

	bob.auth.SignOut()
	assert.Equal(t, []presence.User{{ID: "u1", Username: "Alice"}}, alice.app.Presence().Users(presence.GlobalChannel))
	assert.Empty(t, bob.app.Presence().Users(presence.GlobalChannel))

	bob.auth.SignIn(auth.Session{UserID: "u2", Username: "Robert"})
	assert.Equal(t, []presence.User{{ID: "u1", Username: "Alice"}, {ID: "u2", Username: "Robert"}},
		alice.app.Presence().Users(presence.GlobalChannel))
	assert.Equal(t, 2, broker.Members(presence.GlobalChannel), "one channel per signed-in user")
}

func TestTokenRefreshKeepsChannels(t *testing.T) {
	broker := transport.NewMemory()
	alice := newUser(t, broker, testConfig(), "u1", "Alice")
	s, err := alice.app.OpenDirect("u2")
	require.NoError(t, err)

	alice.auth.SignIn(auth.Session{UserID: "u1", Username: "Alice", AccessToken: "refreshed"})

	assert.True(t, s.IsConnected())
	current, _ := alice.app.Session()
	assert.Equal(t, "refreshed", current.AccessToken)
}

func TestSimpleChannel(t *testing.T) {
	broker := transport.NewMemory()
	cfg := testConfig()
	cfg.SimpleChannel = true
	alice := newUser(t, broker, cfg, "u1", "Alice")

	assert.Equal(t, 1, broker.Members(presence.SimpleChannel))
	assert.Equal(t, []presence.User{{ID: "u1", Username: "Alice"}}, alice.app.Presence().Users(presence.SimpleChannel))

	alice.auth.SignOut()
	assert.Zero(t, broker.Members(presence.SimpleChannel))
}

func TestDirectChatSeenAndUnread(t *testing.T) {
	broker := transport.NewMemory()
	cfg := testConfig()
	cfg.WatchPeers = false
	alice := newUser(t, broker, cfg, "u1", "Alice")
	bob := newUser(t, broker, cfg, "u2", "Bob")

	a, err := alice.app.OpenDirect("u2")
	require.NoError(t, err)
	b, err := bob.app.OpenDirect("u1")
	require.NoError(t, err)
	assert.Equal(t, "chat-u1-u2", a.Room())
	assert.Same(t, a, mustOpen(t, alice.app, "chat-u1-u2"), "consumers of a room share one session")

	require.True(t, a.Send(context.Background(), "m1"))

	require.Len(t, a.Messages(), 1)
	assert.Equal(t, chat.StatusSeen, a.Messages()[0].Status)
	require.Len(t, b.Messages(), 1)
	assert.Zero(t, bob.app.Unread().Total(), "the open room is being read")
}

func TestViewedRoomDoesNotNotifyUnread(t *testing.T) {
	broker := transport.NewMemory()
	cfg := testConfig()
	cfg.WatchPeers = false
	alice := newUser(t, broker, cfg, "u1", "Alice")
	bob := newUser(t, broker, cfg, "u2", "Bob")

	a, err := alice.app.OpenDirect("u2")
	require.NoError(t, err)
	_, err = bob.app.OpenDirect("u1")
	require.NoError(t, err)

	var totals []int
	unsubscribe := bob.app.Unread().Subscribe(func(total int) { totals = append(totals, total) })
	defer unsubscribe()

	require.True(t, a.Send(context.Background(), "one"))
	require.True(t, a.Send(context.Background(), "two"))

	assert.Empty(t, totals, "messages in a viewed room are never counted")
	assert.Zero(t, bob.app.Unread().Total())
}

func TestHiddenAppCountsAndAcksOnReturn(t *testing.T) {
	broker := transport.NewMemory()
	cfg := testConfig()
	cfg.WatchPeers = false
	alice := newUser(t, broker, cfg, "u1", "Alice")
	bob := newUser(t, broker, cfg, "u2", "Bob")

	a, err := alice.app.OpenDirect("u2")
	require.NoError(t, err)
	_, err = bob.app.OpenDirect("u1")
	require.NoError(t, err)

	ctx := context.Background()
	bob.app.SetVisible(ctx, false)
	require.True(t, a.Send(ctx, "while away"))

	assert.Equal(t, chat.StatusSent, a.Messages()[0].Status)
	assert.Equal(t, 1, bob.app.Unread().Count("chat-u1-u2"))

	bob.app.SetVisible(ctx, true)
	assert.Equal(t, chat.StatusSeen, a.Messages()[0].Status)
	assert.Zero(t, bob.app.Unread().Total())
}

func TestWatchPeersCountsUnopenedRooms(t *testing.T) {
	broker := transport.NewMemory()
	alice := newUser(t, broker, testConfig(), "u1", "Alice")
	bob := newUser(t, broker, testConfig(), "u2", "Bob")

	require.Eventually(t, func() bool {
		return broker.Members("chat-u1-u2") == 2
	}, time.Second, 5*time.Millisecond, "both sides watch the direct room")

	a, err := alice.app.OpenDirect("u2")
	require.NoError(t, err)
	require.True(t, a.Send(context.Background(), "ping"))

	assert.Equal(t, 1, bob.app.Unread().Count("chat-u1-u2"))
	assert.Equal(t, 2, broker.Members("chat-u1-u2"), "opening reuses the watched session")

	_, err = bob.app.OpenDirect("u1")
	require.NoError(t, err)
	assert.Zero(t, bob.app.Unread().Total())
}

func TestWatchPeersReleasesOfflinePeers(t *testing.T) {
	broker := transport.NewMemory()
	newUser(t, broker, testConfig(), "u1", "Alice")
	bob := newUser(t, broker, testConfig(), "u2", "Bob")

	require.Eventually(t, func() bool {
		return broker.Members("chat-u1-u2") == 2
	}, time.Second, 5*time.Millisecond)

	bob.auth.SignOut()

	require.Eventually(t, func() bool {
		return broker.Members("chat-u1-u2") == 0
	}, time.Second, 5*time.Millisecond, "alice stops watching once bob is offline")

	bob.auth.SignIn(auth.Session{UserID: "u2", Username: "Bob"})
	require.Eventually(t, func() bool {
		return broker.Members("chat-u1-u2") == 2
	}, time.Second, 5*time.Millisecond, "a returning peer is watched again")
}

func TestSignOutClearsChat(t *testing.T) {
	broker := transport.NewMemory()
	cfg := testConfig()
	cfg.WatchPeers = false
	alice := newUser(t, broker, cfg, "u1", "Alice")
	bob := newUser(t, broker, cfg, "u2", "Bob")

	a, err := alice.app.OpenDirect("u2")
	require.NoError(t, err)
	b, err := bob.app.OpenDirect("u1")
	require.NoError(t, err)
	bob.app.SetVisible(context.Background(), false)
	require.True(t, a.Send(context.Background(), "hello"))
	require.Equal(t, 1, bob.app.Unread().Total())

	bob.auth.SignOut()

	assert.False(t, b.IsConnected())
	assert.Empty(t, b.Messages(), "messages do not survive the session")
	assert.Zero(t, bob.app.Unread().Total())
	assert.Equal(t, 1, broker.Members("chat-u1-u2"))
}

func TestCloseRoom(t *testing.T) {
	broker := transport.NewMemory()
	cfg := testConfig()
	cfg.WatchPeers = false
	alice := newUser(t, broker, cfg, "u1", "Alice")

	s := mustOpen(t, alice.app, "chat-u1-u2")
	mustOpen(t, alice.app, "chat-u1-u2")

	alice.app.CloseRoom("chat-u1-u2")
	assert.True(t, s.IsConnected())
	alice.app.CloseRoom("chat-u1-u2")
	assert.False(t, s.IsConnected())
	assert.Zero(t, broker.Members("chat-u1-u2"))
}

func TestClose(t *testing.T) {
	broker := transport.NewMemory()
	store := auth.NewStore()
	store.SignIn(auth.Session{UserID: "u1", Username: "Alice"})
	a := New(store, broker, testConfig())
	a.Start()
	require.Equal(t, 1, broker.Members(presence.GlobalChannel))

	a.Close()
	a.Close()

	assert.Zero(t, broker.Members(presence.GlobalChannel))
	store.SignIn(auth.Session{UserID: "u1", Username: "Alice"})
	assert.Zero(t, broker.Members(presence.GlobalChannel), "a closed app ignores auth changes")
}

func mustOpen(t *testing.T, a *App, room string) *chat.Session {
	t.Helper()
	s, err := a.OpenRoom(room)
	require.NoError(t, err)
	return s
}
