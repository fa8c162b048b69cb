// internal/server/server_test.go
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markb/tasklive/internal/observability"
	"github.com/markb/tasklive/internal/realtime"
	"github.com/markb/tasklive/internal/transport"
)

const (
	testSecret  = "test-secret-key-min-32-characters"
	testAnonKey = "test-anon-key"
)

func setupTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := DefaultConfig()
	cfg.JWTSecret = testSecret
	cfg.AnonKey = testAnonKey
	srv := New(cfg)
	t.Cleanup(func() { srv.Realtime().Shutdown() })
	return srv
}

func TestHealthEndpoint(t *testing.T) {
	srv := setupTestServer(t)

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
	assert.EqualValues(t, 0, body["connections"])
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
}

func TestStatsEndpoint(t *testing.T) {
	srv := setupTestServer(t)

	req := httptest.NewRequest("GET", "/realtime/v1/stats", nil)
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var stats realtime.HubStats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Zero(t, stats.Connections)
	assert.Zero(t, stats.Channels)
}

func TestWebSocketRejectsMissingKey(t *testing.T) {
	srv := setupTestServer(t)

	req := httptest.NewRequest("GET", "/realtime/v1/websocket", nil)
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestCORSPreflight(t *testing.T) {
	srv := setupTestServer(t)

	req := httptest.NewRequest("OPTIONS", "/realtime/v1/stats", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", "GET")
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORSRestrictedOrigins(t *testing.T) {
	srv := New(Config{JWTSecret: testSecret, AllowedOrigins: []string{"https://app.example.com"}})
	t.Cleanup(func() { srv.Realtime().Shutdown() })

	for origin, want := range map[string]string{
		"https://app.example.com":  "https://app.example.com",
		"https://evil.example.com": "",
	} {
		req := httptest.NewRequest("GET", "/health", nil)
		req.Header.Set("Origin", origin)
		w := httptest.NewRecorder()
		srv.Router().ServeHTTP(w, req)
		assert.Equal(t, want, w.Header().Get("Access-Control-Allow-Origin"), origin)
	}
}

func TestRealtimeThroughRouter(t *testing.T) {
	srv := setupTestServer(t)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ch := dialServer(t, ts).Channel("global-presence", transport.Options{PresenceKey: "u1"})
	subscribed := make(chan struct{}, 1)
	ch.Subscribe(func(s transport.Status, _ error) {
		if s == transport.StatusSubscribed {
			subscribed <- struct{}{}
		}
	})
	select {
	case <-subscribed:
	case <-ctx.Done():
		t.Fatal("channel never subscribed")
	}
	require.NoError(t, ch.Track(ctx, map[string]any{"user_id": "u1", "username": "alice"}))

	require.Eventually(t, func() bool {
		stats := srv.Realtime().Stats()
		return stats.Connections == 1 && len(stats.ChannelDetails) == 1 &&
			stats.ChannelDetails[0].Presences == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "realtime:global-presence", srv.Realtime().Stats().ChannelDetails[0].Topic)
}

func TestShutdownClosesRealtimeConnections(t *testing.T) {
	srv := setupTestServer(t)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	sock := dialServer(t, ts)
	require.Eventually(t, func() bool { return srv.Realtime().Stats().Connections == 1 },
		2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))

	select {
	case <-sock.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("socket still open after shutdown")
	}
}

func TestListenAndServeReturnsNilAfterShutdown(t *testing.T) {
	srv := setupTestServer(t)

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe("127.0.0.1:0") }()

	require.Eventually(t, func() bool {
		srv.mu.Lock()
		defer srv.mu.Unlock()
		return srv.httpServer != nil
	}, 2*time.Second, 10*time.Millisecond)
	// Give the listener a moment to bind before shutting down.
	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))

	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("ListenAndServe did not return")
	}
}

func dialServer(t *testing.T, ts *httptest.Server) *transport.Socket {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sock, err := transport.Dial(ctx, transport.SocketConfig{
		URL:     "ws" + strings.TrimPrefix(ts.URL, "http") + "/realtime/v1/websocket",
		APIKey:  testAnonKey,
		Timeout: 2 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { sock.Close() })
	return sock
}

func TestRealtimeStatsForTelemetry(t *testing.T) {
	srv := setupTestServer(t)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, key := range []string{"u1", "u2"} {
		ch := dialServer(t, ts).Channel("online-users", transport.Options{PresenceKey: key})
		ch.Subscribe(func(transport.Status, error) {})
		require.Eventually(t, func() bool {
			return ch.Track(ctx, map[string]any{"user_id": key}) == nil
		}, 2*time.Second, 20*time.Millisecond)
	}

	require.Eventually(t, func() bool {
		return srv.realtimeStats() == observability.RealtimeStats{Connections: 2, Channels: 1, Presences: 2}
	}, 2*time.Second, 10*time.Millisecond)
}

func TestTelemetryMiddlewareMounted(t *testing.T) {
	tel, cleanup, err := observability.Init(context.Background(), observability.NewConfig())
	require.NoError(t, err)
	defer cleanup()

	cfg := DefaultConfig()
	cfg.JWTSecret = testSecret
	cfg.Telemetry = tel
	srv := New(cfg)
	t.Cleanup(func() { srv.Realtime().Shutdown() })

	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, httptest.NewRequest("GET", "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}
