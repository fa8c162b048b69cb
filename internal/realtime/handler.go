package realtime

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/markb/tasklive/internal/log"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // CORS is handled by the router
	},
}

// HandleWebSocket handles WebSocket upgrade requests
func (s *Service) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	apiKey := r.URL.Query().Get("apikey")
	if apiKey == "" {
		apiKey = r.Header.Get("apikey")
	}

	if !s.validateAPIKey(apiKey) {
		log.Debug("realtime: invalid API key", "remote_addr", r.RemoteAddr)
		http.Error(w, "Invalid API key", http.StatusUnauthorized)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error("realtime: upgrade failed", "error", err.Error())
		return
	}

	conn := s.hub.NewConn(ws)
	log.Debug("realtime: new connection", "conn_id", conn.ID())

	go conn.WritePump()
	go conn.ReadPump()
}

// HandleStats writes hub statistics as JSON.
func (s *Service) HandleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.hub.Stats())
}

// validateAPIKey accepts the configured anon key or any JWT signed with
// the hub secret whose role is anon, authenticated or service_role.
func (s *Service) validateAPIKey(key string) bool {
	if key == "" {
		return false
	}
	if s.anonKey != "" && key == s.anonKey {
		return true
	}

	claims, err := s.hub.validateToken(key)
	if err != nil {
		return false
	}

	role, _ := claims["role"].(string)
	switch role {
	case "anon", "authenticated", "service_role":
		return true
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
