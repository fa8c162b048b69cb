// Package realtime implements a development server for the Phoenix
// Protocol v1.0.0 channel flavour spoken by hosted realtime backends:
// broadcast and presence over WebSocket. Database change feeds are not
// served; tasklive only needs ephemeral channels.
package realtime

// Service provides realtime functionality
type Service struct {
	hub     *Hub
	anonKey string
}

// Config holds realtime configuration
type Config struct {
	JWTSecret string
	AnonKey   string
}

// NewService creates a new realtime service
func NewService(cfg Config) *Service {
	return &Service{
		hub:     NewHub(cfg.JWTSecret),
		anonKey: cfg.AnonKey,
	}
}

// Hub returns the connection hub
func (s *Service) Hub() *Hub {
	return s.hub
}

// Stats returns realtime statistics
func (s *Service) Stats() HubStats {
	return s.hub.Stats()
}

// Shutdown closes every connection. Presence held by those
// connections is released as they unregister.
func (s *Service) Shutdown() {
	s.hub.closeAll()
}
