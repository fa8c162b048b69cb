// internal/server/server.go
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/markb/tasklive/internal/log"
	"github.com/markb/tasklive/internal/observability"
	"github.com/markb/tasklive/internal/realtime"
)

// Config holds server configuration.
type Config struct {
	JWTSecret      string
	AnonKey        string   // Static key accepted besides signed anon keys
	AllowedOrigins []string // CORS origins, "*" for any

	// Telemetry instruments requests and reports hub gauges when set.
	Telemetry *observability.Telemetry
}

// DefaultConfig returns a config that accepts any origin.
func DefaultConfig() Config {
	return Config{AllowedOrigins: []string{"*"}}
}

// Server mounts the realtime endpoint next to health and stats routes.
type Server struct {
	router          *chi.Mux
	realtimeService *realtime.Service

	mu           sync.Mutex
	httpServer   *http.Server
	httpsServer  *http.Server
	httpRedirect *http.Server
}

func New(cfg Config) *Server {
	s := &Server{
		router: chi.NewRouter(),
		realtimeService: realtime.NewService(realtime.Config{
			JWTSecret: cfg.JWTSecret,
			AnonKey:   cfg.AnonKey,
		}),
	}
	s.setupRoutes(cfg)
	if cfg.Telemetry != nil {
		if err := cfg.Telemetry.ObserveRealtime(s.realtimeStats); err != nil {
			log.Warn("server: realtime gauges unavailable", "error", err.Error())
		}
	}
	return s
}

func (s *Server) realtimeStats() observability.RealtimeStats {
	stats := s.realtimeService.Stats()
	out := observability.RealtimeStats{
		Connections: stats.Connections,
		Channels:    stats.Channels,
	}
	for _, ch := range stats.ChannelDetails {
		out.Presences += ch.Presences
	}
	return out
}

func (s *Server) setupRoutes(cfg Config) {
	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "OPTIONS", "HEAD"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	if cfg.Telemetry != nil {
		s.router.Use(observability.HTTPMiddleware(cfg.Telemetry, "tasklive"))
	}
	s.router.Use(log.RequestLogger)
	s.router.Use(middleware.Recoverer)

	s.router.Get("/health", s.handleHealth)

	s.router.Route("/realtime/v1", func(r chi.Router) {
		// The upgrade must not carry a Content-Type header.
		r.Get("/websocket", s.realtimeService.HandleWebSocket)
		r.With(middleware.SetHeader("Content-Type", "application/json")).
			Get("/stats", s.realtimeService.HandleStats)
	})
}

func (s *Server) Router() *chi.Mux {
	return s.router
}

// Realtime returns the realtime service behind /realtime/v1.
func (s *Server) Realtime() *realtime.Service {
	return s.realtimeService
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats := s.realtimeService.Stats()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":      "healthy",
		"connections": stats.Connections,
		"channels":    stats.Channels,
	})
}

// ListenAndServe serves plain HTTP on addr. It returns nil after Shutdown.
func (s *Server) ListenAndServe(addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.httpServer = srv
	s.mu.Unlock()

	log.Info("server: listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ListenAndServeTLS serves HTTPS on addr with a Let's Encrypt
// certificate for cfg.Domain. cfg.HTTPAddr answers ACME challenges and
// redirects everything else to HTTPS.
func (s *Server) ListenAndServeTLS(addr string, cfg HTTPSConfig) error {
	if err := ValidateDomain(cfg.Domain); err != nil {
		return err
	}
	if cfg.CertDir == "" {
		cfg.CertDir = "./certs"
	}
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = ":80"
	}

	mgr := NewAutocertManager(cfg.Domain, cfg.CertDir)
	httpsServer := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		TLSConfig:         NewTLSConfig(mgr),
		ReadHeaderTimeout: 10 * time.Second,
	}
	redirect := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           mgr.HTTPHandler(HTTPRedirectHandler(cfg.Domain)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.mu.Lock()
	s.httpsServer = httpsServer
	s.httpRedirect = redirect
	s.mu.Unlock()

	errc := make(chan error, 1)
	go func() {
		log.Info("server: redirect listening", "addr", cfg.HTTPAddr)
		if err := redirect.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- fmt.Errorf("HTTP redirect server: %w", err)
		}
	}()

	log.Info("server: listening with TLS", "addr", addr, "domain", cfg.Domain)
	err := httpsServer.ListenAndServeTLS("", "")
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	select {
	case err := <-errc:
		return err
	default:
		return nil
	}
}

// Shutdown gracefully shuts down the HTTP server(s) and closes every
// realtime connection.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	servers := map[string]*http.Server{
		"HTTPS server":         s.httpsServer,
		"HTTP redirect server": s.httpRedirect,
		"HTTP server":          s.httpServer,
	}
	s.mu.Unlock()

	var errs []error
	for name, srv := range servers {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}

	// Hijacked websocket connections are not tracked by http.Server.
	s.realtimeService.Shutdown()

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}
