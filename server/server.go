package server

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"tangled.org/solarpunk.net/dtnbundle/bundle"
)

// Server serves a node's bundles and sync protocol over HTTP
type Server struct {
	manager    *bundle.Manager
	addr       string
	config     *Config
	startTime  time.Time
	httpServer *http.Server
	draining   atomic.Bool
}

// Config configures the server
type Config struct {
	Addr            string
	EnableWebSocket bool
	Version         string

	// MaxBodyBytes caps request bodies; 0 uses 64 MiB
	MaxBodyBytes int64
}

// New creates a new HTTP server
func New(manager *bundle.Manager, config *Config) *Server {
	if config.Version == "" {
		config.Version = manager.Version()
	}
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = 64 << 20
	}

	s := &Server{
		manager:   manager,
		addr:      config.Addr,
		config:    config,
		startTime: manager.Clock().Now(),
	}

	s.httpServer = &http.Server{
		Addr:              config.Addr,
		Handler:           s.createHandler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

// Handler returns the routed handler, for embedding or httptest
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// ListenAndServe starts the HTTP server
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server, waiting for in-flight
// requests until ctx expires
func (s *Server) Shutdown(ctx context.Context) error {
	s.draining.Store(true)
	return s.httpServer.Shutdown(ctx)
}

// createHandler creates the HTTP handler with all routes
func (s *Server) createHandler() http.Handler {
	mux := http.NewServeMux()

	// Bundles
	mux.HandleFunc("POST /bundles", s.handleCreateBundle())
	mux.HandleFunc("GET /bundles", s.handleListBundles())
	mux.HandleFunc("POST /bundles/receive", s.handleReceiveBundles())
	mux.HandleFunc("GET /bundles/{id}", s.handleGetBundle())

	// Sync protocol
	mux.HandleFunc("GET /sync/index", s.handleSyncIndex())
	mux.HandleFunc("POST /sync/push", s.handleSyncPush())
	mux.HandleFunc("GET /sync/pull", s.handleSyncPull())

	// Node
	mux.HandleFunc("GET /cache/stats", s.handleCacheStats())
	mux.HandleFunc("GET /node/info", s.handleNodeInfo())
	mux.HandleFunc("GET /status", s.handleStatus())
	mux.HandleFunc("GET /health", s.handleHealth())
	mux.HandleFunc("GET /ready", s.handleReady())
	mux.HandleFunc("GET /live", s.handleLive())
	mux.Handle("GET /metrics", s.manager.Metrics().Handler())

	// WebSocket
	if s.config.EnableWebSocket {
		mux.HandleFunc("GET /ws", s.handleWebSocket())
	}

	mux.HandleFunc("GET /", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/" {
			s.handleRoot()(w, r)
			return
		}
		sendJSON(w, 404, map[string]string{"error": "not found"})
	})

	return corsMiddleware(s.metricsMiddleware(mux))
}

// GetStartTime returns when the server started
func (s *Server) GetStartTime() time.Time {
	return s.startTime
}
