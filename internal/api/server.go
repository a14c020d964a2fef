package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Pinger reports backend connectivity for the health endpoint. A nil
// Pinger means the process runs on in-memory state and is always
// healthy.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server is the operational HTTP listener: service info, health checks,
// and Prometheus metrics. The contract surface itself is invoked
// in-process, not over HTTP.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	db         Pinger
	port       int
}

// NewServer creates the ops server. db may be nil when no database
// backend is configured.
func NewServer(port int, db Pinger) *Server {
	mux := http.NewServeMux()

	s := &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", port),
			Handler:      mux,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		mux:  mux,
		db:   db,
		port: port,
	}

	s.registerRoutes()

	return s
}

// registerRoutes sets up all HTTP routes
func (s *Server) registerRoutes() {
	s.mux.HandleFunc("/", s.handleIndex)
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.Handle("/metrics", s.handleMetrics())
}

// Start starts the HTTP server in a goroutine
// Returns immediately after starting the server
func (s *Server) Start() error {
	go func() {
		slog.Info("Ops server starting",
			"port", s.port,
			"endpoints", []string{"/", "/health", "/metrics"},
		)

		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Ops server error", "error", err)
		}
	}()

	// Give the server a moment to start
	time.Sleep(100 * time.Millisecond)

	return nil
}

// Shutdown gracefully shuts down the HTTP server
// Waits for active connections to close or context to timeout
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("Ops server shutting down...")
	return s.httpServer.Shutdown(ctx)
}
