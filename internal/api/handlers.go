package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// handleIndex returns basic service information
// GET / - Returns service info and available endpoints
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	info := map[string]interface{}{
		"service":     "Escrow Contract Core",
		"version":     "1.0.0",
		"description": "Milestone-based funding escrow contracts for Stellar",
		"endpoints": map[string]string{
			"GET /":        "This page - Service information",
			"GET /health":  "Health check endpoint",
			"GET /metrics": "Prometheus metrics for monitoring",
		},
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(info)
}

// handleHealth returns health status
// GET /health - Health check for monitoring systems
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	code := http.StatusOK

	if s.db != nil {
		if err := s.db.Ping(r.Context()); err != nil {
			status = "database unreachable"
			code = http.StatusServiceUnavailable
		}
	}

	health := map[string]interface{}{
		"status":    status,
		"timestamp": time.Now().UTC(),
		"service":   "escrow-core",
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(health)
}

// handleMetrics returns Prometheus metrics
// GET /metrics - Prometheus scraping endpoint
func (s *Server) handleMetrics() http.Handler {
	return promhttp.Handler()
}
