package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/cuemby/foundry/pkg/health"
	"github.com/cuemby/foundry/pkg/log"
)

// Server wraps one service's HTTP listener
type Server struct {
	name   string
	server *http.Server
}

// NewServer creates an HTTP server for a route tree
func NewServer(name, addr string, handler http.Handler) *Server {
	return &Server{
		name: name,
		server: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Start begins serving; it blocks until the listener fails or the
// server is stopped
func (s *Server) Start() error {
	l := log.WithComponent("api")
	l.Info().Str("service", s.name).Str("addr", s.server.Addr).Msg("HTTP API listening")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("%s server failed: %w", s.name, err)
	}
	return nil
}

// Stop gracefully stops the server
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// handleHealthz reports dependency health for the readiness probes
func handleHealthz(w http.ResponseWriter, r *http.Request, reg *health.Registry) {
	healthy, results := reg.CheckAll(r.Context())

	type entry struct {
		Healthy bool   `json:"healthy"`
		Message string `json:"message"`
	}
	deps := make(map[string]entry, len(results))
	for name, result := range results {
		deps[name] = entry{Healthy: result.Healthy, Message: result.Message}
	}

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]interface{}{
		"healthy":      healthy,
		"dependencies": deps,
	})
}
