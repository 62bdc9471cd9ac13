// Package admin serves the operations endpoints: health, pipeline status and
// Prometheus metrics.
package admin

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
)

// NewRouter registers the operations routes
func NewRouter(h *Handlers, secret string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.handleHealth)
	r.Get("/metrics", h.handleMetrics)
	r.With(AuthMiddleware(secret)).Get("/status", h.handleStatus)

	return r
}

// Server runs the operations router until stopped
type Server struct {
	srv *http.Server
}

// NewServer creates a server listening on address:port
func NewServer(address string, port int, handler http.Handler) *Server {
	return &Server{
		srv: &http.Server{
			Addr:              fmt.Sprintf("%s:%d", address, port),
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Start serves in the background
func (s *Server) Start() {
	go func() {
		log.Info().Str("addr", s.srv.Addr).Msg("Admin server listening")
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Admin server failed")
		}
	}()
}

// Stop shuts the server down, waiting for in-flight requests
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
