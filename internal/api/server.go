// Package api exposes the gateway over HTTP: status, live streams (SSE and
// WebSocket), sensor commands, detection history and health probes.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/care/fingerprint/internal/broadcast"
	"github.com/care/fingerprint/internal/core"
	"github.com/care/fingerprint/internal/status"
	"github.com/care/fingerprint/internal/store"
)

// Backend is what the HTTP surface needs from the engine. *core.Engine
// implements it.
type Backend interface {
	Status() status.Snapshot
	Subscribe() (*broadcast.Subscription, error)
	Unsubscribe(sub *broadcast.Subscription)
	Register(ctx context.Context, id int) (core.CommandResult, error)
	Delete(ctx context.Context, id int) (core.CommandResult, error)
	Recent(ctx context.Context, limit int) ([]store.Record, error)
	Detections(ctx context.Context, fingerprintID *int) ([]store.Record, error)
	HealthCheck(ctx context.Context) core.HealthStatus
	Uptime() time.Duration
}

// Server is the gateway HTTP server.
type Server struct {
	backend Backend
	srv     *http.Server
}

// New creates a server listening on addr.
func New(backend Backend, addr string) *Server {
	s := &Server{backend: backend}
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		// No WriteTimeout: /stream and /ws stay open for the client's
		// lifetime.
		IdleTimeout: 60 * time.Second,
	}
	return s
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /stream", s.handleStream)
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	mux.HandleFunc("POST /register", s.handleRegister)
	mux.HandleFunc("POST /delete", s.handleDelete)
	mux.HandleFunc("GET /detections", s.handleDetections)
	mux.HandleFunc("GET /detections/recent", s.handleRecent)
	mux.HandleFunc("GET /health", s.handleLiveness)
	mux.HandleFunc("GET /readiness", s.handleReadiness)

	return mux
}

// Start serves in a goroutine and returns immediately.
func (s *Server) Start() {
	slog.Info("starting http server",
		"addr", s.srv.Addr,
		"endpoints", []string{"/status", "/stream", "/ws", "/register", "/delete", "/detections", "/detections/recent", "/health", "/readiness"},
	)

	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server failed", "error", err)
		}
	}()
}

// Shutdown stops accepting connections and waits for handlers up to ctx.
// Streaming handlers end when the engine closes their subscriptions.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
