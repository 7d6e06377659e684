package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"keyrelay/internal/health"
)

// Server exposes /metrics and, when a checker is given, /healthz,
// /livez and /readyz.
type Server struct {
	http     *http.Server
	listener net.Listener
	logger   *slog.Logger
	done     chan struct{}
}

// NewServer binds addr. Serving starts with Start.
func NewServer(addr string, registry *Registry, checker *health.Checker, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", registry.HTTPHandler())
	if checker != nil {
		mux.Handle("GET /healthz", checker.HealthHandler())
		mux.Handle("GET /livez", checker.LivenessHandler())
		mux.Handle("GET /readyz", checker.ReadinessHandler())
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listen: %w", err)
	}

	return &Server{
		http: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		listener: ln,
		logger:   logger.With(slog.String("subsystem", "metrics")),
		done:     make(chan struct{}),
	}, nil
}

// Addr returns the bound address.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Start serves in the background.
func (s *Server) Start() {
	s.logger.Info("metrics endpoint listening", slog.String("addr", s.Addr()))
	go func() {
		defer close(s.done)
		if err := s.http.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("metrics server failed", slog.String("error", err.Error()))
		}
	}()
}

// Shutdown stops accepting scrapes and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.http.Shutdown(ctx)
	select {
	case <-s.done:
	case <-ctx.Done():
	}
	return err
}
