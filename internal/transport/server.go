package transport

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// MountFunc registers handlers onto the provided ServeMux. By passing
// *http.ServeMux, a caller can register multiple independent handlers
// (e.g. /metrics and /healthz) on the same server.
type MountFunc func(mux *http.ServeMux) error

// ServerOption configures a Server.
type ServerOption func(*Server)

// Server is a plain HTTP server used for side-channel endpoints
// (metrics, health checks) that sit next to the control transport. It
// satisfies the Listener interface so it can be run alongside the
// control acceptor and tunnel listeners under Serve.
type Server struct {
	*http.Server
	address string
	mount   MountFunc
}

// WithAddress configures the server's listen address.
func WithAddress(address string) ServerOption {
	return func(o *Server) {
		o.address = address
	}
}

// WithMount configures the mount function used to register handlers.
func WithMount(mount MountFunc) ServerOption {
	return func(o *Server) {
		o.mount = mount
	}
}

// NewServer creates a new HTTP server with the given options.
func NewServer(opts ...ServerOption) (*Server, error) {
	srv := &Server{address: ":8300"}

	for _, opt := range opts {
		opt(srv)
	}

	mux := http.NewServeMux()
	if srv.mount != nil {
		if err := srv.mount(mux); err != nil {
			return nil, err
		}
	}

	srv.Server = &http.Server{
		Addr:              srv.address,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       5 * time.Minute,
		WriteTimeout:      5 * time.Minute,
		MaxHeaderBytes:    8 * 1024, // 8KiB
	}

	return srv, nil
}

// Start starts the HTTP server and blocks until the context is canceled.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return err
	}

	s.BaseContext = func(net.Listener) context.Context {
		return ctx
	}

	slog.Info("side-channel server starting", "address", listener.Addr().String())

	if err := s.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}

// Stop stops the HTTP server gracefully.
func (s *Server) Stop(ctx context.Context) error {
	slog.Info("shutting down side-channel server")
	if err := s.Shutdown(ctx); err != nil {
		slog.Error("graceful shutdown failed, forcing close", "error", err)
		return s.Close()
	}
	return nil
}
