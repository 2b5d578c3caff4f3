// Package gateway serves the host's local HTTP endpoint: the tab WebSocket
// and a health probe.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"cachedb/internal/gateway/handlers"
	"cachedb/internal/gateway/middleware"
	"cachedb/internal/host"
	"cachedb/internal/transport"
	"cachedb/pkg/logger"
)

// Backend is the part of the backend connection the health probe reads.
type Backend interface {
	State() transport.ConnectionState
	Authenticated() bool
}

// Server is the local HTTP server tabs connect to.
type Server struct {
	httpServer *http.Server
	router     *mux.Router
	host       *host.Host
	backend    Backend
	version    string
	started    time.Time
}

// NewServer creates a server listening on addr once started.
func NewServer(addr, version string, h *host.Host, backend Backend) *Server {
	router := mux.NewRouter()

	s := &Server{
		httpServer: &http.Server{
			Addr: addr,
			// Recovery -> Logging -> router
			Handler:           middleware.Recovery(middleware.Logging(router)),
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
		router:  router,
		host:    h,
		backend: backend,
		version: version,
		started: time.Now(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		host.ServeWs(s.host, w, r)
	}).Methods(http.MethodGet)

	s.router.HandleFunc("/health", handlers.HealthHandler(s.version, s.started, s)).Methods(http.MethodGet)

	s.router.NotFoundHandler = http.HandlerFunc(handlers.NotFound)
	s.router.MethodNotAllowedHandler = http.HandlerFunc(handlers.MethodNotAllowed)
}

// BackendState implements handlers.Probe.
func (s *Server) BackendState() string { return s.backend.State().String() }

// Authenticated implements handlers.Probe.
func (s *Server) Authenticated() bool { return s.backend.Authenticated() }

// Ports implements handlers.Probe.
func (s *Server) Ports() int { return s.host.Ports() }

// Start listens and serves until Shutdown. It returns nil after a clean
// shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.httpServer.Addr, err)
	}
	return s.Serve(ln)
}

// Serve serves on an existing listener.
func (s *Server) Serve(ln net.Listener) error {
	logger.Info().Str("addr", ln.Addr().String()).Msg("Starting gateway server")

	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Shutdown stops accepting connections and waits up to 5s for in-flight
// requests.
func (s *Server) Shutdown(ctx context.Context) error {
	logger.Info().Msg("Shutting down gateway server")

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}
	return nil
}

// Router returns the underlying router for testing.
func (s *Server) Router() *mux.Router {
	return s.router
}

// Handler returns the full middleware chain.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}
