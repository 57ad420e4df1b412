package ws

import (
	"context"
	"net/http"

	"notify-relay/internal/domain/identity"
	"notify-relay/internal/platform/logging"
)

// ServerConfig stores the settings required to expose the websocket transport.
type ServerConfig struct {
	Path   string
	Router RouterOptions
}

// Server coordinates the websocket router, hub and lifecycle management.
// The HTTP listener belongs to the caller, which mounts Handler at Path.
type Server struct {
	cfg    ServerConfig
	hub    *Hub
	router *Router
	logger *logging.Logger
}

// NewServer builds a websocket transport server.
func NewServer(cfg ServerConfig, verifier identity.Verifier, logger *logging.Logger) *Server {
	if cfg.Path == "" {
		cfg.Path = "/ws"
	}
	hub := NewHub()
	return &Server{
		cfg:    cfg,
		hub:    hub,
		router: NewRouter(hub, verifier, logger, cfg.Router),
		logger: logger,
	}
}

// SetHandlerBuilder wires the handler construction callback.
func (s *Server) SetHandlerBuilder(builder HandlerBuilder) {
	s.router.SetHandlerBuilder(builder)
}

// Path is where Handler should be mounted.
func (s *Server) Path() string {
	return s.cfg.Path
}

// Handler returns the upgrade endpoint.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start ties new sessions to ctx and closes every session once ctx ends.
// It blocks until then.
func (s *Server) Start(ctx context.Context) error {
	s.router.SetBaseContext(ctx)
	s.logger.InfoTag("WebSocket", "accepting connections on %s", s.cfg.Path)

	<-ctx.Done()
	s.Stop(context.Cause(ctx))
	return nil
}

// Stop closes all active sessions.
func (s *Server) Stop(reason error) {
	if reason == nil || reason == context.Canceled {
		reason = ErrSessionShutdown
	}
	s.logger.InfoTag("WebSocket", "closing %d session(s)", s.hub.Count())
	s.hub.CloseAll(reason)
}

// Count exposes the number of open sessions.
func (s *Server) Count() int {
	return s.hub.Count()
}
