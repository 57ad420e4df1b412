package ws

import (
	"context"
	"sync/atomic"
	"time"

	"notify-relay/internal/domain/identity"
	"notify-relay/internal/platform/logging"
)

const defaultCloseTimeout = 5 * time.Second

// Principal is the verified owner of a session.
type Principal struct {
	Token string
	User  identity.UserIdentity
}

// SessionHandler drives one authenticated session. Serve consumes
// s.Inbound() and returns when the session should end; the inbound channel
// closes when the client goes away.
type SessionHandler interface {
	Serve(ctx context.Context, s *Session) error
}

// SessionHandlerFunc adapts a function to SessionHandler.
type SessionHandlerFunc func(ctx context.Context, s *Session) error

func (f SessionHandlerFunc) Serve(ctx context.Context, s *Session) error { return f(ctx, s) }

// Session encapsulates the lifecycle of a single websocket connection.
type Session struct {
	id      string
	conn    *Connection
	logger  *logging.Logger
	inbound chan Frame

	ctx    context.Context
	cancel context.CancelCauseFunc

	closed atomic.Bool
}

// NewSession constructs a managed websocket session.
func NewSession(parent context.Context, conn *Connection, logger *logging.Logger) *Session {
	sessionCtx, cancel := context.WithCancelCause(parent)
	return &Session{
		id:      conn.ID(),
		conn:    conn,
		logger:  logger,
		inbound: make(chan Frame, 16),
		ctx:     sessionCtx,
		cancel:  cancel,
	}
}

// Context returns the session context.
func (s *Session) Context() context.Context {
	return s.ctx
}

// ID exposes the session identifier.
func (s *Session) ID() string {
	return s.id
}

// Connection returns the outbound side of the session.
func (s *Session) Connection() *Connection {
	return s.conn
}

// Inbound delivers client frames in arrival order.
func (s *Session) Inbound() <-chan Frame {
	return s.inbound
}

// Run starts the socket pumps, runs handler and invokes onDone with the
// reason the session ended.
func (s *Session) Run(handler SessionHandler, onDone func(error)) {
	go func() {
		if err := s.conn.writePump(s.ctx); err != nil {
			s.cancel(err)
		}
	}()
	go func() {
		err := s.conn.readPump(s.ctx, s.inbound)
		if err == nil {
			err = ErrSessionShutdown
		}
		s.cancel(err)
		close(s.inbound)
	}()

	err := handler.Serve(s.ctx, s)
	if err == nil {
		err = context.Cause(s.ctx)
	}
	s.Close(err)

	if onDone != nil {
		onDone(context.Cause(s.ctx))
	}
}

// Close attempts to gracefully terminate the session.
func (s *Session) Close(reason error) {
	if reason == nil {
		reason = ErrSessionShutdown
	}

	if !s.closed.CompareAndSwap(false, true) {
		return
	}

	s.cancel(reason)

	done := make(chan struct{})
	go func() {
		if err := s.conn.Close(); err != nil && !isExpectedClose(reason) {
			s.logger.WarnTag("WebSocket", "session %s connection close failed: %v", s.id, err)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(defaultCloseTimeout):
		s.logger.WarnTag("WebSocket", "session %s close timed out: %v", s.id, reason)
	}
}
