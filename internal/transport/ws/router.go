package ws

import (
	"context"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"notify-relay/internal/domain/identity"
	"notify-relay/internal/platform/codec"
	"notify-relay/internal/platform/logging"
	"notify-relay/internal/platform/observability"
)

// HandlerBuilder creates a session handler for an upgraded, authenticated
// connection.
type HandlerBuilder func(conn *Connection, principal Principal) (SessionHandler, error)

// RejectFunc observes refused handshakes.
type RejectFunc func(req *http.Request, err error)

// Router authenticates handshakes and upgrades them to websocket sessions.
type Router struct {
	hub      *Hub
	verifier identity.Verifier
	logger   *logging.Logger

	upgrader         *websocket.Upgrader
	handshakeTimeout time.Duration
	connOpts         ConnectionOptions
	onReject         RejectFunc
	builder          atomic.Value // HandlerBuilder
	base             atomic.Pointer[baseContext]
}

type baseContext struct {
	ctx context.Context
}

// RouterOptions configures the websocket router.
type RouterOptions struct {
	HandshakeTimeout time.Duration
	CheckOrigin      func(r *http.Request) bool
	Connection       ConnectionOptions
	OnReject         RejectFunc
}

// NewRouter constructs a websocket router.
func NewRouter(hub *Hub, verifier identity.Verifier, logger *logging.Logger, opts RouterOptions) *Router {
	upgrader := &websocket.Upgrader{
		CheckOrigin: opts.CheckOrigin,
	}
	if upgrader.CheckOrigin == nil {
		upgrader.CheckOrigin = func(r *http.Request) bool { return true }
	}

	timeout := opts.HandshakeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	r := &Router{
		hub:              hub,
		verifier:         verifier,
		logger:           logger,
		upgrader:         upgrader,
		handshakeTimeout: timeout,
		connOpts:         opts.Connection,
		onReject:         opts.OnReject,
	}
	r.base.Store(&baseContext{ctx: context.Background()})
	return r
}

// SetHandlerBuilder registers the handler builder that will be invoked after a successful upgrade.
func (r *Router) SetHandlerBuilder(builder HandlerBuilder) {
	r.builder.Store(builder)
}

// SetBaseContext sets the parent context of new sessions.
func (r *Router) SetBaseContext(ctx context.Context) {
	if ctx != nil {
		r.base.Store(&baseContext{ctx: ctx})
	}
}

// TokenFromRequest returns the bearer token of a handshake. The
// Authorization header wins over the token query parameter.
func TokenFromRequest(req *http.Request) string {
	if header := strings.TrimSpace(req.Header.Get("Authorization")); header != "" {
		if scheme, token, ok := strings.Cut(header, " "); ok && strings.EqualFold(scheme, "Bearer") {
			if token = strings.TrimSpace(token); token != "" {
				return token
			}
		}
	}
	return strings.TrimSpace(req.URL.Query().Get("token"))
}

type rejection struct {
	Success bool   `json:"success"`
	Data    any    `json:"data"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

func writeRejection(w http.ResponseWriter, reason string) {
	body, _ := codec.Marshal(rejection{
		Success: false,
		Data:    map[string]any{},
		Message: reason,
		Code:    http.StatusUnauthorized,
	})
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write(body)
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.Handle(w, req)
}

// Handle verifies the handshake token, upgrades the HTTP connection and
// launches a new websocket session. Unauthenticated requests get a 401 and
// are never upgraded.
func (r *Router) Handle(w http.ResponseWriter, req *http.Request) {
	value := r.builder.Load()
	if value == nil {
		http.Error(w, "websocket handler not ready", http.StatusServiceUnavailable)
		return
	}
	builder := value.(HandlerBuilder)

	handshakeCtx, cancel := context.WithTimeoutCause(req.Context(), r.handshakeTimeout, ErrHandshakeTimeout)
	defer cancel()

	spanCtx, spanEnd := observability.StartSpan(handshakeCtx, "transport.websocket", "handshake")
	var spanErr error
	defer func() {
		spanEnd(spanErr)
	}()

	token := TokenFromRequest(req)
	user, err := r.verifier.Verify(spanCtx, token)
	if err != nil {
		spanErr = err
		reason := identity.Reason(err)
		observability.RecordMetric(spanCtx, "websocket.handshake.rejected", 1, map[string]string{
			"component": "transport.websocket",
			"reason":    reason,
		})
		r.logger.WarnTag("Auth", "connection from %s rejected: %v", req.RemoteAddr, err)
		if r.onReject != nil {
			r.onReject(req, err)
		}
		writeRejection(w, reason)
		return
	}
	r.logger.InfoTag("Auth", "user authenticated: id=%d name=%s", user.ID, user.Name)

	socket, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		spanErr = err
		observability.RecordMetric(spanCtx, "websocket.upgrade.error", 1, map[string]string{
			"component": "transport.websocket",
		})
		r.logger.ErrorTag("WebSocket", "upgrade failed for user %d: %v", user.ID, err)
		return
	}

	wsConn := NewConnection(uuid.NewString(), socket, r.connOpts, r.logger)
	principal := Principal{Token: token, User: user}

	handler, err := builder(wsConn, principal)
	if err != nil || handler == nil {
		spanErr = err
		observability.RecordMetric(spanCtx, "websocket.connection.error", 1, map[string]string{
			"component": "transport.websocket",
			"reason":    "handler_creation_failed",
		})
		r.logger.ErrorTag("WebSocket", "create session handler failed: %v", err)
		_ = wsConn.Close()
		return
	}

	session := NewSession(r.base.Load().ctx, wsConn, r.logger)
	r.hub.Register(session)

	observability.RecordMetric(spanCtx, "websocket.connection.opened", 1, map[string]string{
		"component": "transport.websocket",
		"session":   session.ID(),
	})

	go session.Run(handler, func(runErr error) {
		r.hub.Unregister(session.ID())
		if !isExpectedClose(runErr) {
			r.logger.WarnTag("WebSocket", "session %s ended abnormally: %v", session.ID(), runErr)
		}
		observability.RecordMetric(session.Context(), "websocket.connection.closed", 1, map[string]string{
			"component": "transport.websocket",
			"session":   session.ID(),
		})
	})
}

// OriginChecker accepts handshakes without an Origin header, and those whose
// Origin is listed. A "*" entry accepts every origin.
func OriginChecker(origins []string) func(*http.Request) bool {
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		allowed[strings.ToLower(o)] = struct{}{}
	}
	return func(req *http.Request) bool {
		origin := req.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := allowed[strings.ToLower(strings.TrimRight(origin, "/"))]
		return ok
	}
}
