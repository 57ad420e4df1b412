package ws

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"notify-relay/internal/platform/logging"
)

// ConnectionOptions tunes the per-connection pumps.
type ConnectionOptions struct {
	SendQueue      int
	WriteWait      time.Duration
	PingInterval   time.Duration
	PongWait       time.Duration
	MaxMessageSize int64
}

func (o ConnectionOptions) withDefaults() ConnectionOptions {
	if o.SendQueue <= 0 {
		o.SendQueue = 256
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.PingInterval <= 0 || o.PingInterval >= o.PongWait {
		o.PingInterval = o.PongWait * 9 / 10
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = 64 * 1024
	}
	return o
}

// Connection wraps a gorilla websocket. Emit queues frames; only the writer
// pump touches the socket for data writes.
type Connection struct {
	id        string
	socket    *websocket.Conn
	opts      ConnectionOptions
	logger    *logging.Logger
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	closed    atomic.Bool
}

// NewConnection creates a tracked websocket connection.
func NewConnection(id string, socket *websocket.Conn, opts ConnectionOptions, logger *logging.Logger) *Connection {
	opts = opts.withDefaults()
	conn := &Connection{
		id:     id,
		socket: socket,
		opts:   opts,
		logger: logger,
		send:   make(chan []byte, opts.SendQueue),
		done:   make(chan struct{}),
	}
	return conn
}

// ID returns the session identifier.
func (c *Connection) ID() string {
	return c.id
}

// Emit queues one event for the client without blocking.
func (c *Connection) Emit(event string, data any) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}
	frame, err := EncodeFrame(event, data)
	if err != nil {
		return err
	}

	select {
	case <-c.done:
		return ErrConnectionClosed
	case c.send <- frame:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// Close terminates the underlying websocket connection.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)
		_ = c.socket.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(c.opts.WriteWait))
		err = c.socket.Close()
	})
	return err
}

// IsClosed reports whether the connection has already been closed.
func (c *Connection) IsClosed() bool {
	return c.closed.Load()
}

// Done is closed once the connection closes.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// RemoteAddr reports the peer address.
func (c *Connection) RemoteAddr() string {
	return c.socket.RemoteAddr().String()
}

// writePump drains the send queue and pings the client until ctx ends or a
// write fails.
func (c *Connection) writePump(ctx context.Context) error {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.done:
			return nil
		case frame := <-c.send:
			_ = c.socket.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			if err := c.socket.WriteMessage(websocket.TextMessage, frame); err != nil {
				return err
			}
		case <-ticker.C:
			if err := c.socket.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.WriteWait)); err != nil {
				return err
			}
		}
	}
}

// readPump decodes client frames into inbound until the socket fails.
// Malformed frames are logged and skipped.
func (c *Connection) readPump(ctx context.Context, inbound chan<- Frame) error {
	c.socket.SetReadLimit(c.opts.MaxMessageSize)
	_ = c.socket.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	c.socket.SetPongHandler(func(string) error {
		return c.socket.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	})

	for {
		messageType, payload, err := c.socket.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				return ErrClientClosed
			}
			if c.closed.Load() {
				return nil
			}
			return err
		}
		_ = c.socket.SetReadDeadline(time.Now().Add(c.opts.PongWait))

		if messageType != websocket.TextMessage {
			c.logger.DebugTag("WebSocket", "connection %s sent a non-text frame, ignored", c.id)
			continue
		}
		frame, err := DecodeFrame(payload)
		if err != nil {
			c.logger.WarnTag("WebSocket", "connection %s sent a malformed frame: %v", c.id, err)
			continue
		}

		select {
		case inbound <- frame:
		case <-ctx.Done():
			return nil
		}
	}
}

func isExpectedClose(err error) bool {
	return err == nil ||
		errors.Is(err, ErrClientClosed) ||
		errors.Is(err, ErrSessionShutdown) ||
		errors.Is(err, context.Canceled)
}
