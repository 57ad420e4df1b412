package ws

import "errors"

var (
	// ErrHandshakeTimeout indicates the websocket handshake exceeded the configured timeout.
	ErrHandshakeTimeout = errors.New("websocket handshake timed out")
	// ErrSessionShutdown is emitted when the server requests a session shutdown.
	ErrSessionShutdown = errors.New("websocket session shutdown")
	// ErrClientClosed reports a close initiated by the client.
	ErrClientClosed = errors.New("websocket closed by client")
	// ErrSendQueueFull is returned by Emit when the outbound queue has no room.
	ErrSendQueueFull = errors.New("websocket send queue full")
	// ErrConnectionClosed is returned by Emit after the connection closed.
	ErrConnectionClosed = errors.New("websocket connection closed")
)
