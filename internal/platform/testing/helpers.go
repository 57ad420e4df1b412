// Package testing holds fixtures shared by the relay's package tests.
package testing

import (
	"bytes"
	"strings"
	"sync"
	"testing"
	"time"

	"notify-relay/internal/platform/config"
	"notify-relay/internal/platform/logging"
)

// Namespace is the bus namespace used across tests.
const Namespace = "ns"

// SetupTestConfig returns defaults tuned for fast, local tests.
func SetupTestConfig(t *testing.T) *config.Config {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Server.IP = "127.0.0.1"
	cfg.Server.Port = 0
	cfg.Log = config.LogConfig{Level: "debug"}
	cfg.API.Timeout = 2 * time.Second
	cfg.Bus.Namespace = Namespace
	cfg.WebSocket.HandshakeTimeout = 2 * time.Second
	cfg.WebSocket.PingInterval = 200 * time.Millisecond
	cfg.WebSocket.PongWait = time.Second
	cfg.WebSocket.WriteWait = time.Second
	cfg.WebSocket.SendQueue = 16
	return cfg
}

// LogBuffer collects console log lines and is safe for concurrent use.
type LogBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *LogBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

// String returns everything logged so far.
func (b *LogBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// Count reports how many logged lines contain substr.
func (b *LogBuffer) Count(substr string) int {
	n := 0
	for _, line := range strings.Split(b.String(), "\n") {
		if strings.Contains(line, substr) {
			n++
		}
	}
	return n
}

// SetupTestLogger returns a debug-level console logger and the buffer it
// writes to.
func SetupTestLogger(t *testing.T) (*logging.Logger, *LogBuffer) {
	t.Helper()

	buf := &LogBuffer{}
	logger := logging.NewWriter("debug", buf)
	t.Cleanup(func() { _ = logger.Close() })
	return logger, buf
}

// Eventually polls cond until it holds or the timeout elapses.
func Eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s: %s", timeout, msg)
}
