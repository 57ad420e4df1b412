package logging

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_WritesJSONFile(t *testing.T) {
	tmpDir := t.TempDir()

	logger, err := New(Config{Level: "info", Dir: tmpDir, Filename: "relay.log"})
	require.NoError(t, err)

	logger.InfoTag("Bus", "subscribed to %d channel(s)", 2)
	require.NoError(t, logger.Close())

	content, err := os.ReadFile(filepath.Join(tmpDir, "relay.log"))
	require.NoError(t, err)
	assert.Contains(t, string(content), "[Bus] subscribed to 2 channel(s)")
	assert.Contains(t, string(content), `"level":"INFO"`)
}

func TestNew_WithoutDirIsConsoleOnly(t *testing.T) {
	logger, err := New(Config{Level: "debug"})
	require.NoError(t, err)
	assert.Nil(t, logger.logFile)
	assert.NoError(t, logger.Close())
}

func TestNewWriter_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriter("warn", &buf)

	logger.Info("hidden info")
	logger.DebugTag("Router", "hidden debug")
	logger.WarnTag("Router", "invalid id in channel %s", "ns_private-user.abc")
	logger.Error("plain error")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "[WARN] [Router] invalid id in channel ns_private-user.abc")
	assert.Contains(t, out, "[ERROR] plain error")
	assert.Equal(t, 2, strings.Count(out, "\n"))
}

func TestLogger_StructuredFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriter("info", &buf)

	logger.Info("connection opened", map[string]interface{}{"user": 42, "conn": "abc"})
	assert.Contains(t, buf.String(), "connection opened { conn=abc user=42 }")
}

func TestLogger_NilSafe(t *testing.T) {
	var logger *Logger
	assert.NotPanics(t, func() {
		logger.InfoTag("Relay", "ignored")
		logger.Error("ignored")
		_ = logger.Close()
		_ = logger.Slog()
	})
}

func TestFormatLog(t *testing.T) {
	assert.Equal(t, "[Bus] ready", FormatLog("Bus", "ready"))
	assert.Equal(t, "ready", FormatLog("", " ready "))
	assert.Equal(t, "[HTTP] GET /", FormatLog("Bus", "[HTTP] GET /"))
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("nonsense"))
}

func TestCleanOldLogs(t *testing.T) {
	tmpDir := t.TempDir()
	logger, err := New(Config{Level: "info", Dir: tmpDir, Filename: "relay.log"})
	require.NoError(t, err)
	defer logger.Close()

	now := time.Date(2026, 3, 20, 12, 0, 0, 0, time.UTC)
	old := filepath.Join(tmpDir, "relay-2026-03-01.log")
	recent := filepath.Join(tmpDir, "relay-2026-03-18.log")
	unrelated := filepath.Join(tmpDir, "other-2026-03-01.log")
	for _, p := range []string{old, recent, unrelated} {
		require.NoError(t, os.WriteFile(p, []byte("x"), 0o644))
	}

	logger.cleanOldLogs(now)

	assert.NoFileExists(t, old)
	assert.FileExists(t, recent)
	assert.FileExists(t, unrelated)
}

func TestRotateLogFile(t *testing.T) {
	tmpDir := t.TempDir()
	logger, err := New(Config{Level: "info", Dir: tmpDir, Filename: "relay.log"})
	require.NoError(t, err)
	defer logger.Close()

	previous := logger.currentDate
	logger.Info("before rotation")
	logger.rotateLogFile("2099-01-01")
	logger.Info("after rotation")

	archived, err := os.ReadFile(filepath.Join(tmpDir, "relay-"+previous+".log"))
	require.NoError(t, err)
	assert.Contains(t, string(archived), "before rotation")

	current, err := os.ReadFile(filepath.Join(tmpDir, "relay.log"))
	require.NoError(t, err)
	assert.Contains(t, string(current), "after rotation")
	assert.NotContains(t, string(current), "before rotation")
}
