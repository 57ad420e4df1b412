package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// LogRetentionDays bounds how long rotated log files are kept.
const LogRetentionDays = 7

// Config captures logging configuration options.
type Config struct {
	Level    string
	Dir      string
	Filename string
}

var (
	colorReset = "\x1b[0m"
	colorTime  = "\x1b[90m"
	colorDebug = "\x1b[36m"
	colorInfo  = "\x1b[32m"
	colorWarn  = "\x1b[33m"
	colorError = "\x1b[31m"
)

// tagColors highlights component-tagged lines on the console.
var tagColors = map[string]string{
	"[Bootstrap]":     "\x1b[96m",
	"[HTTP]":          "\x1b[95m",
	"[WebSocket]":     "\x1b[92m",
	"[Auth]":          "\x1b[94m",
	"[Bus]":           "\x1b[35m",
	"[Router]":        "\x1b[34m",
	"[Relay]":         "\x1b[36m",
	"[Notifications]": "\x1b[93m",
	"[Chat]":          "\x1b[97m",
}

// consoleHandler renders records as single human-readable lines.
type consoleHandler struct {
	writer io.Writer
	level  slog.Level
	color  bool
	mu     sync.Mutex
}

func (h *consoleHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *consoleHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	timeStr := r.Time.Format("2006-01-02 15:04:05.000")

	var levelStr, levelColor string
	switch {
	case r.Level >= slog.LevelError:
		levelStr, levelColor = "ERROR", colorError
	case r.Level >= slog.LevelWarn:
		levelStr, levelColor = "WARN", colorWarn
	case r.Level >= slog.LevelInfo:
		levelStr, levelColor = "INFO", colorInfo
	default:
		levelStr, levelColor = "DEBUG", colorDebug
	}

	msg := r.Message
	msgColor := ""
	for prefix, c := range tagColors {
		if strings.HasPrefix(msg, prefix) {
			msgColor = c
			break
		}
	}

	var b strings.Builder
	if h.color {
		fmt.Fprintf(&b, "%s[%s]%s %s[%s]%s ", colorTime, timeStr, colorReset, levelColor, levelStr, colorReset)
		if msgColor != "" {
			fmt.Fprintf(&b, "%s%s%s", msgColor, msg, colorReset)
		} else {
			b.WriteString(msg)
		}
	} else {
		fmt.Fprintf(&b, "[%s] [%s] %s", timeStr, levelStr, msg)
	}

	if r.NumAttrs() > 0 {
		b.WriteString(" {")
		r.Attrs(func(a slog.Attr) bool {
			fmt.Fprintf(&b, " %s=%v", a.Key, a.Value)
			return true
		})
		b.WriteString(" }")
	}
	b.WriteByte('\n')

	_, err := io.WriteString(h.writer, b.String())
	return err
}

func (h *consoleHandler) WithAttrs([]slog.Attr) slog.Handler { return h }

func (h *consoleHandler) WithGroup(string) slog.Handler { return h }

// Logger writes every record to the console and, when a directory is
// configured, as JSON to a daily rotated file.
type Logger struct {
	config      Config
	level       slog.Level
	jsonLogger  *slog.Logger
	textLogger  *slog.Logger
	logFile     *os.File
	currentDate string
	mu          sync.RWMutex
	ticker      *time.Ticker
	stopCh      chan struct{}
	closeOnce   sync.Once
}

// ParseLevel maps a configured level name onto slog. Unknown names map to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New creates a logger that writes to stdout and to Dir/Filename.
func New(cfg Config) (*Logger, error) {
	if cfg.Dir == "" || cfg.Filename == "" {
		return NewWriter(cfg.Level, os.Stdout), nil
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}

	logPath := filepath.Join(cfg.Dir, cfg.Filename)
	file, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	level := ParseLevel(cfg.Level)
	logger := &Logger{
		config:      cfg,
		level:       level,
		jsonLogger:  slog.New(slog.NewJSONHandler(file, &slog.HandlerOptions{Level: level})),
		textLogger:  slog.New(&consoleHandler{writer: os.Stdout, level: level, color: true}),
		logFile:     file,
		currentDate: time.Now().Format("2006-01-02"),
		stopCh:      make(chan struct{}),
	}
	logger.startRotationChecker()
	return logger, nil
}

// NewWriter creates a console-only logger writing uncoloured lines to w.
func NewWriter(level string, w io.Writer) *Logger {
	lvl := ParseLevel(level)
	return &Logger{
		config:     Config{Level: level},
		level:      lvl,
		textLogger: slog.New(&consoleHandler{writer: w, level: lvl}),
		stopCh:     make(chan struct{}),
	}
}

func (l *Logger) startRotationChecker() {
	l.ticker = time.NewTicker(time.Minute)
	go func() {
		for {
			select {
			case <-l.ticker.C:
				l.checkAndRotate()
			case <-l.stopCh:
				return
			}
		}
	}()
}

func (l *Logger) checkAndRotate() {
	today := time.Now().Format("2006-01-02")
	l.mu.RLock()
	current := l.currentDate
	l.mu.RUnlock()
	if today != current {
		l.rotateLogFile(today)
		l.cleanOldLogs(time.Now())
	}
}

func (l *Logger) rotateLogFile(newDate string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.logFile != nil {
		_ = l.logFile.Close()
	}

	currentLogPath := filepath.Join(l.config.Dir, l.config.Filename)
	if _, err := os.Stat(currentLogPath); err == nil {
		if err := os.Rename(currentLogPath, l.archivePath(l.currentDate)); err != nil {
			l.textLogger.Error("rename log file failed", slog.String("error", err.Error()))
		}
	}

	file, err := os.OpenFile(currentLogPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		l.logFile = nil
		l.jsonLogger = nil
		l.textLogger.Error("create log file failed", slog.String("error", err.Error()))
		return
	}

	l.logFile = file
	l.currentDate = newDate
	l.jsonLogger = slog.New(slog.NewJSONHandler(file, &slog.HandlerOptions{Level: l.level}))
	l.textLogger.Info("log file rotated", slog.String("new_date", newDate))
}

func (l *Logger) archivePath(date string) string {
	ext := filepath.Ext(l.config.Filename)
	base := strings.TrimSuffix(l.config.Filename, ext)
	return filepath.Join(l.config.Dir, fmt.Sprintf("%s-%s%s", base, date, ext))
}

// cleanOldLogs removes archives named <base>-YYYY-MM-DD<ext> older than the retention window.
func (l *Logger) cleanOldLogs(now time.Time) {
	entries, err := os.ReadDir(l.config.Dir)
	if err != nil {
		l.textLogger.Error("read log dir failed", slog.String("error", err.Error()))
		return
	}

	cutoff := now.AddDate(0, 0, -LogRetentionDays)
	ext := filepath.Ext(l.config.Filename)
	base := strings.TrimSuffix(l.config.Filename, ext)

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasPrefix(name, base+"-") || !strings.HasSuffix(name, ext) {
			continue
		}
		dateStr := strings.TrimSuffix(strings.TrimPrefix(name, base+"-"), ext)
		fileDate, err := time.Parse("2006-01-02", dateStr)
		if err != nil {
			continue
		}
		if fileDate.Before(cutoff) {
			if err := os.Remove(filepath.Join(l.config.Dir, name)); err != nil {
				l.textLogger.Error("remove old log failed", slog.String("file", name), slog.String("error", err.Error()))
			}
		}
	}
}

// Close stops rotation and closes the log file.
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	var err error
	l.closeOnce.Do(func() {
		if l.ticker != nil {
			l.ticker.Stop()
		}
		close(l.stopCh)

		l.mu.Lock()
		defer l.mu.Unlock()
		if l.logFile != nil {
			err = l.logFile.Close()
			l.logFile = nil
			l.jsonLogger = nil
		}
	})
	return err
}

func (l *Logger) log(level slog.Level, msg string, fields ...interface{}) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var attrs []slog.Attr
	if len(fields) > 0 && fields[0] != nil {
		if fieldsMap, ok := fields[0].(map[string]interface{}); ok {
			keys := make([]string, 0, len(fieldsMap))
			for k := range fieldsMap {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				attrs = append(attrs, slog.Any(k, fieldsMap[k]))
			}
		} else {
			attrs = append(attrs, slog.Any("fields", fields[0]))
		}
	}

	ctx := context.Background()
	if l.jsonLogger != nil {
		l.jsonLogger.LogAttrs(ctx, level, msg, attrs...)
	}
	if l.textLogger != nil {
		l.textLogger.LogAttrs(ctx, level, msg, attrs...)
	}
}

func (l *Logger) emit(level slog.Level, msg string, args ...interface{}) {
	if l == nil || level < l.level {
		return
	}
	if len(args) > 0 && strings.Contains(msg, "%") {
		l.log(level, fmt.Sprintf(msg, args...))
		return
	}
	l.log(level, msg, args...)
}

// FormatLog prefixes message with a single tag, e.g. FormatLog("Bus", "ready") -> "[Bus] ready".
// A message that already starts with "[" is returned unchanged.
func FormatLog(tag, message string) string {
	tag = strings.TrimSpace(tag)
	message = strings.TrimSpace(message)
	if tag == "" || strings.HasPrefix(message, "[") {
		return message
	}
	return fmt.Sprintf("[%s] %s", tag, message)
}

func (l *Logger) Debug(msg string, args ...interface{}) { l.emit(slog.LevelDebug, msg, args...) }

func (l *Logger) Info(msg string, args ...interface{}) { l.emit(slog.LevelInfo, msg, args...) }

func (l *Logger) Warn(msg string, args ...interface{}) { l.emit(slog.LevelWarn, msg, args...) }

func (l *Logger) Error(msg string, args ...interface{}) { l.emit(slog.LevelError, msg, args...) }

// DebugTag logs a debug line prefixed with [tag].
func (l *Logger) DebugTag(tag, msg string, args ...interface{}) {
	l.emit(slog.LevelDebug, FormatLog(tag, msg), args...)
}

// InfoTag logs an info line prefixed with [tag].
func (l *Logger) InfoTag(tag, msg string, args ...interface{}) {
	l.emit(slog.LevelInfo, FormatLog(tag, msg), args...)
}

// WarnTag logs a warning line prefixed with [tag].
func (l *Logger) WarnTag(tag, msg string, args ...interface{}) {
	l.emit(slog.LevelWarn, FormatLog(tag, msg), args...)
}

// ErrorTag logs an error line prefixed with [tag].
func (l *Logger) ErrorTag(tag, msg string, args ...interface{}) {
	l.emit(slog.LevelError, FormatLog(tag, msg), args...)
}

// Slog exposes the console logger for structured integrations.
func (l *Logger) Slog() *slog.Logger {
	if l == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.textLogger
}
