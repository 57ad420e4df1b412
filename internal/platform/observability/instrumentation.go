package observability

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
)

type spanKey struct{}

// Enabled reports whether spans and metrics are being recorded.
func Enabled() bool {
	_, cfg := currentLogger()
	return cfg.Enabled
}

// SpanID returns the id of the innermost span carried by ctx.
func SpanID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(spanKey{}).(string)
	return id
}

// StartSpan logs the start of component/operation and returns a context
// carrying the span id plus a func that logs its end. Spans started from a
// context that already carries one record it as their parent.
func StartSpan(ctx context.Context, component, operation string) (context.Context, func(error)) {
	logger, _ := currentLogger()
	if logger == nil {
		return ctx, func(error) {}
	}

	id := uuid.NewString()[:8]
	base := []slog.Attr{
		slog.String("component", component),
		slog.String("operation", operation),
		slog.String("span", id),
	}
	if parent := SpanID(ctx); parent != "" {
		base = append(base, slog.String("parent", parent))
	}

	start := time.Now()
	logger.LogAttrs(ctx, slog.LevelDebug, "obs span start", base...)
	spanCtx := context.WithValue(ctx, spanKey{}, id)

	return spanCtx, func(err error) {
		level := slog.LevelDebug
		attrs := append(append([]slog.Attr{}, base...), slog.Duration("duration", time.Since(start)))
		if err != nil {
			level = slog.LevelError
			attrs = append(attrs, slog.Any("error", err))
		}
		logger.LogAttrs(spanCtx, level, "obs span end", attrs...)
	}
}

// RecordMetric logs one datapoint. Labels are emitted in key order.
func RecordMetric(ctx context.Context, name string, value float64, labels map[string]string) {
	logger, _ := currentLogger()
	if logger == nil {
		return
	}

	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	attrs := []slog.Attr{
		slog.String("metric", name),
		slog.Float64("value", value),
	}
	if span := SpanID(ctx); span != "" {
		attrs = append(attrs, slog.String("span", span))
	}
	for _, k := range keys {
		attrs = append(attrs, slog.String(k, labels[k]))
	}

	logger.LogAttrs(ctx, slog.LevelDebug, "obs metric", attrs...)
}
