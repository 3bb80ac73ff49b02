// Package logging provides structured logging configuration using log/slog.
//
// Log attributes can ride along on a context.Context: the pipeline stores its
// run id there, the shard runner the shard name, and every component that
// logs through FromContext picks them up.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

type ctxKey struct{}

// New builds a logger writing to w.
//
// Level values: "debug", "info", "warn", "error" (default: "info")
// Format values: "text", "json" (default: "text")
func New(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// Setup installs a logger on stderr as the slog default and returns it.
// Stdout stays free for data.
func Setup(level, format string) *slog.Logger {
	logger := New(os.Stderr, level, format)
	slog.SetDefault(logger)
	return logger
}

// parseLevel accepts slog's level names in any case, plus "warning".
// Anything unrecognised is Info.
func parseLevel(level string) slog.Level {
	if strings.EqualFold(level, "warning") {
		return slog.LevelWarn
	}
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo
	}
	return l
}

// ContextWith returns a copy of ctx carrying additional log attributes.
// Attributes accumulate across calls.
func ContextWith(ctx context.Context, args ...any) context.Context {
	prev, _ := ctx.Value(ctxKey{}).([]any)
	attrs := make([]any, 0, len(prev)+len(args))
	attrs = append(attrs, prev...)
	attrs = append(attrs, args...)
	return context.WithValue(ctx, ctxKey{}, attrs)
}

// WithRunID returns a copy of ctx tagged with a pipeline run id.
func WithRunID(ctx context.Context, runID string) context.Context {
	return ContextWith(ctx, "run_id", runID)
}

// FromContext returns the default logger enriched with the attributes stored
// in ctx.
//
//	logger := logging.FromContext(ctx)
//	logger.Info("batch written", "table", table, "rows", len(rows))
func FromContext(ctx context.Context) *slog.Logger {
	logger := slog.Default()
	if attrs, ok := ctx.Value(ctxKey{}).([]any); ok && len(attrs) > 0 {
		logger = logger.With(attrs...)
	}
	return logger
}

// WithFields returns a logger with additional structured fields.
//
//	sinkLogger := logging.WithFields(ctx, "sink", "sqlite", "path", path)
//	sinkLogger.Info("sink opened")
func WithFields(ctx context.Context, args ...any) *slog.Logger {
	return FromContext(ctx).With(args...)
}
