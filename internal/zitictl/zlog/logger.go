// Package zlog configures the structured logger the rest of the core logs
// through. It wraps log/slog with request-id propagation: log lines emitted
// through WithRequest (the transport layer's dispatch and failure lines)
// carry the request's correlation id; lines logged through the package-level
// slog functions do not.
package zlog

import (
	"context"
	"log/slog"
	"os"

	"github.com/openziti/edge-client-go/internal/zitictl/redact"
	"github.com/openziti/edge-client-go/internal/zitictl/trace"
)

// Setup configures the default slog logger. level is one of "debug", "info"
// (default), "warn", "error"; format is "json" or anything else for text.
// The host application calls this once at startup; the core itself never
// calls it implicitly, since it is a library and must not clobber a host's
// own logging configuration without being asked.
func Setup(level, format string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// WithRequest returns a child logger carrying the request id from ctx, or
// the default logger when ctx carries none.
func WithRequest(ctx context.Context) *slog.Logger {
	id := trace.FromContext(ctx)
	if id == "" {
		return slog.Default()
	}
	return slog.With("request_id", id)
}

// RedactSecrets strips known-sensitive values from msg before it is logged.
func RedactSecrets(msg string, sensitiveValues ...string) string {
	return redact.String(msg, sensitiveValues...)
}
