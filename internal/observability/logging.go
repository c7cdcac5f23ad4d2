// Package observability provides RelayGate's structured logging and
// Prometheus metrics, grounded on haasonsaas-nexus's internal
// observability package but scoped to the gateway's own request path
// (fan-out, rate limiting, auth, confirmation) rather than channel
// adapters and agent sessions.
package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
)

// contextKey is the type for context keys used in logging.
type contextKey string

// requestIDKey is the context key for the per-request correlation id.
const requestIDKey contextKey = "requestId"

// WithRequestID attaches a request id to ctx for later log correlation.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext retrieves the request id attached by WithRequestID.
func RequestIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(requestIDKey).(string)
	return id, ok
}

// LogConfig configures NewLogger.
type LogConfig struct {
	Level  string // "debug" | "info" | "warn" | "error"
	Format string // "json" | "text"
	Output io.Writer
}

// redactPatterns matches bearer tokens, API keys, and JWTs so a stray
// log.Printf-style call never leaks a credential (spec §7: upstream
// error detail stays server-side; this extends the same rule to logs).
var redactPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(bearer|token)[\s:]+[a-zA-Z0-9_\-.]{16,}`),
	regexp.MustCompile(`sk-ant-[a-zA-Z0-9_-]{20,}`),
	regexp.MustCompile(`eyJ[a-zA-Z0-9_-]*\.eyJ[a-zA-Z0-9_-]*\.[a-zA-Z0-9_-]*`),
}

// NewLogger builds the process's root slog.Logger per LogConfig,
// defaulting to JSON-on-stdout at info level.
func NewLogger(cfg LogConfig) *slog.Logger {
	if cfg.Output == nil {
		cfg.Output = os.Stdout
	}
	if cfg.Level == "" {
		cfg.Level = "info"
	}
	if cfg.Format == "" {
		cfg.Format = "json"
	}

	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(cfg.Output, opts)
	} else {
		handler = slog.NewJSONHandler(cfg.Output, opts)
	}
	return slog.New(handler)
}

// RequestLogger returns a logger with the request id (if any) bound as
// a structured field, for use at the top of each HTTP handler.
func RequestLogger(ctx context.Context, base *slog.Logger) *slog.Logger {
	if id, ok := RequestIDFromContext(ctx); ok {
		return base.With("requestId", id)
	}
	return base
}

// Redact scrubs any substring of s matching a known credential pattern,
// for the rare code path that logs a raw upstream error body.
func Redact(s string) string {
	for _, re := range redactPatterns {
		s = re.ReplaceAllString(s, "[REDACTED]")
	}
	return s
}
