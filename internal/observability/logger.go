// Package observability provides structured logging and Prometheus metrics.
package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Redacted replaces the value of every attribute whose key names a secret.
const Redacted = "[REDACTED]"

// secretKeys are attribute keys whose values never reach a log line, in any
// group and regardless of case.
var secretKeys = map[string]struct{}{
	"client_secret": {},
	"app_secret":    {},
	"state_secret":  {},
	"authorization": {},
	"cookie":        {},
	"set-cookie":    {},
	"session":       {},
	"session_id":    {},
	"access_token":  {},
	"id_token":      {},
	"refresh_token": {},
	"password":      {},
}

// IsSecretKey reports whether values logged under key are redacted.
func IsSecretKey(key string) bool {
	_, ok := secretKeys[strings.ToLower(key)]
	return ok
}

type requestIDKey struct{}

// Logger is the structured logger handed to every component.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)

	InfoContext(ctx context.Context, msg string, args ...any)
	WarnContext(ctx context.Context, msg string, args ...any)
	ErrorContext(ctx context.Context, msg string, args ...any)

	// WithComponent returns a Logger that tags entries with component=name.
	WithComponent(name string) Logger

	// Slog exposes the underlying logger for middleware that takes one.
	Slog() *slog.Logger
}

// Config selects level, format and destination.
type Config struct {
	Level  string // debug, info, warn, error
	Format string // json, text
	Output io.Writer
}

// DefaultConfig logs JSON at info level to stdout.
func DefaultConfig() Config {
	return Config{Level: "info", Format: "json", Output: os.Stdout}
}

// ConfigFromEnv reads UMAMISSO_LOG_LEVEL and UMAMISSO_LOG_FORMAT.
func ConfigFromEnv() Config {
	cfg := DefaultConfig()
	if v := os.Getenv("UMAMISSO_LOG_LEVEL"); v != "" {
		cfg.Level = v
	}
	if v := os.Getenv("UMAMISSO_LOG_FORMAT"); v != "" {
		cfg.Format = v
	}
	return cfg
}

// Discard returns a Logger that drops everything.
func Discard() Logger {
	return &slogLogger{l: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

type slogLogger struct {
	l *slog.Logger
}

// NewLogger builds a Logger from cfg. Secret-bearing attributes are
// replaced with Redacted before they are written.
func NewLogger(cfg Config) Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	opts := &slog.HandlerOptions{
		Level:       parseLevel(cfg.Level),
		ReplaceAttr: redactAttr,
	}

	var h slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		h = slog.NewTextHandler(out, opts)
	} else {
		h = slog.NewJSONHandler(out, opts)
	}
	return &slogLogger{l: slog.New(h)}
}

func redactAttr(_ []string, a slog.Attr) slog.Attr {
	if IsSecretKey(a.Key) && a.Value.Kind() != slog.KindGroup {
		return slog.String(a.Key, Redacted)
	}
	return a
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
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

func (s *slogLogger) Info(msg string, args ...any) { s.l.Info(msg, args...) }

func (s *slogLogger) Warn(msg string, args ...any) { s.l.Warn(msg, args...) }

func (s *slogLogger) Error(msg string, args ...any) { s.l.Error(msg, args...) }

func (s *slogLogger) InfoContext(ctx context.Context, msg string, args ...any) {
	s.log(ctx, slog.LevelInfo, msg, args)
}

func (s *slogLogger) WarnContext(ctx context.Context, msg string, args ...any) {
	s.log(ctx, slog.LevelWarn, msg, args)
}

func (s *slogLogger) ErrorContext(ctx context.Context, msg string, args ...any) {
	s.log(ctx, slog.LevelError, msg, args)
}

// log adds the request ID carried by ctx, if any.
func (s *slogLogger) log(ctx context.Context, level slog.Level, msg string, args []any) {
	if rid := RequestIDFromContext(ctx); rid != "" {
		args = append(args, "request_id", rid)
	}
	s.l.Log(ctx, level, msg, args...)
}

func (s *slogLogger) WithComponent(name string) Logger {
	return &slogLogger{l: s.l.With("component", name)}
}

func (s *slogLogger) Slog() *slog.Logger { return s.l }

// WithRequestID stores the request ID in the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

// RequestIDFromContext returns the request ID stored by WithRequestID.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	rid, _ := ctx.Value(requestIDKey{}).(string)
	return rid
}
