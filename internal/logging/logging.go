// Package logging configures the process-wide slog logger.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

type contextKey string

const accountKey contextKey = "account"

// ParseLevel maps debug/info/warn/error to a slog level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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

// Init installs the default logger. The level comes from levelOverride when set,
// otherwise from LOG_LEVEL. LOG_FORMAT=text switches to the text handler.
func Init(levelOverride string) {
	InitWriter(os.Stdout, levelOverride)
}

// InitWriter is Init with an explicit destination.
func InitWriter(w io.Writer, levelOverride string) {
	levelStr := levelOverride
	if levelStr == "" {
		levelStr = os.Getenv("LOG_LEVEL")
	}
	level := ParseLevel(levelStr)

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.EqualFold(os.Getenv("LOG_FORMAT"), "text") {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}

	slog.SetDefault(slog.New(handler))
	slog.Debug("logger initialized", "level", level.String())
}

// Component returns the default logger tagged with a component name.
func Component(name string) *slog.Logger {
	return slog.Default().With("component", name)
}

// WithAccount stores the active account pubkey on the context.
func WithAccount(ctx context.Context, pubkey string) context.Context {
	return context.WithValue(ctx, accountKey, pubkey)
}

// FromContext returns a logger with the account attached when present.
func FromContext(ctx context.Context) *slog.Logger {
	if pk, ok := ctx.Value(accountKey).(string); ok && pk != "" {
		short := pk
		if len(short) > 12 {
			short = short[:12]
		}
		return slog.Default().With("account", short)
	}
	return slog.Default()
}
