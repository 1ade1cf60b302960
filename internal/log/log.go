package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// Logger is the structured logger every package takes. kv is alternating
// string keys and values; non-string keys are dropped.
type Logger interface {
	With(kv ...any) Logger
	Debug(ctx context.Context, msg string, kv ...any)
	Info(ctx context.Context, msg string, kv ...any)
	Warn(ctx context.Context, msg string, kv ...any)
	Error(ctx context.Context, err error, msg string, kv ...any)
	Sync() error
}

type Options struct {
	App     string
	Version string
	Level   slog.Level
	// records at or above this level carry a stack, defaults to error
	StacktraceLevel slog.Level
	JSON            bool
	// caps the error_chain field, 0 omits it
	MaxErrorChain int
	// defaults to stdout
	Writer io.Writer
}

func New(opts Options) (Logger, error) { return newSlog(opts) }

func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %s (valid levels are debug|info|warn|error)", s)
	}
}
