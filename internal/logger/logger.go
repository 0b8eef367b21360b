// Package logger is the structured logging surface shared by the model,
// the HTTP API and the CLI. It is a thin layer over log/slog so components
// can take a Logger and tests can swap in a buffer or Discard.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Logger is the logging interface components depend on.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
	With(args ...any) Logger
	WithGroup(name string) Logger
	Enabled(level slog.Level) bool
}

// SlogLogger implements Logger on top of slog.Logger.
type SlogLogger struct {
	logger *slog.Logger
}

func New(handler slog.Handler) Logger {
	return &SlogLogger{logger: slog.New(handler)}
}

// Default writes text at info level to stderr.
func Default() Logger {
	return Text(os.Stderr, slog.LevelInfo)
}

// JSON is the machine-readable format used by `serve`.
func JSON(w io.Writer, level slog.Level) Logger {
	return New(slog.NewJSONHandler(w, &slog.HandlerOptions{AddSource: true, Level: level}))
}

func Text(w io.Writer, level slog.Level) Logger {
	return New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// Pretty writes colored single-line records for interactive use.
func Pretty(w io.Writer, level slog.Level) Logger {
	return New(NewPrettyHandler(w, &slog.HandlerOptions{Level: level}))
}

// Discard drops everything.
func Discard() Logger {
	return New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

// Options configures Setup.
type Options struct {
	Level  string // debug, info, warn, error
	Format string // pretty, text, json
	Output io.Writer
}

// Setup builds a Logger from string options as they come from flags or the
// config file.
func Setup(opts Options) (Logger, error) {
	w := opts.Output
	if w == nil {
		w = os.Stderr
	}
	level := ParseLevel(opts.Level)
	switch strings.ToLower(opts.Format) {
	case "", "pretty":
		return Pretty(w, level), nil
	case "text":
		return Text(w, level), nil
	case "json":
		return JSON(w, level), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", opts.Format)
	}
}

// FromContext returns the request or command logger, or Default.
func FromContext(ctx context.Context) Logger {
	if l, ok := ctx.Value(loggerKey{}).(Logger); ok {
		return l
	}
	return Default()
}

func WithContext(ctx context.Context, l Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, l)
}

type loggerKey struct{}

func (l *SlogLogger) Debug(msg string, args ...any) { l.logger.Debug(msg, args...) }
func (l *SlogLogger) Info(msg string, args ...any)  { l.logger.Info(msg, args...) }
func (l *SlogLogger) Warn(msg string, args ...any)  { l.logger.Warn(msg, args...) }
func (l *SlogLogger) Error(msg string, args ...any) { l.logger.Error(msg, args...) }

func (l *SlogLogger) With(args ...any) Logger {
	return &SlogLogger{logger: l.logger.With(args...)}
}

func (l *SlogLogger) WithGroup(name string) Logger {
	return &SlogLogger{logger: l.logger.WithGroup(name)}
}

// Enabled lets callers skip building expensive attributes.
func (l *SlogLogger) Enabled(level slog.Level) bool {
	return l.logger.Enabled(context.Background(), level)
}

// ParseLevel maps a level name to slog.Level. It is case-insensitive and
// falls back to info.
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
