package log

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

var (
	once   sync.Once
	logger *slog.Logger
)

// Setup initializes the global logger writing JSON to stdout.
// Unknown levels fall back to INFO.
func Setup(level string) {
	once.Do(func() {
		install(os.Stdout, level)
	})
}

// SetupWriter replaces the global logger with one writing JSON to w.
// Unlike Setup it always takes effect, which the CLI uses to move logs to stderr.
func SetupWriter(w io.Writer, level string) {
	once.Do(func() {})
	install(w, level)
}

func install(w io.Writer, level string) {
	opts := &slog.HandlerOptions{
		Level: ParseLevel(level),
	}
	logger = slog.New(slog.NewJSONHandler(w, opts))
	slog.SetDefault(logger)
}

// ParseLevel maps a config level string to a slog level.
func ParseLevel(level string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Get returns the configured logger, or a default one if Setup hasn't been called.
func Get() *slog.Logger {
	if logger == nil {
		Setup("INFO")
	}
	return logger
}

// WithComponent returns a logger with the component field set.
func WithComponent(name string) *slog.Logger {
	return Get().With(slog.String("component", name))
}

// WithRun returns a logger with the run_id field set.
func WithRun(id string) *slog.Logger {
	return Get().With(slog.String("run_id", id))
}

// WithBatch returns a logger scoped to one batch of a run.
func WithBatch(base *slog.Logger, index, size int) *slog.Logger {
	if base == nil {
		base = Get()
	}
	return base.With(slog.Int("batch", index), slog.Int("batch_size", size))
}

// Info logs at INFO level.
func Info(msg string, args ...any) {
	Get().Info(msg, args...)
}

// Debug logs at DEBUG level.
func Debug(msg string, args ...any) {
	Get().Debug(msg, args...)
}

// Warn logs at WARN level.
func Warn(msg string, args ...any) {
	Get().Warn(msg, args...)
}

// Error logs at ERROR level.
func Error(msg string, args ...any) {
	Get().Error(msg, args...)
}
