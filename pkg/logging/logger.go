// Package logging provides the structured logger shared by every gateway component.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"doh-gateway/pkg/config"
)

// Logger is a slog.Logger whose level can be changed after construction.
// Loggers derived through Component or With share the level.
type Logger struct {
	*slog.Logger
	level  *slog.LevelVar
	closer io.Closer
}

// New opens the configured output and builds a logger on it.
func New(cfg *config.LoggingConfig) (*Logger, error) {
	var out io.Writer = os.Stdout
	var closer io.Closer

	if cfg.Output == "stderr" {
		out = os.Stderr
	} else if cfg.Output == "file" {
		f, err := os.OpenFile(cfg.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		out, closer = f, f
	}

	l := NewWithWriter(cfg, out)
	l.closer = closer
	return l, nil
}

// NewWithWriter builds a logger on w. cfg.Output is not consulted.
func NewWithWriter(cfg *config.LoggingConfig, w io.Writer) *Logger {
	level := new(slog.LevelVar)
	level.Set(ParseLevel(cfg.Level))
	opts := &slog.HandlerOptions{Level: level, AddSource: cfg.AddSource}

	var h slog.Handler = slog.NewTextHandler(w, opts)
	if cfg.Format == "json" {
		h = slog.NewJSONHandler(w, opts)
	}
	return &Logger{Logger: slog.New(h), level: level}
}

// NewDefault logs text at info level to stdout. It is used before the
// configuration has been read.
func NewDefault() *Logger {
	return NewWithWriter(&config.LoggingConfig{Level: "info", Format: "text"}, os.Stdout)
}

// NewDiscard drops every record.
func NewDiscard() *Logger {
	return NewWithWriter(&config.LoggingConfig{Level: "error"}, io.Discard)
}

// Component tags every record with the emitting component.
func (l *Logger) Component(name string) *Logger {
	return l.With("component", name)
}

// With returns a logger that adds args to every record.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...), level: l.level}
}

// SetLevel changes the minimum level for l and every logger derived from it.
func (l *Logger) SetLevel(level string) {
	l.level.Set(ParseLevel(level))
}

// Level reports the current minimum level.
func (l *Logger) Level() slog.Level {
	return l.level.Level()
}

// Close releases the log file, if any.
func (l *Logger) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

// ParseLevel maps a config level name to a slog level. Unknown names are info.
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// SetGlobal installs l as the slog default, so packages that log through
// slog directly end up in the same sink.
func SetGlobal(l *Logger) {
	slog.SetDefault(l.Logger)
}
