// Package logger builds the application's slog.Logger from configuration.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/shineum/smtp-mail-saver/internal/config"
)

// nopCloser is returned when no log file is opened.
type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// New creates a logger writing to the terminal, a log file or both. The
// returned Closer releases the log file and must be called on exit.
func New(cfg config.LoggingConfig) (*slog.Logger, io.Closer, error) {
	return newWithTerminal(cfg, os.Stdout)
}

func newWithTerminal(cfg config.LoggingConfig, terminal io.Writer) (*slog.Logger, io.Closer, error) {
	var (
		out    io.Writer
		closer io.Closer = nopCloser{}
	)

	switch cfg.Output {
	case "", "terminal":
		out = terminal
	case "file", "both":
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file: %w", err)
		}
		closer = f
		out = f
		if cfg.Output == "both" {
			out = io.MultiWriter(terminal, f)
		}
	default:
		return nil, nil, fmt.Errorf("unknown logging output %q", cfg.Output)
	}

	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(out, opts)
	} else {
		handler = slog.NewJSONHandler(out, opts)
	}

	return slog.New(handler), closer, nil
}

// ParseLevel maps a configured level name to a slog.Level, defaulting to
// info.
func ParseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
