// Package logging builds the process-wide structured logger: text to
// the terminal, JSON to an optional log file, fanned out together.
package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"

	slogmulti "github.com/samber/slog-multi"
)

var level = new(slog.LevelVar)

// SetLevel adjusts the process log level at runtime.
func SetLevel(l slog.Level) { level.Set(l) }

// ParseLevel maps a config string to a slog level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Options configures the logger destinations.
type Options struct {
	Level    string
	FilePath string // JSON log file, empty disables
	Terminal io.Writer
}

// New builds a logger fanning out to the terminal and, when
// configured, a JSON log file. The returned closer releases the file.
func New(opts Options) (*slog.Logger, func() error, error) {
	level.Set(ParseLevel(opts.Level))

	term := opts.Terminal
	if term == nil {
		term = os.Stderr
	}
	handlers := []slog.Handler{
		slog.NewTextHandler(term, &slog.HandlerOptions{Level: level}),
	}

	closer := func() error { return nil }
	if opts.FilePath != "" {
		if err := os.MkdirAll(filepath.Dir(opts.FilePath), 0o700); err != nil {
			return nil, nil, err
		}
		f, err := os.OpenFile(opts.FilePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, nil, err
		}
		handlers = append(handlers, slog.NewJSONHandler(f, &slog.HandlerOptions{Level: level}))
		closer = f.Close
	}

	return slog.New(slogmulti.Fanout(handlers...)), closer, nil
}
