// Package logging provides the package-level structured logger used across
// coreshttps. The teacher client has no logging of its own; this follows the
// pack's convention of a small zerolog-backed adapter that downstream
// packages call directly rather than threading a logger through every
// constructor.
package logging

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	mu     sync.RWMutex
	logger = zerolog.New(io.Discard).With().Timestamp().Logger()
)

// Configure installs w as the logger's output at the given level. Passing a
// nil writer discards all output (the default, so library consumers who
// never call Configure get silence).
func Configure(w io.Writer, level zerolog.Level) {
	mu.Lock()
	defer mu.Unlock()
	if w == nil {
		w = io.Discard
	}
	logger = zerolog.New(w).Level(level).With().Timestamp().Logger()
}

// ConfigureConsole is a convenience wrapper for human-readable stderr output
// during development, mirroring zerolog.ConsoleWriter usage seen across the
// ecosystem.
func ConfigureConsole(level zerolog.Level) {
	Configure(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}, level)
}

// L returns the current package logger. Safe for concurrent use; the
// returned value is a snapshot and won't reflect a later Configure call.
func L() zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// Debugf logs a formatted debug-level message tagged with op.
func Debugf(op, format string, args ...interface{}) {
	L().Debug().Str("op", op).Msgf(format, args...)
}

// Errorf logs a formatted error-level message tagged with op and err.
func Errorf(op string, err error, format string, args ...interface{}) {
	L().Error().Str("op", op).Err(err).Msgf(format, args...)
}

// Tracef logs a formatted trace-level message, used for per-byte parser and
// scheduler diagnostics that are too noisy for Debug.
func Tracef(op, format string, args ...interface{}) {
	L().Trace().Str("op", op).Msgf(format, args...)
}
