// Package logger provides a thin wrapper around zerolog.Logger used by the
// vault engine and the command layer.
//
// Logger embeds zerolog.Logger, so the full zerolog API (Debug, Info, Warn,
// Error, etc.) is available directly. Components receive a *Logger and derive
// child loggers with extra fields instead of writing to a global.
package logger

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// Logger is a thin wrapper around zerolog.Logger.
type Logger struct {
	zerolog.Logger
}

// New constructs a *Logger writing JSON to stderr with a "component" field.
// Log output goes to stderr so command stdout stays parseable by the caller.
func New(component string) *Logger {
	return NewWithWriter(component, os.Stderr)
}

// NewWithWriter constructs a *Logger for the given component writing to w.
func NewWithWriter(component string, w io.Writer) *Logger {
	l := zerolog.New(w).With().
		Str("component", component).
		Timestamp().
		Logger()
	return &Logger{l}
}

// Nop returns a *Logger that discards all output. Intended for tests and for
// callers that do not care about engine diagnostics.
func Nop() *Logger {
	return &Logger{zerolog.Nop()}
}

// With returns a child *Logger carrying an extra string field. The parent is
// unaffected.
func (l *Logger) With(key, value string) *Logger {
	return &Logger{l.Logger.With().Str(key, value).Logger()}
}
