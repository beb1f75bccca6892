// Package logging builds the one zerolog.Logger every cmd/ entrypoint
// constructs at startup: JSON output in production, a ConsoleWriter in dev
// mode, level parsed from config — the same two-mode logger construction
// the teacher's main.go wires through its logger package.
package logging

import (
	"os"

	"github.com/rs/zerolog"
)

// New builds a zerolog.Logger tagged with process, at the given level
// string (falling back to info on an unparseable level). pretty selects
// ConsoleWriter output for local development.
func New(process, level string, pretty bool) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}

	writer := os.Stdout
	logger := zerolog.New(writer)
	if pretty {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: writer})
	}
	return logger.With().Timestamp().Str("process", process).Logger().Level(lvl)
}
