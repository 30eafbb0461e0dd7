// Package telemetry wires structured logging and tracing for the Engine,
// grounded on the teacher's global zerolog logger (factory.go's
// "github.com/rs/zerolog/log" usage) and its tracing.Provider
// (backend/internal/infrastructure/tracing/tracing.go).
package telemetry

import (
	"os"
	"strings"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// NewLogger builds a zerolog.Logger at the given level, writing a colorized
// console format to a TTY and plain JSON otherwise.
func NewLogger(level string) zerolog.Logger {
	zerolog.SetGlobalLevel(parseLevel(level))

	var out zerolog.Logger
	if isatty.IsTerminal(os.Stdout.Fd()) {
		cw := zerolog.ConsoleWriter{Out: colorable.NewColorableStdout()}
		out = zerolog.New(cw).With().Timestamp().Logger()
	} else {
		out = zerolog.New(os.Stdout).With().Timestamp().Logger()
	}

	log.Logger = out
	return out
}

func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
