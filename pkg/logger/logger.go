// Package logger builds the zerolog.Logger every Serma subsystem logs
// through.
package logger

import (
	"os"

	"github.com/rs/zerolog"
)

// NewLogger returns a timestamped, stdout-writing logger at the given
// level, falling back to info if level doesn't parse.
func NewLogger(level string) zerolog.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logLevel, err := zerolog.ParseLevel(level)
	if err != nil {
		logLevel = zerolog.InfoLevel
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger().Level(logLevel)
}
