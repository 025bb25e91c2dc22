// Package logger builds the process-wide zerolog.Logger used by every
// component in the runtime.
package logger

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config controls the base logger's verbosity and output format.
type Config struct {
	Level  string // "debug", "info", "warn", "error"
	Pretty bool   // human-readable console output instead of JSON
}

// New builds the base logger. Components derive a child logger from it via
// log.With().Str("component", "...").Logger().
func New(cfg Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339

	var output = os.Stdout
	if cfg.Pretty {
		w := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
		return zerolog.New(w).With().Timestamp().Caller().Logger()
	}

	return zerolog.New(output).With().Timestamp().Caller().Logger()
}
