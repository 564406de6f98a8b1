// Package logging provides packagefsd's component-scoped structured
// logger: a single zerolog.Logger configured once at startup, handed out
// per component via WithComponent.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Config controls the process-wide logger created by Init.
type Config struct {
	Level      zerolog.Level
	JSONOutput bool
	Output     io.Writer
}

// base is the process-wide logger every component logger derives from.
var base zerolog.Logger

// Init configures the process-wide logger. Call once at startup, before
// any component logger is requested.
func Init(cfg Config) {
	zerolog.SetGlobalLevel(cfg.Level)

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}

	if cfg.JSONOutput {
		base = zerolog.New(output).With().Timestamp().Logger()
		return
	}
	base = zerolog.New(zerolog.ConsoleWriter{
		Out:        output,
		TimeFormat: time.RFC3339,
	}).With().Timestamp().Logger()
}

// WithComponent returns a child logger tagging every entry with
// component (e.g. "volume", "activation", "vfsfuse", "control").
func WithComponent(component string) zerolog.Logger {
	return base.With().Str("component", component).Logger()
}

// WithVolume further tags a component logger with the volume it concerns
// (spec.md §6's volume-name).
func WithVolume(logger zerolog.Logger, volumeName string) zerolog.Logger {
	return logger.With().Str("volume", volumeName).Logger()
}
