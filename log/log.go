// Package log wires dicod onto zerolog. Each role (coordinator, worker, transport) gets a child logger
// tagged with a "layer" field; worker loggers also carry a "tile_id" field.
package log

import (
	"os"
	"sync"

	"github.com/rs/zerolog"
)

var (
	baseOnce sync.Once
	base     zerolog.Logger
)

func baseLogger() zerolog.Logger {
	baseOnce.Do(func() {
		base = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05.000"}).
			With().Timestamp().Logger().
			Level(zerolog.InfoLevel)
	})
	return base
}

// SetLevel adjusts the verbosity of the package-wide base logger. verbose mirrors the solve_z
// "verbose" param: 0 disables debug output, values >= 5 turn on debug-level logging (matching the
// original DEBUG verbosity convention).
func SetLevel(verbose int) {
	l := baseLogger()
	switch {
	case verbose >= 5:
		base = l.Level(zerolog.DebugLevel)
	case verbose > 0:
		base = l.Level(zerolog.InfoLevel)
	default:
		base = l.Level(zerolog.WarnLevel)
	}
}

// Coordinator returns the root process's logger.
func Coordinator() zerolog.Logger {
	return baseLogger().With().Str("layer", "coordinator").Logger()
}

// Worker returns a logger scoped to a single worker's tile id.
func Worker(tileID int) zerolog.Logger {
	return baseLogger().With().Str("layer", "worker").Int("tile_id", tileID).Logger()
}

// Transport returns a logger scoped to the transport fabric, for connection-level events distinct
// from worker solver events.
func Transport() zerolog.Logger {
	return baseLogger().With().Str("layer", "transport").Logger()
}
