// Package logging builds the process logger used by the engine and the
// shells. All operational telemetry goes through zerolog; the persistent
// per-hostname history log is data, not telemetry, and lives in the engine.
package logging

import (
	"os"

	"github.com/rs/zerolog"
)

// NewLogger creates a structured logger writing JSON to stdout at the given
// level. An unknown level falls back to info.
func NewLogger(level string) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().
		Timestamp().
		Str("service", "certhold").
		Logger()

	parsed, err := zerolog.ParseLevel(level)
	if err != nil {
		parsed = zerolog.InfoLevel
	}
	return logger.Level(parsed)
}
