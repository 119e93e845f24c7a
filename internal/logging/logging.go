// Package logging builds the process-wide zerolog logger. Development gets
// the console writer, everything else ships JSON.
package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

const consoleTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// New returns the root logger for the given environment and level. Unknown
// levels fall back to info rather than failing startup.
func New(env, level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	var out io.Writer = os.Stdout
	if env == "development" {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: consoleTimeFormat}
	}

	return zerolog.New(out).Level(lvl).With().Timestamp().Logger()
}

// Component tags a child logger with the component it serves.
func Component(log zerolog.Logger, name string) zerolog.Logger {
	return log.With().Str("component", name).Logger()
}
