// Package logging builds the zerolog loggers shared by cordon commands.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	// FormatJSON writes one JSON object per line.
	FormatJSON = "json"
	// FormatConsole writes colourless human readable lines.
	FormatConsole = "console"
)

// New returns a zerolog logger configured for stdout.
func New() zerolog.Logger {
	return NewWithLevel("info")
}

// NewWithLevel returns a stdout JSON logger at the given level. Unknown levels fall back to info.
func NewWithLevel(level string) zerolog.Logger {
	return newLogger(os.Stdout, level, FormatJSON)
}

// NewWithFormat returns a stdout logger at level in the given format.
// Unknown formats fall back to JSON.
func NewWithFormat(level, format string) zerolog.Logger {
	return newLogger(os.Stdout, level, format)
}

// ValidFormat reports whether format is a known output format.
func ValidFormat(format string) bool {
	switch normalize(format) {
	case FormatJSON, FormatConsole:
		return true
	default:
		return false
	}
}

func newLogger(w io.Writer, level, format string) zerolog.Logger {
	if normalize(format) == FormatConsole {
		w = zerolog.ConsoleWriter{Out: w, NoColor: true, TimeFormat: time.TimeOnly}
	}
	return zerolog.New(w).With().Timestamp().Logger().Level(parseLevel(level))
}

func normalize(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

func parseLevel(level string) zerolog.Level {
	switch normalize(level) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	case "panic":
		return zerolog.PanicLevel
	default:
		return zerolog.InfoLevel
	}
}
