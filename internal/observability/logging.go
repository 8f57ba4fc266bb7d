package observability

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// LogOptions selects the level and encoding of component loggers.
type LogOptions struct {
	Level   zerolog.Level
	Console bool // human-readable output for local runs instead of JSON
}

// LogOptionsFromEnv reads FLIP_LOG_LEVEL (debug|info|warn|error, default
// info) and FLIP_LOG_FORMAT (json|console, default json).
func LogOptionsFromEnv() LogOptions {
	return LogOptions{
		Level:   ParseLogLevel(os.Getenv("FLIP_LOG_LEVEL")),
		Console: strings.EqualFold(os.Getenv("FLIP_LOG_FORMAT"), "console"),
	}
}

// NewLogger returns the stdout logger for one component of flipd.
func NewLogger(component string) zerolog.Logger {
	return NewLoggerTo(os.Stdout, component, LogOptionsFromEnv())
}

// NewLoggerTo builds a component logger over w. Every entry carries the
// component name and an RFC3339Nano timestamp.
func NewLoggerTo(w io.Writer, component string, opts LogOptions) zerolog.Logger {
	if opts.Console {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.TimeOnly}
	}
	return zerolog.New(w).
		Level(opts.Level).
		With().
		Timestamp().
		Str("component", component).
		Logger()
}

// ParseLogLevel maps a level name to zerolog, falling back to info.
func ParseLogLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
}
