// Package logging configures the global zerolog logger and the structured
// startup summary every entry point emits once.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Init configures the global logger from the environment.
//
// EXAMINER_LOG_LEVEL: trace, debug, info, warn, error (default: info).
// EXAMINER_LOG_FORMAT: "json" writes one JSON object per line, which is what
// Lambda and container log collectors want; anything else writes the
// human-readable console format to stderr.
func Init() {
	InitWith(os.Getenv("EXAMINER_LOG_LEVEL"), os.Getenv("EXAMINER_LOG_FORMAT"), os.Stderr)
}

// InitWith configures the global logger explicitly.
func InitWith(level, format string, w io.Writer) {
	zerolog.SetGlobalLevel(ParseLevel(level))
	zerolog.DurationFieldUnit = time.Millisecond
	zerolog.DurationFieldInteger = false

	if strings.EqualFold(format, "json") {
		log.Logger = zerolog.New(w).With().Timestamp().Logger()
		return
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05"})
}

// ParseLevel maps a level name to a zerolog level, defaulting to info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return zerolog.TraceLevel
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
