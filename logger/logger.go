// Package logger builds the process logger. Logs go to stderr so the
// report on stdout stays clean.
package logger

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config selects format and level.
type Config struct {
	Format string    // console -> human-readable; json -> one object per line
	Level  string    // trace, debug, info, warn, error
	Output io.Writer // defaults to os.Stderr
}

// New creates a structured logger and installs it as the zerolog global.
func New(cfg Config) zerolog.Logger {
	var w io.Writer = cfg.Output
	if w == nil {
		w = os.Stderr
	}
	if cfg.Format != "json" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05"}
	}

	zl := zerolog.New(w).Level(ParseLevel(cfg.Level)).With().Timestamp().Logger()
	log.Logger = zl
	return zl
}

// ParseLevel maps a level name to zerolog; unknown names mean info.
func ParseLevel(s string) zerolog.Level {
	switch strings.ToLower(s) {
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
	case "disabled", "off":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}

// Component returns a sublogger tagged with the component name.
func Component(l zerolog.Logger, name string) *zerolog.Logger {
	sub := l.With().Str("component", name).Logger()
	return &sub
}
