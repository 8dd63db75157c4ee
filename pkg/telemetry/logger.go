package telemetry

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// NewLogger builds a zerolog logger from the logging configuration.
func NewLogger(cfg Config) zerolog.Logger {
	var out io.Writer = os.Stderr
	if cfg.Logging.Format == "console" {
		out = zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: cfg.Logging.TimeFormat,
		}
	}
	return zerolog.New(out).
		Level(ParseLevel(cfg.Logging.Level)).
		With().
		Timestamp().
		Str("service", cfg.ServiceName).
		Logger()
}

// InitGlobalLogger configures the process-wide zerolog logger. Packages log
// through zerolog's global logger, so this is the single switch for level
// and format.
func InitGlobalLogger(cfg Config) {
	logger := NewLogger(cfg)
	log.Logger = logger
	zerolog.SetGlobalLevel(ParseLevel(cfg.Logging.Level))
	zerolog.DefaultContextLogger = &logger
}

// ParseLevel maps a level name to a zerolog level, defaulting to info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
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
	default:
		return zerolog.InfoLevel
	}
}
