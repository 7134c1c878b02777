// Package logging builds the process-wide structured logger.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Config holds logger configuration
type Config struct {
	Level  string // Minimum log level: debug, info, warn, error
	Format string // Output format: json, pretty
}

// New creates a structured logger for log-aggregation pipelines
//
// Features:
//   - Structured JSON output by default
//   - Timestamp in RFC3339 format
//   - Contextual fields for filtering
//
// Example:
//
//	logger := logging.New(logging.Config{Level: "info", Format: "json"})
//	logger.Info().
//	    Str("component", "dispatcher").
//	    Int("connections", 100).
//	    Msg("Server started")
func New(config Config) zerolog.Logger {
	var output io.Writer = os.Stdout

	var level zerolog.Level
	switch config.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if config.Format == "pretty" {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
	}

	return zerolog.New(output).
		With().
		Timestamp().
		Str("service", "pubsubd").
		Logger()
}
