// Package logging configures zerolog for the batch service.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogLevel represents the logging level.
type LogLevel string

const (
	// LevelDebug logs scheduling decisions and above.
	LevelDebug LogLevel = "debug"

	// LevelInfo logs batch lifecycle events and above.
	LevelInfo LogLevel = "info"

	// LevelWarn logs failed sub-requests and above.
	LevelWarn LogLevel = "warn"

	// LevelError logs framework-level errors only.
	LevelError LogLevel = "error"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level LogLevel

	// Pretty enables human-readable console output (default: false for JSON).
	Pretty bool

	// Output is the writer to output logs to (default: os.Stderr).
	Output io.Writer
}

// DefaultConfig returns a default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Pretty: false,
		Output: os.Stderr,
	}
}

// Setup configures and installs the global zerolog logger.
func Setup(cfg Config) zerolog.Logger {
	zerolog.SetGlobalLevel(ParseLevel(cfg.Level))

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: output}
	}

	logger := zerolog.New(output).With().Timestamp().Logger()
	log.Logger = logger

	return logger
}

// ParseLevel converts a LogLevel to a zerolog.Level. Unknown levels map to
// info.
func ParseLevel(level LogLevel) zerolog.Level {
	switch strings.ToLower(string(level)) {
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

// ValidLevel reports whether level is one of the known levels.
func ValidLevel(level LogLevel) bool {
	switch strings.ToLower(string(level)) {
	case "debug", "info", "warn", "warning", "error":
		return true
	}
	return false
}

// NewLogger creates a new logger with the given component name.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// ForBatch adds the batch identity to l.
func ForBatch(l zerolog.Logger, batchID, semantics string) zerolog.Logger {
	return l.With().
		Str("batch_id", batchID).
		Str("semantics", semantics).
		Logger()
}

// Log Level Guidelines:
//
// Debug: scheduling internals
//   - Sub-request dispatch and completion
//   - Atomicity group phases (started, finished)
//   - Store reads and writes
//
// Info: batch lifecycle
//   - Batch received and finished
//   - Atomicity group repeats
//   - Server startup/shutdown
//
// Warn: conditions that don't stop the batch
//   - Sub-requests answered with 4xx/5xx
//   - Short-circuited sub-requests (424, 422)
//   - Upstream retry attempts
//   - Group repeat limit reached
//
// Error: framework-level errors
//   - Resource handler or hook errors
//   - Upstream unreachable after retries
//   - Store unavailable
//   - Configuration errors
//
// Context Fields:
//   - batch_id: generated batch identifier
//   - semantics: multipart or json
//   - request_id: sub-request id (Content-ID or JSON id)
//   - atomicity_group: change set / atomicity group id
//   - status: sub-request HTTP status code
//   - continue_on_error: client preference
//   - duration: processing duration
//   - error_class: upstream error classification (client, server, network)
