// Package logging provides structured logging functionality.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// LogConfig holds logging configuration.
type LogConfig struct {
	Level      string
	Format     string // "json" or "console"
	Output     string // "stdout", "stderr", or file path
	TimeFormat string
	NoColor    bool
}

// New creates a logger configured from LOG_LEVEL and LOG_FORMAT.
// It is used before the configuration file has been read.
func New(serviceName, version string) zerolog.Logger {
	return NewWithConfig(serviceName, version, LogConfig{
		Level:  os.Getenv("LOG_LEVEL"),
		Format: os.Getenv("LOG_FORMAT"),
	})
}

// NewWithConfig creates a logger with the given configuration.
func NewWithConfig(serviceName, version string, config LogConfig) zerolog.Logger {
	if config.TimeFormat == "" {
		config.TimeFormat = time.RFC3339Nano
	}
	zerolog.TimeFieldFormat = config.TimeFormat
	zerolog.DurationFieldUnit = time.Millisecond

	output := openOutput(config.Output)
	if config.Format == "console" || config.Format == "text" {
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
			NoColor:    config.NoColor,
		}
	}

	return zerolog.New(output).
		Level(parseLogLevel(config.Level)).
		With().
		Timestamp().
		Str("service", serviceName).
		Str("version", version).
		Caller().
		Logger()
}

// openOutput falls back to stdout when a log file cannot be opened.
func openOutput(dest string) io.Writer {
	switch dest {
	case "stderr":
		return os.Stderr
	case "stdout", "":
		return os.Stdout
	}
	file, err := os.OpenFile(dest, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return os.Stdout
	}
	return file
}

// parseLogLevel converts a string log level to zerolog.Level.
func parseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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

// WithChannelContext adds channel context to the logger.
func WithChannelContext(logger zerolog.Logger, channel string) zerolog.Logger {
	return logger.With().
		Str("channel", channel).
		Logger()
}

// SetGlobalLevel changes the level for every logger derived from this package.
func SetGlobalLevel(level string) zerolog.Level {
	l := parseLogLevel(level)
	zerolog.SetGlobalLevel(l)
	return l
}

// WithRequestContext adds request context to the logger.
func WithRequestContext(logger zerolog.Logger, requestID, method, path string) zerolog.Logger {
	return logger.With().
		Str("request_id", requestID).
		Str("method", method).
		Str("path", path).
		Logger()
}
