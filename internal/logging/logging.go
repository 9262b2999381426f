// Package logging builds the structured loggers used by ping and traceroute.
// Diagnostics always go to stderr; probe output owns stdout.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Levels and Formats list the accepted values for the log settings.
var (
	Levels  = []string{"debug", "info", "warn", "error"}
	Formats = []string{"text", "json"}
)

// NewLogger creates a new structured logger with the specified level and format.
// Supported levels: debug, info, warn, error
// Supported formats: text, json
func NewLogger(level, format string) *slog.Logger {
	return NewLoggerWithWriter(level, format, os.Stderr)
}

// NewLoggerWithWriter creates a new structured logger with a custom writer.
func NewLoggerWithWriter(level, format string, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: parseLevel(level),
	}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}

// parseLevel converts a string log level to slog.Level.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelWarn
	}
}

// ValidLevel reports whether level is one of Levels (case-insensitive).
// "warning" is accepted as an alias for "warn".
func ValidLevel(level string) bool {
	l := strings.ToLower(level)
	return l == "warning" || contains(Levels, l)
}

// ValidFormat reports whether format is one of Formats (case-insensitive).
func ValidFormat(format string) bool {
	return contains(Formats, strings.ToLower(format))
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// NopLogger returns a logger that discards all output.
func NopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Common attribute keys for consistent logging.
const (
	KeyComponent   = "component"
	KeyTarget      = "target"
	KeyAddress     = "address"
	KeyIdentifier  = "identifier"
	KeySeq         = "seq"
	KeyTTL         = "ttl"
	KeyRTT         = "rtt"
	KeyOutcome     = "outcome"
	KeyState       = "state"
	KeyResponder   = "responder"
	KeyNetwork     = "network"
	KeyPacket      = "packet"
	KeyError       = "error"
	KeyDuration    = "duration"
	KeyCount       = "count"
	KeyPayloadSize = "payload_size"
)
