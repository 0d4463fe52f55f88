// Package logging configures the structured logger the servlink binaries
// share. Output is always JSON on stdout; log pipelines split streams on
// the service attribute stamped into every record.
package logging

import (
	"log/slog"
	"os"
	"strings"
)

// NewLogger returns a JSON logger at the given level with source locations
// attached. An unknown level string falls back to info, so a typo in
// LOG_LEVEL never silences the process.
func NewLogger(level string) *slog.Logger {
	h := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     ParseLevel(level),
		AddSource: true,
	})
	return slog.New(h).With(slog.String("service", "servlink"))
}

// ParseLevel maps the LOG_LEVEL strings the config accepts onto slog
// levels. "warning" is accepted as an alias for warn.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
