// Package logger builds the process-wide structured logger shared by the
// stevedore binaries.
package logger

import (
	"log/slog"
	"os"
)

// New returns a JSON slog.Logger writing to stdout. Every record carries the
// service name so the server and migrator streams stay attributable when
// aggregated.
func New(service string, level slog.Level) *slog.Logger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	return slog.New(handler).With(slog.String("service", service))
}
