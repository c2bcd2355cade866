package logger

import (
	"log/slog"
	"os"
)

// New builds the process-wide slog.Logger: JSON lines on stdout, every
// record tagged with the owning service.
func New(service string, level slog.Level) *slog.Logger {
	h := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	return slog.New(h).With("service", service)
}
