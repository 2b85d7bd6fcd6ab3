// Package logging configures the process-wide slog.Logger: tint's colored
// console handler for interactive runs, or plain JSON for log aggregation.
package logging

import (
	"log/slog"
	"os"

	"github.com/lmittmann/tint"
)

// Configure builds and installs the default slog.Logger, returning it for
// callers that want to pass it explicitly rather than rely on slog.Default.
func Configure(jsonLogging bool, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}

	var logger *slog.Logger
	if jsonLogging {
		logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: level,
		}))
	} else {
		logger = slog.New(tint.NewHandler(os.Stderr, &tint.Options{
			Level:      level,
			TimeFormat: "15:04:05",
		}))
	}

	slog.SetDefault(logger)
	return logger
}
