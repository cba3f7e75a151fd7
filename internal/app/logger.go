package app

import (
	"log/slog"
	"os"
)

// NewLogger builds the process-wide slog.Logger and installs it as the
// slog default. JSON output is meant for log shippers and stays terse;
// text output keeps source locations for local debugging.
func NewLogger(cfg *Config) *slog.Logger {
	format := ""
	if cfg != nil {
		format = cfg.LogFormat
	}

	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	default:
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo, AddSource: true})
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}
