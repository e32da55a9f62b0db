package infra

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// NewLogger builds a JSON slog.Logger writing to stdout and a size-rotated
// file under logs/. Falls back to stderr-only when the log directory cannot
// be created.
func NewLogger(cfg *Config) *slog.Logger {
	level := parseLevel(cfg.Logging.Level)
	opts := &slog.HandlerOptions{Level: level}

	logDir := "logs"
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}

	rotated := &lumberjack.Logger{
		Filename:   filepath.Join(logDir, "tokenwatch.log"),
		MaxSize:    10, // megabytes
		MaxBackups: 3,
		MaxAge:     28, // days
		Compress:   true,
	}

	return slog.New(slog.NewJSONHandler(io.MultiWriter(os.Stdout, rotated), opts))
}

// parseLevel maps a config level string onto slog's levels, defaulting to
// info for anything unrecognized.
func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}
