// Package logging builds the process-wide slog logger.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"

	"tracklog/internal/config"
)

const logFilename = "tracklog.log"

// New returns a logger writing human-readable lines to stdout and JSON lines
// to a rotated file under cfg.LogsDirectory. Tests get stdout only.
func New(cfg *config.Config) (*slog.Logger, error) {
	level := ParseLevel(cfg.GetLogLevel())
	opts := &slog.HandlerOptions{Level: level}

	if cfg.IsTest() || cfg.LogsDirectory == "" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts)), nil
	}

	if err := os.MkdirAll(cfg.LogsDirectory, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir failed: %w", err)
	}

	file := &lumberjack.Logger{
		Filename:   filepath.Join(cfg.LogsDirectory, logFilename),
		MaxSize:    positiveOr(cfg.LogsMaxSizeInMb, 20),
		MaxBackups: positiveOr(cfg.LogsMaxBackups, 10),
		MaxAge:     positiveOr(cfg.LogsMaxAgeInDays, 30),
		Compress:   true,
	}

	return slog.New(&fanout{
		handlers: []slog.Handler{
			slog.NewTextHandler(os.Stdout, opts),
			slog.NewJSONHandler(file, opts),
		},
	}), nil
}

// NewWriter returns a JSON logger bound to w. Used by tests asserting on output.
func NewWriter(w io.Writer, level string) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: ParseLevel(level)}))
}

// ParseLevel maps the configured level name onto slog levels, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case string(config.LogLevelDebug):
		return slog.LevelDebug
	case string(config.LogLevelWarn), "warning":
		return slog.LevelWarn
	case string(config.LogLevelError):
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func positiveOr(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}
