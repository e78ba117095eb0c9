package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/Whateverdoa/DEGIRO-2025/internal/config"
)

// parseLevel maps a config level name to a slog.Level.
func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// newLogger builds the process logger from the [log] section. Output goes
// to lc.File when set, otherwise to w. The returned closer is nil unless a
// file was opened.
func newLogger(lc config.LogConfig, w io.Writer) (*slog.Logger, io.Closer, error) {
	level, err := parseLevel(lc.Level)
	if err != nil {
		return nil, nil, err
	}

	var closer io.Closer
	if lc.File != "" {
		path := config.ExpandHome(lc.File)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, nil, fmt.Errorf("create log directory: %w", err)
		}
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		w, closer = f, f
	}

	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	switch lc.Format {
	case "json":
		h = slog.NewJSONHandler(w, opts)
	default:
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h), closer, nil
}

// setupLogging installs the configured logger as slog.Default.
func setupLogging(lc config.LogConfig, w io.Writer) (io.Closer, error) {
	logger, closer, err := newLogger(lc, w)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)
	return closer, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
