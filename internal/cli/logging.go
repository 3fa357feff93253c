package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/flowbase/flowbase/internal/config"
	"github.com/flowbase/flowbase/internal/server"
)

// logBufferSize is how many recent entries /api/logs can return.
const logBufferSize = 500

// logsDir returns ~/.flowbase/logs, creating it if needed. Returns "" on error.
func logsDir() string {
	dir := filepath.Join(config.Home(), "logs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return ""
	}
	return dir
}

// logFilePath returns today's log file (~/.flowbase/logs/flowbase-YYYYMMDD.log).
func logFilePath() string {
	dir := logsDir()
	if dir == "" {
		return ""
	}
	return filepath.Join(dir, fmt.Sprintf("flowbase-%s.log", time.Now().Format("20060102")))
}

// cleanOldLogs removes log files older than 7 days.
func cleanOldLogs(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	cutoff := time.Now().AddDate(0, 0, -7)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			os.Remove(filepath.Join(dir, e.Name())) //nolint:errcheck
		}
	}
}

// multiHandler fans out log records to multiple handlers.
type multiHandler struct {
	handlers []slog.Handler
}

func (h *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, r.Level) {
			if err := handler.Handle(ctx, r.Clone()); err != nil {
				return err
			}
		}
	}
	return nil
}

func (h *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithAttrs(attrs)
	}
	return &multiHandler{handlers: handlers}
}

func (h *multiHandler) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithGroup(name)
	}
	return &multiHandler{handlers: handlers}
}

// processLogger bundles everything newLogger sets up.
type processLogger struct {
	*slog.Logger
	level  *slog.LevelVar // stderr level, adjustable at runtime
	path   string         // log file, empty when file logging failed
	buffer *server.LogBuffer
	close  func()
}

// newLogger builds the process logger. Stderr gets the configured level;
// the log file gets everything from DEBUG up. Records that pass stderr are
// also kept in a ring buffer for /api/logs.
func newLogger(level, format string) *processLogger {
	lvlVar := new(slog.LevelVar)
	lvlVar.Set(parseSlogLevel(level))

	opts := &slog.HandlerOptions{Level: lvlVar}

	var stderrHandler slog.Handler
	if format == "json" {
		stderrHandler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		stderrHandler = slog.NewTextHandler(os.Stderr, opts)
	}
	buffer := server.NewLogBuffer(stderrHandler, logBufferSize)

	pl := &processLogger{level: lvlVar, buffer: buffer, close: func() {}}

	logPath := logFilePath()
	if logPath == "" {
		pl.Logger = slog.New(buffer)
		return pl
	}
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		pl.Logger = slog.New(buffer)
		return pl
	}

	fileHandler := slog.NewJSONHandler(f, &slog.HandlerOptions{Level: slog.LevelDebug})
	pl.Logger = slog.New(&multiHandler{handlers: []slog.Handler{buffer, fileHandler}})
	pl.path = logPath
	pl.close = func() { f.Close() }

	go cleanOldLogs(filepath.Dir(logPath))

	return pl
}

func parseSlogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
