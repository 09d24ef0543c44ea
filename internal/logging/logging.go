// Package logging installs the process-wide slog default: structured
// JSONL debug logs in daily files under <state>/logs plus a terse
// stderr handler for warnings. Components log through slog.Default().
package logging

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// keepDays is how many daily log files survive pruning.
const keepDays = 7

const fileTimeLayout = "2006-01-02"

// Logger is the handle for the installed logging setup. Close flushes
// and releases the log file.
type Logger struct {
	file *os.File
}

// New opens today's log file under stateDir/logs, prunes old files,
// and installs the combined handler as the slog default. When debug is
// set the stderr handler drops to debug level as well.
func New(stateDir string, debug bool) (*Logger, error) {
	dir := filepath.Join(stateDir, "logs")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	prune(dir)

	name := fmt.Sprintf("lecoder-%s.jsonl", time.Now().Format(fileTimeLayout))
	file, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	fileHandler := slog.NewJSONHandler(file, &slog.HandlerOptions{
		Level:       slog.LevelDebug,
		ReplaceAttr: renameKeys,
	})

	stderrLevel := slog.LevelWarn
	if debug {
		stderrLevel = slog.LevelDebug
	}
	stderrHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: stderrLevel,
	})

	slog.SetDefault(slog.New(&teeHandler{handlers: []slog.Handler{fileHandler, stderrHandler}}))
	return &Logger{file: file}, nil
}

// Close releases the log file. The default logger keeps working but
// stops reaching the file.
func (l *Logger) Close() error {
	if l == nil || l.file == nil {
		return nil
	}
	return l.file.Close()
}

// renameKeys maps slog's built-in keys onto the persisted log schema.
func renameKeys(groups []string, a slog.Attr) slog.Attr {
	if len(groups) > 0 {
		return a
	}
	switch a.Key {
	case slog.TimeKey:
		a.Key = "timestamp"
	case slog.MessageKey:
		a.Key = "message"
	}
	return a
}

// prune removes daily log files older than the retention window.
func prune(dir string) {
	cutoff := time.Now().AddDate(0, 0, -keepDays)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		day, ok := strings.CutPrefix(e.Name(), "lecoder-")
		if !ok {
			continue
		}
		day, ok = strings.CutSuffix(day, ".jsonl")
		if !ok {
			continue
		}
		t, err := time.Parse(fileTimeLayout, day)
		if err != nil || !t.Before(cutoff) {
			continue
		}
		os.Remove(filepath.Join(dir, e.Name()))
	}
}

// teeHandler fans a record out to every child handler that is enabled
// for its level.
type teeHandler struct {
	handlers []slog.Handler
}

func (t *teeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range t.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (t *teeHandler) Handle(ctx context.Context, record slog.Record) error {
	var firstErr error
	for _, h := range t.handlers {
		if !h.Enabled(ctx, record.Level) {
			continue
		}
		if err := h.Handle(ctx, record.Clone()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (t *teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	children := make([]slog.Handler, len(t.handlers))
	for i, h := range t.handlers {
		children[i] = h.WithAttrs(attrs)
	}
	return &teeHandler{handlers: children}
}

func (t *teeHandler) WithGroup(name string) slog.Handler {
	children := make([]slog.Handler, len(t.handlers))
	for i, h := range t.handlers {
		children[i] = h.WithGroup(name)
	}
	return &teeHandler{handlers: children}
}
