// Package logging wires the gateway's structured logging.
package logging

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
)

type ctxKey struct{}

// NewLogger returns a slog.Logger writing text-formatted records to
// stderr at the given level ("debug", "info", "warn", "error"). An
// unrecognized or empty level falls back to info, matching the rest of
// the config package's fallback-on-invalid convention.
func NewLogger(level string) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLevel(level),
	}))
}

// reopenableFile is an io.Writer over an *os.File that can be swapped
// out for a freshly opened handle to the same path, the mechanism
// SIGHUP-driven log rotation needs: logrotate (or an operator's mv)
// renames the old path out from under the open fd, and Reopen picks up
// the new file at that path without dropping any in-flight writers.
type reopenableFile struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

func (w *reopenableFile) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.f.Write(p)
}

// Reopen closes the current handle and opens path fresh, appending.
func (w *reopenableFile) Reopen() error {
	f, err := os.OpenFile(w.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("logging: reopening %q: %w", w.path, err)
	}
	w.mu.Lock()
	old := w.f
	w.f = f
	w.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	return nil
}

// FileLogger is a slog.Logger backed by a path that can be reopened in
// place, for use with SIGHUP log rotation (see cmd/mailgwd).
type FileLogger struct {
	*slog.Logger
	file *reopenableFile
}

// NewFileLogger returns a FileLogger writing text-formatted records to
// path at the given level. If path is empty, it falls back to stderr
// and Reopen is a no-op.
func NewFileLogger(level, path string) (*FileLogger, error) {
	if path == "" {
		return &FileLogger{Logger: NewLogger(level)}, nil
	}
	w := &reopenableFile{path: path}
	if err := w.Reopen(); err != nil {
		return nil, err
	}
	logger := slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: parseLevel(level)}))
	return &FileLogger{Logger: logger, file: w}, nil
}

// Reopen closes and reopens the underlying log file, picking up a
// rotated path. It is a no-op when logging to stderr.
func (l *FileLogger) Reopen() error {
	if l.file == nil {
		return nil
	}
	return l.file.Reopen()
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

// WithLogger returns a context carrying the given logger.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, logger)
}

// FromContext returns the logger stashed on ctx, or slog.Default() if
// none was stashed.
func FromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(ctxKey{}).(*slog.Logger); ok && logger != nil {
		return logger
	}
	return slog.Default()
}
