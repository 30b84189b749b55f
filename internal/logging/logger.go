// Package logging provides structured logging for deliberations.
// It wraps log/slog with JSON output and child loggers that carry the
// request, stage and model a log line belongs to.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Log levels accepted in configuration
const (
	LevelDebug = "DEBUG"
	LevelInfo  = "INFO"
	LevelWarn  = "WARN"
	LevelError = "ERROR"
)

// Logger is safe for concurrent use
type Logger struct {
	logger *slog.Logger
	file   *os.File
	mu     *sync.Mutex
}

// New creates a Logger writing JSON lines to path, or to stderr when path is empty
func New(path string, level string) (*Logger, error) {
	var writer io.Writer = os.Stderr
	var file *os.File

	if path != "" {
		if dir := filepath.Dir(path); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create log directory: %w", err)
			}
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		file = f
		writer = f
	}

	return &Logger{
		logger: slog.New(slog.NewJSONHandler(writer, &slog.HandlerOptions{Level: ParseLevel(level)})),
		file:   file,
		mu:     &sync.Mutex{},
	}, nil
}

// NewWriter creates a Logger on an arbitrary writer
func NewWriter(w io.Writer, level string) *Logger {
	return &Logger{
		logger: slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: ParseLevel(level)})),
		mu:     &sync.Mutex{},
	}
}

// Nop returns a Logger that discards everything
func Nop() *Logger {
	return NewWriter(io.Discard, LevelError)
}

// ParseLevel converts a config level to slog.Level, defaulting to INFO
func ParseLevel(level string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// With returns a child logger with extra key/value attributes
func (l *Logger) With(args ...any) *Logger {
	if l == nil {
		return nil
	}
	if len(args) == 0 {
		return l
	}
	return &Logger{logger: l.logger.With(args...), file: l.file, mu: l.mu}
}

// WithRequest tags log lines with a deliberation ID
func (l *Logger) WithRequest(id string) *Logger {
	return l.With("request_id", id)
}

// WithStage tags log lines with a pipeline stage
func (l *Logger) WithStage(stage string) *Logger {
	return l.With("stage", stage)
}

// WithModel tags log lines with a model identifier
func (l *Logger) WithModel(model string) *Logger {
	return l.With("model", model)
}

func (l *Logger) Debug(msg string, args ...any) { l.log(slog.LevelDebug, msg, args...) }
func (l *Logger) Info(msg string, args ...any)  { l.log(slog.LevelInfo, msg, args...) }
func (l *Logger) Warn(msg string, args ...any)  { l.log(slog.LevelWarn, msg, args...) }
func (l *Logger) Error(msg string, args ...any) { l.log(slog.LevelError, msg, args...) }

func (l *Logger) log(level slog.Level, msg string, args ...any) {
	if l == nil {
		return
	}
	l.logger.Log(context.Background(), level, msg, args...)
}

// Close releases the log file, if any
func (l *Logger) Close() error {
	if l == nil || l.file == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	err := l.file.Close()
	l.file = nil
	return err
}
