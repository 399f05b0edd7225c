// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package logging builds the process logger for the broker binaries.
//
// Output goes to stderr (text or JSON) and, when LogDir is set, to a daily
// JSON file named {service}_{YYYY-MM-DD}.log. Library packages never use
// this package directly; they log through slog.Default(), which Install
// points at the configured handler.
//
// # Security Considerations
//
// Nothing is redacted automatically. Log metadata, never secrets:
//
//	logger.Info("auth", "token_present", token != "")
package logging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// =============================================================================
// Log Levels
// =============================================================================

// Level is a minimum log severity.
type Level int

const (
	// LevelDebug includes per-frame and per-line worker output.
	LevelDebug Level = iota

	// LevelInfo covers lifecycle events such as sessions and workers.
	LevelInfo

	// LevelWarn covers recoverable problems.
	LevelWarn

	// LevelError covers failed operations.
	LevelError
)

// String returns "debug", "info", "warn" or "error".
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "unknown"
	}
}

func (l Level) slogLevel() slog.Level {
	switch l {
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

// ParseLevel accepts the names returned by Level.String, case-insensitively.
// An empty string selects LevelInfo.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "", "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// =============================================================================
// Configuration
// =============================================================================

// Config configures a Logger. The zero value logs Info and above to stderr
// as text.
type Config struct {
	// Level is the minimum severity written.
	Level Level `yaml:"level"`

	// LogDir enables the JSON file destination. "~" expands to the home
	// directory. The directory is created with 0750 permissions.
	LogDir string `yaml:"log_dir"`

	// Service is attached to every record as the "service" attribute and
	// names the log file.
	Service string `yaml:"service"`

	// JSON switches the stderr destination to JSON.
	JSON bool `yaml:"json"`

	// Quiet disables the stderr destination.
	Quiet bool `yaml:"quiet"`

	// Output replaces stderr, mainly for tests.
	Output io.Writer `yaml:"-"`
}

// =============================================================================
// Logger
// =============================================================================

// Logger owns the handlers and any open log file.
//
// Thread Safety: Safe for concurrent use.
type Logger struct {
	slog *slog.Logger

	mu   sync.Mutex
	file *os.File
	path string
}

// New creates a logger from config.
//
// Description:
//
//	A log directory that cannot be created or opened is reported as an
//	error; the returned logger still writes to stderr so callers may
//	choose to continue.
//
// Outputs:
//
//	*Logger - Always non-nil
//	error - Non-nil if the file destination could not be set up
func New(config Config) (*Logger, error) {
	opts := &slog.HandlerOptions{Level: config.Level.slogLevel()}
	out := config.Output
	if out == nil {
		out = os.Stderr
	}

	var handlers []slog.Handler
	if !config.Quiet {
		if config.JSON {
			handlers = append(handlers, slog.NewJSONHandler(out, opts))
		} else {
			handlers = append(handlers, slog.NewTextHandler(out, opts))
		}
	}

	logger := &Logger{}
	var fileErr error
	if config.LogDir != "" {
		file, path, err := openLogFile(config.LogDir, config.Service)
		if err != nil {
			fileErr = err
		} else {
			logger.file = file
			logger.path = path
			handlers = append(handlers, slog.NewJSONHandler(file, opts))
		}
	}

	var handler slog.Handler
	switch len(handlers) {
	case 0:
		handler = slog.NewTextHandler(io.Discard, opts)
	case 1:
		handler = handlers[0]
	default:
		handler = &multiHandler{handlers: handlers}
	}
	if config.Service != "" {
		handler = handler.WithAttrs([]slog.Attr{slog.String("service", config.Service)})
	}

	logger.slog = slog.New(handler)
	return logger, fileErr
}

func openLogFile(dir, service string) (*os.File, string, error) {
	dir = expandPath(dir)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, "", fmt.Errorf("create log dir: %w", err)
	}
	if service == "" {
		service = "broker"
	}
	path := filepath.Join(dir, fmt.Sprintf("%s_%s.log", service, time.Now().Format("2006-01-02")))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, "", fmt.Errorf("open log file: %w", err)
	}
	return f, path, nil
}

// Slog returns the underlying slog.Logger.
func (l *Logger) Slog() *slog.Logger {
	return l.slog
}

// FilePath returns the active log file, empty if file logging is off.
func (l *Logger) FilePath() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.path
}

// Install makes this logger the process default for slog.
func (l *Logger) Install() {
	slog.SetDefault(l.slog)
}

// Close syncs and closes the log file, if any. Safe to call twice.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := errors.Join(l.file.Sync(), l.file.Close())
	l.file = nil
	return err
}

// =============================================================================
// Multi-Handler
// =============================================================================

// multiHandler fans records out to several handlers.
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

// Handle writes to every enabled handler and joins their errors.
func (h *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, r.Level) {
			errs = append(errs, handler.Handle(ctx, r.Clone()))
		}
	}
	return errors.Join(errs...)
}

func (h *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return h.each(func(handler slog.Handler) slog.Handler { return handler.WithAttrs(attrs) })
}

func (h *multiHandler) WithGroup(name string) slog.Handler {
	return h.each(func(handler slog.Handler) slog.Handler { return handler.WithGroup(name) })
}

func (h *multiHandler) each(fn func(slog.Handler) slog.Handler) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = fn(handler)
	}
	return &multiHandler{handlers: handlers}
}

// expandPath replaces a leading "~" with the home directory.
func expandPath(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
