// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package logging provides the structured, redacted, size-rotated event
// sink for AleutianBridge components.
//
// Every operational event in the gateway flows through an EventLogger:
// chat completions, admission decisions, session lifecycle changes,
// authentication outcomes, and latency classifications. The logger
// guarantees two properties the rest of the system relies on:
//
//  1. Sensitive material (bearer tokens, API keys, passwords, long
//     session identifiers) is masked before a byte reaches any sink.
//     Redaction is idempotent, so re-logging already-masked output is
//     harmless.
//
//  2. The on-disk event file never grows past its cap. Rotation shifts
//     numbered backups and happens inline with the triggering write,
//     atomically with respect to concurrent writers.
//
// # Architecture
//
// The logger is built on the standard library slog package with a
// fan-out handler, mirroring the rest of the Aleutian stack:
//
//	┌──────────────────────────────────────────────────────────────┐
//	│                        EventLogger                           │
//	│  ┌────────────┐  ┌──────────────────┐  ┌──────────────────┐  │
//	│  │   stderr   │  │  rotating file   │  │    Exporter(s)   │  │
//	│  │ (optional) │  │ (redacted JSON)  │  │ (influx, tails)  │  │
//	│  └────────────┘  └──────────────────┘  └──────────────────┘  │
//	└──────────────────────────────────────────────────────────────┘
//
// # Basic Usage
//
//	logger, err := logging.New(logging.Config{
//	    Dir:      "/var/log/aleutian",
//	    Instance: "bridge-8000",
//	})
//	if err != nil { ... }
//	defer logger.Close()
//
//	logger.Emit("session_event", logging.LevelInfo, map[string]any{
//	    "subtype":     "created",
//	    "fingerprint": fp,
//	})
//
// Typed helpers in events.go cover the recurring event families.
package logging

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// =============================================================================
// Log Levels
// =============================================================================

// Level represents event severity, ordered Debug < Info < Warn < Error.
type Level int

const (
	// LevelDebug is for development troubleshooting.
	LevelDebug Level = iota

	// LevelInfo is for normal operational events.
	LevelInfo

	// LevelWarn is for recoverable or suspicious situations.
	LevelWarn

	// LevelError is for failed operations the system survives.
	LevelError
)

// String returns "DEBUG", "INFO", "WARN", "ERROR", or "UNKNOWN".
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// toSlogLevel bridges Level to the standard library.
func (l Level) toSlogLevel() slog.Level {
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

// ParseLevel maps a config string ("debug", "info", "warn", "error")
// to a Level. Unknown strings fall back to Info.
func ParseLevel(s string) Level {
	switch s {
	case "debug", "DEBUG":
		return LevelDebug
	case "warn", "warning", "WARN":
		return LevelWarn
	case "error", "ERROR":
		return LevelError
	default:
		return LevelInfo
	}
}

// =============================================================================
// Configuration
// =============================================================================

// Config configures an EventLogger. The zero value logs Info+ events to
// stderr only, with default redaction rules.
type Config struct {
	// Level is the minimum severity written to any sink. Default: LevelInfo.
	Level Level

	// Dir enables the rotating file sink. Events are written as JSON
	// lines to "{Dir}/events.log". Supports ~ expansion.
	// Default: "" (file sink disabled).
	Dir string

	// MaxBytes caps the active event file; writes that would exceed it
	// trigger rotation. Default: 10 MiB.
	MaxBytes int64

	// Backups is how many rotated files to keep ("events.log.1" ..
	// "events.log.N"). Default: 5. Zero keeps no history.
	Backups int

	// Instance tags every event with the emitting instance's display
	// name, so aggregated logs from a scaled deployment stay separable.
	Instance string

	// Quiet disables the stderr echo. The file sink and exporters are
	// unaffected.
	Quiet bool

	// JSON switches the stderr echo from human-readable text to JSON.
	// The file sink is always JSON.
	JSON bool

	// Rules overrides the redaction rule set. Default: DefaultRules().
	Rules []Rule

	// Exporters receive every redacted event asynchronously. Export
	// failures are dropped; they never block the write path.
	Exporters []Exporter
}

// =============================================================================
// Event & Exporter
// =============================================================================

// Event is the immutable record delivered to exporters. Payload is
// already redacted.
type Event struct {
	Timestamp time.Time      `json:"timestamp"`
	Instance  string         `json:"instance,omitempty"`
	Category  string         `json:"category"`
	Level     Level          `json:"level"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Exporter is the extension point for shipping events to external
// systems (time-series databases, live tails, test buffers).
//
// Export is called once per event and should return quickly; buffer
// internally and batch. Flush is called at shutdown before Close.
type Exporter interface {
	Export(ctx context.Context, ev Event) error
	Flush(ctx context.Context) error
	Close() error
}

// =============================================================================
// EventLogger
// =============================================================================

// EventLogger is the multi-destination, redacting event sink.
//
// # Thread Safety
//
// Safe for concurrent use. The rotating file writer serializes its own
// writes; exporter dispatch is asynchronous.
type EventLogger struct {
	slog      *slog.Logger
	config    Config
	redactor  *Redactor
	rot       *RotatingWriter
	exporters []Exporter
	mu        sync.Mutex
	closed    bool
}

// New creates an EventLogger for the given configuration. The returned
// logger must be closed to flush exporters and the file sink.
func New(config Config) (*EventLogger, error) {
	if config.MaxBytes <= 0 {
		config.MaxBytes = DefaultMaxBytes
	}
	if config.Backups < 0 {
		config.Backups = DefaultBackups
	}

	l := &EventLogger{
		config:    config,
		redactor:  NewRedactor(config.Rules...),
		exporters: config.Exporters,
	}

	opts := &slog.HandlerOptions{Level: config.Level.toSlogLevel()}
	var handlers []slog.Handler

	if !config.Quiet {
		if config.JSON {
			handlers = append(handlers, slog.NewJSONHandler(os.Stderr, opts))
		} else {
			handlers = append(handlers, slog.NewTextHandler(os.Stderr, opts))
		}
	}

	if config.Dir != "" {
		path := filepath.Join(expandPath(config.Dir), "events.log")
		rot, err := NewRotatingWriter(path, config.MaxBytes, config.Backups)
		if err != nil {
			return nil, fmt.Errorf("event file sink: %w", err)
		}
		l.rot = rot
		handlers = append(handlers, slog.NewJSONHandler(rot, opts))
	}

	var handler slog.Handler
	switch len(handlers) {
	case 0:
		handler = slog.NewTextHandler(os.Stderr, opts)
	case 1:
		handler = handlers[0]
	default:
		handler = &multiHandler{handlers: handlers}
	}
	if config.Instance != "" {
		handler = handler.WithAttrs([]slog.Attr{slog.String("instance", config.Instance)})
	}
	// Everything reaching a sink passes the redactor, including logs
	// emitted through Slog() by collaborating packages.
	l.slog = slog.New(&redactingHandler{inner: handler, redactor: l.redactor})

	return l, nil
}

// Emit records one event: the payload is redacted, written to the
// configured sinks, and handed to every exporter.
func (l *EventLogger) Emit(category string, level Level, payload map[string]any) {
	red := l.redactor.Payload(payload)

	args := make([]any, 0, 2)
	if red != nil {
		args = append(args, slog.Any("data", red))
	}
	switch level {
	case LevelDebug:
		l.slog.Debug(category, args...)
	case LevelWarn:
		l.slog.Warn(category, args...)
	case LevelError:
		l.slog.Error(category, args...)
	default:
		l.slog.Info(category, args...)
	}

	if len(l.exporters) == 0 || level < l.config.Level {
		return
	}
	ev := Event{
		Timestamp: time.Now().UTC(),
		Instance:  l.config.Instance,
		Category:  category,
		Level:     level,
		Payload:   red,
	}
	// Dispatch off the caller's path; a slow exporter must not stall a
	// request handler.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		for _, exp := range l.exporters {
			_ = exp.Export(ctx, ev)
		}
	}()
}

// Slog exposes the underlying slog.Logger. Records written through it
// share the logger's sinks and still pass redaction.
func (l *EventLogger) Slog() *slog.Logger {
	return l.slog
}

// Redactor returns the logger's redactor for callers that need to mask
// values before building a payload (response previews, prompts).
func (l *EventLogger) Redactor() *Redactor {
	return l.redactor
}

// FileSize reports the active event file's size, or zero when the file
// sink is disabled.
func (l *EventLogger) FileSize() int64 {
	if l.rot == nil {
		return 0
	}
	return l.rot.Size()
}

// Close flushes exporters and the file sink. Safe to call once.
func (l *EventLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true

	var errs []error
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, exp := range l.exporters {
		if err := exp.Flush(ctx); err != nil {
			errs = append(errs, fmt.Errorf("flush exporter: %w", err))
		}
		if err := exp.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close exporter: %w", err))
		}
	}
	if l.rot != nil {
		if err := l.rot.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close event file: %w", err))
		}
	}
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// =============================================================================
// Redacting Handler (Internal)
// =============================================================================

// redactingHandler masks sensitive values in every record before the
// inner handler sees it. This is the backstop that keeps unredacted
// payloads out of storage no matter which code path logged them.
type redactingHandler struct {
	inner    slog.Handler
	redactor *Redactor
}

func (h *redactingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *redactingHandler) Handle(ctx context.Context, r slog.Record) error {
	clean := slog.NewRecord(r.Time, r.Level, h.redactor.String(r.Message), r.PC)
	r.Attrs(func(a slog.Attr) bool {
		clean.AddAttrs(h.redactAttr(a))
		return true
	})
	return h.inner.Handle(ctx, clean)
}

func (h *redactingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		out[i] = h.redactAttr(a)
	}
	return &redactingHandler{inner: h.inner.WithAttrs(out), redactor: h.redactor}
}

func (h *redactingHandler) WithGroup(name string) slog.Handler {
	return &redactingHandler{inner: h.inner.WithGroup(name), redactor: h.redactor}
}

func (h *redactingHandler) redactAttr(a slog.Attr) slog.Attr {
	switch a.Value.Kind() {
	case slog.KindString:
		return slog.String(a.Key, h.redactor.String(a.Value.String()))
	case slog.KindGroup:
		group := a.Value.Group()
		out := make([]any, 0, len(group))
		for _, ga := range group {
			out = append(out, h.redactAttr(ga))
		}
		return slog.Group(a.Key, out...)
	case slog.KindAny:
		return slog.Any(a.Key, h.redactor.Value(a.Value.Any()))
	default:
		return a
	}
}

// =============================================================================
// Multi-Handler (Internal)
// =============================================================================

// multiHandler fans out records to several slog handlers, enabling a
// text stderr echo alongside the JSON file sink.
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
			if err := handler.Handle(ctx, r); err != nil {
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

// =============================================================================
// Helper Functions
// =============================================================================

// expandPath expands a leading ~ to the user's home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}
