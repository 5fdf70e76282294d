// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package logging

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"
)

// =============================================================================
// Built-in Exporters
// =============================================================================

// NopExporter discards all events. Useful when export is disabled.
type NopExporter struct{}

func (e *NopExporter) Export(ctx context.Context, ev Event) error { return nil }
func (e *NopExporter) Flush(ctx context.Context) error            { return nil }
func (e *NopExporter) Close() error                               { return nil }

var _ Exporter = (*NopExporter)(nil)

// BufferedExporter collects events in memory for test assertions:
//
//	exporter := logging.NewBufferedExporter()
//	logger, _ := logging.New(logging.Config{Exporters: []logging.Exporter{exporter}})
//	logger.Emit("authentication", logging.LevelInfo, payload)
//	events := exporter.Events()
type BufferedExporter struct {
	mu     sync.Mutex
	events []Event
}

// NewBufferedExporter creates an empty BufferedExporter.
func NewBufferedExporter() *BufferedExporter {
	return &BufferedExporter{events: make([]Event, 0, 64)}
}

// Export appends the event to the buffer.
func (e *BufferedExporter) Export(ctx context.Context, ev Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
	return nil
}

func (e *BufferedExporter) Flush(ctx context.Context) error { return nil }
func (e *BufferedExporter) Close() error                    { return nil }

// Events returns a copy of everything collected so far.
func (e *BufferedExporter) Events() []Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Event, len(e.events))
	copy(out, e.events)
	return out
}

var _ Exporter = (*BufferedExporter)(nil)

// WriterExporter writes a one-line rendering of each event to an
// io.Writer. Handy for directing events at a test buffer or pipe.
type WriterExporter struct {
	w  io.Writer
	mu sync.Mutex
}

// NewWriterExporter wraps w. The exporter does not own the writer.
func NewWriterExporter(w io.Writer) *WriterExporter {
	return &WriterExporter{w: w}
}

func (e *WriterExporter) Export(ctx context.Context, ev Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, err := fmt.Fprintf(e.w, "[%s] %s %s: %v\n",
		ev.Timestamp.Format(time.RFC3339),
		ev.Level,
		ev.Category,
		ev.Payload,
	)
	return err
}

func (e *WriterExporter) Flush(ctx context.Context) error { return nil }
func (e *WriterExporter) Close() error                    { return nil }

var _ Exporter = (*WriterExporter)(nil)
