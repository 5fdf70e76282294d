// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package perf classifies request latency against configurable
// thresholds and keeps advisory rolling aggregates per class. The
// aggregates feed threshold-tuning tooling through /stats; nothing in
// the request path changes behavior based on them.
package perf

import (
	"sort"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianBridge/pkg/logging"
)

// Class is the latency classification of one completed request.
type Class string

const (
	ClassNormal   Class = "normal"
	ClassSlow     Class = "slow"
	ClassVerySlow Class = "very_slow"
)

// Thresholds is one slow/very-slow pair. Classification is
// boundary-inclusive: a duration exactly equal to Slow is slow.
type Thresholds struct {
	Slow     time.Duration
	VerySlow time.Duration
}

// Config selects the threshold pair per request type. Tool-enabled
// requests are expected to run much longer, so they get their own pair.
type Config struct {
	// Default applies to plain completions. Defaults: 5s / 10s.
	Default Thresholds

	// Tools applies to tool-enabled requests. Defaults: 30s / 60s.
	Tools Thresholds

	// WindowSize bounds the per-class duration sample kept for the
	// percentile aggregates. Default: 512.
	WindowSize int
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{
		Default:    Thresholds{Slow: 5 * time.Second, VerySlow: 10 * time.Second},
		Tools:      Thresholds{Slow: 30 * time.Second, VerySlow: 60 * time.Second},
		WindowSize: 512,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Default.Slow <= 0 {
		c.Default.Slow = d.Default.Slow
	}
	if c.Default.VerySlow <= 0 {
		c.Default.VerySlow = d.Default.VerySlow
	}
	if c.Tools.Slow <= 0 {
		c.Tools.Slow = d.Tools.Slow
	}
	if c.Tools.VerySlow <= 0 {
		c.Tools.VerySlow = d.Tools.VerySlow
	}
	if c.WindowSize <= 0 {
		c.WindowSize = d.WindowSize
	}
	return c
}

// Aggregate is the advisory rolling summary for one class.
type Aggregate struct {
	Count       uint64  `json:"count"`
	MeanSeconds float64 `json:"mean_seconds"`
	P90Seconds  float64 `json:"p90_seconds"`
	P95Seconds  float64 `json:"p95_seconds"`
}

// window is a bounded ring of recent durations for one class.
type window struct {
	samples []time.Duration
	next    int
	full    bool
	count   uint64
	sum     time.Duration
}

func (w *window) add(d time.Duration) {
	w.samples[w.next] = d
	w.next = (w.next + 1) % len(w.samples)
	if w.next == 0 {
		w.full = true
	}
	w.count++
	w.sum += d
}

func (w *window) aggregate() Aggregate {
	n := w.next
	if w.full {
		n = len(w.samples)
	}
	agg := Aggregate{Count: w.count}
	if w.count > 0 {
		agg.MeanSeconds = w.sum.Seconds() / float64(w.count)
	}
	if n == 0 {
		return agg
	}
	sorted := make([]time.Duration, n)
	copy(sorted, w.samples[:n])
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	agg.P90Seconds = percentile(sorted, 0.90).Seconds()
	agg.P95Seconds = percentile(sorted, 0.95).Seconds()
	return agg
}

// percentile picks the nearest-rank percentile from a sorted sample.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p*float64(len(sorted))+0.5) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// Monitor classifies execution durations and emits one latency event
// per completed request.
//
// # Thread Safety
//
// Safe for concurrent use; one mutex covers the rolling windows.
type Monitor struct {
	config Config
	logger *logging.EventLogger

	mu      sync.Mutex
	windows map[Class]*window
}

// New creates a Monitor. The logger may be nil in tests; classification
// then runs without event emission.
func New(config Config, logger *logging.EventLogger) *Monitor {
	cfg := config.withDefaults()
	windows := make(map[Class]*window, 3)
	for _, class := range []Class{ClassNormal, ClassSlow, ClassVerySlow} {
		windows[class] = &window{samples: make([]time.Duration, cfg.WindowSize)}
	}
	return &Monitor{config: cfg, logger: logger, windows: windows}
}

// Classify maps a duration to its class using the threshold pair for
// the request type. Bounds are inclusive at the low end.
func (m *Monitor) Classify(d time.Duration, toolsEnabled bool) Class {
	th := m.config.Default
	if toolsEnabled {
		th = m.config.Tools
	}
	switch {
	case d >= th.VerySlow:
		return ClassVerySlow
	case d >= th.Slow:
		return ClassSlow
	default:
		return ClassNormal
	}
}

// Observe classifies one completed request, records it in the rolling
// aggregate, and emits the classification event.
func (m *Monitor) Observe(endpoint string, d time.Duration, toolsEnabled bool) Class {
	class := m.Classify(d, toolsEnabled)

	m.mu.Lock()
	m.windows[class].add(d)
	m.mu.Unlock()

	if m.logger != nil {
		m.logger.LatencyClass(string(class), endpoint, d, toolsEnabled)
	}
	return class
}

// Summary snapshots the advisory aggregates per class.
func (m *Monitor) Summary() map[Class]Aggregate {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[Class]Aggregate, len(m.windows))
	for class, w := range m.windows {
		out[class] = w.aggregate()
	}
	return out
}
