// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package logging

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Helpers
// =============================================================================

// newQuietLogger builds a logger with no stderr echo and the given
// extra configuration. Callers needing the file sink pass a Dir.
func newQuietLogger(t *testing.T, cfg Config) *EventLogger {
	t.Helper()
	cfg.Quiet = true
	logger, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = logger.Close() })
	return logger
}

// waitForEvents blocks until the exporter has collected at least n
// events. Exporter dispatch is asynchronous, so assertions poll.
func waitForEvents(t *testing.T, exp *BufferedExporter, n int) []Event {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(exp.Events()) >= n
	}, 2*time.Second, 5*time.Millisecond, "expected %d exported events", n)
	return exp.Events()
}

// readEventFile returns the active event file's contents.
func readEventFile(t *testing.T, dir string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, "events.log"))
	require.NoError(t, err)
	return string(data)
}

// =============================================================================
// Construction Tests
// =============================================================================

func TestNew_ZeroConfig(t *testing.T) {
	logger, err := New(Config{Quiet: true})
	require.NoError(t, err)
	defer logger.Close()

	assert.Equal(t, int64(0), logger.FileSize(), "no file sink without Dir")
	assert.NotNil(t, logger.Slog())
	assert.NotNil(t, logger.Redactor())

	// Emitting with every sink disabled must not panic.
	logger.Emit(CategoryError, LevelError, map[string]any{"k": "v"})
}

func TestNew_JSONEchoMode(t *testing.T) {
	// JSON only switches the stderr echo encoding; construction and
	// emission behave identically.
	logger, err := New(Config{JSON: true, Quiet: true})
	require.NoError(t, err)
	defer logger.Close()

	logger.Emit(CategorySession, LevelInfo, map[string]any{"subtype": SessionCreated})
}

func TestNew_BadDirectoryFails(t *testing.T) {
	file := filepath.Join(t.TempDir(), "occupied")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))

	// Dir nests under an existing regular file, so the sink cannot be
	// created.
	_, err := New(Config{Dir: filepath.Join(file, "logs"), Quiet: true})
	assert.Error(t, err)
}

// =============================================================================
// Emit & Redaction Tests
// =============================================================================

// TestEmit_RedactsBeforeFileSink verifies no unredacted secret reaches
// disk, regardless of where in the payload it hides.
func TestEmit_RedactsBeforeFileSink(t *testing.T) {
	dir := t.TempDir()
	logger := newQuietLogger(t, Config{Dir: dir, Instance: "bridge-test"})

	logger.Emit(CategoryAuthentication, LevelWarn, map[string]any{
		"detail": "Bearer sk-verysecretbearertoken12345",
		"token":  "raw-credential-value",
		"nested": map[string]any{
			"note": "password=hunter2hunter2",
		},
	})

	content := readEventFile(t, dir)
	assert.NotContains(t, content, "sk-verysecretbearertoken12345")
	assert.NotContains(t, content, "raw-credential-value")
	assert.NotContains(t, content, "hunter2hunter2")
	assert.Contains(t, content, MaskToken)
	assert.Contains(t, content, `"instance":"bridge-test"`,
		"every line carries the instance tag")
}

// TestSlog_SharesRedaction verifies records written through the exposed
// slog.Logger pass the same redaction backstop as Emit.
func TestSlog_SharesRedaction(t *testing.T) {
	dir := t.TempDir()
	logger := newQuietLogger(t, Config{Dir: dir})

	logger.Slog().Info("credential check failed",
		"header", "Bearer sk-slogpathsecrettoken999")

	content := readEventFile(t, dir)
	assert.NotContains(t, content, "sk-slogpathsecrettoken999")
	assert.Contains(t, content, "Bearer "+MaskToken)
}

func TestEmit_LevelFiltersSinks(t *testing.T) {
	dir := t.TempDir()
	logger := newQuietLogger(t, Config{Dir: dir, Level: LevelWarn})

	logger.Emit(CategorySession, LevelInfo, map[string]any{"subtype": SessionCreated})
	logger.Emit(CategoryAdmission, LevelWarn, map[string]any{"outcome": "rejected"})

	content := readEventFile(t, dir)
	assert.NotContains(t, content, CategorySession, "below-threshold event is dropped")
	assert.Contains(t, content, CategoryAdmission)
}

// =============================================================================
// Exporter Tests
// =============================================================================

func TestEmit_FansOutToAllExporters(t *testing.T) {
	first := NewBufferedExporter()
	second := NewBufferedExporter()
	logger := newQuietLogger(t, Config{
		Instance:  "bridge-a",
		Exporters: []Exporter{first, second},
	})

	logger.Emit(CategoryInstance, LevelInfo, map[string]any{"subtype": "probe"})

	for _, exp := range []*BufferedExporter{first, second} {
		events := waitForEvents(t, exp, 1)
		assert.Equal(t, CategoryInstance, events[0].Category)
		assert.Equal(t, LevelInfo, events[0].Level)
		assert.Equal(t, "bridge-a", events[0].Instance)
		assert.Equal(t, "probe", events[0].Payload["subtype"])
		assert.False(t, events[0].Timestamp.IsZero())
	}
}

func TestEmit_ExportersReceiveRedactedPayload(t *testing.T) {
	exp := NewBufferedExporter()
	logger := newQuietLogger(t, Config{Exporters: []Exporter{exp}})

	logger.Emit(CategoryError, LevelError, map[string]any{
		"api_key": "sk-shouldnotleavetheprocess",
	})

	events := waitForEvents(t, exp, 1)
	assert.Equal(t, MaskToken, events[0].Payload["api_key"])
}

func TestEmit_ExportersHonorLevel(t *testing.T) {
	exp := NewBufferedExporter()
	logger := newQuietLogger(t, Config{Level: LevelWarn, Exporters: []Exporter{exp}})

	logger.Emit(CategorySession, LevelInfo, nil)
	logger.Emit(CategoryAdmission, LevelWarn, map[string]any{"outcome": "rejected"})

	events := waitForEvents(t, exp, 1)
	require.Len(t, events, 1, "info event below the threshold is not exported")
	assert.Equal(t, CategoryAdmission, events[0].Category)
}

// flushCountingExporter records Flush and Close calls for shutdown
// ordering assertions.
type flushCountingExporter struct {
	NopExporter
	flushes atomic.Int32
	closes  atomic.Int32
}

func (e *flushCountingExporter) Flush(ctx context.Context) error {
	e.flushes.Add(1)
	return nil
}

func (e *flushCountingExporter) Close() error {
	e.closes.Add(1)
	return nil
}

func TestClose_FlushesExportersOnce(t *testing.T) {
	exp := &flushCountingExporter{}
	logger, err := New(Config{Quiet: true, Exporters: []Exporter{exp}})
	require.NoError(t, err)

	require.NoError(t, logger.Close())
	require.NoError(t, logger.Close(), "second close is a no-op")

	assert.Equal(t, int32(1), exp.flushes.Load())
	assert.Equal(t, int32(1), exp.closes.Load())
}

// =============================================================================
// Typed Helper Tests
// =============================================================================

func TestChatCompletion_SuccessAndFailureCategories(t *testing.T) {
	exp := NewBufferedExporter()
	logger := newQuietLogger(t, Config{Exporters: []Exporter{exp}})

	logger.ChatCompletion(ChatCompletionEvent{
		RequestID:        "req-1",
		Fingerprint:      "fp-1",
		Model:            "claude-sonnet-4",
		MessageCount:     3,
		Duration:         1234 * time.Millisecond,
		PromptTokens:     10,
		CompletionTokens: 5,
		TotalTokens:      15,
	})
	logger.ChatCompletion(ChatCompletionEvent{
		RequestID: "req-2",
		Model:     "claude-sonnet-4",
		Err:       errors.New("assistant exited with status 1"),
	})

	events := waitForEvents(t, exp, 2)
	byCategory := map[string]Event{}
	for _, ev := range events {
		byCategory[ev.Category] = ev
	}

	ok, found := byCategory[CategoryChatCompletion]
	require.True(t, found)
	assert.Equal(t, LevelInfo, ok.Level)
	assert.Equal(t, "req-1", ok.Payload["request_id"])
	assert.Equal(t, 1.234, ok.Payload["duration_seconds"])
	tokens, isMap := ok.Payload["tokens"].(map[string]any)
	require.True(t, isMap)
	assert.Equal(t, 15, tokens["total"])

	failed, found := byCategory[CategoryChatCompletionError]
	require.True(t, found)
	assert.Equal(t, LevelError, failed.Level)
	assert.Contains(t, failed.Payload["error"], "status 1")
	assert.NotContains(t, failed.Payload, "tokens", "no token block without usage")
}

func TestAdmission_RejectionEscalatesToWarn(t *testing.T) {
	exp := NewBufferedExporter()
	logger := newQuietLogger(t, Config{Exporters: []Exporter{exp}})

	logger.Admission("admitted", "", 12*time.Millisecond, 0)
	logger.Admission("rejected", "queue_full", 0, 10)

	events := waitForEvents(t, exp, 2)
	for _, ev := range events {
		require.Equal(t, CategoryAdmission, ev.Category)
		switch ev.Payload["outcome"] {
		case "admitted":
			assert.Equal(t, LevelInfo, ev.Level)
			assert.NotContains(t, ev.Payload, "reason")
		case "rejected":
			assert.Equal(t, LevelWarn, ev.Level)
			assert.Equal(t, "queue_full", ev.Payload["reason"])
			assert.Equal(t, 10, ev.Payload["queue_depth"])
		default:
			t.Fatalf("unexpected outcome %v", ev.Payload["outcome"])
		}
	}
}

func TestAuthentication_FailureIsWarn(t *testing.T) {
	exp := NewBufferedExporter()
	logger := newQuietLogger(t, Config{Exporters: []Exporter{exp}})

	logger.Authentication(true, "bearer", "")
	logger.Authentication(false, "bearer", "unknown key")

	events := waitForEvents(t, exp, 2)
	for _, ev := range events {
		require.Equal(t, CategoryAuthentication, ev.Category)
		if ev.Payload["success"] == true {
			assert.Equal(t, LevelInfo, ev.Level)
			assert.NotContains(t, ev.Payload, "detail")
		} else {
			assert.Equal(t, LevelWarn, ev.Level)
			assert.Equal(t, "unknown key", ev.Payload["detail"])
		}
	}
}

func TestSessionEvent_MergesExtraFields(t *testing.T) {
	exp := NewBufferedExporter()
	logger := newQuietLogger(t, Config{Exporters: []Exporter{exp}})

	logger.SessionEvent(SessionExpired, "fp-42", map[string]any{"idle_seconds": 3600})

	events := waitForEvents(t, exp, 1)
	assert.Equal(t, CategorySession, events[0].Category)
	assert.Equal(t, SessionExpired, events[0].Payload["subtype"])
	assert.Equal(t, "fp-42", events[0].Payload["session_id"])
	assert.Equal(t, 3600, events[0].Payload["idle_seconds"])
}

func TestLatencyClass_OnlySlowClassesWarn(t *testing.T) {
	exp := NewBufferedExporter()
	logger := newQuietLogger(t, Config{Exporters: []Exporter{exp}})

	logger.LatencyClass("normal", "chat_completions", 2*time.Second, false)
	logger.LatencyClass("very_slow", "chat_completions", 12*time.Second, false)

	events := waitForEvents(t, exp, 2)
	for _, ev := range events {
		require.Equal(t, CategoryLatency, ev.Category)
		if ev.Payload["class"] == "normal" {
			assert.Equal(t, LevelInfo, ev.Level)
		} else {
			assert.Equal(t, LevelWarn, ev.Level)
		}
	}
}

func TestErrorEvent_CarriesMessageAndExtras(t *testing.T) {
	exp := NewBufferedExporter()
	logger := newQuietLogger(t, Config{Exporters: []Exporter{exp}})

	logger.ErrorEvent("forward_failed", errors.New("dial tcp: refused"),
		map[string]any{"target": "bridge-8001"})

	events := waitForEvents(t, exp, 1)
	assert.Equal(t, CategoryError, events[0].Category)
	assert.Equal(t, LevelError, events[0].Level)
	assert.Equal(t, "forward_failed", events[0].Payload["error_type"])
	assert.Contains(t, events[0].Payload["message"], "refused")
	assert.Equal(t, "bridge-8001", events[0].Payload["target"])
}

// =============================================================================
// Level Tests
// =============================================================================

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LevelDebug, ParseLevel("debug"))
	assert.Equal(t, LevelWarn, ParseLevel("warning"))
	assert.Equal(t, LevelError, ParseLevel("ERROR"))
	assert.Equal(t, LevelInfo, ParseLevel("info"))
	assert.Equal(t, LevelInfo, ParseLevel("nonsense"), "unknown strings fall back to info")
}

func TestLevel_String(t *testing.T) {
	assert.Equal(t, "DEBUG", LevelDebug.String())
	assert.Equal(t, "ERROR", LevelError.String())
	assert.Equal(t, "UNKNOWN", Level(99).String())
}

// =============================================================================
// Concurrency Tests
// =============================================================================

// TestEmit_ConcurrentUse hammers one logger from many goroutines; every
// event must reach the exporter without a race or a lost write.
func TestEmit_ConcurrentUse(t *testing.T) {
	exp := NewBufferedExporter()
	logger := newQuietLogger(t, Config{Exporters: []Exporter{exp}})

	const goroutines, perGoroutine = 8, 25
	done := make(chan struct{})
	for g := 0; g < goroutines; g++ {
		go func() {
			defer func() { done <- struct{}{} }()
			for i := 0; i < perGoroutine; i++ {
				logger.Emit(CategorySession, LevelInfo, map[string]any{"n": i})
			}
		}()
	}
	for g := 0; g < goroutines; g++ {
		<-done
	}

	events := waitForEvents(t, exp, goroutines*perGoroutine)
	assert.Len(t, events, goroutines*perGoroutine)
	for _, ev := range events {
		require.Equal(t, CategorySession, ev.Category)
	}
}
