// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package logging

import (
	"math"
	"time"
)

// Event categories written by the typed helpers below.
const (
	CategoryChatCompletion      = "chat_completion"
	CategoryChatCompletionError = "chat_completion_error"
	CategoryAuthentication      = "authentication"
	CategorySession             = "session_event"
	CategoryAdmission           = "admission"
	CategoryLatency             = "latency_class"
	CategoryInstance            = "instance_event"
	CategoryError               = "error"
)

// Session event subtypes.
const (
	SessionCreated = "created"
	SessionUpdated = "updated"
	SessionDeleted = "deleted"
	SessionExpired = "expired"
)

// ChatCompletionEvent captures one completed (or failed) chat call.
type ChatCompletionEvent struct {
	RequestID        string
	Fingerprint      string
	Model            string
	MessageCount     int
	Stream           bool
	ToolsEnabled     bool
	Duration         time.Duration
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	Err              error
}

// ChatCompletion emits the terminal event for a chat completion request.
// Failures are reported under their own category at Error level so a
// plain grep of the event file separates them.
func (l *EventLogger) ChatCompletion(ev ChatCompletionEvent) {
	payload := map[string]any{
		"request_id":       ev.RequestID,
		"session_id":       ev.Fingerprint,
		"model":            ev.Model,
		"message_count":    ev.MessageCount,
		"stream":           ev.Stream,
		"tools_enabled":    ev.ToolsEnabled,
		"duration_seconds": roundSeconds(ev.Duration),
	}
	if ev.TotalTokens > 0 {
		payload["tokens"] = map[string]any{
			"prompt":     ev.PromptTokens,
			"completion": ev.CompletionTokens,
			"total":      ev.TotalTokens,
		}
	}
	if ev.Err != nil {
		payload["error"] = ev.Err.Error()
		l.Emit(CategoryChatCompletionError, LevelError, payload)
		return
	}
	l.Emit(CategoryChatCompletion, LevelInfo, payload)
}

// Authentication records a credential check outcome. Failures are
// warnings; they are expected noise on an exposed listener.
func (l *EventLogger) Authentication(success bool, method, detail string) {
	level := LevelInfo
	if !success {
		level = LevelWarn
	}
	payload := map[string]any{
		"success": success,
		"method":  method,
	}
	if detail != "" {
		payload["detail"] = detail
	}
	l.Emit(CategoryAuthentication, level, payload)
}

// SessionEvent records a session lifecycle change
// (created/updated/deleted/expired).
func (l *EventLogger) SessionEvent(subtype, fingerprint string, extra map[string]any) {
	payload := map[string]any{
		"subtype":    subtype,
		"session_id": fingerprint,
	}
	for k, v := range extra {
		payload[k] = v
	}
	l.Emit(CategorySession, LevelInfo, payload)
}

// Admission records a gate decision. Rejections are warnings so
// sustained backpressure is visible at a glance.
func (l *EventLogger) Admission(outcome, reason string, waited time.Duration, queueDepth int) {
	level := LevelInfo
	if outcome == "rejected" {
		level = LevelWarn
	}
	payload := map[string]any{
		"outcome":     outcome,
		"waited_ms":   waited.Milliseconds(),
		"queue_depth": queueDepth,
	}
	if reason != "" {
		payload["reason"] = reason
	}
	l.Emit(CategoryAdmission, level, payload)
}

// LatencyClass records a performance classification for one request.
// Only slow and very_slow classes escalate to Warn.
func (l *EventLogger) LatencyClass(class, endpoint string, duration time.Duration, toolsEnabled bool) {
	level := LevelInfo
	if class != "normal" {
		level = LevelWarn
	}
	l.Emit(CategoryLatency, level, map[string]any{
		"class":            class,
		"endpoint":         endpoint,
		"duration_seconds": roundSeconds(duration),
		"tools_enabled":    toolsEnabled,
	})
}

// InstanceEvent records registry transitions (probe up/down, placement).
func (l *EventLogger) InstanceEvent(subtype, instance string, extra map[string]any) {
	payload := map[string]any{
		"subtype":  subtype,
		"instance": instance,
	}
	for k, v := range extra {
		payload[k] = v
	}
	l.Emit(CategoryInstance, LevelInfo, payload)
}

// ErrorEvent records an internal failure that did not surface as one of
// the typed categories above.
func (l *EventLogger) ErrorEvent(kind string, err error, extra map[string]any) {
	payload := map[string]any{
		"error_type": kind,
	}
	if err != nil {
		payload["message"] = err.Error()
	}
	for k, v := range extra {
		payload[k] = v
	}
	l.Emit(CategoryError, LevelError, payload)
}

// roundSeconds reports a duration in seconds with millisecond precision,
// matching the shape downstream dashboards already parse.
func roundSeconds(d time.Duration) float64 {
	return math.Round(d.Seconds()*1000) / 1000
}
