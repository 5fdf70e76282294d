// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package datatypes holds the wire types and error taxonomy shared by
// every bridge component. It layers the gateway's session extension on
// top of the standard OpenAI chat schema so existing OpenAI clients work
// unmodified while session-aware clients opt into conversation pinning.
package datatypes

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"
)

// SessionIDHeader is the alternative carrier for conversation identity,
// for clients whose OpenAI SDK cannot add body fields.
const SessionIDHeader = "X-Session-ID"

// ForwardedHeader is the loop guard set on instance-to-instance relays.
// A request arriving with this header is handled locally no matter what
// the local pin table says, so a stale pin cannot create a relay cycle.
const ForwardedHeader = "X-Bridge-Forwarded"

// =============================================================================
// Chat Completion Request
// =============================================================================

// ChatCompletionRequest is the OpenAI chat completion request extended
// with the bridge's session fields.
//
// SessionID supplies the conversation identity used for session pinning.
// Requests without one (body field or X-Session-ID header) are treated
// as one-shot: they get an ephemeral session that is discarded after the
// call. EnableTools selects the tool-enabled latency thresholds and is
// passed through to the assistant.
type ChatCompletionRequest struct {
	openai.ChatCompletionRequest

	SessionID   string `json:"session_id,omitempty"`
	EnableTools bool   `json:"enable_tools,omitempty"`
}

// ToolsEnabled reports whether the request permits assistant tool use,
// either via the explicit flag or by carrying OpenAI tool definitions.
func (r *ChatCompletionRequest) ToolsEnabled() bool {
	return r.EnableTools || len(r.Tools) > 0
}

// NewCompletionID mints a response identifier in the OpenAI "chatcmpl-"
// shape.
func NewCompletionID() string {
	return "chatcmpl-" + uuid.NewString()
}

// NewChatCompletionResponse assembles a non-streaming response for a
// single-choice completion.
func NewChatCompletionResponse(model, content, finishReason string, usage openai.Usage) openai.ChatCompletionResponse {
	return openai.ChatCompletionResponse{
		ID:      NewCompletionID(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []openai.ChatCompletionChoice{
			{
				Index: 0,
				Message: openai.ChatCompletionMessage{
					Role:    openai.ChatMessageRoleAssistant,
					Content: content,
				},
				FinishReason: openai.FinishReason(finishReason),
			},
		},
		Usage: usage,
	}
}

// =============================================================================
// Request Lifecycle
// =============================================================================

// RequestOutcome is the terminal state of one tracked request.
type RequestOutcome string

const (
	OutcomeCompleted RequestOutcome = "completed"
	OutcomeRejected  RequestOutcome = "rejected"
	OutcomeTimedOut  RequestOutcome = "timed_out"
	OutcomeFailed    RequestOutcome = "failed"
)

// PendingRequest tracks one inbound call from arrival to its terminal
// event. It exists for bookkeeping and event payloads only; the request
// pipeline never branches on it.
type PendingRequest struct {
	ID           string
	Fingerprint  string
	Tenant       string
	ToolsEnabled bool
	ArrivedAt    time.Time
	AdmittedAt   time.Time
	CompletedAt  time.Time
	Outcome      RequestOutcome
}

// NewPendingRequest stamps a fresh request record at arrival time.
func NewPendingRequest(fingerprint, tenant string, toolsEnabled bool) *PendingRequest {
	return &PendingRequest{
		ID:           uuid.NewString(),
		Fingerprint:  fingerprint,
		Tenant:       tenant,
		ToolsEnabled: toolsEnabled,
		ArrivedAt:    time.Now(),
	}
}

// Admitted marks the moment the concurrency gate granted a slot.
func (p *PendingRequest) Admitted() {
	p.AdmittedAt = time.Now()
}

// Finish records the terminal outcome. It is idempotent so error paths
// that overlap (cancellation racing completion) cannot double-report.
func (p *PendingRequest) Finish(outcome RequestOutcome) {
	if p.Outcome != "" {
		return
	}
	p.Outcome = outcome
	p.CompletedAt = time.Now()
}

// QueueWait is the time spent between arrival and admission, zero if
// the request was never admitted.
func (p *PendingRequest) QueueWait() time.Duration {
	if p.AdmittedAt.IsZero() {
		return 0
	}
	return p.AdmittedAt.Sub(p.ArrivedAt)
}

// =============================================================================
// Model Listing
// =============================================================================

// ModelList is the OpenAI /v1/models response body.
type ModelList struct {
	Object string  `json:"object"`
	Data   []Model `json:"data"`
}

// Model is one entry of the /v1/models listing.
type Model struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// NewModelList wraps configured model names in the OpenAI list schema.
func NewModelList(names []string) ModelList {
	now := time.Now().Unix()
	data := make([]Model, 0, len(names))
	for _, name := range names {
		data = append(data, Model{
			ID:      name,
			Object:  "model",
			Created: now,
			OwnedBy: "aleutian",
		})
	}
	return ModelList{Object: "list", Data: data}
}

// =============================================================================
// Research
// =============================================================================

// ResearchRequest is the body of POST /v1/research.
type ResearchRequest struct {
	Query string `json:"query" binding:"required"`
	Model string `json:"model,omitempty"`
}

// ResearchResponse is the result of a delegated research run.
type ResearchResponse struct {
	ExecutionID string `json:"execution_id"`
	Content     string `json:"content"`
	Model       string `json:"model"`
}

// Validate rejects empty research queries before any work is admitted.
func (r *ResearchRequest) Validate() error {
	if r.Query == "" {
		return fmt.Errorf("research query must not be empty")
	}
	return nil
}
