// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package adapter drives the wrapped assistant CLI. The rest of the
// service treats the assistant as an opaque executor behind the Adapter
// interface: the session store hands it an execution handle and a
// conversation, and gets text back or a classified error. The CLI
// subprocess details (flags, resume semantics, output parsing, output
// caps) live here and nowhere else.
package adapter

import (
	"context"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// Options tunes one assistant invocation.
type Options struct {
	// Model names the assistant model. Empty selects the configured
	// default.
	Model string

	// ToolsEnabled lets the assistant use its tool surface. Tool runs
	// get wider latency thresholds upstream.
	ToolsEnabled bool

	// Timeout overrides the configured call ceiling when positive.
	Timeout time.Duration
}

// Usage is the token accounting reported by the assistant, mapped onto
// the OpenAI usage shape by the handlers.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// Result is one completed assistant invocation.
type Result struct {
	// Content is the assistant's reply text.
	Content string

	// FinishReason is "stop" on a clean finish, "length" when the
	// output cap truncated the reply.
	FinishReason string

	// Model echoes the model that actually served the call.
	Model string

	Usage Usage
}

// Adapter executes conversations against the wrapped assistant.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use across distinct
// handles. Callers guarantee at most one in-flight Execute per handle
// (the session lease enforces it), so implementations need not
// serialize per-handle work themselves.
type Adapter interface {
	// Execute sends the conversation to the assistant session named by
	// handle and returns its reply. Errors carry the gateway error
	// taxonomy: ExecutionTimeout when the ceiling elapsed,
	// ExecutionFailure for a failed or unparseable run.
	Execute(ctx context.Context, handle string, messages []openai.ChatCompletionMessage, opts Options) (*Result, error)

	// Teardown discards any assistant-side state for handle. Called on
	// session eviction; must be idempotent.
	Teardown(ctx context.Context, handle string) error
}
