// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package adapter

import (
	"context"
	"sync"

	openai "github.com/sashabaranov/go-openai"
)

// Mock is a scriptable Adapter for tests and local development without
// the assistant CLI installed.
//
// # Thread Safety
//
// Safe for concurrent use.
type Mock struct {
	// Reply builds the result for a call. Nil yields an echo of the
	// last message.
	Reply func(handle string, messages []openai.ChatCompletionMessage, opts Options) (*Result, error)

	mu        sync.Mutex
	calls     int
	teardowns []string
}

func (m *Mock) Execute(ctx context.Context, handle string, messages []openai.ChatCompletionMessage, opts Options) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()

	if m.Reply != nil {
		return m.Reply(handle, messages, opts)
	}
	content := ""
	if len(messages) > 0 {
		content = messages[len(messages)-1].Content
	}
	return &Result{
		Content:      content,
		FinishReason: string(openai.FinishReasonStop),
		Model:        opts.Model,
		Usage:        Usage{PromptTokens: len(messages), CompletionTokens: 1},
	}, nil
}

func (m *Mock) Teardown(ctx context.Context, handle string) error {
	m.mu.Lock()
	m.teardowns = append(m.teardowns, handle)
	m.mu.Unlock()
	return nil
}

// Calls reports how many Execute invocations the mock served.
func (m *Mock) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Teardowns lists the handles torn down, in order.
func (m *Mock) Teardowns() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.teardowns))
	copy(out, m.teardowns)
	return out
}
