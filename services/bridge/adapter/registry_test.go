// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package adapter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecutionRegistry_Lifecycle(t *testing.T) {
	r := NewExecutionRegistry(time.Hour)

	id, execCtx := r.Register(context.Background(), "fp-1", "claude-sonnet-4")
	ex, ok := r.Get(id)
	require.True(t, ok)
	assert.Equal(t, ExecutionRunning, ex.Status)
	assert.NoError(t, execCtx.Err())

	r.Complete(id, nil)
	ex, _ = r.Get(id)
	assert.Equal(t, ExecutionCompleted, ex.Status)
	require.NotNil(t, ex.FinishedAt)

	// Terminal records are immutable.
	r.Complete(id, errors.New("late failure"))
	ex, _ = r.Get(id)
	assert.Equal(t, ExecutionCompleted, ex.Status)
	assert.Empty(t, ex.Error)
}

func TestExecutionRegistry_CompleteWithError(t *testing.T) {
	r := NewExecutionRegistry(time.Hour)
	id, _ := r.Register(context.Background(), "fp-1", "")

	r.Complete(id, errors.New("cli exited 1"))
	ex, _ := r.Get(id)
	assert.Equal(t, ExecutionFailed, ex.Status)
	assert.Equal(t, "cli exited 1", ex.Error)
}

func TestExecutionRegistry_CancelAbortsContext(t *testing.T) {
	r := NewExecutionRegistry(time.Hour)
	id, execCtx := r.Register(context.Background(), "fp-1", "")

	assert.True(t, r.Cancel(id))
	assert.ErrorIs(t, execCtx.Err(), context.Canceled)

	ex, _ := r.Get(id)
	assert.Equal(t, ExecutionCancelled, ex.Status)

	// Cancel after terminal is refused; Complete cannot overwrite.
	assert.False(t, r.Cancel(id))
	r.Complete(id, nil)
	ex, _ = r.Get(id)
	assert.Equal(t, ExecutionCancelled, ex.Status)

	assert.False(t, r.Cancel("no-such-id"))
}

func TestExecutionRegistry_ListFiltersAndOrders(t *testing.T) {
	r := NewExecutionRegistry(time.Hour)

	a, _ := r.Register(context.Background(), "fp-a", "")
	time.Sleep(time.Millisecond)
	b, _ := r.Register(context.Background(), "fp-b", "")
	r.Complete(a, nil)

	all := r.List("")
	require.Len(t, all, 2)
	assert.Equal(t, b, all[0].ID, "newest first")

	running := r.List(ExecutionRunning)
	require.Len(t, running, 1)
	assert.Equal(t, b, running[0].ID)
}

func TestExecutionRegistry_CleanupOld(t *testing.T) {
	r := NewExecutionRegistry(10 * time.Millisecond)

	done, _ := r.Register(context.Background(), "fp-old", "")
	r.Complete(done, nil)
	live, _ := r.Register(context.Background(), "fp-live", "")

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, r.CleanupOld())

	_, ok := r.Get(done)
	assert.False(t, ok)
	_, ok = r.Get(live)
	assert.True(t, ok, "running executions survive cleanup")
}

func TestExecutionRegistry_CancelAll(t *testing.T) {
	r := NewExecutionRegistry(time.Hour)
	_, ctx1 := r.Register(context.Background(), "a", "")
	_, ctx2 := r.Register(context.Background(), "b", "")
	done, _ := r.Register(context.Background(), "c", "")
	r.Complete(done, nil)

	assert.Equal(t, 2, r.CancelAll())
	assert.Error(t, ctx1.Err())
	assert.Error(t, ctx2.Err())
	assert.Equal(t, uint64(2), r.Stats().Cancelled)
	assert.Zero(t, r.Stats().Running)
}

func TestDetectBackend(t *testing.T) {
	t.Setenv("CLAUDE_CODE_USE_BEDROCK", "")
	t.Setenv("CLAUDE_CODE_USE_VERTEX", "")
	t.Setenv("ANTHROPIC_API_KEY", "")

	assert.Equal(t, BackendCLISession, DetectBackend(nil).Backend)

	t.Setenv("CLAUDE_CODE_USE_BEDROCK", "1")
	assert.Equal(t, BackendBedrock, DetectBackend(nil).Backend)

	t.Setenv("CLAUDE_CODE_USE_BEDROCK", "")
	t.Setenv("CLAUDE_CODE_USE_VERTEX", "1")
	assert.Equal(t, BackendVertex, DetectBackend(nil).Backend)

	t.Setenv("CLAUDE_CODE_USE_VERTEX", "")
	t.Setenv("ANTHROPIC_API_KEY", "sk-test-123456")
	info := DetectBackend(nil)
	assert.Equal(t, BackendCLISession, info.Backend)
	assert.True(t, info.APIKeyPresent)
}
