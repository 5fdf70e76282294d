// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package adapter

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ExecutionStatus is an execution's lifecycle position.
type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// Execution is one tracked assistant invocation, exported for the
// admin API.
type Execution struct {
	ID          string          `json:"id"`
	Fingerprint string          `json:"fingerprint,omitempty"`
	Model       string          `json:"model,omitempty"`
	Status      ExecutionStatus `json:"status"`
	StartedAt   time.Time       `json:"started_at"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty"`
	Error       string          `json:"error,omitempty"`
}

type trackedExecution struct {
	Execution
	cancel context.CancelFunc
}

// ExecutionRegistry tracks in-flight assistant invocations so the
// admin API can list and cancel them. Terminal records stay listable
// for the configured retention and are then swept.
//
// # Thread Safety
//
// Safe for concurrent use.
type ExecutionRegistry struct {
	retention time.Duration

	mu         sync.Mutex
	executions map[string]*trackedExecution
	completed  uint64
	failed     uint64
	cancelled  uint64
}

// NewExecutionRegistry creates an ExecutionRegistry. retention <= 0
// selects one hour.
func NewExecutionRegistry(retention time.Duration) *ExecutionRegistry {
	if retention <= 0 {
		retention = time.Hour
	}
	return &ExecutionRegistry{
		retention:  retention,
		executions: make(map[string]*trackedExecution),
	}
}

// Register tracks a new execution and returns its id plus a context
// the caller must drive the assistant call with; Cancel aborts that
// context.
func (r *ExecutionRegistry) Register(ctx context.Context, fingerprint, model string) (string, context.Context) {
	execCtx, cancel := context.WithCancel(ctx)
	id := uuid.NewString()

	r.mu.Lock()
	r.executions[id] = &trackedExecution{
		Execution: Execution{
			ID:          id,
			Fingerprint: fingerprint,
			Model:       model,
			Status:      ExecutionRunning,
			StartedAt:   time.Now(),
		},
		cancel: cancel,
	}
	r.mu.Unlock()
	return id, execCtx
}

// Complete marks id terminal. A nil err completes it, a non-nil err
// fails it; if Cancel already won the race the cancelled status is
// kept. No-op for unknown ids.
func (r *ExecutionRegistry) Complete(id string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ex, ok := r.executions[id]
	if !ok || ex.Status != ExecutionRunning {
		return
	}
	ex.cancel()
	now := time.Now()
	ex.FinishedAt = &now
	if err != nil {
		ex.Status = ExecutionFailed
		ex.Error = err.Error()
		r.failed++
	} else {
		ex.Status = ExecutionCompleted
		r.completed++
	}
}

// Cancel aborts a running execution's context. Returns false when the
// id is unknown or already terminal.
func (r *ExecutionRegistry) Cancel(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	ex, ok := r.executions[id]
	if !ok || ex.Status != ExecutionRunning {
		return false
	}
	ex.cancel()
	now := time.Now()
	ex.Status = ExecutionCancelled
	ex.FinishedAt = &now
	r.cancelled++
	return true
}

// Get snapshots one execution.
func (r *ExecutionRegistry) Get(id string) (Execution, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ex, ok := r.executions[id]
	if !ok {
		return Execution{}, false
	}
	return ex.Execution, true
}

// List returns executions newest first, optionally filtered by status
// (empty status means all).
func (r *ExecutionRegistry) List(status ExecutionStatus) []Execution {
	r.mu.Lock()
	out := make([]Execution, 0, len(r.executions))
	for _, ex := range r.executions {
		if status != "" && ex.Status != status {
			continue
		}
		out = append(out, ex.Execution)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

// ExecutionStats aggregates registry counters for /stats.
type ExecutionStats struct {
	Running   int    `json:"running"`
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
	Cancelled uint64 `json:"cancelled"`
}

// Stats returns the aggregate counters.
func (r *ExecutionRegistry) Stats() ExecutionStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := ExecutionStats{Completed: r.completed, Failed: r.failed, Cancelled: r.cancelled}
	for _, ex := range r.executions {
		if ex.Status == ExecutionRunning {
			s.Running++
		}
	}
	return s
}

// CleanupOld drops terminal records older than the retention window.
// Returns the number removed.
func (r *ExecutionRegistry) CleanupOld() int {
	cutoff := time.Now().Add(-r.retention)

	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for id, ex := range r.executions {
		if ex.Status == ExecutionRunning || ex.FinishedAt == nil {
			continue
		}
		if ex.FinishedAt.Before(cutoff) {
			delete(r.executions, id)
			removed++
		}
	}
	return removed
}

// CancelAll aborts every running execution. Used during shutdown once
// the drain grace expires. Returns the number cancelled.
func (r *ExecutionRegistry) CancelAll() int {
	r.mu.Lock()
	var running []string
	for id, ex := range r.executions {
		if ex.Status == ExecutionRunning {
			running = append(running, id)
		}
	}
	r.mu.Unlock()

	n := 0
	for _, id := range running {
		if r.Cancel(id) {
			n++
		}
	}
	return n
}
