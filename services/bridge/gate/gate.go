// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package gate implements per-instance admission control: bounded
// parallelism plus a bounded FIFO wait queue. It is the backpressure
// mechanism that makes overload degrade predictably - excess load is
// queued briefly or rejected with a retry hint, never accepted into
// unbounded concurrency.
//
// The gate is strictly instance-local. Instances never coordinate
// concurrency totals; cross-instance behavior comes from session
// placement in the registry package, not from shared admission state.
package gate

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianBridge/pkg/logging"
	"github.com/AleutianAI/AleutianBridge/services/bridge/datatypes"
	"github.com/AleutianAI/AleutianBridge/services/bridge/observability"
)

// Rejection reasons carried in events, stats, and error messages.
const (
	ReasonQueueFull   = "queue_full"
	ReasonWaitTimeout = "wait_timeout"
	ReasonCancelled   = "cancelled"
)

// Config bounds the gate. Zero values select the defaults below.
type Config struct {
	// MaxConcurrency is how many admissions may be outstanding at once.
	MaxConcurrency int

	// QueueDepth is how many callers may wait for a slot. A caller
	// arriving to a full queue is rejected immediately.
	QueueDepth int

	// MaxWait is the longest a queued caller waits before rejection.
	MaxWait time.Duration
}

// DefaultConfig mirrors the deployment defaults: three concurrent
// assistant calls, ten waiters, thirty-second patience.
func DefaultConfig() Config {
	return Config{
		MaxConcurrency: 3,
		QueueDepth:     10,
		MaxWait:        30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = d.MaxConcurrency
	}
	if c.QueueDepth < 0 {
		c.QueueDepth = d.QueueDepth
	}
	if c.MaxWait <= 0 {
		c.MaxWait = d.MaxWait
	}
	return c
}

// Stats is a point-in-time snapshot of gate state, exposed on /stats.
type Stats struct {
	Active         int            `json:"active"`
	Queued         int            `json:"queued"`
	MaxConcurrency int            `json:"max_concurrency"`
	QueueDepth     int            `json:"queue_depth"`
	AdmittedTotal  uint64         `json:"admitted_total"`
	RejectedTotal  uint64         `json:"rejected_total"`
	RejectedReason map[string]int `json:"rejected_by_reason"`
}

// waiter is one queued admission request. The grant channel is buffered
// so a releaser can hand a slot over without blocking on the waiter's
// select loop.
type waiter struct {
	grant chan struct{}
}

// Gate is the admission controller.
//
// # Thread Safety
//
// Safe for concurrent use. One mutex covers the active count and the
// wait queue, so admission order is exactly queue order.
type Gate struct {
	config Config
	logger *logging.EventLogger

	mu       sync.Mutex
	active   int
	queue    *list.List // of *waiter, FIFO
	admitted uint64
	rejected map[string]int
}

// New creates a Gate. Zero-valued config fields take defaults. logger
// receives one admission event per decision; it may be nil in tests.
func New(config Config, logger *logging.EventLogger) *Gate {
	return &Gate{
		config:   config.withDefaults(),
		logger:   logger,
		queue:    list.New(),
		rejected: make(map[string]int),
	}
}

// Admit acquires an execution slot or fails with AdmissionRejected.
//
// If a slot is free the call returns immediately. Otherwise the caller
// joins the FIFO queue, unless the queue is already full, in which case
// it is rejected at once. A queued caller is woken strictly in arrival
// order; if its wait exceeds MaxWait, or ctx is cancelled first, it is
// removed from the queue and rejected.
//
// On success the returned release function MUST be invoked on every exit
// path of the guarded work (defer it immediately). Releasing hands the
// slot to the longest waiter, if any. A second release of the same
// admission panics: that is always a caller bug and hiding it would
// corrupt the concurrency bound.
func (g *Gate) Admit(ctx context.Context) (func(), error) {
	start := time.Now()
	g.mu.Lock()

	if g.active < g.config.MaxConcurrency {
		g.active++
		g.admitted++
		g.mu.Unlock()
		g.record("admitted", "immediate", 0, 0)
		return g.releaseFunc(), nil
	}

	if g.queue.Len() >= g.config.QueueDepth {
		g.rejected[ReasonQueueFull]++
		queued := g.queue.Len()
		g.mu.Unlock()
		g.record("rejected", ReasonQueueFull, 0, queued)
		return nil, datatypes.NewError(datatypes.KindAdmissionRejected,
			"admission queue full", fmt.Errorf("queue depth %d reached", queued))
	}

	w := &waiter{grant: make(chan struct{}, 1)}
	elem := g.queue.PushBack(w)
	observability.SetQueueDepth(g.queue.Len())
	g.mu.Unlock()

	timer := time.NewTimer(g.config.MaxWait)
	defer timer.Stop()

	select {
	case <-w.grant:
		// The releaser transferred its slot to us; the active count was
		// never decremented, so no re-check is needed.
		g.mu.Lock()
		g.admitted++
		queued := g.queue.Len()
		g.mu.Unlock()
		g.record("admitted", "queued", time.Since(start), queued)
		return g.releaseFunc(), nil

	case <-timer.C:
		return nil, g.abandon(elem, w, ReasonWaitTimeout, time.Since(start),
			datatypes.NewError(datatypes.KindAdmissionRejected,
				"timed out waiting for an execution slot", nil))

	case <-ctx.Done():
		return nil, g.abandon(elem, w, ReasonCancelled, time.Since(start),
			datatypes.NewError(datatypes.KindAdmissionRejected,
				"request cancelled while queued", ctx.Err()))
	}
}

// TryAdmit acquires a slot only if one is immediately free. Probe and
// health paths use it to avoid queuing behind chat traffic.
func (g *Gate) TryAdmit() (func(), bool) {
	g.mu.Lock()
	if g.active >= g.config.MaxConcurrency {
		g.mu.Unlock()
		return nil, false
	}
	g.active++
	g.admitted++
	g.mu.Unlock()
	g.record("admitted", "immediate", 0, 0)
	return g.releaseFunc(), true
}

// Stats snapshots the gate counters.
func (g *Gate) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()

	var rejectedTotal uint64
	byReason := make(map[string]int, len(g.rejected))
	for reason, n := range g.rejected {
		byReason[reason] = n
		rejectedTotal += uint64(n)
	}
	return Stats{
		Active:         g.active,
		Queued:         g.queue.Len(),
		MaxConcurrency: g.config.MaxConcurrency,
		QueueDepth:     g.config.QueueDepth,
		AdmittedTotal:  g.admitted,
		RejectedTotal:  rejectedTotal,
		RejectedReason: byReason,
	}
}

// Active reports the number of in-flight admissions.
func (g *Gate) Active() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active
}

// releaseFunc builds the single-use release closure for one admission.
func (g *Gate) releaseFunc() func() {
	released := false
	return func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		if released {
			panic("gate: release called twice for one admission")
		}
		released = true
		g.releaseLocked()
	}
}

// releaseLocked frees one slot, preferring to hand it to the queue head.
// Callers hold g.mu.
func (g *Gate) releaseLocked() {
	if front := g.queue.Front(); front != nil {
		g.queue.Remove(front)
		observability.SetQueueDepth(g.queue.Len())
		w := front.Value.(*waiter)
		// Slot transfers to the waiter; active stays constant.
		w.grant <- struct{}{}
		return
	}
	if g.active == 0 {
		panic("gate: release without admit")
	}
	g.active--
}

// abandon removes a timed-out or cancelled waiter from the queue and
// records the rejection. If a grant raced in after the timer fired, the
// slot is passed onward so it is not lost.
func (g *Gate) abandon(elem *list.Element, w *waiter, reason string, waited time.Duration, rejection error) error {
	g.mu.Lock()

	stillQueued := false
	for e := g.queue.Front(); e != nil; e = e.Next() {
		if e == elem {
			stillQueued = true
			break
		}
	}
	if stillQueued {
		g.queue.Remove(elem)
		observability.SetQueueDepth(g.queue.Len())
	} else {
		// Already granted: consume the grant and forward the slot.
		select {
		case <-w.grant:
			g.releaseLocked()
		default:
		}
	}
	g.rejected[reason]++
	queued := g.queue.Len()
	g.mu.Unlock()

	g.record("rejected", reason, waited, queued)
	return rejection
}

// record publishes one admission decision to the event log and metrics.
// Callers must not hold g.mu.
func (g *Gate) record(outcome, reason string, waited time.Duration, queued int) {
	observability.RecordAdmission(outcome, reason)
	if g.logger != nil {
		g.logger.Admission(outcome, reason, waited, queued)
	}
}
