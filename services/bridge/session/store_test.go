// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package session

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianBridge/services/bridge/datatypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(cfg Config) (*Store, *atomic.Int32) {
	var teardowns atomic.Int32
	td := TeardownFunc(func(ctx context.Context, handle string) error {
		teardowns.Add(1)
		return nil
	})
	if cfg.Instance == "" {
		cfg.Instance = "bridge-test"
	}
	return NewStore(cfg, td, nil), &teardowns
}

func TestAcquire_CreatesAndReusesSession(t *testing.T) {
	store, _ := newTestStore(Config{})

	lease, err := store.Acquire(context.Background(), "fp-1")
	require.NoError(t, err)
	handle := lease.Handle()
	assert.Equal(t, "bridge-test", lease.Instance())
	store.Release(lease, OutcomeSuccess)

	// Same fingerprint reuses the same handle.
	lease2, err := store.Acquire(context.Background(), "fp-1")
	require.NoError(t, err)
	assert.Equal(t, handle, lease2.Handle())
	store.Release(lease2, OutcomeSuccess)

	info, ok := store.Get("fp-1")
	require.True(t, ok)
	assert.Equal(t, StateIdle, info.State)
	assert.Equal(t, uint64(2), info.Executions)
}

func TestAcquire_SerializesSameFingerprint(t *testing.T) {
	store, _ := newTestStore(Config{LeaseWait: 2 * time.Second})

	lease, err := store.Acquire(context.Background(), "conv-42")
	require.NoError(t, err)

	var concurrent, peak atomic.Int32
	var wg sync.WaitGroup
	var instances sync.Map

	// Second request arrives while the first holds the lease; it must
	// serialize behind it and see the same owning instance.
	wg.Add(1)
	go func() {
		defer wg.Done()
		l, err := store.Acquire(context.Background(), "conv-42")
		require.NoError(t, err)
		n := concurrent.Add(1)
		if n > peak.Load() {
			peak.Store(n)
		}
		instances.Store("second", l.Instance())
		time.Sleep(10 * time.Millisecond)
		concurrent.Add(-1)
		store.Release(l, OutcomeSuccess)
	}()

	time.Sleep(10 * time.Millisecond)
	concurrent.Add(1)
	instances.Store("first", lease.Instance())
	concurrent.Add(-1)
	store.Release(lease, OutcomeSuccess)
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(1),
		"two requests for one fingerprint must never run concurrently")
	first, _ := instances.Load("first")
	second, _ := instances.Load("second")
	assert.Equal(t, first, second)
}

func TestAcquire_SessionBusyAfterCeiling(t *testing.T) {
	store, _ := newTestStore(Config{LeaseWait: 30 * time.Millisecond})

	lease, err := store.Acquire(context.Background(), "fp-busy")
	require.NoError(t, err)
	defer store.Release(lease, OutcomeSuccess)

	_, err = store.Acquire(context.Background(), "fp-busy")
	require.Error(t, err)
	assert.True(t, datatypes.IsKind(err, datatypes.KindSessionBusy))
}

func TestAcquire_ContextCancelWhileWaiting(t *testing.T) {
	store, _ := newTestStore(Config{LeaseWait: time.Minute})

	lease, err := store.Acquire(context.Background(), "fp-cancel")
	require.NoError(t, err)
	defer store.Release(lease, OutcomeSuccess)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err = store.Acquire(ctx, "fp-cancel")
	require.Error(t, err)
	assert.True(t, datatypes.IsKind(err, datatypes.KindSessionBusy))
}

func TestRelease_FailureTerminatesAndRecreates(t *testing.T) {
	store, teardowns := newTestStore(Config{})

	lease, err := store.Acquire(context.Background(), "fp-poison")
	require.NoError(t, err)
	poisoned := lease.Handle()
	store.Release(lease, OutcomeFailure)

	assert.Equal(t, int32(1), teardowns.Load(), "poisoned handle must be torn down")
	_, ok := store.Get("fp-poison")
	assert.False(t, ok, "terminated session must leave the map")

	// Next acquire builds a fresh session transparently.
	lease2, err := store.Acquire(context.Background(), "fp-poison")
	require.NoError(t, err)
	assert.NotEqual(t, poisoned, lease2.Handle())
	store.Release(lease2, OutcomeSuccess)
}

func TestRelease_TimeoutKeepsSessionReusable(t *testing.T) {
	store, teardowns := newTestStore(Config{})

	lease, err := store.Acquire(context.Background(), "fp-slow")
	require.NoError(t, err)
	handle := lease.Handle()
	store.Release(lease, OutcomeTimeout)

	assert.Zero(t, teardowns.Load())
	info, ok := store.Get("fp-slow")
	require.True(t, ok)
	assert.Equal(t, StateIdle, info.State)

	lease2, err := store.Acquire(context.Background(), "fp-slow")
	require.NoError(t, err)
	assert.Equal(t, handle, lease2.Handle())
	store.Release(lease2, OutcomeSuccess)
}

func TestRelease_DoubleReleaseIsNoop(t *testing.T) {
	store, _ := newTestStore(Config{})
	lease, err := store.Acquire(context.Background(), "fp-double")
	require.NoError(t, err)

	store.Release(lease, OutcomeSuccess)
	store.Release(lease, OutcomeFailure) // must not panic or re-teardown

	info, ok := store.Get("fp-double")
	require.True(t, ok)
	assert.Equal(t, uint64(1), info.Executions)
}

func TestAcquire_EphemeralSessionDiscardedOnRelease(t *testing.T) {
	store, teardowns := newTestStore(Config{})

	lease, err := store.Acquire(context.Background(), "")
	require.NoError(t, err)
	assert.NotEmpty(t, lease.Fingerprint())
	store.Release(lease, OutcomeSuccess)

	assert.Equal(t, 0, store.ActiveCount(), "one-shot sessions must not accumulate")
	assert.Equal(t, int32(1), teardowns.Load())
}

func TestSweepIdle_EvictsOnlyExpired(t *testing.T) {
	store, teardowns := newTestStore(Config{TTL: 50 * time.Millisecond})

	lease, err := store.Acquire(context.Background(), "fp-old")
	require.NoError(t, err)
	store.Release(lease, OutcomeSuccess)

	// Busy session: lease held across the sweep.
	busy, err := store.Acquire(context.Background(), "fp-held")
	require.NoError(t, err)

	time.Sleep(80 * time.Millisecond)

	fresh, err := store.Acquire(context.Background(), "fp-fresh")
	require.NoError(t, err)
	store.Release(fresh, OutcomeSuccess)

	evicted := store.SweepIdle()
	assert.Equal(t, 1, evicted)
	assert.Equal(t, int32(1), teardowns.Load())

	_, ok := store.Get("fp-old")
	assert.False(t, ok)
	_, ok = store.Get("fp-fresh")
	assert.True(t, ok)
	_, ok = store.Get("fp-held")
	assert.True(t, ok, "in-flight session must survive the sweep")

	store.Release(busy, OutcomeSuccess)
}

func TestEvict_RefusesBusySession(t *testing.T) {
	store, _ := newTestStore(Config{})

	lease, err := store.Acquire(context.Background(), "fp-admin")
	require.NoError(t, err)

	assert.False(t, store.Evict("fp-admin", "admin"))
	store.Release(lease, OutcomeSuccess)
	assert.True(t, store.Evict("fp-admin", "admin"))
	assert.False(t, store.Evict("fp-admin", "admin"), "already gone")
}

func TestStats(t *testing.T) {
	store, _ := newTestStore(Config{})

	for _, fp := range []string{"a", "b", "c"} {
		lease, err := store.Acquire(context.Background(), fp)
		require.NoError(t, err)
		store.Release(lease, OutcomeSuccess)
	}
	store.Evict("c", "admin")

	stats := store.Stats()
	assert.Equal(t, 2, stats.ActiveSessions)
	assert.Equal(t, uint64(3), stats.ExecutionsServed)
	assert.Equal(t, uint64(1), stats.Evictions)
	assert.Equal(t, uint64(3), stats.Created)
}

func TestFingerprint(t *testing.T) {
	assert.Empty(t, Fingerprint(""))
	assert.Equal(t, Fingerprint("conv-42"), Fingerprint("conv-42"))
	assert.NotEqual(t, Fingerprint("conv-42"), Fingerprint("conv-43"))
	assert.Len(t, Fingerprint("conv-42"), 32)
}

func TestSweeper_Lifecycle(t *testing.T) {
	store, _ := newTestStore(Config{TTL: 10 * time.Millisecond})
	sweeper := NewSweeper(store, SweeperConfig{Interval: 20 * time.Millisecond})

	lease, err := store.Acquire(context.Background(), "fp-sweep")
	require.NoError(t, err)
	store.Release(lease, OutcomeSuccess)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, sweeper.Start(ctx))
	require.Error(t, sweeper.Start(ctx), "double start must fail")

	require.Eventually(t, func() bool {
		return store.ActiveCount() == 0
	}, time.Second, 5*time.Millisecond)

	sweeper.Stop()
	sweeper.Stop() // idempotent
}

func TestSweeper_RunNow(t *testing.T) {
	store, _ := newTestStore(Config{TTL: time.Nanosecond})
	sweeper := NewSweeper(store, DefaultSweeperConfig())

	lease, err := store.Acquire(context.Background(), "fp-now")
	require.NoError(t, err)
	store.Release(lease, OutcomeSuccess)

	time.Sleep(time.Millisecond)
	assert.Equal(t, 1, sweeper.RunNow())
}

// countingCleaner records how many retention passes the sweeper ran.
type countingCleaner struct {
	calls atomic.Int32
}

func (c *countingCleaner) CleanupOld() int {
	c.calls.Add(1)
	return 1
}

func TestSweeper_RunsCleanersEachPass(t *testing.T) {
	store, _ := newTestStore(Config{TTL: time.Minute})
	cleaner := &countingCleaner{}
	sweeper := NewSweeper(store, SweeperConfig{Interval: 10 * time.Millisecond}, cleaner)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, sweeper.Start(ctx))
	defer sweeper.Stop()

	require.Eventually(t, func() bool {
		return cleaner.calls.Load() >= 3
	}, time.Second, 5*time.Millisecond, "cleaner never rode the sweep cadence")
}
