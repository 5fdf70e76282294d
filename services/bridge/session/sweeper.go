// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// SweeperConfig holds configuration for the background TTL sweep.
type SweeperConfig struct {
	// Interval is how often idle sessions are checked. Default: 5m.
	Interval time.Duration
}

// DefaultSweeperConfig returns the stock sweep cadence.
func DefaultSweeperConfig() SweeperConfig {
	return SweeperConfig{Interval: 5 * time.Minute}
}

// Cleaner is implemented by components with their own retention pass
// that ride the sweep cadence, such as the execution registry.
type Cleaner interface {
	// CleanupOld drops expired entries and reports how many were removed.
	CleanupOld() int
}

// Sweeper periodically evicts idle-expired sessions from a Store. It is
// an explicit, cancellable background task: Start launches the loop,
// Stop (or context cancellation) ends it, RunNow forces a pass for
// tests and admin tooling.
//
// # Thread Safety
//
// All methods are safe for concurrent use. Only one loop runs at a time.
type Sweeper struct {
	store    *Store
	config   SweeperConfig
	cleaners []Cleaner

	mu      sync.Mutex
	done    chan struct{}
	running bool
}

// NewSweeper creates a Sweeper for the given store. Additional cleaners
// run after the session pass on every sweep.
func NewSweeper(store *Store, config SweeperConfig, cleaners ...Cleaner) *Sweeper {
	if config.Interval <= 0 {
		config = DefaultSweeperConfig()
	}
	return &Sweeper{
		store:    store,
		config:   config,
		cleaners: cleaners,
		done:     make(chan struct{}),
	}
}

// Start launches the sweep loop. It fails if the sweeper is already
// running. The first pass runs immediately so a restart with a short
// TTL does not wait a full interval.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("session sweeper is already running")
	}
	s.running = true
	s.done = make(chan struct{})
	s.mu.Unlock()

	slog.Info("Session TTL sweeper starting", "interval", s.config.Interval.String())
	go s.runLoop(ctx)
	return nil
}

// Stop ends the sweep loop. Safe to call multiple times.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	close(s.done)
	s.running = false
	slog.Info("Session TTL sweeper stopped")
}

// RunNow performs one sweep immediately and reports how many sessions
// were evicted.
func (s *Sweeper) RunNow() int {
	return s.store.SweepIdle()
}

func (s *Sweeper) runLoop(ctx context.Context) {
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	s.sweep()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Sweeper) sweep() {
	if evicted := s.store.SweepIdle(); evicted > 0 {
		slog.Info("Session TTL sweep evicted sessions", "count", evicted)
	} else {
		slog.Debug("Session TTL sweep found nothing expired")
	}
	for _, c := range s.cleaners {
		if cleaned := c.CleanupOld(); cleaned > 0 {
			slog.Info("Retention sweep cleaned entries", "count", cleaned)
		}
	}
}
