// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// ServiceName is the service field siblings must report on /health to
// be admitted into the table. Anything else on a probed port is some
// unrelated process, not a sibling.
const ServiceName = "aleutian-bridge"

// healthPayload is the sibling /health response shape.
type healthPayload struct {
	Status         string `json:"status"`
	Service        string `json:"service"`
	Instance       string `json:"instance"`
	ActiveSessions int    `json:"active_session_count"`
}

// Prober sweeps the discovery port range on a fixed cadence and feeds
// results into the registry.
//
// # Description
//
// Each sweep probes every port in the configured range except self.
// Probes are paced with a rate limiter so a wide range cannot burst
// connections, and deduplicated per address with singleflight so an
// overlapping RunNow cannot double-probe.
//
// # Thread Safety
//
// Safe for concurrent use. Start may be called once; RunNow any time
// after Start.
type Prober struct {
	registry *Registry
	client   *http.Client
	limiter  *rate.Limiter
	group    singleflight.Group
	interval time.Duration

	mu      sync.Mutex
	done    chan struct{}
	stopped chan struct{}
}

// NewProber creates a Prober over reg's discovery config.
func NewProber(reg *Registry) *Prober {
	cfg := reg.config
	// Pace the sweep so the full range spreads across half the
	// interval, with a floor of 20 probes/s.
	perSecond := rate.Limit(20)
	if n := cfg.PortEnd - cfg.PortStart + 1; n > 0 && cfg.Interval > 0 {
		if r := rate.Limit(float64(n) / (cfg.Interval.Seconds() / 2)); r > perSecond {
			perSecond = r
		}
	}
	return &Prober{
		registry: reg,
		client:   &http.Client{Timeout: cfg.ProbeTimeout},
		limiter:  rate.NewLimiter(perSecond, 4),
		interval: cfg.Interval,
	}
}

// Start launches the probe loop. Returns an error on double start or
// when discovery is disabled.
func (p *Prober) Start(ctx context.Context) error {
	if !p.registry.config.Enabled() {
		return fmt.Errorf("discovery is disabled: no port range configured")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done != nil {
		return fmt.Errorf("prober already started")
	}
	p.done = make(chan struct{})
	p.stopped = make(chan struct{})
	go p.runLoop(ctx)
	return nil
}

// Stop terminates the probe loop and waits for it to exit. Idempotent.
func (p *Prober) Stop() {
	p.mu.Lock()
	done, stopped := p.done, p.stopped
	p.done = nil
	p.mu.Unlock()
	if done == nil {
		return
	}
	close(done)
	<-stopped
}

// RunNow performs one immediate sweep, concurrent-safe with the loop.
func (p *Prober) RunNow(ctx context.Context) {
	p.sweep(ctx)
}

func (p *Prober) runLoop(ctx context.Context) {
	defer close(p.stopped)

	p.sweep(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.sweep(ctx)
			p.registry.SweepPins()
		case <-p.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// sweep probes the whole range once.
func (p *Prober) sweep(ctx context.Context) {
	cfg := p.registry.config
	order := 0
	for port := cfg.PortStart; port <= cfg.PortEnd; port++ {
		addr := fmt.Sprintf("%s:%d", cfg.Host, port)
		o := order
		order++
		if addr == p.registry.selfAddr {
			continue
		}
		if err := p.limiter.Wait(ctx); err != nil {
			return
		}
		p.group.Do(addr, func() (any, error) {
			p.probe(ctx, addr, o)
			return nil, nil
		})
	}
}

// probe hits one sibling /health and records the outcome.
func (p *Prober) probe(ctx context.Context, addr string, order int) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+"/health", nil)
	if err != nil {
		p.registry.observe(addr, "", order, false, false, 0)
		return
	}
	resp, err := p.client.Do(req)
	if err != nil {
		p.registry.observe(addr, "", order, false, false, 0)
		return
	}
	defer resp.Body.Close()

	var payload healthPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil || payload.Service != ServiceName {
		// Reachable but not one of ours: treat like dead air.
		p.registry.observe(addr, "", order, false, false, 0)
		return
	}
	ok := resp.StatusCode == http.StatusOK && payload.Status == "ok"
	p.registry.observe(addr, payload.Instance, order, true, ok, payload.ActiveSessions)
}
