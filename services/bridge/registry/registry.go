// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package registry tracks sibling gateway instances and routes
// conversations to them. Each instance probes a configured port range,
// keeps a health table, and pins every fingerprint it first places to
// one owner for the session's lifetime. There is no migration: a pin
// to a DOWN owner is a lost conversation, reported as such rather than
// silently restarted elsewhere.
package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianBridge/pkg/logging"
	"github.com/AleutianAI/AleutianBridge/services/bridge/config"
	"github.com/AleutianAI/AleutianBridge/services/bridge/datatypes"
	"github.com/AleutianAI/AleutianBridge/services/bridge/observability"
)

// Health is an instance's probed state.
type Health string

const (
	// HealthUp means the last probe succeeded with an ok status.
	HealthUp Health = "UP"

	// HealthDegraded means the instance answered but reported not-ok.
	// Degraded owners still serve their pinned sessions; they are only
	// excluded from new placement.
	HealthDegraded Health = "DEGRADED"

	// HealthDown means probes failed the configured threshold in a row.
	HealthDown Health = "DOWN"
)

// Instance is one row of the health table, exported for /stats.
type Instance struct {
	Name                string    `json:"name"`
	Addr                string    `json:"addr"`
	Health              Health    `json:"health"`
	ActiveSessions      int       `json:"active_session_count"`
	LastProbeAt         time.Time `json:"last_probe_at"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	Self                bool      `json:"self"`

	order int
}

// Target is a routing decision for one fingerprint.
type Target struct {
	// Addr is the owner's host:port.
	Addr string

	// Name is the owner's instance name.
	Name string

	// Local is true when this instance owns the fingerprint and must
	// execute rather than forward.
	Local bool
}

// SessionCounter reports this instance's live session count; the
// session store implements it.
type SessionCounter interface {
	ActiveCount() int
}

// Stats is the registry snapshot exposed on /stats.
type Stats struct {
	Instances []Instance `json:"instances"`
	Pins      int        `json:"pins"`
}

type pin struct {
	addr     string
	lastUsed time.Time
}

// Registry is the instance table plus the pin map.
//
// # Thread Safety
//
// Safe for concurrent use. The prober writes probe results, request
// handlers read routing decisions; both go through the mutex.
//
// # Limitations
//
// Pins are local to the instance that placed them. A client that
// switches entry instances mid-conversation may be re-placed; the
// loop-guard header keeps any resulting forward from bouncing.
type Registry struct {
	config   config.DiscoveryConfig
	selfAddr string
	selfName string
	pinTTL   time.Duration
	sessions SessionCounter
	logger   *logging.EventLogger

	mu        sync.RWMutex
	instances map[string]*Instance
	pins      map[string]*pin
}

// New creates a Registry with self pre-registered as UP. sessions
// provides the live local count; logger may be nil in tests. pinTTL
// expires idle pins, mirroring the session TTL so pins die with their
// sessions.
func New(cfg config.DiscoveryConfig, selfName, selfAddr string, pinTTL time.Duration, sessions SessionCounter, logger *logging.EventLogger) *Registry {
	if pinTTL <= 0 {
		pinTTL = time.Hour
	}
	r := &Registry{
		config:    cfg,
		selfAddr:  selfAddr,
		selfName:  selfName,
		pinTTL:    pinTTL,
		sessions:  sessions,
		logger:    logger,
		instances: make(map[string]*Instance),
		pins:      make(map[string]*pin),
	}
	r.instances[selfAddr] = &Instance{
		Name:   selfName,
		Addr:   selfAddr,
		Health: HealthUp,
		Self:   true,
		order:  -1, // self sorts before every discovered sibling
	}
	r.publishHealthLocked()
	return r
}

// Resolve routes fingerprint: a live pin goes to its owner, an
// unpinned fingerprint is placed on the least-loaded UP instance and
// pinned there.
//
// # Outputs
//
//	Target - where to execute or forward
//	error - InstanceUnavailable when the pinned owner is DOWN or no UP
//	        instance exists
func (r *Registry) Resolve(fingerprint string) (Target, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	if p, ok := r.pins[fingerprint]; ok {
		if now.Sub(p.lastUsed) > r.pinTTL {
			delete(r.pins, fingerprint)
		} else {
			owner, known := r.instances[p.addr]
			if !known || owner.Health == HealthDown {
				// No migration: the conversation's state died with its
				// owner. Drop the pin so a retry starts fresh.
				delete(r.pins, fingerprint)
				name := p.addr
				if known {
					name = owner.Name
				}
				return Target{}, datatypes.NewError(datatypes.KindInstanceUnavailable,
					fmt.Sprintf("session owner %s is unavailable; the conversation is lost", name), nil)
			}
			p.lastUsed = now
			return Target{Addr: owner.Addr, Name: owner.Name, Local: owner.Self}, nil
		}
	}

	owner := r.placeLocked()
	if owner == nil {
		return Target{}, datatypes.NewError(datatypes.KindInstanceUnavailable,
			"no healthy instance available", nil)
	}
	if fingerprint != "" {
		r.pins[fingerprint] = &pin{addr: owner.Addr, lastUsed: now}
	}
	return Target{Addr: owner.Addr, Name: owner.Name, Local: owner.Self}, nil
}

// placeLocked picks the UP instance with the fewest active sessions,
// ties broken by discovery order (self first).
func (r *Registry) placeLocked() *Instance {
	var best *Instance
	bestLoad := 0
	for _, inst := range r.instances {
		if inst.Health != HealthUp {
			continue
		}
		load := inst.ActiveSessions
		if inst.Self && r.sessions != nil {
			load = r.sessions.ActiveCount()
		}
		if best == nil || load < bestLoad || (load == bestLoad && inst.order < best.order) {
			best = inst
			bestLoad = load
		}
	}
	return best
}

// Unpin drops the pin for fingerprint, if any. Called when the local
// session store evicts the session.
func (r *Registry) Unpin(fingerprint string) {
	r.mu.Lock()
	delete(r.pins, fingerprint)
	r.mu.Unlock()
}

// observe applies one probe result for a sibling address. ok means the
// instance answered with an ok payload; reachable means it answered at
// all. The prober calls this; self is never observed.
func (r *Registry) observe(addr, name string, order int, reachable, ok bool, activeSessions int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, known := r.instances[addr]
	if !known {
		if !reachable {
			return // never seen, still unreachable: not an instance
		}
		inst = &Instance{Addr: addr, order: order}
		r.instances[addr] = inst
	}
	inst.LastProbeAt = time.Now()

	prev := inst.Health
	switch {
	case !reachable:
		inst.ConsecutiveFailures++
		if inst.ConsecutiveFailures >= r.config.DownThreshold {
			inst.Health = HealthDown
		}
	case !ok:
		inst.ConsecutiveFailures = 0
		inst.Health = HealthDegraded
		if name != "" {
			inst.Name = name
		}
	default:
		inst.ConsecutiveFailures = 0
		inst.Health = HealthUp
		inst.ActiveSessions = activeSessions
		if name != "" {
			inst.Name = name
		}
	}

	r.publishHealthLocked()

	if inst.Health != prev && r.logger != nil {
		r.logger.InstanceEvent("health_changed", inst.Name, map[string]any{
			"addr": addr,
			"from": string(prev),
			"to":   string(inst.Health),
		})
	}
}

// publishHealthLocked refreshes the per-health instance gauges. Callers
// hold r.mu.
func (r *Registry) publishHealthLocked() {
	var up, degraded, down int
	for _, inst := range r.instances {
		switch inst.Health {
		case HealthUp:
			up++
		case HealthDegraded:
			degraded++
		case HealthDown:
			down++
		}
	}
	observability.SetInstancesKnown(up, degraded, down)
}

// Snapshot lists every known instance, self first then discovery order.
func (r *Registry) Snapshot() []Instance {
	r.mu.RLock()
	out := make([]Instance, 0, len(r.instances))
	for _, inst := range r.instances {
		cp := *inst
		if cp.Self && r.sessions != nil {
			cp.ActiveSessions = r.sessions.ActiveCount()
		}
		out = append(out, cp)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].order < out[j].order })
	return out
}

// Stats returns the /stats view.
func (r *Registry) Stats() Stats {
	insts := r.Snapshot()
	r.mu.RLock()
	pins := len(r.pins)
	r.mu.RUnlock()
	return Stats{Instances: insts, Pins: pins}
}

// SweepPins drops pins idle past the pin TTL. The prober loop calls it
// so stale pins do not outlive their sessions. Returns the number
// dropped.
func (r *Registry) SweepPins() int {
	cutoff := time.Now().Add(-r.pinTTL)
	r.mu.Lock()
	defer r.mu.Unlock()
	dropped := 0
	for fp, p := range r.pins {
		if p.lastUsed.Before(cutoff) {
			delete(r.pins, fp)
			dropped++
		}
	}
	return dropped
}
