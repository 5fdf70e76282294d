// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package session maintains the fingerprint-to-session map and the
// serialization discipline around it. The wrapped assistant keeps
// conversational state inside a CLI-backed session that can process one
// request at a time, so the store guarantees exactly one in-flight
// execution per fingerprint: a lease must be held to drive a session's
// execution handle, and concurrent acquirers for the same fingerprint
// wait behind the holder up to a configured ceiling.
//
// Sessions are memory-resident on purpose. A restart loses them; the
// client starts a new conversation. Cross-instance uniqueness comes from
// the registry's pinning rule, not from any shared store.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianBridge/pkg/logging"
	"github.com/AleutianAI/AleutianBridge/services/bridge/datatypes"
	"github.com/AleutianAI/AleutianBridge/services/bridge/observability"
	"github.com/google/uuid"
)

// State is a session's lifecycle position.
type State string

const (
	// StateActive means a lease is held and an execution may be in flight.
	StateActive State = "active"

	// StateIdle means the session is parked between requests.
	StateIdle State = "idle"

	// StateTerminated means the handle is poisoned or evicted; the next
	// acquire for the fingerprint builds a fresh session.
	StateTerminated State = "terminated"
)

// Outcome tells Release how the guarded execution ended.
type Outcome int

const (
	// OutcomeSuccess parks the session idle for reuse.
	OutcomeSuccess Outcome = iota

	// OutcomeTimeout means the adapter hit its ceiling but the handle is
	// presumed reusable; the session is parked idle.
	OutcomeTimeout

	// OutcomeFailure poisons the session: terminate and tear down.
	OutcomeFailure
)

// Teardown destroys an execution handle. The adapter implements it; the
// store calls it on failure eviction, TTL eviction, and admin deletes.
type Teardown interface {
	Teardown(ctx context.Context, handle string) error
}

// TeardownFunc adapts a function to the Teardown interface for tests.
type TeardownFunc func(ctx context.Context, handle string) error

func (f TeardownFunc) Teardown(ctx context.Context, handle string) error {
	return f(ctx, handle)
}

// Config bounds the store. Zero values select the defaults below.
type Config struct {
	// Instance is this instance's display name, recorded as the owner
	// of every session it creates.
	Instance string

	// TTL evicts sessions idle longer than this.
	TTL time.Duration

	// LeaseWait is the ceiling a second acquirer for a busy fingerprint
	// waits before SessionBusy.
	LeaseWait time.Duration
}

// DefaultConfig mirrors the deployment defaults.
func DefaultConfig() Config {
	return Config{TTL: time.Hour, LeaseWait: 30 * time.Second}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.TTL <= 0 {
		c.TTL = d.TTL
	}
	if c.LeaseWait <= 0 {
		c.LeaseWait = d.LeaseWait
	}
	return c
}

// Session is one conversation's execution context. All fields are
// guarded by the store mutex except busy, which is the per-session
// serialization channel (capacity one; holding the token is holding
// the lease).
type Session struct {
	fingerprint string
	handle      string
	instance    string
	state       State
	createdAt   time.Time
	lastUsedAt  time.Time
	executions  uint64
	ephemeral   bool

	busy chan struct{}
}

// Info is the exported snapshot of one session for the admin API.
type Info struct {
	Fingerprint string    `json:"fingerprint"`
	Instance    string    `json:"instance"`
	State       State     `json:"state"`
	CreatedAt   time.Time `json:"created_at"`
	LastUsedAt  time.Time `json:"last_used_at"`
	Executions  uint64    `json:"executions"`
}

// Stats is the aggregate view exposed on /stats.
type Stats struct {
	ActiveSessions   int    `json:"active_sessions"`
	ExecutionsServed uint64 `json:"executions_served"`
	Evictions        uint64 `json:"evictions"`
	Created          uint64 `json:"created"`
}

// Lease is the exclusive right to drive one session's handle for one
// request. Obtain via Acquire, return via Release exactly once.
type Lease struct {
	store    *Store
	session  *Session
	released bool
}

// Fingerprint returns the owning session's key.
func (l *Lease) Fingerprint() string { return l.session.fingerprint }

// Handle returns the opaque execution handle the adapter drives.
func (l *Lease) Handle() string { return l.session.handle }

// Instance returns the owning instance recorded on the session.
func (l *Lease) Instance() string { return l.session.instance }

// Store is the fingerprint-to-session map.
//
// # Thread Safety
//
// Safe for concurrent use. The map mutex covers lookups and state
// transitions only; waiting for a busy session happens on that
// session's own channel, so unrelated fingerprints never contend.
type Store struct {
	config   Config
	teardown Teardown
	logger   *logging.EventLogger

	mu        sync.Mutex
	sessions  map[string]*Session
	served    uint64
	evictions uint64
	created   uint64
}

// NewStore creates a Store. teardown may be nil (handles are then
// dropped without adapter cleanup, which only tests should do); logger
// may be nil in tests.
func NewStore(config Config, teardown Teardown, logger *logging.EventLogger) *Store {
	return &Store{
		config:   config.withDefaults(),
		teardown: teardown,
		logger:   logger,
		sessions: make(map[string]*Session),
	}
}

// Acquire returns the lease for fingerprint's session, creating the
// session if the fingerprint is unknown or its session was terminated.
//
// If another request holds the lease, the caller waits up to the
// configured ceiling and then fails with SessionBusy. An empty
// fingerprint gets an ephemeral single-use session that Release tears
// down, so one-shot OpenAI clients never accumulate state.
func (s *Store) Acquire(ctx context.Context, fingerprint string) (*Lease, error) {
	ephemeral := fingerprint == ""
	if ephemeral {
		fingerprint = "oneshot-" + uuid.NewString()
	}

	timer := time.NewTimer(s.config.LeaseWait)
	defer timer.Stop()

	for {
		sess, created := s.lookupOrCreate(fingerprint, ephemeral)

		select {
		case sess.busy <- struct{}{}:
			// Holding the token. The session may have been evicted while
			// we waited; if the map no longer points at it, retry.
			s.mu.Lock()
			if cur, ok := s.sessions[fingerprint]; !ok || cur != sess {
				s.mu.Unlock()
				<-sess.busy
				continue
			}
			sess.state = StateActive
			sess.lastUsedAt = time.Now()
			s.mu.Unlock()

			if created && s.logger != nil {
				s.logger.SessionEvent(logging.SessionCreated, fingerprint, map[string]any{
					"instance":  s.config.Instance,
					"ephemeral": ephemeral,
				})
			}
			return &Lease{store: s, session: sess}, nil

		case <-timer.C:
			return nil, datatypes.NewError(datatypes.KindSessionBusy,
				fmt.Sprintf("session busy after waiting %s", s.config.LeaseWait), nil)

		case <-ctx.Done():
			return nil, datatypes.NewError(datatypes.KindSessionBusy,
				"request cancelled while waiting for the session", ctx.Err())
		}
	}
}

// Release returns the lease and applies the outcome: success and
// timeout park the session idle, failure terminates and tears it down.
// Ephemeral sessions are always discarded. Safe against double release
// (second call is a no-op) so overlapping error paths cannot corrupt
// the waiter queue.
func (s *Store) Release(lease *Lease, outcome Outcome) {
	if lease == nil || lease.released {
		return
	}
	lease.released = true
	sess := lease.session

	s.mu.Lock()
	s.served++
	sess.executions++
	sess.lastUsedAt = time.Now()

	poisoned := outcome == OutcomeFailure
	discard := poisoned || sess.ephemeral
	var handle string
	if discard {
		sess.state = StateTerminated
		if cur, ok := s.sessions[sess.fingerprint]; ok && cur == sess {
			delete(s.sessions, sess.fingerprint)
		}
		handle = sess.handle
		if !sess.ephemeral {
			s.evictions++
		}
		observability.RecordSessionEvent("deleted")
		observability.SetActiveSessions(len(s.sessions))
	} else {
		sess.state = StateIdle
	}
	s.mu.Unlock()

	// Token release wakes the next waiter, if any. For discarded
	// sessions the waiter will find the map entry gone and rebuild.
	<-sess.busy

	if discard {
		s.destroyHandle(handle)
		if poisoned && s.logger != nil {
			s.logger.SessionEvent(logging.SessionDeleted, sess.fingerprint, map[string]any{
				"reason": "execution_failure",
			})
		}
	}
}

// Evict removes fingerprint's session if it is idle, tearing down its
// handle. In-flight sessions are left alone (the sweep retries later;
// admin deletes report conflict). Returns whether a session was evicted.
func (s *Store) Evict(fingerprint, reason string) bool {
	s.mu.Lock()
	sess, ok := s.sessions[fingerprint]
	if !ok {
		s.mu.Unlock()
		return false
	}
	select {
	case sess.busy <- struct{}{}:
	default:
		// Lease held; not evictable right now.
		s.mu.Unlock()
		return false
	}
	sess.state = StateTerminated
	delete(s.sessions, fingerprint)
	handle := sess.handle
	s.evictions++
	if reason == "ttl" {
		observability.RecordSessionEvent("expired")
	} else {
		observability.RecordSessionEvent("deleted")
	}
	observability.SetActiveSessions(len(s.sessions))
	s.mu.Unlock()

	<-sess.busy
	s.destroyHandle(handle)

	if s.logger != nil {
		subtype := logging.SessionDeleted
		if reason == "ttl" {
			subtype = logging.SessionExpired
		}
		s.logger.SessionEvent(subtype, fingerprint, map[string]any{"reason": reason})
	}
	return true
}

// SweepIdle evicts every idle session whose last use is older than the
// TTL. Returns the number evicted. Busy sessions are skipped; their
// lastUsedAt is fresh by definition.
func (s *Store) SweepIdle() int {
	cutoff := time.Now().Add(-s.config.TTL)

	s.mu.Lock()
	var expired []string
	for fp, sess := range s.sessions {
		if sess.state == StateIdle && sess.lastUsedAt.Before(cutoff) {
			expired = append(expired, fp)
		}
	}
	s.mu.Unlock()

	evicted := 0
	for _, fp := range expired {
		if s.Evict(fp, "ttl") {
			evicted++
		}
	}
	return evicted
}

// ActiveCount reports how many sessions this instance currently holds.
// The registry publishes it on /health for placement decisions.
func (s *Store) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Get snapshots one session.
func (s *Store) Get(fingerprint string) (Info, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[fingerprint]
	if !ok {
		return Info{}, false
	}
	return sess.info(), true
}

// Snapshot lists every live session for the admin API.
func (s *Store) Snapshot() []Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Info, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess.info())
	}
	return out
}

// Stats aggregates store counters.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		ActiveSessions:   len(s.sessions),
		ExecutionsServed: s.served,
		Evictions:        s.evictions,
		Created:          s.created,
	}
}

// lookupOrCreate fetches the current session for fingerprint, building
// a fresh one when absent. Reports whether it created the session.
func (s *Store) lookupOrCreate(fingerprint string, ephemeral bool) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.sessions[fingerprint]; ok {
		return sess, false
	}
	now := time.Now()
	sess := &Session{
		fingerprint: fingerprint,
		handle:      uuid.NewString(),
		instance:    s.config.Instance,
		state:       StateIdle,
		createdAt:   now,
		lastUsedAt:  now,
		ephemeral:   ephemeral,
		busy:        make(chan struct{}, 1),
	}
	s.sessions[fingerprint] = sess
	s.created++
	observability.RecordSessionEvent("created")
	observability.SetActiveSessions(len(s.sessions))
	return sess, true
}

// destroyHandle delegates handle teardown to the adapter, bounded so a
// wedged CLI cannot stall eviction.
func (s *Store) destroyHandle(handle string) {
	if s.teardown == nil || handle == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.teardown.Teardown(ctx, handle); err != nil && s.logger != nil {
		s.logger.ErrorEvent("session_teardown", err, map[string]any{"handle": handle})
	}
}

func (sess *Session) info() Info {
	return Info{
		Fingerprint: sess.fingerprint,
		Instance:    sess.instance,
		State:       sess.state,
		CreatedAt:   sess.createdAt,
		LastUsedAt:  sess.lastUsedAt,
		Executions:  sess.executions,
	}
}
