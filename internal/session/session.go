// Package session holds per-session model pins. Pins only ever move up
// the tier order within a session; a cheaper classification never
// downgrades an established pin.
package session

import (
	"sync"
	"time"

	throttle "github.com/throttleproxy/throttle/internal"
)

type entry struct {
	model        string
	tier         throttle.Tier
	lastUsedAt   time.Time
	lastFailedAt time.Time
}

// Store is a thread-safe pin map keyed by the client's session id.
// Entries expire after the idle interval; reads prune lazily and the
// periodic sweeper handles the rest.
type Store struct {
	mu      sync.Mutex
	idle    time.Duration
	entries map[string]*entry
}

// NewStore creates a store whose pins expire after idle without use.
func NewStore(idle time.Duration) *Store {
	return &Store{
		idle:    idle,
		entries: make(map[string]*entry),
	}
}

// Get returns the current pin for the session, expiring it on read when
// idle too long. ok is false when no live pin exists.
func (s *Store) Get(id string) (model string, tier throttle.Tier, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.live(id)
	if e == nil || e.model == "" {
		return "", 0, false
	}
	return e.model, e.tier, true
}

// Set pins (model, tier) for the session and returns the effective pin
// after the call. A strictly higher tier replaces the pin; an equal or
// lower one keeps the existing model and tier. Either way lastUsedAt
// refreshes.
func (s *Store) Set(id, model string, tier throttle.Tier) (string, throttle.Tier) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.live(id)
	if e == nil {
		e = &entry{}
		s.entries[id] = e
	}
	e.lastUsedAt = now
	if e.model == "" || tier > e.tier {
		e.model = model
		e.tier = tier
	}
	return e.model, e.tier
}

// MarkFailed records a failure for the session. The next request in the
// session gets a one-shot tier escalation.
func (s *Store) MarkFailed(id string) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.live(id)
	if e == nil {
		e = &entry{lastUsedAt: now}
		s.entries[id] = e
	}
	e.lastFailedAt = now
}

// RecentFailure reports whether the session failed within the window,
// clearing the flag when it did so the escalation fires exactly once.
func (s *Store) RecentFailure(id string, window time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.live(id)
	if e == nil || e.lastFailedAt.IsZero() {
		return false
	}
	if time.Since(e.lastFailedAt) > window {
		e.lastFailedAt = time.Time{}
		return false
	}
	e.lastFailedAt = time.Time{}
	return true
}

// live returns the entry for id, deleting and dropping it when idle
// expired. Callers hold s.mu.
func (s *Store) live(id string) *entry {
	e, ok := s.entries[id]
	if !ok {
		return nil
	}
	if time.Since(e.lastUsedAt) > s.idle {
		delete(s.entries, id)
		return nil
	}
	return e
}

// EvictIdle removes sessions idle beyond the timeout and returns how
// many were dropped.
func (s *Store) EvictIdle() int {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	evicted := 0
	for id, e := range s.entries {
		if now.Sub(e.lastUsedAt) > s.idle {
			delete(s.entries, id)
			evicted++
		}
	}
	return evicted
}

// Len returns the number of tracked sessions.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
