// Package ratelimit tracks per-model cooldowns set on upstream 429s.
// The router filters preference lists through this set.
package ratelimit

import (
	"sync"
	"time"
)

// Tracker maps model ids to cooldown expiry. An entry whose expiry has
// passed is logically absent; readers prune lazily. Concurrent marks on
// the same model resolve to whichever mark ran last.
type Tracker struct {
	mu       sync.Mutex
	cooldown time.Duration
	until    map[string]time.Time
}

// NewTracker creates a tracker with the given default cooldown.
func NewTracker(cooldown time.Duration) *Tracker {
	return &Tracker{
		cooldown: cooldown,
		until:    make(map[string]time.Time),
	}
}

// Mark puts the model on cooldown for the default duration.
func (t *Tracker) Mark(modelID string) {
	t.MarkFor(modelID, t.cooldown)
}

// MarkFor puts the model on cooldown for d, replacing any earlier mark.
func (t *Tracker) MarkFor(modelID string, d time.Duration) {
	expiry := time.Now().Add(d)
	t.mu.Lock()
	t.until[modelID] = expiry
	t.mu.Unlock()
}

// IsRateLimited reports whether the model is cooling down, pruning the
// entry once it has expired.
func (t *Tracker) IsRateLimited(modelID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	expiry, ok := t.until[modelID]
	if !ok {
		return false
	}
	if !time.Now().Before(expiry) {
		delete(t.until, modelID)
		return false
	}
	return true
}

// EvictExpired removes all lapsed entries and returns how many it
// dropped. The periodic sweeper calls this so idle models do not pin
// map memory between requests.
func (t *Tracker) EvictExpired() int {
	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	evicted := 0
	for id, expiry := range t.until {
		if !now.Before(expiry) {
			delete(t.until, id)
			evicted++
		}
	}
	return evicted
}

// Len returns the number of live entries, counting lapsed ones not yet
// pruned.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.until)
}
