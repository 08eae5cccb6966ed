// Package dedup collapses identical concurrent requests onto a single
// upstream call and replays completed responses for a short TTL.
package dedup

import (
	"fmt"
	"net/http"
	"time"

	"github.com/maypok86/otter/v2"
	"golang.org/x/sync/singleflight"
)

// Entry is one replayable completed response. Status, Header and Body
// are written back byte-for-byte on a hit.
type Entry struct {
	Status      int
	Header      http.Header
	Body        []byte
	CompletedAt time.Time
}

const maxCompleted = 4096

// Cache pairs the completed-response TTL cache with an in-flight
// single-producer table. For a given key at most one producer runs at a
// time; concurrent arrivals wait on its result.
type Cache struct {
	completed *otter.Cache[string, Entry]
	flight    singleflight.Group
	ttl       time.Duration
}

// NewCache creates a dedup cache whose completed entries expire after ttl.
func NewCache(ttl time.Duration) (*Cache, error) {
	c, err := otter.New[string, Entry](&otter.Options[string, Entry]{
		MaximumSize:      maxCompleted,
		ExpiryCalculator: otter.ExpiryWriting[string, Entry](ttl),
	})
	if err != nil {
		return nil, fmt.Errorf("dedup: create cache: %w", err)
	}
	return &Cache{completed: c, ttl: ttl}, nil
}

// Lookup returns the completed entry for key when one is still live.
// The expiry is re-checked on read so a stale otter entry never replays.
func (c *Cache) Lookup(key string) (Entry, bool) {
	e, ok := c.completed.GetIfPresent(key)
	if !ok {
		return Entry{}, false
	}
	if time.Since(e.CompletedAt) > c.ttl {
		c.completed.Invalidate(key)
		return Entry{}, false
	}
	return e, true
}

// Do runs produce under the in-flight table. The first caller for a key
// becomes the producer; callers arriving while it runs share its result
// and report shared=true. A successful result is stored for replay; a
// failure rejects all waiters, who then proceed as fresh requests.
func (c *Cache) Do(key string, produce func() (Entry, error)) (e Entry, shared bool, err error) {
	v, err, shared := c.flight.Do(key, func() (any, error) {
		e, err := produce()
		if err != nil {
			return Entry{}, err
		}
		e.CompletedAt = time.Now()
		c.completed.Set(key, e)
		return e, nil
	})
	// Forget so the next arrival consults the completed cache instead of
	// an already-resolved flight.
	c.flight.Forget(key)
	if err != nil {
		return Entry{}, shared, err
	}
	return v.(Entry), shared, nil
}

// Invalidate drops the completed entry for key.
func (c *Cache) Invalidate(key string) {
	c.completed.Invalidate(key)
}
