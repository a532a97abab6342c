// Package collector – seen.go implements the bounded, time-expiring set of
// recently seen event IDs. WhatsApp delivers the same inbound message
// through more than one webhook event type; this cache suppresses the
// duplicate before it reaches the queue.
package collector

import (
	"context"
	"sync"
	"time"
)

// SeenCache remembers event IDs for a TTL, with a hard size cap. It is an
// explicitly constructed component: create it at startup, run its sweeper
// with Start, and inject it into the Collector. Nothing is persisted.
type SeenCache struct {
	ttl        time.Duration
	maxEntries int
	sweepEvery time.Duration

	mu      sync.Mutex
	entries map[string]time.Time
}

// NewSeenCache creates a cache expiring entries after ttl, holding at most
// maxEntries IDs.
func NewSeenCache(ttl time.Duration, maxEntries int) *SeenCache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if maxEntries <= 0 {
		maxEntries = 4096
	}
	return &SeenCache{
		ttl:        ttl,
		maxEntries: maxEntries,
		sweepEvery: ttl / 2,
		entries:    make(map[string]time.Time),
	}
}

// Seen records the ID and reports whether it was already present and
// unexpired. The check and the record are one operation under the lock, so
// two concurrent deliveries of the same event agree on a single winner.
func (c *SeenCache) Seen(id string) bool {
	if id == "" {
		return false
	}
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if at, ok := c.entries[id]; ok && now.Sub(at) < c.ttl {
		return true
	}
	if len(c.entries) >= c.maxEntries {
		c.evictOldest()
	}
	c.entries[id] = now
	return false
}

// Len returns the current number of remembered IDs.
func (c *SeenCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Start launches the sweeper goroutine and returns immediately. The sweep
// runs until the context is cancelled.
func (c *SeenCache) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(c.sweepEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.sweep(time.Now())
			}
		}
	}()
}

// sweep drops expired entries.
func (c *SeenCache) sweep(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, at := range c.entries {
		if now.Sub(at) >= c.ttl {
			delete(c.entries, id)
		}
	}
}

// evictOldest removes the oldest entry to make room. Called under the lock.
func (c *SeenCache) evictOldest() {
	var (
		oldestID string
		oldestAt time.Time
	)
	for id, at := range c.entries {
		if oldestID == "" || at.Before(oldestAt) {
			oldestID, oldestAt = id, at
		}
	}
	if oldestID != "" {
		delete(c.entries, oldestID)
	}
}
