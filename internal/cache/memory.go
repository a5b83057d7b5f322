package cache

import (
	"context"
	"sync"
	"time"
)

// MemoryCache is an in-process ActivityCache with per-entry TTL. It is the
// default when no Redis address is configured.
type MemoryCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]memoryEntry
}

type memoryEntry struct {
	at       time.Time
	storedAt time.Time
}

// NewMemoryCache returns a MemoryCache whose entries expire after ttl.
// A non-positive ttl keeps entries forever.
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	return &MemoryCache{ttl: ttl, entries: make(map[string]memoryEntry)}
}

func (c *MemoryCache) Get(ctx context.Context, userID string) (time.Time, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[userID]
	if !ok {
		return time.Time{}, false, nil
	}
	if c.ttl > 0 && time.Since(e.storedAt) > c.ttl {
		delete(c.entries, userID)
		return time.Time{}, false, nil
	}
	return e.at, true, nil
}

func (c *MemoryCache) Set(ctx context.Context, userID string, at time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[userID] = memoryEntry{at: at, storedAt: time.Now()}
	return nil
}

func (c *MemoryCache) Invalidate(ctx context.Context, userID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, userID)
	return nil
}
