// Package cache provides a small activity cache used to decide whether a
// recipient is inside the vendor free-text window. Lookups happen on every
// outbound send, so the cache keeps the hot path off the primary store.
package cache

import (
	"context"
	"time"
)

// ActivityCache records the last inbound activity timestamp per user.
// Implementations must be safe for concurrent use.
type ActivityCache interface {
	// Get returns the recorded timestamp and whether an entry exists.
	Get(ctx context.Context, userID string) (time.Time, bool, error)
	// Set records the timestamp for the user, replacing any prior entry.
	Set(ctx context.Context, userID string, at time.Time) error
	// Invalidate removes the entry for the user if present.
	Invalidate(ctx context.Context, userID string) error
}
