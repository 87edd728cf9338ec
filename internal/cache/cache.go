// Package cache provides bounded in-process caches for the ledger service.
package cache

import "context"

// Set remembers keys for a bounded time. A miss is always safe: callers
// treat it as "unknown" and fall back to the store.
type Set interface {
	// Contains reports whether key is present and not expired.
	Contains(ctx context.Context, key string) bool
	// Add inserts key with the set's TTL.
	Add(ctx context.Context, key string)
	// Delete removes key.
	Delete(ctx context.Context, key string)
	// Purge removes all keys.
	Purge(ctx context.Context)
}
