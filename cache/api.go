package cache

import (
	"context"
	"time"
)

// Cache is the engine's public surface. All methods are safe for concurrent
// use by multiple goroutines.
//
// Typical point-operation complexity is amortized O(1): a ring lookup, a map
// access, and constant-time list adjustments under short-lived locks.
// Mutations may suspend on per-key lock acquisition (bounded by
// Options.LockTimeout) and, when durability is enabled, on the WAL flush.
type Cache[V any] interface {
	// Get returns the value for key and a presence flag. Expired entries
	// read as absent and are lazily removed.
	Get(key string) (V, bool)

	// Set inserts or updates key with the cache's DefaultTTL (if any).
	// With the WAL enabled, a nil return means the mutation is on disk.
	Set(ctx context.Context, key string, v V) error

	// SetWithTTL inserts or updates key with a per-entry TTL.
	// ttl == 0 means the entry never expires; ttl < 0 is rejected.
	SetWithTTL(ctx context.Context, key string, v V, ttl time.Duration) error

	// Delete removes key if present and reports whether anything was
	// removed. A second delete of the same key reports false.
	Delete(ctx context.Context, key string) (bool, error)

	// GetOrLoad returns the value for key, loading it via Options.Loader on
	// miss. Concurrent loads for the same key are coalesced (singleflight).
	// If no Loader was configured, returns ErrNoLoader.
	GetOrLoad(ctx context.Context, key string) (V, error)

	// Clear drops all entries and truncates the WAL.
	Clear(ctx context.Context) error

	// Size returns the total number of resident entries across all shards.
	Size() int

	// Stats returns a point-in-time snapshot of counters and gauges.
	Stats() MetricsSnapshot

	// Snapshot serializes all resident entries plus sequence bookkeeping
	// into a self-describing, versioned blob.
	Snapshot(ctx context.Context) ([]byte, error)

	// Restore replaces the cache's contents with a blob produced by
	// Snapshot. Blobs in an unknown format are refused, never misread.
	// With the WAL enabled the restored entries are re-journaled, so the
	// restored state survives a restart.
	Restore(ctx context.Context, blob []byte) error

	// NewTransaction stages an ordered operation batch that can be applied
	// and, on failure or by request, rolled back.
	NewTransaction(ops []Op[V]) *Txn[V]

	// Close drains in-flight operations, stops the background sweep, and
	// flushes and closes the WAL.
	Close() error
}
