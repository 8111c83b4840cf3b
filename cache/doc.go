// Package cache provides a sharded, TTL-bounded in-memory cache engine with
// write-ahead-log durability, hierarchical locking, LRU capacity
// enforcement, transactional rollback, and snapshot/restore.
//
// # Design
//
//   - Routing: keys map to shards through a consistent-hash ring of virtual
//     nodes. The ring is built deterministically from (ShardCount,
//     VirtualNodes) and is immutable for the process lifetime, so routing
//     needs no persisted state.
//
//   - Concurrency: locking is hierarchical. Each shard has a structural
//     RWMutex guarding its map, LRU list, and counters, plus a
//     reference-counted registry of on-demand per-key locks that serialize
//     same-key mutations and support acquisition timeouts. Point reads run
//     optimistically: a shared map read plus an atomic load of the entry's
//     payload, with no per-key lock and no list mutation. Structural
//     operations (sweep, snapshot, clear) hold the shard lock exclusively
//     and drain in-flight point sections; whole-store operations (clear,
//     restore, close) additionally exclude point mutations through a
//     store-level reader/writer lock, so none can straddle them.
//
//   - Storage: each shard keeps a map[string]*node and an intrusive MRU↔LRU
//     list. Item and memory counters are maintained incrementally; all
//     point operations are O(1) expected.
//
//   - TTL: entries carry absolute UnixNano deadlines. Expiration is lazy on
//     read and enforced by a periodic sweep that fans out across shards.
//
//   - Bounds: global MaxItems/MaxMemoryBytes are split evenly across shards
//     and enforced synchronously after every insert and during the sweep,
//     evicting from the LRU tail. Entries touched by the optimistic read
//     path get one second chance before eviction, folding reader recency
//     back into LRU order. The memory estimate (key + encoded value + fixed
//     overhead) over-counts by construction, never under.
//
//   - Durability: with the WAL enabled, every mutation is journaled,
//     flushed, and fsynced before it is acknowledged. Segments rotate at a
//     size ceiling; startup replay rebuilds state through apply paths that
//     never re-journal, truncates torn trailing records, and skips (but
//     flags) interior corruption. Sealed segments past the retention window
//     are purged opportunistically.
//
//   - Transactions: NewTransaction stages an ordered batch; Apply captures
//     prior state per key and Rollback replays inverses newest-first.
//
//   - Snapshot/restore: a versioned JSON blob of all live entries plus the
//     WAL sequence, taken one shard lock at a time. Restore rebuilds the
//     journal from the restored entries, so the restored state survives a
//     restart like any acknowledged write.
//
//   - Validation: keys (length, control bytes), values (must encode through
//     the Codec), and TTLs (0..1 year) are checked before any mutation; the
//     Paranoia profile tightens every ceiling without changing algorithms.
//
// # Basic usage
//
//	c, err := cache.New[string](cache.Options[string]{
//	    MaxItems: 10_000,
//	})
//	if err != nil { ... }
//	defer c.Close()
//
//	_ = c.Set(ctx, "a", "1")
//	if v, ok := c.Get("a"); ok {
//	    _ = v
//	}
//	_, _ = c.Delete(ctx, "a")
//
// # With durability
//
//	c, err := cache.New[Profile](cache.Options[Profile]{
//	    MaxItems: 100_000,
//	    WAL: cache.WALOptions{
//	        Enabled: true,
//	        Dir:     "/var/lib/app/cache-wal",
//	    },
//	})
//
// A process restarted against the same WAL directory replays every
// acknowledged mutation before New returns.
//
// # Errors
//
// Failures are classified by sentinel: ErrValidation (fix the input),
// ErrCapacity (entry can never be admitted), ErrDurability (WAL append or
// flush failed; the operation did not happen), ErrLockTimeout (retryable
// contention), ErrCorruption (refused on-disk state). Match with errors.Is.
package cache
