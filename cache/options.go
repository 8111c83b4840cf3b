package cache

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/hexcache/hexcache/internal/util"
)

// EvictReason explains why an entry was removed.
type EvictReason int

const (
	// EvictExpired — the entry's TTL deadline passed (lazy or sweep removal).
	EvictExpired EvictReason = iota
	// EvictCapacity — removed in LRU order to satisfy item/memory bounds.
	EvictCapacity
)

// Metrics exposes cache-level observability hooks.
// A NoopMetrics implementation is provided and used by default.
type Metrics interface {
	Hit()
	Miss()
	Set()
	Delete()
	Evict(reason EvictReason)
	Reject(reason string)
	SweepCycle()
	Size(entries int, memBytes int64)
}

// Clock provides time in UnixNano; useful for deterministic tests.
type Clock interface{ NowUnixNano() int64 }

// WALOptions configures write-ahead-log durability.
type WALOptions struct {
	// Enabled turns on the journal. When false the engine is memory-only and
	// acknowledgment does not wait on disk.
	Enabled bool

	// Dir is the directory holding WAL segments. Required when Enabled.
	Dir string

	// SegmentBytes is the rotation ceiling for a single segment.
	// Defaults to 10 MiB.
	SegmentBytes int64

	// Retention is how long sealed, fully-reflected segments are kept before
	// the sweep may purge them. Defaults to 24h. Purging is advisory only.
	Retention time.Duration
}

// Options configures the cache engine. Zero values are safe; sane defaults
// are applied in New():
//   - ShardCount <= 0   => auto (≈ 2*GOMAXPROCS, power of two)
//   - VirtualNodes <= 0 => 128 per shard
//   - nil Codec         => JSONCodec
//   - nil Metrics       => NoopMetrics
type Options[V any] struct {
	// ShardCount fixes the number of shards for the process lifetime.
	// Resharding is an offline operation, never a hot-path concern.
	ShardCount int

	// VirtualNodes is the number of ring points per shard. More points give
	// a more uniform key distribution at a small routing-table cost.
	VirtualNodes int

	// MaxItems bounds the total resident entry count. Defaults to 100_000.
	MaxItems int

	// MaxMemoryBytes bounds the total estimated resident memory.
	// Defaults to 256 MiB. The estimate is biased to never under-count.
	MaxMemoryBytes int64

	// DefaultTTL applies to Set when no per-key TTL is provided (0 = no TTL).
	DefaultTTL time.Duration

	// SweepInterval is the period of the background expiry/bound sweep.
	// Defaults to 30s.
	SweepInterval time.Duration

	// LockTimeout bounds per-key lock acquisition for mutating operations.
	// Exceeding it surfaces ErrLockTimeout. Defaults to 5s.
	LockTimeout time.Duration

	// WAL configures durability. Disabled by default.
	WAL WALOptions

	// Paranoia swaps in much stricter bound constants and tighter validation
	// without changing any algorithm: at most 10k items, 10 MiB memory,
	// 256-byte keys, 64 KiB values, 1h TTL ceiling.
	Paranoia bool

	// Codec encodes values for the WAL, snapshots, and size estimation.
	// Encoding doubles as the admission-time serializability check.
	Codec Codec[V]

	// Loader fetches a value on cache miss. Used by GetOrLoad.
	Loader func(ctx context.Context, key string) (V, error)

	// OnEvict is called for every eviction under the shard lock;
	// keep callbacks lightweight.
	OnEvict func(key string, v V, reason EvictReason)

	// Metrics receives observability signals. Nil => NoopMetrics.
	Metrics Metrics

	// Logger receives sweep failures, WAL corruption notices, and retention
	// purge events. Nil => no logging.
	Logger *zerolog.Logger

	// Clock allows overriding the time source (tests). Nil => time.Now().
	Clock Clock
}

// Paranoia-profile ceilings. Same algorithms, tighter constants.
const (
	paranoiaMaxItems    = 10_000
	paranoiaMaxMemory   = 10 << 20
	paranoiaMaxKeyLen   = 256
	paranoiaMaxValueLen = 64 << 10
	paranoiaMaxTTL      = time.Hour
)

func (o *Options[V]) withDefaults() {
	if o.ShardCount <= 0 {
		o.ShardCount = util.ReasonableShardCount()
	}
	if o.VirtualNodes <= 0 {
		o.VirtualNodes = 128
	}
	if o.MaxItems <= 0 {
		o.MaxItems = 100_000
	}
	if o.MaxMemoryBytes <= 0 {
		o.MaxMemoryBytes = 256 << 20
	}
	// Per-shard budgets are floor(global/shards); never run more shards than
	// items or the item bound could not be split at all.
	if o.ShardCount > o.MaxItems {
		o.ShardCount = o.MaxItems
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = 30 * time.Second
	}
	if o.LockTimeout <= 0 {
		o.LockTimeout = 5 * time.Second
	}
	if o.WAL.SegmentBytes <= 0 {
		o.WAL.SegmentBytes = 10 << 20
	}
	if o.WAL.Retention <= 0 {
		o.WAL.Retention = 24 * time.Hour
	}
	if o.Codec == nil {
		o.Codec = JSONCodec[V]{}
	}
	if o.Metrics == nil {
		o.Metrics = NoopMetrics{}
	}
	if o.Paranoia {
		o.MaxItems = min(o.MaxItems, paranoiaMaxItems)
		o.MaxMemoryBytes = min(o.MaxMemoryBytes, int64(paranoiaMaxMemory))
	}
}
