package cache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/hexcache/hexcache/internal/singleflight"
)

// cache is the engine behind the Cache interface: a consistent-hash ring
// routing keys to shards, an optional write-ahead log, a validator, and a
// background sweep. All methods are safe for concurrent use.
type cache[V any] struct {
	shards []*shard[V]
	ring   *ring
	wal    *wal // nil when durability is disabled
	val    validator
	codec  Codec[V]
	col    *collector
	opt    Options[V]
	log    zerolog.Logger

	// Per-shard budgets derived from the global bounds.
	perShardMem int64

	// seq issues entry versions when the WAL is off; with the WAL on, the
	// journal owns the sequence.
	seq atomic.Uint64

	closed atomic.Bool
	// maint orders point mutations against whole-store operations: the
	// durable mutation core holds it shared, Clear/Restore/Close exclusive.
	// An exclusive holder therefore sees no mutation straddling its swap of
	// shard state and journal.
	maint sync.RWMutex
	stop  chan struct{}
	done  chan struct{}

	sf singleflight.Group[V]
}

// New constructs a cache engine with the provided Options, replaying any
// retained WAL segments into the fresh store before the first operation is
// accepted. The background sweep starts immediately and stops on Close.
func New[V any](opt Options[V]) (Cache[V], error) {
	opt.withDefaults()

	log := zerolog.Nop()
	if opt.Logger != nil {
		log = *opt.Logger
	}

	ring, err := buildRing(opt.ShardCount, opt.VirtualNodes)
	if err != nil {
		return nil, err
	}

	c := &cache[V]{
		ring:  ring,
		val:   newValidator(opt.Paranoia),
		codec: opt.Codec,
		col:   newCollector(),
		opt:   opt,
		log:   log,
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}

	// Split the global bounds evenly; floors keep the sums under the totals.
	perShardItems := opt.MaxItems / opt.ShardCount
	if perShardItems < 1 {
		perShardItems = 1
	}
	c.perShardMem = opt.MaxMemoryBytes / int64(opt.ShardCount)

	onEvict := func(key string, v V, reason EvictReason) {
		c.col.evict(reason)
		c.opt.Metrics.Evict(reason)
		if c.opt.OnEvict != nil {
			c.opt.OnEvict(key, v, reason)
		}
	}
	c.shards = make([]*shard[V], opt.ShardCount)
	for i := range c.shards {
		c.shards[i] = newShard[V](i, perShardItems, c.perShardMem, onEvict)
	}

	if opt.WAL.Enabled {
		w, err := openWAL(opt.WAL, log)
		if err != nil {
			return nil, err
		}
		if err := w.replay(c.applyReplay); err != nil {
			return nil, err
		}
		if err := w.openActive(); err != nil {
			return nil, err
		}
		c.wal = w
	}

	go c.sweepLoop()
	return c, nil
}

// ---- Cache[V] implementation ----

// Get returns the live value for key. The hot path is the shard's optimistic
// read: no per-key lock, no list mutation, and it never serves a value past
// its own deadline. Invalid keys simply read as absent.
func (c *cache[V]) Get(key string) (V, bool) {
	var zero V
	if c.closed.Load() {
		return zero, false
	}
	if _, err := c.val.key(key); err != nil {
		return zero, false
	}
	v, ok := c.shardFor(key).get(key, c.now())
	if ok {
		c.col.hits.Add(1)
		c.opt.Metrics.Hit()
	} else {
		c.col.misses.Add(1)
		c.opt.Metrics.Miss()
	}
	return v, ok
}

// Set inserts or updates key with the cache's DefaultTTL (if any).
// With the WAL enabled, it returns only after the record is on disk.
func (c *cache[V]) Set(ctx context.Context, key string, v V) error {
	return c.set(ctx, key, v, c.opt.DefaultTTL)
}

// SetWithTTL inserts or updates key with a per-entry TTL. A zero TTL means
// the entry never expires; negative or over-long TTLs are rejected.
func (c *cache[V]) SetWithTTL(ctx context.Context, key string, v V, ttl time.Duration) error {
	return c.set(ctx, key, v, ttl)
}

func (c *cache[V]) set(ctx context.Context, key string, v V, ttl time.Duration) error {
	if c.closed.Load() {
		return ErrClosed
	}
	enc, exp, err := c.prepareSet(key, v, ttl)
	if err != nil {
		return err
	}
	if _, _, err := c.mutateSet(ctx, key, v, enc, exp); err != nil {
		return err
	}
	c.col.sets.Add(1)
	c.opt.Metrics.Set()
	return nil
}

// prepareSet runs all admission checks for a SET and returns the encoded
// value and absolute deadline. Encoding once here is both the
// serializability check and the memory estimate.
func (c *cache[V]) prepareSet(key string, v V, ttl time.Duration) ([]byte, int64, error) {
	if reason, err := c.val.key(key); err != nil {
		c.reject(reason)
		return nil, 0, err
	}
	if reason, err := c.val.ttl(ttl); err != nil {
		c.reject(reason)
		return nil, 0, err
	}
	enc, err := c.codec.Marshal(v)
	if err != nil {
		c.reject(RejectValueEncode)
		return nil, 0, fmt.Errorf("%w: value: %v", ErrValidation, err)
	}
	if reason, err := c.val.valueLen(len(enc)); err != nil {
		c.reject(reason)
		return nil, 0, err
	}
	// A single entry that outweighs a whole shard budget can never be
	// admitted, eviction or not.
	if entryCost(key, len(enc)) > c.perShardMem {
		c.reject(RejectCapacity)
		return nil, 0, fmt.Errorf("%w: entry of %d bytes exceeds shard budget %d",
			ErrCapacity, entryCost(key, len(enc)), c.perShardMem)
	}
	return enc, c.deadline(ttl), nil
}

// Delete removes key if present. The bool reports whether anything was
// deleted; deleting an absent key is a no-op, not an error.
func (c *cache[V]) Delete(ctx context.Context, key string) (bool, error) {
	if c.closed.Load() {
		return false, ErrClosed
	}
	if reason, err := c.val.key(key); err != nil {
		c.reject(reason)
		return false, err
	}
	_, removed, err := c.mutateDelete(ctx, key)
	if err != nil {
		return false, err
	}
	if removed {
		c.col.deletes.Add(1)
		c.opt.Metrics.Delete()
	}
	return removed, nil
}

// GetOrLoad returns the value for key, loading it through Options.Loader on
// miss. Concurrent loads for the same key are coalesced; a loaded value goes
// through the normal durable Set path.
func (c *cache[V]) GetOrLoad(ctx context.Context, key string) (V, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}
	if c.opt.Loader == nil {
		var zero V
		return zero, ErrNoLoader
	}
	return c.sf.Do(ctx, key, func() (V, error) {
		// Double-check after flight join.
		if v, ok := c.Get(key); ok {
			return v, nil
		}
		v, err := c.opt.Loader(ctx, key)
		if err == nil {
			err = c.Set(ctx, key, v)
		}
		return v, err
	})
}

// Clear drops every entry and, with the WAL enabled, truncates all segments
// so a later replay cannot resurrect cleared state. The sequence counter
// keeps running; it never restarts mid-process. Clear holds maint exclusively:
// a concurrent Set either commits fully before the wipe or fully after it,
// never half in memory and half in the journal.
func (c *cache[V]) Clear(ctx context.Context) error {
	c.maint.Lock()
	defer c.maint.Unlock()
	if c.closed.Load() {
		return ErrClosed
	}

	for _, s := range c.shards {
		s.clear()
	}
	if c.wal != nil {
		return c.wal.reset(c.wal.lastSeq())
	}
	return nil
}

// Size returns the total number of resident entries across all shards.
func (c *cache[V]) Size() int {
	total := 0
	for _, s := range c.shards {
		total += s.itemCount()
	}
	return total
}

// Stats assembles a point-in-time metrics snapshot. Gauges and the hit ratio
// are computed here, never stored.
func (c *cache[V]) Stats() MetricsSnapshot {
	snap := c.col.snapshot()
	snap.ShardItems = make([]int, len(c.shards))
	for i, s := range c.shards {
		n := s.itemCount()
		snap.ShardItems[i] = n
		snap.Items += n
		snap.MemoryBytes += s.memBytes()
	}
	if c.wal != nil {
		snap.ReplayPartial = c.wal.partial
	}
	return snap
}

// Close drains in-flight operations, stops the sweep, and flushes and closes
// the WAL. Operations after Close return ErrClosed (reads report absent).
// The closed flag is set before maint is taken exclusively, so any mutation
// that wins the shared lock afterwards bails out before touching the WAL.
func (c *cache[V]) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.maint.Lock()
	defer c.maint.Unlock()
	close(c.stop)
	<-c.done
	if c.wal != nil {
		return c.wal.close()
	}
	return nil
}

// ---- durable mutation core ----

// mutateSet applies a SET under the key lock: journal first, then publish to
// the shard. The key lock is taken before the append so that once the record
// is durable nothing can cancel the in-memory application; the lock timeout
// is therefore the only retryable failure and it fires before any journaling.
// maint is held shared across append + apply, and closed is re-checked under
// it, so a mutation can neither straddle a Clear/Restore nor reach a journal
// that Close already released.
func (c *cache[V]) mutateSet(ctx context.Context, key string, v V, enc []byte, expiresAt int64) (*box[V], uint64, error) {
	c.maint.RLock()
	defer c.maint.RUnlock()
	if c.closed.Load() {
		return nil, 0, ErrClosed
	}

	s := c.shardFor(key)
	release, err := s.locks.acquire(ctx, key, c.opt.LockTimeout)
	if err != nil {
		return nil, 0, err
	}
	defer release()

	now := c.now()
	seq, err := c.nextSeq(walOpSet, key, enc, expiresAt, 0, now)
	if err != nil {
		return nil, 0, err
	}
	prior := s.put(key, v, len(enc), expiresAt, seq, now)
	return prior, seq, nil
}

// mutateDelete applies a DELETE under the key lock. An absent (or already
// expired) key is not journaled at all. Same maint/closed discipline as
// mutateSet.
func (c *cache[V]) mutateDelete(ctx context.Context, key string) (*box[V], bool, error) {
	c.maint.RLock()
	defer c.maint.RUnlock()
	if c.closed.Load() {
		return nil, false, ErrClosed
	}

	s := c.shardFor(key)
	release, err := s.locks.acquire(ctx, key, c.opt.LockTimeout)
	if err != nil {
		return nil, false, err
	}
	defer release()

	now := c.now()
	prior, ok := s.peek(key, now)
	if !ok {
		return nil, false, nil
	}
	if _, err := c.nextSeq(walOpDelete, key, nil, 0, 0, now); err != nil {
		return nil, false, err
	}
	s.remove(key)
	return prior, true, nil
}

// nextSeq assigns the operation's sequence number, journaling it when the
// WAL is on. Appending is the durability point: an error here means the
// operation did not happen.
func (c *cache[V]) nextSeq(op walOp, key string, value []byte, expiresAt int64, prev uint64, now int64) (uint64, error) {
	if c.wal == nil {
		return c.seq.Add(1), nil
	}
	return c.wal.Append(op, key, value, expiresAt, prev, now)
}

// applyReplay is the replay-only entry point: it updates shard state without
// re-journaling, making replay idempotent and non-amplifying. Record
// timestamps stand in for the clock so two replays of one segment agree.
func (c *cache[V]) applyReplay(rec walRecord) error {
	s := c.shardFor(rec.Key)
	switch rec.Op {
	case walOpSet:
		v, err := c.codec.Unmarshal(rec.Value)
		if err != nil {
			return fmt.Errorf("decode value for %q: %w", rec.Key, err)
		}
		s.put(rec.Key, v, len(rec.Value), rec.ExpiresAt, rec.Seq, rec.TS)
		c.col.sets.Add(1)
	case walOpDelete:
		// A DELETE for an already-absent key is a no-op, not an error.
		if _, ok := s.remove(rec.Key); ok {
			c.col.deletes.Add(1)
		}
	case walOpExpire:
		if s.replayExpire(rec.Key, rec.Prev) {
			c.col.evictExpired.Add(1)
		}
	default:
		return fmt.Errorf("unknown op %q", rec.Op)
	}
	return nil
}

// ---- helpers ----

func (c *cache[V]) shardFor(key string) *shard[V] {
	return c.shards[c.ring.route(key)]
}

func (c *cache[V]) now() int64 {
	if c.opt.Clock != nil {
		return c.opt.Clock.NowUnixNano()
	}
	return time.Now().UnixNano()
}

// deadline converts a relative TTL into an absolute UnixNano deadline.
// Zero means "no expiration"; validation already excluded negatives.
func (c *cache[V]) deadline(ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return c.now() + int64(ttl)
}

func (c *cache[V]) reject(reason string) {
	c.col.reject(reason)
	c.opt.Metrics.Reject(reason)
}
