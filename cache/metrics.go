package cache

import (
	"sync"

	"github.com/hexcache/hexcache/internal/util"
)

// NoopMetrics is a drop-in Metrics implementation that does nothing.
// Safe for concurrent use and the default when no backend is configured.
type NoopMetrics struct{}

func (NoopMetrics) Hit()                    {}
func (NoopMetrics) Miss()                   {}
func (NoopMetrics) Set()                    {}
func (NoopMetrics) Delete()                 {}
func (NoopMetrics) Evict(EvictReason)       {}
func (NoopMetrics) Reject(string)           {}
func (NoopMetrics) SweepCycle()             {}
func (NoopMetrics) Size(int, int64)         {}

var _ Metrics = NoopMetrics{}

// MetricsSnapshot is a point-in-time view of the engine's counters and
// gauges. Counters are monotonic; gauges and the hit ratio are derived at
// read time, never stored.
type MetricsSnapshot struct {
	Hits              uint64
	Misses            uint64
	Sets              uint64
	Deletes           uint64
	EvictionsExpired  uint64
	EvictionsCapacity uint64
	SweepCycles       uint64
	Rejections        map[string]uint64

	Items       int
	MemoryBytes int64
	ShardItems  []int

	// ReplayPartial is set when startup replay had to skip corrupted
	// non-trailing WAL records; resident state may miss those operations.
	ReplayPartial bool

	HitRatio float64
}

// collector aggregates hot counters on padded atomics so concurrent updates
// from different shards don't share cache lines.
type collector struct {
	hits          util.PaddedAtomicUint64
	misses        util.PaddedAtomicUint64
	sets          util.PaddedAtomicUint64
	deletes       util.PaddedAtomicUint64
	evictExpired  util.PaddedAtomicUint64
	evictCapacity util.PaddedAtomicUint64
	sweeps        util.PaddedAtomicUint64

	rejMu      sync.Mutex
	rejections map[string]uint64
}

func newCollector() *collector {
	return &collector{rejections: make(map[string]uint64)}
}

func (c *collector) evict(reason EvictReason) {
	if reason == EvictExpired {
		c.evictExpired.Add(1)
	} else {
		c.evictCapacity.Add(1)
	}
}

func (c *collector) reject(reason string) {
	c.rejMu.Lock()
	c.rejections[reason]++
	c.rejMu.Unlock()
}

func (c *collector) snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		Hits:              c.hits.Load(),
		Misses:            c.misses.Load(),
		Sets:              c.sets.Load(),
		Deletes:           c.deletes.Load(),
		EvictionsExpired:  c.evictExpired.Load(),
		EvictionsCapacity: c.evictCapacity.Load(),
		SweepCycles:       c.sweeps.Load(),
		Rejections:        make(map[string]uint64),
	}
	c.rejMu.Lock()
	for k, v := range c.rejections {
		snap.Rejections[k] = v
	}
	c.rejMu.Unlock()

	if total := snap.Hits + snap.Misses; total > 0 {
		snap.HitRatio = float64(snap.Hits) / float64(total)
	}
	return snap
}
