package cache

import (
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
)

// sweepLoop is the background TTL/bound enforcement worker. Its lifetime is
// tied to the engine: started by New, stopped by Close.
func (c *cache[V]) sweepLoop() {
	defer close(c.done)
	ticker := time.NewTicker(c.opt.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.sweepOnce()
		}
	}
}

// sweepOnce fans the expiry scan out across all shards concurrently, so the
// cycle's latency is bounded by the slowest shard rather than the sum. A
// panicking shard is isolated and logged; the other shards still complete.
func (c *cache[V]) sweepOnce() {
	now := c.now()

	var g errgroup.Group
	for _, s := range c.shards {
		s := s
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("shard %d sweep panicked: %v", s.id, r)
				}
			}()
			s.sweep(now, func(key string, seq uint64) {
				if c.wal == nil {
					return
				}
				// Journaled under the shard lock so no overwrite of the same
				// key can slot in between removal and the EXPIRE record.
				if _, err := c.wal.Append(walOpExpire, key, nil, 0, seq, now); err != nil {
					c.log.Warn().Str("key", key).Err(err).Msg("failed to journal expiry")
				}
			})
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		c.log.Error().Err(err).Msg("sweep cycle failed on a shard")
	}

	c.col.sweeps.Add(1)
	c.opt.Metrics.SweepCycle()

	items, mem := 0, int64(0)
	for _, s := range c.shards {
		items += s.itemCount()
		mem += s.memBytes()
	}
	c.opt.Metrics.Size(items, mem)

	if c.wal != nil {
		c.wal.purge(time.Unix(0, now))
	}
}
