package cache

import (
	"context"
	"encoding/json"
	"fmt"
)

const (
	snapshotMagic   = "hexcache-snapshot"
	snapshotVersion = 1
)

type snapshotEntry struct {
	Key       string `json:"key"`
	Value     []byte `json:"value"`
	CreatedAt int64  `json:"created_at"`
	ExpiresAt int64  `json:"expires_at,omitempty"`
	Seq       uint64 `json:"seq"`
}

// snapshotBlob is the self-describing on-disk snapshot format. The format
// tag and version let Restore refuse incompatible blobs instead of
// misreading them.
type snapshotBlob struct {
	Format  string          `json:"format"`
	Version int             `json:"version"`
	TakenAt int64           `json:"taken_at"`
	Seq     uint64          `json:"wal_seq"`
	Entries []snapshotEntry `json:"entries"`
}

// Snapshot dumps all resident, non-expired entries plus the current sequence
// number. Shards are locked one at a time, never all at once, so a snapshot
// slows at most one shard's writers at any moment.
func (c *cache[V]) Snapshot(ctx context.Context) ([]byte, error) {
	c.maint.RLock()
	defer c.maint.RUnlock()
	if c.closed.Load() {
		return nil, ErrClosed
	}

	now := c.now()
	blob := snapshotBlob{
		Format:  snapshotMagic,
		Version: snapshotVersion,
		TakenAt: now,
	}
	var encErr error
	for _, s := range c.shards {
		s.dump(now, func(key string, b *box[V]) {
			enc, err := c.codec.Marshal(b.val)
			if err != nil {
				encErr = fmt.Errorf("%w: encode %q: %v", ErrValidation, key, err)
				return
			}
			blob.Entries = append(blob.Entries, snapshotEntry{
				Key:       key,
				Value:     enc,
				CreatedAt: b.createdAt,
				ExpiresAt: b.expiresAt,
				Seq:       b.seq,
			})
		})
	}
	if encErr != nil {
		return nil, encErr
	}
	if c.wal != nil {
		blob.Seq = c.wal.lastSeq()
	} else {
		blob.Seq = c.seq.Load()
	}
	return json.Marshal(blob)
}

// Restore replaces the cache's contents with a previously taken snapshot.
// Every entry is decoded before anything is dropped, so a bad blob leaves
// current state untouched. With the WAL enabled the journal is reset and the
// restored entries are re-journaled as SETs: a restart after Restore replays
// the restored state, never an empty store. maint is held exclusively for the
// whole swap, so no point mutation can straddle it.
func (c *cache[V]) Restore(ctx context.Context, data []byte) error {
	c.maint.Lock()
	defer c.maint.Unlock()
	if c.closed.Load() {
		return ErrClosed
	}

	var blob snapshotBlob
	if err := json.Unmarshal(data, &blob); err != nil {
		return fmt.Errorf("%w: snapshot: %v", ErrCorruption, err)
	}
	if blob.Format != snapshotMagic || blob.Version != snapshotVersion {
		return fmt.Errorf("%w: snapshot format %q v%d not supported",
			ErrCorruption, blob.Format, blob.Version)
	}

	values := make([]V, len(blob.Entries))
	for i, e := range blob.Entries {
		v, err := c.codec.Unmarshal(e.Value)
		if err != nil {
			return fmt.Errorf("%w: snapshot entry %q: %v", ErrCorruption, e.Key, err)
		}
		values[i] = v
	}

	for _, s := range c.shards {
		s.clear()
	}
	if c.wal != nil {
		if err := c.wal.reset(blob.Seq); err != nil {
			return err
		}
	} else {
		c.seq.Store(blob.Seq)
	}

	// Journal-then-apply, entry by entry. If an append fails mid-restore the
	// resident prefix still matches the journaled prefix exactly.
	for i, e := range blob.Entries {
		seq := e.Seq
		if c.wal != nil {
			var err error
			seq, err = c.wal.Append(walOpSet, e.Key, e.Value, e.ExpiresAt, 0, e.CreatedAt)
			if err != nil {
				return err
			}
		}
		c.shardFor(e.Key).put(e.Key, values[i], len(e.Value), e.ExpiresAt, seq, e.CreatedAt)
	}
	return nil
}
