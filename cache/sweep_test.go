package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// A sweep cycle removes every entry past its deadline and leaves the rest.
func TestSweep_RemovesExpired(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	clk := newFakeClock()
	c := mustNew(t, Options[string]{MaxItems: 64, ShardCount: 4, Clock: clk})
	eng := c.(*cache[string])

	require.NoError(t, c.SetWithTTL(ctx, "short-a", "v", time.Minute))
	require.NoError(t, c.SetWithTTL(ctx, "short-b", "v", time.Minute))
	require.NoError(t, c.SetWithTTL(ctx, "long", "v", time.Hour))
	require.NoError(t, c.Set(ctx, "forever", "v"))

	clk.add(2 * time.Minute)
	eng.sweepOnce()

	assert.Equal(t, 2, c.Size())
	if _, ok := c.Get("long"); !ok {
		t.Fatal("unexpired entry must survive the sweep")
	}
	if _, ok := c.Get("forever"); !ok {
		t.Fatal("entry without TTL must survive the sweep")
	}

	s := c.Stats()
	assert.Equal(t, uint64(2), s.EvictionsExpired)
	assert.Equal(t, uint64(1), s.SweepCycles)
}

// Swept expiries are journaled: an entry removed by the sweep stays gone
// after a restart even though its SET record is still in the journal.
func TestSweep_ExpiryJournaled(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()

	clk := newFakeClock()
	c, err := New[string](Options[string]{
		MaxItems: 64,
		Clock:    clk,
		WAL:      WALOptions{Enabled: true, Dir: dir},
	})
	require.NoError(t, err)
	eng := c.(*cache[string])

	require.NoError(t, c.SetWithTTL(ctx, "gone", "v", time.Minute))
	clk.add(2 * time.Minute)
	eng.sweepOnce()
	require.NoError(t, c.Close())

	// Replay against a clock frozen before the deadline: only the journaled
	// EXPIRE record can explain the key's absence.
	past := newFakeClock()
	past.t.Store(clk.NowUnixNano() - int64(10*time.Minute))
	r, err := New[string](Options[string]{
		MaxItems: 64,
		Clock:    past,
		WAL:      WALOptions{Enabled: true, Dir: dir},
	})
	require.NoError(t, err)
	defer r.Close()

	if _, ok := r.Get("gone"); ok {
		t.Fatal("swept entry must not be resurrected by replay")
	}
}

// An EXPIRE journaled for a superseded entry version must not erase the
// newer value on replay.
func TestSweep_ExpiryRecordVersioned(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()

	clk := newFakeClock()
	c, err := New[string](Options[string]{
		MaxItems:   64,
		ShardCount: 1,
		Clock:      clk,
		WAL:        WALOptions{Enabled: true, Dir: dir},
	})
	require.NoError(t, err)
	eng := c.(*cache[string])

	require.NoError(t, c.SetWithTTL(ctx, "k", "old", time.Minute))
	clk.add(2 * time.Minute)
	eng.sweepOnce() // journals EXPIRE for the old version
	require.NoError(t, c.Set(ctx, "k", "new"))
	require.NoError(t, c.Close())

	r := newDurable(t, dir, nil)
	defer r.Close()

	if v, ok := r.Get("k"); !ok || v != "new" {
		t.Fatalf("replay must keep the newer value, got %q ok=%v", v, ok)
	}
}
