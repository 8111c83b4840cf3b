package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

type fakeClock struct{ t atomic.Int64 }

func (f *fakeClock) NowUnixNano() int64  { return f.t.Load() }
func (f *fakeClock) add(d time.Duration) { f.t.Add(int64(d)) }

func newFakeClock() *fakeClock {
	c := &fakeClock{}
	c.t.Store(time.Now().UnixNano())
	return c
}

func mustNew[V any](t *testing.T, opt Options[V]) Cache[V] {
	t.Helper()
	c, err := New[V](opt)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// Basic Set/Get/Delete semantics: set then immediate get returns the value,
// delete removes it, and a second delete reports removed=false.
func TestCache_BasicSetGetDelete(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	c := mustNew(t, Options[int]{MaxItems: 8})

	require.NoError(t, c.Set(ctx, "a", 1))
	if v, ok := c.Get("a"); !ok || v != 1 {
		t.Fatalf("Get a want 1, got %v ok=%v", v, ok)
	}

	require.NoError(t, c.Set(ctx, "a", 11))
	if v, ok := c.Get("a"); !ok || v != 11 {
		t.Fatalf("Get a want 11 after overwrite, got %v ok=%v", v, ok)
	}

	removed, err := c.Delete(ctx, "a")
	require.NoError(t, err)
	assert.True(t, removed, "first Delete must report removed")

	if _, ok := c.Get("a"); ok {
		t.Fatal("a must be absent after Delete")
	}

	removed, err = c.Delete(ctx, "a")
	require.NoError(t, err)
	assert.False(t, removed, "second Delete must report removed=false")
}

// Uses a fake clock to avoid timing flakiness.
// Ensures per-entry TTL is respected on the read path.
func TestCache_TTL_FakeClock(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	clk := newFakeClock()
	c := mustNew(t, Options[string]{MaxItems: 4, Clock: clk})

	require.NoError(t, c.SetWithTTL(ctx, "x", "v", 100*time.Millisecond))
	if _, ok := c.Get("x"); !ok {
		t.Fatal("fresh miss")
	}
	clk.add(200 * time.Millisecond)
	if _, ok := c.Get("x"); ok {
		t.Fatal("expired hit")
	}

	// Lazy removal on read counts as an expiry eviction.
	assert.Equal(t, uint64(1), c.Stats().EvictionsExpired)
}

// Pins the ttl=0 boundary: a zero TTL means the entry never expires,
// matching SetWithTTL's documented contract. Negative TTLs are rejected.
func TestCache_TTLZero_NeverExpires(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	clk := newFakeClock()
	c := mustNew(t, Options[string]{MaxItems: 4, Clock: clk})

	require.NoError(t, c.SetWithTTL(ctx, "k", "v", 0))
	clk.add(1000 * time.Hour)
	if _, ok := c.Get("k"); !ok {
		t.Fatal("ttl=0 entry must never expire")
	}

	err := c.SetWithTTL(ctx, "k", "v", -time.Second)
	require.ErrorIs(t, err, ErrValidation)
}

// Deterministic LRU eviction: single shard, small capacity.
// Inserting a,b,c then d evicts exactly a; reading a key first protects it.
func TestCache_EvictionLRU(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	c := mustNew(t, Options[int]{MaxItems: 3, ShardCount: 1})

	require.NoError(t, c.Set(ctx, "a", 1))
	require.NoError(t, c.Set(ctx, "b", 2))
	require.NoError(t, c.Set(ctx, "c", 3))
	require.NoError(t, c.Set(ctx, "d", 4))

	if _, ok := c.Get("a"); ok {
		t.Fatal("a must be evicted as the least recently used")
	}
	if _, ok := c.Get("d"); !ok {
		t.Fatal("d must be present")
	}
	assert.Equal(t, 3, c.Size())
	assert.Equal(t, uint64(1), c.Stats().EvictionsCapacity)
}

// Reading an entry counts as recency even though the optimistic read path
// never touches the LRU list: the flagged tail gets a second chance and the
// next-oldest entry is evicted instead.
func TestCache_EvictionLRU_ReadPromotes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	c := mustNew(t, Options[int]{MaxItems: 3, ShardCount: 1})

	require.NoError(t, c.Set(ctx, "a", 1))
	require.NoError(t, c.Set(ctx, "b", 2))
	require.NoError(t, c.Set(ctx, "c", 3))

	if _, ok := c.Get("a"); !ok { // protect a
		t.Fatal("expect hit for a")
	}
	require.NoError(t, c.Set(ctx, "d", 4)) // overflow -> evict LRU (b)

	if _, ok := c.Get("b"); ok {
		t.Fatal("b must be evicted")
	}
	if _, ok := c.Get("a"); !ok {
		t.Fatal("a must survive (read-promoted)")
	}
	if v, ok := c.Get("d"); !ok || v != 4 {
		t.Fatal("d must be present")
	}
}

// Validation rejects rather than coerces: bad keys, out-of-range TTLs, and
// unserializable values all surface ErrValidation before any mutation.
func TestCache_Validation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	c := mustNew(t, Options[any]{MaxItems: 8})

	cases := []struct {
		name string
		do   func() error
	}{
		{"empty key", func() error { return c.Set(ctx, "", 1) }},
		{"oversized key", func() error { return c.Set(ctx, strings.Repeat("k", 1001), 1) }},
		{"control char key", func() error { return c.Set(ctx, "a\x00b", 1) }},
		{"ttl above ceiling", func() error { return c.SetWithTTL(ctx, "k", 1, 366*24*time.Hour) }},
		{"unserializable value", func() error { return c.Set(ctx, "k", make(chan int)) }},
	}
	for _, tc := range cases {
		if err := tc.do(); !errors.Is(err, ErrValidation) {
			t.Fatalf("%s: want ErrValidation, got %v", tc.name, err)
		}
	}
	assert.Equal(t, 0, c.Size(), "rejected operations must not mutate state")

	rej := c.Stats().Rejections
	var total uint64
	for _, n := range rej {
		total += n
	}
	assert.Equal(t, uint64(len(cases)), total)
}

// Paranoia narrows the ceilings without changing behavior for small input.
func TestCache_ParanoiaProfile(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	c := mustNew(t, Options[string]{MaxItems: 100_000, Paranoia: true})

	require.NoError(t, c.Set(ctx, "ok", "v"))

	err := c.Set(ctx, strings.Repeat("k", 257), "v")
	require.ErrorIs(t, err, ErrValidation, "paranoia key ceiling is 256")

	err = c.SetWithTTL(ctx, "k", "v", 2*time.Hour)
	require.ErrorIs(t, err, ErrValidation, "paranoia ttl ceiling is 1h")

	err = c.Set(ctx, "big", strings.Repeat("v", (64<<10)+1))
	require.ErrorIs(t, err, ErrValidation, "paranoia value ceiling is 64KiB")
}

// A single entry that can never fit in a shard budget is a capacity error,
// not an eviction storm.
func TestCache_CapacityError(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	c := mustNew(t, Options[string]{MaxItems: 16, ShardCount: 1, MaxMemoryBytes: 1 << 10})

	err := c.Set(ctx, "huge", strings.Repeat("v", 4<<10))
	require.ErrorIs(t, err, ErrCapacity)
	assert.Equal(t, 0, c.Size())
}

// Clear drops everything and Size goes back to zero.
func TestCache_Clear(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	c := mustNew(t, Options[int]{MaxItems: 64, ShardCount: 2})
	for i := 0; i < 10; i++ {
		require.NoError(t, c.Set(ctx, fmt.Sprintf("k%d", i), i))
	}
	require.Equal(t, 10, c.Size())

	require.NoError(t, c.Clear(ctx))
	assert.Equal(t, 0, c.Size())
	if _, ok := c.Get("k3"); ok {
		t.Fatal("entries must be gone after Clear")
	}
}

// Stats counters move with operations and the hit ratio is derived on read.
func TestCache_Stats(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	c := mustNew(t, Options[int]{MaxItems: 16})

	require.NoError(t, c.Set(ctx, "a", 1))
	c.Get("a")
	c.Get("missing")
	_, err := c.Delete(ctx, "a")
	require.NoError(t, err)

	s := c.Stats()
	assert.Equal(t, uint64(1), s.Sets)
	assert.Equal(t, uint64(1), s.Hits)
	assert.Equal(t, uint64(1), s.Misses)
	assert.Equal(t, uint64(1), s.Deletes)
	assert.InDelta(t, 0.5, s.HitRatio, 1e-9)
	assert.Equal(t, 0, s.Items)
}

// Operations after Close are refused; Close is idempotent.
func TestCache_Closed(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	c := mustNew(t, Options[int]{MaxItems: 8})
	require.NoError(t, c.Set(ctx, "a", 1))
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	require.ErrorIs(t, c.Set(ctx, "b", 2), ErrClosed)
	if _, ok := c.Get("a"); ok {
		t.Fatal("reads after Close must report absent")
	}
}

// Singleflight: concurrent GetOrLoad calls for the same key trigger the
// Loader at most once; subsequent calls are cache hits.
func TestCache_GetOrLoad_Singleflight(t *testing.T) {
	var calls int64

	c := mustNew(t, Options[string]{
		MaxItems: 64,
		Loader: func(_ context.Context, key string) (string, error) {
			atomic.AddInt64(&calls, 1)
			time.Sleep(5 * time.Millisecond) // simulate I/O
			return "v:" + key, nil
		},
	})

	const N = 64
	var g errgroup.Group
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	for i := 0; i < N; i++ {
		g.Go(func() error {
			v, err := c.GetOrLoad(ctx, "k")
			if err != nil {
				return err
			}
			if v != "v:k" {
				return fmt.Errorf("got %q", v)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	if got := atomic.LoadInt64(&calls); got != 1 {
		t.Fatalf("loader must run exactly once, got %d", got)
	}

	v, err := c.GetOrLoad(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, "v:k", v)
}

func TestCache_GetOrLoad_NoLoader(t *testing.T) {
	t.Parallel()

	c := mustNew(t, Options[string]{MaxItems: 4})
	_, err := c.GetOrLoad(context.Background(), "k")
	require.ErrorIs(t, err, ErrNoLoader)
}
