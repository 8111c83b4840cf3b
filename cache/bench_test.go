package cache

import (
	"context"
	"fmt"
	"math/rand"
	"testing"
)

// benchmarkMix drives a read/write mix through RunParallel. readPct is the
// share of Gets in [0,100]; writes are Sets over a fixed key space.
func benchmarkMix(b *testing.B, readPct int, shards int) {
	ctx := context.Background()
	c, err := New[string](Options[string]{
		MaxItems:   100_000,
		ShardCount: shards,
	})
	if err != nil {
		b.Fatal(err)
	}
	defer c.Close()

	const keys = 10_000
	for i := 0; i < keys; i++ {
		if err := c.Set(ctx, fmt.Sprintf("key-%d", i), "value"); err != nil {
			b.Fatal(err)
		}
	}

	b.ReportAllocs()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		rng := rand.New(rand.NewSource(rand.Int63()))
		for pb.Next() {
			key := fmt.Sprintf("key-%d", rng.Intn(keys))
			if rng.Intn(100) < readPct {
				c.Get(key)
			} else {
				if err := c.Set(ctx, key, "value"); err != nil {
					b.Fatal(err)
				}
			}
		}
	})
}

func BenchmarkGet(b *testing.B)         { benchmarkMix(b, 100, 0) }
func BenchmarkMixed90Read(b *testing.B) { benchmarkMix(b, 90, 0) }
func BenchmarkMixed50Read(b *testing.B) { benchmarkMix(b, 50, 0) }
func BenchmarkSet(b *testing.B)         { benchmarkMix(b, 0, 0) }

func BenchmarkGetSingleShard(b *testing.B) { benchmarkMix(b, 100, 1) }

func BenchmarkRoute(b *testing.B) {
	r, err := buildRing(16, 128)
	if err != nil {
		b.Fatal(err)
	}
	keys := make([]string, 1024)
	for i := range keys {
		keys[i] = fmt.Sprintf("key-%d", i)
	}
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = r.route(keys[i%len(keys)])
	}
}
