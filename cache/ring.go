package cache

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// ring routes keys to shards with consistent hashing over virtual nodes.
// It is built once from (shardCount, vnodesPerShard) and is immutable after
// construction, so routing needs no persisted state: rebuilding with the same
// parameters reproduces the exact same table.
type ring struct {
	points []ringPoint // sorted by hash; ties broken by lowest shard id
	shards int
}

type ringPoint struct {
	hash  uint64
	shard int
}

// buildRing places vnodesPerShard points per shard on a 64-bit ring.
// An empty ring is a configuration error, not a runtime condition.
func buildRing(shardCount, vnodesPerShard int) (*ring, error) {
	if shardCount <= 0 || vnodesPerShard <= 0 {
		return nil, fmt.Errorf("cache: ring needs positive shard and vnode counts, got %d/%d",
			shardCount, vnodesPerShard)
	}

	points := make([]ringPoint, 0, shardCount*vnodesPerShard)
	for s := 0; s < shardCount; s++ {
		for v := 0; v < vnodesPerShard; v++ {
			label := strconv.Itoa(s) + "#" + strconv.Itoa(v)
			points = append(points, ringPoint{hash: xxhash.Sum64String(label), shard: s})
		}
	}

	// Deterministic order: by hash, then by shard id so vnode hash collisions
	// always resolve to the lowest shard.
	sort.Slice(points, func(i, j int) bool {
		if points[i].hash != points[j].hash {
			return points[i].hash < points[j].hash
		}
		return points[i].shard < points[j].shard
	})

	return &ring{points: points, shards: shardCount}, nil
}

// route returns the shard owning key: the first ring point at or after the
// key's hash, wrapping to the start of the table. O(log V).
func (r *ring) route(key string) int {
	h := xxhash.Sum64String(key)
	i := sort.Search(len(r.points), func(i int) bool { return r.points[i].hash >= h })
	if i == len(r.points) {
		i = 0
	}
	return r.points[i].shard
}
