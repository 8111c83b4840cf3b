package cache

import "sync/atomic"

// entryOverhead is the fixed per-entry bookkeeping cost added to the key and
// encoded-value lengths. It deliberately over-counts the real node footprint
// so the memory estimate never runs under the truth.
const entryOverhead = 128

// box is the immutable payload of a node. Mutations publish a fresh box via
// an atomic pointer swap, which is what makes the optimistic read path safe:
// a reader always observes a consistent (value, deadline, seq) triple.
type box[V any] struct {
	val       V
	encLen    int    // length of the codec-encoded value
	expiresAt int64  // UnixNano deadline; 0 means never expires
	createdAt int64  // UnixNano of first insertion
	seq       uint64 // WAL sequence number of the mutation that produced this box
}

// node is an intrusive doubly linked list element owned by a shard.
// List links and removal are guarded by the shard's structural lock;
// the payload and access markers are atomic so lock-free readers stay safe.
type node[V any] struct {
	key string

	// Intrusive list links: head is MRU, tail is LRU.
	prev *node[V]
	next *node[V]

	box atomic.Pointer[box[V]]

	// lastAccess is bumped by readers without the structural lock.
	lastAccess atomic.Int64

	// accessed marks a read since the node last moved in the list.
	// Eviction grants one second chance to flagged tail nodes, which folds
	// reader promotion back into LRU order without a reader-side list move.
	accessed atomic.Bool
}

func newNode[V any](key string, b *box[V], now int64) *node[V] {
	n := &node[V]{key: key}
	n.box.Store(b)
	n.lastAccess.Store(now)
	return n
}

// cost is the estimated resident size of this node in bytes.
func (n *node[V]) cost() int64 {
	return int64(len(n.key)) + int64(n.box.Load().encLen) + entryOverhead
}

// expired reports whether the node's deadline has passed at the given time.
func (n *node[V]) expired(now int64) bool {
	exp := n.box.Load().expiresAt
	return exp != 0 && now >= exp
}

// touch records a read for LRU accounting without taking the shard lock.
func (n *node[V]) touch(now int64) {
	n.lastAccess.Store(now)
	n.accessed.Store(true)
}

func entryCost(key string, encLen int) int64 {
	return int64(len(key)) + int64(encLen) + entryOverhead
}
