package cache

import "sync"

// shard is an independent partition of the keyspace: a map for lookup plus an
// intrusive doubly linked list (head=MRU, tail=LRU) for eviction order.
//
// Locking is hierarchical. The structural RWMutex guards the map, the list,
// and the counters; point operations hold it only for short critical
// sections, while iteration (sweep, snapshot, clear) holds it for the whole
// scan and thereby waits for in-flight point sections to drain. On top of
// that, the engine serializes same-key mutations through the shard's per-key
// lock registry, which is what gives each key a total mutation order.
type shard[V any] struct {
	id    int
	locks *lockRegistry

	// Per-shard budgets: the engine splits the global bounds evenly (floor),
	// so the sums can never exceed the configured totals.
	maxItems int
	maxMem   int64

	// onEvict fans out to counters, the Metrics hook, and the user callback.
	// Called under mu; must stay lightweight.
	onEvict func(key string, v V, reason EvictReason)

	mu   sync.RWMutex
	m    map[string]*node[V]
	head *node[V] // MRU
	tail *node[V] // LRU
	len  int
	mem  int64 // estimated resident bytes, maintained incrementally
}

func newShard[V any](id, maxItems int, maxMem int64, onEvict func(string, V, EvictReason)) *shard[V] {
	return &shard[V]{
		id:       id,
		locks:    newLockRegistry(),
		maxItems: maxItems,
		maxMem:   maxMem,
		onEvict:  onEvict,
		m:        make(map[string]*node[V]),
	}
}

// get returns the live value for key. The fast path is optimistic: a shared
// read of the map plus an atomic load of the entry's box, with no per-key
// lock and no list mutation. It never returns a value whose own deadline has
// passed; an expired entry falls through to the exclusive removal path.
func (s *shard[V]) get(key string, now int64) (V, bool) {
	s.mu.RLock()
	n, ok := s.m[key]
	if !ok {
		s.mu.RUnlock()
		var zero V
		return zero, false
	}
	b := n.box.Load()
	if b.expiresAt != 0 && now >= b.expiresAt {
		s.mu.RUnlock()
		s.removeExpired(key, now)
		var zero V
		return zero, false
	}
	n.touch(now)
	s.mu.RUnlock()
	return b.val, true
}

// peek returns the current box without promoting the entry. Expired entries
// read as absent but are left for the sweep.
func (s *shard[V]) peek(key string, now int64) (*box[V], bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.m[key]
	if !ok {
		return nil, false
	}
	b := n.box.Load()
	if b.expiresAt != 0 && now >= b.expiresAt {
		return nil, false
	}
	return b, true
}

// removeExpired lazily deletes an entry found expired in line.
func (s *shard[V]) removeExpired(key string, now int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.m[key]
	if !ok || !n.expired(now) {
		return
	}
	s.evictLocked(n, EvictExpired)
}

// put inserts or overwrites key and enforces the shard's bounds before
// returning. It reports the prior box (nil if the key was absent).
func (s *shard[V]) put(key string, v V, encLen int, expiresAt int64, seq uint64, now int64) *box[V] {
	cost := entryCost(key, encLen)

	s.mu.Lock()
	defer s.mu.Unlock()

	if n, ok := s.m[key]; ok {
		prior := n.box.Load()
		n.box.Store(&box[V]{
			val:       v,
			encLen:    encLen,
			expiresAt: expiresAt,
			createdAt: prior.createdAt,
			seq:       seq,
		})
		s.mem += cost - n.costOf(prior)
		s.moveToFront(n)
		n.lastAccess.Store(now)
		s.enforceBoundsLocked()
		return prior
	}

	n := newNode(key, &box[V]{
		val:       v,
		encLen:    encLen,
		expiresAt: expiresAt,
		createdAt: now,
		seq:       seq,
	}, now)
	s.m[key] = n
	s.insertFront(n)
	s.enforceBoundsLocked()
	return nil
}

// remove deletes key if present. Idempotent: a second remove reports false.
func (s *shard[V]) remove(key string) (*box[V], bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.m[key]
	if !ok {
		return nil, false
	}
	prior := n.box.Load()
	s.unlinkLocked(n)
	return prior, true
}

// replayExpire removes key only while the resident version matches the one
// the journaled expiry saw. A mismatch means a later SET superseded the
// expired entry; the record is then a no-op.
func (s *shard[V]) replayExpire(key string, prev uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.m[key]
	if !ok || n.box.Load().seq != prev {
		return false
	}
	s.unlinkLocked(n)
	return true
}

// sweep scans the whole shard under the structural lock, removing every
// entry whose deadline has passed and re-enforcing bounds. onExpired runs
// while the lock is still held so journaled expiries cannot interleave with
// a concurrent overwrite of the same key.
func (s *shard[V]) sweep(now int64, onExpired func(key string, seq uint64)) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	expired := 0
	for n := s.tail; n != nil; {
		prev := n.prev
		if n.expired(now) {
			seq := n.box.Load().seq
			s.evictLocked(n, EvictExpired)
			if onExpired != nil {
				onExpired(n.key, seq)
			}
			expired++
		}
		n = prev
	}
	s.enforceBoundsLocked()
	return expired
}

// clear drops every entry without eviction callbacks.
func (s *shard[V]) clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m = make(map[string]*node[V])
	s.head, s.tail = nil, nil
	s.len, s.mem = 0, 0
}

// dump copies all live entries under the structural read lock.
func (s *shard[V]) dump(now int64, visit func(key string, b *box[V])) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for key, n := range s.m {
		b := n.box.Load()
		if b.expiresAt != 0 && now >= b.expiresAt {
			continue
		}
		visit(key, b)
	}
}

func (s *shard[V]) itemCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.len
}

func (s *shard[V]) memBytes() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mem
}

// -------------------- internals (mu held) --------------------

// enforceBoundsLocked evicts from the tail until both the item and memory
// budgets hold. A tail node flagged by the optimistic read path gets one
// second chance — it is promoted instead of evicted — so reads still count
// toward recency even though they never touched the list themselves.
func (s *shard[V]) enforceBoundsLocked() {
	for s.len > s.maxItems || s.mem > s.maxMem {
		n := s.tail
		if n == nil {
			return
		}
		if n.accessed.CompareAndSwap(true, false) {
			s.moveToFront(n)
			continue
		}
		s.evictLocked(n, EvictCapacity)
	}
}

func (s *shard[V]) evictLocked(n *node[V], reason EvictReason) {
	b := n.box.Load()
	s.unlinkLocked(n)
	if s.onEvict != nil {
		s.onEvict(n.key, b.val, reason)
	}
}

func (s *shard[V]) unlinkLocked(n *node[V]) {
	s.removeFromList(n)
	delete(s.m, n.key)
	s.mem -= n.cost()
	if s.mem < 0 {
		s.mem = 0
	}
	s.len--
}

// costOf prices a node against an explicit box (for update deltas).
func (n *node[V]) costOf(b *box[V]) int64 {
	return int64(len(n.key)) + int64(b.encLen) + entryOverhead
}

// insertFront inserts n at MRU in O(1).
func (s *shard[V]) insertFront(n *node[V]) {
	n.prev = nil
	n.next = s.head
	if s.head != nil {
		s.head.prev = n
	}
	s.head = n
	if s.tail == nil {
		s.tail = n
	}
	s.len++
	s.mem += n.cost()
}

// moveToFront promotes n to MRU in O(1).
func (s *shard[V]) moveToFront(n *node[V]) {
	if n == s.head {
		return
	}
	if n.prev != nil {
		n.prev.next = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	}
	if s.tail == n {
		s.tail = n.prev
	}
	n.prev = nil
	n.next = s.head
	if s.head != nil {
		s.head.prev = n
	}
	s.head = n
	if s.tail == nil {
		s.tail = n
	}
}

// removeFromList detaches n in O(1).
func (s *shard[V]) removeFromList(n *node[V]) {
	if n.prev != nil {
		n.prev.next = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	}
	if s.head == n {
		s.head = n.next
	}
	if s.tail == n {
		s.tail = n.prev
	}
	n.prev, n.next = nil, nil
}
