package cache

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// OpKind identifies a transaction operation.
type OpKind int

const (
	OpSet OpKind = iota
	OpDelete
)

// Op is one operation in a transaction batch.
type Op[V any] struct {
	Kind  OpKind
	Key   string
	Value V             // OpSet only
	TTL   time.Duration // OpSet only; 0 = never expires
}

type txnUndo[V any] struct {
	key       string
	existed   bool
	value     V
	expiresAt int64
}

// Txn is a caller-supplied ordered operation batch with rollback. Apply
// journals and applies each operation through the normal durable path,
// capturing the prior state of every touched key; Rollback replays the
// applied subsequence in reverse, synthesizing inverses (an applied SET
// becomes a restore-or-delete, an applied DELETE becomes a SET of the saved
// value).
//
// Rollback is guaranteed to reproduce prior state only against this engine's
// own operations: if another writer mutates the same keys between Apply and
// Rollback, the outcome for those keys is undefined rather than silently
// reconciled.
type Txn[V any] struct {
	c   *cache[V]
	ops []Op[V]

	mu      sync.Mutex
	applied []txnUndo[V]
	done    bool
}

// NewTransaction stages ops for application. The batch is grouped by owning
// shard (stable, so per-key order within the batch is preserved) to keep
// lock acquisitions clustered.
func (c *cache[V]) NewTransaction(ops []Op[V]) *Txn[V] {
	grouped := make([]Op[V], len(ops))
	copy(grouped, ops)
	sort.SliceStable(grouped, func(i, j int) bool {
		return c.ring.route(grouped[i].Key) < c.ring.route(grouped[j].Key)
	})
	return &Txn[V]{c: c, ops: grouped}
}

// Apply executes the batch in staged order. On the first failure it rolls
// back what was already applied and returns both errors joined.
func (t *Txn[V]) Apply(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return fmt.Errorf("%w: transaction already finished", ErrValidation)
	}

	for _, op := range t.ops {
		undo, err := t.applyOne(ctx, op)
		if err != nil {
			if rbErr := t.rollbackLocked(ctx); rbErr != nil {
				return fmt.Errorf("apply %q: %w (rollback also failed: %v)", op.Key, err, rbErr)
			}
			t.done = true
			return fmt.Errorf("apply %q: %w", op.Key, err)
		}
		t.applied = append(t.applied, undo)
	}
	return nil
}

// Rollback undoes every applied operation, newest first. It is a no-op on a
// transaction that applied nothing.
func (t *Txn[V]) Rollback(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.rollbackLocked(ctx); err != nil {
		return err
	}
	t.done = true
	return nil
}

func (t *Txn[V]) applyOne(ctx context.Context, op Op[V]) (txnUndo[V], error) {
	c := t.c
	if c.closed.Load() {
		return txnUndo[V]{}, ErrClosed
	}
	switch op.Kind {
	case OpSet:
		enc, exp, err := c.prepareSet(op.Key, op.Value, op.TTL)
		if err != nil {
			return txnUndo[V]{}, err
		}
		prior, _, err := c.mutateSet(ctx, op.Key, op.Value, enc, exp)
		if err != nil {
			return txnUndo[V]{}, err
		}
		c.col.sets.Add(1)
		c.opt.Metrics.Set()
		u := txnUndo[V]{key: op.Key}
		if prior != nil {
			u.existed = true
			u.value = prior.val
			u.expiresAt = prior.expiresAt
		}
		return u, nil

	case OpDelete:
		if reason, err := c.val.key(op.Key); err != nil {
			c.reject(reason)
			return txnUndo[V]{}, err
		}
		prior, removed, err := c.mutateDelete(ctx, op.Key)
		if err != nil {
			return txnUndo[V]{}, err
		}
		u := txnUndo[V]{key: op.Key}
		if removed {
			c.col.deletes.Add(1)
			c.opt.Metrics.Delete()
			u.existed = true
			u.value = prior.val
			u.expiresAt = prior.expiresAt
		}
		return u, nil

	default:
		return txnUndo[V]{}, fmt.Errorf("%w: unknown op kind %d", ErrValidation, op.Kind)
	}
}

func (t *Txn[V]) rollbackLocked(ctx context.Context) error {
	c := t.c
	for i := len(t.applied) - 1; i >= 0; i-- {
		u := t.applied[i]
		if u.existed {
			// Restore the saved value with its original absolute deadline.
			enc, err := c.codec.Marshal(u.value)
			if err != nil {
				return fmt.Errorf("%w: re-encode %q during rollback: %v", ErrValidation, u.key, err)
			}
			if _, _, err := c.mutateSet(ctx, u.key, u.value, enc, u.expiresAt); err != nil {
				return err
			}
			c.col.sets.Add(1)
			c.opt.Metrics.Set()
		} else {
			_, removed, err := c.mutateDelete(ctx, u.key)
			if err != nil {
				return err
			}
			if removed {
				c.col.deletes.Add(1)
				c.opt.Metrics.Delete()
			}
		}
		t.applied = t.applied[:i]
	}
	return nil
}
