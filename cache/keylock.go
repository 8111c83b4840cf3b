package cache

import (
	"context"
	"sync"
	"time"
)

// keyLock is a single-slot semaphore. A channel (rather than sync.Mutex) lets
// waiters bail out on timeout or context cancellation.
type keyLock struct {
	ch   chan struct{}
	refs int // guarded by the registry mutex
}

// lockRegistry hands out reference-counted per-key locks on demand.
// A lock exists only while at least one holder or waiter references it, so
// the registry stays bounded under arbitrary key churn: the refcount is taken
// before any wait begins, and the entry is deleted only when it drops to
// zero, which closes the race between the last release and a new arrival.
type lockRegistry struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

func newLockRegistry() *lockRegistry {
	return &lockRegistry{locks: make(map[string]*keyLock)}
}

// acquire takes the lock for key, waiting at most timeout (0 = no limit).
// On success it returns a release func; exactly one of release/err is set.
func (r *lockRegistry) acquire(ctx context.Context, key string, timeout time.Duration) (func(), error) {
	r.mu.Lock()
	l := r.locks[key]
	if l == nil {
		l = &keyLock{ch: make(chan struct{}, 1)}
		r.locks[key] = l
	}
	l.refs++
	r.mu.Unlock()

	var timeoutC <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timeoutC = t.C
	}

	select {
	case l.ch <- struct{}{}:
		return func() {
			<-l.ch
			r.unref(key, l)
		}, nil
	case <-timeoutC:
		r.unref(key, l)
		return nil, lockTimeoutErr(key, timeout)
	case <-ctx.Done():
		r.unref(key, l)
		return nil, ctx.Err()
	}
}

func (r *lockRegistry) unref(key string, l *keyLock) {
	r.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(r.locks, key)
	}
	r.mu.Unlock()
}

// size reports the number of live key locks (tests and stats only).
func (r *lockRegistry) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.locks)
}
