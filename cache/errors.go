package cache

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors classify every failure the engine can surface. Wrapped
// errors carry detail; match the class with errors.Is.
var (
	// ErrValidation — the input is malformed (key, TTL, or value). Fix the
	// input; retrying the same call cannot succeed.
	ErrValidation = errors.New("cache: validation failed")

	// ErrCapacity — the entry can never be admitted because it alone exceeds
	// a shard's memory budget. Not an eviction condition.
	ErrCapacity = errors.New("cache: entry exceeds capacity")

	// ErrDurability — the WAL append, flush, or sync failed. The operation
	// did not happen: nothing was applied in memory either.
	ErrDurability = errors.New("cache: durability failure")

	// ErrCorruption — on-disk state (a WAL segment or snapshot blob) was
	// refused rather than misread.
	ErrCorruption = errors.New("cache: corrupted state")

	// ErrLockTimeout — per-key lock acquisition exceeded Options.LockTimeout.
	// Retryable: the key was contended, nothing was changed.
	ErrLockTimeout = errors.New("cache: lock acquisition timed out")

	// ErrClosed — the engine has been closed.
	ErrClosed = errors.New("cache: closed")

	// ErrNoLoader — GetOrLoad was called without a configured Loader.
	ErrNoLoader = errors.New("cache: no loader configured")
)

func validationErr(field, reason string) error {
	return fmt.Errorf("%w: %s %s", ErrValidation, field, reason)
}

func lockTimeoutErr(key string, wait time.Duration) error {
	return fmt.Errorf("%w: key %q after %v", ErrLockTimeout, key, wait)
}
