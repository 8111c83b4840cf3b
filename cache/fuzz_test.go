package cache

import (
	"context"
	"errors"
	"strings"
	"testing"
)

// Fuzz the validate→set→get→delete pipeline with arbitrary keys and values.
// Every accepted write must read back exactly; every rejected write must be
// an ErrValidation and leave no trace.
func FuzzCache_SetGetDelete(f *testing.F) {
	f.Add("key", "value")
	f.Add("", "empty key")
	f.Add("a\x00b", "control byte")
	f.Add(strings.Repeat("k", 1200), "oversized key")
	f.Add("unicode-ключ", "значение")

	ctx := context.Background()
	c, err := New[string](Options[string]{MaxItems: 4096})
	if err != nil {
		f.Fatal(err)
	}
	f.Cleanup(func() { _ = c.Close() })

	f.Fuzz(func(t *testing.T, key, value string) {
		if len(key) > 4<<10 {
			key = key[:4<<10]
		}
		if len(value) > 64<<10 {
			value = value[:64<<10]
		}

		err := c.Set(ctx, key, value)
		if err != nil {
			if !errors.Is(err, ErrValidation) && !errors.Is(err, ErrCapacity) {
				t.Fatalf("unexpected error class: %v", err)
			}
			if _, ok := c.Get(key); ok {
				t.Fatalf("rejected key %q must not be readable", key)
			}
			return
		}

		v, ok := c.Get(key)
		if !ok {
			t.Fatalf("accepted key %q must read back", key)
		}
		if v != value {
			t.Fatalf("value mismatch for %q: wrote %d bytes, read %d", key, len(value), len(v))
		}

		removed, err := c.Delete(ctx, key)
		if err != nil || !removed {
			t.Fatalf("delete of live key %q: removed=%v err=%v", key, removed, err)
		}
		if _, ok := c.Get(key); ok {
			t.Fatalf("deleted key %q must be gone", key)
		}
	})
}
