package ratelimit

import (
	"context"
	"time"
)

type (
	// CounterStore is the storage abstraction the fixed window uses.
	CounterStore interface {
		// Incr increments a counter at key and returns the new value.
		// TTL is applied only when the increment creates the counter.
		Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)

		// Get returns the current value of a counter, or 0 if missing.
		Get(ctx context.Context, key string) (int64, error)
	}

	// StateStore holds opaque per-key state updated optimistically.
	StateStore interface {
		// Load returns nil when the key does not exist.
		Load(ctx context.Context, key string) ([]byte, error)

		// CompareAndSwap replaces the value at key with next only if the current
		// value equals prev. A nil prev means the key must not exist.
		CompareAndSwap(ctx context.Context, key string, prev, next []byte, ttl time.Duration) (bool, error)
	}

	// WindowLog keeps an ordered log of request timestamps per key.
	WindowLog interface {
		// Admit atomically drops timestamps older than now-window, and records now
		// if fewer than limit timestamps remain.
		Admit(ctx context.Context, key string, now time.Time, window time.Duration, limit int64) (WindowLogResult, error)
	}

	WindowLogResult struct {
		Admitted bool
		Count    int64     // entries in the window before now was recorded
		Oldest   time.Time // zero when the window is empty
	}

	// Store is everything the three algorithms need. Any backend must make each
	// call atomic for a given key.
	Store interface {
		CounterStore
		StateStore
		WindowLog
	}

	// AtomicUpdater is implemented by in-process stores that can run a
	// read-modify-write under their own lock, skipping the CAS round trip.
	AtomicUpdater interface {
		Update(ctx context.Context, key string, ttl time.Duration, fn func(prev []byte) (next []byte, write bool)) error
	}
)
