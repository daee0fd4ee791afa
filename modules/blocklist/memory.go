package blocklist

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"gateway/modules/clock"
)

var _ Registry = (*MemoryRegistry)(nil)

// MemoryRegistry is a process-local Registry. IsBlocked compares the expiry
// itself, so a late sweep never keeps an address blocked past its time.
type MemoryRegistry struct {
	clock clock.Clock

	mu      sync.RWMutex
	entries map[string]time.Time
}

func NewMemoryRegistry(clock clock.Clock) *MemoryRegistry {
	return &MemoryRegistry{
		clock:   clock,
		entries: make(map[string]time.Time),
	}
}

func (r *MemoryRegistry) Block(_ context.Context, addr string, d time.Duration) (BlockedIP, error) {
	addr, err := validate(addr, d)
	if err != nil {
		return BlockedIP{}, err
	}
	until := r.clock.Now().Add(d)

	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.entries[addr]; ok && cur.After(until) {
		until = cur
	}
	r.entries[addr] = until
	return BlockedIP{Address: addr, BlockedUntil: until}, nil
}

func (r *MemoryRegistry) Unblock(_ context.Context, addr string) (bool, error) {
	addr, err := Normalize(addr)
	if err != nil {
		return false, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[addr]
	delete(r.entries, addr)
	return ok, nil
}

func (r *MemoryRegistry) IsBlocked(_ context.Context, addr string) (bool, error) {
	if canon, err := Normalize(addr); err == nil {
		addr = canon
	}

	r.mu.RLock()
	until, ok := r.entries[addr]
	r.mu.RUnlock()
	return ok && r.clock.Now().Before(until), nil
}

func (r *MemoryRegistry) List(_ context.Context) ([]BlockedIP, error) {
	now := r.clock.Now()

	r.mu.RLock()
	out := make([]BlockedIP, 0, len(r.entries))
	for addr, until := range r.entries {
		if now.Before(until) {
			out = append(out, BlockedIP{Address: addr, BlockedUntil: until})
		}
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b BlockedIP) int { return cmp.Compare(a.Address, b.Address) })
	return out, nil
}

// Sweep removes blocks that expired at or before now and returns how many.
func (r *MemoryRegistry) Sweep(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for addr, until := range r.entries {
		if !now.Before(until) {
			delete(r.entries, addr)
			n++
		}
	}
	return n
}

func (r *MemoryRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
