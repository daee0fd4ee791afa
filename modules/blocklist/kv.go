package blocklist

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"time"

	"gateway/modules/clock"
	"gateway/modules/db"
)

var _ Registry = (*KVRegistry)(nil)

// KVRegistry shares the block list between gateway instances through a db.KV
// (Redis in production). Each entry expires on its own through the store TTL,
// so no sweeper is needed.
type KVRegistry struct {
	clock   clock.Clock
	entries db.JSONKV[BlockedIP]
}

func NewKVRegistry(clock clock.Clock, kv db.KV) *KVRegistry {
	return &KVRegistry{
		clock:   clock,
		entries: db.NewJSONKV[BlockedIP](kv),
	}
}

// Block is a read-then-write; two concurrent blocks of the same address keep
// whichever lands last.
func (r *KVRegistry) Block(ctx context.Context, addr string, d time.Duration) (BlockedIP, error) {
	addr, err := validate(addr, d)
	if err != nil {
		return BlockedIP{}, err
	}
	now := r.clock.Now()
	entry := BlockedIP{Address: addr, BlockedUntil: now.Add(d)}

	cur, err := r.entries.Get(ctx, addr)
	if err != nil {
		return BlockedIP{}, fmt.Errorf("blocklist: block %s: %w", addr, err)
	}
	if cur != nil && cur.BlockedUntil.After(entry.BlockedUntil) {
		entry.BlockedUntil = cur.BlockedUntil
	}

	if _, err := r.entries.Set(ctx, addr, entry, entry.BlockedUntil.Sub(now)); err != nil {
		return BlockedIP{}, fmt.Errorf("blocklist: block %s: %w", addr, err)
	}
	return entry, nil
}

func (r *KVRegistry) Unblock(ctx context.Context, addr string) (bool, error) {
	addr, err := Normalize(addr)
	if err != nil {
		return false, err
	}
	ok, err := r.entries.Delete(ctx, addr)
	if err != nil {
		return false, fmt.Errorf("blocklist: unblock %s: %w", addr, err)
	}
	return ok, nil
}

func (r *KVRegistry) IsBlocked(ctx context.Context, addr string) (bool, error) {
	if canon, err := Normalize(addr); err == nil {
		addr = canon
	}
	entry, err := r.entries.Get(ctx, addr)
	if err != nil {
		return false, fmt.Errorf("blocklist: lookup %s: %w", addr, err)
	}
	// a client-side cached entry may outlive its server TTL by a little
	return entry != nil && entry.Active(r.clock.Now()), nil
}

func (r *KVRegistry) List(ctx context.Context) ([]BlockedIP, error) {
	all, err := r.entries.All(ctx)
	if err != nil {
		return nil, fmt.Errorf("blocklist: list: %w", err)
	}

	now := r.clock.Now()
	out := make([]BlockedIP, 0, len(all))
	for _, e := range all {
		if e.Active(now) {
			out = append(out, e)
		}
	}
	slices.SortFunc(out, func(a, b BlockedIP) int { return cmp.Compare(a.Address, b.Address) })
	return out, nil
}
