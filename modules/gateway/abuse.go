package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"gateway/modules/blocklist"
	"gateway/modules/clock"
	rl "gateway/modules/ratelimit"
)

// AbuseDetector blocks client addresses that keep hitting their rate limit.
// Denials are counted per address in fixed windows of cfg.Window; reaching
// cfg.Threshold blocks the address for cfg.BlockDuration.
type AbuseDetector struct {
	cfg      AbuseConfig
	clock    clock.Clock
	counters rl.CounterStore
	blocks   blocklist.Registry
	prefix   string
}

// NewAbuseDetector returns nil when the threshold is not positive; a nil
// detector records nothing.
func NewAbuseDetector(cfg AbuseConfig, clock clock.Clock, counters rl.CounterStore, blocks blocklist.Registry, prefix string) *AbuseDetector {
	if cfg.Threshold <= 0 {
		return nil
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.BlockDuration <= 0 {
		cfg.BlockDuration = 15 * time.Minute
	}
	return &AbuseDetector{
		cfg:      cfg,
		clock:    clock,
		counters: counters,
		blocks:   blocks,
		prefix:   prefix,
	}
}

// RecordDenial counts one denial for addr and reports whether it caused a
// block. The block is issued once, on the denial that reaches the threshold.
func (a *AbuseDetector) RecordDenial(ctx context.Context, addr string) (bool, error) {
	if a == nil || addr == "" {
		return false, nil
	}

	now := a.clock.Now()
	size := int64(a.cfg.Window / time.Second)
	if size <= 0 {
		size = 1
	}
	window := now.Unix() / size * size
	key := a.prefix + ":abuse:" + addr + ":" + strconv.FormatInt(window, 10)

	n, err := a.counters.Incr(ctx, key, a.cfg.Window)
	if err != nil {
		return false, fmt.Errorf("gateway: count denial for %s: %w", addr, err)
	}
	if n != a.cfg.Threshold {
		return false, nil
	}

	entry, err := a.blocks.Block(ctx, addr, a.cfg.BlockDuration)
	if err != nil {
		return false, fmt.Errorf("gateway: auto-block %s: %w", addr, err)
	}
	slog.WarnContext(ctx, "client blocked after repeated rate limit denials",
		slog.String("client_ip", addr),
		slog.Int64("denials", n),
		slog.Time("blocked_until", entry.BlockedUntil),
	)
	return true, nil
}
