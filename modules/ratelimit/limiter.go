// Copyright 2025 Nhat-Nguyen Nguyen
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ratelimit

import (
	"context"
	"time"

	"gateway/modules/clock"
)

var _ RateLimiter = (*Limiter)(nil)

const (
	tokenBucketTTL    = time.Hour
	slidingWindowSize = time.Minute
	fixedWindowSize   = time.Minute

	maxCASAttempts = 16
)

type (
	// Limiter dispatches to one of the three algorithms based on Policy.Algorithm.
	// All counter state lives in the Store, so several Limiters (or processes)
	// sharing a Store enforce the same quota.
	Limiter struct {
		clock     clock.Clock
		store     Store
		keyPrefix string
	}

	LimiterOption func(*Limiter)
)

// WithKeyPrefix scopes every storage key, e.g. per environment.
func WithKeyPrefix(prefix string) LimiterOption {
	return func(l *Limiter) {
		l.keyPrefix = prefix
	}
}

func NewLimiter(clock clock.Clock, store Store, opts ...LimiterOption) *Limiter {
	l := &Limiter{
		clock: clock,
		store: store,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

// Check implements RateLimiter.
func (l *Limiter) Check(ctx context.Context, key Key, policy Policy) (Result, error) {
	now := l.clock.Now()

	switch policy.Algorithm.Normalize() {
	case SlidingWindow:
		return l.slidingWindow(ctx, key, policy, now)
	case FixedWindow:
		return l.fixedWindow(ctx, key, policy, now)
	default:
		return l.tokenBucket(ctx, key, policy, now)
	}
}

func (l *Limiter) buildKey(kind string, key Key) string {
	if l.keyPrefix == "" {
		return kind + ":" + string(key)
	}
	return l.keyPrefix + ":" + kind + ":" + string(key)
}
