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
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	TokenBucket   Algorithm = "token_bucket"
	SlidingWindow Algorithm = "sliding_window"
	FixedWindow   Algorithm = "fixed_window"
)

var (
	ErrInvalidPolicy = errors.New("ratelimit: invalid policy")

	// ErrContention is returned when an optimistic state update keeps losing
	// against concurrent writers of the same key.
	ErrContention = errors.New("ratelimit: too much contention on key")
)

type (
	// RateLimiter evaluates a policy for a key and consumes quota when allowed.
	RateLimiter interface {
		Check(ctx context.Context, key Key, policy Policy) (Result, error)
	}

	// Key is the identity scope a counter belongs to, one of
	// "ip:<addr>", "user:<id>" or "apikey:<key>".
	Key string

	Algorithm string

	// Policy is immutable once loaded. The token bucket reads RequestsPerSecond
	// and BurstSize, both window algorithms read RequestsPerMinute.
	// RequestsPerHour and RequestsPerDay are carried for operators and not
	// enforced by any algorithm.
	Policy struct {
		RequestsPerSecond float64   `json:"requests_per_second" env:"RPS" envDefault:"10"`
		RequestsPerMinute int64     `json:"requests_per_minute" env:"RPM" envDefault:"600"`
		RequestsPerHour   int64     `json:"requests_per_hour" env:"RPH" envDefault:"10000"`
		RequestsPerDay    int64     `json:"requests_per_day" env:"RPD" envDefault:"100000"`
		BurstSize         int64     `json:"burst_size" env:"BURST" envDefault:"20"`
		Algorithm         Algorithm `json:"algorithm" env:"ALGORITHM" envDefault:"token_bucket"`
	}

	// Result represents the outcome of a rate limit decision.
	Result struct {
		Allowed    bool
		Algorithm  Algorithm
		Limit      int64         // ceiling reported to clients
		Remaining  int64         // requests left after this one
		Reset      time.Time     // when the quota is fully (token bucket) or next (windows) replenished
		RetryAfter time.Duration // only set when not allowed
	}
)

func IPKey(addr string) Key { return Key("ip:" + addr) }
func UserKey(id string) Key { return Key("user:" + id) }
func APIKeyKey(apiKey string) Key { return Key("apikey:" + apiKey) }

// Normalize maps unknown or empty algorithm names to the token bucket.
func (a Algorithm) Normalize() Algorithm {
	switch Algorithm(strings.ToLower(string(a))) {
	case SlidingWindow:
		return SlidingWindow
	case FixedWindow:
		return FixedWindow
	default:
		return TokenBucket
	}
}

func (a Algorithm) Known() bool {
	switch Algorithm(strings.ToLower(string(a))) {
	case "", TokenBucket, SlidingWindow, FixedWindow:
		return true
	}
	return false
}

// Validate checks the fields the selected algorithm depends on.
func (p Policy) Validate() error {
	if !p.Algorithm.Known() {
		return fmt.Errorf("%w: unknown algorithm %q", ErrInvalidPolicy, p.Algorithm)
	}
	if p.RequestsPerSecond < 0 || p.RequestsPerMinute < 0 || p.RequestsPerHour < 0 ||
		p.RequestsPerDay < 0 || p.BurstSize < 0 {
		return fmt.Errorf("%w: negative ceiling", ErrInvalidPolicy)
	}

	switch p.Algorithm.Normalize() {
	case TokenBucket:
		if p.RequestsPerSecond <= 0 {
			return fmt.Errorf("%w: token bucket requires requests_per_second > 0", ErrInvalidPolicy)
		}
		if p.BurstSize < 1 {
			return fmt.Errorf("%w: token bucket requires burst_size >= 1", ErrInvalidPolicy)
		}
	case SlidingWindow, FixedWindow:
		if p.RequestsPerMinute < 1 {
			return fmt.Errorf("%w: %s requires requests_per_minute >= 1", ErrInvalidPolicy, p.Algorithm)
		}
	}
	return nil
}
