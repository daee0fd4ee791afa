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
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"time"
)

// bucketState is persisted as "<tokens>|<last refill unix nanos>".
type bucketState struct {
	Tokens     float64
	LastRefill time.Time
}

func (s bucketState) encode() []byte {
	b := make([]byte, 0, 40)
	b = strconv.AppendFloat(b, s.Tokens, 'g', -1, 64)
	b = append(b, '|')
	b = strconv.AppendInt(b, s.LastRefill.UnixNano(), 10)
	return b
}

func decodeBucketState(raw []byte) (bucketState, error) {
	tokensRaw, refillRaw, ok := bytes.Cut(raw, []byte{'|'})
	if !ok {
		return bucketState{}, fmt.Errorf("token bucket state: missing separator in %q", raw)
	}
	tokens, err := strconv.ParseFloat(string(tokensRaw), 64)
	if err != nil {
		return bucketState{}, fmt.Errorf("token bucket state tokens: %w", err)
	}
	ns, err := strconv.ParseInt(string(refillRaw), 10, 64)
	if err != nil {
		return bucketState{}, fmt.Errorf("token bucket state refill: %w", err)
	}
	return bucketState{Tokens: tokens, LastRefill: time.Unix(0, ns)}, nil
}

func burstOf(p Policy) float64 {
	return float64(max(p.BurstSize, 1))
}

// refill returns the token count at now. It never exceeds the burst size.
func refill(s bucketState, p Policy, now time.Time) float64 {
	elapsed := now.Sub(s.LastRefill).Seconds()
	// instances sharing a store may disagree slightly on the time
	elapsed = max(elapsed, 0)

	rate := max(p.RequestsPerSecond, 0)
	return min(s.Tokens+elapsed*rate, burstOf(p))
}

// tokensToDuration converts a token deficit into wait time at the policy rate.
// Without a refill rate the deficit never closes; the state TTL is the best bound.
func tokensToDuration(tokens float64, p Policy) time.Duration {
	if p.RequestsPerSecond <= 0 {
		return tokenBucketTTL
	}
	return time.Duration(tokens / p.RequestsPerSecond * float64(time.Second))
}

// evaluateTokenBucket is the pure token bucket step. The returned state only
// needs persisting when the request is allowed.
func evaluateTokenBucket(prev bucketState, found bool, p Policy, now time.Time) (bucketState, Result) {
	burst := burstOf(p)
	if !found {
		prev = bucketState{Tokens: burst, LastRefill: now}
	}

	tokens := refill(prev, p, now)
	res := Result{
		Algorithm: TokenBucket,
		Limit:     int64(burst),
	}

	if tokens >= 1 {
		tokens--
		res.Allowed = true
		res.Remaining = int64(math.Floor(tokens))
		res.Reset = now.Add(tokensToDuration(burst-tokens, p))
		return bucketState{Tokens: tokens, LastRefill: now}, res
	}

	res.RetryAfter = tokensToDuration(1-tokens, p)
	res.Reset = now.Add(res.RetryAfter)
	return prev, res
}

func (l *Limiter) tokenBucket(ctx context.Context, key Key, p Policy, now time.Time) (Result, error) {
	k := l.buildKey("tb", key)

	step := func(raw []byte) (bucketState, Result) {
		var (
			prev  bucketState
			found = raw != nil
		)
		if found {
			s, err := decodeBucketState(raw)
			if err != nil {
				slog.WarnContext(ctx, "resetting corrupt token bucket state",
					slog.String("key", k),
					slog.Any("error", err),
				)
				found = false
			} else {
				prev = s
			}
		}
		return evaluateTokenBucket(prev, found, p, now)
	}

	if u, ok := l.store.(AtomicUpdater); ok {
		var res Result
		err := u.Update(ctx, k, tokenBucketTTL, func(raw []byte) ([]byte, bool) {
			next, r := step(raw)
			res = r
			if !r.Allowed {
				return nil, false
			}
			return next.encode(), true
		})
		if err != nil {
			return Result{}, err
		}
		return res, nil
	}

	for range maxCASAttempts {
		raw, err := l.store.Load(ctx, k)
		if err != nil {
			return Result{}, err
		}

		next, res := step(raw)
		if !res.Allowed {
			return res, nil
		}

		swapped, err := l.store.CompareAndSwap(ctx, k, raw, next.encode(), tokenBucketTTL)
		if err != nil {
			return Result{}, err
		}
		if swapped {
			return res, nil
		}
	}

	return Result{}, fmt.Errorf("%w: %s", ErrContention, k)
}
