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
	"strconv"
	"time"
)

// windowStart floors now to the calendar-aligned window it falls in.
func windowStart(now time.Time, size time.Duration) time.Time {
	sec := int64(size / time.Second)
	return time.Unix(now.Unix()/sec*sec, 0)
}

func (l *Limiter) fixedWindow(ctx context.Context, key Key, p Policy, now time.Time) (Result, error) {
	start := windowStart(now, fixedWindowSize)
	k := l.buildKey("fw", key) + ":" + strconv.FormatInt(start.Unix(), 10)

	// the window index is part of the key, so the counter never needs resetting;
	// the TTL only reclaims storage
	count, err := l.store.Incr(ctx, k, fixedWindowSize)
	if err != nil {
		return Result{}, err
	}
	return evaluateFixedWindow(count, start, p, now), nil
}

func evaluateFixedWindow(count int64, start time.Time, p Policy, now time.Time) Result {
	reset := start.Add(fixedWindowSize)
	res := Result{
		Algorithm: FixedWindow,
		Limit:     p.RequestsPerMinute,
		Reset:     reset,
	}

	if count <= p.RequestsPerMinute {
		res.Allowed = true
		res.Remaining = p.RequestsPerMinute - count
		return res
	}

	res.RetryAfter = max(reset.Sub(now), 0)
	return res
}
