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
)

// The sliding window keeps every admitted timestamp of the trailing minute
// (a sliding log) rather than interpolating between two fixed windows, so a
// burst of requests_per_minute is denied exactly until its oldest entry ages out.

func (l *Limiter) slidingWindow(ctx context.Context, key Key, p Policy, now time.Time) (Result, error) {
	log, err := l.store.Admit(ctx, l.buildKey("sw", key), now, slidingWindowSize, p.RequestsPerMinute)
	if err != nil {
		return Result{}, err
	}
	return evaluateSlidingWindow(log, p, now), nil
}

// evaluateSlidingWindow turns the log outcome into a decision. Retry-after is
// estimated from the oldest entry only: once it leaves the window one slot frees up.
func evaluateSlidingWindow(log WindowLogResult, p Policy, now time.Time) Result {
	res := Result{
		Algorithm: SlidingWindow,
		Limit:     p.RequestsPerMinute,
	}

	if log.Admitted {
		res.Allowed = true
		res.Remaining = max(p.RequestsPerMinute-log.Count-1, 0)
		res.Reset = now.Add(slidingWindowSize)
		return res
	}

	retry := slidingWindowSize
	if !log.Oldest.IsZero() {
		retry = max(log.Oldest.Add(slidingWindowSize).Sub(now), 0)
	}
	res.RetryAfter = retry
	res.Reset = now.Add(retry)
	return res
}
