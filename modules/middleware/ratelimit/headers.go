package ratelimit

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"gateway/modules/middleware/problem"
	rl "gateway/modules/ratelimit"
)

const (
	HeaderLimit      = "X-RateLimit-Limit"
	HeaderRemaining  = "X-RateLimit-Remaining"
	HeaderReset      = "X-RateLimit-Reset"
	HeaderRetryAfter = "Retry-After"
)

// WriteHeaders sets the quota headers for a decision. Retry-After is only
// present on a deny.
func WriteHeaders(h http.Header, result rl.Result) {
	h.Set(HeaderLimit, strconv.FormatInt(result.Limit, 10))
	h.Set(HeaderRemaining, strconv.FormatInt(max(result.Remaining, 0), 10))
	h.Set(HeaderReset, strconv.FormatInt(ResetEpoch(result.Reset), 10))
	if result.Allowed {
		h.Del(HeaderRetryAfter)
		return
	}
	h.Set(HeaderRetryAfter, strconv.FormatInt(RetryAfterSeconds(result.RetryAfter), 10))
}

// ResetEpoch is the reset instant in Unix seconds, rounded up.
func ResetEpoch(t time.Time) int64 {
	s := t.Unix()
	if t.Nanosecond() > 0 {
		s++
	}
	return s
}

// RetryAfterSeconds rounds up to whole seconds, never below one.
func RetryAfterSeconds(d time.Duration) int64 {
	return max(int64(math.Ceil(d.Seconds())), 1)
}

// TooManyRequests builds the 429 problem document for a denied decision.
func TooManyRequests(result rl.Result, opts ...problem.Option) *problem.Problem {
	opts = append([]problem.Option{
		problem.WithExtension("limit", result.Limit),
		problem.WithExtension("remaining", max(result.Remaining, 0)),
		problem.WithExtension("reset", ResetEpoch(result.Reset)),
		problem.WithExtension("retry_after", RetryAfterSeconds(result.RetryAfter)),
		problem.WithExtension("algorithm", result.Algorithm),
	}, opts...)
	return problem.TooManyRequests("rate limit exceeded", opts...)
}
