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

// Package gateway shapes inbound traffic before it reaches a downstream
// service: block list, rate limit, response cache and circuit breaker, in
// that order.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"gateway/modules/blocklist"
	"gateway/modules/breaker"
	"gateway/modules/clock"
	"gateway/modules/middleware"
	"gateway/modules/middleware/problem"
	mwrl "gateway/modules/middleware/ratelimit"
	rl "gateway/modules/ratelimit"
	"gateway/modules/respcache"
	"gateway/modules/telemetry"
)

const (
	HeaderResponseTime = "X-Response-Time"
	HeaderCache        = "X-Cache"

	cacheHit  = "HIT"
	cacheMiss = "MISS"
)

type (
	// PolicyResolver returns the policy in force for a key.
	PolicyResolver interface {
		Resolve(key rl.Key) rl.Policy
	}

	// Dependencies are the collaborators every Dispatcher needs.
	Dependencies struct {
		Clock      clock.Clock
		Blocks     blocklist.Registry
		Identity   IdentityResolver
		Limiter    rl.RateLimiter
		Policies   PolicyResolver
		Router     *Router
		Downstream Downstream
		Breakers   *breaker.Registry
	}

	Dispatcher struct {
		Dependencies

		cache    *respcache.Cache
		abuse    *AbuseDetector
		metrics  *telemetry.GatewayMetrics
		trustXFF bool

		denyLog    rate.Sometimes
		breakerLog rate.Sometimes
	}

	Option func(*Dispatcher)
)

var _ http.Handler = (*Dispatcher)(nil)

// WithCache enables response caching for GET and HEAD.
func WithCache(c *respcache.Cache) Option {
	return func(d *Dispatcher) {
		d.cache = c
	}
}

func WithAbuseDetector(a *AbuseDetector) Option {
	return func(d *Dispatcher) {
		d.abuse = a
	}
}

func WithMetrics(m *telemetry.GatewayMetrics) Option {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

func WithTrustForwardedFor(trust bool) Option {
	return func(d *Dispatcher) {
		d.trustXFF = trust
	}
}

// WithLogSampling logs at most one rate limit denial and one open-circuit
// rejection per interval. Zero logs every event.
func WithLogSampling(interval time.Duration) Option {
	return func(d *Dispatcher) {
		if interval <= 0 {
			d.denyLog = rate.Sometimes{Every: 1}
			d.breakerLog = rate.Sometimes{Every: 1}
			return
		}
		d.denyLog = rate.Sometimes{Interval: interval}
		d.breakerLog = rate.Sometimes{Interval: interval}
	}
}

func NewDispatcher(deps Dependencies, opts ...Option) (*Dispatcher, error) {
	switch {
	case deps.Clock == nil:
		return nil, errors.New("gateway: clock is required")
	case deps.Blocks == nil:
		return nil, errors.New("gateway: block registry is required")
	case deps.Identity == nil:
		return nil, errors.New("gateway: identity resolver is required")
	case deps.Limiter == nil || deps.Policies == nil:
		return nil, errors.New("gateway: rate limiter and policies are required")
	case deps.Router == nil || deps.Downstream == nil:
		return nil, errors.New("gateway: router and downstream are required")
	case deps.Breakers == nil:
		return nil, errors.New("gateway: breaker registry is required")
	}

	d := &Dispatcher{
		Dependencies: deps,
		denyLog:      rate.Sometimes{Interval: time.Second},
		breakerLog:   rate.Sometimes{Interval: time.Second},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d, nil
}

// RouteName labels r with its target name for request metrics.
func (d *Dispatcher) RouteName(r *http.Request) string {
	if t, ok := d.Router.Match(r.URL.Path); ok {
		return t.Name
	}
	return "unmatched"
}

func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	clientIP := ClientIP(r, d.trustXFF)

	// 1. block list
	blocked, err := d.Blocks.IsBlocked(ctx, clientIP)
	if err != nil {
		d.internalError(w, r, start, "block list lookup failed", err)
		return
	}
	if blocked {
		d.metrics.Blocked(ctx, "blocklist")
		d.writeProblem(w, r, start, problem.Forbidden("client address is blocked"))
		return
	}

	// 2. identity
	key := d.Identity.Resolve(r, clientIP)

	// 3. rate limit
	policy := d.Policies.Resolve(key)
	result, err := d.Limiter.Check(ctx, key, policy)
	if err != nil {
		d.internalError(w, r, start, "rate limit check failed", err)
		return
	}
	d.metrics.RateLimitDecision(ctx, string(result.Algorithm), result.Allowed)
	mwrl.WriteHeaders(w.Header(), result)

	if !result.Allowed {
		d.onDenied(ctx, key, clientIP, result)
		d.writeProblem(w, r, start, mwrl.TooManyRequests(result))
		return
	}

	// 4. cache lookup
	var cacheKey string
	cacheable := d.cache != nil && respcache.Cacheable(r.Method)
	if cacheable {
		cacheKey = respcache.Key(r.Method, r.URL.Path, r.URL.Query())
		entry, ok := d.cache.Get(cacheKey)
		d.metrics.CacheLookup(ctx, ok)
		if ok {
			w.Header().Set(HeaderCache, cacheHit)
			w.Header().Set("Age", strconv.FormatInt(int64(d.Clock.Now().Sub(entry.StoredAt)/time.Second), 10))
			d.writeResponse(w, start, entry.Status, entry.Header, entry.Body)
			return
		}
		w.Header().Set(HeaderCache, cacheMiss)
	}

	// 5. downstream under the breaker
	target, ok := d.Router.Match(r.URL.Path)
	if !ok {
		d.writeProblem(w, r, start, problem.NotFound(fmt.Sprintf("no downstream target for %s", r.URL.Path)))
		return
	}

	resp, err := d.call(ctx, target, r, clientIP)
	var upstreamErr *UpstreamStatusError
	var openErr *breaker.OpenError
	switch {
	case err == nil:
	case errors.As(err, &upstreamErr) && resp != nil:
		// relayed as is
	case errors.As(err, &openErr):
		d.breakerLog.Do(func() {
			slog.WarnContext(ctx, "circuit open, rejecting request",
				slog.String("target", target.Name),
				slog.Duration("retry_after", openErr.RetryAfter),
			)
		})
		d.writeProblem(w, r, start, problem.ServiceUnavailable(
			fmt.Sprintf("downstream %q is unavailable", target.Name),
			problem.WithExtension("target", target.Name),
			problem.WithExtension("retry_after", mwrl.RetryAfterSeconds(openErr.RetryAfter)),
		))
		return
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		slog.DebugContext(ctx, "client went away",
			slog.String("target", target.Name),
			slog.String("request_id", middleware.RequestIDFrom(ctx)),
		)
		return
	default:
		d.internalError(w, r, start, "downstream call failed", err,
			slog.String("target", target.Name),
		)
		return
	}

	// 6. cache store and response
	if cacheable && d.cache.Storable(resp.Status, resp.Header, len(resp.Body)) {
		d.cache.Put(cacheKey, respcache.Entry{Status: resp.Status, Header: resp.Header, Body: resp.Body})
	}
	d.writeResponse(w, start, resp.Status, resp.Header, resp.Body)
}

func (d *Dispatcher) call(ctx context.Context, target Target, r *http.Request, clientIP string) (*Response, error) {
	var resp *Response
	callStart := time.Now()

	err := d.Breakers.Get(target.Breaker).Execute(ctx, func(ctx context.Context) error {
		var err error
		resp, err = d.Downstream.Do(ctx, target, r, clientIP)
		if err != nil {
			return err
		}
		if resp.Status >= http.StatusInternalServerError {
			return &UpstreamStatusError{Target: target.Name, Status: resp.Status}
		}
		return nil
	})

	outcome := "ok"
	switch {
	case errors.Is(err, breaker.ErrOpen):
		outcome = "rejected"
	case resp != nil && resp.Status >= http.StatusInternalServerError:
		outcome = "server_error"
	case err != nil:
		outcome = "error"
	}
	d.metrics.DownstreamCall(ctx, target.Name, outcome, float64(time.Since(callStart).Microseconds())/1000)
	return resp, err
}

func (d *Dispatcher) onDenied(ctx context.Context, key rl.Key, clientIP string, result rl.Result) {
	d.denyLog.Do(func() {
		slog.WarnContext(ctx, "rate limit exceeded",
			slog.String("key", string(key)),
			slog.String("algorithm", string(result.Algorithm)),
			slog.Int64("limit", result.Limit),
			slog.Duration("retry_after", result.RetryAfter),
		)
	})

	blocked, err := d.abuse.RecordDenial(ctx, clientIP)
	if err != nil {
		slog.ErrorContext(ctx, "abuse detection failed",
			slog.String("client_ip", clientIP),
			slog.Any("error", err),
		)
		return
	}
	if blocked {
		d.metrics.Blocked(ctx, "abuse")
	}
}

// writeResponse relays a downstream or cached response. Headers the gateway
// already set win over downstream ones.
func (d *Dispatcher) writeResponse(w http.ResponseWriter, start time.Time, status int, header http.Header, body []byte) {
	out := w.Header()
	for k, vs := range header {
		if _, own := out[k]; own {
			continue
		}
		out[k] = slices.Clone(vs)
	}
	out.Set("Content-Length", strconv.Itoa(len(body)))
	setResponseTime(out, start)
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func (d *Dispatcher) writeProblem(w http.ResponseWriter, r *http.Request, start time.Time, p *problem.Problem) {
	if id := middleware.RequestIDFrom(r.Context()); id != "" {
		problem.WithTraceID(id)(p)
	}
	setResponseTime(w.Header(), start)
	problem.Write(w, p)
}

// internalError logs err with full context and answers with an opaque 500.
func (d *Dispatcher) internalError(w http.ResponseWriter, r *http.Request, start time.Time, msg string, err error, attrs ...slog.Attr) {
	attrs = append(attrs,
		slog.Any("error", err),
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("request_id", middleware.RequestIDFrom(r.Context())),
	)
	slog.LogAttrs(r.Context(), slog.LevelError, msg, attrs...)
	d.writeProblem(w, r, start, problem.Internal("internal error"))
}

// setResponseTime records the pipeline duration in milliseconds, e.g. "12.345ms".
func setResponseTime(h http.Header, start time.Time) {
	ms := float64(time.Since(start).Microseconds()) / 1000
	h.Set(HeaderResponseTime, strconv.FormatFloat(ms, 'f', 3, 64)+"ms")
}
