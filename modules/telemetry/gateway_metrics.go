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

package telemetry

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// GatewayMetrics counts the traffic-shaping decisions of the gateway. A nil
// *GatewayMetrics records nothing.
type GatewayMetrics struct {
	rateLimit   metric.Int64Counter
	cache       metric.Int64Counter
	breaker     metric.Int64Counter
	blocked     metric.Int64Counter
	swept       metric.Int64Counter
	downstream  metric.Float64Histogram
}

func NewGatewayMetrics(serviceName string) (*GatewayMetrics, error) {
	return NewGatewayMetricsWithMeter(otel.Meter(serviceName))
}

func NewGatewayMetricsWithMeter(meter metric.Meter) (*GatewayMetrics, error) {
	var (
		m    GatewayMetrics
		errs []error
		err  error
	)

	m.rateLimit, err = meter.Int64Counter("gateway_ratelimit_decisions_total",
		metric.WithDescription("Rate limit decisions by algorithm and outcome"),
		metric.WithUnit("{decision}"))
	errs = append(errs, err)

	m.cache, err = meter.Int64Counter("gateway_cache_lookups_total",
		metric.WithDescription("Response cache lookups by result"),
		metric.WithUnit("{lookup}"))
	errs = append(errs, err)

	m.breaker, err = meter.Int64Counter("gateway_breaker_transitions_total",
		metric.WithDescription("Circuit breaker state transitions"),
		metric.WithUnit("{transition}"))
	errs = append(errs, err)

	m.blocked, err = meter.Int64Counter("gateway_blocked_total",
		metric.WithDescription("Requests rejected or addresses blocked, by reason"),
		metric.WithUnit("{request}"))
	errs = append(errs, err)

	m.swept, err = meter.Int64Counter("gateway_janitor_swept_total",
		metric.WithDescription("Expired entries removed by the janitor"),
		metric.WithUnit("{entry}"))
	errs = append(errs, err)

	m.downstream, err = meter.Float64Histogram("gateway_downstream_duration",
		metric.WithDescription("Downstream call duration by target and outcome"),
		metric.WithUnit("ms"))
	errs = append(errs, err)

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *GatewayMetrics) RateLimitDecision(ctx context.Context, algorithm string, allowed bool) {
	if m == nil {
		return
	}
	outcome := "allowed"
	if !allowed {
		outcome = "denied"
	}
	m.rateLimit.Add(ctx, 1, metric.WithAttributes(
		attribute.String("algorithm", algorithm),
		attribute.String("outcome", outcome),
	))
}

func (m *GatewayMetrics) CacheLookup(ctx context.Context, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cache.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

func (m *GatewayMetrics) BreakerTransition(ctx context.Context, name, from, to string) {
	if m == nil {
		return
	}
	m.breaker.Add(ctx, 1, metric.WithAttributes(
		attribute.String("breaker", name),
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

// Blocked counts a rejected request ("blocklist") or a new automatic block
// ("abuse").
func (m *GatewayMetrics) Blocked(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.blocked.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *GatewayMetrics) Swept(ctx context.Context, sweeper string, removed int) {
	if m == nil || removed <= 0 {
		return
	}
	m.swept.Add(ctx, int64(removed), metric.WithAttributes(attribute.String("sweeper", sweeper)))
}

func (m *GatewayMetrics) DownstreamCall(ctx context.Context, target, outcome string, durationMs float64) {
	if m == nil {
		return
	}
	m.downstream.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("target", target),
		attribute.String("outcome", outcome),
	))
}
