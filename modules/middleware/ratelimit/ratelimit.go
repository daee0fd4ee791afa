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
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"gateway/modules/middleware/problem"
	rl "gateway/modules/ratelimit"
)

type (
	Pattern string
	method  string

	// KeyFunc extracts from a HTTP request the identity a quota is charged to.
	KeyFunc func(*http.Request) rl.Key

	// RouteInfoFunc extracts from a HTTP request the route information needed for pattern matching
	RouteInfoFunc func(*http.Request) RouteInfo

	// RouteInfo represents the framework-agnostic route information used in this middleware
	RouteInfo struct {
		ID     Pattern
		Method string
		Path   string
	}

	// compiled policy to be injected and used at runtime
	RuntimePolicy struct {
		policyMap map[Pattern]map[method]rl.Policy

		// Default policies applied when no route/method-specific policy exists.
		// A method-specific default takes precedence over the catch-all default.
		defaultPolicyByMethod map[method]rl.Policy
		defaultPolicy         *rl.Policy

		// Allow to next middleware if rate limit policy is not configured for this route
		AllowIfNoMatch bool
		// Allow to next middleware if no identifier is extracted from the http.Request using KeyFn
		AllowIfNoIdentifier bool

		RouteInfoFn RouteInfoFunc
		KeyFn       KeyFunc
	}
)

type policySource string

const (
	policySourceExplicit      policySource = "explicit"
	policySourceDefaultMethod policySource = "default_method"
	policySourceDefaultAll    policySource = "default"
)

func normalizeMethod(m string) method {
	return method(strings.ToUpper(m))
}

func (p *RuntimePolicy) findPolicy(routeInfo RouteInfo) (rl.Policy, bool, policySource) {
	if pm, ok := p.policyMap[routeInfo.ID]; ok {
		if px, ok := pm[normalizeMethod(routeInfo.Method)]; ok {
			return px, true, policySourceExplicit
		}
	}

	if routeInfo.Method != "" && p.defaultPolicyByMethod != nil {
		if px, ok := p.defaultPolicyByMethod[normalizeMethod(routeInfo.Method)]; ok {
			return px, true, policySourceDefaultMethod
		}
	}

	if p.defaultPolicy != nil {
		return *p.defaultPolicy, true, policySourceDefaultAll
	}

	return rl.Policy{}, false, ""
}

// PatternRouteInfo reads the pattern the ServeMux matched.
func PatternRouteInfo(r *http.Request) RouteInfo {
	return RouteInfo{ID: Pattern(r.Pattern), Method: r.Method, Path: r.URL.Path}
}

// KeyStrategies returns the key functions selectable through KEY_STRATEGY.
func KeyStrategies(cfg *RestHTTPConfig) map[KeyStrategyID]KeyFunc {
	return map[KeyStrategyID]KeyFunc{
		RemoteIPKeyStrategy: RemoteIPKeyFunc(cfg.TrustForwardedFor),
		HeaderKeyStrategy:   HeaderKeyFunc(cfg.KeyHeader),
	}
}

// ParsePolicy compiles the config. Route patterns must match the patterns
// registered on the mux.
func ParsePolicy(
	cfg *RestHTTPConfig,
	routeFn RouteInfoFunc,
	keyStrategies map[KeyStrategyID]KeyFunc,
) (*RuntimePolicy, error) {
	keyFn, ok := keyStrategies[cfg.KeyStrategy]
	if !ok {
		return nil, fmt.Errorf("ratelimit parse policy: no such key strategy %q", cfg.KeyStrategy)
	}

	rtp := &RuntimePolicy{
		policyMap:           make(map[Pattern]map[method]rl.Policy),
		AllowIfNoIdentifier: cfg.AllowIfNoIdentifier,
		AllowIfNoMatch:      cfg.AllowIfNoMatch,
		RouteInfoFn:         routeFn,
		KeyFn:               keyFn,
	}

	// the default is optional; an all-zero policy means none is configured
	if cfg.DefaultPolicy.Policy != (rl.Policy{}) {
		p := cfg.DefaultPolicy.Policy
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("ratelimit parse policy: default: %w", err)
		}
		if cfg.DefaultPolicy.Method != "" {
			rtp.defaultPolicyByMethod = map[method]rl.Policy{
				normalizeMethod(cfg.DefaultPolicy.Method): p,
			}
		} else {
			rtp.defaultPolicy = &p
		}
	}

	for _, r := range cfg.Routes {
		pat := Pattern(r.Pattern)
		if _, ok := rtp.policyMap[pat]; !ok {
			rtp.policyMap[pat] = make(map[method]rl.Policy)
		}

		for _, rule := range r.EndpointRules {
			m := normalizeMethod(rule.Method)
			if _, ok := rtp.policyMap[pat][m]; ok {
				return nil, errors.New("ratelimit parse policy: duplicate method config on same pattern")
			}
			if err := rule.Policy.Validate(); err != nil {
				return nil, fmt.Errorf("ratelimit parse policy: %s %s: %w", m, pat, err)
			}
			rtp.policyMap[pat][m] = rule.Policy
		}
	}
	return rtp, nil
}

// NewRateLimitMiddleware charges every matched request to the limiter. Keys
// are scoped by route so each endpoint keeps its own quota.
func NewRateLimitMiddleware(limiter rl.RateLimiter, p *RuntimePolicy) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			routeInfo := p.RouteInfoFn(r)

			px, ok, src := p.findPolicy(routeInfo)
			if !ok {
				if p.AllowIfNoMatch {
					next.ServeHTTP(w, r)
					return
				}
				slog.Warn("no rate limit policy found",
					slog.String("middleware", "rate_limiter"),
					slog.String("url", r.URL.Path),
					slog.Any("route_info", routeInfo),
				)
				problem.Write(w, problem.TooManyRequests(http.StatusText(http.StatusTooManyRequests)))
				return
			}

			if src != policySourceExplicit {
				slog.Debug("using default rate limit policy",
					slog.String("middleware", "rate_limiter"),
					slog.String("url", r.URL.Path),
					slog.String("policy_source", string(src)),
					slog.Any("route_info", routeInfo),
				)
			}

			key := p.KeyFn(r)
			if key == "" {
				if p.AllowIfNoIdentifier {
					next.ServeHTTP(w, r)
					return
				}
				slog.Warn("bad key",
					slog.String("middleware", "rate_limiter"),
					slog.String("url", r.URL.Path),
					slog.Any("route_info", routeInfo),
				)
				problem.Write(w, problem.TooManyRequests(http.StatusText(http.StatusTooManyRequests)))
				return
			}

			result, err := limiter.Check(r.Context(), scopedKey(key, routeInfo), px)
			if err != nil {
				slog.Error("rate limit error",
					slog.Any("error", err),
					slog.String("url", r.URL.Path),
				)
				// Counter store may be down
				problem.Write(w, problem.Internal(http.StatusText(http.StatusInternalServerError)))
				return
			}

			// handlers may set their own headers before committing the response,
			// so the quota headers are re-applied at that point
			w = &rateLimitHeaderWriter{ResponseWriter: w, result: result}

			if !result.Allowed {
				slog.Debug("rate limited",
					slog.String("middleware", "rate_limiter"),
					slog.String("url", r.URL.Path),
				)
				problem.Write(w, TooManyRequests(result))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func scopedKey(key rl.Key, ri RouteInfo) rl.Key {
	return rl.Key(fmt.Sprintf("%s|%s %s", key, normalizeMethod(ri.Method), ri.ID))
}

type rateLimitHeaderWriter struct {
	http.ResponseWriter
	result  rl.Result
	ensured bool
}

func (w *rateLimitHeaderWriter) ensure() {
	if w.ensured {
		return
	}
	WriteHeaders(w.ResponseWriter.Header(), w.result)
	w.ensured = true
}

func (w *rateLimitHeaderWriter) WriteHeader(statusCode int) {
	w.ensure()
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *rateLimitHeaderWriter) Write(p []byte) (int, error) {
	w.ensure()
	return w.ResponseWriter.Write(p)
}

func (w *rateLimitHeaderWriter) Flush() {
	w.ensure()
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *rateLimitHeaderWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// RemoteIPKeyFunc keys on the client address. With trustForwardedFor the
// left-most X-Forwarded-For hop wins; only enable it behind a proxy that
// overwrites the header.
func RemoteIPKeyFunc(trustForwardedFor bool) KeyFunc {
	return func(r *http.Request) rl.Key {
		return rl.IPKey(ClientIP(r, trustForwardedFor))
	}
}

// HeaderKeyFunc keys on a request header, as an API key.
func HeaderKeyFunc(name string) KeyFunc {
	return func(r *http.Request) rl.Key {
		v := strings.TrimSpace(r.Header.Get(name))
		if v == "" {
			return ""
		}
		return rl.APIKeyKey(v)
	}
}

func ClientIP(r *http.Request, trustForwardedFor bool) string {
	if trustForwardedFor {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
