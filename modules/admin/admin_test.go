package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"gateway/modules/blocklist"
	"gateway/modules/breaker"
	"gateway/modules/clock"
	"gateway/modules/middleware"
	mwrl "gateway/modules/middleware/ratelimit"
	"gateway/modules/oapi"
	rl "gateway/modules/ratelimit"
	"gateway/modules/server"
)

const testToken = "s3cret"

var testStart = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	handler  http.Handler
	clock    *clock.Manual
	policies *rl.PolicyTable
	blocks   *blocklist.MemoryRegistry
	breakers *breaker.Registry
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	clk := clock.NewManual(testStart)

	policies, err := rl.NewPolicyTable(rl.Policy{RequestsPerSecond: 10, BurstSize: 20, Algorithm: rl.TokenBucket})
	if err != nil {
		t.Fatal(err)
	}
	h := &harness{
		clock:    clk,
		policies: policies,
		blocks:   blocklist.NewMemoryRegistry(clk),
		breakers: breaker.NewRegistry(breaker.Config{FailureThreshold: 1, RecoveryTimeout: time.Minute}, clk),
	}

	spec, err := middleware.LoadSpec(context.Background(), oapi.AdminSpec)
	if err != nil {
		t.Fatalf("load admin spec: %v", err)
	}

	svc, err := NewService(Dependencies{
		Policies: h.policies,
		Blocks:   h.blocks,
		Breakers: h.breakers,
	}, testToken, append([]Option{WithValidation(spec)}, opts...)...)
	if err != nil {
		t.Fatal(err)
	}

	srv, err := server.New("127.0.0.1", 9090,
		server.WithServices(svc),
		server.WithGlobalMiddlewares(middleware.RequestID()),
	)
	if err != nil {
		t.Fatal(err)
	}
	h.handler = srv.Handler()
	return h
}

func (h *harness) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	req.Header.Set(TokenHeader, testToken)
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestNewService_RequiresDependencies(t *testing.T) {
	clk := clock.NewManual(testStart)
	policies, _ := rl.NewPolicyTable(rl.Policy{RequestsPerSecond: 1, BurstSize: 1})
	full := Dependencies{
		Policies: policies,
		Blocks:   blocklist.NewMemoryRegistry(clk),
		Breakers: breaker.NewRegistry(breaker.Config{FailureThreshold: 1}, clk),
	}
	if _, err := NewService(full, ""); err == nil {
		t.Fatal("expected error for empty token")
	}
	missing := full
	missing.Blocks = nil
	if _, err := NewService(missing, testToken); err == nil {
		t.Fatal("expected error for missing block registry")
	}
	if _, err := NewService(full, testToken); err != nil {
		t.Fatal(err)
	}
}

func TestAuth(t *testing.T) {
	h := newHarness(t)

	req := httptest.NewRequest(http.MethodGet, "/admin/policies", nil)
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token: status %d, want 401", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/admin/policies", nil)
	req.Header.Set(TokenHeader, "wrong")
	rec = httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token: status %d, want 401", rec.Code)
	}

	// health is open
	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec = httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz: status %d, want 200", rec.Code)
	}
}

func TestPolicies_SetListDelete(t *testing.T) {
	h := newHarness(t)

	rec := h.do(http.MethodPut, "/admin/policies/user:42",
		`{"requests_per_minute": 5, "algorithm": "fixed_window"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("set: status %d body %s", rec.Code, rec.Body)
	}
	if got := h.policies.Resolve(rl.UserKey("42")); got.RequestsPerMinute != 5 || got.Algorithm != rl.FixedWindow {
		t.Fatalf("resolved %+v", got)
	}

	rec = h.do(http.MethodGet, "/admin/policies", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list: status %d", rec.Code)
	}
	table := decodeBody[policyTable](t, rec)
	if table.Default.BurstSize != 20 {
		t.Fatalf("default %+v", table.Default)
	}
	if _, ok := table.Custom[rl.UserKey("42")]; !ok || len(table.Custom) != 1 {
		t.Fatalf("custom %+v", table.Custom)
	}

	rec = h.do(http.MethodDelete, "/admin/policies/user:42", "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete: status %d", rec.Code)
	}
	if got := h.policies.Resolve(rl.UserKey("42")); got != h.policies.Default() {
		t.Fatalf("deleted key should fall back to default, got %+v", got)
	}

	rec = h.do(http.MethodDelete, "/admin/policies/user:42", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("second delete: status %d, want 404", rec.Code)
	}
}

func TestPolicies_Rejected(t *testing.T) {
	h := newHarness(t)

	tests := []struct {
		name, path, body string
		want             int
	}{
		{"key without scope", "/admin/policies/42", `{"requests_per_minute": 5, "algorithm": "fixed_window"}`, http.StatusUnprocessableEntity},
		{"unknown field", "/admin/policies/ip:10.0.0.1", `{"rpm": 5}`, http.StatusUnprocessableEntity},
		{"unknown algorithm", "/admin/policies/ip:10.0.0.1", `{"requests_per_minute": 5, "algorithm": "leaky"}`, http.StatusUnprocessableEntity},
		{"window without ceiling", "/admin/policies/ip:10.0.0.1", `{"algorithm": "sliding_window"}`, http.StatusUnprocessableEntity},
		{"bucket without burst", "/admin/policies/default", `{"requests_per_second": 5}`, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := h.do(http.MethodPut, tt.path, tt.body)
			if rec.Code != tt.want {
				t.Fatalf("status %d, want %d; body %s", rec.Code, tt.want, rec.Body)
			}
			if ct := rec.Header().Get("Content-Type"); ct != "application/problem+json" {
				t.Fatalf("content type %q", ct)
			}
		})
	}
	if len(h.policies.Snapshot()) != 0 {
		t.Fatal("rejected policies must not be stored")
	}
}

func TestSetDefaultPolicy(t *testing.T) {
	h := newHarness(t)

	rec := h.do(http.MethodPut, "/admin/policies/default",
		`{"requests_per_minute": 100, "algorithm": "sliding_window"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d body %s", rec.Code, rec.Body)
	}
	if got := h.policies.Resolve(rl.IPKey("10.9.9.9")); got.Algorithm != rl.SlidingWindow || got.RequestsPerMinute != 100 {
		t.Fatalf("default now %+v", got)
	}
}

func TestBlocks(t *testing.T) {
	h := newHarness(t)

	rec := h.do(http.MethodPost, "/admin/blocks", `{"address": "::ffff:10.0.0.7", "duration_seconds": 60}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("block: status %d body %s", rec.Code, rec.Body)
	}
	b := decodeBody[blocklist.BlockedIP](t, rec)
	if b.Address != "10.0.0.7" || !b.BlockedUntil.Equal(testStart.Add(time.Minute)) {
		t.Fatalf("blocked %+v", b)
	}

	rec = h.do(http.MethodGet, "/admin/blocks", "")
	if list := decodeBody[[]blocklist.BlockedIP](t, rec); len(list) != 1 {
		t.Fatalf("list %+v", list)
	}

	h.clock.Advance(2 * time.Minute)
	rec = h.do(http.MethodGet, "/admin/blocks", "")
	if list := decodeBody[[]blocklist.BlockedIP](t, rec); len(list) != 0 {
		t.Fatalf("expired entries listed: %+v", list)
	}

	h.do(http.MethodPost, "/admin/blocks", `{"address": "10.0.0.8", "duration_seconds": 60}`)
	if rec = h.do(http.MethodDelete, "/admin/blocks/10.0.0.8", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("unblock: status %d", rec.Code)
	}
	if rec = h.do(http.MethodDelete, "/admin/blocks/10.0.0.8", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("second unblock: status %d, want 404", rec.Code)
	}
}

func TestBlocks_Rejected(t *testing.T) {
	h := newHarness(t)

	tests := []struct {
		name, body string
		want       int
	}{
		{"not an address", `{"address": "nope", "duration_seconds": 60}`, http.StatusUnprocessableEntity},
		{"zero duration", `{"address": "10.0.0.1", "duration_seconds": 0}`, http.StatusUnprocessableEntity},
		{"missing duration", `{"address": "10.0.0.1"}`, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := h.do(http.MethodPost, "/admin/blocks", tt.body); rec.Code != tt.want {
				t.Fatalf("status %d, want %d; body %s", rec.Code, tt.want, rec.Body)
			}
		})
	}

	if rec := h.do(http.MethodDelete, "/admin/blocks/not-an-ip", ""); rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("unblock garbage: status %d, want 422", rec.Code)
	}
}

func TestBreakers(t *testing.T) {
	h := newHarness(t)

	if rec := h.do(http.MethodPost, "/admin/breakers/users/reset", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown breaker: status %d, want 404", rec.Code)
	}

	b := h.breakers.Get("users")
	_ = b.Execute(context.Background(), func(context.Context) error { return context.DeadlineExceeded })
	if b.State() != breaker.Open {
		t.Fatalf("state %s, want open", b.State())
	}

	rec := h.do(http.MethodGet, "/admin/breakers", "")
	var stats []struct {
		Name         string `json:"name"`
		State        string `json:"state"`
		FailureCount int    `json:"failure_count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatal(err)
	}
	if len(stats) != 1 || stats[0].Name != "users" || stats[0].State != "open" || stats[0].FailureCount != 1 {
		t.Fatalf("stats %+v", stats)
	}

	rec = h.do(http.MethodPost, "/admin/breakers/users/reset", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("reset: status %d", rec.Code)
	}
	if b.State() != breaker.Closed {
		t.Fatalf("state %s after reset, want closed", b.State())
	}
}

func TestRouteRateLimit(t *testing.T) {
	clk := clock.NewManual(testStart)
	limiter := rl.NewLimiter(clk, rl.NewMemoryStore(clk))
	cfg := &mwrl.RestHTTPConfig{
		KeyStrategy:    mwrl.HeaderKeyStrategy,
		KeyHeader:      TokenHeader,
		AllowIfNoMatch: true,
		Routes: []mwrl.Route{{
			Pattern: "POST /admin/blocks",
			EndpointRules: []mwrl.EndpointRule{{
				Method: http.MethodPost,
				Policy: rl.Policy{RequestsPerMinute: 1, Algorithm: rl.FixedWindow},
			}},
		}},
	}
	rtp, err := mwrl.ParsePolicy(cfg, mwrl.PatternRouteInfo, mwrl.KeyStrategies(cfg))
	if err != nil {
		t.Fatal(err)
	}
	h := newHarness(t, WithRouteMiddlewares(mwrl.NewRateLimitMiddleware(limiter, rtp)))

	body := `{"address": "10.0.0.1", "duration_seconds": 60}`
	if rec := h.do(http.MethodPost, "/admin/blocks", body); rec.Code != http.StatusCreated {
		t.Fatalf("first: status %d", rec.Code)
	}
	rec := h.do(http.MethodPost, "/admin/blocks", body)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second: status %d, want 429", rec.Code)
	}
	if rec.Header().Get(mwrl.HeaderRetryAfter) == "" {
		t.Fatal("missing Retry-After")
	}

	// other routes are unaffected
	if rec := h.do(http.MethodGet, "/admin/blocks", ""); rec.Code != http.StatusOK {
		t.Fatalf("list: status %d", rec.Code)
	}
}

