package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"gateway/modules/blocklist"
	"gateway/modules/breaker"
	"gateway/modules/clock"
	"gateway/modules/hmac"
	mwrl "gateway/modules/middleware/ratelimit"
	rl "gateway/modules/ratelimit"
	"gateway/modules/respcache"
)

var testStart = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

var generous = rl.Policy{RequestsPerSecond: 100, BurstSize: 100, Algorithm: rl.TokenBucket}

type fakeDownstream struct {
	mu    sync.Mutex
	calls map[string]int
	fn    func(t Target, r *http.Request) (*Response, error)
}

func (f *fakeDownstream) call(_ context.Context, t Target, r *http.Request, _ string) (*Response, error) {
	f.mu.Lock()
	f.calls[t.Name]++
	fn := f.fn
	f.mu.Unlock()
	if fn == nil {
		return &Response{
			Status: http.StatusOK,
			Header: http.Header{"Content-Type": {"application/json"}},
			Body:   []byte(`{"target":"` + t.Name + `"}`),
		}, nil
	}
	return fn(t, r)
}

func (f *fakeDownstream) setFn(fn func(t Target, r *http.Request) (*Response, error)) {
	f.mu.Lock()
	f.fn = fn
	f.mu.Unlock()
}

func (f *fakeDownstream) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

type harness struct {
	clk      *clock.Manual
	store    *rl.MemoryStore
	blocks   *blocklist.MemoryRegistry
	breakers *breaker.Registry
	signer   *hmac.HMACSigner
	down     *fakeDownstream
	d        *Dispatcher
}

type harnessConfig struct {
	policy  rl.Policy
	breaker breaker.Config
	abuse   AbuseConfig
	limiter rl.RateLimiter
}

func newHarness(t *testing.T, hc harnessConfig) *harness {
	t.Helper()
	clk := clock.NewManual(testStart)
	store := rl.NewMemoryStore(clk)
	blocks := blocklist.NewMemoryRegistry(clk)

	policies, err := rl.NewPolicyTable(hc.policy)
	if err != nil {
		t.Fatal(err)
	}
	router, err := NewRouter([]TargetConfig{
		{Name: "users", Prefix: "/users", URL: "http://users.internal"},
		{Name: "orders", Prefix: "/orders", URL: "http://orders.internal"},
	}, time.Second)
	if err != nil {
		t.Fatal(err)
	}

	signer, err := hmac.NewHMACSigner([]byte("test-secret"))
	if err != nil {
		t.Fatal(err)
	}

	limiter := hc.limiter
	if limiter == nil {
		limiter = rl.NewLimiter(clk, store)
	}

	h := &harness{
		clk:      clk,
		store:    store,
		blocks:   blocks,
		breakers: breaker.NewRegistry(hc.breaker, clk),
		signer:   signer,
		down:     &fakeDownstream{calls: map[string]int{}},
	}
	h.d, err = NewDispatcher(Dependencies{
		Clock:      clk,
		Blocks:     blocks,
		Identity:   NewTokenIdentity(signer, clk),
		Limiter:    limiter,
		Policies:   policies,
		Router:     router,
		Downstream: DownstreamFunc(h.down.call),
		Breakers:   h.breakers,
	},
		WithCache(respcache.New(respcache.Config{}, clk)),
		WithAbuseDetector(NewAbuseDetector(hc.abuse, clk, store, blocks, "test")),
		WithLogSampling(0),
	)
	if err != nil {
		t.Fatal(err)
	}
	return h
}

func (h *harness) apiKey(t *testing.T, id string) string {
	t.Helper()
	key, err := h.signer.SignClaims(hmac.Claims{Subject: id, Kind: hmac.KindAPIKey})
	if err != nil {
		t.Fatal(err)
	}
	return key
}

func (h *harness) serve(method, target, remote string, header ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	req.RemoteAddr = remote
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	h.d.ServeHTTP(rec, req)
	return rec
}

func decodeProblem(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	if ct := rec.Header().Get("Content-Type"); ct != "application/problem+json" {
		t.Fatalf("content type = %q", ct)
	}
	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	return body
}

func TestDispatcher_FixedWindowEndToEnd(t *testing.T) {
	h := newHarness(t, harnessConfig{
		policy: rl.Policy{RequestsPerMinute: 3, Algorithm: rl.FixedWindow},
	})

	for i, want := range []string{"2", "1", "0"} {
		rec := h.serve(http.MethodGet, "/users/1", "10.0.0.1:5555")
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: status %d", i+1, rec.Code)
		}
		if got := rec.Header().Get(mwrl.HeaderRemaining); got != want {
			t.Fatalf("request %d: remaining %q, want %q", i+1, got, want)
		}
		if rec.Header().Get(mwrl.HeaderLimit) != "3" {
			t.Fatalf("request %d: limit %q", i+1, rec.Header().Get(mwrl.HeaderLimit))
		}
		if rec.Header().Get(mwrl.HeaderReset) == "" {
			t.Fatalf("request %d: missing reset header", i+1)
		}
		if rec.Header().Get(mwrl.HeaderRetryAfter) != "" {
			t.Fatalf("request %d: Retry-After on allow", i+1)
		}
		if !strings.HasSuffix(rec.Header().Get(HeaderResponseTime), "ms") {
			t.Fatalf("request %d: response time %q", i+1, rec.Header().Get(HeaderResponseTime))
		}
	}

	rec := h.serve(http.MethodGet, "/users/1", "10.0.0.1:5555")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("request 4: status %d, want 429", rec.Code)
	}
	if ra, err := strconv.Atoi(rec.Header().Get(mwrl.HeaderRetryAfter)); err != nil || ra <= 0 {
		t.Fatalf("request 4: Retry-After %q", rec.Header().Get(mwrl.HeaderRetryAfter))
	}
	body := decodeProblem(t, rec)
	if body["limit"] != float64(3) || body["remaining"] != float64(0) {
		t.Fatalf("problem = %v", body)
	}

	h.clk.Advance(time.Minute)
	if rec := h.serve(http.MethodGet, "/users/1", "10.0.0.1:5555"); rec.Code != http.StatusOK {
		t.Fatalf("request 5: status %d after window rollover", rec.Code)
	}
}

func TestDispatcher_CacheHitAndExpiry(t *testing.T) {
	h := newHarness(t, harnessConfig{policy: generous})

	rec := h.serve(http.MethodGet, "/users?b=2&a=1", "10.0.0.1:1")
	if rec.Header().Get(HeaderCache) != "MISS" || h.down.count("users") != 1 {
		t.Fatalf("first: X-Cache %q, calls %d", rec.Header().Get(HeaderCache), h.down.count("users"))
	}

	h.clk.Advance(59 * time.Second)
	rec = h.serve(http.MethodGet, "/users?a=1&b=2", "10.0.0.1:1")
	if rec.Header().Get(HeaderCache) != "HIT" || h.down.count("users") != 1 {
		t.Fatalf("second: X-Cache %q, calls %d", rec.Header().Get(HeaderCache), h.down.count("users"))
	}
	if rec.Body.String() != `{"target":"users"}` || rec.Header().Get("Content-Type") != "application/json" {
		t.Fatalf("cached response = %q %q", rec.Header().Get("Content-Type"), rec.Body.String())
	}
	if rec.Header().Get("Age") != "59" {
		t.Fatalf("Age = %q", rec.Header().Get("Age"))
	}
	if rec.Header().Get(mwrl.HeaderLimit) == "" {
		t.Fatal("cache hits still carry quota headers")
	}

	h.clk.Advance(time.Second)
	rec = h.serve(http.MethodGet, "/users?a=1&b=2", "10.0.0.1:1")
	if rec.Header().Get(HeaderCache) != "MISS" || h.down.count("users") != 2 {
		t.Fatalf("after ttl: X-Cache %q, calls %d", rec.Header().Get(HeaderCache), h.down.count("users"))
	}

	rec = h.serve(http.MethodPost, "/users", "10.0.0.1:1")
	if rec.Header().Get(HeaderCache) != "" {
		t.Fatal("non-idempotent requests carry no cache header")
	}
	if h.down.count("users") != 3 {
		t.Fatalf("calls %d, want 3", h.down.count("users"))
	}
}

func TestDispatcher_NoStoreIsNotCached(t *testing.T) {
	h := newHarness(t, harnessConfig{policy: generous})
	h.down.setFn(func(Target, *http.Request) (*Response, error) {
		return &Response{Status: 200, Header: http.Header{"Cache-Control": {"no-store"}}}, nil
	})

	h.serve(http.MethodGet, "/users", "10.0.0.1:1")
	rec := h.serve(http.MethodGet, "/users", "10.0.0.1:1")
	if rec.Header().Get(HeaderCache) != "MISS" || h.down.count("users") != 2 {
		t.Fatalf("X-Cache %q, calls %d", rec.Header().Get(HeaderCache), h.down.count("users"))
	}
}

func refused(Target, *http.Request) (*Response, error) {
	return nil, &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}
}

func TestDispatcher_BreakerOpensAndRecovers(t *testing.T) {
	h := newHarness(t, harnessConfig{
		policy:  generous,
		breaker: breaker.Config{FailureThreshold: 2, RecoveryTimeout: 30 * time.Second},
	})
	h.down.setFn(refused)

	for i := range 2 {
		rec := h.serve(http.MethodPost, "/users", "10.0.0.1:1")
		if rec.Code != http.StatusInternalServerError {
			t.Fatalf("failure %d: status %d", i+1, rec.Code)
		}
		if strings.Contains(rec.Body.String(), "refused") {
			t.Fatal("downstream error details leaked to the client")
		}
	}

	rec := h.serve(http.MethodPost, "/users", "10.0.0.1:1")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status %d, want 503 with open circuit", rec.Code)
	}
	if h.down.count("users") != 2 {
		t.Fatalf("downstream called %d times, want 2", h.down.count("users"))
	}
	if body := decodeProblem(t, rec); body["target"] != "users" || body["retry_after"] != float64(30) {
		t.Fatalf("problem = %v", body)
	}
	if rec.Header().Get(mwrl.HeaderRetryAfter) != "" {
		t.Fatal("Retry-After is reserved for rate limit denials")
	}

	// other targets have their own breaker
	if rec := h.serve(http.MethodPost, "/orders", "10.0.0.1:1"); rec.Code != http.StatusOK {
		t.Fatalf("orders: status %d", rec.Code)
	}

	h.clk.Advance(30 * time.Second)
	h.down.setFn(nil)
	if rec := h.serve(http.MethodPost, "/users", "10.0.0.1:1"); rec.Code != http.StatusOK {
		t.Fatalf("trial call: status %d", rec.Code)
	}
	if st := h.breakers.Get("users").Stats(); st.State != breaker.Closed || st.FailureCount != 0 {
		t.Fatalf("breaker after trial = %+v", st)
	}
}

func TestDispatcher_ServerErrorsRelayed(t *testing.T) {
	badGateway := func(Target, *http.Request) (*Response, error) {
		return &Response{Status: http.StatusBadGateway, Body: []byte("upstream sad")}, nil
	}

	t.Run("not counted by default", func(t *testing.T) {
		h := newHarness(t, harnessConfig{policy: generous, breaker: breaker.Config{FailureThreshold: 1}})
		h.down.setFn(badGateway)
		for range 3 {
			rec := h.serve(http.MethodGet, "/users", "10.0.0.1:1")
			if rec.Code != http.StatusBadGateway || rec.Body.String() != "upstream sad" {
				t.Fatalf("status %d body %q", rec.Code, rec.Body.String())
			}
		}
	})

	t.Run("counted with Count5xx", func(t *testing.T) {
		h := newHarness(t, harnessConfig{policy: generous, breaker: breaker.Config{FailureThreshold: 1, Count5xx: true}})
		h.down.setFn(badGateway)
		if rec := h.serve(http.MethodGet, "/users", "10.0.0.1:1"); rec.Code != http.StatusBadGateway {
			t.Fatalf("status %d, want relayed 502", rec.Code)
		}
		if rec := h.serve(http.MethodGet, "/users", "10.0.0.1:1"); rec.Code != http.StatusServiceUnavailable {
			t.Fatalf("status %d, want 503", rec.Code)
		}
	})
}

func TestDispatcher_UnclassifiedFailureIsOpaque500(t *testing.T) {
	h := newHarness(t, harnessConfig{policy: generous, breaker: breaker.Config{FailureThreshold: 1}})
	h.down.setFn(func(Target, *http.Request) (*Response, error) {
		return nil, errors.New("decode: secret detail")
	})

	for range 2 {
		rec := h.serve(http.MethodPost, "/users", "10.0.0.1:1")
		if rec.Code != http.StatusInternalServerError {
			t.Fatalf("status %d", rec.Code)
		}
		if strings.Contains(rec.Body.String(), "secret") {
			t.Fatal("error detail leaked")
		}
	}
	if st := h.breakers.Get("users").Stats(); st.FailureCount != 0 {
		t.Fatalf("unclassified errors must not count, got %d", st.FailureCount)
	}
}

func TestDispatcher_BlockedClient(t *testing.T) {
	h := newHarness(t, harnessConfig{policy: generous})
	if _, err := h.blocks.Block(context.Background(), "10.0.0.1", time.Minute); err != nil {
		t.Fatal(err)
	}

	rec := h.serve(http.MethodGet, "/users", "10.0.0.1:1")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status %d, want 403", rec.Code)
	}
	if rec.Header().Get(mwrl.HeaderLimit) != "" {
		t.Fatal("blocked requests never reach the rate limiter")
	}
	if h.down.count("users") != 0 {
		t.Fatal("blocked request reached downstream")
	}
	if rec := h.serve(http.MethodGet, "/users", "10.0.0.2:1"); rec.Code != http.StatusOK {
		t.Fatalf("other client: status %d", rec.Code)
	}

	h.clk.Advance(time.Minute)
	if rec := h.serve(http.MethodPost, "/users", "10.0.0.1:1"); rec.Code != http.StatusOK {
		t.Fatalf("after expiry: status %d", rec.Code)
	}
}

func TestDispatcher_AbuseAutoBlock(t *testing.T) {
	h := newHarness(t, harnessConfig{
		policy: rl.Policy{RequestsPerMinute: 1, Algorithm: rl.FixedWindow},
		abuse:  AbuseConfig{Threshold: 2, Window: time.Minute, BlockDuration: time.Hour},
	})

	want := []int{http.StatusOK, http.StatusTooManyRequests, http.StatusTooManyRequests, http.StatusForbidden}
	for i, code := range want {
		if rec := h.serve(http.MethodPost, "/users", "10.0.0.1:1"); rec.Code != code {
			t.Fatalf("request %d: status %d, want %d", i+1, rec.Code, code)
		}
	}
	if ok, _ := h.blocks.IsBlocked(context.Background(), "10.0.0.1"); !ok {
		t.Fatal("address should be blocked")
	}
}

func TestDispatcher_QuotaPerIdentity(t *testing.T) {
	h := newHarness(t, harnessConfig{
		policy: rl.Policy{RequestsPerMinute: 1, Algorithm: rl.FixedWindow},
	})
	keys := map[string]string{"a": h.apiKey(t, "a"), "b": h.apiKey(t, "b")}

	steps := []struct {
		apiKey string
		want   int
	}{
		{"a", http.StatusOK},
		{"b", http.StatusOK},
		{"", http.StatusOK},
		{"a", http.StatusTooManyRequests},
		{"", http.StatusTooManyRequests},
	}
	for i, s := range steps {
		var hdr []string
		if s.apiKey != "" {
			hdr = []string{APIKeyHeader, keys[s.apiKey]}
		}
		if rec := h.serve(http.MethodPost, "/users", "10.0.0.1:1", hdr...); rec.Code != s.want {
			t.Fatalf("step %d (key %q): status %d, want %d", i+1, s.apiKey, rec.Code, s.want)
		}
	}
}

func TestDispatcher_UnverifiedAPIKeysShareTheAddressQuota(t *testing.T) {
	h := newHarness(t, harnessConfig{
		policy: rl.Policy{RequestsPerMinute: 3, Algorithm: rl.FixedWindow},
	})

	allowed := 0
	for i := range 50 {
		rec := h.serve(http.MethodPost, "/users", "10.0.0.1:1", APIKeyHeader, "made-up-"+strconv.Itoa(i))
		if rec.Code == http.StatusOK {
			allowed++
		}
	}
	if allowed != 3 {
		t.Fatalf("allowed %d, want 3: invented keys must not mint new quotas", allowed)
	}
}

func TestDispatcher_NoRoute(t *testing.T) {
	h := newHarness(t, harnessConfig{policy: generous})
	rec := h.serve(http.MethodPost, "/billing", "10.0.0.1:1")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status %d, want 404", rec.Code)
	}
	if rec.Header().Get(mwrl.HeaderLimit) == "" {
		t.Fatal("quota headers are present once a decision was made")
	}
}

type failingLimiter struct{}

func (failingLimiter) Check(context.Context, rl.Key, rl.Policy) (rl.Result, error) {
	return rl.Result{}, rl.ErrContention
}

func TestDispatcher_LimiterErrorIs500(t *testing.T) {
	h := newHarness(t, harnessConfig{policy: generous, limiter: failingLimiter{}})
	rec := h.serve(http.MethodGet, "/users", "10.0.0.1:1")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status %d, want 500", rec.Code)
	}
	if h.down.count("users") != 0 {
		t.Fatal("downstream called without a rate limit decision")
	}
}

func TestNewDispatcher_RequiresDependencies(t *testing.T) {
	if _, err := NewDispatcher(Dependencies{}); err == nil {
		t.Fatal("expected error")
	}
}
