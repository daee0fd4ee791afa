package gateway

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"gateway/modules/breaker"
	"gateway/modules/middleware"
)

func TestRouter_LongestPrefix(t *testing.T) {
	rt, err := NewRouter([]TargetConfig{
		{Name: "root", Prefix: "/", URL: "http://root"},
		{Name: "users", Prefix: "/users/", URL: "http://users"},
		{Name: "admins", Prefix: "/users/admins", URL: "http://admins", Breaker: "users"},
	}, 5*time.Second)
	if err != nil {
		t.Fatal(err)
	}

	tests := map[string]string{
		"/":                "root",
		"/users":           "users",
		"/users/42":        "users",
		"/usersettings":    "root",
		"/users/admins":    "admins",
		"/users/admins/7":  "admins",
		"/users/adminsx/7": "users",
	}
	for path, want := range tests {
		got, ok := rt.Match(path)
		if !ok || got.Name != want {
			t.Errorf("Match(%q) = %q, want %q", path, got.Name, want)
		}
	}

	admins, _ := rt.Match("/users/admins")
	if admins.Breaker != "users" || admins.Timeout != 5*time.Second {
		t.Fatalf("defaults not applied: %+v", admins)
	}
}

func TestRouter_NoMatchAndInvalid(t *testing.T) {
	rt, _ := NewRouter([]TargetConfig{{Name: "users", Prefix: "/users", URL: "http://users"}}, 0)
	if _, ok := rt.Match("/orders"); ok {
		t.Fatal("unexpected match")
	}

	bad := [][]TargetConfig{
		{{Prefix: "/x", URL: "http://x"}},
		{{Name: "x", Prefix: "x", URL: "http://x"}},
		{{Name: "x", Prefix: "/x", URL: "ftp://x"}},
		{{Name: "x", Prefix: "/x", URL: "http://x"}, {Name: "y", Prefix: "/x/", URL: "http://y"}},
	}
	for i, cfg := range bad {
		if _, err := NewRouter(cfg, 0); err == nil {
			t.Errorf("config %d: expected error", i)
		}
	}
}

func TestHTTPDownstream_Forwarding(t *testing.T) {
	var got *http.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Clone(context.Background())
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("echo:" + string(body)))
	}))
	defer srv.Close()

	rt, err := NewRouter([]TargetConfig{{Name: "users", Prefix: "/api/users", URL: srv.URL + "/v1", StripPrefix: true}}, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	target, _ := rt.Match("/api/users/42")

	in := httptest.NewRequest(http.MethodPost, "/api/users/42?verbose=1", strings.NewReader("hi"))
	in.Header.Set("Proxy-Authorization", "secret")
	in.Header.Set("X-Forwarded-For", "198.51.100.1")
	in.Header.Set("X-Custom", "kept")
	ctx := middleware.WithRequestID(in.Context(), "req-1")

	resp, err := NewHTTPDownstream().Do(ctx, target, in, "10.0.0.1")
	if err != nil {
		t.Fatal(err)
	}

	if got.URL.Path != "/v1/42" || got.URL.RawQuery != "verbose=1" {
		t.Fatalf("forwarded to %s?%s", got.URL.Path, got.URL.RawQuery)
	}
	if got.Header.Get("Proxy-Authorization") != "" {
		t.Fatal("hop-by-hop header forwarded")
	}
	if got.Header.Get("X-Custom") != "kept" || got.Header.Get(middleware.RequestIDHeader) != "req-1" {
		t.Fatalf("headers = %v", got.Header)
	}
	if xff := got.Header.Get("X-Forwarded-For"); xff != "198.51.100.1, 10.0.0.1" {
		t.Fatalf("X-Forwarded-For = %q", xff)
	}

	if resp.Status != http.StatusCreated || string(resp.Body) != "echo:hi" {
		t.Fatalf("response = %d %q", resp.Status, resp.Body)
	}
	if resp.Header.Get("Content-Length") != "" || resp.Header.Get("Content-Type") != "text/plain" {
		t.Fatalf("response headers = %v", resp.Header)
	}
}

func TestHTTPDownstream_Limits(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/slow" {
			select {
			case <-time.After(time.Second):
			case <-r.Context().Done():
			}
			return
		}
		_, _ = w.Write([]byte(strings.Repeat("x", 64)))
	}))
	defer srv.Close()

	d := NewHTTPDownstream(WithMaxResponseBytes(32))
	rt, _ := NewRouter([]TargetConfig{{Name: "t", Prefix: "/", URL: srv.URL, Timeout: 20 * time.Millisecond}}, 0)
	target, _ := rt.Match("/")

	_, err := d.Do(context.Background(), target, httptest.NewRequest(http.MethodGet, "/big", nil), "")
	if !errors.Is(err, ErrResponseTooLarge) {
		t.Fatalf("err = %v, want ErrResponseTooLarge", err)
	}

	_, err = d.Do(context.Background(), target, httptest.NewRequest(http.MethodGet, "/slow", nil), "")
	if err == nil {
		t.Fatal("expected timeout")
	}
	if !breaker.NetworkFailures(err) {
		t.Fatalf("timeout %v must be a breaker-relevant failure", err)
	}
}

func TestUpstreamStatusError_Classification(t *testing.T) {
	err := error(&UpstreamStatusError{Target: "users", Status: 503})
	if breaker.NetworkFailures(err) {
		t.Fatal("5xx is not a network failure")
	}
	if !breaker.ServerErrors(err) {
		t.Fatal("5xx must satisfy ServerErrors")
	}
}

func TestRemoveHopHeaders(t *testing.T) {
	h := http.Header{
		"Connection":        {"X-Internal, keep-alive"},
		"X-Internal":        {"1"},
		"Keep-Alive":        {"timeout=5"},
		"Transfer-Encoding": {"chunked"},
		"Content-Type":      {"text/plain"},
	}
	removeHopHeaders(h)
	if len(h) != 1 || h.Get("Content-Type") != "text/plain" {
		t.Fatalf("headers = %v", h)
	}
}
