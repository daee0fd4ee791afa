package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func okHandler(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) }

func TestStaticToken(t *testing.T) {
	h := StaticToken("X-Token", "abc", "/healthz")(http.HandlerFunc(okHandler))

	tests := []struct {
		name, path, token string
		want              int
	}{
		{"valid", "/admin", "abc", http.StatusNoContent},
		{"missing", "/admin", "", http.StatusUnauthorized},
		{"wrong", "/admin", "abd", http.StatusUnauthorized},
		{"open path", "/healthz", "", http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.token != "" {
				req.Header.Set("X-Token", tt.token)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Fatalf("status %d, want %d", rec.Code, tt.want)
			}
		})
	}

	// an unset token refuses everything
	closed := StaticToken("X-Token", "")(http.HandlerFunc(okHandler))
	req := httptest.NewRequest(http.MethodGet, "/admin", nil)
	req.Header.Set("X-Token", "")
	rec := httptest.NewRecorder()
	closed.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("empty token: status %d, want 401", rec.Code)
	}
}

func TestRequestID(t *testing.T) {
	var seen string
	h := RequestID()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFrom(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "client-id-1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if seen != "client-id-1" || rec.Header().Get(RequestIDHeader) != "client-id-1" {
		t.Fatalf("client id not reused: ctx %q header %q", seen, rec.Header().Get(RequestIDHeader))
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "bad id\twith spaces")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if seen == "" || strings.ContainsAny(seen, " \t") {
		t.Fatalf("invalid client id should be replaced, got %q", seen)
	}

	if RequestIDFrom(context.Background()) != "" {
		t.Fatal("empty context should have no id")
	}
}

func TestRecovery(t *testing.T) {
	h := RequestID()(Recovery(nil)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "req-7")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status %d, want 500", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["traceId"] != "req-7" {
		t.Fatalf("traceId %v", body["traceId"])
	}
	if strings.Contains(rec.Body.String(), "boom") {
		t.Fatal("panic value leaked to the client")
	}
}

func TestRecovery_AbortHandlerPropagates(t *testing.T) {
	h := Recovery(nil)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic(http.ErrAbortHandler)
	}))
	defer func() {
		if rec := recover(); rec != http.ErrAbortHandler {
			t.Fatalf("recovered %v, want ErrAbortHandler", rec)
		}
	}()
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
}

const testSpec = `
openapi: 3.0.3
info: {title: t, version: "1"}
paths:
  /items:
    post:
      requestBody:
        required: true
        content:
          application/json:
            schema:
              type: object
              additionalProperties: false
              required: [count]
              properties:
                count: {type: integer, minimum: 1}
      responses:
        "204": {description: ok}
`

func TestOpenAPIValidation(t *testing.T) {
	spec, err := LoadSpec(context.Background(), []byte(testSpec))
	if err != nil {
		t.Fatal(err)
	}
	h := OpenAPIValidation(spec)(http.HandlerFunc(okHandler))

	tests := []struct {
		name, method, path, body string
		want                     int
	}{
		{"valid", http.MethodPost, "/items", `{"count": 2}`, http.StatusNoContent},
		{"schema violation", http.MethodPost, "/items", `{"count": 0}`, http.StatusUnprocessableEntity},
		{"unknown route", http.MethodGet, "/nope", "", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, strings.NewReader(tt.body))
			req.Header.Set("Content-Type", "application/json")
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Fatalf("status %d, want %d; body %s", rec.Code, tt.want, rec.Body)
			}
		})
	}
}

func TestSafeReason(t *testing.T) {
	if got := SafeReason(`value "drop table" doesn't match schema`); got != "doesn't match schema" {
		t.Fatalf("got %q", got)
	}
	if got := SafeReason("something echoing input"); got != "invalid value" {
		t.Fatalf("got %q", got)
	}
}
