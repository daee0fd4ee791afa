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

package gateway

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/textproto"
	"net/url"
	"slices"
	"strings"
	"time"

	"gateway/modules/middleware"
)

var (
	ErrNoRoute          = errors.New("gateway: no downstream target for path")
	ErrResponseTooLarge = errors.New("gateway: downstream response too large")
)

// hop-by-hop headers, RFC 9110 section 7.6.1
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

type (
	Target struct {
		Name        string
		Prefix      string
		URL         *url.URL
		Timeout     time.Duration
		Breaker     string
		StripPrefix bool
	}

	// Response is a fully buffered downstream response.
	Response struct {
		Status int
		Header http.Header
		Body   []byte
	}

	// Downstream performs the call to a target on behalf of an inbound request.
	Downstream interface {
		Do(ctx context.Context, target Target, r *http.Request, clientIP string) (*Response, error)
	}

	DownstreamFunc func(ctx context.Context, target Target, r *http.Request, clientIP string) (*Response, error)

	// UpstreamStatusError marks a 5xx answer from a target. The response is
	// still relayed; whether it trips the breaker depends on the classifier.
	UpstreamStatusError struct {
		Target string
		Status int
	}

	// Router picks the target with the longest matching path prefix.
	Router struct {
		targets []Target
	}
)

func (f DownstreamFunc) Do(ctx context.Context, t Target, r *http.Request, clientIP string) (*Response, error) {
	return f(ctx, t, r, clientIP)
}

func (e *UpstreamStatusError) Error() string {
	return fmt.Sprintf("gateway: target %q answered %d", e.Target, e.Status)
}

func (e *UpstreamStatusError) HTTPStatus() int { return e.Status }

// NewRouter validates the configured targets. Timeouts default to
// defaultTimeout and breaker names to the target name.
func NewRouter(cfgs []TargetConfig, defaultTimeout time.Duration) (*Router, error) {
	seen := make(map[string]bool, len(cfgs))
	targets := make([]Target, 0, len(cfgs))

	for i, c := range cfgs {
		if c.Name == "" {
			return nil, fmt.Errorf("target %d: name is required", i)
		}
		if !strings.HasPrefix(c.Prefix, "/") {
			return nil, fmt.Errorf("target %q: prefix %q must start with /", c.Name, c.Prefix)
		}
		u, err := url.Parse(c.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, fmt.Errorf("target %q: invalid url %q", c.Name, c.URL)
		}
		prefix := normalizePrefix(c.Prefix)
		if seen[prefix] {
			return nil, fmt.Errorf("target %q: duplicate prefix %q", c.Name, prefix)
		}
		seen[prefix] = true

		t := Target{
			Name:        c.Name,
			Prefix:      prefix,
			URL:         u,
			Timeout:     cmp.Or(c.Timeout, defaultTimeout),
			Breaker:     cmp.Or(c.Breaker, c.Name),
			StripPrefix: c.StripPrefix,
		}
		targets = append(targets, t)
	}

	slices.SortFunc(targets, func(a, b Target) int {
		return cmp.Compare(len(b.Prefix), len(a.Prefix))
	})
	return &Router{targets: targets}, nil
}

func normalizePrefix(p string) string {
	if p == "/" {
		return p
	}
	return strings.TrimSuffix(p, "/")
}

// Match returns the target owning path. "/users" owns "/users" and
// "/users/42" but not "/usersettings".
func (rt *Router) Match(path string) (Target, bool) {
	for _, t := range rt.targets {
		if t.Prefix == "/" || path == t.Prefix || strings.HasPrefix(path, t.Prefix+"/") {
			return t, true
		}
	}
	return Target{}, false
}

func (rt *Router) Targets() []Target {
	return slices.Clone(rt.targets)
}

var _ Downstream = (*HTTPDownstream)(nil)

// HTTPDownstream forwards requests with an http.Client and buffers the answer.
type HTTPDownstream struct {
	client           *http.Client
	maxResponseBytes int64
}

type HTTPDownstreamOption func(*HTTPDownstream)

func WithHTTPClient(c *http.Client) HTTPDownstreamOption {
	return func(d *HTTPDownstream) {
		if c != nil {
			d.client = c
		}
	}
}

func WithMaxResponseBytes(n int64) HTTPDownstreamOption {
	return func(d *HTTPDownstream) {
		if n > 0 {
			d.maxResponseBytes = n
		}
	}
}

func NewHTTPDownstream(opts ...HTTPDownstreamOption) *HTTPDownstream {
	d := &HTTPDownstream{
		client: &http.Client{
			// redirects are relayed to the client, not followed
			CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
		},
		maxResponseBytes: 10 << 20,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

func (d *HTTPDownstream) Do(ctx context.Context, t Target, in *http.Request, clientIP string) (*Response, error) {
	if t.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.Timeout)
		defer cancel()
	}

	out, err := http.NewRequestWithContext(ctx, in.Method, outboundURL(t, in.URL), in.Body)
	if err != nil {
		return nil, fmt.Errorf("gateway: build request for %q: %w", t.Name, err)
	}
	out.ContentLength = in.ContentLength
	out.Header = in.Header.Clone()
	removeHopHeaders(out.Header)
	appendForwardedFor(out.Header, clientIP)
	out.Header.Set("X-Forwarded-Host", in.Host)
	if id := middleware.RequestIDFrom(ctx); id != "" {
		out.Header.Set(middleware.RequestIDHeader, id)
	}

	resp, err := d.client.Do(out)
	if err != nil {
		return nil, fmt.Errorf("gateway: call %q: %w", t.Name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, d.maxResponseBytes+1))
	if err != nil {
		return nil, fmt.Errorf("gateway: read %q response: %w", t.Name, err)
	}
	if int64(len(body)) > d.maxResponseBytes {
		return nil, fmt.Errorf("%w: %q over %d bytes", ErrResponseTooLarge, t.Name, d.maxResponseBytes)
	}

	header := resp.Header.Clone()
	removeHopHeaders(header)
	header.Del("Content-Length")
	return &Response{Status: resp.StatusCode, Header: header, Body: body}, nil
}

func outboundURL(t Target, in *url.URL) string {
	path := in.Path
	if t.StripPrefix && t.Prefix != "/" {
		path = strings.TrimPrefix(path, t.Prefix)
	}
	u := *t.URL
	u.Path = strings.TrimSuffix(t.URL.Path, "/") + "/" + strings.TrimPrefix(path, "/")
	u.RawPath = ""
	u.RawQuery = in.RawQuery
	return u.String()
}

func removeHopHeaders(h http.Header) {
	for _, f := range h.Values("Connection") {
		for _, name := range strings.Split(f, ",") {
			if name = textproto.TrimString(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

func appendForwardedFor(h http.Header, clientIP string) {
	if clientIP == "" {
		return
	}
	if prior := h.Values("X-Forwarded-For"); len(prior) > 0 {
		clientIP = strings.Join(prior, ", ") + ", " + clientIP
	}
	h.Set("X-Forwarded-For", clientIP)
}
