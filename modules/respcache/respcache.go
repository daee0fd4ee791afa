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

// Package respcache holds downstream responses to idempotent requests for a
// short, fixed time.
package respcache

import (
	"cmp"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"gateway/modules/clock"
)

const (
	DefaultTTL        = 60 * time.Second
	DefaultMaxEntries = 1000
	DefaultEvictBatch = 100
)

type (
	Config struct {
		TTL          time.Duration `env:"TTL" envDefault:"60s"`
		MaxEntries   int           `env:"MAX_ENTRIES" envDefault:"1000"`
		EvictBatch   int           `env:"EVICT_BATCH" envDefault:"100"`
		MaxBodyBytes int64         `env:"MAX_BODY_BYTES" envDefault:"1048576"`
	}

	// Entry is a stored downstream response.
	Entry struct {
		Status   int
		Header   http.Header
		Body     []byte
		StoredAt time.Time
	}

	// Cache is a map of entries bounded by age and count. When a new key would
	// push it past MaxEntries, the EvictBatch oldest entries go first.
	Cache struct {
		cfg   Config
		clock clock.Clock

		mu      sync.Mutex
		entries map[string]Entry
	}
)

func New(cfg Config, clock clock.Clock) *Cache {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultMaxEntries
	}
	if cfg.EvictBatch <= 0 {
		cfg.EvictBatch = DefaultEvictBatch
	}
	return &Cache{
		cfg:     cfg,
		clock:   clock,
		entries: make(map[string]Entry),
	}
}

// Get returns the entry for key if it is younger than the TTL. Expired
// entries are removed on the way out.
func (c *Cache) Get(key string) (Entry, bool) {
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return Entry{}, false
	}
	if now.Sub(e.StoredAt) >= c.cfg.TTL {
		delete(c.entries, key)
		return Entry{}, false
	}
	return e, true
}

// Put stores or overwrites key. StoredAt is set to now.
func (c *Cache) Put(key string, e Entry) {
	e.StoredAt = c.clock.Now()
	e.Header = e.Header.Clone()

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.cfg.MaxEntries {
		c.evictOldestLocked(c.cfg.EvictBatch)
	}
	c.entries[key] = e
}

func (c *Cache) evictOldestLocked(n int) {
	type aged struct {
		key      string
		storedAt time.Time
	}
	all := make([]aged, 0, len(c.entries))
	for k, e := range c.entries {
		all = append(all, aged{k, e.StoredAt})
	}
	slices.SortFunc(all, func(a, b aged) int {
		if c := a.storedAt.Compare(b.storedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.key, b.key)
	})
	for _, a := range all[:min(n, len(all))] {
		delete(c.entries, a.key)
	}
}

// Sweep drops every expired entry and returns how many were removed.
func (c *Cache) Sweep(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for k, e := range c.entries {
		if now.Sub(e.StoredAt) >= c.cfg.TTL {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Storable reports whether a response may be cached.
func (c *Cache) Storable(status int, header http.Header, bodyLen int) bool {
	if status < 200 || status > 299 {
		return false
	}
	if c.cfg.MaxBodyBytes > 0 && int64(bodyLen) > c.cfg.MaxBodyBytes {
		return false
	}
	for _, directive := range strings.Split(strings.ToLower(header.Get("Cache-Control")), ",") {
		switch strings.TrimSpace(directive) {
		case "no-store", "private":
			return false
		}
	}
	return true
}

// Cacheable reports whether requests with this method may be served from or
// stored in the cache.
func Cacheable(method string) bool {
	return method == http.MethodGet || method == http.MethodHead
}

// Key derives the cache key from method, path and the query string with its
// parameters and their values sorted, so "?b=2&a=1" and "?a=1&b=2" share an
// entry, as do "?a=2&a=1" and "?a=1&a=2".
func Key(method, path string, query url.Values) string {
	var b strings.Builder
	b.WriteString(method)
	b.WriteByte(' ')
	b.WriteString(path)
	if len(query) > 0 {
		sorted := make(url.Values, len(query))
		for k, vs := range query {
			sorted[k] = slices.Sorted(slices.Values(vs))
		}
		// Encode sorts by key
		b.WriteByte('?')
		b.WriteString(sorted.Encode())
	}
	return b.String()
}
