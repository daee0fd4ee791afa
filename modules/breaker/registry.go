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

package breaker

import (
	"cmp"
	"slices"
	"sync"

	"gateway/modules/clock"
)

// Registry hands out one Breaker per target name, creating it on first use.
// Breakers live for the lifetime of the process.
type Registry struct {
	cfg   Config
	clock clock.Clock
	opts  []Option

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

func NewRegistry(cfg Config, clock clock.Clock, opts ...Option) *Registry {
	return &Registry{
		cfg:      cfg,
		clock:    clock,
		opts:     opts,
		breakers: make(map[string]*Breaker),
	}
}

func (r *Registry) Get(name string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b = New(name, r.cfg, r.clock, r.opts...)
	r.breakers[name] = b
	return b
}

// Lookup returns the breaker for name without creating it.
func (r *Registry) Lookup(name string) (*Breaker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.breakers[name]
	return b, ok
}

// Reset closes the named breaker. It reports false when no breaker exists.
func (r *Registry) Reset(name string) bool {
	b, ok := r.Lookup(name)
	if !ok {
		return false
	}
	b.Reset()
	return true
}

// Snapshot returns the stats of every breaker, sorted by name.
func (r *Registry) Snapshot() []Stats {
	r.mu.RLock()
	out := make([]Stats, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b.Stats())
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b Stats) int { return cmp.Compare(a.Name, b.Name) })
	return out
}
