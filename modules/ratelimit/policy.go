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
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sync"
)

type (
	// PolicyRepository persists custom policies so they survive restarts and
	// are shared by every gateway instance reading the same database.
	PolicyRepository interface {
		List(ctx context.Context) (map[Key]Policy, error)
		Save(ctx context.Context, key Key, policy Policy) error
		Delete(ctx context.Context, key Key) error
	}

	// PolicyTable resolves the policy for a key: exact match on the custom
	// table, else the process-wide default. It is read on every request and
	// written only by administrative operations.
	PolicyTable struct {
		mu     sync.RWMutex
		def    Policy
		custom map[Key]Policy

		repo PolicyRepository
	}

	PolicyTableOption func(*PolicyTable)
)

// WithRepository makes Set and Delete write through to repo.
func WithRepository(repo PolicyRepository) PolicyTableOption {
	return func(t *PolicyTable) {
		t.repo = repo
	}
}

func NewPolicyTable(def Policy, opts ...PolicyTableOption) (*PolicyTable, error) {
	if err := def.Validate(); err != nil {
		return nil, fmt.Errorf("default policy: %w", err)
	}
	t := &PolicyTable{
		def:    def,
		custom: make(map[Key]Policy),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	return t, nil
}

// Load replaces the custom table with the repository contents.
// Invalid stored rows are skipped and logged.
func (t *PolicyTable) Load(ctx context.Context) error {
	if t.repo == nil {
		return nil
	}
	stored, err := t.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("load policies: %w", err)
	}

	custom := make(map[Key]Policy, len(stored))
	for k, p := range stored {
		if err := p.Validate(); err != nil {
			slog.WarnContext(ctx, "skipping invalid stored policy",
				slog.String("key", string(k)),
				slog.Any("error", err),
			)
			continue
		}
		custom[k] = p
	}

	t.mu.Lock()
	t.custom = custom
	t.mu.Unlock()

	slog.InfoContext(ctx, "rate limit policies loaded", slog.Int("count", len(custom)))
	return nil
}

func (t *PolicyTable) Resolve(key Key) Policy {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if p, ok := t.custom[key]; ok {
		return p
	}
	return t.def
}

func (t *PolicyTable) Set(ctx context.Context, key Key, p Policy) error {
	if key == "" {
		return fmt.Errorf("%w: empty key", ErrInvalidPolicy)
	}
	if err := p.Validate(); err != nil {
		return err
	}
	if t.repo != nil {
		if err := t.repo.Save(ctx, key, p); err != nil {
			return fmt.Errorf("save policy %q: %w", key, err)
		}
	}

	t.mu.Lock()
	t.custom[key] = p
	t.mu.Unlock()
	return nil
}

// Delete removes a custom policy; the key falls back to the default.
func (t *PolicyTable) Delete(ctx context.Context, key Key) (bool, error) {
	t.mu.RLock()
	_, ok := t.custom[key]
	t.mu.RUnlock()
	if !ok {
		return false, nil
	}

	if t.repo != nil {
		if err := t.repo.Delete(ctx, key); err != nil {
			return false, fmt.Errorf("delete policy %q: %w", key, err)
		}
	}

	t.mu.Lock()
	delete(t.custom, key)
	t.mu.Unlock()
	return true, nil
}

func (t *PolicyTable) Default() Policy {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.def
}

// SetDefault swaps the process-wide default. It is not persisted.
func (t *PolicyTable) SetDefault(p Policy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	t.mu.Lock()
	t.def = p
	t.mu.Unlock()
	return nil
}

// Snapshot returns a copy of the custom table.
func (t *PolicyTable) Snapshot() map[Key]Policy {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return maps.Clone(t.custom)
}
