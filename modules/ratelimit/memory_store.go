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
	"bytes"
	"context"
	"hash/maphash"
	"slices"
	"sync"
	"time"

	"gateway/modules/clock"
)

var (
	_ Store         = (*MemoryStore)(nil)
	_ AtomicUpdater = (*MemoryStore)(nil)
)

const memoryShards = 64

type (
	// MemoryStore is a single-process Store. Keys are spread over mutex-guarded
	// shards so unrelated keys rarely contend. Expired entries are invisible
	// immediately and reclaimed by Sweep.
	MemoryStore struct {
		clock  clock.Clock
		seed   maphash.Seed
		shards [memoryShards]memoryShard
	}

	memoryShard struct {
		mu       sync.Mutex
		counters map[string]*counterEntry
		states   map[string]*stateEntry
		logs     map[string]*logEntry
	}

	counterEntry struct {
		value     int64
		expiresAt time.Time
	}

	stateEntry struct {
		value     []byte
		expiresAt time.Time
	}

	logEntry struct {
		stamps    []time.Time // ascending
		expiresAt time.Time
	}
)

func NewMemoryStore(clock clock.Clock) *MemoryStore {
	s := &MemoryStore{
		clock: clock,
		seed:  maphash.MakeSeed(),
	}
	for i := range s.shards {
		s.shards[i].counters = make(map[string]*counterEntry)
		s.shards[i].states = make(map[string]*stateEntry)
		s.shards[i].logs = make(map[string]*logEntry)
	}
	return s
}

func (s *MemoryStore) shard(key string) *memoryShard {
	return &s.shards[maphash.String(s.seed, key)%memoryShards]
}

func expired(expiresAt, now time.Time) bool {
	return !expiresAt.IsZero() && !now.Before(expiresAt)
}

func deadline(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}

// Incr implements CounterStore.
func (s *MemoryStore) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	now := s.clock.Now()
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.counters[key]
	if !ok || expired(e.expiresAt, now) {
		e = &counterEntry{expiresAt: deadline(now, ttl)}
		sh.counters[key] = e
	}
	e.value++
	return e.value, nil
}

// Get implements CounterStore.
func (s *MemoryStore) Get(_ context.Context, key string) (int64, error) {
	now := s.clock.Now()
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.counters[key]
	if !ok || expired(e.expiresAt, now) {
		return 0, nil
	}
	return e.value, nil
}

// liveState must be called with sh.mu held.
func (sh *memoryShard) liveState(key string, now time.Time) []byte {
	e, ok := sh.states[key]
	if !ok || expired(e.expiresAt, now) {
		return nil
	}
	return e.value
}

// Load implements StateStore.
func (s *MemoryStore) Load(_ context.Context, key string) ([]byte, error) {
	now := s.clock.Now()
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	return bytes.Clone(sh.liveState(key, now)), nil
}

// CompareAndSwap implements StateStore.
func (s *MemoryStore) CompareAndSwap(_ context.Context, key string, prev, next []byte, ttl time.Duration) (bool, error) {
	now := s.clock.Now()
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	cur := sh.liveState(key, now)
	if (cur == nil) != (prev == nil) || !bytes.Equal(cur, prev) {
		return false, nil
	}
	sh.states[key] = &stateEntry{value: bytes.Clone(next), expiresAt: deadline(now, ttl)}
	return true, nil
}

// Update implements AtomicUpdater.
func (s *MemoryStore) Update(_ context.Context, key string, ttl time.Duration, fn func(prev []byte) ([]byte, bool)) error {
	now := s.clock.Now()
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	next, write := fn(bytes.Clone(sh.liveState(key, now)))
	if write {
		sh.states[key] = &stateEntry{value: next, expiresAt: deadline(now, ttl)}
	}
	return nil
}

// Admit implements WindowLog.
func (s *MemoryStore) Admit(_ context.Context, key string, now time.Time, window time.Duration, limit int64) (WindowLogResult, error) {
	clockNow := s.clock.Now()
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.logs[key]
	if !ok || expired(e.expiresAt, clockNow) {
		e = &logEntry{}
		sh.logs[key] = e
	}

	e.stamps = purgeBefore(e.stamps, now.Add(-window))

	res := WindowLogResult{Count: int64(len(e.stamps))}
	if res.Count < limit {
		i, _ := slices.BinarySearchFunc(e.stamps, now, func(a, b time.Time) int { return a.Compare(b) })
		e.stamps = slices.Insert(e.stamps, i, now)
		res.Admitted = true
	}
	if len(e.stamps) > 0 {
		res.Oldest = e.stamps[0]
	}
	e.expiresAt = deadline(clockNow, window)
	return res, nil
}

// purgeBefore drops timestamps strictly older than cutoff.
func purgeBefore(stamps []time.Time, cutoff time.Time) []time.Time {
	i, _ := slices.BinarySearchFunc(stamps, cutoff, func(a, b time.Time) int { return a.Compare(b) })
	if i == 0 {
		return stamps
	}
	return slices.Delete(stamps, 0, i)
}

// Sweep drops every expired entry. It is called by the janitor.
func (s *MemoryStore) Sweep(now time.Time) int {
	removed := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for k, e := range sh.counters {
			if expired(e.expiresAt, now) {
				delete(sh.counters, k)
				removed++
			}
		}
		for k, e := range sh.states {
			if expired(e.expiresAt, now) {
				delete(sh.states, k)
				removed++
			}
		}
		for k, e := range sh.logs {
			if expired(e.expiresAt, now) {
				delete(sh.logs, k)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

// Len reports the number of stored keys, expired or not.
func (s *MemoryStore) Len() int {
	n := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		n += len(sh.counters) + len(sh.states) + len(sh.logs)
		sh.mu.Unlock()
	}
	return n
}
