// Copyright 2025 Nhat-Nguyen Nguyen
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package redis

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gateway/modules/db"

	"github.com/redis/rueidis"
)

const scanBatch = 100

var (
	_ db.KV = (*RedisKV)(nil)

	//go:embed atomic_set.lua
	atomicSetLua string

	// TODO: fail fast if client does not have EVAL permission?
	//
	// Atomically:
	//
	//	prev = GET key
	//	if ttl > 0 then SET key value PX ttl else SET key value end
	//	return prev
	luaAtomicSet = rueidis.NewLuaScript(atomicSetLua)
)

// RedisKV is a Rueidis-backed implementation of db.KV with:
//
//   - Key prefixing (multi-tenant / env scoping)
//   - AtomicSet via Lua (GET + SET + TTL in one script)
//   - Optional server-assisted client-side caching for reads (AtomicGet)
type RedisKV struct {
	client rueidis.Client

	// prefix is optional and should already end with ":" if non-empty.
	prefix string

	// defaultTTL is applied when AtomicSet is called without a TTL.
	defaultTTL time.Duration

	// cacheTTL bounds how long AtomicGet may serve a client-side cached value.
	cacheTTL time.Duration
}

// RedisKVOption configures RedisKV.
type RedisKVOption func(*RedisKV)

// WithKeyPrefix scopes all keys under a prefix (env, service, etc).
// Example: WithKeyPrefix("gateway:blocks") → key "10.0.0.1" stored as "gateway:blocks:10.0.0.1".
func WithKeyPrefix(prefix string) RedisKVOption {
	return func(k *RedisKV) {
		prefix = strings.TrimSpace(prefix)
		if prefix != "" && !strings.HasSuffix(prefix, ":") {
			prefix += ":"
		}
		k.prefix = prefix
	}
}

// WithDefaultTTL configures the TTL used when AtomicSet gets none.
// A value <= 0 means "no TTL".
func WithDefaultTTL(ttl time.Duration) RedisKVOption {
	return func(k *RedisKV) {
		k.defaultTTL = ttl
	}
}

// WithClientSideCache enables server-assisted client-side caching for AtomicGet.
// The prefix must be one of the client's tracking prefixes; invalidations are
// pushed by the server, ttl only caps staleness if a push is lost.
func WithClientSideCache(ttl time.Duration) RedisKVOption {
	return func(k *RedisKV) {
		k.cacheTTL = ttl
	}
}

// NewRedisKV constructs a RedisKV on top of an existing rueidis.Client.
//
// The same client can be shared across multiple RedisKV instances (different prefixes).
func NewRedisKV(client rueidis.Client, opts ...RedisKVOption) *RedisKV {
	kv := &RedisKV{
		client: client,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(kv)
		}
	}
	return kv
}

// key builds the namespaced key.
func (k *RedisKV) key(raw string) string {
	return k.prefix + raw
}

func isNil(err error) bool {
	if re, ok := rueidis.IsRedisErr(err); ok && re.IsNil() {
		return true
	}
	return rueidis.IsRedisNil(err)
}

// AtomicGet implements db.KV.AtomicGet.
//
//   - Returns []byte (as `any`) on success
//   - Returns (nil, nil) if the key does not exist
func (k *RedisKV) AtomicGet(ctx context.Context, key string) (any, error) {
	fullKey := k.key(key)

	var res rueidis.RedisResult
	if k.cacheTTL > 0 {
		res = k.client.DoCache(ctx, k.client.B().Get().Key(fullKey).Cache(), k.cacheTTL)
	} else {
		res = k.client.Do(ctx, k.client.B().Get().Key(fullKey).Build())
	}

	bs, err := res.AsBytes()
	if err != nil {
		if isNil(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis kv: AtomicGet %q failed: %w", key, err)
	}
	return bs, nil
}

// AtomicSet implements db.KV.AtomicSet and returns the previous value as
// []byte, or nil if none.
func (k *RedisKV) AtomicSet(ctx context.Context, key string, value any, ttl time.Duration) (any, error) {
	serialized, err := encodeValue(value)
	if err != nil {
		return nil, fmt.Errorf("redis kv: encode value for key %q: %w", key, err)
	}

	if ttl <= 0 {
		ttl = k.defaultTTL
	}
	ttlArg := ""
	if ttl > 0 {
		ttlArg = strconv.FormatInt(max(ttl.Milliseconds(), 1), 10)
	}

	res := luaAtomicSet.Exec(ctx, k.client, []string{k.key(key)}, []string{serialized, ttlArg})
	bs, err := res.AsBytes()
	if err != nil {
		if isNil(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis kv: AtomicSet %q failed: %w", key, err)
	}
	return bs, nil
}

// Delete implements db.KV.Delete.
func (k *RedisKV) Delete(ctx context.Context, key string) (bool, error) {
	n, err := k.client.Do(ctx, k.client.B().Del().Key(k.key(key)).Build()).AsInt64()
	if err != nil {
		return false, fmt.Errorf("redis kv: Delete %q failed: %w", key, err)
	}
	return n > 0, nil
}

// Keys implements db.KV.Keys with SCAN, so it never blocks the server the
// way KEYS would. In cluster mode only the node serving the first slot is
// scanned.
func (k *RedisKV) Keys(ctx context.Context) ([]string, error) {
	var (
		cursor uint64
		out    []string
	)
	for {
		cmd := k.client.B().Scan().Cursor(cursor).Match(k.prefix + "*").Count(scanBatch).Build()
		entry, err := k.client.Do(ctx, cmd).AsScanEntry()
		if err != nil {
			return nil, fmt.Errorf("redis kv: Keys failed: %w", err)
		}
		for _, full := range entry.Elements {
			out = append(out, strings.TrimPrefix(full, k.prefix))
		}
		if entry.Cursor == 0 {
			return out, nil
		}
		cursor = entry.Cursor
	}
}

// HealthCheck is a small helper to be used by readiness/liveness probes.
func (k *RedisKV) HealthCheck(ctx context.Context) error {
	return k.client.Do(ctx, k.client.B().Ping().Build()).Error()
}

// encodeValue serializes a value into a Redis string.
//
//   - string → as-is
//   - []byte → BinaryString (no extra alloc)
//   - fmt.Stringer → String()
//   - everything else → JSON
func encodeValue(v any) (string, error) {
	switch x := v.(type) {
	case nil:
		return "", errors.New("redis kv: nil values are not allowed")
	case string:
		return x, nil
	case []byte:
		return rueidis.BinaryString(x), nil
	case fmt.Stringer:
		return x.String(), nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return "", err
		}
		return rueidis.BinaryString(b), nil
	}
}
