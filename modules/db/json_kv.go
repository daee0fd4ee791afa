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
package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

type (

	// JSONKV wraps a db.KV and transparently JSON-encodes/decodes values of type T.
	//
	//   kv := NewRedisKV(client, WithKeyPrefix("gateway:blocks:"))
	//   blocks := NewJSONKV[BlockedIP](kv)
	//   _, _ = blocks.Set(ctx, "10.0.0.1", entry, time.Hour)
	//   curr, _ := blocks.Get(ctx, "10.0.0.1")
	JSONKV[T any] struct {
		KV
	}
)

// NewJSONKV constructs a JSONKV wrapper on top of an existing db.KV.
func NewJSONKV[T any](kv KV) JSONKV[T] {
	return JSONKV[T]{KV: kv}
}

func (j JSONKV[T]) Get(ctx context.Context, key string) (*T, error) {
	raw, err := j.KV.AtomicGet(ctx, key)
	if err != nil {
		return nil, err
	}
	return decode[T](key, raw)
}

// Set stores value under key for ttl and returns the previous value (if any), decoded into T.
func (j JSONKV[T]) Set(ctx context.Context, key string, value T, ttl time.Duration) (*T, error) {
	bs, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("jsonkv: encode %q: %w", key, err)
	}
	prev, err := j.KV.AtomicSet(ctx, key, bs, ttl)
	if err != nil {
		return nil, err
	}
	return decode[T](key, prev)
}

// All returns every live entry. Keys that expire between listing and reading
// are skipped.
func (j JSONKV[T]) All(ctx context.Context) (map[string]T, error) {
	keys, err := j.KV.Keys(ctx)
	if err != nil {
		return nil, err
	}

	out := make(map[string]T, len(keys))
	for _, k := range keys {
		v, err := j.Get(ctx, k)
		if err != nil {
			return nil, err
		}
		if v != nil {
			out[k] = *v
		}
	}
	return out, nil
}

func decode[T any](key string, raw any) (*T, error) {
	if raw == nil {
		return nil, nil
	}

	bs, ok := raw.([]byte)
	if !ok {
		return nil, fmt.Errorf("jsonkv: expected []byte for key %q, got %T", key, raw)
	}

	var v T
	if err := json.Unmarshal(bs, &v); err != nil {
		return nil, fmt.Errorf("jsonkv: decode %q: %w", key, err)
	}
	return &v, nil
}
