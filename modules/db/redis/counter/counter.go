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

package counter

import (
	"context"
	_ "embed"
	"fmt"
	"strconv"
	"time"

	"gateway/modules/ratelimit"

	"github.com/gofrs/uuid/v5"
	"github.com/redis/rueidis"
)

var (
	_ ratelimit.Store = (*RedisStore)(nil)

	//go:embed incr_expire.lua
	incrExpireLua string

	//go:embed compare_and_swap.lua
	compareAndSwapLua string

	//go:embed sliding_log.lua
	slidingLogLua string

	// INCR, then PEXPIRE when the counter was just created.
	luaIncrExpire = rueidis.NewLuaScript(incrExpireLua)

	// GET + compare + SET PX in one step.
	luaCompareAndSwap = rueidis.NewLuaScript(compareAndSwapLua)

	// ZREMRANGEBYSCORE + ZCARD + conditional ZADD + oldest score.
	luaSlidingLog = rueidis.NewLuaScript(slidingLogLua)
)

// RedisStore is a ratelimit.Store shared by every gateway instance pointing at
// the same Redis. Each operation is a single Lua script, so it is atomic per key.
type RedisStore struct {
	client rueidis.Client
	prefix string
}

// NewRedisStore wraps a rueidis.Client as a ratelimit.Store.
//
// prefix is optional; if non-empty, keys become prefix + ":" + key.
func NewRedisStore(client rueidis.Client, prefix string) *RedisStore {
	if prefix != "" && prefix[len(prefix)-1] != ':' {
		prefix += ":"
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
	}
}

func (r *RedisStore) buildKey(key string) string {
	return r.prefix + key
}

func isNil(err error) bool {
	// rueidis intentionally does not classify a NIL reply as a “Redis ERR”.
	if ret, ok := rueidis.IsRedisErr(err); ok && ret.IsNil() {
		return true
	}
	return rueidis.IsRedisNil(err)
}

// millis rounds ttl up to at least one millisecond; PEXPIRE 0 deletes the key.
func millis(ttl time.Duration) string {
	return strconv.FormatInt(max(ttl.Milliseconds(), 1), 10)
}

// Get implements ratelimit.CounterStore.
func (r *RedisStore) Get(ctx context.Context, key string) (int64, error) {
	rr := r.client.Do(ctx, r.client.B().Get().Key(r.buildKey(key)).Build())
	bs, err := rr.AsBytes()
	if err != nil {
		if isNil(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("redis counter Get: %w", err)
	}

	n, err := strconv.ParseInt(string(bs), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("redis counter Get parse: %w", err)
	}
	return n, nil
}

// Incr implements ratelimit.CounterStore.
func (r *RedisStore) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	rr := luaIncrExpire.Exec(ctx, r.client, []string{r.buildKey(key)}, []string{millis(ttl)})
	val, err := rr.AsInt64()
	if err != nil {
		return 0, fmt.Errorf("redis counter Incr: %w", err)
	}
	return val, nil
}

// Load implements ratelimit.StateStore.
func (r *RedisStore) Load(ctx context.Context, key string) ([]byte, error) {
	rr := r.client.Do(ctx, r.client.B().Get().Key(r.buildKey(key)).Build())
	bs, err := rr.AsBytes()
	if err != nil {
		if isNil(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis state Load: %w", err)
	}
	return bs, nil
}

// CompareAndSwap implements ratelimit.StateStore.
func (r *RedisStore) CompareAndSwap(ctx context.Context, key string, prev, next []byte, ttl time.Duration) (bool, error) {
	mustNotExist := "0"
	if prev == nil {
		mustNotExist = "1"
	}
	args := []string{
		mustNotExist,
		rueidis.BinaryString(prev),
		rueidis.BinaryString(next),
		millis(ttl),
	}

	rr := luaCompareAndSwap.Exec(ctx, r.client, []string{r.buildKey(key)}, args)
	swapped, err := rr.AsInt64()
	if err != nil {
		return false, fmt.Errorf("redis state CompareAndSwap: %w", err)
	}
	return swapped == 1, nil
}

// Admit implements ratelimit.WindowLog. Scores are unix microseconds; the
// member carries a UUID so concurrent admissions at the same instant are
// all recorded.
func (r *RedisStore) Admit(ctx context.Context, key string, now time.Time, window time.Duration, limit int64) (ratelimit.WindowLogResult, error) {
	member := strconv.FormatInt(now.UnixNano(), 10) + "-" + uuid.Must(uuid.NewV4()).String()
	args := []string{
		strconv.FormatInt(now.UnixMicro(), 10),
		strconv.FormatInt(now.Add(-window).UnixMicro(), 10),
		strconv.FormatInt(limit, 10),
		member,
		millis(window),
	}

	msgs, err := luaSlidingLog.Exec(ctx, r.client, []string{r.buildKey(key)}, args).ToArray()
	if err != nil {
		return ratelimit.WindowLogResult{}, fmt.Errorf("redis window Admit: %w", err)
	}
	if len(msgs) != 3 {
		return ratelimit.WindowLogResult{}, fmt.Errorf("redis window Admit: unexpected reply length %d", len(msgs))
	}

	admitted, err := msgs[0].AsInt64()
	if err != nil {
		return ratelimit.WindowLogResult{}, fmt.Errorf("redis window Admit: %w", err)
	}
	count, err := msgs[1].AsInt64()
	if err != nil {
		return ratelimit.WindowLogResult{}, fmt.Errorf("redis window Admit: %w", err)
	}
	res := ratelimit.WindowLogResult{Admitted: admitted == 1, Count: count}

	score, err := msgs[2].ToString()
	if err != nil {
		return ratelimit.WindowLogResult{}, fmt.Errorf("redis window Admit: %w", err)
	}
	if score != "" {
		f, err := strconv.ParseFloat(score, 64)
		if err != nil {
			return ratelimit.WindowLogResult{}, fmt.Errorf("redis window Admit parse: %w", err)
		}
		res.Oldest = time.UnixMicro(int64(f)).In(now.Location())
	}
	return res, nil
}
