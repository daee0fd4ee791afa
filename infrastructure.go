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

package main

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"gateway/modules/appconfig"
	"gateway/modules/blocklist"
	"gateway/modules/clock"
	"gateway/modules/db/postgres"
	"gateway/modules/db/redis"
	"gateway/modules/db/redis/counter"
	rl "gateway/modules/ratelimit"
	"gateway/modules/ratelimit/policystore"

	"github.com/redis/rueidis"
)

// staleness bound for block entries served from the client-side cache
const blocklistCacheTTL = 5 * time.Second

// infrastructure holds the shared state backends. The mem* fields are set only
// for in-process backends, which need the janitor.
type infrastructure struct {
	store    rl.Store
	memStore *rl.MemoryStore

	blocks    blocklist.Registry
	memBlocks *blocklist.MemoryRegistry

	redisClient rueidis.Client
	pgPool      *postgres.PostgresConnectionPool
}

func newInfrastructure(ctx context.Context, cfg *appconfig.Config, clock clock.Clock) (*infrastructure, error) {
	infra := &infrastructure{}

	if cfg.UsesRedis() {
		client, err := redis.NewRueidisClient(ctx, cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("redis not properly setup: %w", err)
		}
		infra.redisClient = client
	}

	switch cfg.RateLimit.Backend {
	case appconfig.BackendRedis:
		infra.store = counter.NewRedisStore(infra.redisClient, redis.CounterPrefix(cfg.Redis.KeyPrefix))
	default:
		infra.memStore = rl.NewMemoryStore(clock)
		infra.store = infra.memStore
	}

	switch cfg.Blocklist.Backend {
	case appconfig.BackendRedis:
		prefix := redis.BlocklistPrefix(cfg.Redis.KeyPrefix)
		kvOpts := []redis.RedisKVOption{redis.WithKeyPrefix(prefix)}
		if !cfg.Redis.DisableCache && slices.Contains(cfg.Redis.ClientTrackingPrefixes, prefix) {
			kvOpts = append(kvOpts, redis.WithClientSideCache(blocklistCacheTTL))
		}
		infra.blocks = blocklist.NewKVRegistry(clock, redis.NewRedisKV(infra.redisClient, kvOpts...))
	default:
		infra.memBlocks = blocklist.NewMemoryRegistry(clock)
		infra.blocks = infra.memBlocks
	}

	if cfg.Postgres.Enabled {
		pool, err := postgres.New(ctx, &cfg.Postgres, postgres.OptionsFor(cfg.Postgres))
		if err != nil {
			infra.Close(ctx)
			return nil, fmt.Errorf("database error: %w", err)
		}
		infra.pgPool = pool

		if err := pool.HealthCheck(); err != nil {
			infra.Close(ctx)
			return nil, fmt.Errorf("database health check failed: %w", err)
		}
		if cfg.Postgres.MigrateOnStart {
			if err := pool.MigrateUp(); err != nil {
				infra.Close(ctx)
				return nil, fmt.Errorf("database migration failed: %w", err)
			}
		}
	}

	slog.InfoContext(ctx, "infrastructure ready",
		slog.String("ratelimit_backend", string(cfg.RateLimit.Backend)),
		slog.String("blocklist_backend", string(cfg.Blocklist.Backend)),
		slog.Bool("policy_persistence", cfg.Postgres.Enabled),
	)
	return infra, nil
}

// newPolicyTable builds the table from the configured default and, when
// postgres is enabled, loads the stored custom policies.
func newPolicyTable(ctx context.Context, cfg *appconfig.Config, infra *infrastructure) (*rl.PolicyTable, error) {
	var opts []rl.PolicyTableOption
	if infra.pgPool != nil {
		opts = append(opts, rl.WithRepository(policystore.NewPostgresRepository(infra.pgPool, "")))
	}

	table, err := rl.NewPolicyTable(cfg.RateLimit.Default, opts...)
	if err != nil {
		return nil, err
	}
	if infra.pgPool != nil {
		if err := table.Load(ctx); err != nil {
			return nil, err
		}
	}
	return table, nil
}

func (i *infrastructure) Close(ctx context.Context) {
	if i.pgPool != nil {
		if err := i.pgPool.Shutdown(ctx); err != nil {
			slog.ErrorContext(ctx, "database shutdown error", slog.Any("error", err))
		}
	}
	if i.redisClient != nil {
		i.redisClient.Close()
	}
}
