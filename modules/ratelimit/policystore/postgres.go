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

package policystore

import (
	"context"
	"fmt"
	"time"

	"gateway/modules/db"
	"gateway/modules/ratelimit"

	"github.com/jackc/pgx/v5"
	"github.com/stephenafamo/bob"
	"github.com/stephenafamo/bob/dialect/psql"
	"github.com/stephenafamo/bob/dialect/psql/dm"
	"github.com/stephenafamo/bob/dialect/psql/im"
	"github.com/stephenafamo/bob/dialect/psql/sm"
	"github.com/stephenafamo/scan"
)

const (
	DefaultTable = "rate_limit_policies"
	EventsTable  = "rate_limit_policy_events"

	writeTimeout = 5 * time.Second
)

const (
	actionSet    = "set"
	actionDelete = "delete"
)

var _ ratelimit.PolicyRepository = (*PostgresRepository)(nil)

type (
	// PostgresRepository stores custom rate limit policies, one row per key.
	// Every write also appends to EventsTable in the same transaction.
	PostgresRepository struct {
		table string
		pool  db.ConnectionPool
	}

	PolicyRow struct {
		Key               string    `db:"key"`
		Algorithm         string    `db:"algorithm"`
		RequestsPerSecond float64   `db:"requests_per_second"`
		RequestsPerMinute int64     `db:"requests_per_minute"`
		RequestsPerHour   int64     `db:"requests_per_hour"`
		RequestsPerDay    int64     `db:"requests_per_day"`
		BurstSize         int64     `db:"burst_size"`
		UpdatedAt         time.Time `db:"updated_at"`
	}

	rowTransformer struct{}
)

func (r PolicyRow) policy() ratelimit.Policy {
	return ratelimit.Policy{
		RequestsPerSecond: r.RequestsPerSecond,
		RequestsPerMinute: r.RequestsPerMinute,
		RequestsPerHour:   r.RequestsPerHour,
		RequestsPerDay:    r.RequestsPerDay,
		BurstSize:         r.BurstSize,
		Algorithm:         ratelimit.Algorithm(r.Algorithm),
	}
}

func (rowTransformer) TransformScanned(rows []PolicyRow) (map[ratelimit.Key]ratelimit.Policy, error) {
	out := make(map[ratelimit.Key]ratelimit.Policy, len(rows))
	for _, r := range rows {
		out[ratelimit.Key(r.Key)] = r.policy()
	}
	return out, nil
}

func NewPostgresRepository(pool db.ConnectionPool, table string) *PostgresRepository {
	if table == "" {
		table = DefaultTable
	}
	return &PostgresRepository{table: table, pool: pool}
}

// List implements ratelimit.PolicyRepository.
func (r *PostgresRepository) List(ctx context.Context) (map[ratelimit.Key]ratelimit.Policy, error) {
	query := psql.Select(
		sm.Columns("key", "algorithm", "requests_per_second", "requests_per_minute",
			"requests_per_hour", "requests_per_day", "burst_size", "updated_at"),
		sm.From(r.table),
	)

	policies, err := bob.Allx[rowTransformer](ctx, r.pool.Reader(), query, scan.StructMapper[PolicyRow]())
	if err != nil {
		return nil, fmt.Errorf("policystore: list: %w", err)
	}
	return policies, nil
}

// Save implements ratelimit.PolicyRepository as an upsert.
func (r *PostgresRepository) Save(ctx context.Context, key ratelimit.Key, p ratelimit.Policy) error {
	algorithm := string(p.Algorithm.Normalize())
	query := psql.RawQuery(fmt.Sprintf(`
INSERT INTO %s (key, algorithm, requests_per_second, requests_per_minute,
                requests_per_hour, requests_per_day, burst_size, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
ON CONFLICT (key) DO UPDATE SET
    algorithm           = EXCLUDED.algorithm,
    requests_per_second = EXCLUDED.requests_per_second,
    requests_per_minute = EXCLUDED.requests_per_minute,
    requests_per_hour   = EXCLUDED.requests_per_hour,
    requests_per_day    = EXCLUDED.requests_per_day,
    burst_size          = EXCLUDED.burst_size,
    updated_at          = EXCLUDED.updated_at`, pgx.Identifier{r.table}.Sanitize()),
		string(key),
		algorithm,
		p.RequestsPerSecond,
		p.RequestsPerMinute,
		p.RequestsPerHour,
		p.RequestsPerDay,
		p.BurstSize,
	)

	err := r.pool.WithTimeoutTx(ctx, writeTimeout, func(ctx context.Context, q db.Querier) error {
		if _, err := bob.Exec(ctx, q, query); err != nil {
			return err
		}
		return r.record(ctx, q, key, actionSet, algorithm)
	})
	if err != nil {
		return fmt.Errorf("policystore: save %q: %w", key, err)
	}
	return nil
}

// Delete implements ratelimit.PolicyRepository.
func (r *PostgresRepository) Delete(ctx context.Context, key ratelimit.Key) error {
	query := psql.Delete(
		dm.From(r.table),
		dm.Where(psql.Quote("key").EQ(psql.Arg(string(key)))),
	)

	err := r.pool.WithTimeoutTx(ctx, writeTimeout, func(ctx context.Context, q db.Querier) error {
		if _, err := bob.Exec(ctx, q, query); err != nil {
			return err
		}
		return r.record(ctx, q, key, actionDelete, "")
	})
	if err != nil {
		return fmt.Errorf("policystore: delete %q: %w", key, err)
	}
	return nil
}

func (r *PostgresRepository) record(ctx context.Context, q db.Querier, key ratelimit.Key, action, algorithm string) error {
	query := psql.Insert(
		im.Into(EventsTable, "key", "action", "algorithm"),
		im.Values(psql.Arg(string(key), action, algorithm)),
	)
	_, err := bob.Exec(ctx, q, query)
	return err
}
