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
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/redis/rueidis"
	"github.com/redis/rueidis/rueidisotel"
)

const pingTimeout = 5 * time.Second

// NewRueidisClient connects the client shared by the counter store and the
// block list.
//
// It:
//
//   - Validates the redis:// / rediss:// URL against the TLS settings
//   - Applies the tuning flags that are set, keeping rueidis defaults otherwise
//   - Turns on client tracking for the block list prefix, so IsBlocked can be
//     served from the local cache
//   - Wraps the client with OpenTelemetry (optional)
//   - Performs a PING with a small timeout to fail fast
func NewRueidisClient(ctx context.Context, cfg RedisConfig) (rueidis.Client, error) {
	if err := checkScheme(cfg); err != nil {
		return nil, err
	}

	clientOpt, err := rueidis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("rueidis: parse url: %w", err)
	}

	clientOpt.ClientName = cfg.ClientName
	clientOpt.DisableRetry = cfg.DisableRetry
	clientOpt.DisableCache = cfg.DisableCache
	clientOpt.AlwaysPipelining = cfg.AlwaysPipelining
	if cfg.RingScaleEachConn > 0 {
		clientOpt.RingScaleEachConn = cfg.RingScaleEachConn
	}
	if cfg.CacheSizeEachConn > 0 {
		clientOpt.CacheSizeEachConn = cfg.CacheSizeEachConn
	}
	if cfg.ConnWriteTimeout > 0 {
		clientOpt.ConnWriteTimeout = cfg.ConnWriteTimeout
	}

	if cfg.SkipTLSVerify {
		tc := &tls.Config{}
		if clientOpt.TLSConfig != nil {
			tc = clientOpt.TLSConfig.Clone()
		}
		tc.InsecureSkipVerify = true //nolint:gosec
		clientOpt.TLSConfig = tc
	}

	if !cfg.DisableCache {
		clientOpt.ClientTrackingOptions = trackingOptions(cfg)
	}

	var cli rueidis.Client
	if cfg.EnableOtel {
		cli, err = rueidisotel.NewClient(clientOpt)
	} else {
		cli, err = rueidis.NewClient(clientOpt)
	}
	if err != nil {
		slog.ErrorContext(ctx, "error during rueidis init", slog.Any("error", err))
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := cli.Do(pingCtx, cli.B().Ping().Build()).Error(); err != nil {
		cli.Close()
		return nil, fmt.Errorf("rueidis: ping: %w", err)
	}

	slog.InfoContext(ctx, "rueidis: connected",
		slog.String("mode", string(cli.Mode())),
		slog.String("client_name", cfg.ClientName),
		slog.String("key_prefix", cfg.KeyPrefix),
	)
	return cli, nil
}

func checkScheme(cfg RedisConfig) error {
	if cfg.URL == "" {
		return errors.New("rueidis: URL must not be empty")
	}
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return fmt.Errorf("rueidis: parse url: %w", err)
	}
	if u.Scheme != "redis" {
		return nil
	}

	if cfg.RequireTLS {
		return errors.New("rueidis: RequireTLS=true but URL uses redis:// (plaintext); use rediss://")
	}
	if cfg.AutoDetectAWS && strings.Contains(u.Host, ".cache.amazonaws.com") {
		return errors.New("rueidis: aws detected but using redis:// (plaintext)")
	}
	if cfg.SkipTLSVerify {
		slog.Warn("rueidis: redis:// URL disables TLS even though SkipTLSVerify is set",
			slog.String("host", u.Hostname()),
		)
	}
	return nil
}

// trackingOptions builds CLIENT TRACKING arguments. BCAST + OPTIN means only
// DoCache() reads populate the local cache.
func trackingOptions(cfg RedisConfig) []string {
	prefixes := cfg.ClientTrackingPrefixes
	if len(prefixes) == 0 {
		prefixes = []string{BlocklistPrefix(cfg.KeyPrefix)}
	}

	tracking := make([]string, 0, len(prefixes)*2+2)
	for _, p := range prefixes {
		if p = strings.TrimSpace(p); p != "" {
			tracking = append(tracking, "PREFIX", p)
		}
	}
	return append(tracking, "BCAST", "OPTIN")
}

// BlocklistPrefix is the key prefix under which blocked addresses are stored.
func BlocklistPrefix(keyPrefix string) string {
	return joinPrefix(keyPrefix, "blocks")
}

// CounterPrefix is the key prefix of rate-limit counters and state.
func CounterPrefix(keyPrefix string) string {
	return joinPrefix(keyPrefix, "rl")
}

func joinPrefix(base, name string) string {
	base = strings.TrimSuffix(strings.TrimSpace(base), ":")
	if base == "" {
		return name + ":"
	}
	return base + ":" + name + ":"
}
