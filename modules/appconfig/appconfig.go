package appconfig

import (
	"errors"
	"fmt"

	"gateway/modules/breaker"
	"gateway/modules/db/postgres"
	"gateway/modules/db/redis"
	"gateway/modules/gateway"
	"gateway/modules/hmac"
	"gateway/modules/janitor"
	mwrl "gateway/modules/middleware/ratelimit"
	rl "gateway/modules/ratelimit"
	"gateway/modules/server"
	"gateway/modules/telemetry"

	"github.com/caarlos0/env/v11"
)

type Backend string

const (
	BackendMemory Backend = "memory"
	BackendRedis  Backend = "redis"
)

type (
	Config struct {
		Env string `env:"ENV" envDefault:"dev"`

		// --- traffic ----
		Gateway       gateway.Config      `envPrefix:"GATEWAY_"`
		GatewayServer server.Config       `envPrefix:"GATEWAY_"`
		RateLimit     RateLimitConfig     `envPrefix:"RATE_LIMIT_"`
		Breaker       breaker.Config      `envPrefix:"BREAKER_"`
		Blocklist     BlocklistConfig     `envPrefix:"BLOCKLIST_"`
		Abuse         gateway.AbuseConfig `envPrefix:"ABUSE_"`
		Janitor       janitor.Config      `envPrefix:"JANITOR_"`

		// --- operators ----
		Admin AdminConfig `envPrefix:"ADMIN_"`

		// --- core infra ----
		HMAC     hmac.HMACConfig         `envPrefix:"HMAC_"`
		Redis    redis.RedisConfig       `envPrefix:"REDIS_"`
		Postgres postgres.PostgresConfig `envPrefix:"POSTGRES_"`

		// --- otel ----
		// since it has special naming conventions, we do not use prefix here
		Otel telemetry.Config

		LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
	}

	RateLimitConfig struct {
		Default rl.Policy `envPrefix:"DEFAULT_"`
		Backend Backend   `env:"BACKEND" envDefault:"memory"`
	}

	BlocklistConfig struct {
		Backend Backend `env:"BACKEND" envDefault:"memory"`
	}

	AdminConfig struct {
		Server server.Config
		// empty disables the admin listener outside prod
		Token string `env:"TOKEN"`

		// rate limits on the admin routes themselves
		RateLimit mwrl.RestHTTPConfig `envPrefix:"RATE_LIMIT_"`
	}
)

const (
	defaultGatewayPort = 8080
	defaultAdminPort   = 9090
)

func Load() (*Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, err
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// UsesRedis reports whether any component needs the Redis client.
func (c *Config) UsesRedis() bool {
	return c.RateLimit.Backend == BackendRedis || c.Blocklist.Backend == BackendRedis
}

func validate(c *Config) error {
	if c.GatewayServer.Port == 0 {
		c.GatewayServer.Port = defaultGatewayPort
	}
	if c.Admin.Server.Port == 0 {
		c.Admin.Server.Port = defaultAdminPort
	}
	if c.GatewayServer.Port == c.Admin.Server.Port && c.GatewayServer.Host == c.Admin.Server.Host {
		return fmt.Errorf("appconfig: gateway and admin both listen on port %d", c.GatewayServer.Port)
	}

	var errs []error
	for name, b := range map[string]Backend{
		"RATE_LIMIT_BACKEND": c.RateLimit.Backend,
		"BLOCKLIST_BACKEND":  c.Blocklist.Backend,
	} {
		if b != BackendMemory && b != BackendRedis {
			errs = append(errs, fmt.Errorf("appconfig: %s: unknown backend %q", name, b))
		}
	}

	if err := c.RateLimit.Default.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("appconfig: RATE_LIMIT_DEFAULT: %w", err))
	}
	if c.Breaker.FailureThreshold < 1 {
		errs = append(errs, errors.New("appconfig: BREAKER_FAILURE_THRESHOLD must be >= 1"))
	}
	if c.Breaker.RecoveryTimeout <= 0 {
		errs = append(errs, errors.New("appconfig: BREAKER_RECOVERY_TIMEOUT must be positive"))
	}
	if c.Abuse.Threshold < 0 {
		errs = append(errs, errors.New("appconfig: ABUSE_THRESHOLD must not be negative"))
	}
	if c.Abuse.Threshold > 0 && (c.Abuse.Window <= 0 || c.Abuse.BlockDuration <= 0) {
		errs = append(errs, errors.New("appconfig: ABUSE_WINDOW and ABUSE_BLOCK_DURATION must be positive"))
	}
	if c.Janitor.Interval <= 0 {
		errs = append(errs, errors.New("appconfig: JANITOR_INTERVAL must be positive"))
	}
	if c.Gateway.CacheEnabled && c.Gateway.Cache.TTL <= 0 {
		errs = append(errs, errors.New("appconfig: GATEWAY_CACHE_TTL must be positive"))
	}
	if len(c.Gateway.Targets) == 0 {
		errs = append(errs, errors.New("appconfig: at least one GATEWAY_TARGET_<n>_ is required"))
	}

	if c.Env == "prod" && c.Admin.Token == "" {
		errs = append(errs, errors.New("appconfig: ADMIN_TOKEN is required in prod"))
	}
	return errors.Join(errs...)
}
