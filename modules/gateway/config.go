package gateway

import (
	"time"

	"gateway/modules/respcache"
)

type (
	Config struct {
		// Trust the left-most X-Forwarded-For hop as the client address. Only
		// enable behind a proxy that overwrites the header.
		TrustForwardedFor bool `env:"TRUST_FORWARDED_FOR"`

		Targets []TargetConfig `envPrefix:"TARGET_"`

		DownstreamTimeout time.Duration `env:"DOWNSTREAM_TIMEOUT" envDefault:"10s"`
		MaxResponseBytes  int64         `env:"MAX_RESPONSE_BYTES" envDefault:"10485760"`

		Cache        respcache.Config `envPrefix:"CACHE_"`
		CacheEnabled bool             `env:"CACHE_ENABLED" envDefault:"true"`

		// At most one denial or breaker warning is logged per interval.
		LogSampleInterval time.Duration `env:"LOG_SAMPLE_INTERVAL" envDefault:"1s"`
	}

	// TargetConfig describes one downstream service, e.g.
	// GATEWAY_TARGET_0_NAME=users GATEWAY_TARGET_0_PREFIX=/users
	// GATEWAY_TARGET_0_URL=http://users:8080.
	TargetConfig struct {
		Name        string        `env:"NAME"`
		Prefix      string        `env:"PREFIX"`
		URL         string        `env:"URL"`
		Timeout     time.Duration `env:"TIMEOUT"`
		Breaker     string        `env:"BREAKER"` // defaults to Name
		StripPrefix bool          `env:"STRIP_PREFIX"`
	}

	AbuseConfig struct {
		// Denials per window that trigger an automatic block; 0 disables.
		Threshold     int64         `env:"THRESHOLD" envDefault:"0"`
		Window        time.Duration `env:"WINDOW" envDefault:"1m"`
		BlockDuration time.Duration `env:"BLOCK_DURATION" envDefault:"15m"`
	}
)
