package ratelimit

import (
	rl "gateway/modules/ratelimit"
)

type KeyStrategyID string

const (
	RemoteIPKeyStrategy KeyStrategyID = "remote_ip"
	HeaderKeyStrategy   KeyStrategyID = "header"
)

type (
	// RestHTTPConfig configures the middleware guarding the admin API. Routes
	// are matched on the ServeMux pattern of the request.
	RestHTTPConfig struct {
		Routes              []Route       `envPrefix:"ROUTE_"`
		DefaultPolicy       EndpointRule  `envPrefix:"DEFAULT_"`
		AllowIfNoMatch      bool          `env:"ALLOW_IF_NO_MATCH" envDefault:"true"`
		AllowIfNoIdentifier bool          `env:"ALLOW_IF_NO_ID"`
		KeyHeader           string        `env:"KEY_HEADER" envDefault:"X-Admin-Token"`
		TrustForwardedFor   bool          `env:"TRUST_FORWARDED_FOR"`
		KeyStrategy         KeyStrategyID `env:"KEY_STRATEGY" envDefault:"remote_ip"`
	}

	Route struct {
		Pattern       string         `env:"PATTERN"`
		EndpointRules []EndpointRule `envPrefix:"POLICY_"`
	}

	EndpointRule struct {
		Method string    `env:"METHOD"`
		Policy rl.Policy `envPrefix:"LIMIT_"`
	}
)
