package postgres

type (
	// Note: For env parsing to work, we must export all struct fields
	PostgresConfig struct {
		// Enabled turns on policy persistence. Without it custom policies live
		// in memory only.
		Enabled bool `env:"ENABLED" envDefault:"false"`

		// MigrateOnStart applies the embedded migrations before serving.
		MigrateOnStart bool `env:"MIGRATE_ON_START" envDefault:"true"`

		// PgBouncer switches every pool to the simple protocol.
		PgBouncer bool `env:"PGBOUNCER" envDefault:"false"`

		WriteConfig PoolConfig   `envPrefix:"PRIMARY_"`
		ReadConfigs []PoolConfig `envPrefix:"REPLICA_"`
	}

	PoolConfig struct {
		Host         string `env:"HOST"     envDefault:"localhost"`
		Port         uint16 `env:"PORT"     envDefault:"5432"`
		User         string `env:"USER"     envDefault:"postgres"`
		Password     string `env:"PASSWORD" envDefault:"postgres"`
		Database     string `env:"DATABASE" envDefault:"postgres"`
		SSLMode      string `env:"SSL_MODE" envDefault:"disable"`
		PoolMaxConns int    `env:"POOL_MAX_CONNS" envDefault:"5"`
	}
)
