package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full server configuration. Values come from defaults, an
// optional provflow.yaml next to the binary, and PROVFLOW_* environment
// variables, in increasing priority.
type Config struct {
	HTTPAddr    string `mapstructure:"http_addr"`
	PostgresDSN string `mapstructure:"postgres_dsn"`
	RedisAddr   string `mapstructure:"redis_addr"`

	// QueueOnConflict switches subscriber lock admission from fail-fast to a
	// bounded wait.
	QueueOnConflict  bool          `mapstructure:"queue_on_conflict"`
	LockMaxWait      time.Duration `mapstructure:"lock_max_wait"`
	LockPollInterval time.Duration `mapstructure:"lock_poll_interval"`
	LockTTL          time.Duration `mapstructure:"lock_ttl"`

	// IdempotencyGrace is how long idempotency entries are kept after their
	// workflow reaches a terminal state.
	IdempotencyGrace time.Duration `mapstructure:"idempotency_grace"`

	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetDefault("http_addr", ":8080")
	v.SetDefault("postgres_dsn", "host=localhost user=postgres password=postgres dbname=provflow port=5432 sslmode=disable")
	v.SetDefault("redis_addr", "localhost:6379")
	v.SetDefault("queue_on_conflict", false)
	v.SetDefault("lock_max_wait", 30*time.Second)
	v.SetDefault("lock_poll_interval", 100*time.Millisecond)
	v.SetDefault("lock_ttl", time.Duration(0))
	v.SetDefault("idempotency_grace", 24*time.Hour)
	v.SetDefault("shutdown_timeout", 30*time.Second)

	v.SetConfigName("provflow")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return nil, err
		}
	}

	v.SetEnvPrefix("provflow")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
