package config

import (
	"time"

	"github.com/spf13/viper"

	common "github.com/telhawk-systems/relay/common/config"
)

const EnvPrefix = "INGEST"

type Config struct {
	Server    common.ServerConfig   `mapstructure:"server"`
	Database  common.DatabaseConfig `mapstructure:"database"`
	NATS      common.NATSConfig     `mapstructure:"nats"`
	Redis     common.RedisConfig    `mapstructure:"redis"`
	Ingestion IngestionConfig       `mapstructure:"ingestion"`
	Producers ProducersConfig       `mapstructure:"producers"`
	Logging   common.LoggingConfig  `mapstructure:"logging"`
}

type IngestionConfig struct {
	// MaxBodyBytes caps the size of one batch request.
	MaxBodyBytes      int64         `mapstructure:"max_body_bytes"`
	RateLimitEnabled  bool          `mapstructure:"rate_limit_enabled"`
	RateLimitRequests int           `mapstructure:"rate_limit_requests"`
	RateLimitWindow   time.Duration `mapstructure:"rate_limit_window"`
}

// ProducersConfig controls per-session usage stats. They live in Redis, so
// Redis must be enabled too.
type ProducersConfig struct {
	StatsEnabled  bool          `mapstructure:"stats_enabled"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	// InstanceID names this ingest instance in the stats. Defaults to the
	// hostname.
	InstanceID string `mapstructure:"instance_id"`
}

func setDefaults(v *viper.Viper) {
	common.SetServerDefaults(v, "server", 8088)
	common.SetInfraDefaults(v)

	v.SetDefault("ingestion.max_body_bytes", 10<<20)
	v.SetDefault("ingestion.rate_limit_enabled", false)
	v.SetDefault("ingestion.rate_limit_requests", 600)
	v.SetDefault("ingestion.rate_limit_window", "1m")

	v.SetDefault("producers.stats_enabled", false)
	v.SetDefault("producers.flush_interval", "10s")
	v.SetDefault("producers.instance_id", "")
}

// Load reads the ingest configuration from defaults, the optional YAML file
// at configPath and INGEST_* environment variables.
func Load(configPath string) (*Config, error) {
	var cfg Config
	if _, err := common.Load(configPath, EnvPrefix, setDefaults, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
