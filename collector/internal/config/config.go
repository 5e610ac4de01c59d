package config

import (
	"time"

	"github.com/spf13/viper"

	common "github.com/telhawk-systems/relay/common/config"
)

const EnvPrefix = "COLLECTOR"

type Config struct {
	Ingest  IngestConfig         `mapstructure:"ingest"`
	Queue   QueueConfig          `mapstructure:"queue"`
	Sender  SenderConfig         `mapstructure:"sender"`
	Spool   SpoolConfig          `mapstructure:"spool"`
	Metrics MetricsConfig        `mapstructure:"metrics"`
	Logging common.LoggingConfig `mapstructure:"logging"`
}

type IngestConfig struct {
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type QueueConfig struct {
	Capacity int `mapstructure:"capacity"`
}

type SenderConfig struct {
	BatchSize     int           `mapstructure:"batch_size"`
	BaseDelay     time.Duration `mapstructure:"base_delay"`
	MaxDelay      time.Duration `mapstructure:"max_delay"`
	MaxRetries    int           `mapstructure:"max_retries"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	SessionID     string        `mapstructure:"session_id"`
}

// SpoolConfig controls persistence of the queue across restarts.
type SpoolConfig struct {
	Enabled            bool          `mapstructure:"enabled"`
	RedisURL           string        `mapstructure:"redis_url"`
	Name               string        `mapstructure:"name"`
	CheckpointInterval time.Duration `mapstructure:"checkpoint_interval"`
}

type MetricsConfig struct {
	// Addr serves /metrics when non-empty, e.g. ":9102".
	Addr string `mapstructure:"addr"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ingest.url", "http://localhost:8088")
	v.SetDefault("ingest.timeout", "30s")

	v.SetDefault("queue.capacity", 10000)

	v.SetDefault("sender.batch_size", 50)
	v.SetDefault("sender.base_delay", "1s")
	v.SetDefault("sender.max_delay", "30s")
	v.SetDefault("sender.max_retries", 5)
	v.SetDefault("sender.flush_interval", "30s")
	v.SetDefault("sender.session_id", "")

	v.SetDefault("spool.enabled", false)
	v.SetDefault("spool.redis_url", "redis://localhost:6379/0")
	v.SetDefault("spool.name", "default")
	v.SetDefault("spool.checkpoint_interval", "10s")

	v.SetDefault("metrics.addr", "")

	common.SetLoggingDefaults(v)
	// Collector output goes to a terminal by default.
	v.SetDefault("logging.format", "text")
}

// Load reads the collector configuration. The returned viper instance holds
// the effective settings for `collector config`.
func Load(path string) (*Config, *viper.Viper, error) {
	var cfg Config
	v, err := common.Load(path, EnvPrefix, setDefaults, &cfg)
	if err != nil {
		return nil, nil, err
	}
	return &cfg, v, nil
}
