// Package config provides configuration loading for the dispatch service.
package config

import (
	"time"

	"github.com/spf13/viper"

	common "github.com/telhawk-systems/relay/common/config"
)

const EnvPrefix = "DISPATCH"

type Config struct {
	Server     common.ServerConfig   `mapstructure:"server"`
	Database   common.DatabaseConfig `mapstructure:"database"`
	NATS       common.NATSConfig     `mapstructure:"nats"`
	Dispatch   DispatchConfig        `mapstructure:"dispatch"`
	Enricher   EnricherConfig        `mapstructure:"enricher"`
	Forwarder  ForwarderConfig       `mapstructure:"forwarder"`
	Redispatch RedispatchConfig      `mapstructure:"redispatch"`
	DLQ        DLQConfig             `mapstructure:"dlq"`
	Logging    common.LoggingConfig  `mapstructure:"logging"`
}

// DispatchConfig controls the dispatch loop shared by both stages.
type DispatchConfig struct {
	Concurrency  int           `mapstructure:"concurrency"`
	PageSize     int           `mapstructure:"page_size"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// EnricherConfig points at the transform endpoint. An empty URL selects the
// built-in local enricher.
type EnricherConfig struct {
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type ForwarderConfig struct {
	URL        string        `mapstructure:"url"`
	Timeout    time.Duration `mapstructure:"timeout"`
	SigningKey string        `mapstructure:"signing_key"`
}

// RedispatchConfig enables the scheduled sweep of retryable failures.
type RedispatchConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
	Cooldown time.Duration `mapstructure:"cooldown"`
}

// DLQConfig mirrors error records to JetStream. Needs nats.enabled.
type DLQConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

func setDefaults(v *viper.Viper) {
	common.SetServerDefaults(v, "server", 8089)
	common.SetInfraDefaults(v)

	v.SetDefault("dispatch.concurrency", 4)
	v.SetDefault("dispatch.page_size", 100)
	v.SetDefault("dispatch.poll_interval", "5s")

	v.SetDefault("enricher.url", "")
	v.SetDefault("enricher.timeout", "30s")

	v.SetDefault("forwarder.url", "http://localhost:9000/webhook")
	v.SetDefault("forwarder.timeout", "30s")
	v.SetDefault("forwarder.signing_key", "")

	v.SetDefault("redispatch.enabled", false)
	v.SetDefault("redispatch.interval", "1m")
	v.SetDefault("redispatch.cooldown", "5m")

	v.SetDefault("dlq.enabled", false)
}

// Load reads the dispatch configuration from defaults, the optional YAML
// file at configPath and DISPATCH_* environment variables.
func Load(configPath string) (*Config, error) {
	var cfg Config
	if _, err := common.Load(configPath, EnvPrefix, setDefaults, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
