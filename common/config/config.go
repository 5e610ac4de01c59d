// Package config provides the configuration layer shared by all relay services.
// Each service declares its own struct and defaults; Load layers defaults,
// an optional YAML file and prefixed environment variables on top of each other.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Addr returns the listen address for the server.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf(":%d", s.Port)
}

// DatabaseConfig holds the Message Store connection settings.
type DatabaseConfig struct {
	// URL is a postgres:// connection string. Empty selects the in-memory store.
	URL            string `mapstructure:"url"`
	RunMigrations  bool   `mapstructure:"run_migrations"`
	MigrationsPath string `mapstructure:"migrations_path"`
}

// NATSConfig holds NATS message broker configuration
type NATSConfig struct {
	URL           string        `mapstructure:"url"`
	Enabled       bool          `mapstructure:"enabled"`
	MaxReconnects int           `mapstructure:"max_reconnects"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait"`
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	URL     string `mapstructure:"url"`
	Enabled bool   `mapstructure:"enabled"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// SetServerDefaults registers defaults for a ServerConfig under key.
func SetServerDefaults(v *viper.Viper, key string, port int) {
	v.SetDefault(key+".port", port)
	v.SetDefault(key+".read_timeout", "15s")
	v.SetDefault(key+".write_timeout", "15s")
	v.SetDefault(key+".idle_timeout", "60s")
	v.SetDefault(key+".shutdown_timeout", "30s")
}

// SetInfraDefaults registers defaults for the shared infrastructure blocks.
func SetInfraDefaults(v *viper.Viper) {
	v.SetDefault("database.url", "")
	v.SetDefault("database.run_migrations", true)
	v.SetDefault("database.migrations_path", "file://migrations")

	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.max_reconnects", -1)
	v.SetDefault("nats.reconnect_wait", "2s")

	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("redis.enabled", false)

	SetLoggingDefaults(v)
}

// SetLoggingDefaults registers the logging block defaults.
func SetLoggingDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Load reads configuration into out. Values are resolved, lowest priority
// first, from defaults, the YAML file at path (optional; a missing file is
// not an error) and environment variables named ENVPREFIX_SECTION_KEY.
// The returned viper instance can be passed to Dump.
func Load(path, envPrefix string, defaults func(*viper.Viper), out any) (*viper.Viper, error) {
	v := viper.New()
	if defaults != nil {
		defaults(v)
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	if err := v.Unmarshal(out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return v, nil
}

// Dump renders the effective settings as YAML.
func Dump(v *viper.Viper) ([]byte, error) {
	out, err := yaml.Marshal(v.AllSettings())
	if err != nil {
		return nil, fmt.Errorf("failed to render config: %w", err)
	}
	return out, nil
}
