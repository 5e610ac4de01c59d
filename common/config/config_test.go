package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

type testConfig struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

func testDefaults(v *viper.Viper) {
	SetServerDefaults(v, "server", 8088)
	SetInfraDefaults(v)
}

func TestLoad_Defaults(t *testing.T) {
	var cfg testConfig
	_, err := Load("", "RELAYTEST", testDefaults, &cfg)
	require.NoError(t, err)

	assert.Equal(t, 8088, cfg.Server.Port)
	assert.Equal(t, ":8088", cfg.Server.Addr())
	assert.Equal(t, 15*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 30*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, "file://migrations", cfg.Database.MigrationsPath)
	assert.Equal(t, -1, cfg.NATS.MaxReconnects)
	assert.Equal(t, 2*time.Second, cfg.NATS.ReconnectWait)
	assert.False(t, cfg.Redis.Enabled)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9000
logging:
  level: debug
  format: text
`), 0o600))

	t.Setenv("RELAYTEST_LOGGING_LEVEL", "warn")

	var cfg testConfig
	_, err := Load(path, "RELAYTEST", testDefaults, &cfg)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.Equal(t, "warn", cfg.Logging.Level, "env overrides file")
}

func TestLoad_MissingFileIsNotAnError(t *testing.T) {
	var cfg testConfig
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), "RELAYTEST", testDefaults, &cfg)
	require.NoError(t, err)
	assert.Equal(t, 8088, cfg.Server.Port)
}

func TestLoad_InvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [unclosed"), 0o600))

	var cfg testConfig
	_, err := Load(path, "RELAYTEST", testDefaults, &cfg)
	assert.Error(t, err)
}

func TestDump(t *testing.T) {
	var cfg testConfig
	v, err := Load("", "RELAYTEST", testDefaults, &cfg)
	require.NoError(t, err)

	out, err := Dump(v)
	require.NoError(t, err)

	var parsed map[string]any
	require.NoError(t, yaml.Unmarshal(out, &parsed))
	server, ok := parsed["server"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 8088, server["port"])
}
