package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfig_FileAndDefaults(t *testing.T) {
	path := writeConfig(t, `
database:
  driver: sqlite
  dsn: "file:test.db"
lock:
  backend: memory
  ttl: 3s
  renew_interval: 1s
dispatch:
  workers: 4
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "memory", cfg.Lock.Backend)
	assert.Equal(t, 3*time.Second, cfg.Lock.TTL)
	assert.Equal(t, time.Second, cfg.Lock.RenewInterval)
	assert.Equal(t, 4, cfg.Dispatch.Workers)

	// untouched keys fall back to defaults
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 40, cfg.Dispatch.MaxAttempts)
	assert.Equal(t, 3, cfg.Dispatch.WriteRetries)
	assert.Equal(t, "transfer:lock:account:", cfg.Lock.KeyPrefix)
	assert.Equal(t, "transfer.result", cfg.Kafka.Topic.TransferResult)
}

func TestLoadConfig_EnvOverride(t *testing.T) {
	path := writeConfig(t, `
database:
  driver: sqlite
  dsn: "file:test.db"
`)
	t.Setenv("TRANSFERD_LOCK_TTL", "45s")
	t.Setenv("TRANSFERD_DISPATCH_MAX_ATTEMPTS", "7")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 45*time.Second, cfg.Lock.TTL)
	assert.Equal(t, 7, cfg.Dispatch.MaxAttempts)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Database: DatabaseConfig{Driver: "mysql"},
			Lock:     LockConfig{Backend: "redis", TTL: 30 * time.Second, RenewInterval: 10 * time.Second},
			Dispatch: DispatchConfig{Workers: 1, MaxAttempts: 1, BackoffBase: time.Millisecond, BackoffMax: time.Second},
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{name: "unknown driver", mutate: func(c *Config) { c.Database.Driver = "oracle" }, wantErr: "database.driver"},
		{name: "sqlite without dsn", mutate: func(c *Config) { c.Database.Driver = "sqlite" }, wantErr: "database.dsn"},
		{name: "unknown lock backend", mutate: func(c *Config) { c.Lock.Backend = "etcd" }, wantErr: "lock.backend"},
		{name: "renew not below ttl", mutate: func(c *Config) { c.Lock.RenewInterval = c.Lock.TTL }, wantErr: "lock.renew_interval"},
		{name: "no workers", mutate: func(c *Config) { c.Dispatch.Workers = 0 }, wantErr: "dispatch.workers"},
		{name: "backoff max below base", mutate: func(c *Config) { c.Dispatch.BackoffMax = 0 }, wantErr: "dispatch.backoff_base"},
		{name: "negative write retries", mutate: func(c *Config) { c.Dispatch.WriteRetries = -1 }, wantErr: "dispatch.write_retries"},
		{name: "heartbeat not below ttl", mutate: func(c *Config) { c.Dispatch.HeartbeatInterval = c.Lock.TTL }, wantErr: "dispatch.heartbeat_interval"},
		{name: "kafka without brokers", mutate: func(c *Config) { c.Kafka.Enabled = true }, wantErr: "kafka.brokers"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
