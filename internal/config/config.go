package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the process-wide configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Lock     LockConfig     `mapstructure:"lock"`
	Dispatch DispatchConfig `mapstructure:"dispatch"`
	Outbox   OutboxConfig   `mapstructure:"outbox"`
	Log      LogConfig      `mapstructure:"log"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// WorkerID feeds the snowflake generator; unique per running instance.
	WorkerID        int64         `mapstructure:"worker_id"`
}

// DatabaseConfig selects the gorm driver. DSN wins over the discrete fields
// when set; sqlite only understands DSN.
type DatabaseConfig struct {
	Driver       string `mapstructure:"driver"` // mysql | postgres | sqlite
	DSN          string `mapstructure:"dsn"`
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
	LogSQL       bool   `mapstructure:"log_sql"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type KafkaConfig struct {
	Enabled bool             `mapstructure:"enabled"`
	Brokers []string         `mapstructure:"brokers"`
	Topic   KafkaTopicConfig `mapstructure:"topic"`
}

type KafkaTopicConfig struct {
	TransferResult string `mapstructure:"transfer_result"`
}

// LockConfig controls the per-account lock.
//
// TTL must comfortably exceed the p99 execution time of one job; RenewInterval
// must be well below TTL so a slow job keeps its lock.
type LockConfig struct {
	Backend       string        `mapstructure:"backend"` // redis | memory
	TTL           time.Duration `mapstructure:"ttl"`
	RenewInterval time.Duration `mapstructure:"renew_interval"`
	KeyPrefix     string        `mapstructure:"key_prefix"`
}

type DispatchConfig struct {
	Workers      int           `mapstructure:"workers"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
	BackoffBase  time.Duration `mapstructure:"backoff_base"`
	BackoffMax   time.Duration `mapstructure:"backoff_max"`
	WriteRetries int           `mapstructure:"write_retries"`

	// Retention is how long finished jobs stay answerable from memory.
	Retention time.Duration `mapstructure:"retention"`

	// HeartbeatInterval refreshes updated_at of live jobs; 0 means lock.ttl/3.
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
}

type OutboxConfig struct {
	Interval      time.Duration `mapstructure:"interval"`
	BatchSize     int           `mapstructure:"batch_size"`
	MaxRetryCount int           `mapstructure:"max_retry_count"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json | console
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", 5*time.Second)
	v.SetDefault("server.worker_id", 1)

	v.SetDefault("database.driver", "mysql")
	v.SetDefault("database.max_open_conns", 50)
	v.SetDefault("database.max_idle_conns", 10)

	v.SetDefault("redis.host", "127.0.0.1")
	v.SetDefault("redis.port", 6379)

	v.SetDefault("kafka.topic.transfer_result", "transfer.result")

	v.SetDefault("lock.backend", "redis")
	v.SetDefault("lock.ttl", 30*time.Second)
	v.SetDefault("lock.renew_interval", 10*time.Second)
	v.SetDefault("lock.key_prefix", "transfer:lock:account:")

	v.SetDefault("dispatch.workers", 64)
	v.SetDefault("dispatch.max_attempts", 40)
	v.SetDefault("dispatch.backoff_base", 20*time.Millisecond)
	v.SetDefault("dispatch.backoff_max", 2*time.Second)
	v.SetDefault("dispatch.write_retries", 3)
	v.SetDefault("dispatch.retention", 10*time.Minute)

	v.SetDefault("outbox.interval", 100*time.Millisecond)
	v.SetDefault("outbox.batch_size", 100)
	v.SetDefault("outbox.max_retry_count", 5)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// LoadConfig reads configPath (YAML) and overlays TRANSFERD_* environment
// variables, e.g. TRANSFERD_LOCK_TTL=45s.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix("TRANSFERD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings that would break the locking guarantees.
func (c *Config) Validate() error {
	var problems []string

	switch c.Database.Driver {
	case "mysql", "postgres", "sqlite":
	default:
		problems = append(problems, fmt.Sprintf("database.driver %q is not supported", c.Database.Driver))
	}
	if c.Database.Driver == "sqlite" && c.Database.DSN == "" {
		problems = append(problems, "database.dsn is required for sqlite")
	}

	switch c.Lock.Backend {
	case "redis", "memory":
	default:
		problems = append(problems, fmt.Sprintf("lock.backend %q is not supported", c.Lock.Backend))
	}
	if c.Lock.TTL <= 0 {
		problems = append(problems, "lock.ttl must be positive")
	}
	if c.Lock.RenewInterval <= 0 || c.Lock.RenewInterval >= c.Lock.TTL {
		problems = append(problems, "lock.renew_interval must be positive and shorter than lock.ttl")
	}

	if c.Dispatch.Workers < 1 {
		problems = append(problems, "dispatch.workers must be at least 1")
	}
	if c.Dispatch.MaxAttempts < 1 {
		problems = append(problems, "dispatch.max_attempts must be at least 1")
	}
	if c.Dispatch.BackoffBase <= 0 || c.Dispatch.BackoffMax < c.Dispatch.BackoffBase {
		problems = append(problems, "dispatch.backoff_base must be positive and not above dispatch.backoff_max")
	}
	if c.Dispatch.WriteRetries < 0 {
		problems = append(problems, "dispatch.write_retries cannot be negative")
	}
	if c.Dispatch.HeartbeatInterval < 0 || c.Dispatch.HeartbeatInterval >= c.Lock.TTL {
		problems = append(problems, "dispatch.heartbeat_interval cannot be negative and must be shorter than lock.ttl")
	}

	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		problems = append(problems, "kafka.brokers is required when kafka.enabled is true")
	}

	if len(problems) > 0 {
		return errors.New("invalid configuration: " + strings.Join(problems, "; "))
	}
	return nil
}
