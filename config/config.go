// Package config loads docflow settings from a YAML file and DOCFLOW_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. DOCFLOW_SERVER_ADDR.
const EnvPrefix = "DOCFLOW"

// Storage drivers.
const (
	DriverMemory   = "memory"
	DriverRedis    = "redis"
	DriverPostgres = "postgres"
)

// Config holds the configuration for the application.
type Config struct {
	Server struct {
		Addr            string        `mapstructure:"addr"`
		ReadTimeout     time.Duration `mapstructure:"read_timeout"`
		WriteTimeout    time.Duration `mapstructure:"write_timeout"`
		ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	} `mapstructure:"server"`
	Storage struct {
		Driver string `mapstructure:"driver"`
		Redis  struct {
			Addr         string        `mapstructure:"addr"`
			Password     string        `mapstructure:"password"`
			DB           int           `mapstructure:"db"`
			PoolSize     int           `mapstructure:"pool_size"`
			MinIdleConns int           `mapstructure:"min_idle_conns"`
			IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
			KeyPrefix    string        `mapstructure:"key_prefix"`
		} `mapstructure:"redis"`
		Postgres struct {
			DSN     string `mapstructure:"dsn"`
			Migrate bool   `mapstructure:"migrate"`
		} `mapstructure:"postgres"`
	} `mapstructure:"storage"`
	Engine struct {
		EscalationRole string        `mapstructure:"escalation_role"`
		NotifyTimeout  time.Duration `mapstructure:"notify_timeout"`
		ScriptTimeout  time.Duration `mapstructure:"script_timeout"`
	} `mapstructure:"engine"`
	Scheduler struct {
		Enabled     bool          `mapstructure:"enabled"`
		Interval    time.Duration `mapstructure:"interval"`
		Concurrency int           `mapstructure:"concurrency"`
	} `mapstructure:"scheduler"`
	Log Log `mapstructure:"log"`
	// Fixtures is a YAML file with directory users and document fields.
	Fixtures string `mapstructure:"fixtures"`
	// Definitions are YAML files imported at startup.
	Definitions []string `mapstructure:"definitions"`
}

// Log configures the zap logger.
type Log struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
	Encoding    string `mapstructure:"encoding"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)

	v.SetDefault("storage.driver", DriverMemory)
	v.SetDefault("storage.redis.addr", "localhost:6379")
	v.SetDefault("storage.redis.password", "")
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.pool_size", 10)
	v.SetDefault("storage.redis.min_idle_conns", 2)
	v.SetDefault("storage.redis.idle_timeout", 5*time.Minute)
	v.SetDefault("storage.redis.key_prefix", "docflow:")
	v.SetDefault("storage.postgres.dsn", "")
	v.SetDefault("storage.postgres.migrate", true)

	v.SetDefault("engine.escalation_role", "System Manager")
	v.SetDefault("engine.notify_timeout", 5*time.Second)
	v.SetDefault("engine.script_timeout", 2*time.Second)

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.interval", time.Minute)
	v.SetDefault("scheduler.concurrency", 8)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
	v.SetDefault("log.encoding", "json")

	v.SetDefault("fixtures", "")
	v.SetDefault("definitions", []string{})
}

// Load reads path, or docflow.yaml from the working directory or ./config
// when path is empty. A missing default file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("docflow")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the server cannot start with.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case DriverMemory, DriverRedis:
	case DriverPostgres:
		if c.Storage.Postgres.DSN == "" {
			return errors.New("storage.postgres.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	if c.Scheduler.Enabled && c.Scheduler.Interval <= 0 {
		return errors.New("scheduler.interval must be positive")
	}
	return nil
}
