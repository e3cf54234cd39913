// Package config loads Cadence configuration from file, environment and defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override (CADENCE_DATABASE_PATH, ...).
const EnvPrefix = "CADENCE"

// Config is the root configuration.
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Daemon    DaemonConfig    `mapstructure:"daemon"`
	MQTT      MQTTConfig      `mapstructure:"mqtt"`
	InfluxDB  InfluxDBConfig  `mapstructure:"influxdb"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// DatabaseConfig contains SQLite settings.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// EngineConfig tunes the enrollment state machine.
type EngineConfig struct {
	MaxStepsPerAdvance int    `mapstructure:"max_steps_per_advance"`
	DefaultTimezone    string `mapstructure:"default_timezone"`
}

// SchedulerConfig tunes the tick loop.
type SchedulerConfig struct {
	TickInterval   time.Duration `mapstructure:"tick_interval"`
	AdvanceTimeout time.Duration `mapstructure:"advance_timeout"`
	MaxConcurrent  int           `mapstructure:"max_concurrent"`
	BatchSize      int           `mapstructure:"batch_size"`
}

// DaemonConfig contains admin gRPC server settings.
type DaemonConfig struct {
	Host      string `mapstructure:"host"`
	Port      int    `mapstructure:"port"`
	RateLimit bool   `mapstructure:"rate_limit"`
}

// MQTTConfig contains broker settings for intents and outcome events.
type MQTTConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Host        string `mapstructure:"host"`
	Port        int    `mapstructure:"port"`
	TLS         bool   `mapstructure:"tls"`
	ClientID    string `mapstructure:"client_id"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
	QoS         int    `mapstructure:"qos"`
	TopicPrefix string `mapstructure:"topic_prefix"`

	// ReconnectInitial and ReconnectMax bound the reconnect backoff.
	ReconnectInitial time.Duration `mapstructure:"reconnect_initial"`
	ReconnectMax     time.Duration `mapstructure:"reconnect_max"`
}

// InfluxDBConfig contains metrics sink settings.
type InfluxDBConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	URL           string        `mapstructure:"url"`
	Token         string        `mapstructure:"token"`
	Org           string        `mapstructure:"org"`
	Bucket        string        `mapstructure:"bucket"`
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DefaultDatabasePath returns the default SQLite location.
func DefaultDatabasePath() string {
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		return filepath.Join(home, ".local", "share", "cadence", "cadence.db")
	}
	return "cadence.db"
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.path", DefaultDatabasePath())

	v.SetDefault("engine.max_steps_per_advance", 32)
	v.SetDefault("engine.default_timezone", "UTC")

	v.SetDefault("scheduler.tick_interval", 5*time.Second)
	v.SetDefault("scheduler.advance_timeout", 10*time.Second)
	v.SetDefault("scheduler.max_concurrent", 8)
	v.SetDefault("scheduler.batch_size", 200)

	v.SetDefault("daemon.host", "127.0.0.1")
	v.SetDefault("daemon.port", 7450)
	v.SetDefault("daemon.rate_limit", true)

	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.host", "localhost")
	v.SetDefault("mqtt.port", 1883)
	v.SetDefault("mqtt.client_id", "cadence")
	v.SetDefault("mqtt.qos", 1)
	v.SetDefault("mqtt.topic_prefix", "cadence")
	v.SetDefault("mqtt.reconnect_initial", time.Second)
	v.SetDefault("mqtt.reconnect_max", time.Minute)

	v.SetDefault("influxdb.enabled", false)
	v.SetDefault("influxdb.url", "http://localhost:8086")
	v.SetDefault("influxdb.org", "cadence")
	v.SetDefault("influxdb.bucket", "cadence")
	v.SetDefault("influxdb.batch_size", 100)
	v.SetDefault("influxdb.flush_interval", 10*time.Second)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
}

// Default returns the configuration with only defaults applied.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	cfg := &Config{}
	// Defaults always decode.
	_ = v.Unmarshal(cfg)
	return cfg
}

// Load reads configuration. An empty path searches ./cadence.yaml and
// ~/.config/cadence/config.yaml; a missing file is not an error unless the
// path was given explicitly.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if strings.TrimSpace(path) != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("cadence")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil && home != "" {
			v.AddConfigPath(filepath.Join(home, ".config", "cadence"))
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
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

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Database.Path) == "" {
		return errors.New("database.path is required")
	}
	if c.Engine.MaxStepsPerAdvance <= 0 {
		return errors.New("engine.max_steps_per_advance must be positive")
	}
	if _, err := time.LoadLocation(c.Engine.DefaultTimezone); err != nil {
		return fmt.Errorf("engine.default_timezone: %w", err)
	}
	if c.Scheduler.TickInterval <= 0 {
		return errors.New("scheduler.tick_interval must be positive")
	}
	if c.Daemon.Port <= 0 || c.Daemon.Port > 65535 {
		return fmt.Errorf("daemon.port %d out of range", c.Daemon.Port)
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos %d out of range", c.MQTT.QoS)
	}
	if c.InfluxDB.Enabled && strings.TrimSpace(c.InfluxDB.Token) == "" {
		return errors.New("influxdb.token is required when influxdb is enabled")
	}
	return nil
}
