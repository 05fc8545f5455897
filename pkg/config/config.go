// Package config loads service configuration from a YAML file, a .env file
// and VITALGUARD_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. VITALGUARD_SERVER_ADDR.
const EnvPrefix = "VITALGUARD"

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Model    ModelConfig    `mapstructure:"model"`
	Store    StoreConfig    `mapstructure:"store"`
	MQTT     MQTTConfig     `mapstructure:"mqtt"`
	API      APIConfig      `mapstructure:"api"`
	Hub      HubConfig      `mapstructure:"hub"`
	Log      LogConfig      `mapstructure:"log"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type PipelineConfig struct {
	Interval      time.Duration `mapstructure:"interval"`
	HistoryWindow int           `mapstructure:"history_window"`
}

type ModelConfig struct {
	MinHistory    int     `mapstructure:"min_history"`
	Trees         int     `mapstructure:"trees"`
	SampleSize    int     `mapstructure:"sample_size"`
	Contamination float64 `mapstructure:"contamination"`
	Seed          int64   `mapstructure:"seed"`
}

type StoreConfig struct {
	Driver         string        `mapstructure:"driver"`
	PostgresURL    string        `mapstructure:"postgres_url"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	MemoryCapacity int           `mapstructure:"memory_capacity"`
}

type MQTTConfig struct {
	URL      string `mapstructure:"url"`
	Topic    string `mapstructure:"topic"`
	ClientID string `mapstructure:"client_id"`
	QoS      int    `mapstructure:"qos"`
}

type APIConfig struct {
	DefaultHistoryLimit int     `mapstructure:"default_history_limit"`
	DefaultAnomalyLimit int     `mapstructure:"default_anomaly_limit"`
	MaxLimit            int     `mapstructure:"max_limit"`
	RatePerSec          float64 `mapstructure:"rate_per_sec"`
}

type HubConfig struct {
	PushTimeout time.Duration `mapstructure:"push_timeout"`
	Buffer      int           `mapstructure:"buffer"`
}

type LogConfig struct {
	Level   string `mapstructure:"level"`
	Console bool   `mapstructure:"console"`
}

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
)

// SetDefaults registers a default for every key so env overrides resolve.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8000")
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("pipeline.interval", 2*time.Second)
	v.SetDefault("pipeline.history_window", 100)

	v.SetDefault("model.min_history", 20)
	v.SetDefault("model.trees", 100)
	v.SetDefault("model.sample_size", 256)
	v.SetDefault("model.contamination", 0.1)
	v.SetDefault("model.seed", 42)

	v.SetDefault("store.driver", DriverMemory)
	v.SetDefault("store.postgres_url", "")
	v.SetDefault("store.connect_timeout", 30*time.Second)
	v.SetDefault("store.memory_capacity", 10000)

	v.SetDefault("mqtt.url", "")
	v.SetDefault("mqtt.topic", "vitalguard/readings")
	v.SetDefault("mqtt.client_id", "vitalguard")
	v.SetDefault("mqtt.qos", 1)

	v.SetDefault("api.default_history_limit", 50)
	v.SetDefault("api.default_anomaly_limit", 20)
	v.SetDefault("api.max_limit", 1000)
	v.SetDefault("api.rate_per_sec", 20.0)

	v.SetDefault("hub.push_timeout", 5*time.Second)
	v.SetDefault("hub.buffer", 256)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.console", true)
}

// LoadDotEnv loads .env files into the process environment. A missing file is
// reported but not fatal.
func LoadDotEnv(files ...string) error {
	return godotenv.Load(files...)
}

// Load reads config.yaml from dir (if present), applies env overrides and
// validates the result.
func Load(v *viper.Viper, dir string) (*Config, error) {
	SetDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if dir != "" {
		v.AddConfigPath(dir)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
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

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	var errs []error
	if c.Pipeline.Interval <= 0 {
		errs = append(errs, errors.New("pipeline.interval must be positive"))
	}
	if c.Model.MinHistory < 1 {
		errs = append(errs, errors.New("model.min_history must be at least 1"))
	}
	if c.Pipeline.HistoryWindow < c.Model.MinHistory {
		errs = append(errs, fmt.Errorf("pipeline.history_window (%d) must be >= model.min_history (%d)",
			c.Pipeline.HistoryWindow, c.Model.MinHistory))
	}
	if c.Model.Contamination <= 0 || c.Model.Contamination > 0.5 {
		errs = append(errs, fmt.Errorf("model.contamination must be in (0, 0.5], got %v", c.Model.Contamination))
	}
	if c.Model.Trees < 1 {
		errs = append(errs, errors.New("model.trees must be at least 1"))
	}
	switch c.Store.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.Store.PostgresURL == "" {
			errs = append(errs, errors.New("store.postgres_url is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store.driver %q", c.Store.Driver))
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", c.MQTT.QoS))
	}
	return errors.Join(errs...)
}
