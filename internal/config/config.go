// Package config loads runtime engine configuration from env and an
// optional yaml file.
package config

import (
	"errors"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// EngineConfig tunes the computation side.
type EngineConfig struct {
	Workers         int           `yaml:"workers"`
	QueueDepth      int           `yaml:"queue_depth"`
	FaultThreshold  int           `yaml:"fault_threshold"`
	DefaultTimeout  time.Duration `yaml:"default_timeout"`
	ScriptTimeout   time.Duration `yaml:"script_timeout"`
	PendingRetry    time.Duration `yaml:"pending_retry"`
	StoreShards     int           `yaml:"store_shards"`
	BrokerRetryCap  int           `yaml:"broker_retry_cap"`
	BrokerChannelNS string        `yaml:"broker_channel_ns"`
}

// NotifyConfig tunes alarm notification delivery.
type NotifyConfig struct {
	WebhookURL  string        `yaml:"webhook_url"`
	MinSeverity string        `yaml:"min_severity"`
	Cooldown    time.Duration `yaml:"cooldown"`
	Dedupe      time.Duration `yaml:"dedupe_window"`
}

// Config is the full service configuration.
type Config struct {
	HTTPAddr    string       `yaml:"http_addr"`
	MetricsAddr string       `yaml:"metrics_addr"`
	DatabaseURL string       `yaml:"database_url"`
	RedisAddr   string       `yaml:"redis_addr"`
	JWTSecret   string       `yaml:"jwt_secret"`
	Engine      EngineConfig `yaml:"engine"`
	Notify      NotifyConfig `yaml:"notify"`
}

// Load resolves configuration: env defaults first, then an optional
// yaml file named by ENGINE_CONFIG overrides them.
func Load() (Config, error) {
	cfg := Config{
		HTTPAddr:    getenvDefault("HTTP_ADDR", ":8080"),
		MetricsAddr: getenvDefault("METRICS_ADDR", ":9090"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisAddr:   os.Getenv("REDIS_ADDR"),
		JWTSecret:   os.Getenv("JWT_SECRET"),
		Engine: EngineConfig{
			Workers:        getenvIntDefault("ENGINE_WORKERS", 4),
			QueueDepth:     getenvIntDefault("ENGINE_QUEUE_DEPTH", 1024),
			FaultThreshold: getenvIntDefault("ENGINE_FAULT_THRESHOLD", 3),
			DefaultTimeout: getenvDurationDefault("ENGINE_DEFAULT_TIMEOUT", 5*time.Second),
			ScriptTimeout:  getenvDurationDefault("ENGINE_SCRIPT_TIMEOUT", 2*time.Second),
			PendingRetry:   getenvDurationDefault("ENGINE_PENDING_RETRY", 30*time.Second),
			StoreShards:    getenvIntDefault("ENGINE_STORE_SHARDS", 32),
			BrokerRetryCap: getenvIntDefault("ENGINE_BROKER_RETRY_CAP", 1024),
		},
		Notify: NotifyConfig{
			WebhookURL:  os.Getenv("ALARM_WEBHOOK_URL"),
			MinSeverity: getenvDefault("ALARM_NOTIFY_MIN_SEVERITY", "high"),
			Cooldown:    getenvDurationDefault("ALARM_NOTIFY_COOLDOWN", time.Minute),
			Dedupe:      getenvDurationDefault("ALARM_NOTIFY_DEDUP_WINDOW", 5*time.Minute),
		},
	}

	if path := os.Getenv("ENGINE_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the resolved configuration.
func (c Config) Validate() error {
	if c.HTTPAddr == "" {
		return errors.New("config: http addr required")
	}
	if c.Engine.Workers <= 0 {
		return errors.New("config: engine workers must be positive")
	}
	if c.Engine.DefaultTimeout <= 0 {
		return errors.New("config: default timeout must be positive")
	}
	return nil
}

func getenvDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvIntDefault(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvDurationDefault(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}
