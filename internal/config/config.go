// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/converselabs/widgetd/pkg/limits"
)

// Config represents the widgetd configuration.
type Config struct {
	// Port is the HTTP listen port.
	Port int `yaml:"port"`

	// DBPath is the SQLite database location.
	DBPath string `yaml:"db_path"`

	Redis   RedisConfig   `yaml:"redis"`
	Session SessionConfig `yaml:"session"`
	Events  EventsConfig  `yaml:"events"`
	Limits  limits.Config `yaml:"limits"`
	OpenAI  OpenAIConfig  `yaml:"openai"`
}

// RedisConfig holds the event log connection settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// Duration wraps time.Duration so YAML values like "12h" parse.
type Duration struct{ time.Duration }

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// SessionConfig holds session lifecycle settings.
type SessionConfig struct {
	// TTL is the fixed session lifetime.
	TTL Duration `yaml:"ttl"`
	// SweepSchedule is the cron spec for the expired-session sweep.
	SweepSchedule string `yaml:"sweep_schedule"`
	// SweepGrace keeps recently expired sessions so returning visitors
	// get a reset instead of a new record.
	SweepGrace Duration `yaml:"sweep_grace"`

	// Per-session widget policy caps; zero means unlimited.
	MaxMessages  int `yaml:"max_messages"`
	MaxPerMinute int `yaml:"max_per_minute"`
	MaxFiles     int `yaml:"max_files"`
}

// EventsConfig holds event log tuning.
type EventsConfig struct {
	Retention Duration `yaml:"retention"`
	TypingTTL Duration `yaml:"typing_ttl"`
}

// OpenAIConfig configures the title-generation collaborator.
type OpenAIConfig struct {
	APIKey string `yaml:"api_key"`
	Model  string `yaml:"model"`
}

// Load reads configuration from a YAML file, applies defaults, and lets
// environment variables override connection settings. An empty path
// yields a default config straight from defaults and environment.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	// Apply defaults
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	if cfg.DBPath == "" {
		cfg.DBPath = "./data/widgetd.db"
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.Session.TTL.Duration == 0 {
		cfg.Session.TTL.Duration = 24 * time.Hour
	}
	if cfg.Session.SweepSchedule == "" {
		cfg.Session.SweepSchedule = "@every 1h"
	}
	if cfg.Session.SweepGrace.Duration == 0 {
		cfg.Session.SweepGrace.Duration = 24 * time.Hour
	}
	if cfg.Events.Retention.Duration == 0 {
		cfg.Events.Retention.Duration = 5 * time.Minute
	}
	if cfg.Events.TypingTTL.Duration == 0 {
		cfg.Events.TypingTTL.Duration = 5 * time.Second
	}
	if cfg.OpenAI.Model == "" {
		cfg.OpenAI.Model = "gpt-4o-mini"
	}

	// Environment overrides
	if v := os.Getenv("PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Port = p
		}
	}
	if v := os.Getenv("DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if cfg.OpenAI.APIKey == "" {
		cfg.OpenAI.APIKey = os.Getenv("OPENAI_API_KEY")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port out of range: %d", c.Port)
	}
	if c.DBPath == "" {
		return fmt.Errorf("db_path is required")
	}
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required")
	}
	if c.Session.TTL.Duration <= 0 {
		return fmt.Errorf("session.ttl must be positive")
	}
	if c.Events.Retention.Duration <= 0 {
		return fmt.Errorf("events.retention must be positive")
	}
	return nil
}
