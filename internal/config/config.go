// Package config loads and validates the courier configuration from a
// TOML file, with working defaults for every knob so a bare binary runs.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"

	"github.com/avandra/courier/internal/cache"
	"github.com/avandra/courier/internal/delivery"
	"github.com/avandra/courier/internal/queue"
)

// Config represents the application configuration
type Config struct {
	// HTTP API configuration
	Server struct {
		Listen string `toml:"listen"`
	} `toml:"server"`

	// Channel provider credentials
	WhatsApp struct {
		PhoneNumberID string `toml:"phone_number_id"`
		AccessToken   string `toml:"access_token"`
	} `toml:"whatsapp"`

	// Customer session window
	Session struct {
		WindowHours int `toml:"window_hours"`
	} `toml:"session"`

	// Send guards
	Throttle struct {
		HourlyCap            int   `toml:"hourly_cap"`             // per recipient
		MinuteCap            int   `toml:"minute_cap"`             // per recipient
		GlobalPerMinute      int64 `toml:"global_per_minute"`      // provider-wide
		BreakerThreshold     int   `toml:"breaker_threshold"`      // sends per window before tripping
		BreakerWindowMinutes int   `toml:"breaker_window_minutes"` //
	} `toml:"throttle"`

	// Shared counter store backing the global quota
	Counter struct {
		Type     string `toml:"type"` // "redis", "memcached", "memory"
		Host     string `toml:"host"`
		Port     int    `toml:"port"`
		Password string `toml:"password"`
		Database int    `toml:"database"`
	} `toml:"counter"`

	// Retry and chunking behavior
	Delivery struct {
		RetryAttempts   int `toml:"retry_attempts"`
		RetryBaseMillis int `toml:"retry_base_ms"`
		RetryMaxMillis  int `toml:"retry_max_ms"`
		MaxMessageChars int `toml:"max_message_chars"`
	} `toml:"delivery"`

	// Message queue backend and template behavior
	Queue struct {
		Backend      string          `toml:"backend"` // "sql" or "legacy"
		TemplateLang string          `toml:"template_lang"`
		MaxRetries   int             `toml:"max_retries"`
		SQL          queue.SQLConfig `toml:"sql"`
	} `toml:"queue"`

	// Periodic maintenance
	Sweep struct {
		Enabled  bool   `toml:"enabled"`
		Schedule string `toml:"schedule"` // cron spec
	} `toml:"sweep"`

	// Logging configuration
	Logging struct {
		Level  string `toml:"level"`
		Format string `toml:"format"` // "text" or "json"
	} `toml:"logging"`

	// Recipient roster for deployments without a CRM integration
	Owners []OwnerEntry `toml:"owners"`
}

// OwnerEntry is one roster row
type OwnerEntry struct {
	ID    string `toml:"id"`
	Name  string `toml:"name"`
	Phone string `toml:"phone"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Listen = ":8080"

	cfg.Session.WindowHours = 24

	cfg.Throttle.HourlyCap = 15
	cfg.Throttle.MinuteCap = 3
	cfg.Throttle.GlobalPerMinute = 75
	cfg.Throttle.BreakerThreshold = 50
	cfg.Throttle.BreakerWindowMinutes = 5

	cfg.Counter.Type = "memory"

	cfg.Delivery.RetryAttempts = 3
	cfg.Delivery.RetryBaseMillis = 1000
	cfg.Delivery.RetryMaxMillis = 10000
	cfg.Delivery.MaxMessageChars = 4000

	cfg.Queue.Backend = "sql"
	cfg.Queue.TemplateLang = "es_MX"
	cfg.Queue.MaxRetries = 3
	cfg.Queue.SQL.Driver = "sqlite3"
	cfg.Queue.SQL.Path = "./courier.db"

	cfg.Sweep.Enabled = true
	cfg.Sweep.Schedule = "*/5 * * * *"

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "text"

	return cfg
}

// FindConfigFile looks for a configuration file in common locations
func FindConfigFile(configPath string) (string, error) {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			return configPath, nil
		}
		return "", fmt.Errorf("config file not found at specified path: %s", configPath)
	}

	locations := []string{
		"./courier.conf",
		"./config/courier.conf",
		os.ExpandEnv("$HOME/.courier.conf"),
		"/etc/courier/courier.conf",
	}
	for _, loc := range locations {
		if _, err := os.Stat(loc); err == nil {
			return loc, nil
		}
	}

	return "", fmt.Errorf("no config file found")
}

// LoadConfig loads a configuration from a file, falling back to defaults
// when no file exists
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	configFile, err := FindConfigFile(configPath)
	if err != nil {
		if configPath != "" {
			return nil, err
		}
		return cfg, nil
	}

	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing TOML configuration: %w", err)
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		msgs := make([]string, 0, len(errs))
		for _, e := range errs {
			msgs = append(msgs, e.Error())
		}
		return nil, fmt.Errorf("configuration validation failed: %s", strings.Join(msgs, "; "))
	}

	return cfg, nil
}

// Validate checks the configuration for values that cannot work
func (c *Config) Validate() []error {
	var errs []error

	if c.Session.WindowHours <= 0 {
		errs = append(errs, fmt.Errorf("session.window_hours must be positive"))
	}
	if c.Throttle.HourlyCap <= 0 || c.Throttle.MinuteCap <= 0 {
		errs = append(errs, fmt.Errorf("throttle caps must be positive"))
	}
	if c.Throttle.MinuteCap > c.Throttle.HourlyCap {
		errs = append(errs, fmt.Errorf("throttle.minute_cap cannot exceed throttle.hourly_cap"))
	}
	if c.Throttle.GlobalPerMinute <= 0 {
		errs = append(errs, fmt.Errorf("throttle.global_per_minute must be positive"))
	}
	if c.Throttle.BreakerThreshold <= 0 || c.Throttle.BreakerWindowMinutes <= 0 {
		errs = append(errs, fmt.Errorf("throttle breaker settings must be positive"))
	}

	switch c.Counter.Type {
	case "redis", "memcached", "memory":
	default:
		errs = append(errs, fmt.Errorf("unknown counter.type: %s", c.Counter.Type))
	}

	if c.Delivery.RetryAttempts <= 0 {
		errs = append(errs, fmt.Errorf("delivery.retry_attempts must be positive"))
	}
	if c.Delivery.MaxMessageChars <= 0 {
		errs = append(errs, fmt.Errorf("delivery.max_message_chars must be positive"))
	}

	switch c.Queue.Backend {
	case "sql", "legacy":
	default:
		errs = append(errs, fmt.Errorf("unknown queue.backend: %s", c.Queue.Backend))
	}
	if c.Queue.Backend == "sql" {
		switch c.Queue.SQL.Driver {
		case "sqlite3", "postgres", "mysql":
		default:
			errs = append(errs, fmt.Errorf("unknown queue.sql.driver: %s", c.Queue.SQL.Driver))
		}
	}

	return errs
}

// SessionWindow returns the session window as a duration
func (c *Config) SessionWindow() time.Duration {
	return time.Duration(c.Session.WindowHours) * time.Hour
}

// BreakerWindow returns the circuit breaker window as a duration
func (c *Config) BreakerWindow() time.Duration {
	return time.Duration(c.Throttle.BreakerWindowMinutes) * time.Minute
}

// CounterConfig maps the counter section onto the cache layer's config
func (c *Config) CounterConfig() cache.Config {
	return cache.Config{
		Type:     c.Counter.Type,
		Host:     c.Counter.Host,
		Port:     c.Counter.Port,
		Password: c.Counter.Password,
		Database: c.Counter.Database,
	}
}

// DeliveryConfig maps the delivery section onto the delivery client config
func (c *Config) DeliveryConfig() delivery.Config {
	return delivery.Config{
		RetryAttempts:    c.Delivery.RetryAttempts,
		RetryBaseBackoff: time.Duration(c.Delivery.RetryBaseMillis) * time.Millisecond,
		RetryMaxBackoff:  time.Duration(c.Delivery.RetryMaxMillis) * time.Millisecond,
		MaxMessageChars:  c.Delivery.MaxMessageChars,
	}
}

// QueueConfig maps the queue section onto the queue service config
func (c *Config) QueueConfig() queue.Config {
	return queue.Config{
		TemplateLang: c.Queue.TemplateLang,
		MaxRetries:   c.Queue.MaxRetries,
	}
}
