package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "courier.conf")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaultsAreValid(t *testing.T) {
	cfg := DefaultConfig()
	assert.Empty(t, cfg.Validate())
	assert.Equal(t, 24*time.Hour, cfg.SessionWindow())
	assert.Equal(t, 5*time.Minute, cfg.BreakerWindow())
	assert.Equal(t, 15, cfg.Throttle.HourlyCap)
	assert.Equal(t, int64(75), cfg.Throttle.GlobalPerMinute)
}

func TestLoadConfigOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
[server]
listen = ":9090"

[whatsapp]
phone_number_id = "123456"
access_token = "secret"

[throttle]
hourly_cap = 30
minute_cap = 5

[counter]
type = "redis"
host = "counter.internal"
port = 6379

[queue]
backend = "legacy"
template_lang = "es_AR"

[delivery]
retry_base_ms = 500
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Listen)
	assert.Equal(t, "123456", cfg.WhatsApp.PhoneNumberID)
	assert.Equal(t, 30, cfg.Throttle.HourlyCap)
	assert.Equal(t, 5, cfg.Throttle.MinuteCap)
	assert.Equal(t, "redis", cfg.CounterConfig().Type)
	assert.Equal(t, "counter.internal", cfg.CounterConfig().Host)
	assert.Equal(t, "legacy", cfg.Queue.Backend)
	assert.Equal(t, "es_AR", cfg.QueueConfig().TemplateLang)
	assert.Equal(t, 500*time.Millisecond, cfg.DeliveryConfig().RetryBaseBackoff)

	// untouched sections keep their defaults
	assert.Equal(t, int64(75), cfg.Throttle.GlobalPerMinute)
	assert.Equal(t, 4000, cfg.DeliveryConfig().MaxMessageChars)
}

func TestLoadConfigMissingExplicitPathFails(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.conf"))
	assert.Error(t, err)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero session window", func(c *Config) { c.Session.WindowHours = 0 }},
		{"minute cap above hourly cap", func(c *Config) { c.Throttle.MinuteCap = 99 }},
		{"negative global quota", func(c *Config) { c.Throttle.GlobalPerMinute = -1 }},
		{"unknown counter type", func(c *Config) { c.Counter.Type = "etcd" }},
		{"unknown queue backend", func(c *Config) { c.Queue.Backend = "mongo" }},
		{"unknown sql driver", func(c *Config) { c.Queue.SQL.Driver = "oracle" }},
		{"zero retry attempts", func(c *Config) { c.Delivery.RetryAttempts = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.NotEmpty(t, cfg.Validate())
		})
	}
}

func TestLoadConfigRejectsInvalidFile(t *testing.T) {
	path := writeConfig(t, `
[throttle]
hourly_cap = -5
`)
	_, err := LoadConfig(path)
	assert.Error(t, err)
}
