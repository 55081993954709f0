package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/converselabs/widgetd/pkg/limits"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "./data/widgetd.db", cfg.DBPath)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 24*time.Hour, cfg.Session.TTL.Duration)
	assert.Equal(t, "@every 1h", cfg.Session.SweepSchedule)
	assert.Equal(t, 5*time.Minute, cfg.Events.Retention.Duration)
	assert.Equal(t, 5*time.Second, cfg.Events.TypingTTL.Duration)
	assert.Equal(t, "gpt-4o-mini", cfg.OpenAI.Model)
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
port: 9090
db_path: /tmp/widgetd-test.db
redis:
  addr: redis.internal:6379
  prefix: "acme:events:"
session:
  ttl: 12h
  max_messages: 50
  max_per_minute: 1
  max_files: 3
events:
  retention: 2m
limits:
  billing_enabled: true
  caps:
    anonymous:
      message:
        lifetime: 100
    starter:
      message:
        hourly: 60
        monthly: 5000
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, "/tmp/widgetd-test.db", cfg.DBPath)
	assert.Equal(t, "redis.internal:6379", cfg.Redis.Addr)
	assert.Equal(t, "acme:events:", cfg.Redis.Prefix)
	assert.Equal(t, 12*time.Hour, cfg.Session.TTL.Duration)
	assert.Equal(t, 50, cfg.Session.MaxMessages)
	assert.Equal(t, 1, cfg.Session.MaxPerMinute)
	assert.Equal(t, 2*time.Minute, cfg.Events.Retention.Duration)

	require.True(t, cfg.Limits.BillingEnabled)
	assert.Equal(t, int64(100), cfg.Limits.Caps[limits.TierAnonymous]["message"].Lifetime)
	assert.Equal(t, int64(60), cfg.Limits.Caps[limits.TierStarter]["message"].Hourly)
	assert.Equal(t, int64(5000), cfg.Limits.Caps[limits.TierStarter]["message"].Monthly)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("PORT", "7070")
	t.Setenv("REDIS_ADDR", "override:6379")
	t.Setenv("OPENAI_API_KEY", "sk-test")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.Port)
	assert.Equal(t, "override:6379", cfg.Redis.Addr)
	assert.Equal(t, "sk-test", cfg.OpenAI.APIKey)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/does/not/exist.yaml")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	cfg.Port = 0
	assert.Error(t, cfg.Validate())

	cfg.Port = 8080
	cfg.Session.TTL.Duration = 0
	assert.Error(t, cfg.Validate())
}
