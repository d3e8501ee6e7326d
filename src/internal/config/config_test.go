package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cfg.yml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestReadAppliesDefaults(t *testing.T) {
	cfg := read(writeConfig(t, "app:\n  version: 2.0.0\n"))

	assert.Equal(t, "civic-session-svc", cfg.App.Name)
	assert.Equal(t, "2.0.0", cfg.App.Version)
	assert.Equal(t, BackendMemory, cfg.Storage.Backend)
	assert.Equal(t, BusStorage, cfg.Storage.Bus)
	assert.Equal(t, 10, cfg.Storage.EventRetentionMinutes)
	assert.Equal(t, 30, cfg.Tabs.IdleTimeoutMinutes)
	assert.Equal(t, "tab_sessions", cfg.Database.SessionCollection)
}

func TestReadNestedKeys(t *testing.T) {
	cfg := read(writeConfig(t, `
storage:
  backend: redis
redis:
  prefix: tabs
queue:
  rabbitmq:
    exchange: audit
    routing-key: session.activity
report-api:
  url: http://reports.local
`))

	assert.Equal(t, BackendRedis, cfg.Storage.Backend)
	assert.Equal(t, "tabs", cfg.Redis.Prefix)
	assert.Equal(t, "audit", cfg.Queue.RabbitMQ.Exchange)
	assert.Equal(t, "session.activity", cfg.Queue.RabbitMQ.RoutingKey)
	assert.Equal(t, "http://reports.local", cfg.ReportAPI.Url)
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("REDIS_URL", "redis://cache:6379/1")
	t.Setenv("REDIS_DB", "3")
	t.Setenv("MONGODB_URL", "mongodb://mongo:27017")
	t.Setenv("RABBITMQ_URL", "amqp://mq")
	t.Setenv("REPORT_API_URL", "http://api")
	t.Setenv("STORAGE_BACKEND", BackendRedis)

	cfg := &Configuration{}
	applyEnv(cfg)

	assert.Equal(t, "redis://cache:6379/1", cfg.Redis.Url)
	assert.Equal(t, 3, cfg.Redis.Db)
	assert.Equal(t, "mongodb://mongo:27017", cfg.Database.Url)
	assert.True(t, cfg.Database.Enabled)
	assert.True(t, cfg.Queue.RabbitMQ.Enabled)
	assert.Equal(t, "http://api", cfg.ReportAPI.Url)
	assert.Equal(t, BackendRedis, cfg.Storage.Backend)
}
