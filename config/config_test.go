package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinicsales/eventlog"
	"github.com/clinicsales/eventlog/config"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv(config.EnvConfigFile, "")

	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Logger.Level)
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, "none", cfg.Transport.Driver)
	assert.Equal(t, eventlog.DefaultGlobalTopic, cfg.Publisher.GlobalTopic)
	assert.Equal(t, eventlog.DefaultAppendTimeout, cfg.Publisher.AppendTimeout)
	assert.Equal(t, eventlog.DefaultFanoutTimeout, cfg.Publisher.FanoutTimeout)
	assert.Equal(t, eventlog.DefaultSource, cfg.Publisher.Source)
	assert.Equal(t, 500, cfg.Store.Postgres.PageSize)
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
logger:
  level: debug
  development: true
store:
  driver: postgres
  postgres:
    dsn: postgres://sales@localhost/sales
    page-size: 50
    migrate: true
transport:
  driver: kafka
  kafka:
    brokers: localhost:9092
    flush-timeout: 2s
publisher:
  global-topic: crm-events
  fanout-timeout: 750ms
  max-workers: 4
  detached: true
`)

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logger.Level)
	assert.True(t, cfg.Logger.Development)
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "postgres://sales@localhost/sales", cfg.Store.Postgres.DSN)
	assert.Equal(t, 50, cfg.Store.Postgres.PageSize)
	assert.True(t, cfg.Store.Postgres.Migrate)
	assert.Equal(t, "localhost:9092", cfg.Transport.Kafka.Brokers)
	assert.Equal(t, "sales-events", cfg.Transport.Kafka.Topic)
	assert.Equal(t, 2*time.Second, cfg.Transport.Kafka.FlushTimeout)
	assert.Equal(t, "crm-events", cfg.Publisher.GlobalTopic)
	assert.Equal(t, 750*time.Millisecond, cfg.Publisher.FanoutTimeout)
	assert.Equal(t, 4, cfg.Publisher.MaxWorkers)
	assert.True(t, cfg.Publisher.Detached)
	assert.Len(t, cfg.PublisherOptions(), 5)
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeConfig(t, "store:\n  driver: file\n")
	t.Setenv(config.EnvConfigFile, path)
	t.Setenv("EVENTLOG_STORE_FILE_DIR", "/var/lib/salesevents")
	t.Setenv("EVENTLOG_PUBLISHER_APPEND_TIMEOUT", "1s")
	t.Setenv("EVENTLOG_TRANSPORT_DRIVER", "redis")

	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, "file", cfg.Store.Driver)
	assert.Equal(t, "/var/lib/salesevents", cfg.Store.File.Dir)
	assert.Equal(t, time.Second, cfg.Publisher.AppendTimeout)
	assert.Equal(t, "redis", cfg.Transport.Driver)
	assert.Equal(t, "localhost:6379", cfg.Transport.Redis.Addr)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "failed to read config file")
}

func TestValidate(t *testing.T) {
	valid := func() config.Config {
		cfg, err := config.Load("")
		require.NoError(t, err)
		return cfg
	}
	t.Setenv(config.EnvConfigFile, "")

	tests := []struct {
		name   string
		mutate func(*config.Config)
		errMsg string
	}{
		{"unknown store", func(c *config.Config) { c.Store.Driver = "sqlite" }, `store.driver "sqlite"`},
		{"postgres without dsn", func(c *config.Config) { c.Store.Driver = "postgres" }, "store.postgres.dsn is required"},
		{"mongo without uri", func(c *config.Config) { c.Store.Driver = "mongo" }, "store.mongo.uri is required"},
		{"unknown transport", func(c *config.Config) { c.Transport.Driver = "nats" }, `transport.driver "nats"`},
		{"kafka without brokers", func(c *config.Config) { c.Transport.Driver = "kafka" }, "transport.kafka.brokers is required"},
		{"negative timeout", func(c *config.Config) { c.Publisher.FanoutTimeout = -time.Second }, "timeouts cannot be negative"},
		{"negative workers", func(c *config.Config) { c.Publisher.MaxWorkers = -1 }, "max-workers cannot be negative"},
		{"bad log level", func(c *config.Config) { c.Logger.Level = "loud" }, "logger: invalid log level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.errMsg)
		})
	}
}
