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
	path := filepath.Join(t.TempDir(), "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.NoError(t, cfg.Validate())
	assert.Equal(t, "amq.topic", cfg.Publish.Exchange)
	assert.Equal(t, 10, cfg.Consume.PrefetchCount)
	assert.Equal(t, -1, cfg.Reconnect.MaxAttempts)
}

func TestLoad(t *testing.T) {
	t.Run("missing path returns defaults", func(t *testing.T) {
		t.Setenv(EnvConfigPath, "")
		cfg, err := Load("")
		require.NoError(t, err)
		assert.Equal(t, Default().AMQP.URL, cfg.AMQP.URL)
	})

	t.Run("file values layer over defaults", func(t *testing.T) {
		path := writeConfig(t, `
amqp:
  url: amqps://broker.example.org:5671/
consume:
  prefetch_count: 50
  bindings:
    - queue: tasks
      exchange: events
      routing_keys: ["task.#"]
      durable: true
log:
  level: debug
`)
		cfg, err := Load(path)
		require.NoError(t, err)

		assert.Equal(t, "amqps://broker.example.org:5671/", cfg.AMQP.URL)
		assert.Equal(t, 50, cfg.Consume.PrefetchCount)
		require.Len(t, cfg.Consume.Bindings, 1)
		assert.Equal(t, "tasks", cfg.Consume.Bindings[0].Queue)
		assert.Equal(t, "debug", cfg.Log.Level)
		// Untouched sections keep their defaults.
		assert.Equal(t, 10*time.Second, cfg.Publish.ConfirmTimeout)
	})

	t.Run("environment variable supplies the path", func(t *testing.T) {
		path := writeConfig(t, "log:\n  level: warn\n")
		t.Setenv(EnvConfigPath, path)

		cfg, err := Load("")
		require.NoError(t, err)
		assert.Equal(t, "warn", cfg.Log.Level)
	})

	t.Run("unreadable file fails", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
		assert.Error(t, err)
	})

	t.Run("malformed yaml fails", func(t *testing.T) {
		path := writeConfig(t, "amqp: [not a mapping")
		_, err := Load(path)
		assert.Error(t, err)
	})

	t.Run("invalid values are rejected", func(t *testing.T) {
		path := writeConfig(t, "amqp:\n  url: http://not-a-broker/\n")
		_, err := Load(path)
		assert.Error(t, err)
	})
}

func TestValidate(t *testing.T) {
	t.Run("url must use an amqp scheme", func(t *testing.T) {
		cfg := Default()
		cfg.AMQP.URL = "mqtt://broker/"
		assert.Error(t, cfg.Validate())

		cfg.AMQP.URL = "amqps://broker/"
		assert.NoError(t, cfg.Validate())
	})

	t.Run("tls cert and key must come together", func(t *testing.T) {
		cfg := Default()
		cfg.AMQP.TLSCertFile = "client.crt"
		assert.Error(t, cfg.Validate())

		cfg.AMQP.TLSKeyFile = "client.key"
		assert.NoError(t, cfg.Validate())
	})

	t.Run("backoff multiplier below one is rejected", func(t *testing.T) {
		cfg := Default()
		cfg.Reconnect.Multiplier = 0.5
		assert.Error(t, cfg.Validate())
	})

	t.Run("binding with exchange needs routing keys", func(t *testing.T) {
		cfg := Default()
		cfg.Consume.Bindings = []BindingConfig{{Queue: "tasks", Exchange: "events"}}
		assert.Error(t, cfg.Validate())

		cfg.Consume.Bindings[0].RoutingKeys = []string{"task.#"}
		assert.NoError(t, cfg.Validate())
	})

	t.Run("log level is constrained", func(t *testing.T) {
		cfg := Default()
		cfg.Log.Level = "verbose"
		assert.Error(t, cfg.Validate())
	})
}

func TestBackoffPolicy(t *testing.T) {
	b := BackoffConfig{
		InitialInterval: time.Second,
		MaxInterval:     time.Minute,
		Multiplier:      2.0,
		MaxAttempts:     5,
	}
	policy := b.Policy()

	assert.Equal(t, 5, policy.MaxAttempts())
	policy.Jitter = false
	assert.Equal(t, 2*time.Second, policy.NextDelay(1))
}

func TestTLSConfig(t *testing.T) {
	t.Run("no files means no tls config", func(t *testing.T) {
		cfg, err := AMQPConfig{}.TLSConfig()
		assert.NoError(t, err)
		assert.Nil(t, cfg)
	})

	t.Run("missing ca file fails", func(t *testing.T) {
		_, err := AMQPConfig{TLSCAFile: "/nonexistent/ca.pem"}.TLSConfig()
		assert.Error(t, err)
	})
}
