package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	t.Run("Should load the defaults when no environment is set", func(t *testing.T) {
		cfg, err := Load()
		require.NoError(t, err)
		assert.Equal(t, "info", cfg.Log.Level)
		assert.Equal(t, "text", cfg.Log.Format)
		assert.Equal(t, 8080, cfg.Server.Port)
		assert.Equal(t, "memory", cfg.Store.Driver)
		assert.Equal(t, "memory", cfg.Bus.Driver)
		assert.Equal(t, 8, cfg.Bus.Redis.Partitions)
		assert.Equal(t, "sagaflow", cfg.Bus.Redis.KeyPrefix)
		assert.Equal(t, 250*time.Millisecond, cfg.Bus.Timer.PollInterval)
		assert.Equal(t, 64, cfg.Worker.BatchSize)
		assert.Equal(t, 2*time.Second, cfg.Worker.BlockTimeout)
		assert.Equal(t, 256, cfg.Cache.DefinitionCacheSize)
		assert.True(t, cfg.Store.Postgres.AutoMigrate)
	})
	t.Run("Should override defaults from the environment", func(t *testing.T) {
		t.Setenv("SAGAFLOW_LOG_LEVEL", "debug")
		t.Setenv("SAGAFLOW_SERVER_PORT", "9090")
		t.Setenv("SAGAFLOW_STORE_DRIVER", "postgres")
		t.Setenv("SAGAFLOW_POSTGRES_DSN", "postgres://app@db/sagaflow")
		t.Setenv("SAGAFLOW_BUS_DRIVER", "redis")
		t.Setenv("SAGAFLOW_REDIS_PARTITIONS", "16")

		cfg, err := Load()
		require.NoError(t, err)
		assert.Equal(t, "debug", cfg.Log.Level)
		assert.Equal(t, 9090, cfg.Server.Port)
		assert.Equal(t, "postgres", cfg.Store.Driver)
		assert.Equal(t, "postgres://app@db/sagaflow", cfg.Store.Postgres.DSN)
		assert.Equal(t, "redis", cfg.Bus.Driver)
		assert.Equal(t, 16, cfg.Bus.Redis.Partitions)
	})
	t.Run("Should parse duration overrides from strings", func(t *testing.T) {
		t.Setenv("SAGAFLOW_WORKER_BLOCK_TIMEOUT", "5s")
		t.Setenv("SAGAFLOW_TIMER_POLL_INTERVAL", "1s")
		cfg, err := Load()
		require.NoError(t, err)
		assert.Equal(t, 5*time.Second, cfg.Worker.BlockTimeout)
		assert.Equal(t, time.Second, cfg.Bus.Timer.PollInterval)
	})
	t.Run("Should reject an invalid log level", func(t *testing.T) {
		t.Setenv("SAGAFLOW_LOG_LEVEL", "loud")
		_, err := Load()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "validating config")
	})
	t.Run("Should reject an unknown store driver", func(t *testing.T) {
		t.Setenv("SAGAFLOW_STORE_DRIVER", "mysql")
		_, err := Load()
		require.Error(t, err)
	})
	t.Run("Should reject a zero partition count", func(t *testing.T) {
		t.Setenv("SAGAFLOW_REDIS_PARTITIONS", "0")
		_, err := Load()
		require.Error(t, err)
	})
	t.Run("Should reject an out-of-range port", func(t *testing.T) {
		t.Setenv("SAGAFLOW_SERVER_PORT", "70000")
		_, err := Load()
		require.Error(t, err)
	})
}
