package config

import (
	"testing"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parse(t *testing.T) AppConfig {
	t.Helper()
	var cfg AppConfig
	require.NoError(t, env.Parse(&cfg))
	cfg.Sanitize()
	return cfg
}

func TestDefaults(t *testing.T) {
	cfg := parse(t)

	assert.Equal(t, "overseer", cfg.Name)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, 4, cfg.Worker.PoolSize)
	assert.Equal(t, 250*time.Millisecond, cfg.Worker.PollInterval)
	assert.Equal(t, 30*time.Second, cfg.Worker.AbortTimeout)
	assert.True(t, cfg.Worker.RequeueOnStop)
	assert.Equal(t, []string{"jobs", "alerts"}, cfg.Notify.Topics)
	assert.Equal(t, 3, cfg.Adapter.MaxRetries)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("QUEUE_BACKEND", "redis")
	t.Setenv("QUEUE_REDIS_ADDR", "redis.internal:6380")
	t.Setenv("WORKER_POOL_SIZE", "16")
	t.Setenv("NOTIFY_TOPICS", "scans")
	t.Setenv("HTTP_CORS_ENABLED", "true")

	cfg := parse(t)

	assert.Equal(t, BackendRedis, cfg.Queue.Backend)
	assert.Equal(t, "redis.internal:6380", cfg.Queue.Redis.Addr)
	assert.Equal(t, 16, cfg.Worker.PoolSize)
	assert.Equal(t, []string{"scans"}, cfg.Notify.Topics)
	assert.True(t, cfg.HTTP.CORSEnabled)
}

func TestRegistryFallsBackToQueueBackend(t *testing.T) {
	t.Setenv("QUEUE_BACKEND", "file")
	t.Setenv("QUEUE_FILE_PATH", "/tmp/overseer-test")

	cfg := parse(t)

	assert.Equal(t, BackendFile, cfg.Registry.Backend)
	assert.Equal(t, "/tmp/overseer-test", cfg.Registry.FilePath)
}

func TestSanitizeClampsInvalidValues(t *testing.T) {
	t.Setenv("WORKER_POOL_SIZE", "0")
	t.Setenv("ADAPTER_MAX_RETRIES", "-2")

	cfg := parse(t)

	assert.Equal(t, 1, cfg.Worker.PoolSize)
	assert.Equal(t, 0, cfg.Adapter.MaxRetries)
}

func TestStoreValidate(t *testing.T) {
	good := StoreConfig{Backend: BackendRedis}
	require.NoError(t, good.Validate())

	bad := StoreConfig{Backend: "etcd"}
	require.Error(t, bad.Validate())

	httpMissing := StoreConfig{Backend: BackendHTTP}
	require.Error(t, httpMissing.Validate())

	httpOK := StoreConfig{Backend: BackendHTTP, HTTPBaseURL: "http://peer:8080"}
	require.NoError(t, httpOK.Validate())
}

func TestDevModeFromNodeEnv(t *testing.T) {
	t.Setenv("NODE_ENV", "development")
	cfg := parse(t)
	assert.True(t, cfg.IsDev)
}
