package bootstrap

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caarlos0/env/v11"

	"github.com/overseer-io/overseer/config"
)

func testConfig(t *testing.T) *config.AppConfig {
	t.Helper()
	var cfg config.AppConfig
	require.NoError(t, env.Parse(&cfg))
	cfg.Sanitize()
	return &cfg
}

func TestBuildServicesWithMemoryBackend(t *testing.T) {
	cfg := testConfig(t)
	container, err := BuildServices(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { container.Close() })

	require.NotNil(t, container.Controller)
	require.NotNil(t, container.Notify)
	require.NotNil(t, container.Orchestrator)
	assert.Nil(t, container.Notifier, "notifier daemon needs a remote URL")
	assert.Equal(t, []string{"alerts", "jobs"}, container.Notify.Topics())

	// Not ready until the orchestrator runs.
	assert.False(t, container.Ready())
}

func TestBuildStoreFileBackend(t *testing.T) {
	cfg := config.StoreConfig{Backend: config.BackendFile, FilePath: t.TempDir()}
	cfg.Sanitize()

	built, err := BuildStore(context.Background(), cfg, "queue")
	require.NoError(t, err)
	t.Cleanup(func() { built.Close() })

	ctx := context.Background()
	require.NoError(t, built.Store.Write(ctx, "k", []byte("v")))
	value, err := built.Store.Read(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), value)
}

func TestBuildStoreRejectsUnknownBackend(t *testing.T) {
	_, err := BuildStore(context.Background(), config.StoreConfig{Backend: "etcd"}, "queue")
	require.Error(t, err)
}

func TestBuildHandlerServesDefaultEndpoints(t *testing.T) {
	cfg := testConfig(t)
	container, err := BuildServices(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { container.Close() })

	srv := httptest.NewServer(container.BuildHandler(cfg, nil))
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/ping")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "pong", string(body))

	// Not ready: orchestrator is not running.
	resp, err = http.Get(srv.URL + "/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestReadinessFlipsWithOrchestrator(t *testing.T) {
	cfg := testConfig(t)
	container, err := BuildServices(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { container.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		container.Orchestrator.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	deadline := time.Now().Add(2 * time.Second)
	for !container.Ready() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	assert.True(t, container.Ready())
}
