package daemon

import (
	"context"
	"errors"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/overseer-io/overseer/internal/controller"
	apperrors "github.com/overseer-io/overseer/internal/errors"
	"github.com/overseer-io/overseer/internal/httpx"
	"github.com/overseer-io/overseer/internal/kvstore"
	"github.com/overseer-io/overseer/internal/model"
	"github.com/overseer-io/overseer/internal/notify"
)

// flakyStore fails its first N calls to simulate a backend that is still
// coming up.
type flakyStore struct {
	kvstore.Store
	failures atomic.Int32
}

func (s *flakyStore) Keys(ctx context.Context) ([]string, error) {
	if s.failures.Add(-1) >= 0 {
		return nil, errors.New("connection refused")
	}
	return s.Store.Keys(ctx)
}

func TestOrchestratorRetriesUntilStoresAnswer(t *testing.T) {
	queue := kvstore.NewMemoryStore()
	registry := kvstore.NewMemoryStore()
	flaky := &flakyStore{Store: queue}
	flaky.failures.Store(3)

	c, err := controller.New(controller.Options{
		Queue:        queue,
		Registry:     registry,
		PollInterval: 5 * time.Millisecond,
	})
	require.NoError(t, err)
	require.NoError(t, c.Register("noop", func(context.Context, *controller.JobContext) error {
		return nil
	}, nil))

	d, err := NewOrchestrator(OrchestratorOptions{
		Controller:    c,
		Probes:        []kvstore.Store{flaky, registry},
		RetryInterval: 5 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.False(t, d.Ready())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for !d.Ready() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	require.True(t, d.Ready(), "orchestrator never became ready")
	assert.Less(t, flaky.failures.Load(), int32(0), "probes never exhausted the failure budget")

	// The pool is actually serving once ready.
	rec := model.NewJobRecord(model.NewToken(), model.JobConfig{Type: "noop"}, "test")
	grant, err := c.QueuePush(ctx, rec)
	require.NoError(t, err)
	waitForStatus(t, c, grant.Token, model.JobStatusCompleted)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("orchestrator did not stop")
	}
	assert.False(t, d.Ready())
}

func waitForStatus(t *testing.T, c *controller.Controller, token model.Token, want model.JobStatus) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		status, err := c.GetStatus(context.Background(), token)
		require.NoError(t, err)
		if status == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("token %s never reached status %s", token, want)
}

func newNotifyServer(t *testing.T) (*httptest.Server, *notify.Service) {
	t.Helper()
	svc, err := notify.New(notify.Options{
		Registry: kvstore.NewMemoryStore(),
		Topics:   map[string]notify.TopicConfig{"scans": {Store: kvstore.NewMemoryStore()}},
	})
	require.NoError(t, err)
	srv := httptest.NewServer(httpx.NewRouter(httpx.RouterServices{
		Notify: &httpx.NotifyHandlers{Svc: svc},
	}))
	t.Cleanup(srv.Close)
	return srv, svc
}

func TestNotifierRegistersAndRecovers(t *testing.T) {
	srv, svc := newNotifyServer(t)

	d, err := NewNotifier(NotifierOptions{
		BaseURL:     srv.URL,
		CallbackURL: "http://127.0.0.1:9/hook",
		Topics:      []string{"scans"},
		Interval:    10 * time.Millisecond,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	waitReady := func() model.Token {
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			if token := d.Token(); token != "" {
				ok, err := svc.Subscribed(context.Background(), token, "scans")
				require.NoError(t, err)
				if ok {
					return token
				}
			}
			time.Sleep(5 * time.Millisecond)
		}
		t.Fatal("notifier never established its subscription")
		return ""
	}

	first := waitReady()

	// Simulate eviction on the remote; the notifier rebuilds on its next
	// round with a fresh token.
	require.NoError(t, svc.Deregister(context.Background(), first))
	deadline := time.Now().Add(2 * time.Second)
	for d.Token() == first || d.Token() == "" {
		if time.Now().After(deadline) {
			t.Fatal("notifier never re-registered after eviction")
		}
		time.Sleep(5 * time.Millisecond)
	}
	second := waitReady()
	assert.NotEqual(t, first, second)

	// Shutdown deregisters.
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("notifier did not stop")
	}
	_, err = svc.Registered(context.Background(), second)
	assert.True(t, apperrors.IsNotFound(err))
}
