package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/overseer-io/overseer/internal/errors"
	"github.com/overseer-io/overseer/internal/kvstore"
	"github.com/overseer-io/overseer/internal/model"
)

func newTestService(t *testing.T, topics ...string) *Service {
	t.Helper()
	stores := make(map[string]TopicConfig, len(topics))
	for _, name := range topics {
		stores[name] = TopicConfig{Store: kvstore.NewMemoryStore()}
	}
	s, err := New(Options{
		Registry:    kvstore.NewMemoryStore(),
		Topics:      stores,
		CallTimeout: time.Second,
	})
	require.NoError(t, err)
	return s
}

// receiver records every delivery it accepts.
type receiver struct {
	mu     sync.Mutex
	bodies []string
	reqs   []*http.Request
	status int
	srv    *httptest.Server
}

func newReceiver(t *testing.T, status int) *receiver {
	t.Helper()
	r := &receiver{status: status}
	r.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		body, _ := io.ReadAll(req.Body)
		r.mu.Lock()
		r.bodies = append(r.bodies, string(body))
		r.reqs = append(r.reqs, req.Clone(context.Background()))
		r.mu.Unlock()
		w.WriteHeader(r.status)
	}))
	t.Cleanup(r.srv.Close)
	return r
}

func (r *receiver) deliveries() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.bodies)
}

func TestRegisterAndLookup(t *testing.T) {
	s := newTestService(t, "scans")
	ctx := context.Background()

	token, err := s.Register(ctx, "http://callback.local/hook")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	sub, err := s.Registered(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, "http://callback.local/hook", sub.URL)
	assert.False(t, sub.CreatedAt.IsZero())
}

func TestRegisterRejectsBadURL(t *testing.T) {
	s := newTestService(t)
	_, err := s.Register(context.Background(), "not a url")
	require.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))
}

func TestRegisterGeneratesDistinctTokens(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	seen := make(map[model.Token]bool)
	for i := 0; i < 100; i++ {
		token, err := s.Register(ctx, "http://callback.local/hook")
		require.NoError(t, err)
		require.False(t, seen[token], "token %s issued twice", token)
		seen[token] = true
	}
}

func TestSubscribeRequiresRegistration(t *testing.T) {
	s := newTestService(t, "scans")
	err := s.Subscribe(context.Background(), model.NewToken(), "scans")
	require.Error(t, err)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestSubscribeUnknownTopic(t *testing.T) {
	s := newTestService(t, "scans")
	ctx := context.Background()
	token, err := s.Register(ctx, "http://callback.local/hook")
	require.NoError(t, err)

	err = s.Subscribe(ctx, token, "no-such-topic")
	require.Error(t, err)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestSubscribeUnsubscribeLifecycle(t *testing.T) {
	s := newTestService(t, "scans")
	ctx := context.Background()

	token, err := s.Register(ctx, "http://callback.local/hook")
	require.NoError(t, err)

	require.NoError(t, s.Subscribe(ctx, token, "scans"))
	ok, err := s.Subscribed(ctx, token, "scans")
	require.NoError(t, err)
	assert.True(t, ok)

	subs, err := s.Subscribers(ctx, "scans")
	require.NoError(t, err)
	assert.Equal(t, []model.Token{token}, subs)

	require.NoError(t, s.Unsubscribe(ctx, token, "scans"))
	ok, err = s.Subscribed(ctx, token, "scans")
	require.NoError(t, err)
	assert.False(t, ok)

	// Still registered after unsubscribing.
	_, err = s.Registered(ctx, token)
	require.NoError(t, err)
}

func TestDeregisterCascadesThroughTopics(t *testing.T) {
	s := newTestService(t, "scans", "alerts")
	ctx := context.Background()

	token, err := s.Register(ctx, "http://callback.local/hook")
	require.NoError(t, err)
	require.NoError(t, s.Subscribe(ctx, token, "scans"))
	require.NoError(t, s.Subscribe(ctx, token, "alerts"))

	require.NoError(t, s.Deregister(ctx, token))

	for _, topic := range []string{"scans", "alerts"} {
		subs, err := s.Subscribers(ctx, topic)
		require.NoError(t, err)
		assert.Empty(t, subs, "topic %s still has subscribers", topic)
	}
	_, err = s.Registered(ctx, token)
	assert.True(t, apperrors.IsNotFound(err))

	// Deregistering again is a no-op.
	require.NoError(t, s.Deregister(ctx, token))
}

func TestNotifyDeliversPayload(t *testing.T) {
	s := newTestService(t, "scans")
	ctx := context.Background()
	rcv := newReceiver(t, http.StatusOK)

	token, err := s.Register(ctx, rcv.srv.URL+"/hook?source=overseer")
	require.NoError(t, err)
	require.NoError(t, s.Subscribe(ctx, token, "scans"))

	delivered, err := s.Notify(ctx, "scans", Payload{
		Query:   url.Values{"event": {"completed"}},
		JSON:    json.RawMessage(`{"token":"abc"}`),
		Headers: map[string]string{"X-Signature": "sig"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, delivered)

	rcv.mu.Lock()
	defer rcv.mu.Unlock()
	require.Len(t, rcv.reqs, 1)
	req := rcv.reqs[0]
	assert.JSONEq(t, `{"token":"abc"}`, rcv.bodies[0])
	assert.Equal(t, "completed", req.URL.Query().Get("event"))
	// Existing query parameters on the callback URL survive.
	assert.Equal(t, "overseer", req.URL.Query().Get("source"))
	assert.Equal(t, "sig", req.Header.Get("X-Signature"))
	assert.Equal(t, "application/json", req.Header.Get("Content-Type"))
}

func TestNotifySkipsPublisher(t *testing.T) {
	s := newTestService(t, "scans")
	ctx := context.Background()
	self := newReceiver(t, http.StatusOK)
	other := newReceiver(t, http.StatusOK)

	selfToken, err := s.Register(ctx, self.srv.URL)
	require.NoError(t, err)
	otherToken, err := s.Register(ctx, other.srv.URL)
	require.NoError(t, err)
	require.NoError(t, s.Subscribe(ctx, selfToken, "scans"))
	require.NoError(t, s.Subscribe(ctx, otherToken, "scans"))

	delivered, err := s.Notify(ctx, "scans", Payload{
		JSON:      json.RawMessage(`{}`),
		SkipToken: selfToken,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, delivered)
	assert.Equal(t, 0, self.deliveries())
	assert.Equal(t, 1, other.deliveries())
}

func TestNotifyEvictsDeadSubscribers(t *testing.T) {
	s := newTestService(t, "scans", "alerts")
	ctx := context.Background()
	alive := newReceiver(t, http.StatusOK)
	dead := newReceiver(t, http.StatusOK)

	aliveToken, err := s.Register(ctx, alive.srv.URL)
	require.NoError(t, err)
	deadToken, err := s.Register(ctx, dead.srv.URL)
	require.NoError(t, err)
	for _, token := range []model.Token{aliveToken, deadToken} {
		require.NoError(t, s.Subscribe(ctx, token, "scans"))
		require.NoError(t, s.Subscribe(ctx, token, "alerts"))
	}

	dead.srv.Close()

	delivered, err := s.Notify(ctx, "scans", Payload{JSON: json.RawMessage(`{}`)})
	require.NoError(t, err)
	assert.Equal(t, 1, delivered)

	// The dead subscriber is gone from the registry and from every topic,
	// not just the one being notified.
	_, err = s.Registered(ctx, deadToken)
	assert.True(t, apperrors.IsNotFound(err))
	for _, topicName := range []string{"scans", "alerts"} {
		subs, err := s.Subscribers(ctx, topicName)
		require.NoError(t, err)
		assert.Equal(t, []model.Token{aliveToken}, subs)
	}
}

func TestNotifyEvictsOnErrorStatus(t *testing.T) {
	s := newTestService(t, "scans")
	ctx := context.Background()
	rcv := newReceiver(t, http.StatusBadGateway)

	token, err := s.Register(ctx, rcv.srv.URL)
	require.NoError(t, err)
	require.NoError(t, s.Subscribe(ctx, token, "scans"))

	delivered, err := s.Notify(ctx, "scans", Payload{JSON: json.RawMessage(`{}`)})
	require.NoError(t, err)
	assert.Equal(t, 0, delivered)

	_, err = s.Registered(ctx, token)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestNotifyUnknownTopic(t *testing.T) {
	s := newTestService(t, "scans")
	_, err := s.Notify(context.Background(), "bogus", Payload{})
	require.Error(t, err)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestTopicsSorted(t *testing.T) {
	s := newTestService(t, "scans", "alerts", "maintenance")
	assert.Equal(t, []string{"alerts", "maintenance", "scans"}, s.Topics())
}

func TestSubscriptionStoresMembershipOnly(t *testing.T) {
	ctx := context.Background()
	topicStore := kvstore.NewMemoryStore()
	s, err := New(Options{
		Registry:    kvstore.NewMemoryStore(),
		Topics:      map[string]TopicConfig{"scans": {Store: topicStore}},
		CallTimeout: time.Second,
	})
	require.NoError(t, err)

	token, err := s.Register(ctx, "http://callback.local/hook")
	require.NoError(t, err)
	require.NoError(t, s.Subscribe(ctx, token, "scans"))

	// The topic entry is a bare membership marker; the URL lives only in
	// the registry.
	value, err := topicStore.Read(ctx, token.String())
	require.NoError(t, err)
	assert.Empty(t, value)
}

func TestNotifyEvictsStaleTopicEntries(t *testing.T) {
	ctx := context.Background()
	registry := kvstore.NewMemoryStore()
	s, err := New(Options{
		Registry:    registry,
		Topics:      map[string]TopicConfig{"scans": {Store: kvstore.NewMemoryStore()}},
		CallTimeout: time.Second,
	})
	require.NoError(t, err)

	rcv := newReceiver(t, http.StatusOK)
	token, err := s.Register(ctx, rcv.srv.URL)
	require.NoError(t, err)
	require.NoError(t, s.Subscribe(ctx, token, "scans"))

	// Registry entry lost behind the service's back, e.g. a partially
	// failed cascade on a shared backend.
	require.NoError(t, registry.Delete(ctx, token.String()))

	delivered, err := s.Notify(ctx, "scans", Payload{JSON: json.RawMessage(`{}`)})
	require.NoError(t, err)
	assert.Equal(t, 0, delivered)
	assert.Equal(t, 0, rcv.deliveries())

	subs, err := s.Subscribers(ctx, "scans")
	require.NoError(t, err)
	assert.Empty(t, subs)
}

func TestNotifyUsesTopicMethodAndPath(t *testing.T) {
	ctx := context.Background()
	rcv := newReceiver(t, http.StatusOK)
	s, err := New(Options{
		Registry: kvstore.NewMemoryStore(),
		Topics: map[string]TopicConfig{
			"health": {
				Store:  kvstore.NewMemoryStore(),
				Path:   "/health",
				Method: http.MethodGet,
			},
		},
		CallTimeout: time.Second,
	})
	require.NoError(t, err)

	token, err := s.Register(ctx, rcv.srv.URL+"/hooks")
	require.NoError(t, err)
	require.NoError(t, s.Subscribe(ctx, token, "health"))

	delivered, err := s.Notify(ctx, "health", Payload{JSON: json.RawMessage(`{"ignored":true}`)})
	require.NoError(t, err)
	assert.Equal(t, 1, delivered)

	rcv.mu.Lock()
	defer rcv.mu.Unlock()
	require.Len(t, rcv.reqs, 1)
	req := rcv.reqs[0]
	assert.Equal(t, http.MethodGet, req.Method)
	assert.Equal(t, "/hooks/health", req.URL.Path)
	// GET-like topics never carry a body.
	assert.Empty(t, rcv.bodies[0])
}

func TestNotifyEvictsOnUnexpectedStatus(t *testing.T) {
	ctx := context.Background()
	// 200 is a failure when the topic expects 202.
	rcv := newReceiver(t, http.StatusOK)
	s, err := New(Options{
		Registry: kvstore.NewMemoryStore(),
		Topics: map[string]TopicConfig{
			"scans": {Store: kvstore.NewMemoryStore(), OKStatus: http.StatusAccepted},
		},
		CallTimeout: time.Second,
	})
	require.NoError(t, err)

	token, err := s.Register(ctx, rcv.srv.URL)
	require.NoError(t, err)
	require.NoError(t, s.Subscribe(ctx, token, "scans"))

	delivered, err := s.Notify(ctx, "scans", Payload{JSON: json.RawMessage(`{}`)})
	require.NoError(t, err)
	assert.Equal(t, 0, delivered)

	_, err = s.Registered(ctx, token)
	assert.True(t, apperrors.IsNotFound(err))
}
