// Package notify implements the subscriber registry and topic broadcast
// service. Subscribers register a callback URL, subscribe to topics, and
// receive every notification published to those topics as an HTTP POST.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	apperrors "github.com/overseer-io/overseer/internal/errors"
	"github.com/overseer-io/overseer/internal/kvstore"
	"github.com/overseer-io/overseer/internal/model"
	"github.com/overseer-io/overseer/internal/observability/metrics"
)

// tokenRetries bounds registration attempts when a generated token collides
// with an existing one.
const tokenRetries = 16

// Subscriber is one registered notification receiver.
type Subscriber struct {
	Token     model.Token `json:"token"`
	URL       string      `json:"url"`
	CreatedAt time.Time   `json:"created_at"`
}

// Payload is one notification to broadcast to a topic's subscribers.
type Payload struct {
	// Query parameters appended to each subscriber's callback URL.
	Query url.Values `json:"query,omitempty"`
	// JSON body posted to each subscriber.
	JSON json.RawMessage `json:"json,omitempty"`
	// Headers set on each delivery request.
	Headers map[string]string `json:"headers,omitempty"`
	// SkipToken excludes one subscriber, typically the publisher itself.
	SkipToken model.Token `json:"skip,omitempty"`
}

// TopicConfig is the static configuration of one broadcast topic.
type TopicConfig struct {
	// Store holds the topic's subscriptions. Required.
	Store kvstore.Store
	// Path is appended to each subscriber's callback URL on delivery.
	Path string
	// Method used for deliveries; defaults to POST. GET-like methods omit
	// the body.
	Method string
	// OKStatus is the status code counted as a successful delivery; zero
	// accepts any 2xx.
	OKStatus int
}

// Options configures a notification Service.
type Options struct {
	// Registry persists subscriber records keyed by token.
	Registry kvstore.Store
	// Topics maps each topic name to its configuration.
	Topics map[string]TopicConfig

	HTTPClient *http.Client
	Logger     *slog.Logger
	// CallTimeout bounds each delivery request; defaults to 5s.
	CallTimeout time.Duration
}

// Service is the notification broadcast service. The registry and each topic
// carry independent locks so a slow broadcast on one topic never blocks
// subscription changes on another.
type Service struct {
	registry kvstore.Store
	client   *http.Client
	logger   *slog.Logger
	timeout  time.Duration

	regMu  sync.Mutex
	topics map[string]*topic
}

type topic struct {
	mu       sync.Mutex
	store    kvstore.Store
	path     string
	method   string
	okStatus int
}

// New creates a notification service over the given stores.
func New(opts Options) (*Service, error) {
	if opts.Registry == nil {
		return nil, errors.New("registry store is required")
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := opts.CallTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	topics := make(map[string]*topic, len(opts.Topics))
	for name, cfg := range opts.Topics {
		if cfg.Store == nil {
			return nil, fmt.Errorf("topic %q has no store", name)
		}
		method := cfg.Method
		if method == "" {
			method = http.MethodPost
		}
		topics[name] = &topic{
			store:    cfg.Store,
			path:     cfg.Path,
			method:   method,
			okStatus: cfg.OKStatus,
		}
	}
	return &Service{
		registry: opts.Registry,
		client:   client,
		logger:   logger,
		timeout:  timeout,
		topics:   topics,
	}, nil
}

// Topics returns the configured topic names, sorted.
func (s *Service) Topics() []string {
	names := make([]string, 0, len(s.topics))
	for name := range s.topics {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// TopicInfo describes one topic's delivery configuration.
type TopicInfo struct {
	Name     string `json:"name"`
	Path     string `json:"path"`
	Method   string `json:"method"`
	OKStatus int    `json:"ok_status,omitempty"`
}

// Describe returns the delivery configuration of every topic, sorted by name.
func (s *Service) Describe() []TopicInfo {
	infos := make([]TopicInfo, 0, len(s.topics))
	for name, tp := range s.topics {
		infos = append(infos, TopicInfo{
			Name:     name,
			Path:     tp.path,
			Method:   tp.method,
			OKStatus: tp.okStatus,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// Register stores a new subscriber for the callback URL and returns its
// token. Token generation retries on collision a bounded number of times.
func (s *Service) Register(ctx context.Context, callbackURL string) (model.Token, error) {
	parsed, err := url.Parse(callbackURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return "", apperrors.Validationf("invalid callback URL %q", callbackURL)
	}

	s.regMu.Lock()
	defer s.regMu.Unlock()

	for attempt := 0; attempt < tokenRetries; attempt++ {
		token := model.NewToken()
		_, err := s.registry.Read(ctx, token.String())
		if err == nil {
			continue
		}
		if !errors.Is(err, kvstore.ErrKeyNotFound) {
			return "", apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "read registry")
		}
		sub := Subscriber{Token: token, URL: callbackURL, CreatedAt: time.Now().UTC()}
		data, err := json.Marshal(sub)
		if err != nil {
			return "", fmt.Errorf("encode subscriber: %w", err)
		}
		if err := s.registry.Write(ctx, token.String(), data); err != nil {
			return "", apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "write registry")
		}
		s.logger.InfoContext(ctx, "subscriber registered", "token", token, "url", callbackURL)
		return token, nil
	}
	return "", apperrors.Internal("could not generate a unique subscriber token")
}

// Deregister removes a subscriber from the registry and cascades the removal
// through every topic. Deregistering an unknown token is a no-op.
func (s *Service) Deregister(ctx context.Context, token model.Token) error {
	s.regMu.Lock()
	err := s.registry.Delete(ctx, token.String())
	s.regMu.Unlock()
	if err != nil && !errors.Is(err, kvstore.ErrKeyNotFound) {
		return apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "delete from registry")
	}

	var errs []error
	for name, tp := range s.topics {
		tp.mu.Lock()
		err := tp.store.Delete(ctx, token.String())
		tp.mu.Unlock()
		if err != nil && !errors.Is(err, kvstore.ErrKeyNotFound) {
			errs = append(errs, fmt.Errorf("topic %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// Subscribe adds a registered subscriber to a topic. Subscribing twice is a
// no-op.
func (s *Service) Subscribe(ctx context.Context, token model.Token, topicName string) error {
	tp, ok := s.topics[topicName]
	if !ok {
		return apperrors.NotFoundf("unknown topic %q", topicName)
	}
	_, err := s.lookup(ctx, token)
	if err != nil {
		return err
	}

	tp.mu.Lock()
	defer tp.mu.Unlock()
	// Membership only; the callback URL is joined against the registry at
	// broadcast time, never duplicated per topic.
	if err := tp.store.Write(ctx, token.String(), nil); err != nil {
		return apperrors.Wrapf(err, apperrors.ErrCodeUnavailable, "subscribe to %s", topicName)
	}
	return nil
}

// Unsubscribe removes a subscriber from one topic without touching the
// registry. Removing a token that was never subscribed is a no-op.
func (s *Service) Unsubscribe(ctx context.Context, token model.Token, topicName string) error {
	tp, ok := s.topics[topicName]
	if !ok {
		return apperrors.NotFoundf("unknown topic %q", topicName)
	}
	tp.mu.Lock()
	defer tp.mu.Unlock()
	err := tp.store.Delete(ctx, token.String())
	if err != nil && !errors.Is(err, kvstore.ErrKeyNotFound) {
		return apperrors.Wrapf(err, apperrors.ErrCodeUnavailable, "unsubscribe from %s", topicName)
	}
	return nil
}

// Subscribed reports whether the token is subscribed to the topic.
func (s *Service) Subscribed(ctx context.Context, token model.Token, topicName string) (bool, error) {
	tp, ok := s.topics[topicName]
	if !ok {
		return false, apperrors.NotFoundf("unknown topic %q", topicName)
	}
	tp.mu.Lock()
	defer tp.mu.Unlock()
	_, err := tp.store.Read(ctx, token.String())
	if errors.Is(err, kvstore.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, apperrors.Wrapf(err, apperrors.ErrCodeUnavailable, "read topic %s", topicName)
	}
	return true, nil
}

// Subscribers lists the tokens subscribed to a topic.
func (s *Service) Subscribers(ctx context.Context, topicName string) ([]model.Token, error) {
	tp, ok := s.topics[topicName]
	if !ok {
		return nil, apperrors.NotFoundf("unknown topic %q", topicName)
	}
	tp.mu.Lock()
	defer tp.mu.Unlock()
	keys, err := tp.store.Keys(ctx)
	if err != nil {
		return nil, apperrors.Wrapf(err, apperrors.ErrCodeUnavailable, "list topic %s", topicName)
	}
	tokens := make([]model.Token, 0, len(keys))
	for _, key := range keys {
		tokens = append(tokens, model.Token(key))
	}
	return tokens, nil
}

// Registered returns the subscriber record for a token.
func (s *Service) Registered(ctx context.Context, token model.Token) (*Subscriber, error) {
	return s.lookup(ctx, token)
}

// Notify broadcasts a payload to every subscriber of a topic. The subscriber
// snapshot is taken under the topic lock, which is released before any
// outbound call. Subscribers whose delivery fails are evicted from the
// registry and all topics. Returns the number of successful deliveries.
func (s *Service) Notify(ctx context.Context, topicName string, payload Payload) (int, error) {
	tp, ok := s.topics[topicName]
	if !ok {
		return 0, apperrors.NotFoundf("unknown topic %q", topicName)
	}

	tp.mu.Lock()
	keys, err := tp.store.Keys(ctx)
	tp.mu.Unlock()
	if err != nil {
		return 0, apperrors.Wrapf(err, apperrors.ErrCodeUnavailable, "list topic %s", topicName)
	}

	delivered := 0
	for _, key := range keys {
		token := model.Token(key)
		if token == payload.SkipToken {
			continue
		}
		target, err := s.lookup(ctx, token)
		if apperrors.IsNotFound(err) {
			// Subscribed but no longer registered: a stale entry, treat it
			// like a dead subscriber.
			metrics.BroadcastCalls.WithLabelValues(topicName, "failed").Inc()
			s.evict(ctx, token)
			continue
		}
		if err != nil {
			s.logger.WarnContext(ctx, "resolve subscriber", "topic", topicName, "token", token, "error", err)
			continue
		}
		if err := s.deliver(ctx, tp, *target, payload); err != nil {
			metrics.BroadcastCalls.WithLabelValues(topicName, "failed").Inc()
			s.logger.WarnContext(ctx, "delivery failed, evicting subscriber",
				"topic", topicName, "token", token, "url", target.URL, "error", err)
			s.evict(ctx, token)
			continue
		}
		metrics.BroadcastCalls.WithLabelValues(topicName, "delivered").Inc()
		delivered++
	}
	return delivered, nil
}

// deliver issues one call to one subscriber within the per-call timeout,
// using the topic's configured method and path.
func (s *Service) deliver(ctx context.Context, tp *topic, target Subscriber, payload Payload) error {
	parsed, err := url.Parse(target.URL)
	if err != nil {
		return fmt.Errorf("parse callback URL: %w", err)
	}
	if tp.path != "" {
		parsed.Path = strings.TrimRight(parsed.Path, "/") + tp.path
	}
	query := parsed.Query()
	for key, values := range payload.Query {
		for _, value := range values {
			query.Add(key, value)
		}
	}
	parsed.RawQuery = query.Encode()

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var body io.Reader
	withBody := len(payload.JSON) > 0 && tp.method != http.MethodGet &&
		tp.method != http.MethodHead && tp.method != http.MethodDelete
	if withBody {
		body = bytes.NewReader(payload.JSON)
	}
	req, err := http.NewRequestWithContext(callCtx, tp.method, parsed.String(), body)
	if err != nil {
		return fmt.Errorf("build delivery request: %w", err)
	}
	if withBody {
		req.Header.Set("Content-Type", "application/json")
	}
	for key, value := range payload.Headers {
		req.Header.Set(key, value)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if tp.okStatus != 0 {
		if resp.StatusCode != tp.okStatus {
			return fmt.Errorf("subscriber answered %d, want %d", resp.StatusCode, tp.okStatus)
		}
		return nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("subscriber answered %d", resp.StatusCode)
	}
	return nil
}

// evict removes a dead subscriber everywhere. Best effort; eviction failures
// are logged, the broadcast goes on.
func (s *Service) evict(ctx context.Context, token model.Token) {
	metrics.SubscribersEvicted.Inc()
	if err := s.Deregister(ctx, token); err != nil {
		s.logger.ErrorContext(ctx, "evict subscriber", "token", token, "error", err)
	}
}

func (s *Service) lookup(ctx context.Context, token model.Token) (*Subscriber, error) {
	s.regMu.Lock()
	data, err := s.registry.Read(ctx, token.String())
	s.regMu.Unlock()
	if errors.Is(err, kvstore.ErrKeyNotFound) {
		return nil, apperrors.NotFoundf("unknown subscriber token %s", token)
	}
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "read registry")
	}
	var sub Subscriber
	if err := json.Unmarshal(data, &sub); err != nil {
		return nil, fmt.Errorf("decode subscriber: %w", err)
	}
	return &sub, nil
}
