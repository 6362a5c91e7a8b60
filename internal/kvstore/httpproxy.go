package kvstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPProxyStore forwards the store contract to a remote overseer instance
// exposing the /store endpoints, letting several processes share one
// queue/registry pair over plain HTTP.
type HTTPProxyStore struct {
	baseURL string
	client  *http.Client
}

// NewHTTPProxyStore creates a proxy store for the remote base URL.
func NewHTTPProxyStore(baseURL string, client *http.Client) *HTTPProxyStore {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPProxyStore{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
	}
}

func (s *HTTPProxyStore) keyURL(key string, pop bool) string {
	q := url.Values{"key": {key}}
	if pop {
		q.Set("pop", "true")
	}
	return s.baseURL + "/store?" + q.Encode()
}

func (s *HTTPProxyStore) do(ctx context.Context, method, target string, body []byte) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, bytesReader(body))
	if err != nil {
		return 0, nil, fmt.Errorf("build store request: %w", err)
	}
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/octet-stream")
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("store request: %w", err)
	}
	data, readErr := io.ReadAll(resp.Body)
	if closeErr := resp.Body.Close(); closeErr != nil && readErr == nil {
		readErr = closeErr
	}
	if readErr != nil {
		return resp.StatusCode, nil, fmt.Errorf("read store response: %w", readErr)
	}
	return resp.StatusCode, data, nil
}

func bytesReader(b []byte) io.Reader {
	if len(b) == 0 {
		return nil
	}
	return bytes.NewReader(b)
}

// Write upserts the value under key on the remote store.
func (s *HTTPProxyStore) Write(ctx context.Context, key string, value []byte) error {
	status, body, err := s.do(ctx, http.MethodPut, s.keyURL(key, false), value)
	if err != nil {
		return err
	}
	if status != http.StatusNoContent {
		return fmt.Errorf("store write: unexpected status %d: %s", status, body)
	}
	return nil
}

// WriteOnce writes the value only if the key is absent on the remote store.
// The atomicity lives server-side; 409 reports a lost race.
func (s *HTTPProxyStore) WriteOnce(ctx context.Context, key string, value []byte) error {
	q := url.Values{"key": {key}, "nx": {"true"}}
	status, body, err := s.do(ctx, http.MethodPut, s.baseURL+"/store?"+q.Encode(), value)
	if err != nil {
		return err
	}
	switch status {
	case http.StatusNoContent:
		return nil
	case http.StatusConflict:
		return ErrKeyExists
	default:
		return fmt.Errorf("store write once: unexpected status %d: %s", status, body)
	}
}

// Read returns the value stored under key on the remote store.
func (s *HTTPProxyStore) Read(ctx context.Context, key string) ([]byte, error) {
	return s.fetch(ctx, key, false)
}

// Pop atomically reads and removes the value under key on the remote store.
// Exactly-once removal is enforced server-side by the backing store.
func (s *HTTPProxyStore) Pop(ctx context.Context, key string) ([]byte, error) {
	return s.fetch(ctx, key, true)
}

func (s *HTTPProxyStore) fetch(ctx context.Context, key string, pop bool) ([]byte, error) {
	status, body, err := s.do(ctx, http.MethodGet, s.keyURL(key, pop), nil)
	if err != nil {
		return nil, err
	}
	switch status {
	case http.StatusOK:
		return body, nil
	case http.StatusNotFound:
		return nil, ErrKeyNotFound
	default:
		return nil, fmt.Errorf("store read: unexpected status %d: %s", status, body)
	}
}

// Delete removes key on the remote store; absent keys are a no-op.
func (s *HTTPProxyStore) Delete(ctx context.Context, key string) error {
	status, body, err := s.do(ctx, http.MethodDelete, s.keyURL(key, false), nil)
	if err != nil {
		return err
	}
	if status != http.StatusNoContent {
		return fmt.Errorf("store delete: unexpected status %d: %s", status, body)
	}
	return nil
}

// Keys returns a snapshot of the remote store's keys.
func (s *HTTPProxyStore) Keys(ctx context.Context) ([]string, error) {
	status, body, err := s.do(ctx, http.MethodGet, s.baseURL+"/store/keys", nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("store keys: unexpected status %d: %s", status, body)
	}
	var keys []string
	if err := json.Unmarshal(body, &keys); err != nil {
		return nil, fmt.Errorf("decode store keys: %w", err)
	}
	return keys, nil
}

// Push stores value under a server-generated key and returns it.
func (s *HTTPProxyStore) Push(ctx context.Context, value []byte) (string, error) {
	status, body, err := s.do(ctx, http.MethodPost, s.baseURL+"/store", value)
	if err != nil {
		return "", err
	}
	if status != http.StatusCreated {
		return "", fmt.Errorf("store push: unexpected status %d: %s", status, body)
	}
	var out struct {
		Key string `json:"key"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("decode store push response: %w", err)
	}
	if out.Key == "" {
		return "", fmt.Errorf("store push: empty key in response")
	}
	return out.Key, nil
}

var _ Store = (*HTTPProxyStore)(nil)
