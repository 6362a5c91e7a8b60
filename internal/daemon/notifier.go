package daemon

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
	"strings"
	"sync"
	"time"

	"github.com/overseer-io/overseer/internal/model"
)

// NotifierOptions groups dependencies for Notifier.
type NotifierOptions struct {
	// BaseURL of the notification service to register against. Required.
	BaseURL string
	// CallbackURL this process wants notifications delivered to. Required.
	CallbackURL string
	// Topics to keep subscriptions on.
	Topics []string

	HTTPClient *http.Client
	Logger     *slog.Logger
	// Interval between maintenance rounds; defaults to 30s.
	Interval time.Duration
}

// Notifier keeps this process registered and subscribed against a remote
// notification service. A lost registration (service restart, eviction) is
// detected on the next round and rebuilt from scratch.
type Notifier struct {
	base     string
	callback string
	topics   []string
	client   *http.Client
	logger   *slog.Logger
	interval time.Duration

	mu    sync.Mutex
	token model.Token
}

// NewNotifier constructs a Notifier.
func NewNotifier(opts NotifierOptions) (*Notifier, error) {
	if opts.BaseURL == "" {
		return nil, errors.New("base URL is required")
	}
	if opts.CallbackURL == "" {
		return nil, errors.New("callback URL is required")
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Notifier{
		base:     strings.TrimRight(opts.BaseURL, "/"),
		callback: opts.CallbackURL,
		topics:   opts.Topics,
		client:   client,
		logger:   logger.With("component", "notifier"),
		interval: interval,
	}, nil
}

// Token returns the current registration token, empty when unregistered.
func (d *Notifier) Token() model.Token {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.token
}

// Ready reports whether a registration is currently held.
func (d *Notifier) Ready() bool {
	return d.Token() != ""
}

// Run maintains the registration until the context is cancelled, then
// deregisters. Returns nil on graceful shutdown.
func (d *Notifier) Run(ctx context.Context) error {
	for {
		if err := d.maintain(ctx); err != nil {
			if ctx.Err() != nil {
				break
			}
			d.logger.WarnContext(ctx, "registration maintenance failed, will retry",
				"retry_in", d.interval, "error", err)
			d.reset()
		}

		timer := time.NewTimer(d.interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			d.deregister()
			return nil
		case <-timer.C:
		}
	}
	d.deregister()
	return nil
}

// maintain verifies the registration and every subscription, rebuilding
// whatever is missing.
func (d *Notifier) maintain(ctx context.Context) error {
	token := d.Token()
	if token != "" {
		ok, err := d.registered(ctx, token)
		if err != nil {
			return err
		}
		if !ok {
			d.logger.InfoContext(ctx, "registration lost, re-registering", "token", token)
			d.reset()
			token = ""
		}
	}
	if token == "" {
		fresh, err := d.register(ctx)
		if err != nil {
			return err
		}
		d.mu.Lock()
		d.token = fresh
		d.mu.Unlock()
		token = fresh
		d.logger.InfoContext(ctx, "registered with notification service", "token", token)
	}

	for _, topic := range d.topics {
		if err := d.ensureSubscribed(ctx, token, topic); err != nil {
			return fmt.Errorf("topic %s: %w", topic, err)
		}
	}
	return nil
}

func (d *Notifier) register(ctx context.Context) (model.Token, error) {
	body, err := json.Marshal(map[string]string{"url": d.callback})
	if err != nil {
		return "", err
	}
	status, respBody, err := d.do(ctx, http.MethodPost, d.base+"/registration", body)
	if err != nil {
		return "", err
	}
	if status != http.StatusCreated {
		return "", fmt.Errorf("register: unexpected status %d: %s", status, respBody)
	}
	var out struct {
		Token model.Token `json:"token"`
	}
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", fmt.Errorf("decode registration: %w", err)
	}
	if out.Token == "" {
		return "", errors.New("register: empty token")
	}
	return out.Token, nil
}

func (d *Notifier) registered(ctx context.Context, token model.Token) (bool, error) {
	status, body, err := d.do(ctx, http.MethodGet,
		d.base+"/registration?"+url.Values{"token": {token.String()}}.Encode(), nil)
	if err != nil {
		return false, err
	}
	switch status {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("check registration: unexpected status %d: %s", status, body)
	}
}

func (d *Notifier) ensureSubscribed(ctx context.Context, token model.Token, topic string) error {
	query := url.Values{"token": {token.String()}, "topic": {topic}}.Encode()
	status, body, err := d.do(ctx, http.MethodGet, d.base+"/subscription?"+query, nil)
	if err != nil {
		return err
	}
	if status == http.StatusOK {
		var out struct {
			Subscribed bool `json:"subscribed"`
		}
		if err := json.Unmarshal(body, &out); err != nil {
			return fmt.Errorf("decode subscription: %w", err)
		}
		if out.Subscribed {
			return nil
		}
	}

	status, body, err = d.do(ctx, http.MethodPost, d.base+"/subscription?"+query, nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("subscribe: unexpected status %d: %s", status, body)
	}
	return nil
}

// deregister is best effort on shutdown; the remote evicts dead callbacks on
// its own.
func (d *Notifier) deregister() {
	token := d.Token()
	if token == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	target := d.base + "/registration?" + url.Values{"token": {token.String()}}.Encode()
	if _, _, err := d.do(ctx, http.MethodDelete, target, nil); err != nil {
		d.logger.Warn("deregister on shutdown failed", "token", token, "error", err)
	}
	d.reset()
}

func (d *Notifier) reset() {
	d.mu.Lock()
	d.token = ""
	d.mu.Unlock()
}

func (d *Notifier) do(ctx context.Context, method, target string, body []byte) (int, []byte, error) {
	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return 0, nil, err
	}
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	data, readErr := io.ReadAll(resp.Body)
	if closeErr := resp.Body.Close(); closeErr != nil && readErr == nil {
		readErr = closeErr
	}
	if readErr != nil {
		return resp.StatusCode, nil, readErr
	}
	return resp.StatusCode, data, nil
}
