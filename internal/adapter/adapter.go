// Package adapter implements the client-side proxy used by composite jobs to
// submit work to a remote overseer instance, poll it to completion, and abort
// it on request.
package adapter

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
	"time"

	apperrors "github.com/overseer-io/overseer/internal/errors"
	"github.com/overseer-io/overseer/internal/model"
)

// State is the adapter's per-invocation state machine position.
type State string

const (
	// StateSubmitting covers the initial submission call.
	StateSubmitting State = "submitting"
	// StatePolling covers the report polling loop.
	StatePolling State = "polling"
	// StateAborting covers an abort issued while polling.
	StateAborting State = "aborting"
	// StateSucceeded is the terminal success state.
	StateSucceeded State = "succeeded"
	// StateFailed is the terminal failure state.
	StateFailed State = "failed"
)

// Marker texts embedded in failure reports so callers and tests can
// distinguish failure classes by substring.
const (
	// MarkerRequestTimedOut marks a single request exceeding its timeout
	// past the retry budget.
	MarkerRequestTimedOut = "request timed out"
	// MarkerJobTimedOut marks the overall polling window elapsing.
	MarkerJobTimedOut = "job timed out"
	// MarkerRejected prefixes a remote rejection; the remote's response
	// body follows verbatim.
	MarkerRejected = "remote rejected"
)

// Spec describes one remote job type. Concrete implementations interpret the
// job-type-specific report data to decide pass/fail.
type Spec interface {
	// Endpoint is the remote submission path, e.g. "/job".
	Endpoint() string
	// AbortEndpoint is the remote abort path, e.g. "/job".
	AbortEndpoint() string
	// BuildRequestBody derives the remote submission body from the
	// caller's request body.
	BuildRequestBody(body json.RawMessage) (json.RawMessage, error)
	// Success decides whether a completed remote job passed. The base
	// contract only guarantees Result.Completed and Result.Report are
	// populated consistently.
	Success(res *Result) bool
}

// UpdateHook is invoked after each successful poll with the latest remote
// report, before the next wait.
type UpdateHook func(remote *model.Report)

// Result is the outcome of one adapter run.
type Result struct {
	State     State
	Token     model.Token
	Completed bool
	Success   bool
	Report    *model.Report
}

// Options configures an Adapter.
type Options struct {
	// BaseURL of the remote overseer instance.
	BaseURL string
	// HTTPClient used for all calls; defaults to a plain client. Request
	// deadlines come from per-call contexts, not the client timeout.
	HTTPClient *http.Client
	Logger     *slog.Logger

	// RequestTimeout bounds each individual HTTP call; defaults to 10s.
	RequestTimeout time.Duration
	// JobTimeout bounds the whole polling phase; defaults to 10m.
	JobTimeout time.Duration
	// PollInterval paces report polling; defaults to 1s.
	PollInterval time.Duration
	// MaxRetries applies independently to the submission call and to each
	// poll step when the per-request timeout is hit.
	MaxRetries int

	// OnSubmit is invoked with the remote token once a submission is
	// accepted, before polling starts. Parents use it to track the remote
	// job as a child for abort cascades. Optional.
	OnSubmit func(token model.Token)
}

// Adapter submits jobs to a remote instance of the same orchestration
// pattern and tracks them to completion.
type Adapter struct {
	spec   Spec
	base   string
	client *http.Client
	logger *slog.Logger

	requestTimeout time.Duration
	jobTimeout     time.Duration
	pollInterval   time.Duration
	maxRetries     int
	onSubmit       func(token model.Token)
}

// New creates an Adapter for the given remote job spec.
func New(spec Spec, opts Options) (*Adapter, error) {
	if spec == nil {
		return nil, errors.New("spec is required")
	}
	if opts.BaseURL == "" {
		return nil, errors.New("base URL is required")
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	requestTimeout := opts.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = 10 * time.Second
	}
	jobTimeout := opts.JobTimeout
	if jobTimeout <= 0 {
		jobTimeout = 10 * time.Minute
	}
	pollInterval := opts.PollInterval
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	maxRetries := opts.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Adapter{
		spec:           spec,
		base:           strings.TrimRight(opts.BaseURL, "/"),
		client:         client,
		logger:         logger,
		requestTimeout: requestTimeout,
		jobTimeout:     jobTimeout,
		pollInterval:   pollInterval,
		maxRetries:     maxRetries,
		onSubmit:       opts.OnSubmit,
	}, nil
}

// Run submits the body and polls the remote job to a terminal state. Remote
// rejections, request timeouts, and overall job timeouts complete the run
// with Success=false and a distinct marker in the report; only context
// cancellation and programming errors return an error.
func (a *Adapter) Run(ctx context.Context, body json.RawMessage, hooks ...UpdateHook) (*Result, error) {
	res := &Result{State: StateSubmitting, Report: model.NewReport()}

	derived, err := a.spec.BuildRequestBody(body)
	if err != nil {
		return nil, fmt.Errorf("build request body: %w", err)
	}

	token, failed, err := a.submit(ctx, res, derived)
	if err != nil {
		return nil, err
	}
	if failed {
		return res, nil
	}
	res.Token = token
	res.State = StatePolling
	if a.onSubmit != nil {
		a.onSubmit(token)
	}

	if err := a.poll(ctx, res, hooks); err != nil {
		return nil, err
	}
	if res.State == StateFailed {
		return res, nil
	}

	res.Completed = true
	res.Success = a.spec.Success(res)
	res.State = StateSucceeded
	if !res.Success {
		res.State = StateFailed
	}
	return res, nil
}

// submit posts the derived body to the remote submission endpoint, retrying
// request timeouts up to the retry budget. It returns the granted token, or
// failed=true with the failure recorded on the result's report.
func (a *Adapter) submit(ctx context.Context, res *Result, body json.RawMessage) (model.Token, bool, error) {
	target := a.base + a.spec.Endpoint()

	status, respBody, err := a.callWithRetries(ctx, http.MethodPost, target, body)
	switch {
	case err != nil && isTimeout(err):
		a.fail(res, MarkerRequestTimedOut, "submission exceeded request timeout after retries")
		return "", true, nil
	case err != nil:
		if ctx.Err() != nil {
			return "", false, ctx.Err()
		}
		a.fail(res, MarkerRejected, err.Error())
		return "", true, nil
	case status < 200 || status > 299:
		// Surface the remote's response body verbatim.
		a.fail(res, MarkerRejected, string(respBody))
		return "", true, nil
	}

	var grant model.TokenGrant
	if err := json.Unmarshal(respBody, &grant); err != nil {
		return "", false, fmt.Errorf("decode token grant: %w", err)
	}
	if grant.Token == "" {
		return "", false, errors.New("remote accepted submission without a token")
	}
	return grant.Token, false, nil
}

// poll fetches the remote report until its progress turns terminal or the
// overall job timeout elapses.
func (a *Adapter) poll(ctx context.Context, res *Result, hooks []UpdateHook) error {
	deadline := time.Now().Add(a.jobTimeout)
	target := a.base + "/report?" + url.Values{"token": {res.Token.String()}}.Encode()

	for {
		status, body, err := a.callWithRetries(ctx, http.MethodGet, target, nil)
		switch {
		case err != nil && isTimeout(err):
			a.fail(res, MarkerRequestTimedOut, "poll exceeded request timeout after retries")
			return nil
		case err != nil:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			a.fail(res, MarkerRejected, err.Error())
			return nil
		case status != http.StatusOK && status != http.StatusServiceUnavailable:
			a.fail(res, MarkerRejected, string(body))
			return nil
		}

		var report model.Report
		if err := json.Unmarshal(body, &report); err != nil {
			return fmt.Errorf("decode remote report: %w", err)
		}
		res.Report = &report
		for _, hook := range hooks {
			hook(&report)
		}
		if report.Progress.Status.Terminal() {
			return nil
		}

		if time.Now().After(deadline) {
			a.fail(res, MarkerJobTimedOut, fmt.Sprintf("no terminal state within %s", a.jobTimeout))
			return nil
		}
		timer := time.NewTimer(a.pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Abort issues a best-effort remote abort with its own timeout. Transport
// errors are returned to the caller, never swallowed: a failed abort means
// the caller cannot guarantee the remote job stopped.
func (a *Adapter) Abort(ctx context.Context, token model.Token, origin, reason string) error {
	target := a.base + a.spec.AbortEndpoint() + "?" + url.Values{"token": {token.String()}}.Encode()
	payload, err := json.Marshal(map[string]string{"origin": origin, "reason": reason})
	if err != nil {
		return fmt.Errorf("encode abort body: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, a.requestTimeout)
	defer cancel()

	status, body, err := a.call(callCtx, http.MethodDelete, target, payload)
	if err != nil {
		return apperrors.Wrapf(err, apperrors.ErrCodeUnavailable, "abort remote job %s", token)
	}
	if status != http.StatusOK {
		return apperrors.Unavailablef("abort remote job %s: status %d: %s", token, status, body)
	}
	return nil
}

// ChildJob wraps this adapter as a child-job record for a parent's execution
// context, cascading parent aborts to the remote job.
func (a *Adapter) ChildJob(token model.Token, name string) func(ctx context.Context, origin, reason string) error {
	return func(ctx context.Context, origin, reason string) error {
		return a.Abort(ctx, token, origin, reason)
	}
}

// callWithRetries repeats a call while it times out, up to maxRetries extra
// attempts. Non-timeout failures are returned immediately.
func (a *Adapter) callWithRetries(ctx context.Context, method, target string, body []byte) (int, []byte, error) {
	var lastErr error
	for attempt := 0; attempt <= a.maxRetries; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, a.requestTimeout)
		status, respBody, err := a.call(callCtx, method, target, body)
		cancel()
		if err == nil {
			return status, respBody, nil
		}
		lastErr = err
		if !isTimeout(err) || ctx.Err() != nil {
			return 0, nil, err
		}
		a.logger.WarnContext(ctx, "request timed out, retrying",
			"method", method, "url", target, "attempt", attempt+1)
	}
	return 0, nil, lastErr
}

func (a *Adapter) call(ctx context.Context, method, target string, body []byte) (int, []byte, error) {
	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("build request: %w", err)
	}
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	data, readErr := io.ReadAll(resp.Body)
	if closeErr := resp.Body.Close(); closeErr != nil && readErr == nil {
		readErr = closeErr
	}
	if readErr != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response body: %w", readErr)
	}
	return resp.StatusCode, data, nil
}

// fail marks the result failed with a marker and detail on the report.
func (a *Adapter) fail(res *Result, marker, detail string) {
	res.State = StateFailed
	res.Completed = false
	res.Success = false
	if res.Report == nil {
		res.Report = model.NewReport()
	}
	message := marker
	if detail != "" {
		message = marker + ": " + detail
	}
	res.Report.AppendLog("error.adapter", message)
	res.Report.SetProgress(model.ProgressFailed, message, res.Report.Progress.Percent)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr) && netErr.Timeout()
}
