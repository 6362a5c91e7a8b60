// Package jobs holds the built-in job types shipped with the service: a
// local echo job for smoke testing and a forwarding job that proxies work to
// a remote instance through the service adapter.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/overseer-io/overseer/config"
	"github.com/overseer-io/overseer/internal/adapter"
	"github.com/overseer-io/overseer/internal/bootstrap"
	"github.com/overseer-io/overseer/internal/controller"
	"github.com/overseer-io/overseer/internal/model"
)

// RegisterAll registers the built-in job types on the container's controller.
func RegisterAll(container *bootstrap.ServiceContainer, cfg *config.AppConfig, logger *slog.Logger) error {
	c := container.Controller
	if err := c.Register("echo", echoExecutor, nil); err != nil {
		return fmt.Errorf("register echo: %w", err)
	}
	if err := c.Register("forward", forwardExecutor(cfg.Adapter, logger), nil); err != nil {
		return fmt.Errorf("register forward: %w", err)
	}
	return nil
}

// echoExecutor completes immediately with the request body as report data.
func echoExecutor(_ context.Context, jc *controller.JobContext) error {
	if err := jc.Checkpoint(); err != nil {
		return err
	}
	data := jc.Config().RequestBody
	if len(data) == 0 {
		data = json.RawMessage(`{}`)
	}
	return jc.SetData(data)
}

// ForwardRequest is the request body of a "forward" job.
type ForwardRequest struct {
	// BaseURL of the remote instance to run the job on.
	BaseURL string `json:"base_url"`
	// Type of the job to submit remotely.
	Type string `json:"type"`
	// Body passed through as the remote request body.
	Body json.RawMessage `json:"body,omitempty"`
}

// forwardSpec submits the wrapped type/body to a remote instance's /job
// endpoint. A remote job that ran to completion counts as success; the
// verdict on its payload belongs to whoever reads the merged report.
type forwardSpec struct {
	jobType string
}

func (s forwardSpec) Endpoint() string      { return "/job" }
func (s forwardSpec) AbortEndpoint() string { return "/job" }

func (s forwardSpec) BuildRequestBody(body json.RawMessage) (json.RawMessage, error) {
	return json.Marshal(map[string]json.RawMessage{
		"type":         json.RawMessage(fmt.Sprintf("%q", s.jobType)),
		"request_body": body,
	})
}

func (s forwardSpec) Success(res *adapter.Result) bool {
	return res.Report.Progress.Status == model.ProgressCompleted
}

// forwardExecutor runs the remote job through the adapter, mirroring the
// remote report into this job's report as the child "remote". Aborts cascade
// to the remote job through the tracked child.
func forwardExecutor(cfg config.AdapterConfig, logger *slog.Logger) controller.Executor {
	return func(ctx context.Context, jc *controller.JobContext) error {
		var req ForwardRequest
		if err := json.Unmarshal(jc.Config().RequestBody, &req); err != nil {
			return fmt.Errorf("decode forward request: %w", err)
		}
		if req.BaseURL == "" || req.Type == "" {
			return fmt.Errorf("forward request needs base_url and type")
		}

		var a *adapter.Adapter
		a, err := adapter.New(forwardSpec{jobType: req.Type}, adapter.Options{
			BaseURL:        req.BaseURL,
			Logger:         logger,
			RequestTimeout: cfg.RequestTimeout,
			JobTimeout:     cfg.JobTimeout,
			PollInterval:   cfg.PollInterval,
			MaxRetries:     cfg.MaxRetries,
			OnSubmit: func(token model.Token) {
				jc.TrackChild(controller.ChildJob{
					Token: token,
					Name:  "remote",
					Abort: func(ctx context.Context, origin, reason string) error {
						return a.Abort(ctx, token, origin, reason)
					},
				})
			},
		})
		if err != nil {
			return err
		}

		runCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		type outcome struct {
			res *adapter.Result
			err error
		}
		done := make(chan outcome, 1)
		go func() {
			res, err := a.Run(runCtx, req.Body, func(remote *model.Report) {
				jc.MergeChildReport("remote", remote)
			})
			done <- outcome{res: res, err: err}
		}()

		ticker := time.NewTicker(checkpointInterval(cfg.PollInterval))
		defer ticker.Stop()
		for {
			select {
			case out := <-done:
				return finishForward(jc, out.res, out.err)
			case <-ticker.C:
				if err := jc.Checkpoint(); err != nil {
					// Stop the adapter; the abort cascade reaches the
					// remote job through the tracked child.
					cancel()
					<-done
					return err
				}
			}
		}
	}
}

func checkpointInterval(pollInterval time.Duration) time.Duration {
	if pollInterval <= 0 {
		return time.Second
	}
	return pollInterval
}

func finishForward(jc *controller.JobContext, res *adapter.Result, err error) error {
	if err != nil {
		return err
	}
	jc.ReleaseChild("remote")
	if res.Report != nil {
		jc.MergeChildReport("remote", res.Report)
	}
	if !res.Success {
		return fmt.Errorf("remote job did not succeed: %s", res.Report.Progress.Verbose)
	}
	return nil
}
