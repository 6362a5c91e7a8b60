// Package daemon holds the long-lived background loops: the orchestrator that
// keeps the worker pool running behind a readiness gate, and the notifier
// that maintains registration against a notification service.
package daemon

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/overseer-io/overseer/internal/controller"
	"github.com/overseer-io/overseer/internal/kvstore"
)

// OrchestratorOptions groups dependencies for Orchestrator.
type OrchestratorOptions struct {
	// Controller whose worker pool the daemon runs. Required.
	Controller *controller.Controller
	// Probes are stores whose connectivity gates readiness, typically the
	// queue and registry.
	Probes []kvstore.Store
	Logger *slog.Logger
	// RetryInterval is the fixed backoff between connectivity attempts;
	// defaults to 2s.
	RetryInterval time.Duration
}

// Orchestrator connects the backing stores with a fixed-backoff retry loop,
// then runs the controller's worker pool. Infrastructure errors never exit
// the process; the daemon retries until its context is cancelled. Readiness
// flips once the pool is running.
type Orchestrator struct {
	controller *controller.Controller
	probes     []kvstore.Store
	logger     *slog.Logger
	retry      time.Duration

	ready atomic.Bool
}

// NewOrchestrator constructs an Orchestrator.
func NewOrchestrator(opts OrchestratorOptions) (*Orchestrator, error) {
	if opts.Controller == nil {
		return nil, errors.New("controller is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	retry := opts.RetryInterval
	if retry <= 0 {
		retry = 2 * time.Second
	}
	return &Orchestrator{
		controller: opts.Controller,
		probes:     opts.Probes,
		logger:     logger.With("component", "orchestrator"),
		retry:      retry,
	}, nil
}

// Ready reports whether the worker pool is up and serving.
func (d *Orchestrator) Ready() bool {
	return d.ready.Load()
}

// Run blocks until the context is cancelled. Returns nil on graceful
// shutdown.
func (d *Orchestrator) Run(ctx context.Context) error {
	if err := d.connect(ctx); err != nil {
		return nil
	}

	d.ready.Store(true)
	defer d.ready.Store(false)

	d.logger.InfoContext(ctx, "orchestrator ready")
	err := d.controller.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// connect probes every store until all answer, with fixed backoff between
// rounds.
func (d *Orchestrator) connect(ctx context.Context) error {
	for {
		err := d.probe(ctx)
		if err == nil {
			return nil
		}
		d.logger.WarnContext(ctx, "store connectivity check failed, retrying",
			"retry_in", d.retry, "error", err)

		timer := time.NewTimer(d.retry)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (d *Orchestrator) probe(ctx context.Context) error {
	for _, store := range d.probes {
		if _, err := store.Keys(ctx); err != nil {
			return err
		}
	}
	return nil
}
