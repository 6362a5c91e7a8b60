package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/overseer-io/overseer/internal/kvstore"
	"github.com/overseer-io/overseer/internal/model"
	"github.com/overseer-io/overseer/internal/observability/metrics"
)

// Run starts the worker pool and processes jobs until the context is
// cancelled. Execution errors inside job bodies never stop the pool; each is
// recorded on the failing job's report.
func (c *Controller) Run(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return errors.New("worker pool already running")
	}
	c.running = true
	c.mu.Unlock()

	c.logger.InfoContext(ctx, "starting worker pool",
		"workers", c.poolSize,
		"poll_interval", c.pollInterval,
		"requeue_on_stop", c.requeueOnStop)

	var wg sync.WaitGroup
	for i := 0; i < c.poolSize; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.workerLoop(ctx, i)
		}()
	}
	wg.Wait()

	c.mu.Lock()
	c.running = false
	c.mu.Unlock()

	c.logger.InfoContext(ctx, "worker pool stopped")
	return ctx.Err()
}

func (c *Controller) workerLoop(ctx context.Context, worker int) {
	for ctx.Err() == nil {
		token, err := c.popNext(ctx)
		switch {
		case err == nil:
			c.execute(ctx, token)
		case errors.Is(err, model.ErrNoJobsQueued):
			c.sleep(ctx)
		default:
			if ctx.Err() != nil {
				return
			}
			c.logger.ErrorContext(ctx, "pop queue", "worker", worker, "error", err)
			c.sleep(ctx)
		}
	}
}

// popNext claims the next queued token. Concurrent workers may race on the
// same key; the queue's atomic pop guarantees only one wins, the losers move
// on to the next key.
func (c *Controller) popNext(ctx context.Context) (model.Token, error) {
	keys, err := c.queue.Keys(ctx)
	if err != nil {
		return "", fmt.Errorf("list queue: %w", err)
	}
	for _, key := range keys {
		value, err := c.queue.Pop(ctx, key)
		if errors.Is(err, kvstore.ErrKeyNotFound) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("pop queue entry: %w", err)
		}
		return model.Token(value), nil
	}
	return "", model.ErrNoJobsQueued
}

func (c *Controller) sleep(ctx context.Context) {
	timer := time.NewTimer(c.pollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func (c *Controller) execute(ctx context.Context, token model.Token) {
	rec, err := c.GetInfo(ctx, token)
	if err != nil {
		// A queue entry without a registry record is an orphan; drop it.
		c.logger.WarnContext(ctx, "dequeued token without registry record",
			"token", token, "error", err)
		return
	}
	if rec.Terminal() {
		return
	}

	start := time.Now()
	metrics.WorkersBusy.Inc()
	defer metrics.WorkersBusy.Dec()

	finCtx := context.WithoutCancel(ctx)

	// An abort signalled while the job was still queued is honored without
	// ever starting the body.
	if msg, ok := c.inbox.peek(token, MessageAbort); ok {
		c.finalizeAborted(finCtx, rec, msg)
		c.inbox.clear(token)
		metrics.ObserveJob(rec.Config.Type, string(model.JobStatusAborted), time.Since(start))
		return
	}

	jt, registered := c.lookupType(rec.Config.Type)
	if !registered {
		rec.Touch(model.EventFailed, c.actor)
		rec.Report.AppendLog("error.worker", fmt.Sprintf("unknown job type %q", rec.Config.Type))
		rec.Report.SetProgress(model.ProgressFailed, "unknown job type", rec.Report.Progress.Percent)
		if perr := c.persistRecord(finCtx, rec); perr != nil {
			c.logger.ErrorContext(ctx, "persist failed job", "token", token, "error", perr)
		}
		c.inbox.clear(token)
		metrics.ObserveJob(rec.Config.Type, string(model.JobStatusFailed), time.Since(start))
		return
	}

	rec.Touch(model.EventStarted, c.actor)
	if jt.newReport != nil {
		seeded := jt.newReport()
		seeded.Log = rec.Report.Log
		rec.Report = seeded
	}
	rec.Report.SetProgress(model.ProgressRunning, "", 0)
	if err := c.persistRecord(ctx, rec); err != nil {
		c.logger.ErrorContext(ctx, "persist started job", "token", token, "error", err)
	}

	jc := newJobContext(ctx, c, rec)
	execErr := c.runExecutor(ctx, jc, jt)
	c.inbox.clear(token)

	result := c.finalize(finCtx, jc, execErr)
	metrics.ObserveJob(rec.Config.Type, result, time.Since(start))
}

// runExecutor invokes the job body, converting panics into execution errors
// so a misbehaving job never takes down its worker.
func (c *Controller) runExecutor(ctx context.Context, jc *JobContext, jt jobType) (err error) {
	defer func() {
		if p := recover(); p != nil {
			c.logger.ErrorContext(ctx, "job body panicked", "token", jc.Token(), "panic", p)
			err = fmt.Errorf("job panic: %v", p)
		}
	}()
	return jt.exec(ctx, jc)
}

// finalize writes the terminal (or requeued) state for an executed job and
// returns the result label for metrics.
func (c *Controller) finalize(ctx context.Context, jc *JobContext, execErr error) string {
	rec := jc.rec
	token := rec.Token

	switch {
	case execErr == nil:
		rec.Touch(model.EventCompleted, c.actor)
		rec.Report.Progress.Status = model.ProgressCompleted
		rec.Report.Progress.Percent = 100
		if err := c.persistRecord(ctx, rec); err != nil {
			c.logger.ErrorContext(ctx, "persist completed job", "token", token, "error", err)
		}
		return string(model.JobStatusCompleted)

	case errors.Is(execErr, ErrAborted):
		msg, _ := jc.AbortSignal()
		if cascadeErr := jc.AbortChildren(ctx, msg.Origin, msg.Reason); cascadeErr != nil {
			rec.Report.AppendLog("error.abort", cascadeErr.Error())
		}
		c.finalizeAborted(ctx, rec, msg)
		return string(model.JobStatusAborted)

	case errors.Is(execErr, context.Canceled) && c.requeueOnStop:
		// Pool shutdown mid-flight: push the token back so the submission
		// is not silently lost.
		delete(rec.Metadata, model.EventStarted)
		rec.Touch("requeued", c.actor)
		rec.Report.SetProgress(model.ProgressQueued, "requeued on shutdown", rec.Report.Progress.Percent)
		if err := c.persistRecord(ctx, rec); err != nil {
			c.logger.ErrorContext(ctx, "persist requeued job", "token", token, "error", err)
		}
		if _, err := c.queue.Push(ctx, []byte(token.String())); err != nil {
			c.logger.ErrorContext(ctx, "requeue in-flight job", "token", token, "error", err)
		}
		return "requeued"

	default:
		rec.Touch(model.EventFailed, c.actor)
		rec.Report.AppendLog("error.worker", execErr.Error())
		rec.Report.SetProgress(model.ProgressFailed, execErr.Error(), rec.Report.Progress.Percent)
		if err := c.persistRecord(ctx, rec); err != nil {
			c.logger.ErrorContext(ctx, "persist failed job", "token", token, "error", err)
		}
		return string(model.JobStatusFailed)
	}
}

func (c *Controller) finalizeAborted(ctx context.Context, rec *model.JobRecord, msg Message) {
	actor := msg.Origin
	if actor == "" {
		actor = c.actor
	}
	rec.Touch(model.EventAborted, actor)
	if msg.Reason != "" {
		rec.Report.AppendLog("info.abort", msg.Reason)
	}
	rec.Report.SetProgress(model.ProgressAborted, msg.Reason, rec.Report.Progress.Percent)
	if err := c.persistRecord(ctx, rec); err != nil {
		c.logger.ErrorContext(ctx, "persist aborted job", "token", rec.Token, "error", err)
	}
}
