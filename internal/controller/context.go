package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/overseer-io/overseer/internal/model"
)

// ChildJob is an ephemeral record of a remote sub-job outstanding on behalf
// of a running job. The abort callback lets the parent cascade aborts.
type ChildJob struct {
	Token model.Token
	Name  string
	Abort func(ctx context.Context, origin, reason string) error
}

// JobContext is the mutable execution context handed to an executor. Report
// mutations write through to the registry so pollers observe partial
// progress. All methods are safe for use from the single owning worker;
// child tracking is additionally safe for concurrent use.
type JobContext struct {
	ctx context.Context
	c   *Controller
	rec *model.JobRecord

	mu       sync.Mutex
	children map[string]ChildJob
	abortSig *Message
}

func newJobContext(ctx context.Context, c *Controller, rec *model.JobRecord) *JobContext {
	return &JobContext{
		ctx:      ctx,
		c:        c,
		rec:      rec,
		children: make(map[string]ChildJob),
	}
}

// Context returns the execution context, cancelled on pool shutdown.
func (jc *JobContext) Context() context.Context { return jc.ctx }

// Token returns the job's token.
func (jc *JobContext) Token() model.Token { return jc.rec.Token }

// Config returns the immutable job configuration.
func (jc *JobContext) Config() model.JobConfig { return jc.rec.Config }

// Checkpoint observes pending abort signals and shutdown. These calls are the
// only points at which a running job notices either; executors decide where
// it is safe to stop and must propagate the returned error.
func (jc *JobContext) Checkpoint() error {
	if err := jc.ctx.Err(); err != nil {
		return err
	}
	if msg, ok := jc.c.inbox.peek(jc.rec.Token, MessageAbort); ok {
		jc.mu.Lock()
		jc.abortSig = &msg
		jc.mu.Unlock()
		if msg.Reason != "" {
			return fmt.Errorf("%w: %s", ErrAborted, msg.Reason)
		}
		return ErrAborted
	}
	return nil
}

// AbortSignal returns the observed abort message, if any.
func (jc *JobContext) AbortSignal() (Message, bool) {
	jc.mu.Lock()
	defer jc.mu.Unlock()
	if jc.abortSig == nil {
		return Message{}, false
	}
	return *jc.abortSig, true
}

// SetProgress updates the report's progress block and persists it.
func (jc *JobContext) SetProgress(verbose string, percent float64) error {
	jc.rec.Report.SetProgress(model.ProgressRunning, verbose, percent)
	return jc.persist()
}

// AppendLog appends a timestamped message under the severity-context and
// persists the report.
func (jc *JobContext) AppendLog(logContext, message string) error {
	jc.rec.Report.AppendLog(logContext, message)
	return jc.persist()
}

// SetData replaces the job-type-specific payload and persists the report.
func (jc *JobContext) SetData(data json.RawMessage) error {
	jc.rec.Report.Data = data
	return jc.persist()
}

// MergeChildReport stores a child report fragment and persists the report.
func (jc *JobContext) MergeChildReport(name string, child *model.Report) error {
	jc.rec.Report.MergeChild(name, child)
	return jc.persist()
}

// TrackChild registers an outstanding remote sub-job.
func (jc *JobContext) TrackChild(child ChildJob) {
	jc.mu.Lock()
	defer jc.mu.Unlock()
	jc.children[child.Name] = child
}

// ReleaseChild removes a sub-job once it has finished.
func (jc *JobContext) ReleaseChild(name string) {
	jc.mu.Lock()
	defer jc.mu.Unlock()
	delete(jc.children, name)
}

// AbortChildren issues the abort callback of every outstanding sub-job.
// Transport errors are joined and returned, never swallowed: a failed child
// abort means the parent cannot guarantee the remote job stopped.
func (jc *JobContext) AbortChildren(ctx context.Context, origin, reason string) error {
	jc.mu.Lock()
	pending := make([]ChildJob, 0, len(jc.children))
	for _, child := range jc.children {
		pending = append(pending, child)
	}
	jc.mu.Unlock()

	var errs []error
	for _, child := range pending {
		if child.Abort == nil {
			continue
		}
		if err := child.Abort(ctx, origin, reason); err != nil {
			errs = append(errs, fmt.Errorf("abort child %s (%s): %w", child.Name, child.Token, err))
		}
	}
	return errors.Join(errs...)
}

func (jc *JobContext) persist() error {
	return jc.c.persistRecord(jc.ctx, jc.rec)
}
