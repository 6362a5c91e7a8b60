// Package controller owns the job queue and registry, dispatches submissions
// to a bounded worker pool, and answers status, report, and abort queries.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	apperrors "github.com/overseer-io/overseer/internal/errors"
	"github.com/overseer-io/overseer/internal/kvstore"
	"github.com/overseer-io/overseer/internal/model"
	"github.com/overseer-io/overseer/internal/observability/metrics"
)

// Executor performs the work of one job type. It must call
// JobContext.Checkpoint at safe points to observe cooperative abort signals;
// no other point observes them.
type Executor func(ctx context.Context, jc *JobContext) error

// ErrAborted is returned by JobContext.Checkpoint when an abort signal is
// pending. Executors propagate it to have the job marked aborted.
var ErrAborted = errors.New("job aborted")

// MessageAbort is the message type carrying a cooperative abort signal.
const MessageAbort = "abort"

// Message is an out-of-band signal delivered to a running job's context.
type Message struct {
	Type      string    `json:"type"`
	Origin    string    `json:"origin"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

type jobType struct {
	exec      Executor
	newReport func() *model.Report
}

// Options configures a Controller.
type Options struct {
	Queue    kvstore.Store
	Registry kvstore.Store
	Logger   *slog.Logger

	// PoolSize is the number of concurrent workers; defaults to 1.
	PoolSize int
	// PollInterval paces empty-queue backoff and abort status polling;
	// defaults to 250ms.
	PollInterval time.Duration
	// AbortTimeout bounds how long Abort waits for a terminal state;
	// defaults to 30s.
	AbortTimeout time.Duration
	// TokenTTL is the advertised expiry on granted tokens; defaults to 24h.
	TokenTTL time.Duration
	// RequeueOnStop pushes in-flight tokens back onto the queue when the
	// pool shuts down mid-execution.
	RequeueOnStop bool
	// Actor is recorded in lifecycle event stamps; defaults to "overseer".
	Actor string
}

// Controller accepts submissions, dispatches them to workers, and tracks job
// state in the registry. Exactly one worker executes a given token, enforced
// by the queue's atomic pop.
type Controller struct {
	queue    kvstore.Store
	registry kvstore.Store
	logger   *slog.Logger

	poolSize      int
	pollInterval  time.Duration
	abortTimeout  time.Duration
	tokenTTL      time.Duration
	requeueOnStop bool
	actor         string

	inbox *mailbox

	mu      sync.Mutex
	types   map[string]jobType
	running bool
}

// New creates a Controller. Job types must be registered before Run.
func New(opts Options) (*Controller, error) {
	if opts.Queue == nil || opts.Registry == nil {
		return nil, errors.New("queue and registry stores are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	poolSize := opts.PoolSize
	if poolSize <= 0 {
		poolSize = 1
	}
	pollInterval := opts.PollInterval
	if pollInterval <= 0 {
		pollInterval = 250 * time.Millisecond
	}
	abortTimeout := opts.AbortTimeout
	if abortTimeout <= 0 {
		abortTimeout = 30 * time.Second
	}
	tokenTTL := opts.TokenTTL
	if tokenTTL <= 0 {
		tokenTTL = 24 * time.Hour
	}
	actor := opts.Actor
	if actor == "" {
		actor = "overseer"
	}
	return &Controller{
		queue:         opts.Queue,
		registry:      opts.Registry,
		logger:        logger,
		poolSize:      poolSize,
		pollInterval:  pollInterval,
		abortTimeout:  abortTimeout,
		tokenTTL:      tokenTTL,
		requeueOnStop: opts.RequeueOnStop,
		actor:         actor,
		inbox:         newMailbox(),
		types:         make(map[string]jobType),
	}, nil
}

// Register binds a job-type tag to its executor and report shape. It must be
// called before Run; unregistered types encountered at dispatch time fail the
// job, not the pool.
func (c *Controller) Register(name string, exec Executor, newReport func() *model.Report) error {
	if name == "" {
		return errors.New("job type name is required")
	}
	if exec == nil {
		return errors.New("executor is required")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return errors.New("cannot register job types after the pool has started")
	}
	if _, exists := c.types[name]; exists {
		return fmt.Errorf("job type %q already registered", name)
	}
	c.types[name] = jobType{exec: exec, newReport: newReport}
	return nil
}

// QueuePush accepts a submission: the record is written to the registry and
// its token onto the queue. Submission is all-or-nothing; a duplicate token
// is a conflict and leaves no partial state. The registry insert is the unit
// of mutual exclusion, so concurrent submissions of one token across
// processes cannot both be accepted.
func (c *Controller) QueuePush(ctx context.Context, rec *model.JobRecord) (model.TokenGrant, error) {
	if rec.Token == "" {
		rec.Token = model.NewToken()
	}
	key := rec.Token.String()

	encoded, err := rec.Encode()
	if err != nil {
		return model.TokenGrant{}, apperrors.Wrap(err, apperrors.ErrCodeInternal, "encode job record")
	}
	if err := c.registry.WriteOnce(ctx, key, encoded); err != nil {
		if errors.Is(err, kvstore.ErrKeyExists) {
			return model.TokenGrant{}, apperrors.Conflictf("token %s already submitted", rec.Token)
		}
		return model.TokenGrant{}, apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "write registry")
	}
	if _, err := c.queue.Push(ctx, []byte(key)); err != nil {
		// Roll back the registry write so a failed submission leaves no state.
		if delErr := c.registry.Delete(ctx, key); delErr != nil {
			c.logger.ErrorContext(ctx, "rollback registry after queue failure",
				"token", rec.Token, "error", delErr)
		}
		return model.TokenGrant{}, apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "push queue")
	}

	metrics.JobsSubmitted.WithLabelValues(rec.Config.Type).Inc()
	now := time.Now().UTC()
	return model.TokenGrant{
		Token:     rec.Token,
		ExpiresIn: int64(c.tokenTTL.Seconds()),
		ExpiresAt: now.Add(c.tokenTTL),
	}, nil
}

// MessagePush delivers an out-of-band message to a job's context. The signal
// is cooperative: the job observes it at its next checkpoint, or at dispatch
// time if it has not started yet.
func (c *Controller) MessagePush(ctx context.Context, token model.Token, msg Message) error {
	if msg.Type == "" {
		return apperrors.Validation("message type is required")
	}
	if _, err := c.GetInfo(ctx, token); err != nil {
		return err
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	c.inbox.push(token, msg)
	return nil
}

// GetInfo reads the current JobRecord for the token from the registry.
func (c *Controller) GetInfo(ctx context.Context, token model.Token) (*model.JobRecord, error) {
	data, err := c.registry.Read(ctx, token.String())
	if err != nil {
		if errors.Is(err, kvstore.ErrKeyNotFound) {
			return nil, apperrors.NotFoundf("unknown token %s", token)
		}
		return nil, apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "read registry")
	}
	rec, err := model.DecodeJobRecord(data)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "decode job record")
	}
	return rec, nil
}

// GetStatus returns the derived status for the token.
func (c *Controller) GetStatus(ctx context.Context, token model.Token) (model.JobStatus, error) {
	rec, err := c.GetInfo(ctx, token)
	if err != nil {
		return "", err
	}
	return rec.Status(), nil
}

// Abort pushes an abort message and polls for a terminal state. If the abort
// timeout elapses first, the abort request is reported failed to the caller
// while the job keeps running to whatever state it reaches.
func (c *Controller) Abort(ctx context.Context, token model.Token, origin, reason string) error {
	err := c.MessagePush(ctx, token, Message{Type: MessageAbort, Origin: origin, Reason: reason})
	if err != nil {
		return err
	}

	deadline := time.Now().Add(c.abortTimeout)
	for {
		status, err := c.GetStatus(ctx, token)
		if err != nil {
			return err
		}
		if status.Terminal() {
			return nil
		}
		if time.Now().After(deadline) {
			return apperrors.Timeoutf("job %s did not reach a terminal state within %s", token, c.abortTimeout)
		}
		timer := time.NewTimer(c.pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// persistRecord writes the record back to the registry.
func (c *Controller) persistRecord(ctx context.Context, rec *model.JobRecord) error {
	encoded, err := rec.Encode()
	if err != nil {
		return fmt.Errorf("encode job record: %w", err)
	}
	if err := c.registry.Write(ctx, rec.Token.String(), encoded); err != nil {
		return fmt.Errorf("write registry: %w", err)
	}
	return nil
}

// Types returns the registered job type names, sorted.
func (c *Controller) Types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.types))
	for name := range c.types {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (c *Controller) lookupType(name string) (jobType, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	jt, ok := c.types[name]
	return jt, ok
}
