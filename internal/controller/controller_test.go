package controller

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/overseer-io/overseer/internal/errors"
	"github.com/overseer-io/overseer/internal/kvstore"
	"github.com/overseer-io/overseer/internal/model"
)

func newTestController(t *testing.T, opts Options) *Controller {
	t.Helper()
	if opts.Queue == nil {
		opts.Queue = kvstore.NewMemoryStore()
	}
	if opts.Registry == nil {
		opts.Registry = kvstore.NewMemoryStore()
	}
	if opts.PollInterval == 0 {
		opts.PollInterval = 5 * time.Millisecond
	}
	c, err := New(opts)
	require.NoError(t, err)
	return c
}

// startPool runs the worker pool in the background and stops it on cleanup.
func startPool(t *testing.T, c *Controller) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("worker pool did not stop")
		}
	})
	return cancel
}

func waitForStatus(t *testing.T, c *Controller, token model.Token, want model.JobStatus) *model.JobRecord {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		rec, err := c.GetInfo(context.Background(), token)
		require.NoError(t, err)
		if rec.Status() == want {
			return rec
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("token %s never reached status %s", token, want)
	return nil
}

func submit(t *testing.T, c *Controller, jobType string) model.Token {
	t.Helper()
	rec := model.NewJobRecord(model.NewToken(), model.JobConfig{Type: jobType}, "test")
	grant, err := c.QueuePush(context.Background(), rec)
	require.NoError(t, err)
	return grant.Token
}

func TestQueuePushRejectsDuplicateToken(t *testing.T) {
	c := newTestController(t, Options{})
	ctx := context.Background()

	token := model.NewToken()
	rec := model.NewJobRecord(token, model.JobConfig{Type: "noop"}, "test")
	grant, err := c.QueuePush(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, token, grant.Token)
	assert.Positive(t, grant.ExpiresIn)
	assert.False(t, grant.ExpiresAt.IsZero())

	dup := model.NewJobRecord(token, model.JobConfig{Type: "noop"}, "test")
	_, err = c.QueuePush(ctx, dup)
	require.Error(t, err)
	assert.True(t, apperrors.IsConflict(err))
}

func TestQueuePushConcurrentDuplicatesAcceptOne(t *testing.T) {
	queue := kvstore.NewMemoryStore()
	c, err := New(Options{Queue: queue, Registry: kvstore.NewMemoryStore()})
	require.NoError(t, err)
	ctx := context.Background()

	token := model.NewToken()
	const submitters = 8
	var accepted atomic.Int32
	var wg sync.WaitGroup
	for s := 0; s < submitters; s++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec := model.NewJobRecord(token, model.JobConfig{Type: "noop"}, "test")
			if _, err := c.QueuePush(ctx, rec); err == nil {
				accepted.Add(1)
			} else {
				assert.True(t, apperrors.IsConflict(err))
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), accepted.Load())
	keys, err := queue.Keys(ctx)
	require.NoError(t, err)
	assert.Len(t, keys, 1, "a duplicate submission must never enqueue twice")
}

func TestExactlyOnceDispatch(t *testing.T) {
	c := newTestController(t, Options{PoolSize: 4})

	var mu sync.Mutex
	executions := make(map[model.Token]int)
	require.NoError(t, c.Register("count", func(_ context.Context, jc *JobContext) error {
		mu.Lock()
		executions[jc.Token()]++
		mu.Unlock()
		return nil
	}, nil))

	startPool(t, c)

	const jobs = 20
	tokens := make([]model.Token, 0, jobs)
	for j := 0; j < jobs; j++ {
		tokens = append(tokens, submit(t, c, "count"))
	}
	for _, token := range tokens {
		waitForStatus(t, c, token, model.JobStatusCompleted)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, executions, jobs)
	for token, count := range executions {
		assert.Equal(t, 1, count, "token %s executed %d times", token, count)
	}
}

func TestUnknownJobTypeFailsJobNotPool(t *testing.T) {
	c := newTestController(t, Options{})
	require.NoError(t, c.Register("known", func(context.Context, *JobContext) error {
		return nil
	}, nil))

	startPool(t, c)

	bogus := submit(t, c, "bogus")
	rec := waitForStatus(t, c, bogus, model.JobStatusFailed)

	entries := rec.Report.Log["error.worker"]
	require.NotEmpty(t, entries)
	assert.Contains(t, entries[0].Message, `unknown job type "bogus"`)

	// The pool survives and keeps accepting submissions.
	ok := submit(t, c, "known")
	waitForStatus(t, c, ok, model.JobStatusCompleted)
}

func TestExecutionErrorRecordedInReport(t *testing.T) {
	c := newTestController(t, Options{})
	require.NoError(t, c.Register("explode", func(context.Context, *JobContext) error {
		return errors.New("disk on fire")
	}, nil))

	startPool(t, c)

	token := submit(t, c, "explode")
	rec := waitForStatus(t, c, token, model.JobStatusFailed)

	entries := rec.Report.Log["error.worker"]
	require.NotEmpty(t, entries)
	assert.Contains(t, entries[0].Message, "disk on fire")
	assert.Equal(t, model.ProgressFailed, rec.Report.Progress.Status)
}

func TestPanicInJobBodyMarksJobFailed(t *testing.T) {
	c := newTestController(t, Options{})
	require.NoError(t, c.Register("panic", func(context.Context, *JobContext) error {
		panic("unexpected nil")
	}, nil))
	require.NoError(t, c.Register("noop", func(context.Context, *JobContext) error {
		return nil
	}, nil))

	startPool(t, c)

	token := submit(t, c, "panic")
	rec := waitForStatus(t, c, token, model.JobStatusFailed)
	entries := rec.Report.Log["error.worker"]
	require.NotEmpty(t, entries)
	assert.Contains(t, entries[0].Message, "job panic")

	// Worker survives the panic.
	ok := submit(t, c, "noop")
	waitForStatus(t, c, ok, model.JobStatusCompleted)
}

func TestCooperativeAbort(t *testing.T) {
	c := newTestController(t, Options{AbortTimeout: time.Second})

	started := make(chan struct{})
	require.NoError(t, c.Register("loop", func(_ context.Context, jc *JobContext) error {
		close(started)
		for {
			if err := jc.Checkpoint(); err != nil {
				return err
			}
			time.Sleep(time.Millisecond)
		}
	}, nil))

	startPool(t, c)

	token := submit(t, c, "loop")
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("job never started")
	}

	err := c.Abort(context.Background(), token, "operator", "maintenance window")
	require.NoError(t, err)

	rec := waitForStatus(t, c, token, model.JobStatusAborted)
	assert.Equal(t, "operator", rec.Metadata[model.EventAborted].Actor)
	entries := rec.Report.Log["info.abort"]
	require.NotEmpty(t, entries)
	assert.Contains(t, entries[0].Message, "maintenance window")
}

func TestAbortWhileQueuedNeverRunsBody(t *testing.T) {
	// No pool running yet: the abort message lands while the job is queued.
	c := newTestController(t, Options{AbortTimeout: 2 * time.Second})

	ran := make(chan struct{}, 1)
	require.NoError(t, c.Register("later", func(context.Context, *JobContext) error {
		ran <- struct{}{}
		return nil
	}, nil))

	token := submit(t, c, "later")
	require.NoError(t, c.MessagePush(context.Background(), token,
		Message{Type: MessageAbort, Origin: "operator", Reason: "cancelled before start"}))

	startPool(t, c)

	rec := waitForStatus(t, c, token, model.JobStatusAborted)
	assert.NotContains(t, rec.Metadata, model.EventStarted)
	select {
	case <-ran:
		t.Fatal("job body ran despite queued abort")
	default:
	}
}

func TestAbortTimeoutReportsFailureJobKeepsRunning(t *testing.T) {
	c := newTestController(t, Options{AbortTimeout: 30 * time.Millisecond})

	release := make(chan struct{})
	require.NoError(t, c.Register("stubborn", func(context.Context, *JobContext) error {
		// Never checkpoints: the abort signal is never observed.
		<-release
		return nil
	}, nil))

	startPool(t, c)

	token := submit(t, c, "stubborn")
	waitForStatus(t, c, token, model.JobStatusRunning)

	err := c.Abort(context.Background(), token, "operator", "give up")
	require.Error(t, err)
	assert.True(t, apperrors.IsTimeout(err))

	// The job is still running and finishes on its own terms.
	close(release)
	waitForStatus(t, c, token, model.JobStatusCompleted)
}

func TestMessagePushUnknownToken(t *testing.T) {
	c := newTestController(t, Options{})
	err := c.MessagePush(context.Background(), model.NewToken(),
		Message{Type: MessageAbort})
	require.Error(t, err)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestGetStatusUnknownToken(t *testing.T) {
	c := newTestController(t, Options{})
	_, err := c.GetStatus(context.Background(), model.NewToken())
	require.Error(t, err)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestTerminalRecordIsImmutable(t *testing.T) {
	c := newTestController(t, Options{})
	require.NoError(t, c.Register("noop", func(context.Context, *JobContext) error {
		return nil
	}, nil))

	startPool(t, c)

	token := submit(t, c, "noop")
	first := waitForStatus(t, c, token, model.JobStatusCompleted)

	// Later reads return the same report.
	time.Sleep(50 * time.Millisecond)
	second, err := c.GetInfo(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, first.Report, second.Report)
	assert.Equal(t, first.Metadata, second.Metadata)
}

func TestRequeueOnStop(t *testing.T) {
	queue := kvstore.NewMemoryStore()
	c := newTestController(t, Options{Queue: queue, RequeueOnStop: true})

	started := make(chan struct{})
	require.NoError(t, c.Register("block", func(ctx context.Context, jc *JobContext) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}, nil))

	cancel := startPool(t, c)

	token := submit(t, c, "block")
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("job never started")
	}

	cancel()
	rec := waitForStatus(t, c, token, model.JobStatusQueued)
	assert.Contains(t, rec.Metadata, "requeued")

	keys, err := queue.Keys(context.Background())
	require.NoError(t, err)
	require.Len(t, keys, 1)
	value, err := queue.Read(context.Background(), keys[0])
	require.NoError(t, err)
	assert.Equal(t, token.String(), string(value))
}

func TestRegisterAfterStartRejected(t *testing.T) {
	c := newTestController(t, Options{})
	startPool(t, c)
	// Give the pool a moment to flip the running flag.
	time.Sleep(20 * time.Millisecond)
	err := c.Register("late", func(context.Context, *JobContext) error { return nil }, nil)
	assert.Error(t, err)
}

func TestChildJobTrackingAndAbortCascade(t *testing.T) {
	c := newTestController(t, Options{AbortTimeout: time.Second})

	var mu sync.Mutex
	var abortedChildren []string
	require.NoError(t, c.Register("parent", func(_ context.Context, jc *JobContext) error {
		jc.TrackChild(ChildJob{
			Token: model.NewToken(),
			Name:  "child-a",
			Abort: func(_ context.Context, origin, _ string) error {
				mu.Lock()
				abortedChildren = append(abortedChildren, "child-a:"+origin)
				mu.Unlock()
				return nil
			},
		})
		for {
			if err := jc.Checkpoint(); err != nil {
				return err
			}
			time.Sleep(time.Millisecond)
		}
	}, nil))

	startPool(t, c)

	token := submit(t, c, "parent")
	waitForStatus(t, c, token, model.JobStatusRunning)

	require.NoError(t, c.Abort(context.Background(), token, "operator", "stop"))
	waitForStatus(t, c, token, model.JobStatusAborted)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"child-a:operator"}, abortedChildren)
}
