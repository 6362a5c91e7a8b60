package config

import "time"

// WorkerConfig contains worker pool configuration.
type WorkerConfig struct {
	// PoolSize is the number of concurrent workers.
	PoolSize int `env:"WORKER_POOL_SIZE" envDefault:"4"`

	// PollInterval is how long an idle worker waits before checking the
	// queue again.
	PollInterval time.Duration `env:"WORKER_POLL_INTERVAL" envDefault:"250ms"`

	// AbortTimeout bounds how long an abort request waits for the job to
	// reach a terminal state.
	AbortTimeout time.Duration `env:"WORKER_ABORT_TIMEOUT" envDefault:"30s"`

	// TokenTTL is the advertised lifetime of a submission token.
	TokenTTL time.Duration `env:"WORKER_TOKEN_TTL" envDefault:"24h"`

	// RequeueOnStop pushes in-flight jobs back onto the queue during
	// shutdown instead of failing them.
	RequeueOnStop bool `env:"WORKER_REQUEUE_ON_STOP" envDefault:"true"`

	// Actor names this process in job lifecycle metadata.
	Actor string `env:"WORKER_ACTOR" envDefault:"overseer"`

	// StoreRetryInterval is the fixed backoff between store connectivity
	// attempts at startup.
	StoreRetryInterval time.Duration `env:"WORKER_STORE_RETRY_INTERVAL" envDefault:"2s"`
}

// Sanitize applies guardrails to worker configuration values.
func (w *WorkerConfig) Sanitize() {
	if w.PoolSize < 1 {
		w.PoolSize = 1
	}
	if w.PollInterval <= 0 {
		w.PollInterval = 250 * time.Millisecond
	}
	if w.AbortTimeout <= 0 {
		w.AbortTimeout = 30 * time.Second
	}
	if w.TokenTTL <= 0 {
		w.TokenTTL = 24 * time.Hour
	}
	if w.StoreRetryInterval <= 0 {
		w.StoreRetryInterval = 2 * time.Second
	}
}
