package config

import "time"

// AdapterConfig contains the defaults applied to remote service adapters.
type AdapterConfig struct {
	// RequestTimeout bounds each individual call to a remote instance.
	RequestTimeout time.Duration `env:"ADAPTER_REQUEST_TIMEOUT" envDefault:"10s"`

	// JobTimeout bounds the whole remote polling phase.
	JobTimeout time.Duration `env:"ADAPTER_JOB_TIMEOUT" envDefault:"10m"`

	// PollInterval paces remote report polling.
	PollInterval time.Duration `env:"ADAPTER_POLL_INTERVAL" envDefault:"1s"`

	// MaxRetries applies independently to the submission call and each
	// poll step on request timeout.
	MaxRetries int `env:"ADAPTER_MAX_RETRIES" envDefault:"3"`
}

// Sanitize applies guardrails to adapter configuration values.
func (a *AdapterConfig) Sanitize() {
	if a.RequestTimeout <= 0 {
		a.RequestTimeout = 10 * time.Second
	}
	if a.JobTimeout <= 0 {
		a.JobTimeout = 10 * time.Minute
	}
	if a.PollInterval <= 0 {
		a.PollInterval = time.Second
	}
	if a.MaxRetries < 0 {
		a.MaxRetries = 0
	}
}
