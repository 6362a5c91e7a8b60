// Package config defines the environment-driven application configuration.
//
// Configuration is loaded from environment variables using the
// github.com/caarlos0/env library. See individual domain config files for
// details on available environment variables:
//   - store.go: key-value store backend configuration
//   - worker.go: worker pool configuration
//   - http.go: HTTP server configuration
//   - notify.go: notification service and daemon configuration
//   - adapter.go: remote service adapter defaults
package config

import (
	"os"
	"strings"
)

// AppConfig is the main application configuration struct that composes
// domain-specific configuration from separate files.
type AppConfig struct {
	// IsDev controls development mode behavior (text log handler, etc.)
	// Set DEV=true or NODE_ENV=development for development mode.
	IsDev bool `env:"DEV" envDefault:"false"`

	// Name identifies this instance in /identify responses and logs.
	Name string `env:"APP_NAME" envDefault:"overseer"`

	// Store backends. Queue and Registry may use different backends; the
	// registry falls back to the queue settings when unset.
	Queue    StoreConfig `envPrefix:"QUEUE_"`
	Registry StoreConfig `envPrefix:"REGISTRY_"`

	// Worker pool configuration.
	Worker WorkerConfig

	// HTTP server configuration.
	HTTP HTTPConfig

	// Notification service and notifier daemon configuration.
	Notify NotifyConfig

	// Remote service adapter defaults.
	Adapter AdapterConfig
}

// Sanitize applies guardrails to configuration values loaded from env.
// This should be called after loading configuration from environment variables.
func (c *AppConfig) Sanitize() {
	c.Queue.Sanitize()
	c.Registry.Sanitize()
	if c.Registry.Backend == "" {
		c.Registry = c.Queue
	}
	c.Worker.Sanitize()
	c.HTTP.Sanitize()
	c.Notify.Sanitize()
	c.Adapter.Sanitize()

	c.detectDevMode()
}

// detectDevMode checks both DEV and NODE_ENV environment variables.
// NODE_ENV is checked as a fallback (common in frontend tooling).
func (c *AppConfig) detectDevMode() {
	if !c.IsDev {
		nodeEnv := strings.ToLower(os.Getenv("NODE_ENV"))
		c.IsDev = nodeEnv == "development" || nodeEnv == "dev"
	}
}
