package config

import "time"

// NotifyConfig contains the notification broadcast service and notifier
// daemon configuration.
type NotifyConfig struct {
	// Enabled serves the notification API on this instance.
	Enabled bool `env:"NOTIFY_ENABLED" envDefault:"true"`

	// Topics are the broadcast topics this instance serves.
	Topics []string `env:"NOTIFY_TOPICS" envDefault:"jobs,alerts"`

	// AbortTopic receives abort broadcasts triggered via DELETE /job.
	AbortTopic string `env:"NOTIFY_ABORT_TOPIC" envDefault:"jobs"`

	// CallTimeout bounds each delivery to a subscriber.
	CallTimeout time.Duration `env:"NOTIFY_CALL_TIMEOUT" envDefault:"5s"`

	// Daemon maintains a registration against a remote notification
	// service when RemoteURL is set.
	Daemon NotifierDaemonConfig `envPrefix:"NOTIFIER_"`
}

// NotifierDaemonConfig configures the registration maintenance daemon.
type NotifierDaemonConfig struct {
	// RemoteURL of the notification service to register against. Empty
	// disables the daemon.
	RemoteURL string `env:"REMOTE_URL" envDefault:""`

	// CallbackPath is appended to the HTTP base URL to form the callback.
	CallbackPath string `env:"CALLBACK_PATH" envDefault:"/notify"`

	// Topics to keep subscriptions on.
	Topics []string `env:"TOPICS" envDefault:"jobs"`

	// Interval between maintenance rounds.
	Interval time.Duration `env:"INTERVAL" envDefault:"30s"`
}

// Sanitize applies guardrails to notification configuration values.
func (n *NotifyConfig) Sanitize() {
	if n.CallTimeout <= 0 {
		n.CallTimeout = 5 * time.Second
	}
	if n.Daemon.Interval <= 0 {
		n.Daemon.Interval = 30 * time.Second
	}
}
