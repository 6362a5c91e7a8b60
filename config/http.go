package config

import "time"

// HTTPConfig contains HTTP server configuration.
type HTTPConfig struct {
	// Addr is the address to bind the HTTP server to.
	Addr string `env:"HTTP_ADDR" envDefault:":8080"`

	// BaseURL is the base URL other instances reach this one at. Used for
	// callback URLs and self-description.
	BaseURL string `env:"APP_BASE_URL" envDefault:"http://localhost:8080"`

	// CORSEnabled enables permissive CORS headers for browser clients.
	CORSEnabled bool `env:"HTTP_CORS_ENABLED" envDefault:"false"`

	// StoreProxyEnabled exposes the /store endpoints so remote processes
	// can share this instance's registry over HTTP.
	StoreProxyEnabled bool `env:"HTTP_STORE_PROXY_ENABLED" envDefault:"false"`

	ReadTimeout     time.Duration `env:"HTTP_READ_TIMEOUT"     envDefault:"30s"`
	WriteTimeout    time.Duration `env:"HTTP_WRITE_TIMEOUT"    envDefault:"60s"`
	ShutdownTimeout time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// Sanitize applies guardrails to HTTP configuration values.
func (h *HTTPConfig) Sanitize() {
	if h.ReadTimeout <= 0 {
		h.ReadTimeout = 30 * time.Second
	}
	if h.WriteTimeout <= 0 {
		h.WriteTimeout = 60 * time.Second
	}
	if h.ShutdownTimeout <= 0 {
		h.ShutdownTimeout = 10 * time.Second
	}
}
