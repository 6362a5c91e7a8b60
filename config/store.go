package config

import (
	"fmt"
	"time"
)

// Store backend names accepted by StoreConfig.Backend.
const (
	BackendMemory   = "memory"
	BackendFile     = "file"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendHTTP     = "http"
)

// StoreConfig selects and configures one key-value store backend.
type StoreConfig struct {
	// Backend is one of memory, file, redis, postgres, http.
	Backend string `env:"BACKEND" envDefault:""`

	// Namespace prefixes keys (redis), names the table (postgres), or the
	// subdirectory (file) so queue and registry can share a backend.
	Namespace string `env:"NAMESPACE" envDefault:""`

	// FilePath is the directory for the file backend.
	FilePath string `env:"FILE_PATH" envDefault:"/var/lib/overseer"`

	Redis    RedisConfig    `envPrefix:"REDIS_"`
	Postgres PostgresConfig `envPrefix:"DB_"`

	// HTTPBaseURL points the http backend at a remote instance's /store
	// endpoints.
	HTTPBaseURL string        `env:"HTTP_BASE_URL" envDefault:""`
	HTTPTimeout time.Duration `env:"HTTP_TIMEOUT"  envDefault:"10s"`
}

// RedisConfig contains Redis connection configuration.
type RedisConfig struct {
	Addr     string `env:"ADDR"     envDefault:"localhost:6379"`
	Password string `env:"PASSWORD" envDefault:""`
	DB       int    `env:"DB"       envDefault:"0"`
}

// PostgresConfig contains PostgreSQL connection configuration.
type PostgresConfig struct {
	Host     string `env:"HOST"     envDefault:"localhost"`
	Port     int    `env:"PORT"     envDefault:"5432"`
	User     string `env:"USER"     envDefault:"overseer"`
	Password string `env:"PASSWORD" envDefault:"overseer"`
	Name     string `env:"NAME"     envDefault:"overseer"`
	SSLMode  string `env:"SSL_MODE" envDefault:"disable"` // Use 'disable' for local dev, 'require' for production
	// MaxOpenConns bounds the connection pool.
	MaxOpenConns int `env:"MAX_OPEN_CONNS" envDefault:"10"`
}

// DSN builds the connection string for database/sql with the pgx driver.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Name, p.SSLMode)
}

// Sanitize applies guardrails to store configuration values.
func (s *StoreConfig) Sanitize() {
	if s.HTTPTimeout <= 0 {
		s.HTTPTimeout = 10 * time.Second
	}
	if s.Postgres.MaxOpenConns < 1 {
		s.Postgres.MaxOpenConns = 1
	}
}

// Validate checks the backend selection.
func (s *StoreConfig) Validate() error {
	switch s.Backend {
	case "", BackendMemory, BackendFile, BackendRedis, BackendPostgres:
		return nil
	case BackendHTTP:
		if s.HTTPBaseURL == "" {
			return fmt.Errorf("http store backend requires HTTP_BASE_URL")
		}
		return nil
	default:
		return fmt.Errorf("unknown store backend %q", s.Backend)
	}
}
