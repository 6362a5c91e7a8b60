package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"path/filepath"

	"github.com/redis/go-redis/v9"

	"github.com/overseer-io/overseer/config"
	"github.com/overseer-io/overseer/internal/kvstore"
)

// BuiltStore pairs a store with its cleanup function.
type BuiltStore struct {
	Store kvstore.Store
	Close func() error
}

// BuildStore creates the key-value store selected by the configuration.
// The namespace keeps queue and registry apart when they share a backend.
func BuildStore(ctx context.Context, cfg config.StoreConfig, namespace string) (*BuiltStore, error) {
	if cfg.Namespace != "" {
		namespace = cfg.Namespace
	}

	switch cfg.Backend {
	case "", config.BackendMemory:
		return &BuiltStore{Store: kvstore.NewMemoryStore(), Close: noopClose}, nil

	case config.BackendFile:
		store, err := kvstore.NewFileStore(filepath.Join(cfg.FilePath, namespace))
		if err != nil {
			return nil, fmt.Errorf("file store: %w", err)
		}
		return &BuiltStore{Store: store, Close: noopClose}, nil

	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		return &BuiltStore{
			Store: kvstore.NewRedisStore(client, namespace),
			Close: client.Close,
		}, nil

	case config.BackendPostgres:
		db, err := sql.Open("pgx", cfg.Postgres.DSN())
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		db.SetMaxOpenConns(cfg.Postgres.MaxOpenConns)
		store := kvstore.NewPostgresStore(db, namespace)
		if err := store.EnsureSchema(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("ensure schema: %w", err)
		}
		return &BuiltStore{Store: store, Close: db.Close}, nil

	case config.BackendHTTP:
		client := &http.Client{Timeout: cfg.HTTPTimeout}
		return &BuiltStore{
			Store: kvstore.NewHTTPProxyStore(cfg.HTTPBaseURL, client),
			Close: noopClose,
		}, nil

	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

func noopClose() error { return nil }
