package kvstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	// Registers the pgx stdlib driver used by sql.Open("pgx", ...).
	_ "github.com/jackc/pgx/v5/stdlib"
)

// pushConflictRetries bounds the collision retry loop for generated keys.
const pushConflictRetries = 16

// PostgresStore is a relational-table-backed store. A bigserial sequence
// column records insertion order so Keys yields FIFO ordering, and
// DELETE ... RETURNING makes Pop exactly-once across processes.
type PostgresStore struct {
	db    *sql.DB
	table string
}

// NewPostgresStore returns a store over the given table. The table name is
// configuration, not user input; it is interpolated directly into queries.
func NewPostgresStore(db *sql.DB, table string) *PostgresStore {
	if table == "" {
		table = "overseer_store"
	}
	return &PostgresStore{db: db, table: table}
}

// EnsureSchema creates the backing table if it does not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			seq   BIGSERIAL,
			key   TEXT PRIMARY KEY,
			value BYTEA NOT NULL
		)`, s.table)
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// Write upserts the value under key.
func (s *PostgresStore) Write(ctx context.Context, key string, value []byte) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`, s.table)
	if _, err := s.db.ExecContext(ctx, query, key, value); err != nil {
		return fmt.Errorf("postgres write: %w", err)
	}
	return nil
}

// WriteOnce writes the value only if the key is absent. ON CONFLICT DO
// NOTHING makes the insert the unit of mutual exclusion; the affected row
// count reports who won.
func (s *PostgresStore) WriteOnce(ctx context.Context, key string, value []byte) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO NOTHING`, s.table)
	res, err := s.db.ExecContext(ctx, query, key, value)
	if err != nil {
		return fmt.Errorf("postgres write once: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("postgres write once rows affected: %w", err)
	}
	if inserted == 0 {
		return ErrKeyExists
	}
	return nil
}

// Read returns the value stored under key.
func (s *PostgresStore) Read(ctx context.Context, key string) ([]byte, error) {
	query := fmt.Sprintf(`SELECT value FROM %s WHERE key = $1`, s.table)
	var value []byte
	err := s.db.QueryRowContext(ctx, query, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrKeyNotFound
		}
		return nil, fmt.Errorf("postgres read: %w", err)
	}
	return value, nil
}

// Pop atomically reads and removes the value under key. The row delete is the
// unit of mutual exclusion: concurrent poppers race on the same DELETE and
// only one sees the returned row.
func (s *PostgresStore) Pop(ctx context.Context, key string) ([]byte, error) {
	query := fmt.Sprintf(`DELETE FROM %s WHERE key = $1 RETURNING value`, s.table)
	var value []byte
	err := s.db.QueryRowContext(ctx, query, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrKeyNotFound
		}
		return nil, fmt.Errorf("postgres pop: %w", err)
	}
	return value, nil
}

// Delete removes key; absent keys are a no-op.
func (s *PostgresStore) Delete(ctx context.Context, key string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE key = $1`, s.table)
	if _, err := s.db.ExecContext(ctx, query, key); err != nil {
		return fmt.Errorf("postgres delete: %w", err)
	}
	return nil
}

// Keys returns a snapshot of stored keys in insertion order.
func (s *PostgresStore) Keys(ctx context.Context) ([]string, error) {
	query := fmt.Sprintf(`SELECT key FROM %s ORDER BY seq`, s.table)
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres keys: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("postgres keys scan: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres keys rows: %w", err)
	}
	return keys, nil
}

// Push writes value under a fresh random key and returns it. Collisions with
// existing keys are resolved by regenerating, never by assuming exclusivity
// across the check and the insert.
func (s *PostgresStore) Push(ctx context.Context, value []byte) (string, error) {
	query := fmt.Sprintf(`
		INSERT INTO %s (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO NOTHING`, s.table)
	for attempt := 0; attempt < pushConflictRetries; attempt++ {
		key := uuid.NewString()
		res, err := s.db.ExecContext(ctx, query, key, value)
		if err != nil {
			return "", fmt.Errorf("postgres push: %w", err)
		}
		inserted, err := res.RowsAffected()
		if err != nil {
			return "", fmt.Errorf("postgres push rows affected: %w", err)
		}
		if inserted == 1 {
			return key, nil
		}
	}
	return "", fmt.Errorf("postgres push: exhausted %d key generation attempts", pushConflictRetries)
}

var _ Store = (*PostgresStore)(nil)
