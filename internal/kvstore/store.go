// Package kvstore provides the minimal ordered key-value contract shared by
// the job queue and registry, with interchangeable in-memory, file, redis,
// postgres, and HTTP proxy backends.
//
// Every operation is atomic with respect to itself. Compound sequences
// (check-then-act) are not transactional: callers must tolerate races by
// retrying on conflict.
package kvstore

import (
	"context"
	"errors"
)

// ErrKeyNotFound is the sentinel returned by Read, Pop, and backends' internal
// lookups when a key is absent.
var ErrKeyNotFound = errors.New("key not found")

// ErrKeyExists is the sentinel returned by WriteOnce when the key is already
// present.
var ErrKeyExists = errors.New("key already exists")

// Store is the queue/registry backend contract. Backends preserving insertion
// order in Keys make the queue FIFO; others provide no ordering guarantee.
type Store interface {
	// Write upserts the value under key.
	Write(ctx context.Context, key string, value []byte) error
	// WriteOnce writes the value only if the key is absent, or returns
	// ErrKeyExists. The check and the write are one atomic operation, so
	// at most one of any set of concurrent writers wins a given key.
	WriteOnce(ctx context.Context, key string, value []byte) error
	// Read returns the value stored under key, or ErrKeyNotFound.
	Read(ctx context.Context, key string) ([]byte, error)
	// Pop atomically reads and removes the value under key, or returns
	// ErrKeyNotFound. At most one caller observes a given key's value.
	Pop(ctx context.Context, key string) ([]byte, error)
	// Delete removes key. Deleting an absent key is a no-op.
	Delete(ctx context.Context, key string) error
	// Keys returns a snapshot of the stored keys.
	Keys(ctx context.Context) ([]string, error)
	// Push writes value under a freshly generated unique key and returns it.
	Push(ctx context.Context, value []byte) (string, error)
}

// Closer is implemented by backends holding connections or file handles.
type Closer interface {
	Close() error
}
