package kvstore

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// FileStore is a file-per-key store rooted at a directory. Pushed keys are
// zero-padded timestamps so a lexicographic key listing yields FIFO order.
// Pop wins by atomically renaming the key's file before reading it, so at
// most one process observes a given key even when the directory is shared.
type FileStore struct {
	root string
	seq  atomic.Uint64
}

// NewFileStore creates the root directory if needed and returns a store.
func NewFileStore(root string) (*FileStore, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("create store root: %w", err)
	}
	return &FileStore{root: root}, nil
}

func (s *FileStore) path(key string) string {
	return filepath.Join(s.root, url.PathEscape(key))
}

// Write upserts the value under key via a temp-file rename.
func (s *FileStore) Write(_ context.Context, key string, value []byte) error {
	tmp, err := os.CreateTemp(s.root, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err = tmp.Write(value); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err = os.Rename(tmpName, s.path(key)); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}

// WriteOnce writes the value only if the key is absent. The hard link claims
// the key name atomically: it fails with EEXIST when another writer already
// owns it, and the linked file is complete before the name appears.
func (s *FileStore) WriteOnce(_ context.Context, key string, value []byte) error {
	tmp, err := os.CreateTemp(s.root, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()
	if _, err = tmp.Write(value); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err = os.Link(tmpName, s.path(key)); err != nil {
		if errors.Is(err, os.ErrExist) {
			return ErrKeyExists
		}
		return fmt.Errorf("link into place: %w", err)
	}
	return nil
}

// Read returns the value stored under key.
func (s *FileStore) Read(_ context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(s.path(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrKeyNotFound
		}
		return nil, fmt.Errorf("read key file: %w", err)
	}
	return data, nil
}

// Pop atomically claims and removes the value under key. The rename claims
// exclusivity; losers observe ErrKeyNotFound.
func (s *FileStore) Pop(_ context.Context, key string) ([]byte, error) {
	claim := filepath.Join(s.root, fmt.Sprintf(".pop-%s", uuid.NewString()))
	if err := os.Rename(s.path(key), claim); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrKeyNotFound
		}
		return nil, fmt.Errorf("claim key file: %w", err)
	}
	data, err := os.ReadFile(claim)
	if err != nil {
		return nil, fmt.Errorf("read claimed file: %w", err)
	}
	if err := os.Remove(claim); err != nil {
		return nil, fmt.Errorf("remove claimed file: %w", err)
	}
	return data, nil
}

// Delete removes key; absent keys are a no-op.
func (s *FileStore) Delete(_ context.Context, key string) error {
	if err := os.Remove(s.path(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove key file: %w", err)
	}
	return nil
}

// Keys returns a lexicographically sorted snapshot of stored keys.
func (s *FileStore) Keys(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("list store root: %w", err)
	}
	keys := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || name[0] == '.' {
			continue
		}
		key, err := url.PathUnescape(name)
		if err != nil {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

// Push writes value under a fresh time-ordered key and returns it. The
// counter suffix keeps keys unique within one process; the random suffix
// keeps them unique across processes sharing the directory.
func (s *FileStore) Push(ctx context.Context, value []byte) (string, error) {
	key := fmt.Sprintf("%020d-%06d-%s",
		time.Now().UnixNano(), s.seq.Add(1)%1000000, uuid.NewString()[:8])
	if err := s.Write(ctx, key, value); err != nil {
		return "", err
	}
	return key, nil
}

var _ Store = (*FileStore)(nil)
