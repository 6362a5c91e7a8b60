package kvstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps values in a hash and insertion order in a list, giving a
// FIFO-ordered backend shared across processes. All compound mutations run as
// Lua scripts so each contract operation stays atomic.
type RedisStore struct {
	client    redis.UniversalClient
	valuesKey string
	orderKey  string
	seqKey    string
}

// NewRedisStore creates a store namespaced under the given prefix.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "overseer"
	}
	return &RedisStore{
		client:    client,
		valuesKey: prefix + ":values",
		orderKey:  prefix + ":order",
		seqKey:    prefix + ":seq",
	}
}

var writeScript = redis.NewScript(`
if redis.call('HSETNX', KEYS[1], ARGV[1], ARGV[2]) == 1 then
  redis.call('RPUSH', KEYS[2], ARGV[1])
else
  redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
end
return 1
`)

var writeOnceScript = redis.NewScript(`
if redis.call('HSETNX', KEYS[1], ARGV[1], ARGV[2]) == 1 then
  redis.call('RPUSH', KEYS[2], ARGV[1])
  return 1
end
return 0
`)

var popScript = redis.NewScript(`
local v = redis.call('HGET', KEYS[1], ARGV[1])
if v == false then
  return false
end
redis.call('HDEL', KEYS[1], ARGV[1])
redis.call('LREM', KEYS[2], 1, ARGV[1])
return v
`)

var deleteScript = redis.NewScript(`
redis.call('HDEL', KEYS[1], ARGV[1])
redis.call('LREM', KEYS[2], 1, ARGV[1])
return 1
`)

func (s *RedisStore) scriptKeys() []string {
	return []string{s.valuesKey, s.orderKey}
}

// Write upserts the value under key.
func (s *RedisStore) Write(ctx context.Context, key string, value []byte) error {
	if err := writeScript.Run(ctx, s.client, s.scriptKeys(), key, value).Err(); err != nil {
		return fmt.Errorf("redis write: %w", err)
	}
	return nil
}

// WriteOnce writes the value only if the key is absent. HSETNX decides the
// winner server-side.
func (s *RedisStore) WriteOnce(ctx context.Context, key string, value []byte) error {
	inserted, err := writeOnceScript.Run(ctx, s.client, s.scriptKeys(), key, value).Int()
	if err != nil {
		return fmt.Errorf("redis write once: %w", err)
	}
	if inserted == 0 {
		return ErrKeyExists
	}
	return nil
}

// Read returns the value stored under key.
func (s *RedisStore) Read(ctx context.Context, key string) ([]byte, error) {
	value, err := s.client.HGet(ctx, s.valuesKey, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrKeyNotFound
		}
		return nil, fmt.Errorf("redis read: %w", err)
	}
	return []byte(value), nil
}

// Pop atomically reads and removes the value under key.
func (s *RedisStore) Pop(ctx context.Context, key string) ([]byte, error) {
	value, err := popScript.Run(ctx, s.client, s.scriptKeys(), key).Text()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrKeyNotFound
		}
		return nil, fmt.Errorf("redis pop: %w", err)
	}
	return []byte(value), nil
}

// Delete removes key; absent keys are a no-op.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := deleteScript.Run(ctx, s.client, s.scriptKeys(), key).Err(); err != nil {
		return fmt.Errorf("redis delete: %w", err)
	}
	return nil
}

// Keys returns a snapshot of stored keys in insertion order.
func (s *RedisStore) Keys(ctx context.Context) ([]string, error) {
	keys, err := s.client.LRange(ctx, s.orderKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis keys: %w", err)
	}
	return keys, nil
}

// Push writes value under a fresh counter-based key and returns it. INCR
// guarantees uniqueness across concurrent pushers and processes.
func (s *RedisStore) Push(ctx context.Context, value []byte) (string, error) {
	seq, err := s.client.Incr(ctx, s.seqKey).Result()
	if err != nil {
		return "", fmt.Errorf("redis push seq: %w", err)
	}
	key := fmt.Sprintf("%020d", seq)
	if err := s.Write(ctx, key, value); err != nil {
		return "", err
	}
	return key, nil
}

var _ Store = (*RedisStore)(nil)
