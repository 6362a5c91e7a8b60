package kvstore

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// backends returns every locally testable Store implementation. The postgres
// backend shares this contract but needs a live database; the HTTP proxy is
// exercised end-to-end in the httpx package.
func backends(t *testing.T) map[string]Store {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	fileStore, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	return map[string]Store{
		"memory": NewMemoryStore(),
		"file":   fileStore,
		"redis":  NewRedisStore(client, "test"),
	}
}

func TestStoreWriteReadDelete(t *testing.T) {
	ctx := context.Background()
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, store.Write(ctx, "a", []byte("one")))

			got, err := store.Read(ctx, "a")
			require.NoError(t, err)
			assert.Equal(t, []byte("one"), got)

			// Upsert replaces the value without duplicating the key.
			require.NoError(t, store.Write(ctx, "a", []byte("two")))
			got, err = store.Read(ctx, "a")
			require.NoError(t, err)
			assert.Equal(t, []byte("two"), got)

			keys, err := store.Keys(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"a"}, keys)

			require.NoError(t, store.Delete(ctx, "a"))
			_, err = store.Read(ctx, "a")
			assert.ErrorIs(t, err, ErrKeyNotFound)

			// Deleting an absent key is a no-op.
			assert.NoError(t, store.Delete(ctx, "a"))
		})
	}
}

func TestStoreWriteOnce(t *testing.T) {
	ctx := context.Background()
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, store.WriteOnce(ctx, "a", []byte("first")))

			err := store.WriteOnce(ctx, "a", []byte("second"))
			assert.ErrorIs(t, err, ErrKeyExists)

			// The loser never clobbers the winner's value.
			got, err := store.Read(ctx, "a")
			require.NoError(t, err)
			assert.Equal(t, []byte("first"), got)

			keys, err := store.Keys(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"a"}, keys)
		})
	}
}

func TestStoreConcurrentWriteOnceSingleWinner(t *testing.T) {
	ctx := context.Background()
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			const writers = 8
			wins := make(chan struct{}, writers)
			var wg sync.WaitGroup
			for i := 0; i < writers; i++ {
				i := i
				wg.Add(1)
				go func() {
					defer wg.Done()
					if err := store.WriteOnce(ctx, "contended", fmt.Appendf(nil, "w%d", i)); err == nil {
						wins <- struct{}{}
					}
				}()
			}
			wg.Wait()
			close(wins)

			var winners int
			for range wins {
				winners++
			}
			assert.Equal(t, 1, winners, "exactly one writer must claim the key")
		})
	}
}

func TestStoreReadMissing(t *testing.T) {
	ctx := context.Background()
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := store.Read(ctx, "missing")
			assert.ErrorIs(t, err, ErrKeyNotFound)
			_, err = store.Pop(ctx, "missing")
			assert.ErrorIs(t, err, ErrKeyNotFound)
		})
	}
}

func TestStorePopRemovesExactlyOnce(t *testing.T) {
	ctx := context.Background()
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, store.Write(ctx, "job", []byte("payload")))

			got, err := store.Pop(ctx, "job")
			require.NoError(t, err)
			assert.Equal(t, []byte("payload"), got)

			_, err = store.Pop(ctx, "job")
			assert.ErrorIs(t, err, ErrKeyNotFound)

			keys, err := store.Keys(ctx)
			require.NoError(t, err)
			assert.Empty(t, keys)
		})
	}
}

func TestStorePushFIFOOrder(t *testing.T) {
	ctx := context.Background()
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			var pushed []string
			for i := 0; i < 10; i++ {
				key, err := store.Push(ctx, fmt.Appendf(nil, "v%d", i))
				require.NoError(t, err)
				pushed = append(pushed, key)
			}

			keys, err := store.Keys(ctx)
			require.NoError(t, err)
			assert.Equal(t, pushed, keys, "pushed keys must come back in FIFO order")
		})
	}
}

func TestStorePushUniqueUnderConcurrency(t *testing.T) {
	ctx := context.Background()
	const goroutines = 8
	const perGoroutine = 50

	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			var mu sync.Mutex
			seen := make(map[string]int)
			var wg sync.WaitGroup
			for g := 0; g < goroutines; g++ {
				g := g
				wg.Add(1)
				go func() {
					defer wg.Done()
					for i := 0; i < perGoroutine; i++ {
						key, err := store.Push(ctx, fmt.Appendf(nil, "g%d-%d", g, i))
						assert.NoError(t, err)
						mu.Lock()
						seen[key]++
						mu.Unlock()
					}
				}()
			}
			wg.Wait()

			assert.Len(t, seen, goroutines*perGoroutine)
			for key, count := range seen {
				assert.Equal(t, 1, count, "key %s handed out more than once", key)
			}
		})
	}
}

func TestStoreConcurrentPopExactlyOnce(t *testing.T) {
	ctx := context.Background()
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, store.Write(ctx, "contended", []byte("x")))

			const poppers = 8
			wins := make(chan struct{}, poppers)
			var wg sync.WaitGroup
			for p := 0; p < poppers; p++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if _, err := store.Pop(ctx, "contended"); err == nil {
						wins <- struct{}{}
					}
				}()
			}
			wg.Wait()
			close(wins)

			var winners int
			for range wins {
				winners++
			}
			assert.Equal(t, 1, winners, "exactly one popper must claim the key")
		})
	}
}
