package lock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/abkawan/ledger-engine/internal/ledger"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestLock(t *testing.T, timeout time.Duration) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	l := NewRedis(client, timeout, zap.NewNop())
	t.Cleanup(func() { _ = l.Close() })
	return l, mr
}

func TestRedisLockReleasesKey(t *testing.T) {
	l, mr := newTestLock(t, time.Second)
	key := ledger.AccountLockKey("a")

	err := l.WithLock(context.Background(), key, func(context.Context) error {
		assert.True(t, mr.Exists(key))
		return nil
	})

	require.NoError(t, err)
	assert.False(t, mr.Exists(key))
}

func TestRedisLockSerializes(t *testing.T) {
	l, _ := newTestLock(t, 5*time.Second)
	var (
		mu      sync.Mutex
		holders int
		overlap bool
		wg      sync.WaitGroup
	)

	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := l.WithLock(context.Background(), "lock:account:shared", func(context.Context) error {
				mu.Lock()
				holders++
				if holders > 1 {
					overlap = true
				}
				mu.Unlock()

				time.Sleep(10 * time.Millisecond)

				mu.Lock()
				holders--
				mu.Unlock()
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.False(t, overlap)
}

func TestRedisLockTimeout(t *testing.T) {
	l, mr := newTestLock(t, 100*time.Millisecond)
	key := ledger.AccountLockKey("busy")
	require.NoError(t, mr.Set(key, "held-elsewhere"))

	called := false
	err := l.WithLock(context.Background(), key, func(context.Context) error {
		called = true
		return nil
	})

	assert.ErrorIs(t, err, ledger.ErrLockTimeout)
	assert.False(t, called)
	got, _ := mr.Get(key)
	assert.Equal(t, "held-elsewhere", got)
}

func TestDial(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	client, err := Dial(context.Background(), mr.Addr())
	require.NoError(t, err)
	require.NoError(t, client.Close())

	mr.Close()
	_, err = Dial(context.Background(), mr.Addr())
	assert.Error(t, err)
}
