package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/abkawan/ledger-engine/internal/ledger"
	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	defaultExpiry     = 30 * time.Second
	defaultRetryDelay = 50 * time.Millisecond
)

// Redis is a ledger.Locker shared by every process pointing at the same
// Redis, so account locks hold across API replicas.
type Redis struct {
	client     *redis.Client
	rs         *redsync.Redsync
	expiry     time.Duration
	retryDelay time.Duration
	tries      int
	logger     *zap.Logger
}

var _ ledger.Locker = (*Redis)(nil)

// NewRedis gives up on a lock after roughly timeout
func NewRedis(client *redis.Client, timeout time.Duration, logger *zap.Logger) *Redis {
	tries := int(timeout / defaultRetryDelay)
	if tries < 1 {
		tries = 1
	}
	return &Redis{
		client:     client,
		rs:         redsync.New(goredis.NewPool(client)),
		expiry:     defaultExpiry,
		retryDelay: defaultRetryDelay,
		tries:      tries,
		logger:     logger.With(zap.String("component", "redis_lock")),
	}
}

// Dial connects to addr and verifies the server answers
func Dial(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return client, nil
}

func (r *Redis) WithLock(ctx context.Context, key string, fn func(context.Context) error) error {
	mutex := r.rs.NewMutex(key,
		redsync.WithExpiry(r.expiry),
		redsync.WithTries(r.tries),
		redsync.WithRetryDelay(r.retryDelay),
	)

	if err := mutex.LockContext(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.logger.Warn("Failed to acquire lock", zap.String("lock_key", key), zap.Error(err))
		return fmt.Errorf("%w: %s: %v", ledger.ErrLockTimeout, key, err)
	}

	defer func() {
		// release on a fresh context so a cancelled caller still frees the key
		unlockCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if ok, err := mutex.UnlockContext(unlockCtx); !ok || err != nil {
			r.logger.Error("Failed to release lock", zap.String("lock_key", key), zap.Bool("unlock_ok", ok), zap.Error(err))
		}
	}()

	return fn(ctx)
}

func (r *Redis) Close() error {
	return r.client.Close()
}
