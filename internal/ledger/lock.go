package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Locker serializes work on a key. Implementations must bound the wait and
// release the key when fn returns.
type Locker interface {
	WithLock(ctx context.Context, key string, fn func(context.Context) error) error
}

// AccountLockKey is the lock key guarding one account
func AccountLockKey(accountID string) string {
	return "lock:account:" + accountID
}

// WithAccountLocks holds the locks of every account in ascending id order
// while fn runs. Duplicate ids are locked once.
func WithAccountLocks(ctx context.Context, locker Locker, accountIDs []string, fn func(context.Context) error) error {
	ids := sortedUnique(accountIDs)
	var run func(ctx context.Context, i int) error
	run = func(ctx context.Context, i int) error {
		if i == len(ids) {
			return fn(ctx)
		}
		return locker.WithLock(ctx, AccountLockKey(ids[i]), func(ctx context.Context) error {
			return run(ctx, i+1)
		})
	}
	return run(ctx, 0)
}

func sortedUnique(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, id := range in {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// KeyedLock is an in-process Locker with one exclusive slot per key.
// Keys that nobody holds or waits on are dropped from the table.
type KeyedLock struct {
	mu      sync.Mutex
	slots   map[string]*slot
	timeout time.Duration
}

type slot struct {
	ch   chan struct{}
	refs int
}

// NewKeyedLock returns a lock whose waits give up after timeout.
// A zero timeout waits until ctx is done.
func NewKeyedLock(timeout time.Duration) *KeyedLock {
	return &KeyedLock{slots: make(map[string]*slot), timeout: timeout}
}

var _ Locker = (*KeyedLock)(nil)

func (k *KeyedLock) WithLock(ctx context.Context, key string, fn func(context.Context) error) error {
	if err := k.acquire(ctx, key); err != nil {
		return err
	}
	defer k.release(key)
	return fn(ctx)
}

func (k *KeyedLock) acquire(ctx context.Context, key string) error {
	k.mu.Lock()
	s, ok := k.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		k.slots[key] = s
	}
	s.refs++
	k.mu.Unlock()

	waitCtx := ctx
	if k.timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, k.timeout)
		defer cancel()
	}

	select {
	case s.ch <- struct{}{}:
		return nil
	case <-waitCtx.Done():
		k.mu.Lock()
		k.drop(key, s)
		k.mu.Unlock()
		if errors.Is(waitCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return fmt.Errorf("%w: %s", ErrLockTimeout, key)
		}
		return ctx.Err()
	}
}

func (k *KeyedLock) release(key string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	s := k.slots[key]
	<-s.ch
	k.drop(key, s)
}

// drop must be called with k.mu held
func (k *KeyedLock) drop(key string, s *slot) {
	s.refs--
	if s.refs == 0 {
		delete(k.slots, key)
	}
}
