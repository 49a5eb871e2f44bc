package cron

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/unilevel-ledger/pkg/instance"
)

const defaultLockTTL = 2 * time.Hour

// Lock keeps a single worker running the jobs at a time.
type Lock interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

type lockStore interface {
	SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error)
	DelIfValue(ctx context.Context, key, value string) (bool, error)
	ExpireIfValue(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
}

// ErrLockLost is returned by Hold once the lock expired or changed owner.
var ErrLockLost = errors.New("lock lost")

// RedisLock is a SETNX lock with a TTL so a crashed worker cannot hold it
// forever. Only the owner token that acquired it can release it.
type RedisLock struct {
	store lockStore
	key   string
	ttl   time.Duration

	mu    sync.Mutex
	owner string
}

func NewRedisLock(store lockStore, key string, ttl time.Duration) (*RedisLock, error) {
	if store == nil {
		return nil, errors.New("redis client required for lock")
	}
	if key == "" {
		return nil, errors.New("lock key is required")
	}
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	return &RedisLock{store: store, key: key, ttl: ttl}, nil
}

func (l *RedisLock) Acquire(ctx context.Context) (bool, error) {
	token := instance.GetID() + ":" + uuid.NewString()
	ok, err := l.store.SetNX(ctx, l.key, token, l.ttl)
	if err != nil {
		return false, fmt.Errorf("setnx %s: %w", l.key, err)
	}
	if ok {
		l.mu.Lock()
		l.owner = token
		l.mu.Unlock()
	}
	return ok, nil
}

// Release is a no-op when the lock expired and was taken by someone else.
func (l *RedisLock) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.owner == "" {
		return nil
	}
	if _, err := l.store.DelIfValue(ctx, l.key, l.owner); err != nil {
		return fmt.Errorf("release lock %s: %w", l.key, err)
	}
	l.owner = ""
	return nil
}

// Refresh pushes the expiry out by another TTL. It reports false when the
// lock is no longer ours.
func (l *RedisLock) Refresh(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.owner == "" {
		return false, nil
	}
	ok, err := l.store.ExpireIfValue(ctx, l.key, l.owner, l.ttl)
	if err != nil {
		return false, fmt.Errorf("refresh lock %s: %w", l.key, err)
	}
	if !ok {
		l.owner = ""
	}
	return ok, nil
}

// AcquireWait polls until the lock is taken or ctx ends.
func (l *RedisLock) AcquireWait(ctx context.Context, every time.Duration) error {
	if every <= 0 {
		every = l.ttl / 3
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		ok, err := l.Acquire(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Hold refreshes the lock every interval until ctx ends. It returns
// ErrLockLost as soon as a refresh finds the lock gone, and tolerates
// refresh errors until the TTL would have run out.
func (l *RedisLock) Hold(ctx context.Context, every time.Duration) error {
	if every <= 0 || every >= l.ttl {
		every = l.ttl / 3
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	lastOK := time.Now()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		ok, err := l.Refresh(ctx)
		switch {
		case err != nil:
			if time.Since(lastOK) >= l.ttl {
				return fmt.Errorf("%w: %s: %v", ErrLockLost, l.key, err)
			}
		case !ok:
			return fmt.Errorf("%w: %s", ErrLockLost, l.key)
		default:
			lastOK = time.Now()
		}
	}
}
