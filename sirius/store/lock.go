package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// ErrLockHeld is returned by TryLock when another holder owns the lock.
var ErrLockHeld = errors.New("lock is held by another process")

// Locker is a lease style mutual exclusion lock on a single key. Each
// acquisition writes a random token so only the holder can release it, and
// the TTL frees the lock if the holder dies.
type Locker struct {
	kv  KVStore
	key string
	ttl time.Duration
}

// NewLocker creates a lock on key. ttl must outlast one critical section.
func NewLocker(kv KVStore, key string, ttl time.Duration) *Locker {
	return &Locker{kv: kv, key: key, ttl: ttl}
}

// TryLock acquires the lock without waiting. The returned function releases
// it and is safe to call after the lease has already expired.
func (l *Locker) TryLock(ctx context.Context) (func(context.Context) error, error) {
	token := uuid.NewString()
	ok, err := l.kv.SetIfAbsent(ctx, l.key, token, l.ttl)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock %s: %w", l.key, err)
	}
	if !ok {
		return nil, ErrLockHeld
	}

	release := func(ctx context.Context) error {
		released, err := l.kv.DeleteIfEquals(ctx, l.key, token)
		if err != nil {
			return err
		}
		if !released {
			slog.Warn("Lock expired before release", "key", l.key, "ttl", l.ttl)
		}
		return nil
	}
	return release, nil
}

// Key returns the key the lock lives under.
func (l *Locker) Key() string {
	return l.key
}
