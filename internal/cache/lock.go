package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Lock is a lease-based mutual exclusion lock held in a Store. A crashed
// holder releases it implicitly when the lease expires.
type Lock struct {
	store Store
	key   string
	lease time.Duration
}

// NewLock creates a lock on key with the given lease.
func NewLock(store Store, key string, lease time.Duration) *Lock {
	return &Lock{store: store, key: key, lease: lease}
}

// Acquire tries to take the lock without waiting. On success it returns the
// token that releases it. When the lock is held elsewhere it returns an empty
// token and the remaining lease of the holder.
func (l *Lock) Acquire(ctx context.Context) (string, time.Duration, error) {
	token := uuid.NewString()
	ok, err := l.store.SetNX(ctx, l.key, []byte(token), l.lease)
	if err != nil {
		return "", 0, fmt.Errorf("acquire %s: %w", l.key, err)
	}
	if ok {
		return token, 0, nil
	}
	remaining, err := l.store.TTL(ctx, l.key)
	if err != nil {
		return "", 0, fmt.Errorf("acquire %s: %w", l.key, err)
	}
	if remaining <= 0 {
		remaining = time.Second
	}
	return "", remaining, nil
}

// Release frees the lock if token still holds it.
func (l *Lock) Release(ctx context.Context, token string) error {
	if _, err := l.store.CompareAndDelete(ctx, l.key, []byte(token)); err != nil {
		return fmt.Errorf("release %s: %w", l.key, err)
	}
	return nil
}
