package event

import (
	"context"
	"errors"
	"time"

	"github.com/megashop/citysearch/internal/cache"
)

// IdempotencyStore keeps consumed event ids in a cache.Store, so that every
// instance of a consumer group shares them when the store is Redis.
type IdempotencyStore struct {
	store cache.Store
	ttl   time.Duration
}

// NewIdempotencyStore creates a store whose entries expire after ttl.
func NewIdempotencyStore(store cache.Store, ttl time.Duration) *IdempotencyStore {
	return &IdempotencyStore{store: store, ttl: ttl}
}

// Contains reports whether eventID was recorded.
func (s *IdempotencyStore) Contains(ctx context.Context, eventID string) (bool, error) {
	_, err := s.store.Get(ctx, cache.EventKey(eventID))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, cache.ErrMiss):
		return false, nil
	default:
		return false, err
	}
}

// Add records eventID.
func (s *IdempotencyStore) Add(ctx context.Context, eventID string) error {
	return s.store.Set(ctx, cache.EventKey(eventID), []byte{1}, s.ttl)
}
