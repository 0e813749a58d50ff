// Package cache holds the shared key-value layer: the result cache, the
// rebuild lock and the storage the request gate keeps API key verdicts in.
package cache

import (
	"context"
	"errors"
	"time"

	"github.com/megashop/citysearch/internal/domain"
)

// ErrMiss is returned by Store.Get for absent or expired keys.
var ErrMiss = errors.New("cache miss")

const keyPrefix = "citysearch:"

// ResultKey is the key of a cached response.
func ResultKey(fingerprint string) string { return keyPrefix + "rc:" + fingerprint }

// GenerationKey is the key of a kind's invalidation generation.
func GenerationKey(kind domain.Kind) string { return keyPrefix + "rc:gen:" + string(kind) }

// APIKeyKey is the key of an API key verdict.
func APIKeyKey(keyHash string) string { return keyPrefix + "apikey:" + keyHash }

// EventKey marks a consumed event id.
func EventKey(eventID string) string { return keyPrefix + "event:" + eventID }

// RebuildLockKey guards full and per-kind index rebuilds.
const RebuildLockKey = keyPrefix + "lock:rebuild"

// Store is a key-value backend. Values are opaque bytes; counters are
// integers stored under their own keys.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// SetNX stores value only when key is absent and reports whether it did.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	// CompareAndDelete deletes key only while it holds value.
	CompareAndDelete(ctx context.Context, key string, value []byte) (bool, error)
	// TTL returns the remaining lifetime of key, or zero when it has none.
	TTL(ctx context.Context, key string) (time.Duration, error)
	Incr(ctx context.Context, key string) (int64, error)
	// Counters returns the counters at keys, zero for absent ones.
	Counters(ctx context.Context, keys []string) ([]int64, error)
	// Shared reports whether every service instance sees the same data.
	Shared() bool
	Ping(ctx context.Context) error
}
