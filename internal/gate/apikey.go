package gate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/megashop/citysearch/internal/cache"
	"github.com/megashop/citysearch/internal/domain"
	"github.com/megashop/citysearch/internal/repository"
	apperrors "github.com/megashop/citysearch/pkg/errors"
)

// verdict is the cached outcome of a key lookup. Key is nil for keys that
// do not exist.
type verdict struct {
	Key *domain.APIKey `json:"key"`
}

// HashKey returns the sha256 hex digest under which keys are stored.
func HashKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// keyVerifier looks keys up through a verdict cache. Lookups, including
// misses, are remembered for ttl; usability is checked on every request so
// expiry is exact.
type keyVerifier struct {
	keys   repository.APIKeyRepository
	store  cache.Store
	ttl    time.Duration
	logger *slog.Logger
}

// lookup returns the key record for raw, or nil when no such key exists.
func (v *keyVerifier) lookup(ctx context.Context, raw string) (*domain.APIKey, error) {
	hash := HashKey(raw)
	cacheKey := cache.APIKeyKey(hash)

	if data, err := v.store.Get(ctx, cacheKey); err == nil {
		var cached verdict
		if err := json.Unmarshal(data, &cached); err == nil {
			return cached.Key, nil
		}
	} else if !errors.Is(err, cache.ErrMiss) {
		v.logger.WarnContext(ctx, "api key cache read failed", slog.String("error", err.Error()))
	}

	key, err := v.keys.GetByHash(ctx, hash)
	switch {
	case errors.Is(err, apperrors.ErrNotFound):
		key = nil
	case err != nil:
		return nil, fmt.Errorf("lookup api key: %w", err)
	}

	if data, err := json.Marshal(verdict{Key: key}); err == nil {
		if err := v.store.Set(ctx, cacheKey, data, v.ttl); err != nil {
			v.logger.WarnContext(ctx, "api key cache write failed", slog.String("error", err.Error()))
		}
	}
	return key, nil
}

var patterns sync.Map // string -> *regexp.Regexp, nil for invalid patterns

// allowed reports whether value matches one of the comma separated regexes
// in list. Each regex is anchored at the start. "*" or an empty list allows
// everything.
func allowed(list, value string) bool {
	list = strings.TrimSpace(list)
	if list == "" || list == "*" {
		return true
	}
	for _, p := range strings.Split(list, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if p == "*" {
			return true
		}
		if re := compile(p); re != nil && re.MatchString(value) {
			return true
		}
	}
	return false
}

func compile(p string) *regexp.Regexp {
	if v, ok := patterns.Load(p); ok {
		re, _ := v.(*regexp.Regexp)
		return re
	}
	re, err := regexp.Compile("^(?:" + p + ")")
	if err != nil {
		slog.Warn("invalid api key pattern", slog.String("pattern", p), slog.String("error", err.Error()))
		patterns.Store(p, (*regexp.Regexp)(nil))
		return nil
	}
	patterns.Store(p, re)
	return re
}
