package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/singleflight"

	"github.com/megashop/citysearch/internal/domain"
)

var resultCacheTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "citysearch_result_cache_total",
		Help: "Result cache lookups by outcome",
	},
	[]string{"scope", "result"},
)

// Response is a fully assembled HTTP response body with its status.
type Response struct {
	Status int
	Body   []byte
}

// entry is the stored form of a Response. Generations are the per-kind
// invalidation generations observed before the response was computed.
type entry struct {
	Status      int                   `json:"status"`
	Body        []byte                `json:"body"`
	Generations map[domain.Kind]int64 `json:"generations"`
}

// computeTimeout bounds a shared computation, which no longer follows the
// context of the request that started it.
const computeTimeout = 30 * time.Second

// ResultCache caches whole responses by request fingerprint. Concurrent
// misses for one fingerprint that observed the same generations share a
// single computation. Store failures degrade to computing the response
// without caching it.
type ResultCache struct {
	store  Store
	group  singleflight.Group
	logger *slog.Logger
}

// NewResultCache creates a result cache over store.
func NewResultCache(store Store, logger *slog.Logger) *ResultCache {
	return &ResultCache{store: store, logger: logger}
}

// Fetch returns the cached response for fingerprint when it is younger than
// the last invalidation of every kind in kinds. Otherwise it runs compute and
// caches its result for ttl when the status is below 500. Errors returned by
// compute are never cached.
func (c *ResultCache) Fetch(
	ctx context.Context,
	scope, fingerprint string,
	kinds []domain.Kind,
	ttl time.Duration,
	compute func(ctx context.Context) (Response, error),
) (Response, error) {
	gens, err := c.generations(ctx, kinds)
	if err != nil {
		c.warn(ctx, scope, "read generations", err)
		return compute(ctx)
	}

	key := ResultKey(fingerprint)
	if resp, ok := c.lookup(ctx, scope, key, gens); ok {
		resultCacheTotal.WithLabelValues(scope, "hit").Inc()
		return resp, nil
	}
	resultCacheTotal.WithLabelValues(scope, "miss").Inc()

	// Requests that observed different generations never share a result, so
	// one started after an invalidation cannot join an older computation.
	ch := c.group.DoChan(flightKey(key, gens), func() (any, error) {
		// Waiters outlive the leader's client; the leader's cancellation
		// must not fail them.
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), computeTimeout)
		defer cancel()
		resp, err := compute(sctx)
		if err != nil {
			return Response{}, err
		}
		if resp.Status < http.StatusInternalServerError {
			c.save(sctx, scope, key, resp, gens, ttl)
		}
		return resp, nil
	})
	select {
	case <-ctx.Done():
		return Response{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Response{}, res.Err
		}
		return res.Val.(Response), nil
	}
}

// flightKey joins key with the generation vector in kind order.
func flightKey(key string, gens map[domain.Kind]int64) string {
	kinds := make([]domain.Kind, 0, len(gens))
	for k := range gens {
		kinds = append(kinds, k)
	}
	slices.Sort(kinds)

	var b strings.Builder
	b.WriteString(key)
	for _, k := range kinds {
		b.WriteString("@")
		b.WriteString(string(k))
		b.WriteString("=")
		b.WriteString(strconv.FormatInt(gens[k], 10))
	}
	return b.String()
}

// Invalidate bumps the generation of every kind, turning all cached
// responses that depend on them into misses.
func (c *ResultCache) Invalidate(ctx context.Context, kinds ...domain.Kind) error {
	var errs []error
	for _, k := range kinds {
		if _, err := c.store.Incr(ctx, GenerationKey(k)); err != nil {
			errs = append(errs, fmt.Errorf("invalidate %s: %w", k, err))
		}
	}
	return errors.Join(errs...)
}

// Shared reports whether invalidations are visible to every instance
// without broadcasting them.
func (c *ResultCache) Shared() bool { return c.store.Shared() }

func (c *ResultCache) generations(ctx context.Context, kinds []domain.Kind) (map[domain.Kind]int64, error) {
	keys := make([]string, len(kinds))
	for i, k := range kinds {
		keys[i] = GenerationKey(k)
	}
	vals, err := c.store.Counters(ctx, keys)
	if err != nil {
		return nil, err
	}
	gens := make(map[domain.Kind]int64, len(kinds))
	for i, k := range kinds {
		gens[k] = vals[i]
	}
	return gens, nil
}

func (c *ResultCache) lookup(ctx context.Context, scope, key string, gens map[domain.Kind]int64) (Response, bool) {
	raw, err := c.store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrMiss) {
			c.warn(ctx, scope, "get entry", err)
		}
		return Response{}, false
	}
	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		c.warn(ctx, scope, "decode entry", err)
		return Response{}, false
	}
	for k, current := range gens {
		if e.Generations[k] < current {
			return Response{}, false
		}
	}
	return Response{Status: e.Status, Body: e.Body}, true
}

func (c *ResultCache) save(ctx context.Context, scope, key string, resp Response, gens map[domain.Kind]int64, ttl time.Duration) {
	raw, err := json.Marshal(entry{Status: resp.Status, Body: resp.Body, Generations: gens})
	if err != nil {
		c.warn(ctx, scope, "encode entry", err)
		return
	}
	if err := c.store.Set(ctx, key, raw, ttl); err != nil {
		c.warn(ctx, scope, "set entry", err)
	}
}

func (c *ResultCache) warn(ctx context.Context, scope, op string, err error) {
	resultCacheTotal.WithLabelValues(scope, "error").Inc()
	c.logger.WarnContext(ctx, "result cache "+op+" failed",
		slog.String("scope", scope),
		slog.String("error", err.Error()),
	)
}
