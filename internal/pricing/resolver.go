// Package pricing resolves per-city product prices through the
// city, city group and price relation.
package pricing

import (
	"context"
	"errors"

	"github.com/megashop/citysearch/internal/domain"
	"github.com/megashop/citysearch/internal/repository"
	apperrors "github.com/megashop/citysearch/pkg/errors"
)

type memoKey struct {
	product int64
	city    string
}

type cityEntry struct {
	group *int64
	found bool
}

// Resolver memoizes price lookups for the lifetime of one request. It is not
// safe for concurrent use.
type Resolver struct {
	catalog repository.CatalogReader
	cities  map[string]cityEntry
	memo    map[memoKey]domain.PriceResult
}

// NewResolver creates a resolver reading from catalog.
func NewResolver(catalog repository.CatalogReader) *Resolver {
	return &Resolver{
		catalog: catalog,
		cities:  make(map[string]cityEntry),
		memo:    make(map[memoKey]domain.PriceResult),
	}
}

// Resolve returns the price of one product in the city.
func (r *Resolver) Resolve(ctx context.Context, productID int64, cityDomain string) domain.PriceResult {
	return r.ResolveMany(ctx, []int64{productID}, cityDomain)[productID]
}

// ResolveMany resolves several products with at most one price query.
// Every requested id is present in the result.
func (r *Resolver) ResolveMany(ctx context.Context, productIDs []int64, cityDomain string) map[int64]domain.PriceResult {
	out := make(map[int64]domain.PriceResult, len(productIDs))

	var missing []int64
	for _, id := range productIDs {
		if res, ok := r.memo[memoKey{id, cityDomain}]; ok {
			out[id] = res
			continue
		}
		missing = append(missing, id)
	}
	if len(missing) == 0 {
		return out
	}

	store := func(res domain.PriceResult, cacheable bool) {
		for _, id := range missing {
			out[id] = res
			if cacheable {
				r.memo[memoKey{id, cityDomain}] = res
			}
		}
	}

	city, err := r.city(ctx, cityDomain)
	if err != nil {
		store(domain.PriceResult{Outcome: domain.OutcomeUpstream, Err: err}, false)
		return out
	}
	if !city.found || city.group == nil {
		store(domain.PriceResult{Outcome: domain.OutcomeNoPrice}, true)
		return out
	}

	prices, err := r.catalog.PricesForGroup(ctx, *city.group, missing)
	if err != nil {
		store(domain.PriceResult{Outcome: domain.OutcomeUpstream, Err: err}, false)
		return out
	}

	for _, id := range missing {
		res := domain.PriceResult{Outcome: domain.OutcomeNoPrice}
		if p, ok := prices[id]; ok {
			res = domain.PriceResult{Outcome: domain.OutcomeOK, Quote: domain.QuoteOf(p)}
		}
		out[id] = res
		r.memo[memoKey{id, cityDomain}] = res
	}
	return out
}

func (r *Resolver) city(ctx context.Context, cityDomain string) (cityEntry, error) {
	if e, ok := r.cities[cityDomain]; ok {
		return e, nil
	}
	c, err := r.catalog.CityByDomain(ctx, cityDomain)
	switch {
	case errors.Is(err, apperrors.ErrNotFound):
		e := cityEntry{}
		r.cities[cityDomain] = e
		return e, nil
	case err != nil:
		return cityEntry{}, err
	}
	e := cityEntry{group: c.GroupID, found: true}
	r.cities[cityDomain] = e
	return e, nil
}
