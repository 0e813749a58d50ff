// Package hydrate resolves index hits back to authoritative catalog rows.
package hydrate

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/megashop/citysearch/internal/domain"
	"github.com/megashop/citysearch/internal/engine"
	"github.com/megashop/citysearch/internal/pricing"
	"github.com/megashop/citysearch/internal/repository"
	"github.com/megashop/citysearch/pkg/logger"
	"github.com/megashop/citysearch/pkg/tracing"
)

var tracer = tracing.Tracer("github.com/megashop/citysearch/internal/hydrate")

// Hydrator joins hits with catalog rows and city prices for one request.
// Products without a valid price in the city never leave the hydrator.
type Hydrator struct {
	catalog repository.CatalogReader
	prices  *pricing.Resolver
	city    string
}

// New creates a hydrator for the city reading from catalog.
func New(catalog repository.CatalogReader, cityDomain string) *Hydrator {
	return &Hydrator{
		catalog: catalog,
		prices:  pricing.NewResolver(catalog),
		city:    cityDomain,
	}
}

// Prices returns the request's price resolver.
func (h *Hydrator) Prices() *pricing.Resolver { return h.prices }

// Products hydrates product hits, preserving their order.
func (h *Hydrator) Products(ctx context.Context, hits []engine.Hit) ([]domain.ProductHit, error) {
	ids := make([]int64, len(hits))
	scores := make(map[int64]float64, len(hits))
	for i, hit := range hits {
		ids[i] = hit.ID
		scores[hit.ID] = hit.Score
	}
	return h.products(ctx, ids, scores)
}

// ProductIDs hydrates products in the given order with zero scores.
func (h *Hydrator) ProductIDs(ctx context.Context, ids []int64) ([]domain.ProductHit, error) {
	return h.products(ctx, ids, nil)
}

func (h *Hydrator) products(ctx context.Context, ids []int64, scores map[int64]float64) (out []domain.ProductHit, err error) {
	ctx, span := tracer.Start(ctx, "hydrate.products", trace.WithAttributes(
		attribute.Int("hydrate.hits", len(ids)),
		attribute.String("city_domain", h.city),
	))
	defer func() { tracing.End(span, err) }()

	if len(ids) == 0 {
		return []domain.ProductHit{}, nil
	}

	rows, err := h.catalog.ProductsByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("hydrate products: %w", err)
	}

	log := logger.FromContext(ctx)
	candidates := make([]int64, 0, len(ids))
	for _, id := range ids {
		p, ok := rows[id]
		switch {
		case !ok:
			log.WarnContext(ctx, "dropping hit for missing product", "product_id", id)
		case !p.Active, p.UnavailableInCity(h.city):
		default:
			candidates = append(candidates, id)
		}
	}

	quotes := h.prices.ResolveMany(ctx, candidates, h.city)
	out = make([]domain.ProductHit, 0, len(candidates))
	for _, id := range candidates {
		res := quotes[id]
		switch {
		case res.Priced():
			out = append(out, domain.ProductHit{Product: *rows[id], Quote: res.Quote, Score: scores[id]})
		case res.Outcome == domain.OutcomeUpstream:
			return nil, fmt.Errorf("hydrate products: resolve price: %w", res.Err)
		}
	}
	span.SetAttributes(attribute.Int("hydrate.priced", len(out)))
	return out, nil
}

// Categories hydrates visible categories, preserving hit order.
func (h *Hydrator) Categories(ctx context.Context, hits []engine.Hit) ([]domain.CategoryHit, error) {
	if len(hits) == 0 {
		return []domain.CategoryHit{}, nil
	}
	rows, err := h.catalog.CategoriesByIDs(ctx, idsOf(hits))
	if err != nil {
		return nil, fmt.Errorf("hydrate categories: %w", err)
	}
	out := make([]domain.CategoryHit, 0, len(hits))
	for _, hit := range hits {
		c, ok := rows[hit.ID]
		if !ok {
			logger.FromContext(ctx).WarnContext(ctx, "dropping hit for missing category", "category_id", hit.ID)
			continue
		}
		if !c.Visible {
			continue
		}
		out = append(out, domain.CategoryHit{Category: *c, Score: hit.Score})
	}
	return out, nil
}

// Brands hydrates active brands, preserving hit order.
func (h *Hydrator) Brands(ctx context.Context, hits []engine.Hit) ([]domain.BrandHit, error) {
	if len(hits) == 0 {
		return []domain.BrandHit{}, nil
	}
	rows, err := h.catalog.BrandsByIDs(ctx, idsOf(hits))
	if err != nil {
		return nil, fmt.Errorf("hydrate brands: %w", err)
	}
	out := make([]domain.BrandHit, 0, len(hits))
	for _, hit := range hits {
		b, ok := rows[hit.ID]
		if !ok {
			logger.FromContext(ctx).WarnContext(ctx, "dropping hit for missing brand", "brand_id", hit.ID)
			continue
		}
		if !b.Active {
			continue
		}
		out = append(out, domain.BrandHit{Brand: *b, Score: hit.Score})
	}
	return out, nil
}

func idsOf(hits []engine.Hit) []int64 {
	ids := make([]int64, len(hits))
	for i, hit := range hits {
		ids[i] = hit.ID
	}
	return ids
}
