package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/megashop/citysearch/internal/domain"
	"github.com/megashop/citysearch/internal/hydrate"
	"github.com/megashop/citysearch/internal/rank"
	"github.com/megashop/citysearch/internal/repository"
	apperrors "github.com/megashop/citysearch/pkg/errors"
	"github.com/megashop/citysearch/pkg/logger"
	"github.com/megashop/citysearch/pkg/pagination"
)

// CatalogListing is one page of a category listing.
type CatalogListing struct {
	Category domain.CategoryRef
	Products pagination.Page[domain.ProductItem]
}

// Result renders the listing with its page links. Empty links render as null.
func (l *CatalogListing) Result(next, prev string) *domain.CatalogResult {
	return &domain.CatalogResult{
		Results:  l.Products.Items,
		Total:    l.Products.Total,
		Page:     l.Products.Page,
		Pages:    l.Products.Pages,
		Next:     optional(next),
		Previous: optional(prev),
		Category: l.Category,
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// CatalogService serves category listings and single products straight from
// the relational catalog.
type CatalogService struct {
	catalog repository.Catalog
	logger  *slog.Logger
}

// NewCatalogService creates a new catalog service.
func NewCatalogService(catalog repository.Catalog, logger *slog.Logger) *CatalogService {
	return &CatalogService{catalog: catalog, logger: logger}
}

// Catalog lists the priced products of a category subtree.
func (s *CatalogService) Catalog(ctx context.Context, q *domain.CatalogQuery) (*CatalogListing, error) {
	params := pagination.Params{Page: q.Page, PerPage: q.PerPage}

	var listing CatalogListing
	err := s.catalog.Snapshot(ctx, func(r repository.CatalogReader) error {
		category, err := r.CategoryBySlug(ctx, q.CategorySlug)
		if errors.Is(err, apperrors.ErrNotFound) || (err == nil && !category.Visible) {
			return apperrors.NotFound("category", q.CategorySlug)
		}
		if err != nil {
			return fmt.Errorf("get category: %w", err)
		}

		ids, err := r.CatalogProductIDs(ctx, domain.CatalogFilter{
			Category:   category,
			CityDomain: q.CityDomain,
			Filters:    q.Filters,
		})
		if err != nil {
			return fmt.Errorf("list catalog products: %w", err)
		}

		products, err := hydrate.New(r, q.CityDomain).ProductIDs(ctx, ids)
		if err != nil {
			return err
		}
		rank.Products(ctx, products, q.OrderBy, true)

		items := make([]domain.ProductItem, len(products))
		for i := range products {
			items[i] = domain.NewProductItem(&products[i].Product, &products[i].Quote)
		}
		page, err := pagination.Paginate(items, len(items), params)
		if err != nil {
			return err
		}

		listing = CatalogListing{
			Category: domain.CategoryRef{ID: category.ID, Name: category.Name, Slug: category.Slug},
			Products: page,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.WithContext(ctx, s.logger).DebugContext(ctx, "catalog listed",
		slog.String("category", q.CategorySlug),
		slog.Int("total", listing.Products.Total),
	)
	return &listing, nil
}

// Product returns an active product visible in the city. A product without a
// price in the city is returned unpriced.
func (s *CatalogService) Product(ctx context.Context, slug, cityDomain string) (*domain.ProductItem, error) {
	var item domain.ProductItem
	err := s.catalog.Snapshot(ctx, func(r repository.CatalogReader) error {
		p, err := r.ProductBySlug(ctx, slug)
		if errors.Is(err, apperrors.ErrNotFound) || (err == nil && (!p.Active || p.UnavailableInCity(cityDomain))) {
			return apperrors.NotFound("product", slug)
		}
		if err != nil {
			return fmt.Errorf("get product: %w", err)
		}

		var quote *domain.Quote
		res := hydrate.New(r, cityDomain).Prices().Resolve(ctx, p.ID, cityDomain)
		switch {
		case res.Priced():
			quote = &res.Quote
		case res.Outcome == domain.OutcomeUpstream:
			return fmt.Errorf("resolve price: %w", res.Err)
		}
		item = domain.NewProductItem(p, quote)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &item, nil
}
