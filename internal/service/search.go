package service

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/megashop/citysearch/internal/domain"
	"github.com/megashop/citysearch/internal/engine"
	"github.com/megashop/citysearch/internal/hydrate"
	"github.com/megashop/citysearch/internal/query"
	"github.com/megashop/citysearch/internal/rank"
	"github.com/megashop/citysearch/internal/repository"
	apperrors "github.com/megashop/citysearch/pkg/errors"
	"github.com/megashop/citysearch/pkg/logger"
	"github.com/megashop/citysearch/pkg/pagination"
	"github.com/megashop/citysearch/pkg/tracing"
)

var tracer = tracing.Tracer("github.com/megashop/citysearch/internal/service")

// Suggestion limits.
const (
	DefaultSuggestLimit = 5
	MaxSuggestLimit     = 20

	// suggestOverfetch compensates for hits the hydrator drops.
	suggestOverfetch = 4
)

// HistoryLimit is the number of history entries returned to a user.
const HistoryLimit = 20

// SearchListing is one page of a general search. Categories and brands are
// only filled on the first page.
type SearchListing struct {
	Products   pagination.Page[domain.ProductItem]
	Categories []domain.CategoryItem
	Brands     []domain.BrandItem
}

// Result renders the listing with its page links.
func (l *SearchListing) Result(next, prev string) *domain.SearchResult {
	return &domain.SearchResult{
		Products:   l.Products.Items,
		Categories: l.Categories,
		Brands:     l.Brands,
		Total:      l.Products.Total,
		Page:       l.Products.Page,
		Pages:      l.Products.Pages,
		Next:       next,
		Previous:   prev,
	}
}

// SearchService implements the general search, suggestion and history
// operations.
type SearchService struct {
	engine   engine.SearchEngine
	catalog  repository.Catalog
	history  repository.SearchHistoryRepository
	builder  *query.Builder
	auxLimit int
	logger   *slog.Logger
}

// NewSearchService creates a new search service. auxLimit caps the
// categories and brands returned alongside products.
func NewSearchService(
	eng engine.SearchEngine,
	catalog repository.Catalog,
	history repository.SearchHistoryRepository,
	builder *query.Builder,
	auxLimit int,
	logger *slog.Logger,
) *SearchService {
	return &SearchService{
		engine:   eng,
		catalog:  catalog,
		history:  history,
		builder:  builder,
		auxLimit: auxLimit,
		logger:   logger,
	}
}

// Search runs q through the index, hydrates the hits against one catalog
// snapshot and returns the requested page of priced products.
func (s *SearchService) Search(ctx context.Context, q *domain.SearchQuery) (listing *SearchListing, err error) {
	ctx, span := tracer.Start(ctx, "service.search", trace.WithAttributes(
		attribute.String("city_domain", q.CityDomain),
		attribute.Int("page", q.Page),
	))
	defer func() { tracing.End(span, err) }()

	params := pagination.Params{Page: q.Page, PerPage: q.PerPage}

	iq := s.builder.Search(q)
	if iq == nil {
		return emptyListing(params)
	}

	hits, err := s.engine.Search(ctx, iq)
	if err != nil {
		return nil, fmt.Errorf("search index: %w", err)
	}

	browse := query.Normalize(q.Query) == ""
	listing = &SearchListing{
		Categories: []domain.CategoryItem{},
		Brands:     []domain.BrandItem{},
	}

	err = s.catalog.Snapshot(ctx, func(r repository.CatalogReader) error {
		h := hydrate.New(r, q.CityDomain)

		products, err := h.Products(ctx, hits[domain.KindProducts])
		if err != nil {
			return err
		}
		// The index may lag behind the catalog; filters hold for the price
		// actually shown.
		products = slices.DeleteFunc(products, func(p domain.ProductHit) bool {
			return !q.Filters.AcceptsPrice(p.Quote)
		})
		rank.Products(ctx, products, q.OrderBy, browse)

		items := make([]domain.ProductItem, len(products))
		for i := range products {
			items[i] = domain.NewProductItem(&products[i].Product, &products[i].Quote)
		}
		page, err := pagination.Paginate(items, len(items), params)
		if err != nil {
			return err
		}
		listing.Products = page

		if params.Page != 1 {
			return nil
		}

		categories, err := h.Categories(ctx, hits[domain.KindCategories])
		if err != nil {
			return err
		}
		rank.Categories(categories)
		for _, c := range categories[:min(len(categories), s.auxLimit)] {
			listing.Categories = append(listing.Categories, domain.NewCategoryItem(&c.Category))
		}

		brands, err := h.Brands(ctx, hits[domain.KindBrands])
		if err != nil {
			return err
		}
		rank.Brands(brands)
		for _, b := range brands[:min(len(brands), s.auxLimit)] {
			listing.Brands = append(listing.Brands, domain.NewBrandItem(&b.Brand))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	span.SetAttributes(attribute.Int("search.total", listing.Products.Total))
	logger.WithContext(ctx, s.logger).DebugContext(ctx, "search executed",
		slog.String("query", q.Query),
		slog.Int("total", listing.Products.Total),
		slog.Int("categories", len(listing.Categories)),
		slog.Int("brands", len(listing.Brands)),
	)
	return listing, nil
}

func emptyListing(params pagination.Params) (*SearchListing, error) {
	page, err := pagination.Paginate([]domain.ProductItem{}, 0, params)
	if err != nil {
		return nil, err
	}
	return &SearchListing{
		Products:   page,
		Categories: []domain.CategoryItem{},
		Brands:     []domain.BrandItem{},
	}, nil
}

// Suggest returns up to limit distinct titles of priced products whose
// title starts with prefix.
func (s *SearchService) Suggest(ctx context.Context, prefix, cityDomain string, limit int) (*domain.SuggestResult, error) {
	out := &domain.SuggestResult{Suggestions: []string{}}
	if query.Normalize(prefix) == "" {
		return out, nil
	}

	hits, err := s.engine.Search(ctx, s.builder.Suggest(prefix, cityDomain, limit*suggestOverfetch))
	if err != nil {
		return nil, fmt.Errorf("suggest: %w", err)
	}

	err = s.catalog.Snapshot(ctx, func(r repository.CatalogReader) error {
		products, err := hydrate.New(r, cityDomain).Products(ctx, hits[domain.KindProducts])
		if err != nil {
			return err
		}
		rank.Products(ctx, products, "", false)

		seen := make(map[string]struct{}, limit)
		for _, p := range products {
			if len(out.Suggestions) == limit {
				break
			}
			key := query.Normalize(p.Product.Title)
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			out.Suggestions = append(out.Suggestions, p.Product.Title)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// RecordHistory stores the query for the authenticated user in ctx. It never
// fails the search: errors are logged.
func (s *SearchService) RecordHistory(ctx context.Context, q string) {
	userID := logger.UserIDFromContext(ctx)
	q = strings.TrimSpace(q)
	if userID == "" || q == "" {
		return
	}
	if err := s.history.Record(ctx, userID, q); err != nil {
		logger.FromContext(ctx).WarnContext(ctx, "failed to record search history",
			slog.String("error", err.Error()),
		)
	}
}

// History returns the latest searches of the authenticated user in ctx.
func (s *SearchService) History(ctx context.Context) ([]domain.SearchHistoryEntry, error) {
	userID := logger.UserIDFromContext(ctx)
	if userID == "" {
		return nil, apperrors.Unauthorized("Authentication credentials were not provided.")
	}
	entries, err := s.history.ListByUser(ctx, userID, HistoryLimit)
	if err != nil {
		return nil, fmt.Errorf("list search history: %w", err)
	}
	if entries == nil {
		entries = []domain.SearchHistoryEntry{}
	}
	return entries, nil
}
