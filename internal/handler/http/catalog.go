package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/megashop/citysearch/internal/domain"
	"github.com/megashop/citysearch/internal/gate"
	"github.com/megashop/citysearch/internal/service"
	apperrors "github.com/megashop/citysearch/pkg/errors"
	"github.com/megashop/citysearch/pkg/httputil"
	"github.com/megashop/citysearch/pkg/pagination"
)

var catalogKinds = []domain.Kind{domain.KindProducts, domain.KindCategories}

// CatalogHandler serves category listings and product pages.
type CatalogHandler struct {
	service     *service.CatalogService
	results     *responder
	paging      pagination.Config
	listingTTL  time.Duration
	retrieveTTL time.Duration
	logger      *slog.Logger
}

// NewCatalogHandler creates a new catalog HTTP handler.
func NewCatalogHandler(
	svc *service.CatalogService,
	results *responder,
	paging pagination.Config,
	listingTTL, retrieveTTL time.Duration,
	logger *slog.Logger,
) *CatalogHandler {
	return &CatalogHandler{
		service:     svc,
		results:     results,
		paging:      paging,
		listingTTL:  listingTTL,
		retrieveTTL: retrieveTTL,
		logger:      logger,
	}
}

// Catalog handles GET /api/catalog/{category_slug}/
func (h *CatalogHandler) Catalog(w http.ResponseWriter, r *http.Request) {
	values := r.URL.Query()

	params, err := readListingParams(values)
	if err != nil {
		httputil.WriteValidationError(w, err)
		return
	}
	page, err := h.paging.FromQuery(values)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}
	filters, err := params.filters()
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	q := &domain.CatalogQuery{
		CategorySlug: chi.URLParam(r, "category_slug"),
		CityDomain:   gate.City(r.Context()),
		OrderBy:      params.OrderBy,
		Page:         page.Page,
		PerPage:      page.PerPage,
		Filters:      filters,
	}

	h.results.serve(w, r, "catalog", catalogKinds, h.listingTTL, func(ctx context.Context) (any, error) {
		listing, err := h.service.Catalog(ctx, q)
		if err != nil {
			return nil, err
		}
		next, prev := pagination.Links(r.URL, listing.Products)
		return listing.Result(next, prev), nil
	})
}

// Product handles GET /api/products/{slug}/
func (h *CatalogHandler) Product(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")
	if slug == "" {
		httputil.WriteError(w, r, apperrors.InvalidInput("slug is required"), h.logger)
		return
	}
	city := gate.City(r.Context())

	h.results.serve(w, r, "product", []domain.Kind{domain.KindProducts}, h.retrieveTTL, func(ctx context.Context) (any, error) {
		return h.service.Product(ctx, slug, city)
	})
}
