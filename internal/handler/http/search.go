package http

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/megashop/citysearch/internal/domain"
	"github.com/megashop/citysearch/internal/gate"
	"github.com/megashop/citysearch/internal/service"
	apperrors "github.com/megashop/citysearch/pkg/errors"
	"github.com/megashop/citysearch/pkg/httputil"
	"github.com/megashop/citysearch/pkg/pagination"
)

// SearchHandler handles HTTP requests for search endpoints.
type SearchHandler struct {
	service    *service.SearchService
	results    *responder
	paging     pagination.Config
	listingTTL time.Duration
	logger     *slog.Logger
}

// NewSearchHandler creates a new search HTTP handler.
func NewSearchHandler(
	svc *service.SearchService,
	results *responder,
	paging pagination.Config,
	listingTTL time.Duration,
	logger *slog.Logger,
) *SearchHandler {
	return &SearchHandler{
		service:    svc,
		results:    results,
		paging:     paging,
		listingTTL: listingTTL,
		logger:     logger,
	}
}

// Search handles GET /api/search
func (h *SearchHandler) Search(w http.ResponseWriter, r *http.Request) {
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
	exclude, unknown := params.exclude()
	if len(unknown) > 0 {
		h.logger.WarnContext(r.Context(), "ignoring unknown excluded indexes", slog.Any("names", unknown))
	}
	filters, err := params.filters()
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	q := &domain.SearchQuery{
		Query:      params.Query,
		CityDomain: gate.City(r.Context()),
		Exclude:    exclude,
		OrderBy:    params.OrderBy,
		Page:       page.Page,
		PerPage:    page.PerPage,
		Filters:    filters,
	}

	h.service.RecordHistory(r.Context(), q.Query)

	h.results.serve(w, r, "search", q.Kinds(), h.listingTTL, func(ctx context.Context) (any, error) {
		listing, err := h.service.Search(ctx, q)
		if err != nil {
			return nil, err
		}
		next, prev := pagination.Links(r.URL, listing.Products)
		return listing.Result(next, prev), nil
	})
}

// Suggest handles GET /api/search/suggest
func (h *SearchHandler) Suggest(w http.ResponseWriter, r *http.Request) {
	limit := service.DefaultSuggestLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 || v > service.MaxSuggestLimit {
			httputil.WriteError(w, r, apperrors.InvalidInput(
				"limit must be an integer between 1 and "+strconv.Itoa(service.MaxSuggestLimit)), h.logger)
			return
		}
		limit = v
	}
	prefix := r.URL.Query().Get("q")
	city := gate.City(r.Context())

	h.results.serve(w, r, "suggest", []domain.Kind{domain.KindProducts}, h.listingTTL, func(ctx context.Context) (any, error) {
		return h.service.Suggest(ctx, prefix, city, limit)
	})
}

// History handles GET /api/search/history
func (h *SearchHandler) History(w http.ResponseWriter, r *http.Request) {
	entries, err := h.service.History(r.Context())
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"results": entries})
}
