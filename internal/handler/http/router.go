package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/megashop/citysearch/internal/cache"
	"github.com/megashop/citysearch/internal/service"
	"github.com/megashop/citysearch/pkg/health"
	"github.com/megashop/citysearch/pkg/middleware"
	"github.com/megashop/citysearch/pkg/pagination"
)

// RouterConfig holds the HTTP surface settings.
type RouterConfig struct {
	ServiceName    string
	AllowedOrigins []string
	PprofCIDRs     []string
	Paging         pagination.Config
	ListingTTL     time.Duration
	RetrieveTTL    time.Duration
	RequestTimeout time.Duration
}

// Services bundles what the handlers serve.
type Services struct {
	Search  *service.SearchService
	Catalog *service.CatalogService
	Index   IndexAdmin
	Results *cache.ResultCache
	Gate    func(http.Handler) http.Handler
	Health  *health.Handler
}

// NewRouter creates a chi router with all city search routes registered.
func NewRouter(cfg RouterConfig, svc Services, logger *slog.Logger) http.Handler {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}

	cors := middleware.DefaultCORSConfig()
	cors.AllowedOrigins = cfg.AllowedOrigins
	cors.AllowedMethods = []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions}

	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.Recovery(logger))
	r.Use(middleware.RequestLogging(logger))
	r.Use(middleware.Tracing(cfg.ServiceName))
	r.Use(middleware.RequestLogger(logger))
	r.Use(middleware.CORS(cors))
	r.Use(middleware.PrometheusMetrics(cfg.ServiceName))
	if svc.Gate != nil {
		r.Use(svc.Gate)
	}
	r.Use(chimw.Compress(5))
	r.Use(chimw.Timeout(cfg.RequestTimeout))

	// Health check endpoints
	r.Get("/health/live", svc.Health.LivenessHandler())
	r.Get("/health/ready", svc.Health.ReadinessHandler())
	r.Handle("/metrics", promhttp.Handler())
	if len(cfg.PprofCIDRs) > 0 {
		middleware.RegisterPprof(r, cfg.PprofCIDRs, logger)
	}

	results := &responder{cache: svc.Results, logger: logger}
	searchHandler := NewSearchHandler(svc.Search, results, cfg.Paging, cfg.ListingTTL, logger)
	catalogHandler := NewCatalogHandler(svc.Catalog, results, cfg.Paging, cfg.ListingTTL, cfg.RetrieveTTL, logger)
	indexHandler := NewIndexHandler(svc.Index, logger)

	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			// Responses change on every catalog write; clients revalidate.
			r.Use(middleware.CacheControl(0, "Host", "X-Api-Key"))
			r.Get("/search", searchHandler.Search)
			r.Get("/search/suggest", searchHandler.Suggest)
			r.Get("/catalog/{category_slug}", catalogHandler.Catalog)
			r.Get("/catalog/{category_slug}/", catalogHandler.Catalog)
			r.Get("/products/{slug}", catalogHandler.Product)
			r.Get("/products/{slug}/", catalogHandler.Product)
		})
		r.Get("/search/history", searchHandler.History)

		r.Route("/index", func(r chi.Router) {
			r.Post("/rebuild", indexHandler.RebuildAll)
			r.Post("/{kind}/rebuild", indexHandler.RebuildKind)
			r.Put("/{kind}/{id}", indexHandler.Upsert)
			r.Delete("/{kind}/{id}", indexHandler.Delete)
		})
	})

	return r
}
