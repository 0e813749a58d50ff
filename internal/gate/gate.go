// Package gate admits storefront requests: it validates the API key,
// enforces the key's host and IP allow-lists, throttles callers and
// resolves the request city.
package gate

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/megashop/citysearch/internal/cache"
	"github.com/megashop/citysearch/internal/repository"
	"github.com/megashop/citysearch/pkg/httputil"
	"github.com/megashop/citysearch/pkg/logger"
	"github.com/megashop/citysearch/pkg/middleware"
)

// APIKeyHeader carries the storefront API key.
const APIKeyHeader = "X-Api-Key"

const (
	msgKeyMissing = "Api key not provided."
	msgKeyInvalid = "Api key is not valid."
	msgThrottled  = "Request was throttled."
)

var gateRejections = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "citysearch_gate_rejections_total",
		Help: "Requests rejected by the request gate",
	},
	[]string{"reason"},
)

// Config holds the gate policy.
type Config struct {
	DefaultCity   string
	BaseDomain    string
	ExcludedPaths []string
	KeyCacheTTL   time.Duration
	Anonymous     Quota
	Authenticated Quota
}

// Gate is the admission middleware.
type Gate struct {
	cfg      Config
	keys     *keyVerifier
	throttle *throttle
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a gate and starts its throttle cleanup loop. Call Close to
// stop it.
func New(cfg Config, keys repository.APIKeyRepository, store cache.Store, logger *slog.Logger) *Gate {
	g := &Gate{
		cfg: cfg,
		keys: &keyVerifier{
			keys:   keys,
			store:  store,
			ttl:    cfg.KeyCacheTTL,
			logger: logger,
		},
		throttle: newThrottle(3 * time.Minute),
		logger:   logger,
		now:      time.Now,
	}
	go g.throttle.cleanupLoop()
	return g
}

// Close stops background work.
func (g *Gate) Close() {
	g.throttle.close()
}

// Middleware admits or rejects each request. Admitted requests carry the
// API client and city in their context; see City.
func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || g.excluded(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		ctx := r.Context()

		raw := strings.TrimSpace(r.Header.Get(APIKeyHeader))
		if raw == "" {
			g.reject(w, "missing_key", http.StatusUnauthorized, msgKeyMissing)
			return
		}

		key, err := g.keys.lookup(ctx, raw)
		if err != nil {
			httputil.WriteError(w, r, err, g.logger)
			return
		}
		if key == nil || !key.Usable(g.now()) {
			g.reject(w, "invalid_key", http.StatusUnauthorized, msgKeyInvalid)
			return
		}

		ip := middleware.RemoteIP(r)
		if !allowed(key.AllowedIPs, ip) {
			g.reject(w, "ip", http.StatusForbidden, fmt.Sprintf("Requests from ip '%s' are not allowed.", ip))
			return
		}
		host := hostOnly(r.Host)
		if !allowed(key.AllowedHosts, host) {
			g.reject(w, "host", http.StatusForbidden, fmt.Sprintf("Requests from host '%s' are not allowed.", host))
			return
		}

		// A forwarded end user is only believed from a gateway key; anyone
		// else could mint a fresh bucket per request by rotating it.
		throttleKey, quota := "ip:"+key.Client+"|"+ip, g.cfg.Anonymous
		if user := logger.UserIDFromContext(ctx); user != "" {
			if key.TrustedGateway {
				throttleKey, quota = "user:"+key.Client+"|"+user, g.cfg.Authenticated
			} else {
				ctx = logger.WithUserID(ctx, "")
			}
		}
		if ok, wait := g.throttle.take(throttleKey, quota); !ok {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			g.reject(w, "throttled", http.StatusTooManyRequests, msgThrottled)
			return
		}

		city := ResolveCity(r, g.cfg.BaseDomain, g.cfg.DefaultCity)
		ctx = logger.WithClient(ctx, key.Client)
		ctx = logger.WithCity(ctx, city)
		ctx = logger.NewContext(ctx, logger.FromContext(ctx).With(
			slog.String("api_client", key.Client),
			slog.String("city_domain", city),
		))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// City returns the city resolved for an admitted request.
func City(ctx context.Context) string {
	return logger.CityFromContext(ctx)
}

func (g *Gate) excluded(path string) bool {
	for _, p := range g.cfg.ExcludedPaths {
		p = strings.TrimSuffix(p, "/")
		if p != "" && (path == p || strings.HasPrefix(path, p+"/")) {
			return true
		}
	}
	return false
}

func (g *Gate) reject(w http.ResponseWriter, reason string, status int, detail string) {
	gateRejections.WithLabelValues(reason).Inc()
	httputil.WriteDetail(w, status, detail)
}
