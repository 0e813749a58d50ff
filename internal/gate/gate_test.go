package gate

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/megashop/citysearch/internal/cache"
	"github.com/megashop/citysearch/internal/domain"
	"github.com/megashop/citysearch/internal/repository/memory"
	"github.com/megashop/citysearch/pkg/logger"
)

const testKey = "secret-key"

// countingKeys counts repository lookups.
type countingKeys struct {
	*memory.Store
	calls atomic.Int32
}

func (c *countingKeys) GetByHash(ctx context.Context, hash string) (*domain.APIKey, error) {
	c.calls.Add(1)
	return c.Store.GetByHash(ctx, hash)
}

func testConfig() Config {
	return Config{
		DefaultCity:   "msk",
		BaseDomain:    "example.com",
		ExcludedPaths: []string{"/health", "/metrics"},
		KeyCacheTTL:   15 * time.Minute,
		Anonymous:     Quota{RPS: 1, Burst: 2},
		Authenticated: Quota{RPS: 1, Burst: 4},
	}
}

func newGate(t *testing.T, keys ...domain.APIKey) (*Gate, *countingKeys) {
	t.Helper()
	store := memory.New()
	for _, k := range keys {
		store.PutAPIKey(k)
	}
	repo := &countingKeys{Store: store}
	g := New(testConfig(), repo, cache.NewMemoryStore(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(g.Close)
	return g, repo
}

func activeKey(raw string) domain.APIKey {
	return domain.APIKey{ID: 1, Client: "storefront", KeyHash: HashKey(raw), Active: true}
}

// echoCity responds 200 with the resolved city as body.
var echoCity = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	_, _ = io.WriteString(w, City(r.Context()))
})

func serve(g *Gate, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	g.Middleware(echoCity).ServeHTTP(rec, req)
	return rec
}

func newRequest(target, key string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	req.RemoteAddr = "10.0.0.7:51234"
	if key != "" {
		req.Header.Set(APIKeyHeader, key)
	}
	return req
}

// ---------------------------------------------------------------------------
// API key
// ---------------------------------------------------------------------------

func TestGate_MissingKey(t *testing.T) {
	g, _ := newGate(t)
	rec := serve(g, newRequest("/api/search", ""))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"detail":"Api key not provided."}`, rec.Body.String())
}

func TestGate_InvalidKeys(t *testing.T) {
	past := time.Now().Add(-time.Hour)
	inactive := activeKey("inactive")
	inactive.Active = false
	expired := activeKey("expired")
	expired.ExpiresAt = &past

	g, _ := newGate(t, inactive, expired)
	for _, key := range []string{"unknown", "inactive", "expired"} {
		t.Run(key, func(t *testing.T) {
			rec := serve(g, newRequest("/api/search", key))
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.JSONEq(t, `{"detail":"Api key is not valid."}`, rec.Body.String())
		})
	}
}

func TestGate_ValidKeyPassesWithDefaultCity(t *testing.T) {
	g, _ := newGate(t, activeKey(testKey))
	rec := serve(g, newRequest("/api/search", testKey))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "msk", rec.Body.String())
}

func TestGate_VerdictsAreCached(t *testing.T) {
	g, repo := newGate(t, activeKey(testKey))

	for range 3 {
		serve(g, newRequest("/api/search", testKey))
		serve(g, newRequest("/api/search", "unknown"))
	}
	assert.Equal(t, int32(2), repo.calls.Load(), "one lookup per key, including the unknown one")
}

func TestGate_ExcludedPathsBypass(t *testing.T) {
	g, _ := newGate(t)
	for _, path := range []string{"/health", "/health/ready", "/metrics"} {
		rec := serve(g, newRequest(path, ""))
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
	rec := serve(g, newRequest("/healthz", ""))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

// ---------------------------------------------------------------------------
// Allow-lists
// ---------------------------------------------------------------------------

func TestGate_AllowedIPs(t *testing.T) {
	k := activeKey(testKey)
	k.AllowedIPs = `192\.168\.,10\.0\.0\.7`
	g, _ := newGate(t, k)

	rec := serve(g, newRequest("/api/search", testKey))
	assert.Equal(t, http.StatusOK, rec.Code)

	req := newRequest("/api/search", testKey)
	req.RemoteAddr = "172.16.0.1:1000"
	rec = serve(g, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.JSONEq(t, `{"detail":"Requests from ip '172.16.0.1' are not allowed."}`, rec.Body.String())
}

func TestGate_AllowedHosts(t *testing.T) {
	k := activeKey(testKey)
	k.AllowedHosts = `[a-z]+\.example\.com`
	g, _ := newGate(t, k)

	req := newRequest("/api/search", testKey)
	req.Host = "spb.example.com:8443"
	rec := serve(g, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "spb", rec.Body.String())

	req = newRequest("/api/search", testKey)
	req.Host = "evil.org"
	rec = serve(g, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.JSONEq(t, `{"detail":"Requests from host 'evil.org' are not allowed."}`, rec.Body.String())
}

func TestAllowed(t *testing.T) {
	tests := []struct {
		list, value string
		want        bool
	}{
		{"", "anything", true},
		{"*", "anything", true},
		{"shop\\.ru, *", "x", true},
		{"shop\\.ru", "shop.ru", true},
		{"shop\\.ru", "www.shop.ru", false},
		{"10\\.", "10.1.2.3", true},
		{"10\\.", "110.1.2.3", false},
		{"([", "([", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, allowed(tt.list, tt.value), "%q ~ %q", tt.list, tt.value)
	}
}

// ---------------------------------------------------------------------------
// Throttling
// ---------------------------------------------------------------------------

func TestGate_ThrottlesAnonymousByIP(t *testing.T) {
	g, _ := newGate(t, activeKey(testKey))
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	g.throttle.nowFunc = func() time.Time { return now }

	for range 2 {
		rec := serve(g, newRequest("/api/search", testKey))
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec := serve(g, newRequest("/api/search", testKey))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.JSONEq(t, `{"detail":"Request was throttled."}`, rec.Body.String())

	// Another address has its own bucket.
	req := newRequest("/api/search", testKey)
	req.RemoteAddr = "10.0.0.8:1"
	assert.Equal(t, http.StatusOK, serve(g, req).Code)

	now = now.Add(time.Second)
	assert.Equal(t, http.StatusOK, serve(g, newRequest("/api/search", testKey)).Code)
}

func TestGate_GatewayUsersGetTheirOwnQuota(t *testing.T) {
	gateway := activeKey(testKey)
	gateway.TrustedGateway = true
	g, _ := newGate(t, gateway)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	g.throttle.nowFunc = func() time.Time { return now }

	withUser := func(id string) *http.Request {
		req := newRequest("/api/search", testKey)
		return req.WithContext(logger.WithUserID(req.Context(), id))
	}
	for range 4 {
		require.Equal(t, http.StatusOK, serve(g, withUser("u-1")).Code)
	}
	assert.Equal(t, http.StatusTooManyRequests, serve(g, withUser("u-1")).Code)
	assert.Equal(t, http.StatusOK, serve(g, withUser("u-2")).Code)
}

func TestGate_UntrustedKeyCannotRotateUsers(t *testing.T) {
	g, _ := newGate(t, activeKey(testKey))
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	g.throttle.nowFunc = func() time.Time { return now }

	var seenUser string
	h := g.Middleware(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seenUser = logger.UserIDFromContext(r.Context())
	}))

	throttled := 0
	for i := range 50 {
		req := newRequest("/api/search", testKey)
		req = req.WithContext(logger.WithUserID(req.Context(), fmt.Sprintf("u-%d", i)))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code == http.StatusTooManyRequests {
			throttled++
		}
	}
	assert.Equal(t, 48, throttled)
	assert.Empty(t, seenUser, "forwarded users are dropped for non-gateway keys")
}

func TestGate_ClientsThrottledSeparately(t *testing.T) {
	other := domain.APIKey{ID: 2, Client: "mobile", KeyHash: HashKey("mobile-key"), Active: true}
	g, _ := newGate(t, activeKey(testKey), other)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	g.throttle.nowFunc = func() time.Time { return now }

	for range 2 {
		require.Equal(t, http.StatusOK, serve(g, newRequest("/api/search", testKey)).Code)
	}
	assert.Equal(t, http.StatusTooManyRequests, serve(g, newRequest("/api/search", testKey)).Code)
	assert.Equal(t, http.StatusOK, serve(g, newRequest("/api/search", "mobile-key")).Code)
}

func TestThrottle_CleanupEvictsIdleVisitors(t *testing.T) {
	th := newThrottle(time.Minute)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	th.nowFunc = func() time.Time { return now }

	th.take("ip:a", Quota{RPS: 1, Burst: 1})
	now = now.Add(30 * time.Second)
	th.take("ip:b", Quota{RPS: 1, Burst: 1})
	now = now.Add(45 * time.Second)

	th.cleanup()
	assert.Equal(t, 1, th.len())
}

// ---------------------------------------------------------------------------
// City resolution
// ---------------------------------------------------------------------------

func TestResolveCity(t *testing.T) {
	tests := []struct {
		name, target, host, base, want string
	}{
		{"param wins", "/api/search?city_domain=SPB", "msk.example.com", "example.com", "spb"},
		{"subdomain", "/", "msk.example.com", "example.com", "msk"},
		{"subdomain with port", "/", "ekb.example.com:8080", "example.com", "ekb"},
		{"bare base", "/", "example.com", "example.com", "def"},
		{"www", "/", "www.example.com", "example.com", "def"},
		{"deeper host", "/", "a.b.example.com", "example.com", "def"},
		{"foreign host", "/", "msk.other.com", "example.com", "def"},
		{"no base three labels", "/", "kzn.shop.ru", "", "kzn"},
		{"no base two labels", "/", "shop.ru", "", "def"},
		{"ip", "/", "127.0.0.1:8010", "", "def"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.target, nil)
			req.Host = tt.host
			assert.Equal(t, tt.want, ResolveCity(req, tt.base, "def"))
		})
	}
}
