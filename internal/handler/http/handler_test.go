package http

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/megashop/citysearch/internal/cache"
	"github.com/megashop/citysearch/internal/domain"
	"github.com/megashop/citysearch/internal/engine/memory"
	"github.com/megashop/citysearch/internal/gate"
	"github.com/megashop/citysearch/internal/indexer"
	"github.com/megashop/citysearch/internal/query"
	memrepo "github.com/megashop/citysearch/internal/repository/memory"
	"github.com/megashop/citysearch/internal/service"
	apperrors "github.com/megashop/citysearch/pkg/errors"
	"github.com/megashop/citysearch/pkg/health"
	"github.com/megashop/citysearch/pkg/pagination"
)

const testKey = "storefront-key"

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func int64Ptr(n int64) *int64 { return &n }

func decPtr(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

type testEnv struct {
	catalog *memrepo.Store
	indexer *indexer.Indexer
	router  http.Handler
}

// newTestEnv wires the full HTTP stack over in-memory backends. seed fills
// the catalog before the indexes are built.
func newTestEnv(t *testing.T, seed func(*memrepo.Store)) *testEnv {
	t.Helper()
	return newTestEnvCache(t, seed, true)
}

// newTestEnvCache is newTestEnv with the result cache optionally left out,
// so every request is computed.
func newTestEnvCache(t *testing.T, seed func(*memrepo.Store), cached bool) *testEnv {
	t.Helper()
	logger := newTestLogger()

	catalog := memrepo.New()
	catalog.PutAPIKey(domain.APIKey{ID: 1, Client: "storefront", KeyHash: gate.HashKey(testKey), Active: true, TrustedGateway: true})
	if seed != nil {
		seed(catalog)
	}

	store := cache.NewMemoryStore()
	eng := memory.New()

	var results *cache.ResultCache
	var invalidators []indexer.Invalidator
	if cached {
		results = cache.NewResultCache(store, logger)
		invalidators = append(invalidators, results)
	}
	ix := indexer.New(eng, catalog, store, indexer.DefaultConfig(), logger, invalidators...)
	ix.Start()
	t.Cleanup(ix.Close)
	_, err := ix.Rebuild(context.Background())
	require.NoError(t, err)

	g := gate.New(gate.Config{
		DefaultCity:   "msk",
		ExcludedPaths: []string{"/health", "/metrics", "/debug"},
		KeyCacheTTL:   time.Minute,
		Anonymous:     gate.Quota{RPS: 1000, Burst: 1000},
		Authenticated: gate.Quota{RPS: 1000, Burst: 1000},
	}, catalog, store, logger)
	t.Cleanup(g.Close)

	router := NewRouter(RouterConfig{
		ServiceName:    "citysearch",
		AllowedOrigins: []string{"*"},
		Paging:         pagination.Config{DefaultPerPage: 32, MaxPerPage: 100},
		ListingTTL:     15 * time.Minute,
		RetrieveTTL:    30 * time.Minute,
	}, Services{
		Search:  service.NewSearchService(eng, catalog, catalog, query.NewBuilder(1000), 10, logger),
		Catalog: service.NewCatalogService(catalog, logger),
		Index:   ix,
		Results: results,
		Gate:    g.Middleware,
		Health:  health.NewHandler(),
	}, logger)

	return &testEnv{catalog: catalog, indexer: ix, router: router}
}

func (e *testEnv) do(t *testing.T, method, target string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	req.Header.Set("X-Api-Key", testKey)
	for k, v := range headers {
		if v == "" {
			req.Header.Del(k)
			continue
		}
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) get(t *testing.T, target string) *httptest.ResponseRecorder {
	t.Helper()
	return e.do(t, http.MethodGet, target, nil)
}

func decodeSearch(t *testing.T, rec *httptest.ResponseRecorder) domain.SearchResult {
	t.Helper()
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var out domain.SearchResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func titles(items []domain.ProductItem) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.Title
	}
	return out
}

// seedAB creates the two-product catalog: A priced 100 (old 150) and B
// priced 200, both in the group of msk only.
func seedAB(s *memrepo.Store) {
	s.PutCityGroup(domain.CityGroup{ID: 1, Name: "Center"})
	s.PutCityGroup(domain.CityGroup{ID: 2, Name: "North"})
	s.PutCity(domain.City{ID: 1, Domain: "msk", Name: "Moscow", GroupID: int64Ptr(1)})
	s.PutCity(domain.City{ID: 2, Domain: "spb", Name: "Saint Petersburg", GroupID: int64Ptr(2)})
	s.PutCategory(domain.Category{ID: 1, Name: "Furniture", Slug: "furniture", Lft: 1, Rght: 2, TreeID: 1, Visible: true})
	s.PutProduct(domain.Product{ID: 1, Title: "A", Slug: "a", Article: "art-a", CategoryID: 1, Priority: 500, Active: true})
	s.PutProduct(domain.Product{ID: 2, Title: "B", Slug: "b", Article: "art-b", CategoryID: 1, Priority: 500, Active: true})
	s.PutPrice(domain.Price{ProductID: 1, GroupID: 1, Price: decimal.NewFromInt(100), OldPrice: decPtr("150")})
	s.PutPrice(domain.Price{ProductID: 2, GroupID: 1, Price: decimal.NewFromInt(200)})
}

func TestScenario_EmptyCatalog(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.get(t, "/api/search?q=chair&city_domain=msk")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"products":[],"categories":[],"brands":[],"total":0,"page":1,"pages":0}`, rec.Body.String())
}

func TestScenario_PromoFirst(t *testing.T) {
	env := newTestEnv(t, seedAB)

	rec := env.get(t, "/api/search?q=&city_domain=msk&order_by=-in_promo")
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
	got := decodeSearch(t, rec)
	assert.Equal(t, []string{"A", "B"}, titles(got.Products))
	assert.True(t, got.Products[0].InPromo)
	assert.Equal(t, "150.00", *got.Products[0].OldPrice)
	assert.False(t, got.Products[1].InPromo)
	assert.Nil(t, got.Products[1].OldPrice)
}

func TestScenario_OtherCity(t *testing.T) {
	env := newTestEnv(t, seedAB)

	got := decodeSearch(t, env.get(t, "/api/search?q=&city_domain=spb"))
	assert.Empty(t, got.Products)
	assert.Equal(t, 0, got.Total)

	got = decodeSearch(t, env.get(t, "/api/search?q=&city_domain=msk"))
	assert.Equal(t, 2, got.Total)
}

func TestScenario_PageOutOfRange(t *testing.T) {
	env := newTestEnv(t, func(s *memrepo.Store) {
		s.PutCityGroup(domain.CityGroup{ID: 1, Name: "Center"})
		s.PutCity(domain.City{ID: 1, Domain: "msk", Name: "Moscow", GroupID: int64Ptr(1)})
		s.PutCategory(domain.Category{ID: 1, Name: "Appliances", Slug: "appliances", Lft: 1, Rght: 2, TreeID: 1, Visible: true})
		for id := int64(1); id <= 50; id++ {
			s.PutProduct(domain.Product{ID: id, Title: fmt.Sprintf("Steam iron %d", id), Slug: fmt.Sprintf("iron-%d", id), CategoryID: 1, Priority: 500, Active: true})
			s.PutPrice(domain.Price{ProductID: id, GroupID: 1, Price: decimal.NewFromInt(10 * id)})
		}
	})

	got := decodeSearch(t, env.get(t, "/api/search?q=iron&city_domain=msk&per_page=32"))
	assert.Equal(t, 50, got.Total)
	assert.Equal(t, 2, got.Pages)
	assert.Equal(t, "/api/search?city_domain=msk&page=2&per_page=32&q=iron", got.Next)
	assert.Empty(t, got.Previous)

	rec := env.get(t, "/api/search?q=iron&city_domain=msk&page=99&per_page=32")
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), `"code":"PAGE_NOT_FOUND"`)

	// The 404 is cached and served identically.
	again := env.get(t, "/api/search?q=iron&city_domain=msk&page=99&per_page=32")
	assert.Equal(t, http.StatusNotFound, again.Code)
	assert.Equal(t, rec.Body.String(), again.Body.String())
}

func TestSearch_IdenticalRequestsGiveIdenticalBodies(t *testing.T) {
	env := newTestEnvCache(t, func(s *memrepo.Store) {
		s.PutCityGroup(domain.CityGroup{ID: 1, Name: "Center"})
		s.PutCity(domain.City{ID: 1, Domain: "msk", Name: "Moscow", GroupID: int64Ptr(1)})
		s.PutCategory(domain.Category{ID: 1, Name: "Irons", Slug: "irons", Lft: 1, Rght: 2, TreeID: 1, Visible: true})
		s.PutBrand(domain.Brand{ID: 1, Name: "Ironix", Slug: "ironix", Active: true})
		s.PutBrand(domain.Brand{ID: 2, Name: "Iron Works", Slug: "iron-works", Active: true})
		// Equal prices and priorities leave only the tie-breaks to order them.
		for id := int64(1); id <= 20; id++ {
			s.PutProduct(domain.Product{ID: id, Title: "Steam iron", Slug: fmt.Sprintf("iron-%d", id), CategoryID: 1, Priority: 500, Active: true})
			s.PutPrice(domain.Price{ProductID: id, GroupID: 1, Price: decimal.NewFromInt(100)})
		}
	}, false)

	for _, target := range []string{
		"/api/search?q=iron&city_domain=msk",
		"/api/search?q=iron&city_domain=msk&order_by=price&per_page=7&page=2",
		"/api/search?q=&city_domain=msk&order_by=-in_promo",
		"/api/catalog/irons/?city_domain=msk&order_by=-price",
	} {
		first := env.get(t, target)
		require.Equal(t, http.StatusOK, first.Code, target)
		for range 3 {
			again := env.get(t, target)
			assert.Equal(t, first.Body.String(), again.Body.String(), target)
		}
	}
}

func TestScenario_MissingAPIKey(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodGet, "/api/search?q=chair", map[string]string{"X-Api-Key": ""})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"detail":"Api key not provided."}`, rec.Body.String())
}

func TestScenario_PriceChangeInvalidatesCache(t *testing.T) {
	env := newTestEnv(t, seedAB)

	got := decodeSearch(t, env.get(t, "/api/search?q=A&city_domain=msk"))
	require.Equal(t, []string{"A"}, titles(got.Products))
	assert.Equal(t, "100.00", *got.Products[0].CityPrice)

	env.catalog.PutPrice(domain.Price{ProductID: 1, GroupID: 1, Price: decimal.NewFromInt(90), OldPrice: decPtr("150")})

	// Without an index write the cached page is still served.
	got = decodeSearch(t, env.get(t, "/api/search?q=A&city_domain=msk"))
	assert.Equal(t, "100.00", *got.Products[0].CityPrice)

	require.NoError(t, env.indexer.Apply(context.Background(), indexer.Mutation{
		Entity: indexer.EntityPrice, ID: 1, ProductID: 1,
	}))

	got = decodeSearch(t, env.get(t, "/api/search?q=A&city_domain=msk"))
	assert.Equal(t, "90.00", *got.Products[0].CityPrice)
}

func TestIndexUpsert_InvalidatesCache(t *testing.T) {
	env := newTestEnv(t, seedAB)

	rec := env.get(t, "/api/products/a/")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"city_price":"100.00"`)

	env.catalog.PutPrice(domain.Price{ProductID: 1, GroupID: 1, Price: decimal.NewFromInt(95)})

	rec = env.do(t, http.MethodPut, "/api/index/products/1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"kind":"products","id":1,"status":"indexed"}`, rec.Body.String())

	rec = env.get(t, "/api/products/a/")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"city_price":"95.00"`)
	assert.Contains(t, rec.Body.String(), `"old_price":null`)
}

func TestSearch_BadParameters(t *testing.T) {
	env := newTestEnv(t, seedAB)

	for _, target := range []string{
		"/api/search?q=a&per_page=101",
		"/api/search?q=a&page=zero",
		"/api/search?q=a&price_gte=cheap",
		"/api/search?q=a&price_gte=10&price_lte=5",
		"/api/search?q=a&in_promo=maybe",
		"/api/search?q=a&characteristics=color",
	} {
		rec := env.get(t, target)
		assert.Equal(t, http.StatusBadRequest, rec.Code, target)
	}
}

func TestSearch_UnknownExcludedIndexesIgnored(t *testing.T) {
	env := newTestEnv(t, seedAB)

	want := decodeSearch(t, env.get(t, "/api/search?q=a&exclude=products"))
	assert.Empty(t, want.Products)

	got := decodeSearch(t, env.get(t, "/api/search?q=a&exclude=users,products"))
	assert.Equal(t, want, got)

	got = decodeSearch(t, env.get(t, "/api/search?q=a&exclude=users"))
	assert.Equal(t, decodeSearch(t, env.get(t, "/api/search?q=a")), got)
}

func TestSearch_Filters(t *testing.T) {
	env := newTestEnv(t, seedAB)

	got := decodeSearch(t, env.get(t, "/api/search?in_promo=true"))
	assert.Equal(t, []string{"A"}, titles(got.Products))

	got = decodeSearch(t, env.get(t, "/api/search?price_gte=150&order_by=-price"))
	assert.Equal(t, []string{"B"}, titles(got.Products))
}

func TestSearch_HistoryForAuthenticatedUser(t *testing.T) {
	env := newTestEnv(t, seedAB)
	user := map[string]string{"X-User-ID": "u-42"}

	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/search?q=A", user).Code)
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/search?q=A", user).Code)
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/search?q=B", user).Code)
	require.Equal(t, http.StatusOK, env.get(t, "/api/search?q=anonymous").Code)

	rec := env.do(t, http.MethodGet, "/api/search/history", user)
	require.Equal(t, http.StatusOK, rec.Code)
	var out struct {
		Results []domain.SearchHistoryEntry `json:"results"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out.Results, 2)
	assert.Equal(t, "B", out.Results[0].Query)
	assert.Equal(t, "A", out.Results[1].Query)

	rec = env.get(t, "/api/search/history")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSuggest(t *testing.T) {
	env := newTestEnv(t, func(s *memrepo.Store) {
		seedAB(s)
		s.PutProduct(domain.Product{ID: 3, Title: "Armchair", Slug: "armchair", CategoryID: 1, Priority: 500, Active: true})
		s.PutPrice(domain.Price{ProductID: 3, GroupID: 1, Price: decimal.NewFromInt(300)})
	})

	rec := env.get(t, "/api/search/suggest?q=arm")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"suggestions":["Armchair"]}`, rec.Body.String())

	rec = env.get(t, "/api/search/suggest?q=arm&limit=21")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCatalog(t *testing.T) {
	env := newTestEnv(t, seedAB)

	rec := env.get(t, "/api/catalog/furniture/?order_by=price&per_page=1")
	require.Equal(t, http.StatusOK, rec.Code)

	var out domain.CatalogResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, []string{"A"}, titles(out.Results))
	assert.Equal(t, 2, out.Total)
	assert.Equal(t, 2, out.Pages)
	require.NotNil(t, out.Next)
	assert.Equal(t, "/api/catalog/furniture/?order_by=price&page=2&per_page=1", *out.Next)
	assert.Nil(t, out.Previous)
	assert.Equal(t, domain.CategoryRef{ID: 1, Name: "Furniture", Slug: "furniture"}, out.Category)

	rec = env.get(t, "/api/catalog/missing/")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestProduct(t *testing.T) {
	env := newTestEnv(t, seedAB)

	rec := env.get(t, "/api/products/a/?city_domain=spb")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"city_price":null`)
	assert.Contains(t, rec.Body.String(), `"in_promo":false`)

	rec = env.get(t, "/api/products/missing/")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthAndPreflightBypassGate(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodGet, "/health/live", map[string]string{"X-Api-Key": ""})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodOptions, "/api/search", map[string]string{
		"X-Api-Key":                     "",
		"Origin":                        "https://shop.example.com",
		"Access-Control-Request-Method": http.MethodGet,
	})
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "X-Api-Key")
}

// fakeIndex records index administration calls.
type fakeIndex struct {
	rebuilds [][]domain.Kind
	err      error
}

func (f *fakeIndex) StartRebuild(_ context.Context, kinds ...domain.Kind) error {
	f.rebuilds = append(f.rebuilds, kinds)
	return f.err
}

func (f *fakeIndex) Upsert(context.Context, domain.Kind, int64) error { return f.err }

func (f *fakeIndex) Delete(context.Context, domain.Kind, int64) error { return f.err }

func newIndexRouter(idx IndexAdmin) http.Handler {
	return NewRouter(RouterConfig{ServiceName: "citysearch"}, Services{
		Index:  idx,
		Health: health.NewHandler(),
	}, newTestLogger())
}

func serve(h http.Handler, method, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func TestIndexRebuild(t *testing.T) {
	idx := &fakeIndex{}
	router := newIndexRouter(idx)

	rec := serve(router, http.MethodPost, "/api/index/rebuild")
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.JSONEq(t, `{"status":"rebuilding","kinds":["products","categories","brands"]}`, rec.Body.String())

	rec = serve(router, http.MethodPost, "/api/index/Brands/rebuild")
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, [][]domain.Kind{domain.AllKinds(), {domain.KindBrands}}, idx.rebuilds)

	rec = serve(router, http.MethodPost, "/api/index/users/rebuild")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIndexRebuild_Conflict(t *testing.T) {
	router := newIndexRouter(&fakeIndex{err: apperrors.Conflict("Index rebuild already in progress.", 90*time.Second)})

	rec := serve(router, http.MethodPost, "/api/index/rebuild")
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "90", rec.Header().Get("Retry-After"))

	var body map[string]any
	require.NoError(t, json.NewDecoder(strings.NewReader(rec.Body.String())).Decode(&body))
	assert.Equal(t, "Index rebuild already in progress.", body["detail"])
	assert.Equal(t, float64(90), body["retry_after"])
}

func TestIndexDocument_BadID(t *testing.T) {
	router := newIndexRouter(&fakeIndex{})

	rec := serve(router, http.MethodDelete, "/api/index/products/abc")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(router, http.MethodDelete, "/api/index/products/7")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"kind":"products","id":7,"status":"deleted"}`, rec.Body.String())
}
