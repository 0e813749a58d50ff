package service

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/megashop/citysearch/internal/cache"
	"github.com/megashop/citysearch/internal/domain"
	"github.com/megashop/citysearch/internal/engine"
	"github.com/megashop/citysearch/internal/engine/memory"
	"github.com/megashop/citysearch/internal/indexer"
	"github.com/megashop/citysearch/internal/query"
	memrepo "github.com/megashop/citysearch/internal/repository/memory"
	apperrors "github.com/megashop/citysearch/pkg/errors"
	"github.com/megashop/citysearch/pkg/logger"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func int64Ptr(n int64) *int64 { return &n }

func decPtr(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

// seedCatalog builds a small furniture catalog:
//
//	chairs (1)
//	└── office-chairs (2)
//
// Product 1 is on promo in msk, product 2 is priced in msk only, product 3
// is priced in spb only, product 4 is inactive and product 5 is excluded in
// msk.
func seedCatalog() *memrepo.Store {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	s := memrepo.New()
	s.PutCityGroup(domain.CityGroup{ID: 1, Name: "Center"})
	s.PutCityGroup(domain.CityGroup{ID: 2, Name: "North"})
	s.PutCity(domain.City{ID: 1, Domain: "msk", Name: "Moscow", GroupID: int64Ptr(1)})
	s.PutCity(domain.City{ID: 2, Domain: "spb", Name: "Saint Petersburg", GroupID: int64Ptr(2)})

	s.PutCategory(domain.Category{ID: 1, Name: "Chairs", Slug: "chairs", Lft: 1, Rght: 4, TreeID: 1, Visible: true})
	s.PutCategory(domain.Category{ID: 2, Name: "Office chairs", Slug: "office-chairs", ParentID: int64Ptr(1), Lft: 2, Rght: 3, Level: 1, TreeID: 1, Visible: true, Order: 1})
	s.PutCategory(domain.Category{ID: 3, Name: "Archive", Slug: "archive", Lft: 1, Rght: 2, TreeID: 2})
	s.PutBrand(domain.Brand{ID: 1, Name: "Woodly", Slug: "woodly", Active: true})

	for _, p := range []domain.Product{
		{ID: 1, Title: "Office chair", Slug: "office-chair", Article: "oc-1", CategoryID: 2, BrandID: int64Ptr(1), Priority: 500, Active: true, CreatedAt: t0},
		{ID: 2, Title: "Kitchen chair", Slug: "kitchen-chair", Article: "kc-2", CategoryID: 1, Priority: 700, Active: true, CreatedAt: t0.Add(time.Hour)},
		{ID: 3, Title: "Garden chair", Slug: "garden-chair", Article: "gc-3", CategoryID: 1, Priority: 500, Active: true, CreatedAt: t0},
		{ID: 4, Title: "Old chair", Slug: "old-chair", Article: "old-4", CategoryID: 1, Priority: 500, CreatedAt: t0},
		{ID: 5, Title: "Office chair XL", Slug: "office-chair-xl", Article: "oc-5", CategoryID: 2, Priority: 500, Active: true, UnavailableIn: []string{"msk"}, CreatedAt: t0},
	} {
		s.PutProduct(p)
	}
	s.PutPrice(domain.Price{ProductID: 1, GroupID: 1, Price: decimal.NewFromInt(100), OldPrice: decPtr("150")})
	s.PutPrice(domain.Price{ProductID: 2, GroupID: 1, Price: decimal.NewFromInt(200)})
	s.PutPrice(domain.Price{ProductID: 3, GroupID: 2, Price: decimal.NewFromInt(300)})
	s.PutPrice(domain.Price{ProductID: 4, GroupID: 1, Price: decimal.NewFromInt(50)})
	s.PutPrice(domain.Price{ProductID: 5, GroupID: 1, Price: decimal.NewFromInt(120)})
	return s
}

type fixture struct {
	catalog *memrepo.Store
	engine  engine.SearchEngine
	search  *SearchService
	browse  *CatalogService
}

func newFixture(t *testing.T, auxLimit int) *fixture {
	t.Helper()
	catalog := seedCatalog()
	eng := memory.New()

	ix := indexer.New(eng, catalog, cache.NewMemoryStore(), indexer.DefaultConfig(), newTestLogger())
	t.Cleanup(ix.Close)
	_, err := ix.Rebuild(context.Background())
	require.NoError(t, err)

	return &fixture{
		catalog: catalog,
		engine:  eng,
		search:  NewSearchService(eng, catalog, catalog, query.NewBuilder(1000), auxLimit, newTestLogger()),
		browse:  NewCatalogService(catalog, newTestLogger()),
	}
}

func productIDs(items []domain.ProductItem) []int64 {
	ids := make([]int64, len(items))
	for i, it := range items {
		ids[i] = it.ID
	}
	return ids
}

func searchQuery(q, city string) *domain.SearchQuery {
	return &domain.SearchQuery{Query: q, CityDomain: city, Page: 1, PerPage: 32}
}

func TestSearch_PricedOnly(t *testing.T) {
	f := newFixture(t, 10)

	listing, err := f.search.Search(context.Background(), searchQuery("chair", "msk"))
	require.NoError(t, err)

	assert.ElementsMatch(t, []int64{1, 2}, productIDs(listing.Products.Items))
	assert.Equal(t, 2, listing.Products.Total)
	assert.Equal(t, 1, listing.Products.Pages)
	for _, item := range listing.Products.Items {
		require.NotNil(t, item.CityPrice, "product %d", item.ID)
	}

	require.Len(t, listing.Categories, 2)
	assert.Empty(t, listing.Brands)
	assert.NotNil(t, listing.Brands)
}

func TestSearch_CityScoped(t *testing.T) {
	f := newFixture(t, 10)

	listing, err := f.search.Search(context.Background(), searchQuery("", "spb"))
	require.NoError(t, err)
	assert.Equal(t, []int64{3}, productIDs(listing.Products.Items))
	assert.Equal(t, "300.00", *listing.Products.Items[0].CityPrice)

	listing, err = f.search.Search(context.Background(), searchQuery("", "nowhere"))
	require.NoError(t, err)
	assert.Empty(t, listing.Products.Items)
	assert.Equal(t, 0, listing.Products.Total)
}

func TestSearch_Ordering(t *testing.T) {
	f := newFixture(t, 10)

	tests := []struct {
		orderBy string
		want    []int64
	}{
		{"", []int64{2, 1}},
		{domain.OrderInPromoDesc, []int64{1, 2}},
		{domain.OrderPrice, []int64{1, 2}},
		{domain.OrderPriceDesc, []int64{2, 1}},
		{"bogus", []int64{2, 1}},
	}
	for _, tt := range tests {
		t.Run(tt.orderBy, func(t *testing.T) {
			q := searchQuery("", "msk")
			q.OrderBy = tt.orderBy
			listing, err := f.search.Search(context.Background(), q)
			require.NoError(t, err)
			assert.Equal(t, tt.want, productIDs(listing.Products.Items))
		})
	}
}

func TestSearch_PageNotFound(t *testing.T) {
	f := newFixture(t, 10)

	q := searchQuery("chair", "msk")
	q.Page = 99
	_, err := f.search.Search(context.Background(), q)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrPageNotFound))
}

func TestSearch_SecondPageOmitsCategoriesAndBrands(t *testing.T) {
	f := newFixture(t, 10)

	q := searchQuery("", "msk")
	q.PerPage = 1

	first, err := f.search.Search(context.Background(), q)
	require.NoError(t, err)
	assert.Equal(t, []int64{2}, productIDs(first.Products.Items))
	assert.Equal(t, 2, first.Products.Pages)
	assert.NotEmpty(t, first.Categories)
	assert.NotEmpty(t, first.Brands)

	q.Page = 2
	second, err := f.search.Search(context.Background(), q)
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, productIDs(second.Products.Items))
	assert.Empty(t, second.Categories)
	assert.Empty(t, second.Brands)
}

func TestSearch_AuxLimit(t *testing.T) {
	f := newFixture(t, 1)

	listing, err := f.search.Search(context.Background(), searchQuery("chair", "msk"))
	require.NoError(t, err)
	require.Len(t, listing.Categories, 1)
	assert.Equal(t, "chairs", listing.Categories[0].Slug)
}

func TestSearch_ExcludeAll(t *testing.T) {
	f := newFixture(t, 10)

	q := searchQuery("chair", "msk")
	q.Exclude = domain.AllKinds()
	listing, err := f.search.Search(context.Background(), q)
	require.NoError(t, err)

	raw, err := json.Marshal(listing.Result("", ""))
	require.NoError(t, err)
	assert.JSONEq(t, `{"products":[],"categories":[],"brands":[],"total":0,"page":1,"pages":0}`, string(raw))
}

func TestSearch_ExcludeProducts(t *testing.T) {
	f := newFixture(t, 10)

	q := searchQuery("woodly", "msk")
	q.Exclude = []domain.Kind{domain.KindProducts}
	listing, err := f.search.Search(context.Background(), q)
	require.NoError(t, err)

	assert.Empty(t, listing.Products.Items)
	require.Len(t, listing.Brands, 1)
	assert.Equal(t, "woodly", listing.Brands[0].Slug)
}

func TestSearch_Filters(t *testing.T) {
	f := newFixture(t, 10)

	q := searchQuery("", "msk")
	q.Filters.InPromo = true
	listing, err := f.search.Search(context.Background(), q)
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, productIDs(listing.Products.Items))

	q = searchQuery("", "msk")
	q.Filters.PriceGTE = decPtr("150")
	listing, err = f.search.Search(context.Background(), q)
	require.NoError(t, err)
	assert.Equal(t, []int64{2}, productIDs(listing.Products.Items))
}

func TestSearch_FiltersUseCatalogPriceWhenIndexLags(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()
	// The index still carries 100 with an old price of 150.
	f.catalog.PutPrice(domain.Price{ProductID: 1, GroupID: 1, Price: decimal.NewFromInt(180), OldPrice: decPtr("150")})

	q := searchQuery("", "msk")
	q.Filters.PriceLTE = decPtr("150")
	listing, err := f.search.Search(ctx, q)
	require.NoError(t, err)
	assert.Empty(t, listing.Products.Items)
	assert.Zero(t, listing.Products.Total)

	q = searchQuery("", "msk")
	q.Filters.InPromo = true
	listing, err = f.search.Search(ctx, q)
	require.NoError(t, err)
	assert.Empty(t, listing.Products.Items)

	q = searchQuery("", "msk")
	q.Filters.PriceGTE = decPtr("150")
	listing, err = f.search.Search(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, []int64{2}, productIDs(listing.Products.Items), "the index still filters out product 1")
}

func TestSuggest(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()

	got, err := f.search.Suggest(ctx, "Off", "msk", DefaultSuggestLimit)
	require.NoError(t, err)
	assert.Equal(t, []string{"Office chair"}, got.Suggestions)

	got, err = f.search.Suggest(ctx, "  ", "msk", DefaultSuggestLimit)
	require.NoError(t, err)
	assert.Empty(t, got.Suggestions)
	assert.NotNil(t, got.Suggestions)
}

func TestSuggest_Limit(t *testing.T) {
	f := newFixture(t, 10)
	f.catalog.PutProduct(domain.Product{ID: 6, Title: "Office chair", Slug: "office-chair-2", CategoryID: 2, Priority: 900, Active: true})
	f.catalog.PutProduct(domain.Product{ID: 7, Title: "Office desk", Slug: "office-desk", CategoryID: 2, Priority: 100, Active: true})
	f.catalog.PutPrice(domain.Price{ProductID: 6, GroupID: 1, Price: decimal.NewFromInt(10)})
	f.catalog.PutPrice(domain.Price{ProductID: 7, GroupID: 1, Price: decimal.NewFromInt(10)})

	ix := indexer.New(f.engine, f.catalog, cache.NewMemoryStore(), indexer.DefaultConfig(), newTestLogger())
	defer ix.Close()
	_, err := ix.RebuildKind(context.Background(), domain.KindProducts)
	require.NoError(t, err)

	got, err := f.search.Suggest(context.Background(), "office", "msk", 5)
	require.NoError(t, err)
	assert.Equal(t, []string{"Office chair", "Office desk"}, got.Suggestions)

	got, err = f.search.Suggest(context.Background(), "office", "msk", 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"Office chair"}, got.Suggestions)
}

func TestHistory(t *testing.T) {
	f := newFixture(t, 10)

	_, err := f.search.History(context.Background())
	assert.True(t, errors.Is(err, apperrors.ErrUnauthorized))

	ctx := logger.WithUserID(context.Background(), "u-1")
	f.search.RecordHistory(ctx, " chair ")
	f.search.RecordHistory(ctx, "chair")
	f.search.RecordHistory(ctx, "")
	f.search.RecordHistory(context.Background(), "anonymous")

	entries, err := f.search.History(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "chair", entries[0].Query)

	entries, err = f.search.History(logger.WithUserID(context.Background(), "u-2"))
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.NotNil(t, entries)
}

func TestCatalog_Subtree(t *testing.T) {
	f := newFixture(t, 10)

	listing, err := f.browse.Catalog(context.Background(), &domain.CatalogQuery{
		CategorySlug: "chairs", CityDomain: "msk", Page: 1, PerPage: 32,
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 1}, productIDs(listing.Products.Items))
	assert.Equal(t, domain.CategoryRef{ID: 1, Name: "Chairs", Slug: "chairs"}, listing.Category)

	listing, err = f.browse.Catalog(context.Background(), &domain.CatalogQuery{
		CategorySlug: "office-chairs", CityDomain: "msk", Page: 1, PerPage: 32,
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, productIDs(listing.Products.Items))
}

func TestCatalog_FiltersAndOrdering(t *testing.T) {
	f := newFixture(t, 10)

	listing, err := f.browse.Catalog(context.Background(), &domain.CatalogQuery{
		CategorySlug: "chairs", CityDomain: "msk", OrderBy: domain.OrderPrice, Page: 1, PerPage: 32,
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, productIDs(listing.Products.Items))

	listing, err = f.browse.Catalog(context.Background(), &domain.CatalogQuery{
		CategorySlug: "chairs", CityDomain: "msk", Page: 1, PerPage: 32,
		Filters: domain.Filters{InPromo: true},
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, productIDs(listing.Products.Items))
}

func TestCatalog_Links(t *testing.T) {
	f := newFixture(t, 10)

	listing, err := f.browse.Catalog(context.Background(), &domain.CatalogQuery{
		CategorySlug: "chairs", CityDomain: "msk", Page: 1, PerPage: 1,
	})
	require.NoError(t, err)

	result := listing.Result("/api/catalog/chairs/?page=2", "")
	require.NotNil(t, result.Next)
	assert.Equal(t, "/api/catalog/chairs/?page=2", *result.Next)
	assert.Nil(t, result.Previous)
	assert.Equal(t, 2, result.Pages)
}

func TestCatalog_NotFound(t *testing.T) {
	f := newFixture(t, 10)

	for _, slug := range []string{"missing", "archive"} {
		_, err := f.browse.Catalog(context.Background(), &domain.CatalogQuery{
			CategorySlug: slug, CityDomain: "msk", Page: 1, PerPage: 32,
		})
		assert.True(t, errors.Is(err, apperrors.ErrNotFound), slug)
	}

	_, err := f.browse.Catalog(context.Background(), &domain.CatalogQuery{
		CategorySlug: "chairs", CityDomain: "msk", Page: 3, PerPage: 32,
	})
	assert.True(t, errors.Is(err, apperrors.ErrPageNotFound))
}

func TestProduct(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()

	item, err := f.browse.Product(ctx, "office-chair", "msk")
	require.NoError(t, err)
	require.NotNil(t, item.CityPrice)
	assert.Equal(t, "100.00", *item.CityPrice)
	require.NotNil(t, item.OldPrice)
	assert.Equal(t, "150.00", *item.OldPrice)
	assert.True(t, item.InPromo)
	assert.Equal(t, "woodly", item.BrandSlug)

	item, err = f.browse.Product(ctx, "office-chair", "spb")
	require.NoError(t, err)
	assert.Nil(t, item.CityPrice)
	assert.Nil(t, item.OldPrice)
	assert.False(t, item.InPromo)
}

func TestProduct_NotFound(t *testing.T) {
	f := newFixture(t, 10)

	for _, tc := range []struct{ slug, city string }{
		{"missing", "msk"},
		{"old-chair", "msk"},
		{"office-chair-xl", "msk"},
	} {
		_, err := f.browse.Product(context.Background(), tc.slug, tc.city)
		assert.True(t, errors.Is(err, apperrors.ErrNotFound), tc.slug)
	}

	_, err := f.browse.Product(context.Background(), "office-chair-xl", "spb")
	assert.NoError(t, err)
}
