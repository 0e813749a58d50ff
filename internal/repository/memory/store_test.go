package memory

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/megashop/citysearch/internal/domain"
	"github.com/megashop/citysearch/internal/repository"
	apperrors "github.com/megashop/citysearch/pkg/errors"
)

func int64Ptr(n int64) *int64 { return &n }

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func decPtr(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

// seed builds: tree furniture(1..6) > chairs(2..3), tables(4..5); cities msk
// and tver in group 1, spb in group 2; brand woodly.
func seed(t *testing.T) *Store {
	t.Helper()
	s := New()
	s.PutCityGroup(domain.CityGroup{ID: 1, Name: "Center"})
	s.PutCityGroup(domain.CityGroup{ID: 2, Name: "North"})
	s.PutCity(domain.City{ID: 1, Domain: "msk", Name: "Moscow", GroupID: int64Ptr(1)})
	s.PutCity(domain.City{ID: 2, Domain: "tver", Name: "Tver", GroupID: int64Ptr(1)})
	s.PutCity(domain.City{ID: 3, Domain: "spb", Name: "Saint Petersburg", GroupID: int64Ptr(2)})
	s.PutCategory(domain.Category{ID: 1, Name: "Furniture", Slug: "furniture", TreeID: 1, Lft: 1, Rght: 6, Visible: true})
	s.PutCategory(domain.Category{ID: 2, Name: "Chairs", Slug: "chairs", TreeID: 1, Lft: 2, Rght: 3, Level: 1, Visible: true})
	s.PutCategory(domain.Category{ID: 3, Name: "Tables", Slug: "tables", TreeID: 1, Lft: 4, Rght: 5, Level: 1, Visible: true})
	s.PutBrand(domain.Brand{ID: 1, Name: "Woodly", Slug: "woodly", Active: true})

	s.PutProduct(domain.Product{ID: 10, Title: "Oak chair", Slug: "oak-chair", CategoryID: 2, BrandID: int64Ptr(1), Active: true})
	s.PutProduct(domain.Product{ID: 11, Title: "Pine table", Slug: "pine-table", CategoryID: 3, AdditionalCategoryIDs: []int64{2}, Active: true, UnavailableIn: []string{"tver"}})
	s.PutProduct(domain.Product{ID: 12, Title: "Hidden chair", Slug: "hidden-chair", CategoryID: 2, Active: false})

	s.PutPrice(domain.Price{ProductID: 10, GroupID: 1, Price: dec("100"), OldPrice: decPtr("150")})
	s.PutPrice(domain.Price{ProductID: 11, GroupID: 1, Price: dec("300")})
	s.PutPrice(domain.Price{ProductID: 12, GroupID: 1, Price: dec("50")})
	s.SetCharacteristic(10, domain.Characteristic{Name: "color", Slug: "brown"}, true)
	s.SetCharacteristic(11, domain.Characteristic{Name: "color", Slug: "white"}, true)
	s.AddReview(10, 4)
	s.AddReview(10, 5)
	return s
}

func TestStore_ProductsByIDs_Joins(t *testing.T) {
	s := seed(t)

	products, err := s.ProductsByIDs(context.Background(), []int64{10, 99})
	require.NoError(t, err)
	require.Len(t, products, 1)

	p := products[10]
	assert.Equal(t, "chairs", p.CategorySlug)
	assert.Equal(t, "woodly", p.BrandSlug)
	assert.Equal(t, 4.5, p.Rating)
	assert.Equal(t, 2, p.ReviewsCount)
	assert.Equal(t, domain.DefaultPriority, p.Priority)
}

func TestStore_CatalogProductIDs(t *testing.T) {
	s := seed(t)
	ctx := context.Background()
	chairs, err := s.CategoryBySlug(ctx, "chairs")
	require.NoError(t, err)
	furniture, err := s.CategoryBySlug(ctx, "furniture")
	require.NoError(t, err)

	tests := []struct {
		name   string
		filter domain.CatalogFilter
		want   []int64
	}{
		{"subtree includes additional categories", domain.CatalogFilter{Category: chairs, CityDomain: "msk"}, []int64{10, 11}},
		{"ancestor includes descendants", domain.CatalogFilter{Category: furniture, CityDomain: "msk"}, []int64{10, 11}},
		{"city exclusion", domain.CatalogFilter{Category: chairs, CityDomain: "tver"}, []int64{10}},
		{"unpriced city", domain.CatalogFilter{Category: chairs, CityDomain: "spb"}, []int64{}},
		{"unknown city", domain.CatalogFilter{Category: chairs, CityDomain: "kzn"}, []int64{}},
		{"in promo", domain.CatalogFilter{Category: chairs, CityDomain: "msk", Filters: domain.Filters{InPromo: true}}, []int64{10}},
		{"price range", domain.CatalogFilter{Category: chairs, CityDomain: "msk", Filters: domain.Filters{PriceGTE: decPtr("200"), PriceLTE: decPtr("300")}}, []int64{11}},
		{"brand", domain.CatalogFilter{Category: chairs, CityDomain: "msk", Filters: domain.Filters{Brands: []string{"woodly"}}}, []int64{10}},
		{"characteristics", domain.CatalogFilter{Category: chairs, CityDomain: "msk", Filters: domain.Filters{
			Characteristics: []domain.Characteristic{{Name: "color", Slug: "white"}, {Name: "color", Slug: "black"}},
		}}, []int64{11}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ids, err := s.CatalogProductIDs(ctx, tt.filter)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ids)
		})
	}
}

func TestStore_ProductDocument(t *testing.T) {
	s := seed(t)

	doc, err := s.ProductDocument(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, doc.Prices, 2)
	assert.Equal(t, "msk", doc.Prices[0].CityDomain)
	assert.Equal(t, "tver", doc.Prices[1].CityDomain)
	assert.True(t, doc.Prices[0].InPromo)
	assert.Equal(t, []string{"color:brown"}, doc.Characteristics)
	require.NotNil(t, doc.Brand)
	assert.Equal(t, "woodly", doc.Brand.Slug)

	_, err = s.ProductDocument(context.Background(), 99)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestStore_CategoryDocument_ProductsExist(t *testing.T) {
	s := seed(t)
	s.PutCategory(domain.Category{ID: 4, Name: "Empty", Slug: "empty", TreeID: 2, Lft: 1, Rght: 2, Visible: true})

	doc, err := s.CategoryDocument(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, doc.ProductsExist)
	assert.Equal(t, []string{"color:brown", "color:white"}, doc.Characteristics)

	doc, err = s.CategoryDocument(context.Background(), 4)
	require.NoError(t, err)
	assert.False(t, doc.ProductsExist)
}

func TestStore_SnapshotIsFrozen(t *testing.T) {
	s := seed(t)

	err := s.Snapshot(context.Background(), func(r repository.CatalogReader) error {
		s.PutPrice(domain.Price{ProductID: 10, GroupID: 1, Price: dec("90")})

		prices, err := r.PricesForGroup(context.Background(), 1, []int64{10})
		require.NoError(t, err)
		assert.True(t, prices[10].Price.Equal(dec("100")))
		return nil
	})
	require.NoError(t, err)

	prices, err := s.PricesForGroup(context.Background(), 1, []int64{10})
	require.NoError(t, err)
	assert.True(t, prices[10].Price.Equal(dec("90")))
}

func TestStore_SearchHistory(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.Record(ctx, "u1", "chair"))
	require.NoError(t, s.Record(ctx, "u1", "table"))
	require.NoError(t, s.Record(ctx, "u1", "chair"))
	require.NoError(t, s.Record(ctx, "u2", "lamp"))

	entries, err := s.ListByUser(ctx, "u1", 20)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "table", entries[0].Query)
	assert.Equal(t, "chair", entries[1].Query)
}

func TestStore_DeleteProductDropsPrices(t *testing.T) {
	s := seed(t)
	s.DeleteProduct(10)

	prices, err := s.PricesForGroup(context.Background(), 1, []int64{10})
	require.NoError(t, err)
	assert.Empty(t, prices)
	_, err = s.ProductCategoryID(context.Background(), 10)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}
