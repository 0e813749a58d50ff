package rank

import (
	"bytes"
	"context"
	"log/slog"
	"math/rand"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/megashop/citysearch/internal/domain"
	"github.com/megashop/citysearch/pkg/logger"
)

var base = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type opt func(*domain.ProductHit)

func hit(id int64, opts ...opt) domain.ProductHit {
	h := domain.ProductHit{
		Product: domain.Product{ID: id, Title: "p", Priority: domain.DefaultPriority, CreatedAt: base},
		Quote:   domain.Quote{Price: decimal.NewFromInt(100)},
	}
	for _, o := range opts {
		o(&h)
	}
	return h
}

func price(p int64) opt { return func(h *domain.ProductHit) { h.Quote.Price = decimal.NewFromInt(p) } }
func promo() opt { return func(h *domain.ProductHit) { h.Quote.InPromo = true } }
func score(s float64) opt { return func(h *domain.ProductHit) { h.Score = s } }
func priority(p int) opt { return func(h *domain.ProductHit) { h.Product.Priority = p } }
func rating(r float64) opt { return func(h *domain.ProductHit) { h.Product.Rating = r } }
func title(t string) opt { return func(h *domain.ProductHit) { h.Product.Title = t } }
func created(d time.Duration) opt { return func(h *domain.ProductHit) { h.Product.CreatedAt = base.Add(d) } }
func isNew() opt { return func(h *domain.ProductHit) { h.Product.IsNew = true } }
func popular() opt { return func(h *domain.ProductHit) { h.Product.IsPopular = true } }

func ids(hits []domain.ProductHit) []int64 {
	out := make([]int64, len(hits))
	for i, h := range hits {
		out[i] = h.Product.ID
	}
	return out
}

func TestProducts_Orderings(t *testing.T) {
	tests := []struct {
		name    string
		orderBy string
		hits    []domain.ProductHit
		want    []int64
	}{
		{"price asc", "price", []domain.ProductHit{hit(1, price(300)), hit(2, price(100)), hit(3, price(200))}, []int64{2, 3, 1}},
		{"price desc", "-price", []domain.ProductHit{hit(1, price(300)), hit(2, price(100)), hit(3, price(200))}, []int64{1, 3, 2}},
		{"price ties by score", "price", []domain.ProductHit{hit(1, score(1)), hit(2, score(3)), hit(3, score(2))}, []int64{2, 3, 1}},
		{"rating desc", "-rating", []domain.ProductHit{hit(1, rating(3.5)), hit(2, rating(4.9)), hit(3)}, []int64{2, 1, 3}},
		{"rating asc", "rating", []domain.ProductHit{hit(1, rating(3.5)), hit(2, rating(4.9)), hit(3)}, []int64{3, 1, 2}},
		{"promo first", "-in_promo", []domain.ProductHit{hit(1), hit(2, promo())}, []int64{2, 1}},
		{"promo last", "in_promo", []domain.ProductHit{hit(1, promo()), hit(2)}, []int64{2, 1}},
		{"new first", "-is_new", []domain.ProductHit{hit(1), hit(2, isNew())}, []int64{2, 1}},
		{"popular first", "-is_popular", []domain.ProductHit{hit(1), hit(2, popular())}, []int64{2, 1}},
		{"popular last", "is_popular", []domain.ProductHit{hit(1, popular()), hit(2)}, []int64{2, 1}},
		{"recommend", "recommend", []domain.ProductHit{
			hit(1, priority(10), title("b")),
			hit(2, priority(900), title("z")),
			hit(3, priority(10), title("a"), created(time.Hour)),
			hit(4, priority(10), title("a"), created(2*time.Hour)),
		}, []int64{2, 4, 3, 1}},
		{"relevance", "", []domain.ProductHit{hit(1, score(1)), hit(2, score(5)), hit(3, score(5), priority(900))}, []int64{3, 2, 1}},
		{"id breaks full ties", "price", []domain.ProductHit{hit(3), hit(1), hit(2)}, []int64{1, 2, 3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			Products(context.Background(), tt.hits, tt.orderBy, false)
			assert.Equal(t, tt.want, ids(tt.hits))
		})
	}
}

func TestProducts_BrowseDefault(t *testing.T) {
	hits := []domain.ProductHit{
		hit(1, priority(10)),
		hit(2, priority(900)),
		hit(3, priority(10), created(time.Hour)),
		hit(4, priority(10), created(time.Hour)),
	}
	Products(context.Background(), hits, "", true)
	assert.Equal(t, []int64{2, 3, 4, 1}, ids(hits))
}

func TestProducts_UnknownOrderingIsLoggedAndIgnored(t *testing.T) {
	var buf bytes.Buffer
	ctx := logger.NewContext(context.Background(), slog.New(slog.NewJSONHandler(&buf, nil)))

	hits := []domain.ProductHit{hit(1, priority(10)), hit(2, priority(900))}
	Products(ctx, hits, "-bogus", true)

	assert.Equal(t, []int64{2, 1}, ids(hits))
	assert.Contains(t, buf.String(), `"order_by":"-bogus"`)
	assert.Contains(t, buf.String(), `"level":"WARN"`)
}

func TestProducts_TotalOrderIsDeterministic(t *testing.T) {
	var hits []domain.ProductHit
	for id := int64(1); id <= 40; id++ {
		hits = append(hits, hit(id, price(id%4*100), score(float64(id%3)), priority(int(id%2))))
	}
	for _, key := range []string{"price", "-price", "in_promo", "recommend", ""} {
		a := append([]domain.ProductHit(nil), hits...)
		b := append([]domain.ProductHit(nil), hits...)
		rand.New(rand.NewSource(7)).Shuffle(len(b), func(i, j int) { b[i], b[j] = b[j], b[i] })

		Products(context.Background(), a, key, false)
		Products(context.Background(), b, key, false)
		assert.Equal(t, ids(a), ids(b), key)
	}
}

func TestKnown(t *testing.T) {
	assert.True(t, Known("price"))
	assert.True(t, Known(" -is_new "))
	assert.False(t, Known("-recommend"))
	assert.False(t, Known(""))
}

func TestCategoriesAndBrands(t *testing.T) {
	cats := []domain.CategoryHit{
		{Category: domain.Category{ID: 3, Order: 1}, Score: 2},
		{Category: domain.Category{ID: 2, Order: 5}, Score: 4},
		{Category: domain.Category{ID: 1, Order: 1}, Score: 2},
		{Category: domain.Category{ID: 4, Order: 0}, Score: 2},
	}
	Categories(cats)
	var got []int64
	for _, c := range cats {
		got = append(got, c.Category.ID)
	}
	assert.Equal(t, []int64{2, 4, 1, 3}, got)

	brands := []domain.BrandHit{
		{Brand: domain.Brand{ID: 2, Order: 1}},
		{Brand: domain.Brand{ID: 1, Order: 1}},
		{Brand: domain.Brand{ID: 3}, Score: 1},
	}
	Brands(brands)
	got = got[:0]
	for _, b := range brands {
		got = append(got, b.Brand.ID)
	}
	assert.Equal(t, []int64{3, 1, 2}, got)
}
