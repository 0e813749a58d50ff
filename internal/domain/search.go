package domain

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Ordering keys accepted by order_by.
const (
	OrderPrice         = "price"
	OrderPriceDesc     = "-price"
	OrderRating        = "rating"
	OrderRatingDesc    = "-rating"
	OrderInPromo       = "in_promo"
	OrderInPromoDesc   = "-in_promo"
	OrderIsNew         = "is_new"
	OrderIsNewDesc     = "-is_new"
	OrderIsPopular     = "is_popular"
	OrderIsPopularDesc = "-is_popular"
	OrderRecommend     = "recommend"
)

// Filters narrows a product listing.
type Filters struct {
	PriceGTE        *decimal.Decimal
	PriceLTE        *decimal.Decimal
	InPromo         bool
	Brands          []string
	Characteristics []Characteristic
}

// IsZero reports whether no filter is set.
func (f Filters) IsZero() bool {
	return f.PriceGTE == nil && f.PriceLTE == nil && !f.InPromo &&
		len(f.Brands) == 0 && len(f.Characteristics) == 0
}

// AcceptsPrice reports whether a city price satisfies the price range and
// promo filters.
func (f Filters) AcceptsPrice(q Quote) bool {
	if f.PriceGTE != nil && q.Price.LessThan(*f.PriceGTE) {
		return false
	}
	if f.PriceLTE != nil && q.Price.GreaterThan(*f.PriceLTE) {
		return false
	}
	return !f.InPromo || q.InPromo
}

// GroupedCharacteristics groups requested values by characteristic name in
// first-seen order. Values of one name are alternatives; names are combined.
func (f Filters) GroupedCharacteristics() ([]string, map[string][]string) {
	var names []string
	groups := make(map[string][]string)
	for _, c := range f.Characteristics {
		if _, ok := groups[c.Name]; !ok {
			names = append(names, c.Name)
		}
		groups[c.Name] = append(groups[c.Name], c.Slug)
	}
	return names, groups
}

// ParseCharacteristics parses "name:slug,name:slug". Items without a colon
// or with an empty side are reported as invalid.
func ParseCharacteristics(s string) ([]Characteristic, bool) {
	var out []Characteristic
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, slug, ok := strings.Cut(part, ":")
		if !ok || name == "" || slug == "" {
			return nil, false
		}
		out = append(out, Characteristic{Name: name, Slug: slug})
	}
	return out, true
}

// SearchQuery is a resolved search request.
type SearchQuery struct {
	Query      string
	CityDomain string
	Exclude    []Kind
	OrderBy    string
	Page       int
	PerPage    int
	Filters    Filters
}

// Kinds returns the kinds the query targets.
func (q *SearchQuery) Kinds() []Kind {
	return Without(q.Exclude)
}

// CatalogQuery is a resolved category listing request.
type CatalogQuery struct {
	CategorySlug string
	CityDomain   string
	OrderBy      string
	Page         int
	PerPage      int
	Filters      Filters
}

// CatalogFilter selects the candidate products of a category listing.
type CatalogFilter struct {
	Category   *Category
	CityDomain string
	Filters    Filters
}

// ProductHit is a hydrated, priced product with its relevance score.
type ProductHit struct {
	Product Product
	Quote   Quote
	Score   float64
}

// CategoryHit is a hydrated category with its relevance score.
type CategoryHit struct {
	Category Category
	Score    float64
}

// BrandHit is a hydrated brand with its relevance score.
type BrandHit struct {
	Brand Brand
	Score float64
}
