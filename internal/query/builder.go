package query

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/megashop/citysearch/internal/domain"
)

// Should-clause weights.
const (
	BoostArticleExact        = 5.0
	BoostTitleFuzzy          = 5.0
	BoostTitleWildcard       = 2.5
	BoostDescriptionWildcard = 1.5

	BoostCategoryExact    = 4.0
	BoostCategoryFuzzy    = 4.0
	BoostCategoryWildcard = 2.7

	BoostBrandExact    = 4.0
	BoostBrandFuzzy    = 3.0
	BoostBrandWildcard = 2.0
)

// Document field names shared by the builder and the engines.
const (
	FieldActive          = "active"
	FieldTitle           = "title"
	FieldDescription     = "description"
	FieldArticle         = "article"
	FieldName            = "name"
	FieldIsVisible       = "is_visible"
	FieldProductsExist   = "products_exist"
	FieldUnavailableIn   = "unavailable_in"
	FieldBrandSlug       = "brand.slug"
	FieldCharacteristics = "characteristics"
	PathPrices           = "prices"
	FieldPriceCity       = "prices.cg_domain"
	FieldPrice           = "prices.price"
	FieldPriceInPromo    = "prices.in_promo"
)

var lower = cases.Lower(language.Und)

// Normalize trims and lower-cases a user query.
func Normalize(q string) string {
	return lower.String(strings.TrimSpace(q))
}

// Builder turns resolved requests into index queries.
type Builder struct {
	maxHits int
}

// NewBuilder creates a builder capping every sub-query at maxHits.
func NewBuilder(maxHits int) *Builder {
	return &Builder{maxHits: maxHits}
}

// Search builds the multi-index query for q. It returns nil when every kind
// is excluded.
func (b *Builder) Search(q *domain.SearchQuery) *IndexQuery {
	kinds := q.Kinds()
	if len(kinds) == 0 {
		return nil
	}
	text := Normalize(q.Query)

	iq := &IndexQuery{Size: b.maxHits}
	for _, k := range kinds {
		var sq SubQuery
		switch k {
		case domain.KindProducts:
			sq = productSubQuery(text, q.CityDomain, q.Filters)
		case domain.KindCategories:
			sq = categorySubQuery(text)
		case domain.KindBrands:
			sq = brandSubQuery(text)
		}
		iq.Subqueries = append(iq.Subqueries, sq)
	}
	return iq
}

// Suggest builds a products-only title prefix query.
func (b *Builder) Suggest(prefix, cityDomain string, limit int) *IndexQuery {
	sq := SubQuery{
		Kind:    domain.KindProducts,
		Must:    append(productFilters(cityDomain, domain.Filters{}), Prefix{Field: FieldTitle, Value: Normalize(prefix)}),
		MustNot: []Clause{Term{Field: FieldUnavailableIn, Value: cityDomain}},
	}
	return &IndexQuery{Subqueries: []SubQuery{sq}, Size: limit}
}

func productFilters(city string, f domain.Filters) []Clause {
	priced := []Clause{Term{Field: FieldPriceCity, Value: city}}
	if f.PriceGTE != nil || f.PriceLTE != nil {
		priced = append(priced, Range{Field: FieldPrice, GTE: f.PriceGTE, LTE: f.PriceLTE})
	}
	if f.InPromo {
		priced = append(priced, Term{Field: FieldPriceInPromo, Value: true})
	}

	must := []Clause{
		Term{Field: FieldActive, Value: true},
		Nested{Path: PathPrices, Must: priced},
	}
	if len(f.Brands) > 0 {
		must = append(must, Terms{Field: FieldBrandSlug, Values: f.Brands})
	}
	names, groups := f.GroupedCharacteristics()
	for _, name := range names {
		tokens := make([]string, 0, len(groups[name]))
		for _, slug := range groups[name] {
			tokens = append(tokens, domain.Characteristic{Name: name, Slug: slug}.Token())
		}
		must = append(must, Terms{Field: FieldCharacteristics, Values: tokens})
	}
	return must
}

func productSubQuery(text, city string, f domain.Filters) SubQuery {
	sq := SubQuery{
		Kind:    domain.KindProducts,
		Must:    productFilters(city, f),
		MustNot: []Clause{Term{Field: FieldUnavailableIn, Value: city}},
	}
	if text == "" {
		return sq
	}
	pattern := "*" + escapeWildcard(text) + "*"
	sq.Should = []Clause{
		Exact{Field: FieldArticle, Value: text, Boost: BoostArticleExact},
		Fuzzy{Field: FieldTitle, Value: text, Boost: BoostTitleFuzzy},
		Wildcard{Field: FieldTitle, Pattern: pattern, Boost: BoostTitleWildcard},
		Wildcard{Field: FieldDescription, Pattern: pattern, Boost: BoostDescriptionWildcard},
		Phrase{Field: FieldTitle, Value: text},
		Phrase{Field: FieldDescription, Value: text},
	}
	sq.MinimumShouldMatch = 1
	return sq
}

func categorySubQuery(text string) SubQuery {
	sq := SubQuery{
		Kind: domain.KindCategories,
		Must: []Clause{
			Term{Field: FieldIsVisible, Value: true},
			Term{Field: FieldProductsExist, Value: true},
		},
	}
	if text == "" {
		return sq
	}
	sq.Should = nameShoulds(text, BoostCategoryExact, BoostCategoryFuzzy, BoostCategoryWildcard)
	sq.MinimumShouldMatch = 1
	return sq
}

func brandSubQuery(text string) SubQuery {
	sq := SubQuery{
		Kind: domain.KindBrands,
		Must: []Clause{Term{Field: FieldActive, Value: true}},
	}
	if text == "" {
		return sq
	}
	sq.Should = nameShoulds(text, BoostBrandExact, BoostBrandFuzzy, BoostBrandWildcard)
	sq.MinimumShouldMatch = 1
	return sq
}

func nameShoulds(text string, exact, fuzzy, wildcard float64) []Clause {
	return []Clause{
		Exact{Field: FieldName, Value: text, Boost: exact},
		Fuzzy{Field: FieldName, Value: text, Boost: fuzzy},
		Wildcard{Field: FieldName, Pattern: "*" + escapeWildcard(text) + "*", Boost: wildcard},
	}
}

func escapeWildcard(s string) string {
	var sb strings.Builder
	for _, r := range s {
		if r == '*' || r == '?' || r == '\\' {
			sb.WriteByte('\\')
		}
		sb.WriteRune(r)
	}
	return sb.String()
}
