package http

import (
	"net/url"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/megashop/citysearch/internal/domain"
	apperrors "github.com/megashop/citysearch/pkg/errors"
	"github.com/megashop/citysearch/pkg/validator"
)

// listingParams are the query parameters shared by search and catalog
// listings. Values that select documents are lower-cased to match the
// case-folded cache fingerprint.
type listingParams struct {
	Query           string `query:"q" validate:"max=256"`
	OrderBy         string `query:"order_by" validate:"max=32"`
	Exclude         string `query:"exclude" validate:"max=64"`
	PriceGTE        string `query:"price_gte" validate:"omitempty,numeric"`
	PriceLTE        string `query:"price_lte" validate:"omitempty,numeric"`
	InPromo         string `query:"in_promo" validate:"omitempty,oneof=true false 1 0"`
	Brand           string `query:"brand" validate:"max=1024"`
	Characteristics string `query:"characteristics" validate:"max=2048"`
}

func readListingParams(v url.Values) (listingParams, error) {
	p := listingParams{
		Query:           v.Get("q"),
		OrderBy:         strings.ToLower(strings.TrimSpace(v.Get("order_by"))),
		Exclude:         v.Get("exclude"),
		PriceGTE:        strings.TrimSpace(v.Get("price_gte")),
		PriceLTE:        strings.TrimSpace(v.Get("price_lte")),
		InPromo:         strings.ToLower(strings.TrimSpace(v.Get("in_promo"))),
		Brand:           strings.ToLower(v.Get("brand")),
		Characteristics: strings.ToLower(v.Get("characteristics")),
	}
	if err := validator.Validate(p); err != nil {
		return p, err
	}
	return p, nil
}

// filters converts the filter parameters.
func (p listingParams) filters() (domain.Filters, error) {
	var f domain.Filters

	var err error
	if f.PriceGTE, err = decimalParam("price_gte", p.PriceGTE); err != nil {
		return f, err
	}
	if f.PriceLTE, err = decimalParam("price_lte", p.PriceLTE); err != nil {
		return f, err
	}
	if f.PriceGTE != nil && f.PriceLTE != nil && f.PriceGTE.GreaterThan(*f.PriceLTE) {
		return f, apperrors.InvalidInput("price_gte must not exceed price_lte")
	}

	f.InPromo = p.InPromo == "true" || p.InPromo == "1"

	for _, slug := range strings.Split(p.Brand, ",") {
		if slug = strings.TrimSpace(slug); slug != "" {
			f.Brands = append(f.Brands, slug)
		}
	}

	characteristics, ok := domain.ParseCharacteristics(p.Characteristics)
	if !ok {
		return f, apperrors.InvalidInput("characteristics must be a comma separated list of name:slug pairs")
	}
	f.Characteristics = characteristics
	return f, nil
}

// exclude returns the excluded kinds and any names that are not indexes.
func (p listingParams) exclude() ([]domain.Kind, []string) {
	return domain.ParseKinds(p.Exclude)
}

func decimalParam(name, raw string) (*decimal.Decimal, error) {
	if raw == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return nil, apperrors.InvalidInput(name + " must be a number")
	}
	if d.IsNegative() {
		return nil, apperrors.InvalidInput(name + " must not be negative")
	}
	return &d, nil
}
