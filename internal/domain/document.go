package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PriceEntry is one nested city price of a product document.
type PriceEntry struct {
	CityDomain string           `json:"cg_domain"`
	Price      decimal.Decimal  `json:"price"`
	OldPrice   *decimal.Decimal `json:"old_price"`
	InPromo    bool             `json:"in_promo"`
}

// DocCategory is the category reference embedded in a product document.
type DocCategory struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
	Slug string `json:"slug"`
}

// DocBrand is the brand reference embedded in a product document.
type DocBrand struct {
	Name string `json:"name"`
	Slug string `json:"slug"`
}

// ProductDocument is the indexed projection of a product.
type ProductDocument struct {
	ID              int64        `json:"id"`
	Title           string       `json:"title"`
	Description     string       `json:"description"`
	Slug            string       `json:"slug"`
	Article         string       `json:"article"`
	Active          bool         `json:"active"`
	Priority        int          `json:"priority"`
	IsNew           bool         `json:"is_new"`
	IsPopular       bool         `json:"is_popular"`
	Rating          float64      `json:"rating"`
	ReviewsCount    int          `json:"reviews_count"`
	Category        DocCategory  `json:"category"`
	Brand           *DocBrand    `json:"brand,omitempty"`
	Prices          []PriceEntry `json:"prices"`
	UnavailableIn   []string     `json:"unavailable_in"`
	Characteristics []string     `json:"characteristics"`
	CreatedAt       time.Time    `json:"created_at"`
}

// CategoryDocument is the indexed projection of a category.
type CategoryDocument struct {
	ID              int64    `json:"id"`
	Name            string   `json:"name"`
	Slug            string   `json:"slug"`
	IsVisible       bool     `json:"is_visible"`
	ProductsExist   bool     `json:"products_exist"`
	Order           int      `json:"order"`
	Characteristics []string `json:"characteristics"`
}

// BrandDocument is the indexed projection of a brand.
type BrandDocument struct {
	ID     int64  `json:"id"`
	Name   string `json:"name"`
	Slug   string `json:"slug"`
	Active bool   `json:"active"`
	Order  int    `json:"order"`
}

// Document pairs an index document body with its id.
type Document struct {
	ID   int64
	Body any
}
