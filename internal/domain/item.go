package domain

import "github.com/shopspring/decimal"

// ProductItem is the public product representation.
type ProductItem struct {
	ID           int64   `json:"id"`
	Title        string  `json:"title"`
	Slug         string  `json:"slug"`
	Article      string  `json:"article"`
	Description  string  `json:"description"`
	CategorySlug string  `json:"category_slug"`
	BrandSlug    string  `json:"brand_slug,omitempty"`
	Image        string  `json:"image,omitempty"`
	Priority     int     `json:"priority"`
	IsNew        bool    `json:"is_new"`
	IsPopular    bool    `json:"is_popular"`
	CityPrice    *string `json:"city_price"`
	OldPrice     *string `json:"old_price"`
	InPromo      bool    `json:"in_promo"`
	Rating       float64 `json:"rating"`
	ReviewsCount int     `json:"reviews_count"`
}

// NewProductItem renders p with its city quote. A nil quote renders the
// product as unpriced.
func NewProductItem(p *Product, q *Quote) ProductItem {
	item := ProductItem{
		ID:           p.ID,
		Title:        p.Title,
		Slug:         p.Slug,
		Article:      p.Article,
		Description:  p.Description,
		CategorySlug: p.CategorySlug,
		BrandSlug:    p.BrandSlug,
		Image:        p.Image,
		Priority:     p.Priority,
		IsNew:        p.IsNew,
		IsPopular:    p.IsPopular,
		Rating:       RoundRating(p.Rating),
		ReviewsCount: p.ReviewsCount,
	}
	if q != nil {
		price := q.Price.StringFixed(2)
		item.CityPrice = &price
		if q.OldPrice != nil {
			old := q.OldPrice.StringFixed(2)
			item.OldPrice = &old
		}
		item.InPromo = q.InPromo
	}
	return item
}

// RoundRating rounds an average rating to one decimal place.
func RoundRating(avg float64) float64 {
	return decimal.NewFromFloat(avg).Round(1).InexactFloat64()
}

// CategoryItem is the public category representation.
type CategoryItem struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Slug  string `json:"slug"`
	Image string `json:"image"`
	Icon  string `json:"icon"`
}

// NewCategoryItem renders c.
func NewCategoryItem(c *Category) CategoryItem {
	return CategoryItem{ID: c.ID, Name: c.Name, Slug: c.Slug, Image: c.Image, Icon: c.Icon}
}

// BrandItem is the public brand representation.
type BrandItem struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
	Slug string `json:"slug"`
	Icon string `json:"icon"`
}

// NewBrandItem renders b.
func NewBrandItem(b *Brand) BrandItem {
	return BrandItem{ID: b.ID, Name: b.Name, Slug: b.Slug, Icon: b.Icon}
}

// SearchResult is the general search response.
type SearchResult struct {
	Products   []ProductItem  `json:"products"`
	Categories []CategoryItem `json:"categories"`
	Brands     []BrandItem    `json:"brands"`
	Total      int            `json:"total"`
	Page       int            `json:"page"`
	Pages      int            `json:"pages"`
	Next       string         `json:"next,omitempty"`
	Previous   string         `json:"previous,omitempty"`
}

// CategoryRef identifies the listed category.
type CategoryRef struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
	Slug string `json:"slug"`
}

// CatalogResult is the category listing response.
type CatalogResult struct {
	Results  []ProductItem `json:"results"`
	Total    int           `json:"total"`
	Page     int           `json:"page"`
	Pages    int           `json:"pages"`
	Next     *string       `json:"next"`
	Previous *string       `json:"previous"`
	Category CategoryRef   `json:"category"`
}

// SuggestResult lists product title completions.
type SuggestResult struct {
	Suggestions []string `json:"suggestions"`
}
