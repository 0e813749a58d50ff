package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Priority bounds for products. Higher wins tie-breaks.
const (
	MinPriority     = 1
	MaxPriority     = 1_000_000
	DefaultPriority = 500
)

// Product is the authoritative catalog row joined with the names the
// search surface needs.
type Product struct {
	ID                    int64     `json:"id"`
	Title                 string    `json:"title"`
	Slug                  string    `json:"slug"`
	Article               string    `json:"article"`
	Description           string    `json:"description"`
	CategoryID            int64     `json:"category_id"`
	CategorySlug          string    `json:"category_slug"`
	CategoryName          string    `json:"category_name"`
	AdditionalCategoryIDs []int64   `json:"additional_category_ids,omitempty"`
	BrandID               *int64    `json:"brand_id,omitempty"`
	BrandSlug             string    `json:"brand_slug,omitempty"`
	BrandName             string    `json:"brand_name,omitempty"`
	Priority              int       `json:"priority"`
	Active                bool      `json:"active"`
	IsNew                 bool      `json:"is_new"`
	IsPopular             bool      `json:"is_popular"`
	Image                 string    `json:"image,omitempty"`
	UnavailableIn         []string  `json:"unavailable_in,omitempty"`
	Rating                float64   `json:"rating"`
	ReviewsCount          int       `json:"reviews_count"`
	CreatedAt             time.Time `json:"created_at"`
}

// UnavailableInCity reports whether the product is excluded for the city.
func (p *Product) UnavailableInCity(domain string) bool {
	for _, d := range p.UnavailableIn {
		if d == domain {
			return true
		}
	}
	return false
}

// Category is a nested-set tree node.
type Category struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Slug     string `json:"slug"`
	ParentID *int64 `json:"parent_id,omitempty"`
	Lft      int    `json:"lft"`
	Rght     int    `json:"rght"`
	Level    int    `json:"level"`
	TreeID   int    `json:"tree_id"`
	Visible  bool   `json:"is_visible"`
	Order    int    `json:"order"`
	Image    string `json:"image,omitempty"`
	Icon     string `json:"icon,omitempty"`
}

// Contains reports whether other lies in the subtree rooted at c,
// c included.
func (c *Category) Contains(other *Category) bool {
	return c.TreeID == other.TreeID && c.Lft <= other.Lft && c.Rght >= other.Rght
}

// Brand is a product manufacturer.
type Brand struct {
	ID     int64  `json:"id"`
	Name   string `json:"name"`
	Slug   string `json:"slug"`
	Order  int    `json:"order"`
	Active bool   `json:"active"`
	Icon   string `json:"icon,omitempty"`
}

// CityGroup clusters cities that share one price list.
type CityGroup struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	MainCityID *int64 `json:"main_city_id,omitempty"`
}

// City is a tenant identified by its subdomain.
type City struct {
	ID      int64  `json:"id"`
	Domain  string `json:"domain"`
	Name    string `json:"name"`
	GroupID *int64 `json:"city_group_id,omitempty"`
}

// Price is the price row of a product within a city group.
type Price struct {
	ProductID int64            `json:"product_id"`
	GroupID   int64            `json:"city_group_id"`
	Price     decimal.Decimal  `json:"price"`
	OldPrice  *decimal.Decimal `json:"old_price,omitempty"`
}

// InPromo reports whether the row is a discount. A row whose old price is
// not above the price is not a discount.
func (p Price) InPromo() bool {
	return p.OldPrice != nil && p.Price.LessThan(*p.OldPrice)
}

// Characteristic is a filterable product attribute value, addressed on the
// wire as "name:slug".
type Characteristic struct {
	Name string `json:"name"`
	Slug string `json:"slug"`
}

// Token returns the "name:slug" form used by filters and documents.
func (c Characteristic) Token() string {
	return c.Name + ":" + c.Slug
}

// SearchHistoryEntry is one recorded search of an authenticated user.
type SearchHistoryEntry struct {
	UserID    string    `json:"-"`
	Query     string    `json:"query"`
	CreatedAt time.Time `json:"created_at"`
}

// APIKey is an issued storefront key. Only its hash is stored.
// TrustedGateway marks keys held by the upstream gateway, the only callers
// whose forwarded end user is believed.
type APIKey struct {
	ID             int64      `json:"id"`
	Client         string     `json:"client"`
	KeyHash        string     `json:"-"`
	AllowedHosts   string     `json:"allowed_hosts"`
	AllowedIPs     string     `json:"allowed_ips"`
	Active         bool       `json:"is_active"`
	TrustedGateway bool       `json:"trusted_gateway"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
}

// Usable reports whether the key is active and unexpired at now.
func (k *APIKey) Usable(now time.Time) bool {
	if !k.Active {
		return false
	}
	return k.ExpiresAt == nil || now.Before(*k.ExpiresAt)
}
