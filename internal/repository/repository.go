package repository

import (
	"context"

	"github.com/megashop/citysearch/internal/domain"
)

// CatalogReader is the read model the search pipeline hydrates from.
// Lookups by id return only the rows that exist; callers treat absent ids as
// dropped hits.
type CatalogReader interface {
	// CityByDomain returns the city with the given domain or
	// apperrors.ErrNotFound.
	CityByDomain(ctx context.Context, domain string) (*domain.City, error)

	// PricesForGroup returns the price rows of the given products within a
	// city group, keyed by product id.
	PricesForGroup(ctx context.Context, groupID int64, productIDs []int64) (map[int64]domain.Price, error)

	// ProductsByIDs returns products keyed by id, including inactive ones.
	ProductsByIDs(ctx context.Context, ids []int64) (map[int64]*domain.Product, error)

	// ProductBySlug returns a product or apperrors.ErrNotFound.
	ProductBySlug(ctx context.Context, slug string) (*domain.Product, error)

	// CategoriesByIDs returns categories keyed by id.
	CategoriesByIDs(ctx context.Context, ids []int64) (map[int64]*domain.Category, error)

	// CategoryBySlug returns a category or apperrors.ErrNotFound.
	CategoryBySlug(ctx context.Context, slug string) (*domain.Category, error)

	// BrandsByIDs returns brands keyed by id.
	BrandsByIDs(ctx context.Context, ids []int64) (map[int64]*domain.Brand, error)

	// CatalogProductIDs returns the ids of active, city-priced, city-available
	// products in the category subtree (canonical or additional category)
	// that pass the filters, in ascending id order.
	CatalogProductIDs(ctx context.Context, filter domain.CatalogFilter) ([]int64, error)
}

// Catalog is a CatalogReader that can pin a consistent snapshot.
type Catalog interface {
	CatalogReader

	// Snapshot runs fn against a reader whose reads all observe the same
	// state of the store.
	Snapshot(ctx context.Context, fn func(CatalogReader) error) error
}

// DocumentSource builds index documents from the catalog.
type DocumentSource interface {
	// ProductDocument returns the document for a product or
	// apperrors.ErrNotFound when the product no longer exists.
	ProductDocument(ctx context.Context, id int64) (*domain.ProductDocument, error)
	CategoryDocument(ctx context.Context, id int64) (*domain.CategoryDocument, error)
	BrandDocument(ctx context.Context, id int64) (*domain.BrandDocument, error)

	// IDs returns every entity id of the kind in ascending order.
	IDs(ctx context.Context, kind domain.Kind) ([]int64, error)

	// ProductCategoryID returns the canonical category of a product.
	ProductCategoryID(ctx context.Context, productID int64) (int64, error)
}

// APIKeyRepository looks up storefront API keys.
type APIKeyRepository interface {
	// GetByHash returns the key with the given sha256 hex digest or
	// apperrors.ErrNotFound.
	GetByHash(ctx context.Context, hash string) (*domain.APIKey, error)
}

// SearchHistoryRepository records searches of authenticated users.
type SearchHistoryRepository interface {
	// Record stores (user, query) once; repeats are no-ops.
	Record(ctx context.Context, userID, query string) error

	// ListByUser returns the newest entries first.
	ListByUser(ctx context.Context, userID string, limit int) ([]domain.SearchHistoryEntry, error)
}
