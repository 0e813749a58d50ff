package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/megashop/citysearch/internal/domain"
	"github.com/megashop/citysearch/internal/repository"
	"github.com/megashop/citysearch/pkg/database"
	apperrors "github.com/megashop/citysearch/pkg/errors"
)

// DocumentRepository implements repository.DocumentSource using PostgreSQL.
type DocumentRepository struct {
	db      database.DBTX
	catalog *CatalogRepository
}

// NewDocumentRepository creates a new PostgreSQL-backed document source.
func NewDocumentRepository(pool Pool) *DocumentRepository {
	return &DocumentRepository{db: pool, catalog: NewCatalogRepository(pool)}
}

var _ repository.DocumentSource = (*DocumentRepository)(nil)

// ProductDocument projects a product with its per-city prices.
func (r *DocumentRepository) ProductDocument(ctx context.Context, id int64) (*domain.ProductDocument, error) {
	products, err := r.catalog.ProductsByIDs(ctx, []int64{id})
	if err != nil {
		return nil, err
	}
	p, ok := products[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}

	prices, err := r.cityPrices(ctx, id)
	if err != nil {
		return nil, err
	}
	characteristics, err := r.tokens(ctx, "product_characteristics", `
		SELECT DISTINCT ch.name || ':' || cv.slug
		FROM product_characteristic_values pcv
		JOIN characteristic_values cv ON cv.id = pcv.characteristic_value_id
		JOIN characteristics ch ON ch.id = cv.characteristic_id
		WHERE pcv.product_id = $1
		ORDER BY 1`, id)
	if err != nil {
		return nil, err
	}

	doc := &domain.ProductDocument{
		ID:              p.ID,
		Title:           p.Title,
		Description:     p.Description,
		Slug:            p.Slug,
		Article:         p.Article,
		Active:          p.Active,
		Priority:        p.Priority,
		IsNew:           p.IsNew,
		IsPopular:       p.IsPopular,
		Rating:          p.Rating,
		ReviewsCount:    p.ReviewsCount,
		Category:        domain.DocCategory{ID: p.CategoryID, Name: p.CategoryName, Slug: p.CategorySlug},
		Prices:          prices,
		UnavailableIn:   p.UnavailableIn,
		Characteristics: characteristics,
		CreatedAt:       p.CreatedAt,
	}
	if p.BrandID != nil {
		doc.Brand = &domain.DocBrand{Name: p.BrandName, Slug: p.BrandSlug}
	}
	if doc.UnavailableIn == nil {
		doc.UnavailableIn = []string{}
	}
	return doc, nil
}

// cityPrices expands a product's group prices to one entry per member city.
func (r *DocumentRepository) cityPrices(ctx context.Context, productID int64) (_ []domain.PriceEntry, err error) {
	query := `
		SELECT ci.domain, pr.price, pr.old_price
		FROM prices pr
		JOIN cities ci ON ci.city_group_id = pr.city_group_id
		WHERE pr.product_id = $1
		ORDER BY ci.domain`

	ctx, end := database.TraceQuery(ctx, "product_city_prices", query)
	defer func() { end(err) }()

	rows, err := r.db.Query(ctx, query, productID)
	if err != nil {
		return nil, fmt.Errorf("list city prices: %w", err)
	}
	defer rows.Close()

	entries := []domain.PriceEntry{}
	for rows.Next() {
		var (
			e   domain.PriceEntry
			old decimal.NullDecimal
		)
		if err := rows.Scan(&e.CityDomain, &e.Price, &old); err != nil {
			return nil, fmt.Errorf("scan city price row: %w", err)
		}
		if old.Valid {
			e.OldPrice = &old.Decimal
		}
		e.InPromo = domain.Price{Price: e.Price, OldPrice: e.OldPrice}.InPromo()
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate city price rows: %w", err)
	}
	return entries, nil
}

// CategoryDocument projects a category. products_exist is true when an
// active product with at least one city price sits in its subtree.
func (r *DocumentRepository) CategoryDocument(ctx context.Context, id int64) (_ *domain.CategoryDocument, err error) {
	categories, err := r.catalog.CategoriesByIDs(ctx, []int64{id})
	if err != nil {
		return nil, err
	}
	c, ok := categories[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}

	subtree := `
		WITH subtree AS (
			SELECT d.id FROM categories d
			WHERE d.tree_id = $1 AND d.lft >= $2 AND d.rght <= $3
		), members AS (
			SELECT p.id FROM products p
			WHERE p.is_active
			  AND (p.category_id IN (SELECT id FROM subtree)
			       OR EXISTS (SELECT 1 FROM product_additional_categories pac
			                  WHERE pac.product_id = p.id AND pac.category_id IN (SELECT id FROM subtree)))
		)`

	existsQuery := subtree + `
		SELECT EXISTS (
			SELECT 1 FROM members m
			JOIN prices pr ON pr.product_id = m.id
			JOIN cities ci ON ci.city_group_id = pr.city_group_id
		)`

	qctx, end := database.TraceQuery(ctx, "category_products_exist", existsQuery)
	var exists bool
	err = r.db.QueryRow(qctx, existsQuery, c.TreeID, c.Lft, c.Rght).Scan(&exists)
	end(err)
	if err != nil {
		return nil, fmt.Errorf("check category products: %w", err)
	}

	characteristics, err := r.tokens(ctx, "category_characteristics", subtree+`
		SELECT DISTINCT ch.name || ':' || cv.slug
		FROM members m
		JOIN product_characteristic_values pcv ON pcv.product_id = m.id
		JOIN characteristic_values cv ON cv.id = pcv.characteristic_value_id
		JOIN characteristics ch ON ch.id = cv.characteristic_id
		WHERE ch.for_filtering
		ORDER BY 1`, c.TreeID, c.Lft, c.Rght)
	if err != nil {
		return nil, err
	}

	return &domain.CategoryDocument{
		ID:              c.ID,
		Name:            c.Name,
		Slug:            c.Slug,
		IsVisible:       c.Visible,
		ProductsExist:   exists,
		Order:           c.Order,
		Characteristics: characteristics,
	}, nil
}

// BrandDocument projects a brand.
func (r *DocumentRepository) BrandDocument(ctx context.Context, id int64) (*domain.BrandDocument, error) {
	brands, err := r.catalog.BrandsByIDs(ctx, []int64{id})
	if err != nil {
		return nil, err
	}
	b, ok := brands[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	return &domain.BrandDocument{ID: b.ID, Name: b.Name, Slug: b.Slug, Active: b.Active, Order: b.Order}, nil
}

// IDs lists every id of the kind.
func (r *DocumentRepository) IDs(ctx context.Context, kind domain.Kind) (_ []int64, err error) {
	var table string
	switch kind {
	case domain.KindProducts:
		table = "products"
	case domain.KindCategories:
		table = "categories"
	case domain.KindBrands:
		table = "brands"
	default:
		return nil, apperrors.InvalidInput(fmt.Sprintf("unknown kind %q", kind))
	}

	query := "SELECT id FROM " + table + " ORDER BY id"

	ctx, end := database.TraceQuery(ctx, "list_"+table+"_ids", query)
	defer func() { end(err) }()

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list %s ids: %w", table, err)
	}
	defer rows.Close()

	ids := []int64{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan %s id: %w", table, err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s ids: %w", table, err)
	}
	return ids, nil
}

// ProductCategoryID returns the canonical category of a product.
func (r *DocumentRepository) ProductCategoryID(ctx context.Context, productID int64) (_ int64, err error) {
	query := `SELECT category_id FROM products WHERE id = $1`

	ctx, end := database.TraceQuery(ctx, "product_category_id", query)
	defer func() { end(err) }()

	var categoryID int64
	if err = r.db.QueryRow(ctx, query, productID).Scan(&categoryID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, apperrors.ErrNotFound
		}
		return 0, fmt.Errorf("get product category: %w", err)
	}
	return categoryID, nil
}

// tokens runs a single-column text query.
func (r *DocumentRepository) tokens(ctx context.Context, op, query string, args ...any) (_ []string, err error) {
	ctx, end := database.TraceQuery(ctx, op, query)
	defer func() { end(err) }()

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	out := []string{}
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("scan %s: %w", op, err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", op, err)
	}
	return out, nil
}
