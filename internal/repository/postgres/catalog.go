package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/megashop/citysearch/internal/domain"
	"github.com/megashop/citysearch/internal/repository"
	"github.com/megashop/citysearch/pkg/database"
	apperrors "github.com/megashop/citysearch/pkg/errors"
)

// Pool is the connection surface the repositories need: plain queries plus
// snapshot transactions. *pgxpool.Pool and pgxmock pools satisfy it.
type Pool interface {
	database.DBTX
	database.TxBeginner
}

// CatalogRepository implements repository.Catalog using PostgreSQL.
type CatalogRepository struct {
	db   database.DBTX
	pool Pool
}

// NewCatalogRepository creates a new PostgreSQL-backed catalog reader.
func NewCatalogRepository(pool Pool) *CatalogRepository {
	return &CatalogRepository{db: pool, pool: pool}
}

var _ repository.Catalog = (*CatalogRepository)(nil)

// Snapshot runs fn in a read-only REPEATABLE READ transaction.
func (r *CatalogRepository) Snapshot(ctx context.Context, fn func(repository.CatalogReader) error) error {
	return database.ReadSnapshot(ctx, r.pool, func(tx database.DBTX) error {
		return fn(&CatalogRepository{db: tx, pool: r.pool})
	})
}

// CityByDomain retrieves a city by its domain.
func (r *CatalogRepository) CityByDomain(ctx context.Context, cityDomain string) (_ *domain.City, err error) {
	query := `
		SELECT id, domain, name, city_group_id
		FROM cities
		WHERE domain = $1`

	ctx, end := database.TraceQuery(ctx, "city_by_domain", query)
	defer func() { end(err) }()

	var c domain.City
	err = r.db.QueryRow(ctx, query, cityDomain).Scan(&c.ID, &c.Domain, &c.Name, &c.GroupID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("get city by domain: %w", err)
	}
	return &c, nil
}

// PricesForGroup returns the group's price rows for the given products.
func (r *CatalogRepository) PricesForGroup(ctx context.Context, groupID int64, productIDs []int64) (_ map[int64]domain.Price, err error) {
	out := make(map[int64]domain.Price, len(productIDs))
	if len(productIDs) == 0 {
		return out, nil
	}

	query := `
		SELECT product_id, city_group_id, price, old_price
		FROM prices
		WHERE city_group_id = $1 AND product_id = ANY($2)`

	ctx, end := database.TraceQuery(ctx, "prices_for_group", query)
	defer func() { end(err) }()

	rows, err := r.db.Query(ctx, query, groupID, productIDs)
	if err != nil {
		return nil, fmt.Errorf("list prices: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			p   domain.Price
			old decimal.NullDecimal
		)
		if err := rows.Scan(&p.ProductID, &p.GroupID, &p.Price, &old); err != nil {
			return nil, fmt.Errorf("scan price row: %w", err)
		}
		if old.Valid {
			p.OldPrice = &old.Decimal
		}
		out[p.ProductID] = p
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate price rows: %w", err)
	}
	return out, nil
}

// productSelect reads a product joined with its category and brand names,
// first image, additional categories, city exclusions and review aggregates.
const productSelect = `
		SELECT p.id, p.title, p.slug, p.article, p.description,
		       p.category_id, c.slug, c.name,
		       p.brand_id, COALESCE(b.slug, ''), COALESCE(b.name, ''),
		       p.priority, p.is_active, p.is_new, p.is_popular,
		       COALESCE((SELECT i.image FROM product_images i
		                 WHERE i.product_id = p.id ORDER BY i.position, i.id LIMIT 1), ''),
		       COALESCE((SELECT array_agg(pac.category_id ORDER BY pac.category_id)
		                 FROM product_additional_categories pac WHERE pac.product_id = p.id), '{}'),
		       COALESCE((SELECT array_agg(ci.domain ORDER BY ci.domain)
		                 FROM product_unavailable_cities u JOIN cities ci ON ci.id = u.city_id
		                 WHERE u.product_id = p.id), '{}'),
		       COALESCE((SELECT avg(rv.rating)::float8 FROM reviews rv WHERE rv.product_id = p.id), 0),
		       (SELECT count(*) FROM reviews rv WHERE rv.product_id = p.id),
		       p.created_at
		FROM products p
		JOIN categories c ON c.id = p.category_id
		LEFT JOIN brands b ON b.id = p.brand_id`

// ProductsByIDs returns the products that exist among ids.
func (r *CatalogRepository) ProductsByIDs(ctx context.Context, ids []int64) (_ map[int64]*domain.Product, err error) {
	out := make(map[int64]*domain.Product, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	query := productSelect + `
		WHERE p.id = ANY($1)`

	ctx, end := database.TraceQuery(ctx, "products_by_ids", query)
	defer func() { end(err) }()

	rows, err := r.db.Query(ctx, query, ids)
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var p domain.Product
		if err := scanProductRow(rows, &p); err != nil {
			return nil, fmt.Errorf("scan product row: %w", err)
		}
		out[p.ID] = &p
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate product rows: %w", err)
	}
	return out, nil
}

// ProductBySlug retrieves a product by its slug.
func (r *CatalogRepository) ProductBySlug(ctx context.Context, slug string) (_ *domain.Product, err error) {
	query := productSelect + `
		WHERE p.slug = $1`

	ctx, end := database.TraceQuery(ctx, "product_by_slug", query)
	defer func() { end(err) }()

	var p domain.Product
	if err = scanProductRow(r.db.QueryRow(ctx, query, slug), &p); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("scan product: %w", err)
	}
	return &p, nil
}

// scanProductRow scans one productSelect row.
func scanProductRow(row pgx.Row, p *domain.Product) error {
	return row.Scan(
		&p.ID,
		&p.Title,
		&p.Slug,
		&p.Article,
		&p.Description,
		&p.CategoryID,
		&p.CategorySlug,
		&p.CategoryName,
		&p.BrandID,
		&p.BrandSlug,
		&p.BrandName,
		&p.Priority,
		&p.Active,
		&p.IsNew,
		&p.IsPopular,
		&p.Image,
		&p.AdditionalCategoryIDs,
		&p.UnavailableIn,
		&p.Rating,
		&p.ReviewsCount,
		&p.CreatedAt,
	)
}

const categorySelect = `
		SELECT id, name, slug, parent_id, lft, rght, level, tree_id, is_visible, "order",
		       COALESCE(image, ''), COALESCE(icon, '')
		FROM categories`

// CategoriesByIDs returns the categories that exist among ids.
func (r *CatalogRepository) CategoriesByIDs(ctx context.Context, ids []int64) (_ map[int64]*domain.Category, err error) {
	out := make(map[int64]*domain.Category, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	query := categorySelect + `
		WHERE id = ANY($1)`

	ctx, end := database.TraceQuery(ctx, "categories_by_ids", query)
	defer func() { end(err) }()

	rows, err := r.db.Query(ctx, query, ids)
	if err != nil {
		return nil, fmt.Errorf("list categories: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var c domain.Category
		if err := scanCategoryRow(rows, &c); err != nil {
			return nil, fmt.Errorf("scan category row: %w", err)
		}
		out[c.ID] = &c
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate category rows: %w", err)
	}
	return out, nil
}

// CategoryBySlug retrieves a category by its slug.
func (r *CatalogRepository) CategoryBySlug(ctx context.Context, slug string) (_ *domain.Category, err error) {
	query := categorySelect + `
		WHERE slug = $1`

	ctx, end := database.TraceQuery(ctx, "category_by_slug", query)
	defer func() { end(err) }()

	var c domain.Category
	if err = scanCategoryRow(r.db.QueryRow(ctx, query, slug), &c); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("scan category: %w", err)
	}
	return &c, nil
}

func scanCategoryRow(row pgx.Row, c *domain.Category) error {
	return row.Scan(
		&c.ID,
		&c.Name,
		&c.Slug,
		&c.ParentID,
		&c.Lft,
		&c.Rght,
		&c.Level,
		&c.TreeID,
		&c.Visible,
		&c.Order,
		&c.Image,
		&c.Icon,
	)
}

const brandSelect = `
		SELECT id, name, slug, "order", is_active, COALESCE(icon, '')
		FROM brands`

// BrandsByIDs returns the brands that exist among ids.
func (r *CatalogRepository) BrandsByIDs(ctx context.Context, ids []int64) (_ map[int64]*domain.Brand, err error) {
	out := make(map[int64]*domain.Brand, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	query := brandSelect + `
		WHERE id = ANY($1)`

	ctx, end := database.TraceQuery(ctx, "brands_by_ids", query)
	defer func() { end(err) }()

	rows, err := r.db.Query(ctx, query, ids)
	if err != nil {
		return nil, fmt.Errorf("list brands: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var b domain.Brand
		if err := rows.Scan(&b.ID, &b.Name, &b.Slug, &b.Order, &b.Active, &b.Icon); err != nil {
			return nil, fmt.Errorf("scan brand row: %w", err)
		}
		out[b.ID] = &b
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate brand rows: %w", err)
	}
	return out, nil
}

// CatalogProductIDs lists the products of a category subtree that are
// active, available and priced in the city and pass the filters.
func (r *CatalogRepository) CatalogProductIDs(ctx context.Context, filter domain.CatalogFilter) (_ []int64, err error) {
	if filter.Category == nil {
		return nil, apperrors.InvalidInput("category is required")
	}

	var (
		conditions []string
		args       []any
		argIndex   = 1
	)
	arg := func(v any) string {
		args = append(args, v)
		s := fmt.Sprintf("$%d", argIndex)
		argIndex++
		return s
	}

	city := arg(filter.CityDomain)
	tree, lft, rght := arg(filter.Category.TreeID), arg(filter.Category.Lft), arg(filter.Category.Rght)
	subtree := fmt.Sprintf("SELECT d.id FROM categories d WHERE d.tree_id = %s AND d.lft >= %s AND d.rght <= %s", tree, lft, rght)

	conditions = append(conditions,
		"p.is_active",
		"NOT EXISTS (SELECT 1 FROM product_unavailable_cities u WHERE u.product_id = p.id AND u.city_id = ci.id)",
		fmt.Sprintf("(p.category_id IN (%s) OR EXISTS (SELECT 1 FROM product_additional_categories pac WHERE pac.product_id = p.id AND pac.category_id IN (%s)))", subtree, subtree),
	)

	f := filter.Filters
	if f.PriceGTE != nil {
		conditions = append(conditions, "pr.price >= "+arg(*f.PriceGTE))
	}
	if f.PriceLTE != nil {
		conditions = append(conditions, "pr.price <= "+arg(*f.PriceLTE))
	}
	if f.InPromo {
		conditions = append(conditions, "pr.old_price IS NOT NULL AND pr.price < pr.old_price")
	}
	if len(f.Brands) > 0 {
		conditions = append(conditions, fmt.Sprintf("b.slug = ANY(%s)", arg(f.Brands)))
	}
	names, groups := f.GroupedCharacteristics()
	for _, name := range names {
		conditions = append(conditions, fmt.Sprintf(`EXISTS (
			SELECT 1 FROM product_characteristic_values pcv
			JOIN characteristic_values cv ON cv.id = pcv.characteristic_value_id
			JOIN characteristics ch ON ch.id = cv.characteristic_id
			WHERE pcv.product_id = p.id AND ch.name = %s AND cv.slug = ANY(%s))`, arg(name), arg(groups[name])))
	}

	query := fmt.Sprintf(`
		SELECT DISTINCT p.id
		FROM products p
		JOIN cities ci ON ci.domain = %s
		JOIN prices pr ON pr.product_id = p.id AND pr.city_group_id = ci.city_group_id
		LEFT JOIN brands b ON b.id = p.brand_id
		WHERE %s
		ORDER BY p.id`,
		city, strings.Join(conditions, "\n\t\t  AND "),
	)

	ctx, end := database.TraceQuery(ctx, "catalog_product_ids", query)
	defer func() { end(err) }()

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list catalog products: %w", err)
	}
	defer rows.Close()

	ids := []int64{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan catalog product id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate catalog product ids: %w", err)
	}
	return ids, nil
}
