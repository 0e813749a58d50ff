package indexer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/megashop/citysearch/internal/domain"
	apperrors "github.com/megashop/citysearch/pkg/errors"
)

// Entity names a catalog entity whose mutation affects the index.
type Entity string

const (
	EntityProduct  Entity = "product"
	EntityCategory Entity = "category"
	EntityBrand    Entity = "brand"
	EntityReview   Entity = "review"
	EntityPrice    Entity = "price"
	EntityCity     Entity = "city"
)

// Entities lists every entity the indexer follows.
func Entities() []Entity {
	return []Entity{EntityProduct, EntityCategory, EntityBrand, EntityReview, EntityPrice, EntityCity}
}

// Mutation describes one catalog change. ID is the mutated entity. For
// reviews and prices, ProductID is the product they belong to. CategoryID
// optionally names a product's canonical category when the product itself
// is gone.
type Mutation struct {
	Entity     Entity
	ID         int64
	ProductID  int64
	CategoryID int64
	Deleted    bool
}

// Apply brings the index up to date with m. Writes to the mutated entity's
// own document are synchronous; follow-on writes to related documents are
// queued.
func (ix *Indexer) Apply(ctx context.Context, m Mutation) error {
	switch m.Entity {
	case EntityProduct:
		op := OpUpsert
		if m.Deleted {
			op = OpDelete
		}
		if err := ix.write(ctx, domain.KindProducts, m.ID, op); err != nil {
			return err
		}
		ix.followCategory(ctx, m.ID, m.CategoryID)
		return nil

	case EntityCategory:
		return ix.own(ctx, domain.KindCategories, m)

	case EntityBrand:
		return ix.own(ctx, domain.KindBrands, m)

	case EntityReview:
		if m.ProductID == 0 {
			return apperrors.InvalidInput("review mutation without product_id")
		}
		return ix.Upsert(ctx, domain.KindProducts, m.ProductID)

	case EntityPrice:
		if m.ProductID == 0 {
			return apperrors.InvalidInput("price mutation without product_id")
		}
		if err := ix.Upsert(ctx, domain.KindProducts, m.ProductID); err != nil {
			return err
		}
		// A price can make a category start or stop having priced products.
		ix.followCategory(ctx, m.ProductID, m.CategoryID)
		return nil

	case EntityCity:
		// City to group links decide which prices every product document
		// carries, so both price-bearing kinds are rebuilt.
		ix.invalidate(ctx, domain.KindProducts, domain.KindCategories)
		ix.scheduleRebuild(domain.KindProducts, domain.KindCategories)
		return nil

	default:
		return apperrors.InvalidInput(fmt.Sprintf("unknown entity %q", m.Entity))
	}
}

func (ix *Indexer) own(ctx context.Context, kind domain.Kind, m Mutation) error {
	if m.Deleted {
		return ix.Delete(ctx, kind, m.ID)
	}
	return ix.Upsert(ctx, kind, m.ID)
}

// followCategory queues a refresh of the product's canonical category.
func (ix *Indexer) followCategory(ctx context.Context, productID, known int64) {
	categoryID := known
	if categoryID == 0 {
		id, err := ix.docs.ProductCategoryID(ctx, productID)
		switch {
		case errors.Is(err, apperrors.ErrNotFound):
			return
		case err != nil:
			ix.logger.WarnContext(ctx, "resolve product category failed",
				slog.Int64("product_id", productID),
				slog.String("error", err.Error()),
			)
			return
		}
		categoryID = id
	}
	ix.Enqueue(Job{Kind: domain.KindCategories, ID: categoryID, Op: OpUpsert})
}
