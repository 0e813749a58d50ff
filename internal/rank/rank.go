// Package rank orders hydrated hits. A requested ordering comes first,
// followed by relevance, priority and id so that every ordering is total.
package rank

import (
	"cmp"
	"context"
	"log/slog"
	"slices"
	"strings"

	"github.com/megashop/citysearch/internal/domain"
	"github.com/megashop/citysearch/pkg/logger"
)

// Comparator orders two product hits.
type Comparator func(a, b *domain.ProductHit) int

func reverse(c Comparator) Comparator {
	return func(a, b *domain.ProductHit) int { return c(b, a) }
}

func compareBool(a, b bool) int {
	switch {
	case a == b:
		return 0
	case b:
		return -1
	default:
		return 1
	}
}

func byPrice(a, b *domain.ProductHit) int { return a.Quote.Price.Cmp(b.Quote.Price) }

func byRating(a, b *domain.ProductHit) int { return cmp.Compare(a.Product.Rating, b.Product.Rating) }

func byInPromo(a, b *domain.ProductHit) int { return compareBool(a.Quote.InPromo, b.Quote.InPromo) }

func byIsNew(a, b *domain.ProductHit) int { return compareBool(a.Product.IsNew, b.Product.IsNew) }

func byIsPopular(a, b *domain.ProductHit) int {
	return compareBool(a.Product.IsPopular, b.Product.IsPopular)
}

func byPriorityDesc(a, b *domain.ProductHit) int {
	return cmp.Compare(b.Product.Priority, a.Product.Priority)
}

func byCreatedDesc(a, b *domain.ProductHit) int {
	return b.Product.CreatedAt.Compare(a.Product.CreatedAt)
}

func byScoreDesc(a, b *domain.ProductHit) int { return cmp.Compare(b.Score, a.Score) }

func byID(a, b *domain.ProductHit) int { return cmp.Compare(a.Product.ID, b.Product.ID) }

func byRecommend(a, b *domain.ProductHit) int {
	return chain(byPriorityDesc, func(a, b *domain.ProductHit) int {
		return cmp.Compare(a.Product.Title, b.Product.Title)
	}, byCreatedDesc)(a, b)
}

func chain(cs ...Comparator) Comparator {
	return func(a, b *domain.ProductHit) int {
		for _, c := range cs {
			if r := c(a, b); r != 0 {
				return r
			}
		}
		return 0
	}
}

var orderings = map[string]Comparator{
	domain.OrderPrice:         byPrice,
	domain.OrderPriceDesc:     reverse(byPrice),
	domain.OrderRating:        byRating,
	domain.OrderRatingDesc:    reverse(byRating),
	domain.OrderInPromo:       byInPromo,
	domain.OrderInPromoDesc:   reverse(byInPromo),
	domain.OrderIsNew:         byIsNew,
	domain.OrderIsNewDesc:     reverse(byIsNew),
	domain.OrderIsPopular:     byIsPopular,
	domain.OrderIsPopularDesc: reverse(byIsPopular),
	domain.OrderRecommend:     byRecommend,
}

// tieBreak follows any requested ordering.
var tieBreak = chain(byScoreDesc, byPriorityDesc, byID)

// defaultBrowse orders an unqueried listing without a requested ordering.
var defaultBrowse = chain(byPriorityDesc, byCreatedDesc, byID)

// Known reports whether orderBy names a supported ordering.
func Known(orderBy string) bool {
	_, ok := orderings[strings.TrimSpace(orderBy)]
	return ok
}

// Products sorts hits in place. Unknown orderings are logged and ignored.
// browse selects the default order for listings that carry no query text.
func Products(ctx context.Context, hits []domain.ProductHit, orderBy string, browse bool) {
	orderBy = strings.TrimSpace(orderBy)
	key, ok := orderings[orderBy]
	if orderBy != "" && !ok {
		logger.FromContext(ctx).WarnContext(ctx, "ignoring unknown order_by", slog.String("order_by", orderBy))
	}

	var c Comparator
	switch {
	case ok:
		c = chain(key, tieBreak)
	case browse:
		c = defaultBrowse
	default:
		c = tieBreak
	}
	slices.SortStableFunc(hits, func(a, b domain.ProductHit) int { return c(&a, &b) })
}

// Categories orders categories by score, then order key, then id.
func Categories(hits []domain.CategoryHit) {
	slices.SortStableFunc(hits, func(a, b domain.CategoryHit) int {
		return cmp.Or(
			cmp.Compare(b.Score, a.Score),
			cmp.Compare(a.Category.Order, b.Category.Order),
			cmp.Compare(a.Category.ID, b.Category.ID),
		)
	})
}

// Brands orders brands by score, then order key, then id.
func Brands(hits []domain.BrandHit) {
	slices.SortStableFunc(hits, func(a, b domain.BrandHit) int {
		return cmp.Or(
			cmp.Compare(b.Score, a.Score),
			cmp.Compare(a.Brand.Order, b.Brand.Order),
			cmp.Compare(a.Brand.ID, b.Brand.ID),
		)
	})
}
