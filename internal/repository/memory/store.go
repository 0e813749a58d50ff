// Package memory provides an in-process catalog used by tests, local
// development and the memory search engine profile.
package memory

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/megashop/citysearch/internal/domain"
	"github.com/megashop/citysearch/internal/repository"
	apperrors "github.com/megashop/citysearch/pkg/errors"
)

type characteristicValue struct {
	domain.Characteristic
	ForFiltering bool
}

type priceKey struct {
	product int64
	group   int64
}

type historyEntry struct {
	domain.SearchHistoryEntry
	seq int64
}

// state is the catalog data. Values are stored by value so a shallow map
// copy is an independent snapshot.
type state struct {
	products        map[int64]domain.Product
	categories      map[int64]domain.Category
	brands          map[int64]domain.Brand
	groups          map[int64]domain.CityGroup
	cities          map[string]domain.City
	prices          map[priceKey]domain.Price
	reviews         map[int64][]int
	characteristics map[int64][]characteristicValue
}

func newState() *state {
	return &state{
		products:        make(map[int64]domain.Product),
		categories:      make(map[int64]domain.Category),
		brands:          make(map[int64]domain.Brand),
		groups:          make(map[int64]domain.CityGroup),
		cities:          make(map[string]domain.City),
		prices:          make(map[priceKey]domain.Price),
		reviews:         make(map[int64][]int),
		characteristics: make(map[int64][]characteristicValue),
	}
}

func (s *state) clone() *state {
	c := newState()
	for k, v := range s.products {
		c.products[k] = v
	}
	for k, v := range s.categories {
		c.categories[k] = v
	}
	for k, v := range s.brands {
		c.brands[k] = v
	}
	for k, v := range s.groups {
		c.groups[k] = v
	}
	for k, v := range s.cities {
		c.cities[k] = v
	}
	for k, v := range s.prices {
		c.prices[k] = v
	}
	for k, v := range s.reviews {
		c.reviews[k] = slices.Clone(v)
	}
	for k, v := range s.characteristics {
		c.characteristics[k] = slices.Clone(v)
	}
	return c
}

// Store is an in-memory catalog. It implements repository.Catalog,
// repository.DocumentSource, repository.APIKeyRepository and
// repository.SearchHistoryRepository. Thread-safe via sync.RWMutex.
type Store struct {
	mu      sync.RWMutex
	st      *state
	keys    map[string]domain.APIKey
	history map[string]map[string]historyEntry
	seq     int64
	now     func() time.Time
}

var (
	_ repository.Catalog                 = (*Store)(nil)
	_ repository.DocumentSource          = (*Store)(nil)
	_ repository.APIKeyRepository        = (*Store)(nil)
	_ repository.SearchHistoryRepository = (*Store)(nil)
)

// New creates an empty store.
func New() *Store {
	return &Store{
		st:      newState(),
		keys:    make(map[string]domain.APIKey),
		history: make(map[string]map[string]historyEntry),
		now:     time.Now,
	}
}

// --- Mutations ---

// PutCityGroup adds or replaces a city group.
func (s *Store) PutCityGroup(g domain.CityGroup) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.groups[g.ID] = g
}

// PutCity adds or replaces a city, keyed by domain.
func (s *Store) PutCity(c domain.City) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for d, existing := range s.st.cities {
		if existing.ID == c.ID && d != c.Domain {
			delete(s.st.cities, d)
		}
	}
	s.st.cities[c.Domain] = c
}

// PutCategory adds or replaces a category.
func (s *Store) PutCategory(c domain.Category) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.categories[c.ID] = c
}

// DeleteCategory removes a category.
func (s *Store) DeleteCategory(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.st.categories, id)
}

// PutBrand adds or replaces a brand.
func (s *Store) PutBrand(b domain.Brand) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.brands[b.ID] = b
}

// DeleteBrand removes a brand.
func (s *Store) DeleteBrand(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.st.brands, id)
}

// PutProduct adds or replaces a product. Joined fields (category and brand
// names, rating) are derived on read and ignored here.
func (s *Store) PutProduct(p domain.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.Priority == 0 {
		p.Priority = domain.DefaultPriority
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = s.now().UTC()
	}
	p.AdditionalCategoryIDs = slices.Clone(p.AdditionalCategoryIDs)
	p.UnavailableIn = slices.Clone(p.UnavailableIn)
	s.st.products[p.ID] = p
}

// DeleteProduct removes a product with its prices, reviews and
// characteristics.
func (s *Store) DeleteProduct(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.st.products, id)
	delete(s.st.reviews, id)
	delete(s.st.characteristics, id)
	for k := range s.st.prices {
		if k.product == id {
			delete(s.st.prices, k)
		}
	}
}

// PutPrice adds or replaces the price of a product in a city group.
func (s *Store) PutPrice(p domain.Price) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.prices[priceKey{p.ProductID, p.GroupID}] = p
}

// DeletePrice removes the price of a product in a city group.
func (s *Store) DeletePrice(productID, groupID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.st.prices, priceKey{productID, groupID})
}

// AddReview records a review rating (0..5) for a product.
func (s *Store) AddReview(productID int64, rating int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.reviews[productID] = append(s.st.reviews[productID], rating)
}

// SetCharacteristic attaches a characteristic value to a product.
func (s *Store) SetCharacteristic(productID int64, c domain.Characteristic, forFiltering bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.characteristics[productID] = append(s.st.characteristics[productID], characteristicValue{c, forFiltering})
}

// PutAPIKey stores a key record under its hash.
func (s *Store) PutAPIKey(k domain.APIKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[k.KeyHash] = k
}

// --- repository.Catalog ---

// Snapshot runs fn against a frozen copy of the catalog.
func (s *Store) Snapshot(_ context.Context, fn func(repository.CatalogReader) error) error {
	s.mu.RLock()
	frozen := &Store{st: s.st.clone(), now: s.now}
	s.mu.RUnlock()
	return fn(frozen)
}

// CityByDomain returns the city with the given domain.
func (s *Store) CityByDomain(_ context.Context, cityDomain string) (*domain.City, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.st.cities[cityDomain]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	return &c, nil
}

// PricesForGroup returns the group's price rows for the given products.
func (s *Store) PricesForGroup(_ context.Context, groupID int64, productIDs []int64) (map[int64]domain.Price, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[int64]domain.Price, len(productIDs))
	for _, id := range productIDs {
		if p, ok := s.st.prices[priceKey{id, groupID}]; ok {
			out[id] = p
		}
	}
	return out, nil
}

// ProductsByIDs returns the products that exist among ids.
func (s *Store) ProductsByIDs(_ context.Context, ids []int64) (map[int64]*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[int64]*domain.Product, len(ids))
	for _, id := range ids {
		if p, ok := s.st.joinedProduct(id); ok {
			out[id] = p
		}
	}
	return out, nil
}

// ProductBySlug returns a product by slug.
func (s *Store) ProductBySlug(_ context.Context, slug string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for id, p := range s.st.products {
		if p.Slug == slug {
			joined, _ := s.st.joinedProduct(id)
			return joined, nil
		}
	}
	return nil, apperrors.ErrNotFound
}

// CategoriesByIDs returns the categories that exist among ids.
func (s *Store) CategoriesByIDs(_ context.Context, ids []int64) (map[int64]*domain.Category, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[int64]*domain.Category, len(ids))
	for _, id := range ids {
		if c, ok := s.st.categories[id]; ok {
			out[id] = &c
		}
	}
	return out, nil
}

// CategoryBySlug returns a category by slug.
func (s *Store) CategoryBySlug(_ context.Context, slug string) (*domain.Category, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.st.categories {
		if c.Slug == slug {
			return &c, nil
		}
	}
	return nil, apperrors.ErrNotFound
}

// BrandsByIDs returns the brands that exist among ids.
func (s *Store) BrandsByIDs(_ context.Context, ids []int64) (map[int64]*domain.Brand, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[int64]*domain.Brand, len(ids))
	for _, id := range ids {
		if b, ok := s.st.brands[id]; ok {
			out[id] = &b
		}
	}
	return out, nil
}

// CatalogProductIDs lists the products of a category subtree that are
// active, available and priced in the city and pass the filters.
func (s *Store) CatalogProductIDs(_ context.Context, filter domain.CatalogFilter) ([]int64, error) {
	if filter.Category == nil {
		return nil, apperrors.InvalidInput("category is required")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	city, ok := s.st.cities[filter.CityDomain]
	if !ok || city.GroupID == nil {
		return []int64{}, nil
	}

	ids := []int64{}
	for id := range s.st.products {
		p, _ := s.st.joinedProduct(id)
		if !p.Active || p.UnavailableInCity(filter.CityDomain) || !s.st.inSubtree(p, filter.Category) {
			continue
		}
		price, ok := s.st.prices[priceKey{id, *city.GroupID}]
		if !ok || !s.st.passes(p, price, filter.Filters) {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// --- repository.DocumentSource ---

// ProductDocument projects a product with its per-city prices.
func (s *Store) ProductDocument(_ context.Context, id int64) (*domain.ProductDocument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.st.joinedProduct(id)
	if !ok {
		return nil, apperrors.ErrNotFound
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
		Prices:          []domain.PriceEntry{},
		UnavailableIn:   append([]string{}, p.UnavailableIn...),
		Characteristics: []string{},
		CreatedAt:       p.CreatedAt,
	}
	if p.BrandID != nil {
		doc.Brand = &domain.DocBrand{Name: p.BrandName, Slug: p.BrandSlug}
	}
	for _, c := range s.st.cities {
		if c.GroupID == nil {
			continue
		}
		if price, ok := s.st.prices[priceKey{id, *c.GroupID}]; ok {
			doc.Prices = append(doc.Prices, domain.PriceEntry{
				CityDomain: c.Domain,
				Price:      price.Price,
				OldPrice:   price.OldPrice,
				InPromo:    price.InPromo(),
			})
		}
	}
	sort.Slice(doc.Prices, func(i, j int) bool { return doc.Prices[i].CityDomain < doc.Prices[j].CityDomain })
	for _, cv := range s.st.characteristics[id] {
		doc.Characteristics = append(doc.Characteristics, cv.Token())
	}
	sort.Strings(doc.Characteristics)
	return doc, nil
}

// CategoryDocument projects a category.
func (s *Store) CategoryDocument(_ context.Context, id int64) (*domain.CategoryDocument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.st.categories[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}

	exists := false
	tokens := make(map[string]struct{})
	for pid := range s.st.products {
		p, _ := s.st.joinedProduct(pid)
		if !p.Active || !s.st.inSubtree(p, &c) {
			continue
		}
		if s.st.pricedSomewhere(pid) {
			exists = true
		}
		for _, cv := range s.st.characteristics[pid] {
			if cv.ForFiltering {
				tokens[cv.Token()] = struct{}{}
			}
		}
	}
	characteristics := make([]string, 0, len(tokens))
	for t := range tokens {
		characteristics = append(characteristics, t)
	}
	sort.Strings(characteristics)

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
func (s *Store) BrandDocument(_ context.Context, id int64) (*domain.BrandDocument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.st.brands[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	return &domain.BrandDocument{ID: b.ID, Name: b.Name, Slug: b.Slug, Active: b.Active, Order: b.Order}, nil
}

// IDs lists every id of the kind in ascending order.
func (s *Store) IDs(_ context.Context, kind domain.Kind) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := []int64{}
	switch kind {
	case domain.KindProducts:
		for id := range s.st.products {
			ids = append(ids, id)
		}
	case domain.KindCategories:
		for id := range s.st.categories {
			ids = append(ids, id)
		}
	case domain.KindBrands:
		for id := range s.st.brands {
			ids = append(ids, id)
		}
	default:
		return nil, apperrors.InvalidInput("unknown kind " + string(kind))
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// ProductCategoryID returns the canonical category of a product.
func (s *Store) ProductCategoryID(_ context.Context, productID int64) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.st.products[productID]
	if !ok {
		return 0, apperrors.ErrNotFound
	}
	return p.CategoryID, nil
}

// --- repository.APIKeyRepository ---

// GetByHash returns the key stored under hash.
func (s *Store) GetByHash(_ context.Context, hash string) (*domain.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.keys[hash]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	return &k, nil
}

// --- repository.SearchHistoryRepository ---

// Record stores (user, query) once.
func (s *Store) Record(_ context.Context, userID, query string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byQuery, ok := s.history[userID]
	if !ok {
		byQuery = make(map[string]historyEntry)
		s.history[userID] = byQuery
	}
	if _, exists := byQuery[query]; exists {
		return nil
	}
	s.seq++
	byQuery[query] = historyEntry{
		SearchHistoryEntry: domain.SearchHistoryEntry{UserID: userID, Query: query, CreatedAt: s.now().UTC()},
		seq:                s.seq,
	}
	return nil
}

// ListByUser returns the user's newest entries first.
func (s *Store) ListByUser(_ context.Context, userID string, limit int) ([]domain.SearchHistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := make([]historyEntry, 0, len(s.history[userID]))
	for _, e := range s.history[userID] {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq > entries[j].seq })
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	out := make([]domain.SearchHistoryEntry, len(entries))
	for i, e := range entries {
		out[i] = e.SearchHistoryEntry
	}
	return out, nil
}

// --- joins ---

// joinedProduct returns a copy of the product with category, brand and
// review aggregates filled in.
func (st *state) joinedProduct(id int64) (*domain.Product, bool) {
	p, ok := st.products[id]
	if !ok {
		return nil, false
	}
	if c, ok := st.categories[p.CategoryID]; ok {
		p.CategorySlug, p.CategoryName = c.Slug, c.Name
	}
	p.BrandSlug, p.BrandName = "", ""
	if p.BrandID != nil {
		if b, ok := st.brands[*p.BrandID]; ok {
			p.BrandSlug, p.BrandName = b.Slug, b.Name
		}
	}
	p.Rating, p.ReviewsCount = 0, len(st.reviews[id])
	if p.ReviewsCount > 0 {
		sum := 0
		for _, r := range st.reviews[id] {
			sum += r
		}
		p.Rating = float64(sum) / float64(p.ReviewsCount)
	}
	p.AdditionalCategoryIDs = slices.Clone(p.AdditionalCategoryIDs)
	p.UnavailableIn = slices.Clone(p.UnavailableIn)
	return &p, true
}

func (st *state) inSubtree(p *domain.Product, root *domain.Category) bool {
	for _, cid := range append([]int64{p.CategoryID}, p.AdditionalCategoryIDs...) {
		if c, ok := st.categories[cid]; ok && root.Contains(&c) {
			return true
		}
	}
	return false
}

func (st *state) pricedSomewhere(productID int64) bool {
	for _, c := range st.cities {
		if c.GroupID == nil {
			continue
		}
		if _, ok := st.prices[priceKey{productID, *c.GroupID}]; ok {
			return true
		}
	}
	return false
}

func (st *state) passes(p *domain.Product, price domain.Price, f domain.Filters) bool {
	if !f.AcceptsPrice(domain.QuoteOf(price)) {
		return false
	}
	if len(f.Brands) > 0 && !slices.Contains(f.Brands, p.BrandSlug) {
		return false
	}
	names, groups := f.GroupedCharacteristics()
	for _, name := range names {
		matched := false
		for _, cv := range st.characteristics[p.ID] {
			if cv.Name == name && slices.Contains(groups[name], cv.Slug) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}
