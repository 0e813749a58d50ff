package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/megashop/citysearch/internal/domain"
	"github.com/megashop/citysearch/internal/engine"
	"github.com/megashop/citysearch/internal/query"
)

type document struct {
	id     int64
	fields map[string]any
}

type index struct {
	docs     map[int64]document
	versions map[int64]int64
}

func newIndex() *index {
	return &index{docs: make(map[int64]document), versions: make(map[int64]int64)}
}

// Engine is an in-memory implementation of the SearchEngine interface.
// It evaluates the clause tree directly over JSON-decoded documents.
// Thread-safe via sync.RWMutex.
type Engine struct {
	mu      sync.RWMutex
	indexes map[domain.Kind]*index
}

// New creates a new in-memory search engine.
func New() *Engine {
	e := &Engine{indexes: make(map[domain.Kind]*index)}
	for _, k := range domain.AllKinds() {
		e.indexes[k] = newIndex()
	}
	return e
}

// Ping always succeeds.
func (e *Engine) Ping(context.Context) error { return nil }

// Index stores doc unless a newer or equal version is already recorded.
func (e *Engine) Index(_ context.Context, kind domain.Kind, doc domain.Document, version int64) error {
	fields, err := decode(doc.Body)
	if err != nil {
		return fmt.Errorf("memory index: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	idx := e.indexes[kind]
	if v, ok := idx.versions[doc.ID]; ok && v >= version {
		return nil
	}
	idx.versions[doc.ID] = version
	idx.docs[doc.ID] = document{id: doc.ID, fields: fields}
	return nil
}

// Delete removes a document, keeping its version as a tombstone.
func (e *Engine) Delete(_ context.Context, kind domain.Kind, id int64, version int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	idx := e.indexes[kind]
	if v, ok := idx.versions[id]; ok && v >= version {
		return nil
	}
	idx.versions[id] = version
	delete(idx.docs, id)
	return nil
}

// Rebuild builds a fresh index off to the side and swaps it in.
func (e *Engine) Rebuild(ctx context.Context, kind domain.Kind, version int64, docs engine.DocumentStream) (int, error) {
	fresh := newIndex()
	err := docs(ctx, func(doc domain.Document) error {
		fields, err := decode(doc.Body)
		if err != nil {
			return err
		}
		fresh.docs[doc.ID] = document{id: doc.ID, fields: fields}
		fresh.versions[doc.ID] = version
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("memory rebuild %s: %w", kind, err)
	}

	e.mu.Lock()
	e.indexes[kind] = fresh
	e.mu.Unlock()
	return len(fresh.docs), nil
}

// Count returns the number of documents of kind.
func (e *Engine) Count(kind domain.Kind) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.indexes[kind].docs)
}

// Search evaluates every sub-query against its index.
func (e *Engine) Search(_ context.Context, q *query.IndexQuery) (engine.Hits, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	hits := make(engine.Hits, len(q.Subqueries))
	for _, sq := range q.Subqueries {
		idx, ok := e.indexes[sq.Kind]
		if !ok {
			return nil, fmt.Errorf("memory search: unknown index %q", sq.Kind)
		}
		var matched []engine.Hit
		for _, doc := range idx.docs {
			if score, ok := evaluate(sq, doc.fields); ok {
				matched = append(matched, engine.Hit{Kind: sq.Kind, ID: doc.id, Score: score})
			}
		}
		sort.Slice(matched, func(i, j int) bool {
			if matched[i].Score != matched[j].Score {
				return matched[i].Score > matched[j].Score
			}
			return matched[i].ID < matched[j].ID
		})
		if q.Size > 0 && len(matched) > q.Size {
			matched = matched[:q.Size]
		}
		hits[sq.Kind] = matched
	}
	return hits, nil
}

func evaluate(sq query.SubQuery, doc map[string]any) (float64, bool) {
	for _, c := range sq.Must {
		if !matches(c, doc) {
			return 0, false
		}
	}
	for _, c := range sq.MustNot {
		if matches(c, doc) {
			return 0, false
		}
	}
	var score float64
	matched := 0
	for _, c := range sq.Should {
		if matches(c, doc) {
			matched++
			score += query.BoostOf(c)
		}
	}
	if matched < sq.MinimumShouldMatch {
		return 0, false
	}
	return score, true
}

func matches(c query.Clause, doc map[string]any) bool {
	switch v := c.(type) {
	case query.Term:
		return anyValue(lookup(doc, v.Field), func(x any) bool { return equal(x, v.Value) })
	case query.Terms:
		return anyValue(lookup(doc, v.Field), func(x any) bool {
			for _, want := range v.Values {
				if equal(x, want) {
					return true
				}
			}
			return false
		})
	case query.Exact:
		return anyString(lookup(doc, v.Field), func(s string) bool { return strings.EqualFold(s, v.Value) })
	case query.Fuzzy:
		return anyString(lookup(doc, v.Field), func(s string) bool { return fuzzyMatch(s, v.Value) })
	case query.Wildcard:
		return anyString(lookup(doc, v.Field), func(s string) bool { return wildcardMatch(v.Pattern, s) })
	case query.Phrase:
		return anyString(lookup(doc, v.Field), func(s string) bool { return phraseMatch(s, v.Value) })
	case query.Prefix:
		return anyString(lookup(doc, v.Field), func(s string) bool { return prefixMatch(s, v.Value) })
	case query.Range:
		return anyValue(lookup(doc, v.Field), func(x any) bool {
			d, ok := toDecimal(x)
			if !ok {
				return false
			}
			if v.GTE != nil && d.LessThan(*v.GTE) {
				return false
			}
			if v.LTE != nil && d.GreaterThan(*v.LTE) {
				return false
			}
			return true
		})
	case query.Nested:
		items, _ := doc[v.Path].([]any)
		for _, item := range items {
			obj, ok := item.(map[string]any)
			if !ok {
				continue
			}
			scoped := map[string]any{v.Path: obj}
			all := true
			for _, inner := range v.Must {
				if !matches(inner, scoped) {
					all = false
					break
				}
			}
			if all {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// lookup resolves a dotted path. Arrays along the way are flattened.
func lookup(doc map[string]any, path string) []any {
	current := []any{doc}
	for _, part := range strings.Split(path, ".") {
		var next []any
		for _, node := range current {
			obj, ok := node.(map[string]any)
			if !ok {
				continue
			}
			switch val := obj[part].(type) {
			case nil:
			case []any:
				next = append(next, val...)
			default:
				next = append(next, val)
			}
		}
		current = next
	}
	return current
}

func anyValue(values []any, pred func(any) bool) bool {
	for _, v := range values {
		if pred(v) {
			return true
		}
	}
	return false
}

func anyString(values []any, pred func(string) bool) bool {
	return anyValue(values, func(v any) bool {
		s, ok := v.(string)
		return ok && pred(s)
	})
}

func equal(got, want any) bool {
	switch w := want.(type) {
	case bool:
		b, ok := got.(bool)
		return ok && b == w
	case string:
		s, ok := got.(string)
		return ok && s == w
	default:
		gd, ok1 := toDecimal(got)
		wd, ok2 := toDecimal(want)
		return ok1 && ok2 && gd.Equal(wd)
	}
}

func toDecimal(v any) (decimal.Decimal, bool) {
	switch n := v.(type) {
	case json.Number:
		d, err := decimal.NewFromString(n.String())
		return d, err == nil
	case string:
		d, err := decimal.NewFromString(n)
		return d, err == nil
	case int:
		return decimal.NewFromInt(int64(n)), true
	case int64:
		return decimal.NewFromInt(n), true
	case float64:
		return decimal.NewFromFloat(n), true
	case decimal.Decimal:
		return n, true
	default:
		return decimal.Decimal{}, false
	}
}

func decode(body any) (map[string]any, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal document: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	return fields, nil
}
