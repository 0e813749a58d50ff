package engine

import (
	"context"

	"github.com/megashop/citysearch/internal/domain"
	"github.com/megashop/citysearch/internal/query"
)

// Hit is one matching document.
type Hit struct {
	Kind  domain.Kind
	ID    int64
	Score float64
}

// Hits groups matches by kind, each list ordered by score descending and
// then id ascending.
type Hits map[domain.Kind][]Hit

// IDs returns the ids of the kind's hits in order.
func (h Hits) IDs(kind domain.Kind) []int64 {
	ids := make([]int64, 0, len(h[kind]))
	for _, hit := range h[kind] {
		ids = append(ids, hit.ID)
	}
	return ids
}

// Scores returns the kind's scores keyed by id.
func (h Hits) Scores(kind domain.Kind) map[int64]float64 {
	scores := make(map[int64]float64, len(h[kind]))
	for _, hit := range h[kind] {
		scores[hit.ID] = hit.Score
	}
	return scores
}

// DocumentStream feeds every document of a kind to emit.
type DocumentStream func(ctx context.Context, emit func(domain.Document) error) error

// SearchEngine stores index documents and evaluates index queries.
// Implementations may use Elasticsearch, in-memory storage, or other backends.
type SearchEngine interface {
	// Search evaluates every sub-query of q.
	Search(ctx context.Context, q *query.IndexQuery) (Hits, error)

	// Index writes a document at version. A write older than the stored
	// version is ignored.
	Index(ctx context.Context, kind domain.Kind, doc domain.Document, version int64) error

	// Delete removes a document at version. Missing documents are ignored.
	Delete(ctx context.Context, kind domain.Kind, id int64, version int64) error

	// Rebuild replaces the kind's documents with the stream's output at
	// version. Readers see either the old or the new set.
	Rebuild(ctx context.Context, kind domain.Kind, version int64, docs DocumentStream) (int, error)

	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error
}
