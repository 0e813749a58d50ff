package postgres

import (
	"context"
	"fmt"

	"github.com/megashop/citysearch/internal/domain"
	"github.com/megashop/citysearch/pkg/database"
)

// SearchHistoryRepository implements repository.SearchHistoryRepository
// using PostgreSQL.
type SearchHistoryRepository struct {
	db database.DBTX
}

// NewSearchHistoryRepository creates a new PostgreSQL-backed history store.
func NewSearchHistoryRepository(db database.DBTX) *SearchHistoryRepository {
	return &SearchHistoryRepository{db: db}
}

// Record inserts (user, query) unless it is already recorded.
func (r *SearchHistoryRepository) Record(ctx context.Context, userID, query string) (err error) {
	stmt := `
		INSERT INTO search_history (user_id, query, created_at)
		VALUES ($1, $2, now())
		ON CONFLICT (user_id, query) DO NOTHING`

	ctx, end := database.TraceQuery(ctx, "record_search", stmt)
	defer func() { end(err) }()

	if _, err = r.db.Exec(ctx, stmt, userID, query); err != nil {
		return fmt.Errorf("record search history: %w", err)
	}
	return nil
}

// ListByUser returns the user's most recent searches.
func (r *SearchHistoryRepository) ListByUser(ctx context.Context, userID string, limit int) (_ []domain.SearchHistoryEntry, err error) {
	query := `
		SELECT user_id, query, created_at
		FROM search_history
		WHERE user_id = $1
		ORDER BY created_at DESC, query
		LIMIT $2`

	ctx, end := database.TraceQuery(ctx, "list_search_history", query)
	defer func() { end(err) }()

	rows, err := r.db.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list search history: %w", err)
	}
	defer rows.Close()

	entries := []domain.SearchHistoryEntry{}
	for rows.Next() {
		var e domain.SearchHistoryEntry
		if err := rows.Scan(&e.UserID, &e.Query, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan search history row: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate search history rows: %w", err)
	}
	return entries, nil
}
