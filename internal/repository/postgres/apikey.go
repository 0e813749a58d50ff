package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/megashop/citysearch/internal/domain"
	"github.com/megashop/citysearch/pkg/database"
	apperrors "github.com/megashop/citysearch/pkg/errors"
)

// APIKeyRepository implements repository.APIKeyRepository using PostgreSQL.
type APIKeyRepository struct {
	db database.DBTX
}

// NewAPIKeyRepository creates a new PostgreSQL-backed API key repository.
func NewAPIKeyRepository(db database.DBTX) *APIKeyRepository {
	return &APIKeyRepository{db: db}
}

// GetByHash retrieves an API key by the sha256 hex digest of its value.
func (r *APIKeyRepository) GetByHash(ctx context.Context, hash string) (_ *domain.APIKey, err error) {
	query := `
		SELECT id, client, key_hash, COALESCE(allowed_hosts, ''), COALESCE(allowed_ips, ''), is_active,
			trusted_gateway, expires_at
		FROM api_keys
		WHERE key_hash = $1`

	ctx, end := database.TraceQuery(ctx, "api_key_by_hash", query)
	defer func() { end(err) }()

	var k domain.APIKey
	err = r.db.QueryRow(ctx, query, hash).Scan(
		&k.ID,
		&k.Client,
		&k.KeyHash,
		&k.AllowedHosts,
		&k.AllowedIPs,
		&k.Active,
		&k.TrustedGateway,
		&k.ExpiresAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("get api key: %w", err)
	}
	return &k, nil
}
