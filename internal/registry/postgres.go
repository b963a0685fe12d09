package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres resolves resources from the resources table.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres constructs a postgres-backed registry.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// Resolve implements Registry.
func (p *Postgres) Resolve(ctx context.Context, id string) (Resource, error) {
	const query = `SELECT id, resource_type, owner_id, attributes, ancestors, access_logging_required
FROM resources WHERE id = $1`

	var (
		res      Resource
		rawAttrs []byte
	)
	err := p.pool.QueryRow(ctx, query, id).Scan(&res.ID, &res.Type, &res.OwnerID, &rawAttrs, &res.Ancestors, &res.AccessLoggingRequired)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Resource{}, fmt.Errorf("%w: %s", ErrResourceNotFound, id)
		}
		return Resource{}, fmt.Errorf("registry: resolve %s: %w", id, err)
	}
	if len(rawAttrs) > 0 {
		if err := json.Unmarshal(rawAttrs, &res.Attributes); err != nil {
			return Resource{}, fmt.Errorf("registry: attributes of %s: %w", id, err)
		}
	}
	return res, nil
}
