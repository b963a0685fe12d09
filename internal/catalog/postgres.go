package catalog

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sentra-authz/sentra/internal/condition"
)

// LoadPostgres seeds the catalog from the permissions table. Each row is
// registered through the same validation path as admin registration, so a
// malformed condition stops startup instead of surfacing at decide time.
func LoadPostgres(ctx context.Context, pool *pgxpool.Pool, c *Catalog) error {
	rows, err := pool.Query(ctx,
		`SELECT id, resource_type, action, discriminator, description, condition
FROM permissions ORDER BY id`)
	if err != nil {
		return fmt.Errorf("catalog: load permissions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			p        Permission
			condJSON []byte
		)
		if err := rows.Scan(&p.ID, &p.ResourceType, &p.Action, &p.Discriminator, &p.Description, &condJSON); err != nil {
			return fmt.Errorf("catalog: scan permission: %w", err)
		}
		if len(condJSON) > 0 {
			var expr condition.Expr
			if err := json.Unmarshal(condJSON, &expr); err != nil {
				return fmt.Errorf("catalog: permission %d condition: %w", p.ID, err)
			}
			p.Condition = &expr
		}
		if _, err := c.Register(p); err != nil {
			return fmt.Errorf("catalog: permission %d: %w", p.ID, err)
		}
	}
	return rows.Err()
}
