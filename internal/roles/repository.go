package roles

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sentra-authz/sentra/internal/platform/db"
)

// RepositoryPort defines role persistence.
type RepositoryPort interface {
	CreateRole(ctx context.Context, name, description string) (Role, error)
	RoleByID(ctx context.Context, id int64) (Role, error)
	ListRoles(ctx context.Context) ([]Role, error)
	// SetParents replaces the role's parent set atomically.
	SetParents(ctx context.Context, roleID int64, parents []int64) error
}

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// CreateRole inserts a new role.
func (r *Repository) CreateRole(ctx context.Context, name, description string) (Role, error) {
	var role Role
	err := r.pool.QueryRow(ctx,
		`INSERT INTO roles (name, description) VALUES ($1, $2)
RETURNING id, name, description, created_at, updated_at`,
		name, description,
	).Scan(&role.ID, &role.Name, &role.Description, &role.CreatedAt, &role.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Role{}, fmt.Errorf("%w: %s", ErrDuplicateRole, name)
		}
		return Role{}, fmt.Errorf("roles: create: %w", err)
	}
	return role, nil
}

// RoleByID fetches one role.
func (r *Repository) RoleByID(ctx context.Context, id int64) (Role, error) {
	var role Role
	err := r.pool.QueryRow(ctx,
		`SELECT id, name, description, created_at, updated_at FROM roles WHERE id = $1`, id,
	).Scan(&role.ID, &role.Name, &role.Description, &role.CreatedAt, &role.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Role{}, ErrRoleNotFound
	}
	if err != nil {
		return Role{}, fmt.Errorf("roles: by id: %w", err)
	}
	return role, nil
}

// ListRoles returns all roles ordered by name.
func (r *Repository) ListRoles(ctx context.Context) ([]Role, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, name, description, created_at, updated_at FROM roles ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("roles: list: %w", err)
	}
	defer rows.Close()
	var out []Role
	for rows.Next() {
		var role Role
		if err := rows.Scan(&role.ID, &role.Name, &role.Description, &role.CreatedAt, &role.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, role)
	}
	return out, rows.Err()
}

// SetParents replaces the role's parent links in one transaction.
func (r *Repository) SetParents(ctx context.Context, roleID int64, parents []int64) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM role_parents WHERE role_id = $1`, roleID); err != nil {
			return fmt.Errorf("roles: clear parents: %w", err)
		}
		for _, parent := range parents {
			if _, err := tx.Exec(ctx,
				`INSERT INTO role_parents (role_id, parent_id) VALUES ($1, $2)`, roleID, parent); err != nil {
				return fmt.Errorf("roles: add parent %d: %w", parent, err)
			}
		}
		return nil
	})
}
