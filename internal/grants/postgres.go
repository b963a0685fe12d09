package grants

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sentra-authz/sentra/internal/condition"
	"github.com/sentra-authz/sentra/internal/schedule"
)

const pgUniqueViolation = "23505"

// Postgres is the production Store adapter. Condition trees and schedules
// are stored as JSONB next to the grant row; revocation flips is_active and
// bumps the version, it never deletes.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres constructs a postgres-backed store.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// SubjectExists implements Store.
func (p *Postgres) SubjectExists(ctx context.Context, subjectID int64) (bool, error) {
	var exists bool
	err := p.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM subjects WHERE id = $1)`, subjectID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("grants: subject exists: %w", err)
	}
	return exists, nil
}

// ResourceTypeExists implements Store.
func (p *Postgres) ResourceTypeExists(ctx context.Context, resourceType string) (bool, error) {
	var exists bool
	err := p.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM resource_types WHERE name = $1)`, resourceType).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("grants: resource type exists: %w", err)
	}
	return exists, nil
}

// ActiveAssignments implements Store.
func (p *Postgres) ActiveAssignments(ctx context.Context, subjectID int64) ([]RoleAssignment, error) {
	const query = `SELECT id, subject_id, role_id, resource_type, resource_scope,
valid_from, valid_until, is_active, revoked_at, revoked_by, version, created_at
FROM role_assignments WHERE subject_id = $1 AND is_active ORDER BY id`

	rows, err := p.pool.Query(ctx, query, subjectID)
	if err != nil {
		return nil, fmt.Errorf("grants: active assignments: %w", err)
	}
	defer rows.Close()
	var out []RoleAssignment
	for rows.Next() {
		var a RoleAssignment
		if err := rows.Scan(&a.ID, &a.SubjectID, &a.RoleID, &a.ResourceType, &a.ResourceScope,
			&a.ValidFrom, &a.ValidUntil, &a.IsActive, &a.RevokedAt, &a.RevokedBy, &a.Version, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

const grantColumns = `id, subject_id, role_id, permission_id, resource_type, action, effect,
resource_scope, valid_from, valid_until, is_active, revoked_at, revoked_by, version,
condition, schedule, approval_ref, created_at, created_by`

// DirectGrants implements Store.
func (p *Postgres) DirectGrants(ctx context.Context, subjectID int64, resourceType string) ([]Grant, error) {
	query := `SELECT ` + grantColumns + ` FROM grants
WHERE subject_id = $1 AND resource_type = $2 ORDER BY created_at, id`
	rows, err := p.pool.Query(ctx, query, subjectID, resourceType)
	if err != nil {
		return nil, fmt.Errorf("grants: direct grants: %w", err)
	}
	defer rows.Close()
	return scanGrants(rows)
}

// RoleGrants implements Store.
func (p *Postgres) RoleGrants(ctx context.Context, roleIDs []int64, resourceType string) ([]Grant, error) {
	if len(roleIDs) == 0 {
		return nil, nil
	}
	query := `SELECT ` + grantColumns + ` FROM grants
WHERE role_id = ANY($1) AND resource_type = $2 ORDER BY created_at, id`
	rows, err := p.pool.Query(ctx, query, roleIDs, resourceType)
	if err != nil {
		return nil, fmt.Errorf("grants: role grants: %w", err)
	}
	defer rows.Close()
	return scanGrants(rows)
}

// ParentRoles implements Store and hierarchy.Graph.
func (p *Postgres) ParentRoles(ctx context.Context, roleID int64) ([]int64, error) {
	rows, err := p.pool.Query(ctx, `SELECT parent_id FROM role_parents WHERE role_id = $1 ORDER BY parent_id`, roleID)
	if err != nil {
		return nil, fmt.Errorf("grants: parent roles: %w", err)
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// CreateGrant implements Store.
func (p *Postgres) CreateGrant(ctx context.Context, g Grant) (Grant, error) {
	if g.ID == uuid.Nil {
		g.ID = uuid.New()
	}
	condJSON, schedJSON, err := marshalGuards(g)
	if err != nil {
		return Grant{}, err
	}
	const query = `INSERT INTO grants
(id, subject_id, role_id, permission_id, resource_type, action, effect, resource_scope,
 valid_from, valid_until, condition, schedule, approval_ref, created_by, is_active, version)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,COALESCE($9, NOW()),$10,$11,$12,$13,$14,TRUE,1)
RETURNING created_at, valid_from`
	err = p.pool.QueryRow(ctx, query,
		g.ID, g.SubjectID, g.RoleID, g.PermissionID, g.ResourceType, g.Action, string(g.Effect),
		g.ResourceScope, nullableTime(g.ValidFrom), g.ValidUntil, condJSON, schedJSON, g.ApprovalRef, g.CreatedBy,
	).Scan(&g.CreatedAt, &g.ValidFrom)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return Grant{}, fmt.Errorf("grants: create: %w", ErrDuplicateAssignment)
		}
		return Grant{}, fmt.Errorf("grants: create: %w", err)
	}
	g.IsActive = true
	g.Version = 1
	return g, nil
}

// RevokeGrant implements Store. The version predicate makes concurrent
// revocations lose cleanly instead of double-applying.
func (p *Postgres) RevokeGrant(ctx context.Context, id uuid.UUID, revokedBy int64, version int64) (Grant, error) {
	query := `UPDATE grants
SET is_active = FALSE, revoked_at = NOW(), revoked_by = $2, version = version + 1
WHERE id = $1 AND version = $3
RETURNING ` + grantColumns
	row := p.pool.QueryRow(ctx, query, id, revokedBy, version)
	g, err := scanGrant(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return p.classifyRevokeMiss(ctx, id)
		}
		return Grant{}, fmt.Errorf("grants: revoke: %w", err)
	}
	return g, nil
}

func (p *Postgres) classifyRevokeMiss(ctx context.Context, id uuid.UUID) (Grant, error) {
	var exists bool
	if err := p.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM grants WHERE id = $1)`, id).Scan(&exists); err != nil {
		return Grant{}, fmt.Errorf("grants: revoke classify: %w", err)
	}
	if exists {
		return Grant{}, ErrVersionConflict
	}
	return Grant{}, ErrGrantNotFound
}

// CreateAssignment implements Store.
func (p *Postgres) CreateAssignment(ctx context.Context, a RoleAssignment) (RoleAssignment, error) {
	const query = `INSERT INTO role_assignments
(subject_id, role_id, resource_type, resource_scope, valid_from, valid_until, is_active, version)
VALUES ($1,$2,$3,$4,COALESCE($5, NOW()),$6,TRUE,1)
RETURNING id, valid_from, created_at`
	err := p.pool.QueryRow(ctx, query,
		a.SubjectID, a.RoleID, a.ResourceType, a.ResourceScope, nullableTime(a.ValidFrom), a.ValidUntil,
	).Scan(&a.ID, &a.ValidFrom, &a.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return RoleAssignment{}, ErrDuplicateAssignment
		}
		return RoleAssignment{}, fmt.Errorf("grants: create assignment: %w", err)
	}
	a.IsActive = true
	a.Version = 1
	return a, nil
}

// RevokeAssignment implements Store.
func (p *Postgres) RevokeAssignment(ctx context.Context, id int64, revokedBy int64, version int64) (RoleAssignment, error) {
	const query = `UPDATE role_assignments
SET is_active = FALSE, revoked_at = NOW(), revoked_by = $2, version = version + 1
WHERE id = $1 AND version = $3
RETURNING id, subject_id, role_id, resource_type, resource_scope,
valid_from, valid_until, is_active, revoked_at, revoked_by, version, created_at`
	var a RoleAssignment
	err := p.pool.QueryRow(ctx, query, id, revokedBy, version).Scan(
		&a.ID, &a.SubjectID, &a.RoleID, &a.ResourceType, &a.ResourceScope,
		&a.ValidFrom, &a.ValidUntil, &a.IsActive, &a.RevokedAt, &a.RevokedBy, &a.Version, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			var exists bool
			if scanErr := p.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM role_assignments WHERE id = $1)`, id).Scan(&exists); scanErr != nil {
				return RoleAssignment{}, fmt.Errorf("grants: revoke assignment classify: %w", scanErr)
			}
			if exists {
				return RoleAssignment{}, ErrVersionConflict
			}
			return RoleAssignment{}, ErrGrantNotFound
		}
		return RoleAssignment{}, fmt.Errorf("grants: revoke assignment: %w", err)
	}
	return a, nil
}

// GrantsForRole implements Store.
func (p *Postgres) GrantsForRole(ctx context.Context, roleID int64) ([]Grant, error) {
	query := `SELECT ` + grantColumns + ` FROM grants
WHERE role_id = $1 AND is_active ORDER BY created_at, id`
	rows, err := p.pool.Query(ctx, query, roleID)
	if err != nil {
		return nil, fmt.Errorf("grants: grants for role: %w", err)
	}
	defer rows.Close()
	return scanGrants(rows)
}

// History implements Store.
func (p *Postgres) History(ctx context.Context, subjectID int64) ([]Grant, error) {
	query := `SELECT ` + grantColumns + ` FROM grants
WHERE subject_id = $1 ORDER BY created_at, id`
	rows, err := p.pool.Query(ctx, query, subjectID)
	if err != nil {
		return nil, fmt.Errorf("grants: history: %w", err)
	}
	defer rows.Close()
	return scanGrants(rows)
}

// SubjectsWithRole implements Store.
func (p *Postgres) SubjectsWithRole(ctx context.Context, roleID int64) ([]int64, error) {
	const query = `SELECT DISTINCT subject_id FROM role_assignments
WHERE role_id = $1 AND is_active ORDER BY subject_id`
	rows, err := p.pool.Query(ctx, query, roleID)
	if err != nil {
		return nil, fmt.Errorf("grants: subjects with role: %w", err)
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func marshalGuards(g Grant) ([]byte, []byte, error) {
	var condJSON, schedJSON []byte
	var err error
	if g.Condition != nil {
		if condJSON, err = json.Marshal(g.Condition); err != nil {
			return nil, nil, fmt.Errorf("grants: marshal condition: %w", err)
		}
	}
	if g.Schedule != nil {
		if schedJSON, err = json.Marshal(g.Schedule); err != nil {
			return nil, nil, fmt.Errorf("grants: marshal schedule: %w", err)
		}
	}
	return condJSON, schedJSON, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGrant(row rowScanner) (Grant, error) {
	var (
		g         Grant
		effect    string
		condJSON  []byte
		schedJSON []byte
	)
	err := row.Scan(&g.ID, &g.SubjectID, &g.RoleID, &g.PermissionID, &g.ResourceType, &g.Action, &effect,
		&g.ResourceScope, &g.ValidFrom, &g.ValidUntil, &g.IsActive, &g.RevokedAt, &g.RevokedBy, &g.Version,
		&condJSON, &schedJSON, &g.ApprovalRef, &g.CreatedAt, &g.CreatedBy)
	if err != nil {
		return Grant{}, err
	}
	g.Effect = Effect(effect)
	if len(condJSON) > 0 {
		var expr condition.Expr
		if err := json.Unmarshal(condJSON, &expr); err != nil {
			return Grant{}, fmt.Errorf("grants: unmarshal condition: %w", err)
		}
		g.Condition = &expr
	}
	if len(schedJSON) > 0 {
		var sched schedule.Schedule
		if err := json.Unmarshal(schedJSON, &sched); err != nil {
			return Grant{}, fmt.Errorf("grants: unmarshal schedule: %w", err)
		}
		g.Schedule = &sched
	}
	return g, nil
}

func scanGrants(rows pgx.Rows) ([]Grant, error) {
	var out []Grant
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
