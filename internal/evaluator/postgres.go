package evaluator

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresApprovals reads approval records from the approvals table.
type PostgresApprovals struct {
	pool *pgxpool.Pool
}

// NewPostgresApprovals constructs a postgres-backed approval store.
func NewPostgresApprovals(pool *pgxpool.Pool) *PostgresApprovals {
	return &PostgresApprovals{pool: pool}
}

// Approval implements ApprovalStore.
func (p *PostgresApprovals) Approval(ctx context.Context, ref uuid.UUID) (Approval, error) {
	var a Approval
	err := p.pool.QueryRow(ctx,
		`SELECT ref, status, approved_at, approved_by, max_duration_minutes
FROM approvals WHERE ref = $1`,
		ref,
	).Scan(&a.Ref, &a.Status, &a.ApprovedAt, &a.ApprovedBy, &a.MaxDurationMinutes)
	if errors.Is(err, pgx.ErrNoRows) {
		return Approval{}, ErrApprovalNotFound
	}
	if err != nil {
		return Approval{}, fmt.Errorf("evaluator: approval lookup: %w", err)
	}
	return a, nil
}

// MemoryApprovals is an in-process ApprovalStore for tests and single-node
// setups.
type MemoryApprovals struct {
	byRef map[uuid.UUID]Approval
}

// NewMemoryApprovals constructs an empty store.
func NewMemoryApprovals() *MemoryApprovals {
	return &MemoryApprovals{byRef: make(map[uuid.UUID]Approval)}
}

// Put stores an approval record.
func (m *MemoryApprovals) Put(a Approval) {
	m.byRef[a.Ref] = a
}

// Approval implements ApprovalStore.
func (m *MemoryApprovals) Approval(ctx context.Context, ref uuid.UUID) (Approval, error) {
	if a, ok := m.byRef[ref]; ok {
		return a, nil
	}
	return Approval{}, ErrApprovalNotFound
}
