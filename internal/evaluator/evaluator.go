// Package evaluator decides whether a grant's context-dependent guards —
// temporal schedule, conditional predicate, approval gate — hold for one
// request. It is state-free: the clock and approval lookup are injected, and
// indeterminate outcomes are resolved here, fail-closed, so they never
// surface as errors.
package evaluator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sentra-authz/sentra/internal/condition"
	"github.com/sentra-authz/sentra/internal/grants"
)

// ErrApprovalNotFound means no approval record matches the reference.
var ErrApprovalNotFound = errors.New("evaluator: approval not found")

// ApprovalStatus values as persisted.
const (
	ApprovalStatusPending  = "pending"
	ApprovalStatusApproved = "approved"
	ApprovalStatusRejected = "rejected"
)

// Approval is the record gating emergency-style grants.
type Approval struct {
	Ref                uuid.UUID
	Status             string
	ApprovedAt         time.Time
	ApprovedBy         int64
	MaxDurationMinutes int
}

// ApprovalStore looks up approval records by reference.
type ApprovalStore interface {
	Approval(ctx context.Context, ref uuid.UUID) (Approval, error)
}

// Evaluator applies the context-dependent guards of a grant.
type Evaluator struct {
	approvals ApprovalStore
	clock     func() time.Time
}

// New constructs an Evaluator. A nil clock selects time.Now; tests inject a
// fixed clock to exercise schedule edges deterministically.
func New(approvals ApprovalStore, clock func() time.Time) *Evaluator {
	if clock == nil {
		clock = time.Now
	}
	return &Evaluator{approvals: approvals, clock: clock}
}

// Now exposes the injected clock so the engine shares the same time source.
func (e *Evaluator) Now() time.Time {
	return e.clock()
}

// Applicable reports whether the grant participates in the decision given
// the request context. A guard that cannot be answered (missing attribute,
// broken schedule data) resolves to not-applicable for allow grants and
// applicable for deny grants: ambiguity never favors access. The returned
// error is reserved for dependency failures (approval store unreachable).
func (e *Evaluator) Applicable(ctx context.Context, g grants.Grant, attrs condition.Attributes) (bool, error) {
	now := e.clock()

	if g.Schedule != nil {
		covered, err := g.Schedule.Covers(now)
		if err != nil {
			// Corrupted schedule data: resolve like an
			// indeterminate predicate.
			return g.Effect == grants.Deny, nil
		}
		if !covered {
			return false, nil
		}
	}

	if g.Condition != nil {
		switch g.Condition.Eval(attrs) {
		case condition.True:
			// fall through to the approval gate
		case condition.False:
			return false, nil
		case condition.Indeterminate:
			return g.Effect == grants.Deny, nil
		}
	}

	if g.ApprovalRef != nil {
		ok, err := e.approvalOpen(ctx, *g.ApprovalRef, now)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}

	return true, nil
}

// approvalOpen reports whether the referenced approval is granted and still
// inside its duration window.
func (e *Evaluator) approvalOpen(ctx context.Context, ref uuid.UUID, now time.Time) (bool, error) {
	if e.approvals == nil {
		return false, nil
	}
	approval, err := e.approvals.Approval(ctx, ref)
	if err != nil {
		if errors.Is(err, ErrApprovalNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("evaluator: approval %s: %w", ref, err)
	}
	if approval.Status != ApprovalStatusApproved {
		return false, nil
	}
	if approval.MaxDurationMinutes <= 0 {
		return false, nil
	}
	deadline := approval.ApprovedAt.Add(time.Duration(approval.MaxDurationMinutes) * time.Minute)
	return !now.Before(approval.ApprovedAt) && now.Before(deadline), nil
}
