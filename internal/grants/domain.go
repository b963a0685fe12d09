// Package grants holds the grant records the decision engine consumes: role
// assignments, direct permissions, and their temporal/conditional wrappers,
// plus the store port and cache that serve them.
package grants

import (
	"time"

	"github.com/google/uuid"

	"github.com/sentra-authz/sentra/internal/condition"
	"github.com/sentra-authz/sentra/internal/schedule"
)

// Effect says whether a grant contributes an allow or a deny.
type Effect string

const (
	// Allow grants access when applicable.
	Allow Effect = "allow"
	// Deny blocks access when applicable and outranks any allow of equal
	// or lower specificity.
	Deny Effect = "deny"
)

// Source distinguishes how a grant reached the subject.
type Source string

const (
	// SourceDirect is a permission granted to the subject itself.
	SourceDirect Source = "direct"
	// SourceRole is a permission inherited through a role assignment.
	SourceRole Source = "role"
)

// Grant is the persisted shape shared by role permissions, direct
// permissions, and their temporal/conditional variants. Revocation is soft:
// revoked rows stay in storage for the audit trail.
type Grant struct {
	ID           uuid.UUID
	SubjectID    *int64
	RoleID       *int64
	PermissionID int64
	ResourceType string
	Action       string
	Effect       Effect

	// ResourceScope restricts the grant to one resource instance; nil
	// means type-wide.
	ResourceScope *string

	ValidFrom  time.Time
	ValidUntil *time.Time
	IsActive   bool
	RevokedAt  *time.Time
	RevokedBy  *int64

	// Version guards concurrent mutations optimistically.
	Version int64

	Condition   *condition.Expr
	Schedule    *schedule.Schedule
	ApprovalRef *uuid.UUID

	CreatedAt time.Time
	CreatedBy int64
}

// InWindow reports whether the simple validity window and active flag cover
// the given instant. Context-dependent checks (schedules, conditions,
// approvals) are the evaluator's job.
func (g Grant) InWindow(now time.Time) bool {
	if !g.IsActive {
		return false
	}
	if !g.ValidFrom.IsZero() && now.Before(g.ValidFrom) {
		return false
	}
	if g.ValidUntil != nil && !now.Before(*g.ValidUntil) {
		return false
	}
	return true
}

// Expired reports whether the grant's window has definitively closed.
func (g Grant) Expired(now time.Time) bool {
	return g.ValidUntil != nil && !now.Before(*g.ValidUntil)
}

// Candidate is a grant tagged with how it reached the subject. Depth is the
// hierarchy distance: 0 for direct permissions, 1 for a permission on an
// assigned role, +1 per inherited ancestor. Shallower candidates win ties.
type Candidate struct {
	Grant
	Source  Source
	Depth   int
	ViaRole *int64
}

// RoleAssignment links a subject to a role, optionally scoped to a single
// resource instance.
type RoleAssignment struct {
	ID            int64
	SubjectID     int64
	RoleID        int64
	ResourceType  *string
	ResourceScope *string
	ValidFrom     time.Time
	ValidUntil    *time.Time
	IsActive      bool
	RevokedAt     *time.Time
	RevokedBy     *int64
	Version       int64
	CreatedAt     time.Time
}

// InWindow mirrors Grant.InWindow for assignments.
func (a RoleAssignment) InWindow(now time.Time) bool {
	if !a.IsActive {
		return false
	}
	if !a.ValidFrom.IsZero() && now.Before(a.ValidFrom) {
		return false
	}
	if a.ValidUntil != nil && !now.Before(*a.ValidUntil) {
		return false
	}
	return true
}

// Snapshot is the collected candidate set for one (subject, resource type,
// resource instance) key. It is the unit the decision cache stores; the
// engine re-applies window filtering and context evaluation on every call.
type Snapshot struct {
	SubjectID        int64     `json:"subject_id"`
	ResourceType     string    `json:"resource_type"`
	ResourceInstance *string   `json:"resource_instance,omitempty"`
	Candidates       []Candidate `json:"candidates"`
	CollectedAt      time.Time `json:"collected_at"`
}
