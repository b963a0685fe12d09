package grants

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// Sentinel errors for the store port. SubjectNotFound and
// ResourceTypeUnknown are terminal: the engine maps them to a denied
// decision without retrying.
var (
	ErrSubjectNotFound     = errors.New("grants: subject not found")
	ErrResourceTypeUnknown = errors.New("grants: resource type unknown")
	ErrGrantNotFound       = errors.New("grants: grant not found")
	ErrVersionConflict     = errors.New("grants: version conflict")
	ErrDuplicateAssignment = errors.New("grants: assignment already exists")
)

// Store is the persistence port for grants and role assignments. The read
// side serves the decision hot path; the write side serializes concurrent
// mutations per record via optimistic version checks.
type Store interface {
	// SubjectExists reports whether the subject is known. Decide calls
	// it once per cache fill, not per request.
	SubjectExists(ctx context.Context, subjectID int64) (bool, error)

	// ResourceTypeExists reports whether the resource type is registered.
	ResourceTypeExists(ctx context.Context, resourceType string) (bool, error)

	// ActiveAssignments returns the subject's non-revoked role
	// assignments, including instance-scoped ones.
	ActiveAssignments(ctx context.Context, subjectID int64) ([]RoleAssignment, error)

	// DirectGrants returns the subject's own grants for a resource type.
	DirectGrants(ctx context.Context, subjectID int64, resourceType string) ([]Grant, error)

	// RoleGrants returns grants attached to any of the given roles for a
	// resource type.
	RoleGrants(ctx context.Context, roleIDs []int64, resourceType string) ([]Grant, error)

	// ParentRoles returns the immediate parents of a role in the
	// hierarchy. Feeds the hierarchy resolver's traversal.
	ParentRoles(ctx context.Context, roleID int64) ([]int64, error)

	// CreateGrant persists a new grant.
	CreateGrant(ctx context.Context, g Grant) (Grant, error)

	// RevokeGrant soft-revokes a grant. The version must match the
	// currently stored one or ErrVersionConflict is returned.
	RevokeGrant(ctx context.Context, id uuid.UUID, revokedBy int64, version int64) (Grant, error)

	// CreateAssignment persists a role assignment.
	CreateAssignment(ctx context.Context, a RoleAssignment) (RoleAssignment, error)

	// RevokeAssignment soft-revokes a role assignment with the same
	// optimistic check as RevokeGrant.
	RevokeAssignment(ctx context.Context, id int64, revokedBy int64, version int64) (RoleAssignment, error)

	// GrantsForRole returns the role's own active grants across every
	// resource type. The role admin uses it for declarative permission
	// replacement.
	GrantsForRole(ctx context.Context, roleID int64) ([]Grant, error)

	// History returns every grant ever recorded for the subject,
	// including revoked and expired ones. Decide never consults it.
	History(ctx context.Context, subjectID int64) ([]Grant, error)

	// SubjectsWithRole returns subjects currently holding the role,
	// directly feeding role-wide cache invalidation.
	SubjectsWithRole(ctx context.Context, roleID int64) ([]int64, error)
}
