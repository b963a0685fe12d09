// Package roles is the role admin surface: creating roles, attaching
// hierarchy parents under the acyclicity guard, and declaring a role's
// permission set.
package roles

import (
	"errors"
	"time"
)

// ErrRoleNotFound means no role matches the identifier.
var ErrRoleNotFound = errors.New("roles: role not found")

// ErrDuplicateRole means the role name is taken.
var ErrDuplicateRole = errors.New("roles: duplicate role")

// Role is a named bundle of permissions subjects can be assigned to.
type Role struct {
	ID          int64
	Name        string
	Description string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// PermissionSpec declares one permission a role should carry.
type PermissionSpec struct {
	ResourceType  string
	Action        string
	Effect        string
	ResourceScope *string
}
