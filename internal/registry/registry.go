// Package registry resolves resource identifiers to the metadata the
// decision path needs: the resource type, attributes referenced by
// conditional predicates, ownership, ancestor scopes, and the audit
// classification. The registry is a consumed dependency; this package holds
// the port plus postgres and in-memory adapters.
package registry

import (
	"context"
	"errors"
)

// ErrResourceNotFound means the identifier resolves to nothing.
var ErrResourceNotFound = errors.New("registry: resource not found")

// Resource is the resolved metadata for one resource instance.
type Resource struct {
	ID      string
	Type    string
	OwnerID int64
	// Attributes feed conditional predicates that reference resource
	// metadata (e.g. resource.owner).
	Attributes map[string]string
	// Ancestors lists enclosing scopes, nearest first.
	Ancestors []string
	// AccessLoggingRequired forces synchronous audit emission for any
	// decision touching this resource.
	AccessLoggingRequired bool
}

// Registry is the lookup port.
type Registry interface {
	Resolve(ctx context.Context, id string) (Resource, error)
}
