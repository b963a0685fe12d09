package roles

import (
	"context"
	"fmt"
	"strings"

	"github.com/sentra-authz/sentra/internal/grants"
	"github.com/sentra-authz/sentra/internal/hierarchy"
)

// Service handles role admin logic. Parent mutations pass the write-time
// acyclicity guard before persisting, so read-time cycle detection should
// only ever fire on data written outside this path.
type Service struct {
	repo     RepositoryPort
	resolver *hierarchy.Resolver
	grants   *grants.Service
}

// NewService builds a Service instance.
func NewService(repo RepositoryPort, resolver *hierarchy.Resolver, grantSvc *grants.Service) *Service {
	return &Service{repo: repo, resolver: resolver, grants: grantSvc}
}

// CreateRole registers a new role.
func (s *Service) CreateRole(ctx context.Context, name, description string) (Role, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Role{}, fmt.Errorf("%w: name required", grants.ErrInvalidGrant)
	}
	return s.repo.CreateRole(ctx, name, description)
}

// ListRoles returns all roles.
func (s *Service) ListRoles(ctx context.Context) ([]Role, error) {
	return s.repo.ListRoles(ctx)
}

// SetParents replaces the role's hierarchy parents. The new edges are
// validated against the existing graph first; a set that would introduce a
// cycle or exceed the depth limit is rejected whole.
func (s *Service) SetParents(ctx context.Context, roleID int64, parents []int64) error {
	if _, err := s.repo.RoleByID(ctx, roleID); err != nil {
		return err
	}
	if err := s.resolver.ValidateNewParents(ctx, roleID, parents); err != nil {
		return err
	}
	if err := s.repo.SetParents(ctx, roleID, parents); err != nil {
		return err
	}
	// A parent change alters what every holder of this role inherits.
	return s.grants.InvalidateRole(ctx, roleID)
}

// SetPermissions declares the role's permission set: grants matching a spec
// are kept, listed specs without a grant are created, and active grants no
// longer listed are revoked.
func (s *Service) SetPermissions(ctx context.Context, roleID int64, specs []PermissionSpec, actorID int64) error {
	if _, err := s.repo.RoleByID(ctx, roleID); err != nil {
		return err
	}
	current, err := s.grants.GrantsForRole(ctx, roleID)
	if err != nil {
		return err
	}

	wanted := make(map[string]PermissionSpec, len(specs))
	for _, spec := range specs {
		wanted[specKey(spec.ResourceType, spec.Action, spec.Effect, spec.ResourceScope)] = spec
	}

	for _, g := range current {
		key := specKey(g.ResourceType, g.Action, string(g.Effect), g.ResourceScope)
		if _, keep := wanted[key]; keep {
			delete(wanted, key)
			continue
		}
		if _, err := s.grants.RevokeGrant(ctx, g.ID, actorID, g.Version); err != nil {
			return fmt.Errorf("roles: revoke superseded grant: %w", err)
		}
	}
	for _, spec := range wanted {
		_, err := s.grants.CreateGrant(ctx, grants.CreateGrantInput{
			RoleID:        &roleID,
			ResourceType:  spec.ResourceType,
			Action:        spec.Action,
			Effect:        grants.Effect(spec.Effect),
			ResourceScope: spec.ResourceScope,
			CreatedBy:     actorID,
		})
		if err != nil {
			return fmt.Errorf("roles: create grant: %w", err)
		}
	}
	return nil
}

func specKey(resourceType, action, effect string, scope *string) string {
	key := strings.ToLower(strings.TrimSpace(resourceType)) + ":" + strings.ToLower(strings.TrimSpace(action)) + ":" + strings.ToLower(effect)
	if scope != nil {
		key += ":" + *scope
	}
	return key
}
