package grants

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/sentra-authz/sentra/internal/hierarchy"
)

// Collector gathers every grant that could bear on a (subject, resource
// type, resource instance) request: the subject's direct grants plus grants
// inherited through role assignments and the role hierarchy. The result is
// the snapshot the decision cache memoizes.
type Collector struct {
	store    Store
	resolver *hierarchy.Resolver
	clock    func() time.Time
}

// NewCollector constructs a Collector. A nil clock selects time.Now.
func NewCollector(store Store, resolver *hierarchy.Resolver, clock func() time.Time) *Collector {
	if clock == nil {
		clock = time.Now
	}
	return &Collector{store: store, resolver: resolver, clock: clock}
}

// Collect builds the candidate snapshot. Revoked records are excluded here;
// validity windows stay on the candidates so the engine can re-check them
// against a fresh clock even when the snapshot comes from cache.
func (c *Collector) Collect(ctx context.Context, subjectID int64, resourceType string, resourceInstance *string) (Snapshot, error) {
	ok, err := c.store.SubjectExists(ctx, subjectID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("grants: subject lookup: %w", err)
	}
	if !ok {
		return Snapshot{}, ErrSubjectNotFound
	}
	known, err := c.store.ResourceTypeExists(ctx, resourceType)
	if err != nil {
		return Snapshot{}, fmt.Errorf("grants: resource type lookup: %w", err)
	}
	if !known {
		return Snapshot{}, ErrResourceTypeUnknown
	}

	var candidates []Candidate

	direct, err := c.store.DirectGrants(ctx, subjectID, resourceType)
	if err != nil {
		return Snapshot{}, fmt.Errorf("grants: direct grants: %w", err)
	}
	for _, g := range direct {
		if !g.IsActive || !scopeRelevant(g.ResourceScope, resourceInstance) {
			continue
		}
		candidates = append(candidates, Candidate{Grant: g, Source: SourceDirect, Depth: 0})
	}

	assignments, err := c.store.ActiveAssignments(ctx, subjectID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("grants: assignments: %w", err)
	}
	for _, a := range assignments {
		if !a.IsActive {
			continue
		}
		if a.ResourceType != nil && *a.ResourceType != resourceType {
			continue
		}
		if a.ResourceScope != nil && !scopeRelevant(a.ResourceScope, resourceInstance) {
			continue
		}
		closure, err := c.resolver.Closure(ctx, a.RoleID)
		if err != nil {
			return Snapshot{}, err
		}
		roleIDs := make([]int64, len(closure))
		depthByRole := make(map[int64]int, len(closure))
		for i, rd := range closure {
			roleIDs[i] = rd.RoleID
			depthByRole[rd.RoleID] = rd.Depth
		}
		roleGrants, err := c.store.RoleGrants(ctx, roleIDs, resourceType)
		if err != nil {
			return Snapshot{}, fmt.Errorf("grants: role grants: %w", err)
		}
		for _, g := range roleGrants {
			if !g.IsActive || g.RoleID == nil {
				continue
			}
			if !scopeRelevant(g.ResourceScope, resourceInstance) {
				continue
			}
			cand := Candidate{
				Grant:   g,
				Source:  SourceRole,
				Depth:   depthByRole[*g.RoleID] + 1,
				ViaRole: &a.RoleID,
			}
			// An instance-scoped assignment narrows every grant it
			// conveys to that instance.
			if a.ResourceScope != nil && cand.ResourceScope == nil {
				scope := *a.ResourceScope
				cand.ResourceScope = &scope
			}
			// The assignment's own validity window narrows the
			// grant's.
			cand.Grant = intersectWindow(cand.Grant, a)
			candidates = append(candidates, cand)
		}
	}

	candidates = overrideByDepth(candidates)

	return Snapshot{
		SubjectID:        subjectID,
		ResourceType:     resourceType,
		ResourceInstance: resourceInstance,
		Candidates:       candidates,
		CollectedAt:      c.clock(),
	}, nil
}

// scopeRelevant reports whether a grant or assignment scope can bear on the
// requested instance. Type-wide records always apply; instance-scoped ones
// only when that exact instance is requested.
func scopeRelevant(scope, instance *string) bool {
	if scope == nil {
		return true
	}
	return instance != nil && *scope == *instance
}

// intersectWindow narrows a grant's validity window with its conveying
// assignment's.
func intersectWindow(g Grant, a RoleAssignment) Grant {
	if a.ValidFrom.After(g.ValidFrom) {
		g.ValidFrom = a.ValidFrom
	}
	if a.ValidUntil != nil && (g.ValidUntil == nil || a.ValidUntil.Before(*g.ValidUntil)) {
		until := *a.ValidUntil
		g.ValidUntil = &until
	}
	return g
}

// overrideByDepth keeps, for each (permission, effect, scope) identity, only
// the shallowest candidate: a role closer to the subject narrows what an
// ancestor granted.
func overrideByDepth(candidates []Candidate) []Candidate {
	type key struct {
		permissionID int64
		effect       Effect
		scope        string
	}
	best := make(map[key]Candidate, len(candidates))
	order := make([]key, 0, len(candidates))
	for _, cand := range candidates {
		k := key{permissionID: cand.PermissionID, effect: cand.Effect}
		if cand.ResourceScope != nil {
			k.scope = *cand.ResourceScope
		}
		prev, seen := best[k]
		if !seen {
			best[k] = cand
			order = append(order, k)
			continue
		}
		if cand.Depth < prev.Depth {
			best[k] = cand
		}
	}
	out := make([]Candidate, 0, len(best))
	for _, k := range order {
		out = append(out, best[k])
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Depth < out[j].Depth })
	return out
}
