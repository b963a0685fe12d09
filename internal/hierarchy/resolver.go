// Package hierarchy expands a role into the transitive closure of the roles
// it inherits from, tagging each with its traversal depth. The write path
// rejects cycles up front, but the resolver never assumes that guard held:
// corrupted storage must surface as an error, not a hang or an allow.
package hierarchy

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

// DefaultMaxDepth bounds traversal when no explicit limit is configured.
const DefaultMaxDepth = 10

var (
	// ErrCycleDetected means a role was re-entered while still on the
	// active traversal path.
	ErrCycleDetected = errors.New("hierarchy: cycle detected")
	// ErrHierarchyTooDeep means traversal exceeded the configured depth.
	ErrHierarchyTooDeep = errors.New("hierarchy: too deep")
)

// Graph is the read port the resolver traverses. The grant store implements
// it.
type Graph interface {
	ParentRoles(ctx context.Context, roleID int64) ([]int64, error)
}

// RoleDepth is one role of a closure with its shortest distance from the
// starting role. Depth 0 is the starting role itself.
type RoleDepth struct {
	RoleID int64
	Depth  int
}

// Resolver walks the role graph. Pure read; no audit side effects.
type Resolver struct {
	graph    Graph
	maxDepth int
}

// NewResolver constructs a Resolver. maxDepth <= 0 selects DefaultMaxDepth.
func NewResolver(graph Graph, maxDepth int) *Resolver {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	return &Resolver{graph: graph, maxDepth: maxDepth}
}

// Closure returns the role and every ancestor reachable from it, each tagged
// with its minimum traversal depth, ordered shallow to deep. The walk is
// breadth-first by level, so the depth limit applies to the shortest path to
// each role: a long alternate route never fails a hierarchy whose shortest
// paths are all within bounds. A role whose shortest path exceeds the limit
// fails with ErrHierarchyTooDeep; a cycle fails with ErrCycleDetected.
func (r *Resolver) Closure(ctx context.Context, roleID int64) ([]RoleDepth, error) {
	best := map[int64]int{roleID: 0}
	parentsOf := make(map[int64][]int64)
	frontier := []int64{roleID}
	for depth := 0; len(frontier) > 0; depth++ {
		if depth > r.maxDepth {
			return nil, fmt.Errorf("%w: depth %d exceeds limit %d at role %d", ErrHierarchyTooDeep, depth, r.maxDepth, frontier[0])
		}
		var next []int64
		for _, id := range frontier {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			parents, err := r.graph.ParentRoles(ctx, id)
			if err != nil {
				return nil, fmt.Errorf("hierarchy: parents of role %d: %w", id, err)
			}
			parentsOf[id] = parents
			for _, parent := range parents {
				if _, seen := best[parent]; seen {
					// Diamond merge or back edge; resolved below.
					continue
				}
				best[parent] = depth + 1
				next = append(next, parent)
			}
		}
		frontier = next
	}
	if err := checkAcyclic(roleID, parentsOf); err != nil {
		return nil, err
	}
	out := make([]RoleDepth, 0, len(best))
	for id, depth := range best {
		out = append(out, RoleDepth{RoleID: id, Depth: depth})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Depth != out[j].Depth {
			return out[i].Depth < out[j].Depth
		}
		return out[i].RoleID < out[j].RoleID
	})
	return out, nil
}

// checkAcyclic distinguishes cycles from diamond merges on the edge set the
// traversal already fetched; skipping seen roles keeps the walk finite, but
// only a path-based check can tell a back edge from a legal re-convergence.
func checkAcyclic(start int64, parentsOf map[int64][]int64) error {
	const (
		unvisited = iota
		onPath
		done
	)
	state := make(map[int64]int, len(parentsOf))
	var visit func(id int64) error
	visit = func(id int64) error {
		switch state[id] {
		case onPath:
			return fmt.Errorf("%w: role %d re-entered", ErrCycleDetected, id)
		case done:
			return nil
		}
		state[id] = onPath
		for _, parent := range parentsOf[id] {
			if err := visit(parent); err != nil {
				return err
			}
		}
		state[id] = done
		return nil
	}
	return visit(start)
}

// ValidateNewParents is the write-time guard: it checks that attaching the
// given parents to roleID keeps the hierarchy an acyclic graph within the
// depth limit. Called by the role admin mutation before persisting.
func (r *Resolver) ValidateNewParents(ctx context.Context, roleID int64, parents []int64) error {
	for _, parent := range parents {
		if parent == roleID {
			return fmt.Errorf("%w: role %d cannot be its own parent", ErrCycleDetected, roleID)
		}
		closure, err := r.Closure(ctx, parent)
		if err != nil {
			return err
		}
		for _, rd := range closure {
			if rd.RoleID == roleID {
				return fmt.Errorf("%w: role %d already inherits from %d", ErrCycleDetected, parent, roleID)
			}
			if rd.Depth+1 > r.maxDepth {
				return fmt.Errorf("%w: attaching %d to %d", ErrHierarchyTooDeep, parent, roleID)
			}
		}
	}
	return nil
}
