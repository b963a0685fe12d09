package grants

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process Store used in tests and single-node deployments.
// It honors the same contracts as the postgres adapter: soft revocation,
// optimistic version checks, and append-only history.
type Memory struct {
	mu            sync.RWMutex
	subjects      map[int64]struct{}
	resourceTypes map[string]struct{}
	roleParents   map[int64][]int64
	grants        map[uuid.UUID]Grant
	assignments   map[int64]RoleAssignment
	nextAssignID  int64
	clock         func() time.Time
}

// NewMemory constructs an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		subjects:      make(map[int64]struct{}),
		resourceTypes: make(map[string]struct{}),
		roleParents:   make(map[int64][]int64),
		grants:        make(map[uuid.UUID]Grant),
		assignments:   make(map[int64]RoleAssignment),
		nextAssignID:  1,
		clock:         time.Now,
	}
}

// SetClock overrides the timestamp source for deterministic tests.
func (m *Memory) SetClock(clock func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clock = clock
}

// AddSubject registers a subject id.
func (m *Memory) AddSubject(id int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subjects[id] = struct{}{}
}

// AddResourceType registers a resource type.
func (m *Memory) AddResourceType(rt string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resourceTypes[rt] = struct{}{}
}

// SetRoleParents replaces the parent list of a role. The write-time DAG
// guard lives in the role admin service; the store accepts what it is given
// so read-time cycle detection stays testable.
func (m *Memory) SetRoleParents(roleID int64, parents []int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.roleParents[roleID] = append([]int64(nil), parents...)
}

// SubjectExists implements Store.
func (m *Memory) SubjectExists(ctx context.Context, subjectID int64) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.subjects[subjectID]
	return ok, nil
}

// ResourceTypeExists implements Store.
func (m *Memory) ResourceTypeExists(ctx context.Context, resourceType string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.resourceTypes[resourceType]
	return ok, nil
}

// ActiveAssignments implements Store.
func (m *Memory) ActiveAssignments(ctx context.Context, subjectID int64) ([]RoleAssignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []RoleAssignment
	for _, a := range m.assignments {
		if a.SubjectID == subjectID && a.IsActive {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// DirectGrants implements Store.
func (m *Memory) DirectGrants(ctx context.Context, subjectID int64, resourceType string) ([]Grant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Grant
	for _, g := range m.grants {
		if g.SubjectID != nil && *g.SubjectID == subjectID && g.ResourceType == resourceType {
			out = append(out, g)
		}
	}
	sortGrants(out)
	return out, nil
}

// RoleGrants implements Store.
func (m *Memory) RoleGrants(ctx context.Context, roleIDs []int64, resourceType string) ([]Grant, error) {
	wanted := make(map[int64]struct{}, len(roleIDs))
	for _, id := range roleIDs {
		wanted[id] = struct{}{}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Grant
	for _, g := range m.grants {
		if g.RoleID == nil || g.ResourceType != resourceType {
			continue
		}
		if _, ok := wanted[*g.RoleID]; ok {
			out = append(out, g)
		}
	}
	sortGrants(out)
	return out, nil
}

// ParentRoles implements Store (and hierarchy.Graph).
func (m *Memory) ParentRoles(ctx context.Context, roleID int64) ([]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]int64(nil), m.roleParents[roleID]...), nil
}

// CreateGrant implements Store.
func (m *Memory) CreateGrant(ctx context.Context, g Grant) (Grant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if g.ID == uuid.Nil {
		g.ID = uuid.New()
	}
	if g.CreatedAt.IsZero() {
		g.CreatedAt = m.clock()
	}
	g.IsActive = true
	g.Version = 1
	m.grants[g.ID] = g
	return g, nil
}

// RevokeGrant implements Store.
func (m *Memory) RevokeGrant(ctx context.Context, id uuid.UUID, revokedBy int64, version int64) (Grant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.grants[id]
	if !ok {
		return Grant{}, ErrGrantNotFound
	}
	if g.Version != version {
		return Grant{}, ErrVersionConflict
	}
	now := m.clock()
	g.IsActive = false
	g.RevokedAt = &now
	g.RevokedBy = &revokedBy
	g.Version++
	m.grants[id] = g
	return g, nil
}

// CreateAssignment implements Store.
func (m *Memory) CreateAssignment(ctx context.Context, a RoleAssignment) (RoleAssignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.assignments {
		if existing.IsActive && existing.SubjectID == a.SubjectID && existing.RoleID == a.RoleID && equalScope(existing.ResourceScope, a.ResourceScope) {
			return RoleAssignment{}, ErrDuplicateAssignment
		}
	}
	a.ID = m.nextAssignID
	m.nextAssignID++
	if a.CreatedAt.IsZero() {
		a.CreatedAt = m.clock()
	}
	a.IsActive = true
	a.Version = 1
	m.assignments[a.ID] = a
	return a, nil
}

// RevokeAssignment implements Store.
func (m *Memory) RevokeAssignment(ctx context.Context, id int64, revokedBy int64, version int64) (RoleAssignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.assignments[id]
	if !ok {
		return RoleAssignment{}, ErrGrantNotFound
	}
	if a.Version != version {
		return RoleAssignment{}, ErrVersionConflict
	}
	now := m.clock()
	a.IsActive = false
	a.RevokedAt = &now
	a.RevokedBy = &revokedBy
	a.Version++
	m.assignments[id] = a
	return a, nil
}

// GrantsForRole implements Store.
func (m *Memory) GrantsForRole(ctx context.Context, roleID int64) ([]Grant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Grant
	for _, g := range m.grants {
		if g.RoleID != nil && *g.RoleID == roleID && g.IsActive {
			out = append(out, g)
		}
	}
	sortGrants(out)
	return out, nil
}

// History implements Store.
func (m *Memory) History(ctx context.Context, subjectID int64) ([]Grant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Grant
	for _, g := range m.grants {
		if g.SubjectID != nil && *g.SubjectID == subjectID {
			out = append(out, g)
		}
	}
	sortGrants(out)
	return out, nil
}

// SubjectsWithRole implements Store.
func (m *Memory) SubjectsWithRole(ctx context.Context, roleID int64) ([]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := map[int64]struct{}{}
	var out []int64
	for _, a := range m.assignments {
		if a.RoleID != roleID || !a.IsActive {
			continue
		}
		if _, dup := seen[a.SubjectID]; dup {
			continue
		}
		seen[a.SubjectID] = struct{}{}
		out = append(out, a.SubjectID)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func sortGrants(gs []Grant) {
	sort.Slice(gs, func(i, j int) bool {
		if !gs[i].CreatedAt.Equal(gs[j].CreatedAt) {
			return gs[i].CreatedAt.Before(gs[j].CreatedAt)
		}
		return gs[i].ID.String() < gs[j].ID.String()
	})
}

func equalScope(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
