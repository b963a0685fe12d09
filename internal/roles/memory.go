package roles

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRepository is an in-process RepositoryPort for tests.
type MemoryRepository struct {
	mu      sync.RWMutex
	roles   map[int64]Role
	parents map[int64][]int64
	nextID  int64
	clock   func() time.Time
}

// NewMemoryRepository constructs an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		roles:   make(map[int64]Role),
		parents: make(map[int64][]int64),
		nextID:  1,
		clock:   time.Now,
	}
}

// CreateRole implements RepositoryPort.
func (m *MemoryRepository) CreateRole(ctx context.Context, name, description string) (Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.roles {
		if r.Name == name {
			return Role{}, ErrDuplicateRole
		}
	}
	now := m.clock()
	role := Role{ID: m.nextID, Name: name, Description: description, CreatedAt: now, UpdatedAt: now}
	m.roles[role.ID] = role
	m.nextID++
	return role, nil
}

// RoleByID implements RepositoryPort.
func (m *MemoryRepository) RoleByID(ctx context.Context, id int64) (Role, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if r, ok := m.roles[id]; ok {
		return r, nil
	}
	return Role{}, ErrRoleNotFound
}

// ListRoles implements RepositoryPort.
func (m *MemoryRepository) ListRoles(ctx context.Context) ([]Role, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Role, 0, len(m.roles))
	for _, r := range m.roles {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// SetParents implements RepositoryPort.
func (m *MemoryRepository) SetParents(ctx context.Context, roleID int64, parents []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.parents[roleID] = append([]int64(nil), parents...)
	return nil
}

// ParentRoles implements hierarchy.Graph so tests can resolve against the
// same repository.
func (m *MemoryRepository) ParentRoles(ctx context.Context, roleID int64) ([]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]int64(nil), m.parents[roleID]...), nil
}
