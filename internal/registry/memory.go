package registry

import (
	"context"
	"fmt"
	"sync"
)

// Memory is an in-process Registry used in tests and single-node setups.
type Memory struct {
	mu        sync.RWMutex
	resources map[string]Resource
}

// NewMemory constructs an empty in-memory registry.
func NewMemory() *Memory {
	return &Memory{resources: make(map[string]Resource)}
}

// Put registers or replaces a resource.
func (m *Memory) Put(r Resource) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resources[r.ID] = r
}

// Resolve implements Registry.
func (m *Memory) Resolve(ctx context.Context, id string) (Resource, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if r, ok := m.resources[id]; ok {
		return r, nil
	}
	return Resource{}, fmt.Errorf("%w: %s", ErrResourceNotFound, id)
}
