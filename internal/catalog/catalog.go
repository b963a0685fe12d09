// Package catalog is the admin-managed registry of permissions: which
// (resource type, action) pairs exist, and the condition template a
// permission may carry. Registration fails fast on expressions that
// reference unrecognized context attributes so a bad condition can never
// reach evaluation time.
package catalog

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/sentra-authz/sentra/internal/condition"
)

var (
	// ErrUnknownPermission means no permission matches the requested
	// (resource type, action) pair.
	ErrUnknownPermission = errors.New("catalog: unknown permission")
	// ErrDuplicatePermission means the pair is already registered.
	ErrDuplicatePermission = errors.New("catalog: duplicate permission")
	// ErrInvalidPermission covers malformed registrations.
	ErrInvalidPermission = errors.New("catalog: invalid permission")
)

// Permission is an atomic capability over a resource type.
type Permission struct {
	ID            int64
	ResourceType  string
	Action        string
	// Discriminator distinguishes permissions sharing the same
	// (resourceType, action), e.g. "export.masked" vs "export.raw".
	Discriminator string
	Description   string
	Condition     *condition.Expr
}

// Key returns the canonical identity string of the permission.
func (p Permission) Key() string {
	k := p.ResourceType + ":" + p.Action
	if p.Discriminator != "" {
		k += ":" + p.Discriminator
	}
	return k
}

// Catalog holds registered permissions. Reads vastly outnumber writes, and
// writes happen only through admin mutation, so a single RWMutex is enough.
type Catalog struct {
	mu     sync.RWMutex
	byKey  map[string]Permission
	byID   map[int64]Permission
	nextID int64
}

// New constructs an empty catalog.
func New() *Catalog {
	return &Catalog{
		byKey:  make(map[string]Permission),
		byID:   make(map[int64]Permission),
		nextID: 1,
	}
}

// Register validates and stores a permission, assigning its ID when unset.
func (c *Catalog) Register(p Permission) (Permission, error) {
	p.ResourceType = strings.TrimSpace(strings.ToLower(p.ResourceType))
	p.Action = strings.TrimSpace(strings.ToLower(p.Action))
	p.Discriminator = strings.TrimSpace(strings.ToLower(p.Discriminator))
	if p.ResourceType == "" {
		return Permission{}, fmt.Errorf("%w: resource type required", ErrInvalidPermission)
	}
	if p.Action == "" {
		return Permission{}, fmt.Errorf("%w: action required", ErrInvalidPermission)
	}
	if p.Condition != nil {
		if err := p.Condition.Validate(); err != nil {
			return Permission{}, fmt.Errorf("%w: %v", ErrInvalidPermission, err)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.byKey[p.Key()]; exists {
		return Permission{}, fmt.Errorf("%w: %s", ErrDuplicatePermission, p.Key())
	}
	if p.ID == 0 {
		p.ID = c.nextID
	}
	if p.ID >= c.nextID {
		c.nextID = p.ID + 1
	}
	c.byKey[p.Key()] = p
	c.byID[p.ID] = p
	return p, nil
}

// Lookup resolves a (resource type, action) pair, ignoring discriminators.
func (c *Catalog) Lookup(resourceType, action string) (Permission, error) {
	key := strings.ToLower(strings.TrimSpace(resourceType)) + ":" + strings.ToLower(strings.TrimSpace(action))
	c.mu.RLock()
	defer c.mu.RUnlock()
	if p, ok := c.byKey[key]; ok {
		return p, nil
	}
	return Permission{}, fmt.Errorf("%w: %s", ErrUnknownPermission, key)
}

// ByID resolves a permission by its identifier.
func (c *Catalog) ByID(id int64) (Permission, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if p, ok := c.byID[id]; ok {
		return p, nil
	}
	return Permission{}, fmt.Errorf("%w: id %d", ErrUnknownPermission, id)
}

// KnowsResourceType reports whether any permission covers the resource type.
func (c *Catalog) KnowsResourceType(resourceType string) bool {
	rt := strings.ToLower(strings.TrimSpace(resourceType))
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, p := range c.byKey {
		if p.ResourceType == rt {
			return true
		}
	}
	return false
}

// List returns all permissions ordered by key.
func (c *Catalog) List() []Permission {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Permission, 0, len(c.byKey))
	for _, p := range c.byKey {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}
