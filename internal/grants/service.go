package grants

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/sentra-authz/sentra/internal/audit"
	"github.com/sentra-authz/sentra/internal/catalog"
	"github.com/sentra-authz/sentra/internal/condition"
	"github.com/sentra-authz/sentra/internal/schedule"
)

// Service is the grant and assignment write path. Every mutation lands a
// synchronous audit record and evicts the affected cache entries before
// returning, so a revocation is visible to the very next decision.
type Service struct {
	store   Store
	catalog *catalog.Catalog
	cache   *Cache
	auditor *audit.Emitter
	logger  *slog.Logger
	clock   func() time.Time
}

// NewService constructs a Service. cache and logger may be nil.
func NewService(store Store, cat *catalog.Catalog, cache *Cache, auditor *audit.Emitter, logger *slog.Logger, clock func() time.Time) *Service {
	if clock == nil {
		clock = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, catalog: cat, cache: cache, auditor: auditor, logger: logger, clock: clock}
}

// CreateGrantInput carries a new grant. Exactly one of SubjectID and RoleID
// must be set.
type CreateGrantInput struct {
	SubjectID     *int64
	RoleID        *int64
	ResourceType  string
	Action        string
	Effect        Effect
	ResourceScope *string
	ValidFrom     time.Time
	ValidUntil    *time.Time
	Condition     *condition.Expr
	Schedule      *schedule.Schedule
	ApprovalRef   *uuid.UUID
	CreatedBy     int64
}

// ErrInvalidGrant covers malformed grant mutations.
var ErrInvalidGrant = errors.New("grants: invalid grant")

// CreateGrant validates the input against the permission catalog, persists
// the grant, audits it, and evicts cache entries it could affect.
func (s *Service) CreateGrant(ctx context.Context, in CreateGrantInput) (Grant, error) {
	if (in.SubjectID == nil) == (in.RoleID == nil) {
		return Grant{}, fmt.Errorf("%w: exactly one of subject_id and role_id required", ErrInvalidGrant)
	}
	if in.Effect != Allow && in.Effect != Deny {
		return Grant{}, fmt.Errorf("%w: effect must be allow or deny", ErrInvalidGrant)
	}
	perm, err := s.catalog.Lookup(in.ResourceType, in.Action)
	if err != nil {
		return Grant{}, err
	}
	if in.Condition != nil {
		if err := in.Condition.Validate(); err != nil {
			return Grant{}, fmt.Errorf("%w: %v", ErrInvalidGrant, err)
		}
	}
	if in.Schedule != nil {
		if err := in.Schedule.Validate(); err != nil {
			return Grant{}, fmt.Errorf("%w: %v", ErrInvalidGrant, err)
		}
	}
	if in.ValidUntil != nil && !in.ValidFrom.IsZero() && !in.ValidUntil.After(in.ValidFrom) {
		return Grant{}, fmt.Errorf("%w: valid_until must be after valid_from", ErrInvalidGrant)
	}

	g := Grant{
		ID:            uuid.New(),
		SubjectID:     in.SubjectID,
		RoleID:        in.RoleID,
		PermissionID:  perm.ID,
		ResourceType:  perm.ResourceType,
		Action:        perm.Action,
		Effect:        in.Effect,
		ResourceScope: in.ResourceScope,
		ValidFrom:     in.ValidFrom,
		ValidUntil:    in.ValidUntil,
		IsActive:      true,
		Version:       1,
		Condition:     in.Condition,
		Schedule:      in.Schedule,
		ApprovalRef:   in.ApprovalRef,
		CreatedBy:     in.CreatedBy,
	}
	created, err := s.store.CreateGrant(ctx, g)
	if err != nil {
		return Grant{}, err
	}

	s.auditMutation(ctx, created, in.CreatedBy, "grant.create")
	s.evictForGrant(ctx, created)
	return created, nil
}

// RevokeGrant soft-revokes a grant under an optimistic version check.
func (s *Service) RevokeGrant(ctx context.Context, id uuid.UUID, revokedBy int64, version int64) (Grant, error) {
	revoked, err := s.store.RevokeGrant(ctx, id, revokedBy, version)
	if err != nil {
		return Grant{}, err
	}
	s.auditMutation(ctx, revoked, revokedBy, "grant.revoke")
	s.evictForGrant(ctx, revoked)
	return revoked, nil
}

// AssignRoleInput carries a new role assignment.
type AssignRoleInput struct {
	SubjectID     int64
	RoleID        int64
	ResourceType  *string
	ResourceScope *string
	ValidFrom     time.Time
	ValidUntil    *time.Time
	CreatedBy     int64
}

// AssignRole persists a role assignment, indexes it for role-level cache
// invalidation, and evicts the subject's snapshots.
func (s *Service) AssignRole(ctx context.Context, in AssignRoleInput) (RoleAssignment, error) {
	if in.ValidUntil != nil && !in.ValidFrom.IsZero() && !in.ValidUntil.After(in.ValidFrom) {
		return RoleAssignment{}, fmt.Errorf("%w: valid_until must be after valid_from", ErrInvalidGrant)
	}
	a := RoleAssignment{
		SubjectID:     in.SubjectID,
		RoleID:        in.RoleID,
		ResourceType:  in.ResourceType,
		ResourceScope: in.ResourceScope,
		ValidFrom:     in.ValidFrom,
		ValidUntil:    in.ValidUntil,
		IsActive:      true,
		Version:       1,
	}
	created, err := s.store.CreateAssignment(ctx, a)
	if err != nil {
		return RoleAssignment{}, err
	}

	if err := s.cache.IndexRole(ctx, created.RoleID, created.SubjectID); err != nil {
		s.logger.Warn("role index update failed", slog.Int64("role_id", created.RoleID), slog.Any("error", err))
	}
	s.auditAssignment(ctx, created, in.CreatedBy, "assignment.create")
	s.evictSubject(ctx, created.SubjectID)
	return created, nil
}

// RevokeAssignment soft-revokes a role assignment. The subject's cached
// snapshots are evicted before the call returns, so the revocation takes
// effect immediately even inside a live TTL window.
func (s *Service) RevokeAssignment(ctx context.Context, id int64, revokedBy int64, version int64) (RoleAssignment, error) {
	revoked, err := s.store.RevokeAssignment(ctx, id, revokedBy, version)
	if err != nil {
		return RoleAssignment{}, err
	}
	s.auditAssignment(ctx, revoked, revokedBy, "assignment.revoke")
	s.evictSubject(ctx, revoked.SubjectID)
	return revoked, nil
}

// GrantsForRole returns the role's active grants across resource types.
func (s *Service) GrantsForRole(ctx context.Context, roleID int64) ([]Grant, error) {
	return s.store.GrantsForRole(ctx, roleID)
}

// History returns the subject's full grant history, revoked and expired rows
// included. The decision path never reads it.
func (s *Service) History(ctx context.Context, subjectID int64) ([]Grant, error) {
	return s.store.History(ctx, subjectID)
}

// Invalidate evicts every cached snapshot of the subject. Exposed for the
// invalidation endpoint; idempotent.
func (s *Service) Invalidate(ctx context.Context, subjectID int64) error {
	return s.cache.InvalidateSubject(ctx, subjectID)
}

// InvalidateRole evicts cached snapshots of every subject holding the role.
// The store is consulted as well as the cache's reverse index, so subjects
// assigned before the index existed are still covered.
func (s *Service) InvalidateRole(ctx context.Context, roleID int64) error {
	if err := s.cache.InvalidateRole(ctx, roleID); err != nil {
		return err
	}
	subjects, err := s.store.SubjectsWithRole(ctx, roleID)
	if err != nil {
		return err
	}
	for _, subjectID := range subjects {
		if err := s.cache.InvalidateSubject(ctx, subjectID); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) evictForGrant(ctx context.Context, g Grant) {
	if g.SubjectID != nil {
		s.evictSubject(ctx, *g.SubjectID)
		return
	}
	if g.RoleID != nil {
		if err := s.InvalidateRole(ctx, *g.RoleID); err != nil {
			s.logger.Warn("role cache invalidation failed", slog.Int64("role_id", *g.RoleID), slog.Any("error", err))
		}
	}
}

func (s *Service) evictSubject(ctx context.Context, subjectID int64) {
	if err := s.cache.InvalidateSubject(ctx, subjectID); err != nil {
		s.logger.Warn("subject cache invalidation failed", slog.Int64("subject_id", subjectID), slog.Any("error", err))
	}
}

func (s *Service) auditMutation(ctx context.Context, g Grant, actorID int64, action string) {
	rec := audit.Record{
		Kind:             audit.KindGrantMutation,
		ActorID:          actorID,
		Action:           action,
		ResourceType:     g.ResourceType,
		ResourceInstance: g.ResourceScope,
		Context: map[string]string{
			"grant_id": g.ID.String(),
			"effect":   string(g.Effect),
			"version":  strconv.FormatInt(g.Version, 10),
		},
	}
	if g.SubjectID != nil {
		rec.SubjectID = *g.SubjectID
	} else if g.RoleID != nil {
		rec.Context["role_id"] = strconv.FormatInt(*g.RoleID, 10)
	}
	if err := s.auditor.Emit(ctx, rec, true); err != nil {
		s.logger.Error("grant mutation audit failed", slog.String("action", action), slog.Any("error", err))
	}
}

func (s *Service) auditAssignment(ctx context.Context, a RoleAssignment, actorID int64, action string) {
	rec := audit.Record{
		Kind:      audit.KindGrantMutation,
		SubjectID: a.SubjectID,
		ActorID:   actorID,
		Action:    action,
		Context: map[string]string{
			"assignment_id": strconv.FormatInt(a.ID, 10),
			"role_id":       strconv.FormatInt(a.RoleID, 10),
			"version":       strconv.FormatInt(a.Version, 10),
		},
	}
	if err := s.auditor.Emit(ctx, rec, true); err != nil {
		s.logger.Error("assignment audit failed", slog.String("action", action), slog.Any("error", err))
	}
}
