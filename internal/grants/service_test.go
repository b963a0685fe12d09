package grants

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sentra-authz/sentra/internal/audit"
	"github.com/sentra-authz/sentra/internal/catalog"
)

func testService(t *testing.T) (*Service, *Memory, *audit.Memory) {
	t.Helper()
	store := NewMemory()
	store.AddSubject(1)
	store.AddResourceType("report")

	cat := catalog.New()
	_, err := cat.Register(catalog.Permission{ResourceType: "report", Action: "read"})
	require.NoError(t, err)

	auditRepo := audit.NewMemory()
	emitter := audit.NewEmitter(auditRepo, nil, nil, nil)
	svc := NewService(store, cat, NewCache(nil, 0), emitter, nil, func() time.Time {
		return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	})
	return svc, store, auditRepo
}

func TestServiceCreateGrantUnknownPermission(t *testing.T) {
	svc, _, _ := testService(t)
	_, err := svc.CreateGrant(context.Background(), CreateGrantInput{
		SubjectID: int64p(1), ResourceType: "report", Action: "launch", Effect: Allow,
	})
	require.ErrorIs(t, err, catalog.ErrUnknownPermission)
}

func TestServiceCreateGrantRequiresOneHolder(t *testing.T) {
	svc, _, _ := testService(t)
	ctx := context.Background()

	_, err := svc.CreateGrant(ctx, CreateGrantInput{
		ResourceType: "report", Action: "read", Effect: Allow,
	})
	require.ErrorIs(t, err, ErrInvalidGrant)

	_, err = svc.CreateGrant(ctx, CreateGrantInput{
		SubjectID: int64p(1), RoleID: int64p(5),
		ResourceType: "report", Action: "read", Effect: Allow,
	})
	require.ErrorIs(t, err, ErrInvalidGrant)
}

func TestServiceCreateGrantAudits(t *testing.T) {
	svc, store, auditRepo := testService(t)
	ctx := context.Background()

	g, err := svc.CreateGrant(ctx, CreateGrantInput{
		SubjectID: int64p(1), ResourceType: "report", Action: "read",
		Effect: Allow, CreatedBy: 99,
	})
	require.NoError(t, err)
	require.True(t, g.IsActive)
	require.Equal(t, int64(1), g.Version)

	stored, err := store.DirectGrants(ctx, 1, "report")
	require.NoError(t, err)
	require.Len(t, stored, 1)

	chain := auditRepo.Chain(1)
	require.Len(t, chain, 1)
	require.Equal(t, audit.KindGrantMutation, chain[0].Kind)
	require.Equal(t, "grant.create", chain[0].Action)
	require.Equal(t, int64(99), chain[0].ActorID)
	require.Equal(t, g.ID.String(), chain[0].Context["grant_id"])
}

func TestServiceRevokeGrantAudits(t *testing.T) {
	svc, _, auditRepo := testService(t)
	ctx := context.Background()

	g, err := svc.CreateGrant(ctx, CreateGrantInput{
		SubjectID: int64p(1), ResourceType: "report", Action: "read",
		Effect: Allow, CreatedBy: 99,
	})
	require.NoError(t, err)

	revoked, err := svc.RevokeGrant(ctx, g.ID, 99, g.Version)
	require.NoError(t, err)
	require.False(t, revoked.IsActive)

	chain := auditRepo.Chain(1)
	require.Len(t, chain, 2)
	require.Equal(t, "grant.revoke", chain[1].Action)
	require.Equal(t, int64(2), chain[1].Seq)
}

func TestServiceAssignAndRevokeRole(t *testing.T) {
	svc, store, auditRepo := testService(t)
	ctx := context.Background()

	a, err := svc.AssignRole(ctx, AssignRoleInput{SubjectID: 1, RoleID: 5, CreatedBy: 99})
	require.NoError(t, err)
	require.True(t, a.IsActive)

	// Duplicate active assignment is rejected.
	_, err = svc.AssignRole(ctx, AssignRoleInput{SubjectID: 1, RoleID: 5, CreatedBy: 99})
	require.ErrorIs(t, err, ErrDuplicateAssignment)

	revoked, err := svc.RevokeAssignment(ctx, a.ID, 99, a.Version)
	require.NoError(t, err)
	require.False(t, revoked.IsActive)

	active, err := store.ActiveAssignments(ctx, 1)
	require.NoError(t, err)
	require.Empty(t, active)

	chain := auditRepo.Chain(1)
	require.Len(t, chain, 2)
	require.Equal(t, "assignment.create", chain[0].Action)
	require.Equal(t, "assignment.revoke", chain[1].Action)

	// Revoking again with the stale version conflicts.
	_, err = svc.RevokeAssignment(ctx, a.ID, 99, a.Version)
	require.ErrorIs(t, err, ErrVersionConflict)
}

func TestServiceHistoryKeepsRevoked(t *testing.T) {
	svc, _, _ := testService(t)
	ctx := context.Background()

	g, err := svc.CreateGrant(ctx, CreateGrantInput{
		SubjectID: int64p(1), ResourceType: "report", Action: "read",
		Effect: Allow, CreatedBy: 99,
	})
	require.NoError(t, err)
	_, err = svc.RevokeGrant(ctx, g.ID, 99, g.Version)
	require.NoError(t, err)

	history, err := svc.History(ctx, 1)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.False(t, history[0].IsActive)
	require.NotNil(t, history[0].RevokedAt)
}
