package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/sentra-authz/sentra/internal/audit"
	"github.com/sentra-authz/sentra/internal/condition"
	"github.com/sentra-authz/sentra/internal/evaluator"
	"github.com/sentra-authz/sentra/internal/grants"
	"github.com/sentra-authz/sentra/internal/hierarchy"
	"github.com/sentra-authz/sentra/internal/registry"
	"github.com/sentra-authz/sentra/internal/schedule"
)

// testClock is a mutable time source shared by the collector and evaluator.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type fixture struct {
	engine    *Engine
	store     *grants.Memory
	resources *registry.Memory
	approvals *evaluator.MemoryApprovals
	auditRepo *audit.Memory
	clock     *testClock
}

func newFixture(t *testing.T, withRedis bool) *fixture {
	t.Helper()
	store := grants.NewMemory()
	store.AddSubject(1)
	store.AddResourceType("report")

	clock := &testClock{now: time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)}
	resolver := hierarchy.NewResolver(store, 0)
	collector := grants.NewCollector(store, resolver, clock.Now)

	var client *redis.Client
	if withRedis {
		mr := miniredis.RunT(t)
		client = redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = client.Close() })
	}
	cache := grants.NewCache(client, time.Hour)

	approvals := evaluator.NewMemoryApprovals()
	eval := evaluator.New(approvals, clock.Now)

	resources := registry.NewMemory()
	auditRepo := audit.NewMemory()
	auditor := audit.NewEmitter(auditRepo, nil, nil, clock.Now)

	return &fixture{
		engine:    New(collector, cache, eval, resources, auditor, nil, nil),
		store:     store,
		resources: resources,
		approvals: approvals,
		auditRepo: auditRepo,
		clock:     clock,
	}
}

func int64p(v int64) *int64 { return &v }

func strp(v string) *string { return &v }

func TestDecideInstanceDenyBeatsRoleAllow(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	// Type-wide allow via a role, instance-scoped direct deny on R42.
	_, err := f.store.CreateGrant(ctx, grants.Grant{
		RoleID: int64p(5), PermissionID: 10,
		ResourceType: "report", Action: "read", Effect: grants.Allow,
	})
	require.NoError(t, err)
	_, err = f.store.CreateAssignment(ctx, grants.RoleAssignment{SubjectID: 1, RoleID: 5})
	require.NoError(t, err)
	deny, err := f.store.CreateGrant(ctx, grants.Grant{
		SubjectID: int64p(1), PermissionID: 10,
		ResourceType: "report", Action: "read", Effect: grants.Deny,
		ResourceScope: strp("R42"),
	})
	require.NoError(t, err)

	dec, err := f.engine.Decide(ctx, Request{SubjectID: 1, Action: "read", ResourceType: "report", ResourceInstance: strp("R42")})
	require.NoError(t, err)
	require.False(t, dec.Allow)
	require.Equal(t, ReasonExplicitDeny, dec.Reason)
	require.NotNil(t, dec.DecisiveGrantID)
	require.Equal(t, deny.ID, *dec.DecisiveGrantID)

	dec, err = f.engine.Decide(ctx, Request{SubjectID: 1, Action: "read", ResourceType: "report", ResourceInstance: strp("R99")})
	require.NoError(t, err)
	require.True(t, dec.Allow)
	require.Equal(t, ReasonAllowed, dec.Reason)
}

func TestDecideEqualSpecificityDenyWins(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	_, err := f.store.CreateGrant(ctx, grants.Grant{
		SubjectID: int64p(1), PermissionID: 10,
		ResourceType: "report", Action: "read", Effect: grants.Allow,
	})
	require.NoError(t, err)
	_, err = f.store.CreateGrant(ctx, grants.Grant{
		SubjectID: int64p(1), PermissionID: 11,
		ResourceType: "report", Action: "read", Effect: grants.Deny,
	})
	require.NoError(t, err)

	dec, err := f.engine.Decide(ctx, Request{SubjectID: 1, Action: "read", ResourceType: "report"})
	require.NoError(t, err)
	require.False(t, dec.Allow)
	require.Equal(t, ReasonExplicitDeny, dec.Reason)
}

func TestDecideShallowerAllowIsDecisive(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	// analyst(2) inherits admin(3); both carry a type-wide allow.
	f.store.SetRoleParents(2, []int64{3})
	near, err := f.store.CreateGrant(ctx, grants.Grant{
		RoleID: int64p(2), PermissionID: 20,
		ResourceType: "report", Action: "read", Effect: grants.Allow,
	})
	require.NoError(t, err)
	_, err = f.store.CreateGrant(ctx, grants.Grant{
		RoleID: int64p(3), PermissionID: 30,
		ResourceType: "report", Action: "read", Effect: grants.Allow,
	})
	require.NoError(t, err)
	_, err = f.store.CreateAssignment(ctx, grants.RoleAssignment{SubjectID: 1, RoleID: 2})
	require.NoError(t, err)

	dec, err := f.engine.Decide(ctx, Request{SubjectID: 1, Action: "read", ResourceType: "report"})
	require.NoError(t, err)
	require.True(t, dec.Allow)
	require.Equal(t, near.ID, *dec.DecisiveGrantID)
}

func TestDecideBusinessHoursSchedule(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	_, err := f.store.CreateGrant(ctx, grants.Grant{
		SubjectID: int64p(1), PermissionID: 10,
		ResourceType: "report", Action: "read", Effect: grants.Allow,
		Schedule: &schedule.Schedule{
			Days:     []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday},
			Ranges:   []schedule.TimeRange{{Start: "09:00", End: "17:00"}},
			Timezone: "America/New_York",
		},
	})
	require.NoError(t, err)

	// Thursday 16:00 in New York.
	f.clock.Set(time.Date(2025, 7, 31, 20, 0, 0, 0, time.UTC))
	dec, err := f.engine.Decide(ctx, Request{SubjectID: 1, Action: "read", ResourceType: "report"})
	require.NoError(t, err)
	require.True(t, dec.Allow)

	// Saturday 11:00 in New York.
	f.clock.Set(time.Date(2025, 8, 2, 15, 0, 0, 0, time.UTC))
	dec, err = f.engine.Decide(ctx, Request{SubjectID: 1, Action: "read", ResourceType: "report"})
	require.NoError(t, err)
	require.False(t, dec.Allow)
	require.Equal(t, ReasonNoApplicableGrant, dec.Reason)
}

func TestDecideExpiredGrantNeverAllowsEvenCached(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	until := time.Date(2025, 6, 3, 0, 0, 0, 0, time.UTC)
	_, err := f.store.CreateGrant(ctx, grants.Grant{
		SubjectID: int64p(1), PermissionID: 10,
		ResourceType: "report", Action: "read", Effect: grants.Allow,
		ValidUntil: &until,
	})
	require.NoError(t, err)

	dec, err := f.engine.Decide(ctx, Request{SubjectID: 1, Action: "read", ResourceType: "report"})
	require.NoError(t, err)
	require.True(t, dec.Allow)
	require.False(t, dec.CacheHit)

	// Past the expiry the snapshot is still cached, but the window check
	// runs against the fresh clock.
	f.clock.Set(until.Add(time.Minute))
	dec, err = f.engine.Decide(ctx, Request{SubjectID: 1, Action: "read", ResourceType: "report"})
	require.NoError(t, err)
	require.False(t, dec.Allow)
	require.Equal(t, ReasonNoApplicableGrant, dec.Reason)
	require.True(t, dec.CacheHit)
}

func TestDecideRevocationVisibleAfterInvalidate(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	_, err := f.store.CreateGrant(ctx, grants.Grant{
		RoleID: int64p(5), PermissionID: 10,
		ResourceType: "report", Action: "read", Effect: grants.Allow,
	})
	require.NoError(t, err)
	assignment, err := f.store.CreateAssignment(ctx, grants.RoleAssignment{SubjectID: 1, RoleID: 5})
	require.NoError(t, err)

	dec, err := f.engine.Decide(ctx, Request{SubjectID: 1, Action: "read", ResourceType: "report"})
	require.NoError(t, err)
	require.True(t, dec.Allow)

	_, err = f.store.RevokeAssignment(ctx, assignment.ID, 99, assignment.Version)
	require.NoError(t, err)
	require.NoError(t, f.engine.Invalidate(ctx, 1))

	dec, err = f.engine.Decide(ctx, Request{SubjectID: 1, Action: "read", ResourceType: "report"})
	require.NoError(t, err)
	require.False(t, dec.Allow)
	require.Equal(t, ReasonNoApplicableGrant, dec.Reason)
}

func TestDecideMissingAttributeFailsClosed(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	cond := condition.AtMost("mfa_age_seconds", 900)
	_, err := f.store.CreateGrant(ctx, grants.Grant{
		SubjectID: int64p(1), PermissionID: 10,
		ResourceType: "report", Action: "read", Effect: grants.Allow,
		Condition: &cond,
	})
	require.NoError(t, err)

	// Fresh MFA: allowed.
	dec, err := f.engine.Decide(ctx, Request{
		SubjectID: 1, Action: "read", ResourceType: "report",
		Context: condition.Attributes{"mfa_age_seconds": "600"},
	})
	require.NoError(t, err)
	require.True(t, dec.Allow)

	// Attribute absent: the allow grant is not applicable.
	dec, err = f.engine.Decide(ctx, Request{SubjectID: 1, Action: "read", ResourceType: "report"})
	require.NoError(t, err)
	require.False(t, dec.Allow)
	require.Equal(t, ReasonNoApplicableGrant, dec.Reason)
}

func TestDecideIndeterminateDenyStaysApplicable(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	cond := condition.AtLeast("risk_score", 70)
	_, err := f.store.CreateGrant(ctx, grants.Grant{
		SubjectID: int64p(1), PermissionID: 10,
		ResourceType: "report", Action: "read", Effect: grants.Deny,
		Condition: &cond,
	})
	require.NoError(t, err)
	_, err = f.store.CreateGrant(ctx, grants.Grant{
		SubjectID: int64p(1), PermissionID: 11,
		ResourceType: "report", Action: "read", Effect: grants.Allow,
	})
	require.NoError(t, err)

	// risk_score absent: the conditional deny still binds.
	dec, err := f.engine.Decide(ctx, Request{SubjectID: 1, Action: "read", ResourceType: "report"})
	require.NoError(t, err)
	require.False(t, dec.Allow)
	require.Equal(t, ReasonExplicitDeny, dec.Reason)
}

func TestDecideTerminalLookupFailures(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	dec, err := f.engine.Decide(ctx, Request{SubjectID: 404, Action: "read", ResourceType: "report"})
	require.NoError(t, err)
	require.False(t, dec.Allow)
	require.Equal(t, ReasonSubjectNotFound, dec.Reason)

	dec, err = f.engine.Decide(ctx, Request{SubjectID: 1, Action: "read", ResourceType: "widget"})
	require.NoError(t, err)
	require.False(t, dec.Allow)
	require.Equal(t, ReasonResourceTypeUnknown, dec.Reason)
}

func TestDecideHierarchyFaultDenies(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	f.store.SetRoleParents(2, []int64{3})
	f.store.SetRoleParents(3, []int64{2})
	_, err := f.store.CreateAssignment(ctx, grants.RoleAssignment{SubjectID: 1, RoleID: 2})
	require.NoError(t, err)

	dec, err := f.engine.Decide(ctx, Request{SubjectID: 1, Action: "read", ResourceType: "report"})
	require.NoError(t, err)
	require.False(t, dec.Allow)
	require.Equal(t, ReasonStoreUnavailable, dec.Reason)
}

func TestDecideResourceAttributesFeedConditions(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	f.resources.Put(registry.Resource{
		ID: "R42", Type: "report",
		Attributes: map[string]string{"owner": "1"},
	})

	cond := condition.Equals("resource.owner", "1")
	_, err := f.store.CreateGrant(ctx, grants.Grant{
		SubjectID: int64p(1), PermissionID: 10,
		ResourceType: "report", Action: "read", Effect: grants.Allow,
		ResourceScope: strp("R42"),
		Condition:     &cond,
	})
	require.NoError(t, err)

	dec, err := f.engine.Decide(ctx, Request{SubjectID: 1, Action: "read", ResourceType: "report", ResourceInstance: strp("R42")})
	require.NoError(t, err)
	require.True(t, dec.Allow)
}

func TestDecideAuditsEveryOutcome(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	_, err := f.store.CreateGrant(ctx, grants.Grant{
		SubjectID: int64p(1), PermissionID: 10,
		ResourceType: "report", Action: "read", Effect: grants.Allow,
	})
	require.NoError(t, err)

	_, err = f.engine.Decide(ctx, Request{SubjectID: 1, Action: "read", ResourceType: "report"})
	require.NoError(t, err)
	_, err = f.engine.Decide(ctx, Request{SubjectID: 1, Action: "delete", ResourceType: "report"})
	require.NoError(t, err)

	chain := f.auditRepo.Chain(1)
	require.Len(t, chain, 2)
	require.Equal(t, audit.VerdictAllow, chain[0].Verdict)
	require.NotNil(t, chain[0].DecisiveGrantID)
	require.Equal(t, audit.VerdictDeny, chain[1].Verdict)
	require.Equal(t, ReasonNoApplicableGrant, chain[1].Reason)
	require.Equal(t, int64(2), chain[1].Seq)
}

func TestDecideApprovalGate(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	approvedAt := f.clock.Now().Add(-10 * time.Minute)
	g, err := f.store.CreateGrant(ctx, grants.Grant{
		SubjectID: int64p(1), PermissionID: 10,
		ResourceType: "report", Action: "read", Effect: grants.Allow,
	})
	require.NoError(t, err)
	_, err = f.store.RevokeGrant(ctx, g.ID, 99, g.Version)
	require.NoError(t, err)

	ref := newApproval(f, approvedAt, 60)
	_, err = f.store.CreateGrant(ctx, grants.Grant{
		SubjectID: int64p(1), PermissionID: 11,
		ResourceType: "report", Action: "read", Effect: grants.Allow,
		ApprovalRef: &ref,
	})
	require.NoError(t, err)

	dec, err := f.engine.Decide(ctx, Request{SubjectID: 1, Action: "read", ResourceType: "report"})
	require.NoError(t, err)
	require.True(t, dec.Allow)

	// Past the approval window the grant stops applying.
	f.clock.Set(approvedAt.Add(61 * time.Minute))
	dec, err = f.engine.Decide(ctx, Request{SubjectID: 1, Action: "read", ResourceType: "report"})
	require.NoError(t, err)
	require.False(t, dec.Allow)
}

func newApproval(f *fixture, approvedAt time.Time, maxMinutes int) uuid.UUID {
	a := evaluator.Approval{
		Ref:                uuid.New(),
		Status:             evaluator.ApprovalStatusApproved,
		ApprovedAt:         approvedAt,
		ApprovedBy:         50,
		MaxDurationMinutes: maxMinutes,
	}
	f.approvals.Put(a)
	return a.Ref
}
