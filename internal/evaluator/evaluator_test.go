package evaluator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/sentra-authz/sentra/internal/condition"
	"github.com/sentra-authz/sentra/internal/grants"
	"github.com/sentra-authz/sentra/internal/schedule"
)

type stubApprovals struct {
	records map[uuid.UUID]Approval
	err     error
}

func (s *stubApprovals) Approval(ctx context.Context, ref uuid.UUID) (Approval, error) {
	if s.err != nil {
		return Approval{}, s.err
	}
	if a, ok := s.records[ref]; ok {
		return a, nil
	}
	return Approval{}, ErrApprovalNotFound
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func allowGrant() grants.Grant {
	return grants.Grant{ID: uuid.New(), Effect: grants.Allow, IsActive: true}
}

func TestTemporalGrantMidnightWrap(t *testing.T) {
	g := allowGrant()
	g.Schedule = &schedule.Schedule{Ranges: []schedule.TimeRange{{Start: "22:00", End: "06:00"}}}

	cases := []struct {
		at   time.Time
		want bool
	}{
		{time.Date(2025, 7, 14, 23, 30, 0, 0, time.UTC), true},
		{time.Date(2025, 7, 15, 2, 0, 0, 0, time.UTC), true},
		{time.Date(2025, 7, 14, 12, 0, 0, 0, time.UTC), false},
	}
	for _, tc := range cases {
		e := New(nil, fixedClock(tc.at))
		got, err := e.Applicable(context.Background(), g, nil)
		if err != nil {
			t.Fatalf("applicable at %s: %v", tc.at, err)
		}
		if got != tc.want {
			t.Fatalf("at %s: expected %v, got %v", tc.at, tc.want, got)
		}
	}
}

func TestConditionalGrantMFA(t *testing.T) {
	g := allowGrant()
	cond := condition.AtMost(condition.AttrMFAAge, 900)
	g.Condition = &cond

	e := New(nil, fixedClock(time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)))

	got, err := e.Applicable(context.Background(), g, condition.Attributes{condition.AttrMFAAge: "600"})
	if err != nil || !got {
		t.Fatalf("fresh mfa: expected applicable, got %v err=%v", got, err)
	}

	// Missing MFA context on an allow grant: fail closed.
	got, err = e.Applicable(context.Background(), g, condition.Attributes{})
	if err != nil || got {
		t.Fatalf("missing mfa on allow: expected not applicable, got %v err=%v", got, err)
	}
}

func TestIndeterminateKeepsDenyApplicable(t *testing.T) {
	g := allowGrant()
	g.Effect = grants.Deny
	cond := condition.IPInCIDR("10.0.0.0/8")
	g.Condition = &cond

	e := New(nil, fixedClock(time.Now()))
	got, err := e.Applicable(context.Background(), g, condition.Attributes{})
	if err != nil {
		t.Fatalf("applicable: %v", err)
	}
	if !got {
		t.Fatal("deny grant with indeterminate predicate must stay applicable")
	}
}

func TestApprovalGate(t *testing.T) {
	ref := uuid.New()
	approvedAt := time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)
	store := &stubApprovals{records: map[uuid.UUID]Approval{
		ref: {Ref: ref, Status: ApprovalStatusApproved, ApprovedAt: approvedAt, MaxDurationMinutes: 60},
	}}

	g := allowGrant()
	g.ApprovalRef = &ref

	// Inside the approval window.
	e := New(store, fixedClock(approvedAt.Add(30*time.Minute)))
	got, err := e.Applicable(context.Background(), g, nil)
	if err != nil || !got {
		t.Fatalf("inside window: expected applicable, got %v err=%v", got, err)
	}

	// Window elapsed.
	e = New(store, fixedClock(approvedAt.Add(2*time.Hour)))
	got, err = e.Applicable(context.Background(), g, nil)
	if err != nil || got {
		t.Fatalf("elapsed window: expected not applicable, got %v err=%v", got, err)
	}

	// Pending approval.
	store.records[ref] = Approval{Ref: ref, Status: ApprovalStatusPending, ApprovedAt: approvedAt, MaxDurationMinutes: 60}
	e = New(store, fixedClock(approvedAt.Add(10*time.Minute)))
	got, err = e.Applicable(context.Background(), g, nil)
	if err != nil || got {
		t.Fatalf("pending approval: expected not applicable, got %v err=%v", got, err)
	}

	// Missing approval record.
	g2 := allowGrant()
	missing := uuid.New()
	g2.ApprovalRef = &missing
	got, err = e.Applicable(context.Background(), g2, nil)
	if err != nil || got {
		t.Fatalf("missing approval: expected not applicable, got %v err=%v", got, err)
	}
}

func TestApprovalStoreFailurePropagates(t *testing.T) {
	ref := uuid.New()
	store := &stubApprovals{err: errors.New("connection refused")}
	g := allowGrant()
	g.ApprovalRef = &ref

	e := New(store, fixedClock(time.Now()))
	if _, err := e.Applicable(context.Background(), g, nil); err == nil {
		t.Fatal("expected dependency failure to propagate")
	}
}

func TestBrokenScheduleFailsClosed(t *testing.T) {
	g := allowGrant()
	g.Schedule = &schedule.Schedule{Timezone: "Nowhere/Invalid"}
	e := New(nil, fixedClock(time.Now()))

	got, err := e.Applicable(context.Background(), g, nil)
	if err != nil || got {
		t.Fatalf("broken schedule on allow: expected not applicable, got %v err=%v", got, err)
	}

	g.Effect = grants.Deny
	got, err = e.Applicable(context.Background(), g, nil)
	if err != nil || !got {
		t.Fatalf("broken schedule on deny: expected applicable, got %v err=%v", got, err)
	}
}
