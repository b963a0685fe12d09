// Package engine answers authorization questions. A decision runs four
// phases: collect the candidate grants (cached), resolve validity windows
// against a fresh clock, evaluate context guards, and pick the winner by
// precedence. Every failure mode resolves to a deny with a named reason;
// the engine never returns an allow it cannot attribute to a grant.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sentra-authz/sentra/internal/audit"
	"github.com/sentra-authz/sentra/internal/condition"
	"github.com/sentra-authz/sentra/internal/evaluator"
	"github.com/sentra-authz/sentra/internal/grants"
	"github.com/sentra-authz/sentra/internal/hierarchy"
	"github.com/sentra-authz/sentra/internal/observability"
	"github.com/sentra-authz/sentra/internal/registry"
)

// Engine runs the decision pipeline.
type Engine struct {
	collector *grants.Collector
	cache     *grants.Cache
	eval      *evaluator.Evaluator
	resources registry.Registry
	auditor   *audit.Emitter
	metrics   *observability.Metrics
	logger    *slog.Logger
}

// New constructs an Engine. resources, metrics, and logger may be nil.
func New(collector *grants.Collector, cache *grants.Cache, eval *evaluator.Evaluator, resources registry.Registry, auditor *audit.Emitter, metrics *observability.Metrics, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		collector: collector,
		cache:     cache,
		eval:      eval,
		resources: resources,
		auditor:   auditor,
		metrics:   metrics,
		logger:    logger,
	}
}

// Decide answers one authorization question. The error return is always nil
// for policy outcomes; it is reserved for audit durability failures, which
// must not be silently dropped when the decision requires a synchronous
// trail.
func (e *Engine) Decide(ctx context.Context, req Request) (Decision, error) {
	start := time.Now()

	dec, decisive, loggingRequired := e.decide(ctx, req)

	e.metrics.ObserveDecision(verdictOf(dec), dec.Reason, time.Since(start))

	durable := !dec.Allow || loggingRequired
	auditErr := e.auditDecision(ctx, req, dec, decisive, durable)
	if auditErr != nil && durable {
		// A decision that demands a durable trail is only as good as
		// the trail. Degrade to deny rather than allow unaudited
		// access.
		if dec.Allow {
			dec = Decision{Allow: false, Reason: ReasonStoreUnavailable, CacheHit: dec.CacheHit}
		}
		return dec, auditErr
	}
	return dec, nil
}

func (e *Engine) decide(ctx context.Context, req Request) (Decision, *grants.Candidate, bool) {
	attrs, loggingRequired := e.requestAttributes(ctx, req)

	snap, hit, err := e.cache.Snapshot(ctx, req.SubjectID, req.ResourceType, req.ResourceInstance, func(ctx context.Context) (grants.Snapshot, error) {
		return e.collector.Collect(ctx, req.SubjectID, req.ResourceType, req.ResourceInstance)
	})
	e.metrics.ObserveCacheLookup(hit)
	if err != nil {
		return Decision{Allow: false, Reason: e.denyReason(ctx, req, err), CacheHit: hit}, nil, loggingRequired
	}

	now := e.eval.Now()
	var applicable []grants.Candidate
	for _, cand := range snap.Candidates {
		if cand.Action != req.Action {
			continue
		}
		// Windows are re-checked on every call so a cached snapshot
		// can never keep an expired grant alive.
		if !cand.InWindow(now) {
			continue
		}
		ok, err := e.eval.Applicable(ctx, cand.Grant, attrs)
		if err != nil {
			return Decision{Allow: false, Reason: ReasonStoreUnavailable, CacheHit: hit}, nil, loggingRequired
		}
		if ok {
			applicable = append(applicable, cand)
		}
	}

	winner := pickWinner(applicable)
	if winner == nil {
		return Decision{Allow: false, Reason: ReasonNoApplicableGrant, CacheHit: hit}, nil, loggingRequired
	}
	id := winner.ID
	if winner.Effect == grants.Deny {
		return Decision{Allow: false, Reason: ReasonExplicitDeny, DecisiveGrantID: &id, CacheHit: hit}, winner, loggingRequired
	}
	return Decision{Allow: true, Reason: ReasonAllowed, DecisiveGrantID: &id, CacheHit: hit}, winner, loggingRequired
}

// requestAttributes merges resolved resource metadata into the request
// context so predicates like resource.owner can see it. Resolution failures
// leave the attributes alone; a predicate needing them then reads a missing
// attribute and resolves fail-closed.
func (e *Engine) requestAttributes(ctx context.Context, req Request) (condition.Attributes, bool) {
	attrs := make(condition.Attributes, len(req.Context)+2)
	for k, v := range req.Context {
		attrs[k] = v
	}
	if e.resources == nil || req.ResourceInstance == nil {
		return attrs, false
	}
	res, err := e.resources.Resolve(ctx, *req.ResourceInstance)
	if err != nil {
		if !errors.Is(err, registry.ErrResourceNotFound) {
			e.logger.Warn("resource resolution failed",
				slog.String("resource", *req.ResourceInstance), slog.Any("error", err))
		}
		return attrs, false
	}
	for k, v := range res.Attributes {
		attrs["resource."+k] = v
	}
	return attrs, res.AccessLoggingRequired
}

// denyReason maps a collection failure to its reason code. Integrity faults
// in the role graph are loud: they mean stored data violates the DAG
// contract.
func (e *Engine) denyReason(ctx context.Context, req Request, err error) string {
	switch {
	case errors.Is(err, grants.ErrSubjectNotFound):
		return ReasonSubjectNotFound
	case errors.Is(err, grants.ErrResourceTypeUnknown):
		return ReasonResourceTypeUnknown
	case errors.Is(err, hierarchy.ErrCycleDetected), errors.Is(err, hierarchy.ErrHierarchyTooDeep):
		e.logger.ErrorContext(ctx, "role hierarchy integrity fault",
			slog.Int64("subject_id", req.SubjectID),
			slog.String("resource_type", req.ResourceType),
			slog.Any("error", err))
		return ReasonStoreUnavailable
	default:
		e.logger.ErrorContext(ctx, "grant collection failed",
			slog.Int64("subject_id", req.SubjectID),
			slog.String("resource_type", req.ResourceType),
			slog.Any("error", err))
		return ReasonStoreUnavailable
	}
}

// pickWinner applies the precedence order: instance deny, type-wide deny,
// instance allow, type-wide allow. Within a tier the smallest hierarchy
// depth wins; a deny at any tier beats every allow.
func pickWinner(applicable []grants.Candidate) *grants.Candidate {
	var best *grants.Candidate
	bestTier := 0
	for i := range applicable {
		cand := &applicable[i]
		tier := tierOf(cand)
		if best == nil || tier > bestTier || (tier == bestTier && cand.Depth < best.Depth) {
			best = cand
			bestTier = tier
		}
	}
	return best
}

func tierOf(cand *grants.Candidate) int {
	switch {
	case cand.Effect == grants.Deny && cand.ResourceScope != nil:
		return 4
	case cand.Effect == grants.Deny:
		return 3
	case cand.ResourceScope != nil:
		return 2
	default:
		return 1
	}
}

func verdictOf(dec Decision) string {
	if dec.Allow {
		return audit.VerdictAllow
	}
	return audit.VerdictDeny
}

func (e *Engine) auditDecision(ctx context.Context, req Request, dec Decision, decisive *grants.Candidate, durable bool) error {
	rec := audit.Record{
		Kind:             audit.KindDecision,
		SubjectID:        req.SubjectID,
		ActorID:          req.SubjectID,
		Action:           req.Action,
		ResourceType:     req.ResourceType,
		ResourceInstance: req.ResourceInstance,
		Verdict:          verdictOf(dec),
		Reason:           dec.Reason,
		Context:          map[string]string(req.Context),
	}
	if decisive != nil {
		id := decisive.ID
		rec.DecisiveGrantID = &id
	}
	if err := e.auditor.Emit(ctx, rec, durable); err != nil {
		e.logger.ErrorContext(ctx, "decision audit failed",
			slog.Int64("subject_id", req.SubjectID),
			slog.String("reason", dec.Reason),
			slog.Any("error", err))
		return err
	}
	return nil
}

// Invalidate evicts the subject's cached snapshots.
func (e *Engine) Invalidate(ctx context.Context, subjectID int64) error {
	return e.cache.InvalidateSubject(ctx, subjectID)
}
