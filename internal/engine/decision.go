package engine

import (
	"github.com/google/uuid"

	"github.com/sentra-authz/sentra/internal/condition"
)

// Decision reason codes. Every deny names why; the audit record carries the
// same code.
const (
	ReasonAllowed             = "ALLOWED"
	ReasonNoApplicableGrant   = "NO_APPLICABLE_GRANT"
	ReasonExplicitDeny        = "EXPLICIT_DENY"
	ReasonSubjectNotFound     = "SUBJECT_NOT_FOUND"
	ReasonResourceTypeUnknown = "RESOURCE_TYPE_UNKNOWN"
	ReasonStoreUnavailable    = "STORE_UNAVAILABLE"
)

// Request is one authorization question.
type Request struct {
	SubjectID        int64
	Action           string
	ResourceType     string
	ResourceInstance *string
	// Context carries request attributes the conditional predicates read:
	// ip, device_trust_level, mfa_age_seconds, risk_score, and the like.
	Context condition.Attributes
}

// Decision is the engine's answer. DecisiveGrantID names the grant that
// settled it; nil means default deny or a terminal lookup failure.
type Decision struct {
	Allow           bool       `json:"allow"`
	Reason          string     `json:"reason"`
	DecisiveGrantID *uuid.UUID `json:"decisive_grant_id,omitempty"`
	CacheHit        bool       `json:"cache_hit"`
}
