// Package audit appends the immutable trail behind every decision and grant
// mutation. Records carry a per-subject monotonic sequence number and a
// blake2b hash chained to the previous record, so reordering or rewriting
// history is detectable.
package audit

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
)

// Kind distinguishes what produced a record.
type Kind string

const (
	// KindDecision records a Decide outcome.
	KindDecision Kind = "decision"
	// KindGrantMutation records a grant or assignment write.
	KindGrantMutation Kind = "grant_mutation"
)

// Verdict values for decision records.
const (
	VerdictAllow = "ALLOW"
	VerdictDeny  = "DENY"
)

// Record is one immutable audit entry.
type Record struct {
	ID               uuid.UUID         `json:"id"`
	Kind             Kind              `json:"kind"`
	SubjectID        int64             `json:"subject_id"`
	ActorID          int64             `json:"actor_id"`
	Action           string            `json:"action"`
	ResourceType     string            `json:"resource_type,omitempty"`
	ResourceInstance *string           `json:"resource_instance,omitempty"`
	Verdict          string            `json:"verdict,omitempty"`
	Reason           string            `json:"reason,omitempty"`
	DecisiveGrantID  *uuid.UUID        `json:"decisive_grant_id,omitempty"`
	Context          map[string]string `json:"context,omitempty"`

	// Seq and Hash are assigned by the repository at append time.
	Seq      int64  `json:"seq"`
	PrevHash []byte `json:"prev_hash,omitempty"`
	Hash     []byte `json:"hash,omitempty"`

	At time.Time `json:"at"`
}

// ChainHash computes the tamper-evidence hash for a record given its
// predecessor's hash. The hash covers the assigned sequence number and the
// record payload, so both content edits and reordering break the chain.
func ChainHash(prev []byte, rec Record) []byte {
	rec.PrevHash = prev
	rec.Hash = nil
	payload, _ := json.Marshal(rec)
	h, _ := blake2b.New256(nil)
	h.Write(prev)
	h.Write(payload)
	return h.Sum(nil)
}

// Filters narrows audit listing queries.
type Filters struct {
	SubjectID *int64
	ActorID   *int64
	Kind      Kind
	From      time.Time
	To        time.Time
	Page      int
	PageSize  int
}

// PagingInfo reports simple pagination metadata.
type PagingInfo struct {
	Page     int
	PageSize int
	HasNext  bool
}

// Result wraps a page of records.
type Result struct {
	Records []Record
	Paging  PagingInfo
}
