// Package condition implements the predicate trees attached to conditional
// grants. A tree is data, not code: it is stored alongside the grant as JSON
// and evaluated against the per-request context at decision time.
package condition

import (
	"errors"
	"fmt"
	"net/netip"
	"strconv"
)

// Op discriminates expression nodes.
type Op string

const (
	// OpAnd is true when all terms are true.
	OpAnd Op = "and"
	// OpOr is true when at least one term is true.
	OpOr Op = "or"
	// OpNot negates its single term.
	OpNot Op = "not"
	// OpCompare is a leaf comparison against one context attribute.
	OpCompare Op = "cmp"
)

// CompareKind enumerates the supported leaf comparisons.
type CompareKind string

const (
	// CompareIPInCIDR checks the request IP against a CIDR set.
	CompareIPInCIDR CompareKind = "ip_in_cidr"
	// CompareAtLeast checks a numeric attribute >= threshold.
	CompareAtLeast CompareKind = "at_least"
	// CompareAtMost checks a numeric attribute <= threshold.
	CompareAtMost CompareKind = "at_most"
	// CompareEquals checks string equality on an attribute.
	CompareEquals CompareKind = "equals"
)

// Well-known context attribute names. The catalog rejects expressions that
// reference anything outside this set.
const (
	AttrIP          = "ip"
	AttrDeviceTrust = "device_trust_level"
	AttrMFAAge      = "mfa_age_seconds"
	AttrRiskScore   = "risk_score"
	AttrDepartment  = "department"
	AttrEnvironment = "environment"
	AttrTenant      = "tenant"
	AttrOwner       = "resource.owner"
)

// KnownAttributes is the fixed set of attributes an expression may reference.
func KnownAttributes() map[string]struct{} {
	return map[string]struct{}{
		AttrIP:          {},
		AttrDeviceTrust: {},
		AttrMFAAge:      {},
		AttrRiskScore:   {},
		AttrDepartment:  {},
		AttrEnvironment: {},
		AttrTenant:      {},
		AttrOwner:       {},
	}
}

// Attributes is the request context the tree evaluates against. Values are
// strings as delivered by the caller; numeric comparisons parse on demand.
type Attributes map[string]string

// Result is the tri-state outcome of evaluating an expression.
type Result int

const (
	// False means the predicate does not hold.
	False Result = iota
	// True means the predicate holds.
	True
	// Indeterminate means a referenced attribute was absent from the
	// request context. Callers resolve it fail-closed.
	Indeterminate
)

// Expr is one node of a predicate tree. Exactly one of Terms/Cmp is set
// depending on Op.
type Expr struct {
	Op    Op          `json:"op"`
	Terms []Expr      `json:"terms,omitempty"`
	Cmp   *Comparison `json:"cmp,omitempty"`
}

// Comparison is a leaf check against a single attribute.
type Comparison struct {
	Kind      CompareKind `json:"kind"`
	Attr      string      `json:"attr"`
	CIDRs     []string    `json:"cidrs,omitempty"`
	Threshold float64     `json:"threshold,omitempty"`
	Value     string      `json:"value,omitempty"`
}

// ErrInvalidExpr reports a structurally broken expression.
var ErrInvalidExpr = errors.New("condition: invalid expression")

// Validate checks structure and that every referenced attribute is known.
func (e Expr) Validate() error {
	return e.validate(KnownAttributes())
}

func (e Expr) validate(known map[string]struct{}) error {
	switch e.Op {
	case OpAnd, OpOr:
		if len(e.Terms) == 0 {
			return fmt.Errorf("%w: %s with no terms", ErrInvalidExpr, e.Op)
		}
		for _, t := range e.Terms {
			if err := t.validate(known); err != nil {
				return err
			}
		}
		return nil
	case OpNot:
		if len(e.Terms) != 1 {
			return fmt.Errorf("%w: not requires exactly one term", ErrInvalidExpr)
		}
		return e.Terms[0].validate(known)
	case OpCompare:
		if e.Cmp == nil {
			return fmt.Errorf("%w: cmp node without comparison", ErrInvalidExpr)
		}
		return e.Cmp.validate(known)
	default:
		return fmt.Errorf("%w: unknown op %q", ErrInvalidExpr, e.Op)
	}
}

func (c Comparison) validate(known map[string]struct{}) error {
	if _, ok := known[c.Attr]; !ok {
		return fmt.Errorf("%w: unknown attribute %q", ErrInvalidExpr, c.Attr)
	}
	switch c.Kind {
	case CompareIPInCIDR:
		if len(c.CIDRs) == 0 {
			return fmt.Errorf("%w: ip_in_cidr with empty cidr set", ErrInvalidExpr)
		}
		for _, raw := range c.CIDRs {
			if _, err := netip.ParsePrefix(raw); err != nil {
				return fmt.Errorf("%w: bad cidr %q", ErrInvalidExpr, raw)
			}
		}
	case CompareAtLeast, CompareAtMost:
		// threshold zero is legal (e.g. risk_score <= 0)
	case CompareEquals:
		if c.Value == "" {
			return fmt.Errorf("%w: equals with empty value", ErrInvalidExpr)
		}
	default:
		return fmt.Errorf("%w: unknown comparison %q", ErrInvalidExpr, c.Kind)
	}
	return nil
}

// ReferencedAttrs returns the attribute names the tree reads.
func (e Expr) ReferencedAttrs() []string {
	seen := map[string]struct{}{}
	e.collectAttrs(seen)
	out := make([]string, 0, len(seen))
	for a := range seen {
		out = append(out, a)
	}
	return out
}

func (e Expr) collectAttrs(into map[string]struct{}) {
	if e.Op == OpCompare && e.Cmp != nil {
		into[e.Cmp.Attr] = struct{}{}
		return
	}
	for _, t := range e.Terms {
		t.collectAttrs(into)
	}
}

// Eval walks the tree against attrs. Three-valued logic follows Kleene
// semantics: an Indeterminate leaf poisons And/Or only when the remaining
// terms cannot force a definite answer.
func (e Expr) Eval(attrs Attributes) Result {
	switch e.Op {
	case OpAnd:
		res := True
		for _, t := range e.Terms {
			switch t.Eval(attrs) {
			case False:
				return False
			case Indeterminate:
				res = Indeterminate
			}
		}
		return res
	case OpOr:
		res := False
		for _, t := range e.Terms {
			switch t.Eval(attrs) {
			case True:
				return True
			case Indeterminate:
				res = Indeterminate
			}
		}
		return res
	case OpNot:
		switch e.Terms[0].Eval(attrs) {
		case True:
			return False
		case False:
			return True
		default:
			return Indeterminate
		}
	case OpCompare:
		if e.Cmp == nil {
			return Indeterminate
		}
		return e.Cmp.eval(attrs)
	default:
		return Indeterminate
	}
}

func (c Comparison) eval(attrs Attributes) Result {
	raw, ok := attrs[c.Attr]
	if !ok || raw == "" {
		return Indeterminate
	}
	switch c.Kind {
	case CompareIPInCIDR:
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return Indeterminate
		}
		for _, cidr := range c.CIDRs {
			prefix, err := netip.ParsePrefix(cidr)
			if err != nil {
				continue
			}
			if prefix.Contains(addr) {
				return True
			}
		}
		return False
	case CompareAtLeast:
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return Indeterminate
		}
		if v >= c.Threshold {
			return True
		}
		return False
	case CompareAtMost:
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return Indeterminate
		}
		if v <= c.Threshold {
			return True
		}
		return False
	case CompareEquals:
		if raw == c.Value {
			return True
		}
		return False
	default:
		return Indeterminate
	}
}

// Helpers for building trees in code and tests.

// And combines terms conjunctively.
func And(terms ...Expr) Expr { return Expr{Op: OpAnd, Terms: terms} }

// Or combines terms disjunctively.
func Or(terms ...Expr) Expr { return Expr{Op: OpOr, Terms: terms} }

// Not negates a term.
func Not(term Expr) Expr { return Expr{Op: OpNot, Terms: []Expr{term}} }

// IPInCIDR builds an IP allowlist leaf.
func IPInCIDR(cidrs ...string) Expr {
	return Expr{Op: OpCompare, Cmp: &Comparison{Kind: CompareIPInCIDR, Attr: AttrIP, CIDRs: cidrs}}
}

// AtLeast builds a numeric lower-bound leaf.
func AtLeast(attr string, threshold float64) Expr {
	return Expr{Op: OpCompare, Cmp: &Comparison{Kind: CompareAtLeast, Attr: attr, Threshold: threshold}}
}

// AtMost builds a numeric upper-bound leaf.
func AtMost(attr string, threshold float64) Expr {
	return Expr{Op: OpCompare, Cmp: &Comparison{Kind: CompareAtMost, Attr: attr, Threshold: threshold}}
}

// Equals builds a string equality leaf.
func Equals(attr, value string) Expr {
	return Expr{Op: OpCompare, Cmp: &Comparison{Kind: CompareEquals, Attr: attr, Value: value}}
}
