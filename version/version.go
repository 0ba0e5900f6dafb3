// Package version implements the PEP 440 version and predicate algebra that
// the resolver builds its constraint logic on top of. Parsing and ordering
// are delegated to aquasecurity/go-pep440-version; this package adds the
// operator algebra (subsumption, conflict, collapse) that library does not
// provide, since it is built for single-specifier matching rather than
// SpecSet normalization.
package version

import (
	"fmt"
	"regexp"

	pep440 "github.com/aquasecurity/go-pep440-version"
)

// Version is a parsed, orderable PEP 440 version.
type Version struct {
	v pep440.Version
}

// Parse parses a PEP 440 version string.
func Parse(s string) (Version, error) {
	v, err := pep440.Parse(s)
	if err != nil {
		return Version{}, fmt.Errorf("invalid version %q: %w", s, err)
	}
	return Version{v: v}, nil
}

func (v Version) String() string {
	return v.v.String()
}

func (v Version) Equal(o Version) bool      { return v.v.Equal(o.v) }
func (v Version) LessThan(o Version) bool   { return v.v.LessThan(o.v) }
func (v Version) GreaterThan(o Version) bool {
	return !v.LessThan(o) && !v.Equal(o)
}
func (v Version) LessThanOrEqual(o Version) bool    { return v.LessThan(o) || v.Equal(o) }
func (v Version) GreaterThanOrEqual(o Version) bool { return v.GreaterThan(o) || v.Equal(o) }

// Compare returns -1, 0 or 1 following the usual comparison convention.
func (v Version) Compare(o Version) int {
	switch {
	case v.Equal(o):
		return 0
	case v.LessThan(o):
		return -1
	default:
		return 1
	}
}

var preReleasePattern = regexp.MustCompile(`(?i)(a|b|rc)\d+$|\.?dev\d+$`)

// IsPreRelease reports whether v carries a pre-release or dev qualifier, per
// PEP 440's normalized rendering (e.g. "1.0a1", "1.0rc1", "1.0.dev0").
func (v Version) IsPreRelease() bool {
	return preReleasePattern.MatchString(v.v.String())
}

// Op is a predicate operator.
type Op string

const (
	OpEQ Op = "=="
	OpNE Op = "!="
	OpLT Op = "<"
	OpGT Op = ">"
	OpLE Op = "<="
	OpGE Op = ">="
)

// Predicate is a single (op, version) pair, e.g. ">=1.4".
type Predicate struct {
	Op      Op
	Version Version
}

func NewPredicate(op Op, v Version) Predicate {
	return Predicate{Op: op, Version: v}
}

func (p Predicate) String() string {
	return string(p.Op) + p.Version.String()
}

// Match reports whether v satisfies the predicate.
func (p Predicate) Match(v Version) bool {
	switch p.Op {
	case OpEQ:
		return v.Equal(p.Version)
	case OpNE:
		return !v.Equal(p.Version)
	case OpLT:
		return v.LessThan(p.Version)
	case OpGT:
		return v.GreaterThan(p.Version)
	case OpLE:
		return v.LessThanOrEqual(p.Version)
	case OpGE:
		return v.GreaterThanOrEqual(p.Version)
	default:
		return false
	}
}

// Subsumes reports whether p implies q: every version satisfying p also
// satisfies q, so keeping p alone makes q redundant. E.g. >=1.4 subsumes
// >=1.3, and <1.3.99 subsumes <1.4. Only defined for pairs of the same bound
// direction (both lower-bound or both upper-bound); anything else returns
// false, which is always a safe answer since it just means "keep both".
func (p Predicate) Subsumes(q Predicate) bool {
	if pb, ok := bound(p, true); ok {
		if qb, ok := bound(q, true); ok {
			return lowerImplies(pb, qb)
		}
	}
	if pb, ok := bound(p, false); ok {
		if qb, ok := bound(q, false); ok {
			return upperImplies(pb, qb)
		}
	}
	return false
}

func lowerImplies(p, q boundPredicate) bool {
	if p.v.GreaterThan(q.v) {
		return true
	}
	if p.v.Equal(q.v) {
		return p.inclusive == q.inclusive || !p.inclusive
	}
	return false
}

func upperImplies(p, q boundPredicate) bool {
	if p.v.LessThan(q.v) {
		return true
	}
	if p.v.Equal(q.v) {
		return p.inclusive == q.inclusive || !p.inclusive
	}
	return false
}

// Conflicts reports whether no version can satisfy both p and q simultaneously.
func Conflicts(p, q Predicate) bool {
	if p.Op == OpEQ && q.Op == OpEQ {
		return !p.Version.Equal(q.Version)
	}
	if p.Op == OpEQ && q.Op == OpNE {
		return p.Version.Equal(q.Version)
	}
	if p.Op == OpNE && q.Op == OpEQ {
		return p.Version.Equal(q.Version)
	}
	if p.Op == OpEQ {
		return !q.Match(p.Version)
	}
	if q.Op == OpEQ {
		return !p.Match(q.Version)
	}
	// Two open-ended bounds only conflict when they point away from each other.
	lower, lowerOK := bound(p, true)
	upper, upperOK := bound(q, false)
	if lowerOK && upperOK && boundsConflict(lower, upper) {
		return true
	}
	lower, lowerOK = bound(q, true)
	upper, upperOK = bound(p, false)
	if lowerOK && upperOK && boundsConflict(lower, upper) {
		return true
	}
	return false
}

type boundPredicate struct {
	inclusive bool
	v         Version
}

func bound(p Predicate, lower bool) (boundPredicate, bool) {
	if lower && (p.Op == OpGE || p.Op == OpGT) {
		return boundPredicate{inclusive: p.Op == OpGE, v: p.Version}, true
	}
	if !lower && (p.Op == OpLE || p.Op == OpLT) {
		return boundPredicate{inclusive: p.Op == OpLE, v: p.Version}, true
	}
	return boundPredicate{}, false
}

func boundsConflict(lower, upper boundPredicate) bool {
	if lower.v.GreaterThan(upper.v) {
		return true
	}
	if lower.v.Equal(upper.v) && !(lower.inclusive && upper.inclusive) {
		return true
	}
	return false
}

// Collapse applies the pairwise simplification rules for compatible operator
// pairs on the same version, returning the reduced predicate and true if a
// rule applied. It does not attempt cross-version collapsing; that is done by
// the directional-bucket reduction in the spec package.
func Collapse(p, q Predicate) (Predicate, bool) {
	if !p.Version.Equal(q.Version) {
		return Predicate{}, false
	}
	ops := [2]Op{p.Op, q.Op}
	switch {
	case hasOps(ops, OpGE, OpLE):
		return NewPredicate(OpEQ, p.Version), true
	case hasOps(ops, OpGE, OpNE):
		return NewPredicate(OpGT, p.Version), true
	case hasOps(ops, OpLE, OpNE):
		return NewPredicate(OpLT, p.Version), true
	}
	return Predicate{}, false
}

func hasOps(ops [2]Op, a, b Op) bool {
	return (ops[0] == a && ops[1] == b) || (ops[0] == b && ops[1] == a)
}
