// Package spec implements a single package requirement (Spec) and a
// multimap of requirements (SpecSet), including the normalize() algorithm
// that reduces a SpecSet down to one Spec per name.
package spec

import (
	"fmt"
	"sort"
	"strings"

	"github.com/a-h/pypiresolve/version"
)

// ConflictError is raised by normalize() when a name's predicates have an
// empty intersection.
type ConflictError struct {
	Name    string
	SourceA string
	SourceB string
	Detail  string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflicting requirements for %s: %s vs %s (%s)", e.Name, e.SourceA, e.SourceB, e.Detail)
}

// Spec is a single requirement: name[extras] op1 v1, op2 v2 ...
type Spec struct {
	Name   string
	Extras []string
	Preds  []version.Predicate
	Source string
	// Pinned is set once the spec has been resolved to exactly one version.
	Pinned   version.Version
	HasPinned bool
}

// NormalizeName lowercases and PEP 503-normalizes a package name.
func NormalizeName(name string) string {
	name = strings.ToLower(name)
	var b strings.Builder
	prevDash := false
	for _, r := range name {
		if r == '-' || r == '_' || r == '.' {
			if !prevDash && b.Len() > 0 {
				b.WriteByte('-')
				prevDash = true
			}
			continue
		}
		b.WriteRune(r)
		prevDash = false
	}
	return strings.Trim(b.String(), "-")
}

// IsPinned reports whether preds reduces to a single == predicate.
func (s Spec) IsPinned() bool {
	if s.HasPinned {
		return true
	}
	return len(s.Preds) == 1 && s.Preds[0].Op == version.OpEQ
}

// PinnedVersion returns the spec's pinned version, if any.
func (s Spec) PinnedVersion() (version.Version, bool) {
	if s.HasPinned {
		return s.Pinned, true
	}
	if len(s.Preds) == 1 && s.Preds[0].Op == version.OpEQ {
		return s.Preds[0].Version, true
	}
	return version.Version{}, false
}

// Fullname returns "name-version" once pinned, else an empty string.
func (s Spec) Fullname() string {
	v, ok := s.PinnedVersion()
	if !ok {
		return ""
	}
	return s.Name + "-" + v.String()
}

// NoExtra returns a copy of s with its extras stripped, used as a cache key
// for metadata-level lookups that don't vary by extras.
func (s Spec) NoExtra() Spec {
	c := s
	c.Extras = nil
	return c
}

// WithPin returns a copy of s pinned to v.
func (s Spec) WithPin(v version.Version) Spec {
	c := s
	c.Pinned = v
	c.HasPinned = true
	c.Preds = []version.Predicate{version.NewPredicate(version.OpEQ, v)}
	return c
}

func (s Spec) String() string {
	var b strings.Builder
	b.WriteString(s.Name)
	if len(s.Extras) > 0 {
		b.WriteByte('[')
		b.WriteString(strings.Join(s.Extras, ","))
		b.WriteByte(']')
	}
	if len(s.Preds) > 0 {
		parts := make([]string, len(s.Preds))
		for i, p := range s.Preds {
			parts[i] = p.String()
		}
		b.WriteString(strings.Join(parts, ","))
	}
	return b.String()
}

// Match reports whether v satisfies every predicate in the spec.
func (s Spec) Match(v version.Version) bool {
	for _, p := range s.Preds {
		if !p.Match(v) {
			return false
		}
	}
	return true
}

// mergedExtras returns the sorted union of extras across specs.
func mergedExtras(specs []Spec) []string {
	seen := make(map[string]bool)
	for _, s := range specs {
		for _, e := range s.Extras {
			seen[e] = true
		}
	}
	out := make([]string, 0, len(seen))
	for e := range seen {
		out = append(out, e)
	}
	sort.Strings(out)
	return out
}

// explodePredicates fans out a Spec with multiple predicates into one
// single-predicate Spec per predicate, preserving name/extras/source.
func explodePredicates(s Spec) []Spec {
	if len(s.Preds) == 0 {
		return []Spec{s}
	}
	out := make([]Spec, len(s.Preds))
	for i, p := range s.Preds {
		c := s
		c.Preds = []version.Predicate{p}
		out[i] = c
	}
	return out
}
