package spec

import (
	"sort"
	"strings"

	"github.com/a-h/pypiresolve/version"
)

// SpecSet is a multimap of name to the Specs contributed for that name.
type SpecSet struct {
	byName map[string][]Spec
	// order preserves first-seen insertion order of names, so resolver
	// passes are deterministic.
	order []string
}

func New() *SpecSet {
	return &SpecSet{byName: make(map[string][]Spec)}
}

// Add appends spec without merging it into any existing entry for its name.
func (ss *SpecSet) Add(s Spec) {
	name := NormalizeName(s.Name)
	if _, ok := ss.byName[name]; !ok {
		ss.order = append(ss.order, name)
	}
	s.Name = name
	ss.byName[name] = append(ss.byName[name], s)
}

// Names returns the set of names in insertion order.
func (ss *SpecSet) Names() []string {
	out := make([]string, len(ss.order))
	copy(out, ss.order)
	return out
}

// Explode returns a one-predicate-per-spec fan-out of all specs for name.
func (ss *SpecSet) Explode(name string) []Spec {
	name = NormalizeName(name)
	var out []Spec
	for _, s := range ss.byName[name] {
		out = append(out, explodePredicates(s)...)
	}
	return out
}

// Has reports whether the set already has an entry for name.
func (ss *SpecSet) Has(name string) bool {
	_, ok := ss.byName[NormalizeName(name)]
	return ok
}

// Get returns the merged (normalized) spec for a single name, if present.
func (ss *SpecSet) Get(name string) (Spec, bool) {
	name = NormalizeName(name)
	specs, ok := ss.byName[name]
	if !ok || len(specs) == 0 {
		return Spec{}, false
	}
	if len(specs) == 1 {
		return specs[0], true
	}
	merged, err := normalizeName(name, specs)
	if err != nil {
		return Spec{}, false
	}
	return merged, true
}

// Contains reports whether an equivalent spec (same name, extras and
// predicates, ignoring source) is already present for s.Name. The resolver
// uses this as a quick check before testing whether a harvested dependency
// edge changes the merged spec for its name.
func (ss *SpecSet) Contains(s Spec) bool {
	name := NormalizeName(s.Name)
	for _, existing := range ss.byName[name] {
		if specsEqual(existing, s) {
			return true
		}
	}
	return false
}

func specsEqual(a, b Spec) bool {
	if !sameStringSet(a.Extras, b.Extras) {
		return false
	}
	if len(a.Preds) != len(b.Preds) {
		return false
	}
	for i := range a.Preds {
		if a.Preds[i].Op != b.Preds[i].Op || !a.Preds[i].Version.Equal(b.Preds[i].Version) {
			return false
		}
	}
	return true
}

func sameStringSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	ac, bc := append([]string{}, a...), append([]string{}, b...)
	sort.Strings(ac)
	sort.Strings(bc)
	for i := range ac {
		if ac[i] != bc[i] {
			return false
		}
	}
	return true
}

// Clone returns a deep-enough copy of the set for use as a snapshot.
func (ss *SpecSet) Clone() *SpecSet {
	c := New()
	for _, name := range ss.order {
		specs := ss.byName[name]
		cp := make([]Spec, len(specs))
		copy(cp, specs)
		c.byName[name] = cp
		c.order = append(c.order, name)
	}
	return c
}

// Normalize reduces the set to exactly one Spec per name, per the rules in
// the directional-bucket reduction below. It returns a new SpecSet; the
// receiver is left untouched.
func (ss *SpecSet) Normalize() (*SpecSet, error) {
	out := New()
	for _, name := range ss.order {
		merged, err := normalizeName(name, ss.byName[name])
		if err != nil {
			return nil, err
		}
		out.Add(merged)
	}
	return out, nil
}

type bucket struct {
	eq  []Spec
	ne  []Spec
	lt  []Spec
	le  []Spec
	gt  []Spec
	ge  []Spec
}

func normalizeName(name string, specs []Spec) (Spec, error) {
	var exploded []Spec
	for _, s := range specs {
		exploded = append(exploded, explodePredicates(s)...)
	}

	var b bucket
	for _, s := range exploded {
		if len(s.Preds) == 0 {
			continue
		}
		switch s.Preds[0].Op {
		case version.OpEQ:
			b.eq = append(b.eq, s)
		case version.OpNE:
			b.ne = append(b.ne, s)
		case version.OpLT:
			b.lt = append(b.lt, s)
		case version.OpLE:
			b.le = append(b.le, s)
		case version.OpGT:
			b.gt = append(b.gt, s)
		case version.OpGE:
			b.ge = append(b.ge, s)
		}
	}

	var sources []string
	addSource := func(s Spec) {
		if s.Source != "" {
			sources = append(sources, s.Source)
		}
	}

	// Reduce lower bound: the most restrictive of >= and > survivors.
	lower, lowerSrc, hasLower := reduceLower(b.ge, b.gt)
	// Reduce upper bound: the most restrictive of <= and < survivors.
	upper, upperSrc, hasUpper := reduceUpper(b.le, b.lt)
	sources = append(sources, lowerSrc...)
	sources = append(sources, upperSrc...)

	// Collapse the bound pair itself, e.g. >=X and <=X -> ==X.
	var collapsedEQ *version.Predicate
	if hasLower && hasUpper {
		if collapsed, ok := version.Collapse(lower, upper); ok {
			collapsedEQ = &collapsed
		}
	}

	// Collapse each != against whichever bound it touches; anything left
	// over survives as its own predicate.
	var remainingNE []version.Predicate
	for _, neSpec := range b.ne {
		addSource(neSpec)
		nePred := neSpec.Preds[0]
		switch {
		case hasLower && !hasUpper:
			if collapsed, ok := version.Collapse(lower, nePred); ok {
				lower = collapsed
				continue
			}
		case hasUpper && !hasLower:
			if collapsed, ok := version.Collapse(upper, nePred); ok {
				upper = collapsed
				continue
			}
		}
		remainingNE = append(remainingNE, nePred)
	}

	var preds []version.Predicate
	switch {
	case collapsedEQ != nil:
		preds = append(preds, *collapsedEQ)
	default:
		if hasLower {
			preds = append(preds, lower)
		}
		if hasUpper {
			preds = append(preds, upper)
		}
	}
	preds = append(preds, remainingNE...)

	// Equality predicates: all must agree with each other and with the
	// bounds and the != set.
	for _, eqSpec := range b.eq {
		addSource(eqSpec)
		eqPred := eqSpec.Preds[0]
		for _, p := range preds {
			if p.Op == version.OpEQ && !p.Version.Equal(eqPred.Version) {
				return Spec{}, &ConflictError{Name: name, SourceA: p.String(), SourceB: eqSpec.Source, Detail: "disagreeing == predicates"}
			}
			if version.Conflicts(p, eqPred) {
				return Spec{}, &ConflictError{Name: name, SourceA: p.String(), SourceB: eqSpec.Source, Detail: "== predicate outside bound"}
			}
		}
		preds = replaceOrAppendEQ(preds, eqPred)
	}

	// Final pairwise conflict check across whatever remains.
	for i := 0; i < len(preds); i++ {
		for j := i + 1; j < len(preds); j++ {
			if version.Conflicts(preds[i], preds[j]) {
				return Spec{}, &ConflictError{Name: name, SourceA: preds[i].String(), SourceB: preds[j].String(), Detail: "unsatisfiable interval"}
			}
		}
	}

	// Every surviving predicate was checked against any == above, so an ==
	// implies the rest and is kept alone, leaving the spec pinned.
	for _, p := range preds {
		if p.Op == version.OpEQ {
			preds = []version.Predicate{p}
			break
		}
	}

	sort.Strings(sources)
	sources = dedupe(sources)

	merged := Spec{
		Name:   name,
		Extras: mergedExtras(exploded),
		Preds:  preds,
		Source: strings.Join(sources, " and "),
	}
	if v, ok := merged.PinnedVersion(); ok {
		merged.Pinned = v
		merged.HasPinned = true
	}
	return merged, nil
}

func reduceLower(ge, gt []Spec) (version.Predicate, []string, bool) {
	var best *version.Predicate
	var bestSpec Spec
	for _, s := range append(append([]Spec{}, ge...), gt...) {
		p := s.Preds[0]
		if best == nil || p.Subsumes(*best) {
			cp := p
			best = &cp
			bestSpec = s
		}
	}
	if best == nil {
		return version.Predicate{}, nil, false
	}
	var sources []string
	if bestSpec.Source != "" {
		sources = append(sources, bestSpec.Source)
	}
	return *best, sources, true
}

func reduceUpper(le, lt []Spec) (version.Predicate, []string, bool) {
	var best *version.Predicate
	var bestSpec Spec
	for _, s := range append(append([]Spec{}, le...), lt...) {
		p := s.Preds[0]
		if best == nil || p.Subsumes(*best) {
			cp := p
			best = &cp
			bestSpec = s
		}
	}
	if best == nil {
		return version.Predicate{}, nil, false
	}
	var sources []string
	if bestSpec.Source != "" {
		sources = append(sources, bestSpec.Source)
	}
	return *best, sources, true
}

func replaceOrAppendEQ(preds []version.Predicate, eq version.Predicate) []version.Predicate {
	for i, p := range preds {
		if p.Op == version.OpEQ {
			preds[i] = eq
			return preds
		}
	}
	return append(preds, eq)
}

func dedupe(in []string) []string {
	out := in[:0]
	var last string
	first := true
	for _, s := range in {
		if first || s != last {
			out = append(out, s)
			last = s
			first = false
		}
	}
	return out
}
