package spec

import (
	"strings"
	"testing"

	"github.com/a-h/pypiresolve/version"
)

func mustV(t *testing.T, s string) version.Version {
	t.Helper()
	v, err := version.Parse(s)
	if err != nil {
		t.Fatalf("failed to parse %q: %v", s, err)
	}
	return v
}

func pred(t *testing.T, op version.Op, s string) version.Predicate {
	return version.NewPredicate(op, mustV(t, s))
}

func TestNormalizeIdempotent(t *testing.T) {
	ss := New()
	ss.Add(Spec{Name: "django", Preds: []version.Predicate{pred(t, version.OpGE, "1.3"), pred(t, version.OpLT, "1.4")}, Source: "a"})
	ss.Add(Spec{Name: "django", Preds: []version.Predicate{pred(t, version.OpGE, "1.3.2")}, Source: "b"})

	once, err := ss.Normalize()
	if err != nil {
		t.Fatalf("normalize failed: %v", err)
	}
	twice, err := once.Normalize()
	if err != nil {
		t.Fatalf("second normalize failed: %v", err)
	}

	s1, _ := once.Get("django")
	s2, _ := twice.Get("django")
	if s1.String() != s2.String() {
		t.Errorf("normalize not idempotent: %s != %s", s1.String(), s2.String())
	}
}

func TestNormalizeMerging(t *testing.T) {
	ss := New()
	ss.Add(Spec{Name: "foo", Preds: []version.Predicate{pred(t, version.OpGE, "1.3"), pred(t, version.OpLT, "1.4")}, Source: "a"})
	ss.Add(Spec{Name: "foo", Preds: []version.Predicate{pred(t, version.OpGE, "1.3.2"), pred(t, version.OpLT, "1.3.99")}, Source: "b"})

	norm, err := ss.Normalize()
	if err != nil {
		t.Fatalf("normalize failed: %v", err)
	}
	merged, _ := norm.Get("foo")
	if len(merged.Preds) != 2 {
		t.Fatalf("expected 2 preds, got %d (%s)", len(merged.Preds), merged.String())
	}
	hasGE132, hasLT1399 := false, false
	for _, p := range merged.Preds {
		if p.Op == version.OpGE && p.Version.Equal(mustV(t, "1.3.2")) {
			hasGE132 = true
		}
		if p.Op == version.OpLT && p.Version.Equal(mustV(t, "1.3.99")) {
			hasLT1399 = true
		}
	}
	if !hasGE132 || !hasLT1399 {
		t.Errorf("expected >=1.3.2,<1.3.99, got %s", merged.String())
	}

	ss.Add(Spec{Name: "foo", Preds: []version.Predicate{pred(t, version.OpLE, "1.3.2")}, Source: "c"})
	norm, err = ss.Normalize()
	if err != nil {
		t.Fatalf("normalize failed: %v", err)
	}
	collapsed, _ := norm.Get("foo")
	if len(collapsed.Preds) != 1 || collapsed.Preds[0].Op != version.OpEQ {
		t.Errorf("expected collapse to ==1.3.2, got %s", collapsed.String())
	}
}

func TestNormalizeDropsSubsumed(t *testing.T) {
	ss := New()
	ss.Add(Spec{Name: "django", Source: "a"})
	ss.Add(Spec{Name: "django", Preds: []version.Predicate{pred(t, version.OpLT, "1.4")}, Source: "b"})

	norm, err := ss.Normalize()
	if err != nil {
		t.Fatalf("normalize failed: %v", err)
	}
	merged, _ := norm.Get("django")
	if len(merged.Preds) != 1 || merged.Preds[0].Op != version.OpLT {
		t.Errorf("expected single <1.4 predicate, got %s", merged.String())
	}
}

func TestNormalizeMultipleNE(t *testing.T) {
	ss := New()
	ss.Add(Spec{Name: "foo", Preds: []version.Predicate{pred(t, version.OpNE, "1.3")}, Source: "a"})
	ss.Add(Spec{Name: "foo", Preds: []version.Predicate{pred(t, version.OpNE, "1.4")}, Source: "b"})

	norm, err := ss.Normalize()
	if err != nil {
		t.Fatalf("normalize failed: %v", err)
	}
	merged, _ := norm.Get("foo")
	if len(merged.Preds) != 2 {
		t.Fatalf("expected 2 != predicates, got %d (%s)", len(merged.Preds), merged.String())
	}
}

func TestNormalizeConflictDetection(t *testing.T) {
	ss := New()
	ss.Add(Spec{Name: "foo", Preds: []version.Predicate{pred(t, version.OpEQ, "1.3.2")}, Source: "a"})
	ss.Add(Spec{Name: "foo", Preds: []version.Predicate{pred(t, version.OpNE, "1.3.2")}, Source: "b"})

	_, err := ss.Normalize()
	if err == nil {
		t.Fatal("expected ConflictError")
	}
	var ce *ConflictError
	if !asConflictError(err, &ce) {
		t.Fatalf("expected *ConflictError, got %T: %v", err, err)
	}
}

func TestNormalizeSourcePreservation(t *testing.T) {
	ss := New()
	ss.Add(Spec{Name: "foo", Preds: []version.Predicate{pred(t, version.OpGE, "1.0")}, Source: "requirements.txt"})
	ss.Add(Spec{Name: "foo", Preds: []version.Predicate{pred(t, version.OpLT, "2.0")}, Source: "override"})

	norm, err := ss.Normalize()
	if err != nil {
		t.Fatalf("normalize failed: %v", err)
	}
	merged, _ := norm.Get("foo")
	if !strings.Contains(merged.Source, "requirements.txt") || !strings.Contains(merged.Source, "override") {
		t.Errorf("expected both sources present, got %q", merged.Source)
	}
}

func TestNormalizeMonotoneNarrowing(t *testing.T) {
	ss := New()
	ss.Add(Spec{Name: "foo", Preds: []version.Predicate{pred(t, version.OpGE, "1.0")}, Source: "a"})
	ss.Add(Spec{Name: "foo", Preds: []version.Predicate{pred(t, version.OpLT, "2.0")}, Source: "b"})

	norm, err := ss.Normalize()
	if err != nil {
		t.Fatalf("normalize failed: %v", err)
	}
	merged, _ := norm.Get("foo")
	rawSpecs := ss.byName["foo"]

	versionsToCheck := []string{"0.5", "1.0", "1.5", "2.0", "2.5"}
	for _, vs := range versionsToCheck {
		v := mustV(t, vs)
		satisfiesRaw := true
		for _, s := range rawSpecs {
			if !s.Match(v) {
				satisfiesRaw = false
				break
			}
		}
		satisfiesNorm := merged.Match(v)
		if satisfiesRaw != satisfiesNorm {
			t.Errorf("version %s: satisfies raw=%v satisfies normalized=%v, expected equal", vs, satisfiesRaw, satisfiesNorm)
		}
	}
}

func asConflictError(err error, target **ConflictError) bool {
	if ce, ok := err.(*ConflictError); ok {
		*target = ce
		return true
	}
	return false
}
