package version

import "testing"

func mustParse(t *testing.T, s string) Version {
	t.Helper()
	v, err := Parse(s)
	if err != nil {
		t.Fatalf("failed to parse %q: %v", s, err)
	}
	return v
}

func TestOrderingIsTotal(t *testing.T) {
	pairs := [][2]string{
		{"1.0", "2.0"},
		{"1.0.0", "1.0"},
		{"1.0a1", "1.0"},
		{"1.0.dev1", "1.0a1"},
		{"1.0", "1.0.post1"},
		{"1.0", "1.0"},
	}
	for _, pair := range pairs {
		a := mustParse(t, pair[0])
		b := mustParse(t, pair[1])
		lt, eq, gt := a.LessThan(b), a.Equal(b), a.GreaterThan(b)
		count := 0
		for _, ok := range []bool{lt, eq, gt} {
			if ok {
				count++
			}
		}
		if count != 1 {
			t.Errorf("expected exactly one of <,==,> for %s vs %s, got lt=%v eq=%v gt=%v", pair[0], pair[1], lt, eq, gt)
		}
	}
}

func TestRoundTrip(t *testing.T) {
	for _, s := range []string{"1.0", "1.2.3", "2.0a1", "2.0.post3", "1.0+local.1"} {
		v := mustParse(t, s)
		v2 := mustParse(t, v.String())
		if !v.Equal(v2) {
			t.Errorf("parse(str(v)) != v for %s (str=%s)", s, v.String())
		}
	}
}

func TestPredicateMatch(t *testing.T) {
	tests := []struct {
		pred string
		op   Op
		ver  string
		want bool
	}{
		{"1.4", OpGE, "1.4", true},
		{"1.4", OpGE, "1.3", false},
		{"1.4", OpGT, "1.4", false},
		{"1.4", OpLT, "1.3.99", true},
		{"1.4", OpNE, "1.4", false},
	}
	for _, tt := range tests {
		v := mustParse(t, tt.ver)
		pv := mustParse(t, tt.pred)
		p := NewPredicate(tt.op, pv)
		if got := p.Match(v); got != tt.want {
			t.Errorf("%s%s.Match(%s) = %v, want %v", tt.op, tt.pred, tt.ver, got, tt.want)
		}
	}
}

func TestSubsumes(t *testing.T) {
	ge14 := NewPredicate(OpGE, mustParse(t, "1.4"))
	ge13 := NewPredicate(OpGE, mustParse(t, "1.3"))
	if !ge14.Subsumes(ge13) {
		t.Error("expected >=1.4 to subsume >=1.3")
	}
	lt1399 := NewPredicate(OpLT, mustParse(t, "1.3.99"))
	lt14 := NewPredicate(OpLT, mustParse(t, "1.4"))
	if !lt1399.Subsumes(lt14) {
		t.Error("expected <1.3.99 to subsume <1.4")
	}
}

func TestConflicts(t *testing.T) {
	eq := NewPredicate(OpEQ, mustParse(t, "1.3.2"))
	ne := NewPredicate(OpNE, mustParse(t, "1.3.2"))
	if !Conflicts(eq, ne) {
		t.Error("expected ==1.3.2 and !=1.3.2 to conflict")
	}

	gt := NewPredicate(OpGT, mustParse(t, "1.5"))
	lt := NewPredicate(OpLT, mustParse(t, "1.2"))
	if !Conflicts(gt, lt) {
		t.Error("expected >1.5 and <1.2 to conflict")
	}

	ge := NewPredicate(OpGE, mustParse(t, "1.3"))
	le := NewPredicate(OpLE, mustParse(t, "1.4"))
	if Conflicts(ge, le) {
		t.Error("did not expect >=1.3 and <=1.4 to conflict")
	}
}

func TestIsPreRelease(t *testing.T) {
	tests := []struct {
		ver  string
		want bool
	}{
		{"1.0", false},
		{"1.0.post1", false},
		{"1.0a1", true},
		{"1.0b2", true},
		{"1.0rc1", true},
		{"1.0.dev0", true},
	}
	for _, tt := range tests {
		v := mustParse(t, tt.ver)
		if got := v.IsPreRelease(); got != tt.want {
			t.Errorf("%s.IsPreRelease() = %v, want %v", tt.ver, got, tt.want)
		}
	}
}

func TestCollapse(t *testing.T) {
	ge := NewPredicate(OpGE, mustParse(t, "1.3.2"))
	le := NewPredicate(OpLE, mustParse(t, "1.3.2"))
	collapsed, ok := Collapse(ge, le)
	if !ok {
		t.Fatal("expected collapse rule to apply")
	}
	if collapsed.Op != OpEQ {
		t.Errorf("expected ==, got %s", collapsed.Op)
	}

	ne := NewPredicate(OpNE, mustParse(t, "1.3.2"))
	collapsed, ok = Collapse(ge, ne)
	if !ok || collapsed.Op != OpGT {
		t.Errorf("expected >=X and !=X to collapse to >X, got %v ok=%v", collapsed, ok)
	}
}
