package spec

import (
	"testing"

	"github.com/a-h/pypiresolve/version"
)

func TestParseRequirementSimple(t *testing.T) {
	s, err := ParseRequirement("requests>=2.8.1,!=2.9.0", "requirements.txt")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.Name != "requests" {
		t.Errorf("got name %q, want requests", s.Name)
	}
	if len(s.Preds) != 2 {
		t.Fatalf("expected 2 predicates, got %d: %v", len(s.Preds), s.Preds)
	}
	if s.Preds[0].Op != version.OpGE || s.Preds[1].Op != version.OpNE {
		t.Errorf("unexpected predicate ops: %v", s.Preds)
	}
	if s.Source != "requirements.txt" {
		t.Errorf("got source %q", s.Source)
	}
}

func TestParseRequirementExtrasAndMarker(t *testing.T) {
	s, err := ParseRequirement(`requests[security,tests]>=2.8.1 ; python_version < "2.7"`, "line")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(s.Extras) != 2 || s.Extras[0] != "security" || s.Extras[1] != "tests" {
		t.Errorf("unexpected extras: %v", s.Extras)
	}
	if len(s.Preds) != 1 || s.Preds[0].Op != version.OpGE {
		t.Errorf("unexpected preds: %v", s.Preds)
	}
}

func TestParseRequirementNoPredicate(t *testing.T) {
	s, err := ParseRequirement("django", "top-level")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.Name != "django" || len(s.Preds) != 0 {
		t.Errorf("unexpected spec: %+v", s)
	}
}

func TestParseRequirementNormalizesName(t *testing.T) {
	s, err := ParseRequirement("Django_REST.Framework==3.0", "line")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.Name != "django-rest-framework" {
		t.Errorf("got name %q", s.Name)
	}
	if !s.IsPinned() {
		t.Error("expected a single == predicate to be pinned")
	}
}

func TestParseRequirementRejectsCompatibleRelease(t *testing.T) {
	if _, err := ParseRequirement("foo~=2.2", "line"); err == nil {
		t.Error("expected an error for the unsupported ~= operator")
	}
}
