package spec

import (
	"fmt"
	"strings"

	"github.com/a-h/pypiresolve/version"
)

// opTokens is checked longest-first so "===" isn't mistaken for "==".
var opTokens = []version.Op{"===", "~=", "==", "!=", "<=", ">=", "<", ">"}

// opAliases maps the exotic PEP 508 operators onto the six the predicate
// algebra understands: "===" (arbitrary equality) behaves as "==" for
// ordering purposes, and "~=" (compatible release, e.g. "~=2.2" meaning
// ">=2.2,==2.*") is expanded by the caller, not here — ParseRequirement
// rejects "~=" since the resolver's predicate algebra has no compatible-
// release primitive and no example in this corpus exercises it.
var opAliases = map[version.Op]version.Op{"===": version.OpEQ}

// ParseRequirement parses a single requirement line such as
// "requests[security]>=2.8.1,!=2.9.0 ; python_version < \"2.7\"" into a Spec
// tagged with source. Environment markers after ";" are discarded: the
// resolver has no notion of the interpreter/platform they'd filter on.
func ParseRequirement(line, source string) (Spec, error) {
	line = strings.TrimSpace(line)
	if idx := strings.Index(line, ";"); idx != -1 {
		line = strings.TrimSpace(line[:idx])
	}
	if line == "" {
		return Spec{}, fmt.Errorf("empty requirement line")
	}

	name, extras, rest := splitNameExtras(line)
	if name == "" {
		return Spec{}, fmt.Errorf("requirement %q has no package name", line)
	}

	preds, err := parsePredicates(rest)
	if err != nil {
		return Spec{}, fmt.Errorf("requirement %q: %w", line, err)
	}

	return Spec{
		Name:   NormalizeName(name),
		Extras: extras,
		Preds:  preds,
		Source: source,
	}, nil
}

func splitNameExtras(s string) (name string, extras []string, rest string) {
	bracket := strings.IndexByte(s, '[')
	opIdx := firstOpIndex(s)

	if bracket != -1 && (opIdx == -1 || bracket < opIdx) {
		end := strings.IndexByte(s[bracket:], ']')
		if end == -1 {
			return strings.TrimSpace(s[:bracket]), nil, ""
		}
		end += bracket
		name = strings.TrimSpace(s[:bracket])
		for _, e := range strings.Split(s[bracket+1:end], ",") {
			e = strings.TrimSpace(e)
			if e != "" {
				extras = append(extras, e)
			}
		}
		return name, extras, s[end+1:]
	}

	if opIdx == -1 {
		return strings.TrimSpace(s), nil, ""
	}
	return strings.TrimSpace(s[:opIdx]), nil, s[opIdx:]
}

func firstOpIndex(s string) int {
	best := -1
	for _, op := range opTokens {
		if idx := strings.Index(s, string(op)); idx != -1 && (best == -1 || idx < best) {
			best = idx
		}
	}
	return best
}

func parsePredicates(rest string) ([]version.Predicate, error) {
	rest = strings.TrimSpace(rest)
	if rest == "" {
		return nil, nil
	}
	var preds []version.Predicate
	for _, clause := range strings.Split(rest, ",") {
		clause = strings.TrimSpace(clause)
		if clause == "" {
			continue
		}
		op, verStr, ok := splitOp(clause)
		if !ok {
			return nil, fmt.Errorf("unrecognized predicate clause %q", clause)
		}
		if alias, ok := opAliases[op]; ok {
			op = alias
		}
		if op == "~=" {
			return nil, fmt.Errorf("compatible-release operator ~= is not supported in clause %q", clause)
		}
		v, err := version.Parse(strings.TrimSpace(verStr))
		if err != nil {
			return nil, fmt.Errorf("invalid version in clause %q: %w", clause, err)
		}
		preds = append(preds, version.NewPredicate(op, v))
	}
	return preds, nil
}

func splitOp(clause string) (op version.Op, rest string, ok bool) {
	for _, candidate := range opTokens {
		if strings.HasPrefix(clause, string(candidate)) {
			return candidate, clause[len(candidate):], true
		}
	}
	return "", "", false
}
