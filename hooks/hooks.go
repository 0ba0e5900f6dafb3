// Package hooks models the override/hook policy surface: a small, closed set
// of interception points that let caller-supplied configuration rewrite
// link selection, dependency lists and spec identity during a resolve.
package hooks

import (
	"fmt"
	"sort"
	"strings"
	"text/template"

	"github.com/a-h/pypiresolve/spec"
)

// Override is the opaque per-name policy record consumed by the hooks. Only
// the keys the resolver recognizes are modeled as fields; any other key in
// the decoded configuration is ignored.
type Override struct {
	// Src rewrites the artifact link URL; "{spec}" is substituted with the
	// spec's fullname before the template is rendered.
	Src string
	// AppendDeps adds requirement strings to the package's declared deps.
	AppendDeps []string
	// NewDeps replaces the declared deps entirely.
	NewDeps []string
	// ReplaceDeps rewrites any dep matching a name to a new requirement line.
	ReplaceDeps map[string]string
	// RemoveDeps drops names from the declared deps.
	RemoveDeps []string
	// Versions lists external pin sources (lines or URLs), parsed the same
	// way as the orchestrator's top-level external_versions.
	Versions []string
	// Spec replaces the entire spec identity; extras/preds are preserved
	// from the original spec when the replacement line omits them.
	Spec string
	// TLP marks this name as top-level; consumed by the test-extras policy,
	// not by callers.
	TLP bool
}

// CanonicalKey renders the override into the stable string used as part of
// compound cache keys, so two overrides with the same content, however they
// were constructed, produce the same cache key.
func (o Override) CanonicalKey() string {
	if o.isZero() {
		return ""
	}
	var parts []string
	parts = append(parts, "src="+o.Src)
	parts = append(parts, "spec="+o.Spec)
	parts = append(parts, "tlp="+fmt.Sprint(o.TLP))
	parts = append(parts, "append="+strings.Join(sortedCopy(o.AppendDeps), ","))
	parts = append(parts, "new="+strings.Join(sortedCopy(o.NewDeps), ","))
	parts = append(parts, "remove="+strings.Join(sortedCopy(o.RemoveDeps), ","))
	parts = append(parts, "versions="+strings.Join(sortedCopy(o.Versions), ","))
	if len(o.ReplaceDeps) > 0 {
		keys := make([]string, 0, len(o.ReplaceDeps))
		for k := range o.ReplaceDeps {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		rs := make([]string, len(keys))
		for i, k := range keys {
			rs[i] = k + ":" + o.ReplaceDeps[k]
		}
		parts = append(parts, "replace="+strings.Join(rs, ","))
	}
	return strings.Join(parts, "|")
}

func (o Override) isZero() bool {
	return o.Src == "" && len(o.AppendDeps) == 0 && len(o.NewDeps) == 0 &&
		len(o.ReplaceDeps) == 0 && len(o.RemoveDeps) == 0 && len(o.Versions) == 0 &&
		o.Spec == "" && !o.TLP
}

func sortedCopy(in []string) []string {
	out := append([]string{}, in...)
	sort.Strings(out)
	return out
}

// Policy is the trait hooks dispatch through. The default implementation
// (Identity) leaves every input unchanged.
type Policy interface {
	// OverrideFor returns the Override registered for name, or the zero
	// value if none was configured.
	OverrideFor(name string) Override

	// LinkHook intercepts artifact link selection for a spec, returning a
	// possibly-rewritten link URL and an optional version hint recovered
	// from the rewritten filename.
	LinkHook(override Override, s spec.Spec, linkURL string) (newLinkURL string, versionHint string, err error)

	// DependencyHook intercepts a package's declared dependency lines before
	// they're folded back into the resolver's SpecSet.
	DependencyHook(override Override, s spec.Spec, deps []string) (newDeps []string, err error)

	// SpecHook rewrites a dependency's identity line before it becomes a new
	// Spec, given any override registered for that dependency's name.
	SpecHook(override Override, line string) (newLine string, err error)
}

// Identity is the default Policy: every hook is a no-op.
type Identity struct{}

func (Identity) OverrideFor(name string) Override { return Override{} }

func (Identity) LinkHook(override Override, s spec.Spec, linkURL string) (string, string, error) {
	return linkURL, "", nil
}

func (Identity) DependencyHook(override Override, s spec.Spec, deps []string) ([]string, error) {
	return deps, nil
}

func (Identity) SpecHook(override Override, line string) (string, error) {
	return line, nil
}

var _ Policy = Identity{}

// configPolicy applies the recognized override keys in §4.10: src rewrite,
// append/replace/remove/new deps, and spec identity replacement.
type configPolicy struct {
	overrides map[string]Override
}

// NewConfigPolicy builds a Policy from a name -> Override map, typically
// loaded from the overrides section of a ResolveRequest.
func NewConfigPolicy(overrides map[string]Override) Policy {
	return &configPolicy{overrides: overrides}
}

var _ Policy = (*configPolicy)(nil)

func (p *configPolicy) LinkHook(override Override, s spec.Spec, linkURL string) (string, string, error) {
	if override.Src == "" {
		return linkURL, "", nil
	}
	rendered, err := renderTemplate(override.Src, s)
	if err != nil {
		return linkURL, "", fmt.Errorf("failed to render src override for %s: %w", s.Name, err)
	}
	return rendered, "", nil
}

func (p *configPolicy) DependencyHook(override Override, s spec.Spec, deps []string) ([]string, error) {
	if len(override.NewDeps) > 0 {
		return append([]string{}, override.NewDeps...), nil
	}

	out := make([]string, 0, len(deps)+len(override.AppendDeps))
	remove := toSet(override.RemoveDeps)
	for _, d := range deps {
		name := dependencyName(d)
		if remove[name] {
			continue
		}
		if replacement, ok := override.ReplaceDeps[name]; ok {
			out = append(out, replacement)
			continue
		}
		out = append(out, d)
	}
	out = append(out, override.AppendDeps...)
	return out, nil
}

func (p *configPolicy) SpecHook(override Override, line string) (string, error) {
	if override.Spec == "" {
		return line, nil
	}
	return override.Spec, nil
}

// dependencyName extracts the leading package name from a requirement line
// such as "requests[security]>=2.8.1".
func dependencyName(line string) string {
	name := line
	for _, cut := range []byte{'[', '=', '<', '>', '!', '~', ' ', ';'} {
		if idx := strings.IndexByte(name, cut); idx != -1 {
			name = name[:idx]
		}
	}
	return spec.NormalizeName(name)
}

func toSet(in []string) map[string]bool {
	out := make(map[string]bool, len(in))
	for _, s := range in {
		out[spec.NormalizeName(s)] = true
	}
	return out
}

// renderTemplate substitutes "{spec}" in a src override for the spec's
// fullname, so "https://mirror/{spec}.tar.gz" becomes a concrete URL once
// the spec is pinned.
func renderTemplate(tmpl string, s spec.Spec) (string, error) {
	t, err := template.New("src").Delims("{", "}").Funcs(template.FuncMap{
		"spec": func() string { return s.Fullname() },
	}).Parse(tmpl)
	if err != nil {
		return "", fmt.Errorf("invalid src template: %w", err)
	}
	var b strings.Builder
	if err := t.Execute(&b, nil); err != nil {
		return "", fmt.Errorf("failed to execute src template: %w", err)
	}
	return b.String(), nil
}

func (p *configPolicy) OverrideFor(name string) Override {
	return p.overrides[spec.NormalizeName(name)]
}
