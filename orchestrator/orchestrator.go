// Package orchestrator drives a full resolve end to end: it builds the
// initial constraint set from top-level requirements and external pins, runs
// the fixed-point resolver, materializes each pinned name into a
// ResolvedPackage, and breaks any dependency cycles before returning the
// package map and the top-level roots.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"

	"github.com/a-h/pypiresolve/hooks"
	"github.com/a-h/pypiresolve/metrics"
	"github.com/a-h/pypiresolve/pkgmanager"
	"github.com/a-h/pypiresolve/resolver"
	"github.com/a-h/pypiresolve/spec"
)

// TestProfile controls which declared-tests sections of a package's
// dependencies are included in its resolved output.
type TestProfile string

const (
	TestProfileNone     TestProfile = "none"
	TestProfileTopLevel TestProfile = "top_level"
	TestProfileAll      TestProfile = "all"
)

// testSections names the dependency sections a test profile gates, beyond
// whatever extras the caller explicitly requested.
var testSections = map[string]bool{
	"_tests_require": true,
	"_test_suite":    true,
	"_setup_requires": true,
	"testing":        true,
	"test":           true,
	"tests":          true,
}

// Request describes one full resolve.
type Request struct {
	// Specs are the top-level requirement lines.
	Specs []string
	// ExternalVersions are literal pins or URLs to requirements.txt/buildout
	// .cfg-style constraint files, expanded recursively.
	ExternalVersions []string
	// Overrides is the per-name hook policy configuration.
	Overrides map[string]hooks.Override
	// TestProfile gates which test-only dependency sections are surfaced.
	TestProfile TestProfile
	// MaxIterations bounds the resolver's fixed-point loop; <= 0 uses its
	// default.
	MaxIterations int
}

// ResolvedPackage is one fully-materialized node of a resolve: a pinned
// version with its metadata, hash, and dependency edges (each already mapped
// to the dependency's own resolved fullname).
type ResolvedPackage struct {
	Name            string
	Version         string
	Fullname        string
	Extras          []string
	Headers         map[string]string
	HasTests        bool
	LinkURL         string
	HashAlgo        string
	HashDigest      string
	Deps            []string // fullnames, deduplicated
	DepsBySection   map[string][]string
	HasCircularDeps bool
}

// Result is a full resolve's output: every resolved package keyed by
// fullname, and the fullname each top-level input resolved to.
type Result struct {
	Packages map[string]*ResolvedPackage
	Roots    map[string]string
}

// Orchestrator holds the shared machinery (index, artifact store, extractor,
// caches, audit log) a resolve is built from; a fresh pkgmanager.Manager
// carrying the request's own policy is constructed per Resolve call.
type Orchestrator struct {
	log     *slog.Logger
	newMgr  func(policy hooks.Policy) *pkgmanager.Manager
	fetcher *http.Client
	metrics metrics.Metrics
}

// New builds an Orchestrator. newMgr is called once per Resolve with the
// request-specific policy, typically wrapping pkgmanager.New with shared
// index/artifact/extractor/cache arguments already bound. m is the zero
// Metrics to disable recording.
func New(log *slog.Logger, newMgr func(policy hooks.Policy) *pkgmanager.Manager, fetcher *http.Client, m metrics.Metrics) *Orchestrator {
	if fetcher == nil {
		fetcher = http.DefaultClient
	}
	return &Orchestrator{log: log, newMgr: newMgr, fetcher: fetcher, metrics: m}
}

// Resolve runs one full resolve per req.
func (o *Orchestrator) Resolve(ctx context.Context, req Request) (*Result, error) {
	overrides := cloneOverrides(req.Overrides)

	input := spec.New()
	var topNames []string
	for _, line := range req.Specs {
		s, err := spec.ParseRequirement(line, "top-level")
		if err != nil {
			return nil, fmt.Errorf("failed to parse top-level spec %q: %w", line, err)
		}
		input.Add(s)
		topNames = append(topNames, s.Name)

		ov := overrides[s.Name]
		ov.TLP = true
		overrides[s.Name] = ov
	}

	expander := &versionExpander{client: o.fetcher, log: o.log}
	pins, err := expander.expand(ctx, req.ExternalVersions, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to expand external versions: %w", err)
	}
	for _, p := range pins {
		input.Add(p)
	}
	for name, ov := range overrides {
		if len(ov.Versions) == 0 {
			continue
		}
		parent, _ := input.Get(name)
		ovPins, err := expander.expand(ctx, ov.Versions, &parent)
		if err != nil {
			return nil, fmt.Errorf("failed to expand override versions for %s: %w", name, err)
		}
		for _, p := range ovPins {
			input.Add(p)
		}
	}

	policy := hooks.NewConfigPolicy(overrides)
	m := o.newMgr(policy)

	resolved, err := resolver.Resolve(ctx, m, input, req.MaxIterations, o.metrics)
	if err != nil {
		return nil, err
	}

	profile := req.TestProfile
	if profile == "" {
		profile = TestProfileAll
	}

	packages := make(map[string]*ResolvedPackage)
	for _, name := range resolved.Names() {
		s, ok := resolved.Get(name)
		if !ok {
			continue
		}
		pkg, err := o.buildResolvedPackage(ctx, m, resolved, s, overrides[name].TLP, profile)
		if err != nil {
			return nil, fmt.Errorf("failed to build resolved package for %s: %w", name, err)
		}
		packages[pkg.Fullname] = pkg
	}

	roots := make(map[string]string, len(topNames))
	for _, name := range topNames {
		s, ok := resolved.Get(name)
		if !ok {
			continue
		}
		roots[name] = s.Fullname()
	}

	breakCycles(packages, roots)

	return &Result{Packages: packages, Roots: roots}, nil
}

func (o *Orchestrator) buildResolvedPackage(ctx context.Context, m *pkgmanager.Manager, resolved *spec.SpecSet, s spec.Spec, isTLP bool, profile TestProfile) (*ResolvedPackage, error) {
	v, ok := s.PinnedVersion()
	if !ok {
		return nil, fmt.Errorf("%s was not pinned by the resolver", s.Name)
	}

	_, link, err := m.FindBestMatch(ctx, s)
	if err != nil {
		return nil, err
	}
	info, err := m.GetPkgInfo(ctx, s.Name, v)
	if err != nil {
		return nil, err
	}
	algo, digest, err := m.GetHash(ctx, link)
	if err != nil {
		return nil, err
	}
	deps, _, err := m.GetDependencies(ctx, s.Name, v, s.Extras)
	if err != nil {
		return nil, err
	}

	inScope := testScopeIncludes(profile, isTLP)

	depsBySection := make(map[string][]string)
	seen := make(map[string]bool)
	var flatDeps []string
	for _, d := range deps {
		if spec.NormalizeName(d.Spec.Name) == s.Name {
			// Skip self-referential deps (e.g. a package that lists itself
			// under an extra).
			continue
		}
		if testSections[d.Section] && !inScope {
			continue
		}
		depFullname := ""
		if depSpec, ok := resolved.Get(d.Spec.Name); ok {
			depFullname = depSpec.Fullname()
		}
		if depFullname == "" {
			// The dependency wasn't independently resolved (e.g. it was
			// dropped by a hook after the resolver ran); skip rather than
			// emit a dangling edge.
			continue
		}
		depsBySection[d.Section] = append(depsBySection[d.Section], depFullname)
		if !seen[depFullname] {
			seen[depFullname] = true
			flatDeps = append(flatDeps, depFullname)
		}
	}
	sort.Strings(flatDeps)

	return &ResolvedPackage{
		Name:          s.Name,
		Version:       v.String(),
		Fullname:      s.Fullname(),
		Extras:        append([]string{}, s.Extras...),
		Headers:       info.Headers,
		HasTests:      info.HasTests && inScope,
		LinkURL:       link.URL,
		HashAlgo:      algo,
		HashDigest:    digest,
		Deps:          flatDeps,
		DepsBySection: depsBySection,
	}, nil
}

// testScopeIncludes reports whether a node's test-only dependency sections
// and has_tests flag should be surfaced under profile.
func testScopeIncludes(profile TestProfile, isTLP bool) bool {
	switch profile {
	case TestProfileAll:
		return true
	case TestProfileTopLevel:
		return isTLP
	case TestProfileNone:
		return false
	default:
		return true
	}
}

func cloneOverrides(in map[string]hooks.Override) map[string]hooks.Override {
	out := make(map[string]hooks.Override, len(in))
	for k, v := range in {
		out[spec.NormalizeName(k)] = v
	}
	return out
}

// breakCycles walks from each root depth-first, dropping any edge that would
// revisit a name already on the current path and flagging the offending node
// with HasCircularDeps. Both the flat Deps list and each DepsBySection list
// are pruned identically. A node is only ever walked once (memoized via
// checked), and roots are visited in sorted name order so the result is
// deterministic.
func breakCycles(packages map[string]*ResolvedPackage, roots map[string]string) {
	checked := make(map[string]bool)

	rootNames := make([]string, 0, len(roots))
	for name := range roots {
		rootNames = append(rootNames, name)
	}
	sort.Strings(rootNames)

	for _, name := range rootNames {
		walk(packages, roots[name], map[string]bool{}, checked)
	}
}

func walk(packages map[string]*ResolvedPackage, fullname string, onStack map[string]bool, checked map[string]bool) {
	pkg, ok := packages[fullname]
	if !ok || checked[fullname] {
		return
	}
	if onStack[fullname] {
		return
	}
	onStack[fullname] = true
	defer delete(onStack, fullname)

	pkg.Deps = pruneCycle(packages, pkg.Deps, onStack, checked, pkg)
	for section, deps := range pkg.DepsBySection {
		pkg.DepsBySection[section] = pruneCycle(packages, deps, onStack, checked, pkg)
	}

	checked[fullname] = true
}

func pruneCycle(packages map[string]*ResolvedPackage, deps []string, onStack map[string]bool, checked map[string]bool, owner *ResolvedPackage) []string {
	out := deps[:0]
	for _, dep := range deps {
		if onStack[dep] {
			owner.HasCircularDeps = true
			continue
		}
		walk(packages, dep, onStack, checked)
		out = append(out, dep)
	}
	return out
}
