// Package pkgmanager implements the package manager: the stateful service
// that maps a Spec to a download link, content hash, declared dependencies
// and descriptive metadata, caching each lookup and invoking the hook policy
// along the way.
package pkgmanager

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/a-h/pypiresolve/artifact"
	"github.com/a-h/pypiresolve/cache"
	"github.com/a-h/pypiresolve/extract"
	"github.com/a-h/pypiresolve/hooks"
	"github.com/a-h/pypiresolve/index"
	"github.com/a-h/pypiresolve/resolveaudit"
	"github.com/a-h/pypiresolve/spec"
	"github.com/a-h/pypiresolve/version"
)

// DepEdge is a single declared dependency plus the section it was declared
// under (the base section is "").
type DepEdge struct {
	Spec    spec.Spec
	Section string
}

// PkgInfo is a package's descriptive metadata, as returned by GetPkgInfo.
type PkgInfo struct {
	Headers  map[string]string
	HasTests bool
}

// Package points at an unpacked artifact on local disk.
type Package struct {
	Name string
	Dir  string
	Link index.Link
}

// Manager resolves Spec -> Link -> (version, hash, deps, info), caching
// every lookup and invoking policy hooks along the way.
type Manager struct {
	log          *slog.Logger
	index        index.Index
	artifacts    *artifact.Store
	extractor    *extract.Extractor
	linkCache    *cache.Cache
	depCache     *cache.Cache
	pkgInfoCache *cache.Cache
	audit        *resolveaudit.Log
	policy       hooks.Policy
}

// New builds a Manager. audit may be nil to disable pin-decision logging.
func New(log *slog.Logger, idx index.Index, artifacts *artifact.Store, extractor *extract.Extractor,
	linkCache, depCache, pkgInfoCache *cache.Cache, audit *resolveaudit.Log, policy hooks.Policy) *Manager {
	if policy == nil {
		policy = hooks.Identity{}
	}
	return &Manager{
		log: log, index: idx, artifacts: artifacts, extractor: extractor,
		linkCache: linkCache, depCache: depCache, pkgInfoCache: pkgInfoCache,
		audit: audit, policy: policy,
	}
}

type linkRecord struct {
	URL      string
	Filename string
	HashName string
	Hash     string
	Version  string
}

func (r linkRecord) link() index.Link {
	return index.Link{URL: r.URL, Filename: r.Filename, HashName: r.HashName, Hash: r.Hash}
}

// FindBestMatch returns the best version satisfying s, along with the link
// it was found at. The result is cached under (spec-without-extras,
// override) and, once known, under the package's pinned fullname too.
func (m *Manager) FindBestMatch(ctx context.Context, s spec.Spec) (version.Version, index.Link, error) {
	override := m.policy.OverrideFor(s.Name)
	noExtra := s.NoExtra()
	key := cache.CanonicalKey(noExtra.String(), override.CanonicalKey())

	var rec linkRecord
	if ok, err := m.linkCache.Get(ctx, key, &rec); err != nil {
		return version.Version{}, index.Link{}, fmt.Errorf("failed to read link cache for %s: %w", s.Name, err)
	} else if ok {
		v, err := version.Parse(rec.Version)
		if err != nil {
			return version.Version{}, index.Link{}, fmt.Errorf("cached link for %s has invalid version %q: %w", s.Name, rec.Version, err)
		}
		return v, rec.link(), nil
	}

	link, v, err := m.index.FindBestMatch(ctx, s, false)
	if errors.Is(err, index.ErrNoMatch) {
		link, v, err = m.index.FindBestMatch(ctx, s, true)
	}
	if err != nil {
		return version.Version{}, index.Link{}, err
	}
	if link.EggFragment != "" {
		// "#egg=name-version": the version follows the last hyphen.
		if i := strings.LastIndex(link.EggFragment, "-"); i != -1 {
			if ev, err := version.Parse(link.EggFragment[i+1:]); err == nil {
				v = ev
			}
		}
	}

	pinned := s.WithPin(v)
	newURL, versionHint, err := m.policy.LinkHook(override, pinned, link.URL)
	if err != nil {
		return version.Version{}, index.Link{}, fmt.Errorf("link hook failed for %s: %w", s.Name, err)
	}
	link.URL = newURL
	if versionHint != "" {
		if hv, err := version.Parse(versionHint); err == nil && !hv.Equal(v) {
			if m.log != nil {
				m.log.Warn("link hook version hint disagrees with discovered version",
					slog.String("name", s.Name), slog.String("discovered", v.String()), slog.String("hint", versionHint))
			}
			v = hv
		}
	}

	source := resolveaudit.SourceResolved
	if override.Src != "" {
		source = resolveaudit.SourceOverride
	}
	if pv, ok := s.PinnedVersion(); ok {
		if !pv.Equal(v) {
			// The caller's pin wins over a filename-derived version that
			// disagrees with it; this is a resolver-integrity signal worth
			// keeping in the audit trail, not silently accepting.
			if m.log != nil {
				m.log.Warn("pinned version overrides index-derived version",
					slog.String("name", s.Name), slog.String("pinned", pv.String()), slog.String("derived", v.String()))
			}
		}
		v = pv
		source = resolveaudit.SourcePinned
	}

	if m.audit != nil {
		_ = m.audit.RecordPin(ctx, s.Name, v.String(), source)
	}

	rec = linkRecord{URL: link.URL, Filename: link.Filename, HashName: link.HashName, Hash: link.Hash, Version: v.String()}
	if err := m.linkCache.Set(ctx, key, rec); err != nil {
		return version.Version{}, index.Link{}, fmt.Errorf("failed to persist link cache for %s: %w", s.Name, err)
	}
	fullnameKey := s.Name + "-" + v.String()
	if err := m.linkCache.Set(ctx, fullnameKey, rec); err != nil {
		return version.Version{}, index.Link{}, fmt.Errorf("failed to persist pinned link cache for %s: %w", fullnameKey, err)
	}

	return v, rec.link(), nil
}

func (m *Manager) lookupLink(ctx context.Context, name string, v version.Version) (index.Link, bool, error) {
	var rec linkRecord
	ok, err := m.linkCache.Get(ctx, name+"-"+v.String(), &rec)
	if err != nil || !ok {
		return index.Link{}, ok, err
	}
	return rec.link(), true, nil
}

func (m *Manager) getPackageDir(ctx context.Context, name string, v version.Version) (Package, error) {
	link, ok, err := m.lookupLink(ctx, name, v)
	if err != nil {
		return Package{}, err
	}
	if !ok {
		pinned := spec.Spec{Name: name}.WithPin(v)
		_, link, err = m.FindBestMatch(ctx, pinned)
		if err != nil {
			return Package{}, err
		}
	}
	localPath, err := m.artifacts.GetOrDownload(ctx, link.URL)
	if err != nil {
		return Package{}, fmt.Errorf("failed to download %s-%s: %w", name, v, err)
	}
	dir, err := m.artifacts.Unpack(localPath, link.Filename)
	if err != nil {
		return Package{}, fmt.Errorf("failed to unpack %s-%s: %w", name, v, err)
	}
	// Source archives wrap their tree in a single top-level directory
	// (e.g. foo-1.0/); metadata lives inside it.
	if entries, err := os.ReadDir(dir); err == nil && len(entries) == 1 && entries[0].IsDir() {
		dir = filepath.Join(dir, entries[0].Name())
	}
	return Package{Name: name, Dir: dir, Link: link}, nil
}

// GetPackage ensures the artifact for (name, v) is downloaded and unpacked,
// returning it as a Package pointed at the unpacked tree (the archive's
// single top-level directory, when it has exactly one).
func (m *Manager) GetPackage(ctx context.Context, name string, v version.Version) (Package, error) {
	return m.getPackageDir(ctx, name, v)
}

type depRecord struct {
	Line    string
	Section string
}

// GetDependencies returns the declared dependency edges for (name, v,
// extras), along with any dependency-link URLs. Results are cached by
// (pinned-spec, override).
func (m *Manager) GetDependencies(ctx context.Context, name string, v version.Version, extras []string) ([]DepEdge, []string, error) {
	override := m.policy.OverrideFor(name)
	pinned := spec.Spec{Name: name, Extras: extras}.WithPin(v)
	key := cache.CanonicalKey(pinned.String(), override.CanonicalKey())

	type cached struct {
		Deps  []depRecord
		Links []string
	}
	var hit cached
	if ok, err := m.depCache.Get(ctx, key, &hit); err != nil {
		return nil, nil, fmt.Errorf("failed to read dep cache for %s: %w", name, err)
	} else if ok {
		return m.decodeDeps(hit.Deps, pinned), hit.Links, nil
	}

	pkg, err := m.getPackageDir(ctx, name, v)
	if err != nil {
		return nil, nil, err
	}

	rows, err := m.extractor.GetDeps(ctx, pkg.Dir, name, extras)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to extract deps for %s-%s: %w", name, v, err)
	}
	depLinks, err := m.extractor.GetDependencyLinks(pkg.Dir, name)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to extract dependency links for %s-%s: %w", name, v, err)
	}

	rows, err = m.applyDependencyHook(override, pinned, rows)
	if err != nil {
		return nil, nil, fmt.Errorf("dependency hook failed for %s-%s: %w", name, v, err)
	}

	records := make([]depRecord, len(rows))
	for i, r := range rows {
		records[i] = depRecord{Line: r.Line, Section: r.Section}
	}
	if err := m.depCache.Set(ctx, key, cached{Deps: records, Links: depLinks}); err != nil {
		return nil, nil, fmt.Errorf("failed to persist dep cache for %s: %w", name, err)
	}

	return m.decodeDeps(records, pinned), depLinks, nil
}

// applyDependencyHook runs the dependency hook per-section, so
// append_deps/replace_deps/remove_deps act on each section's own list
// rather than flattening test/setup requirements into the base section.
func (m *Manager) applyDependencyHook(override hooks.Override, pinned spec.Spec, rows []extract.DepRow) ([]extract.DepRow, error) {
	bySection := map[string][]string{}
	var order []string
	for _, r := range rows {
		if _, seen := bySection[r.Section]; !seen {
			order = append(order, r.Section)
		}
		bySection[r.Section] = append(bySection[r.Section], r.Line)
	}
	if len(order) == 0 {
		order = append(order, "")
	}

	var out []extract.DepRow
	for _, section := range order {
		lines, err := m.policy.DependencyHook(override, pinned, bySection[section])
		if err != nil {
			return nil, err
		}
		for _, line := range lines {
			out = append(out, extract.DepRow{Line: line, Section: section})
		}
	}
	return out, nil
}

func (m *Manager) decodeDeps(records []depRecord, parent spec.Spec) []DepEdge {
	edges := make([]DepEdge, 0, len(records))
	for _, r := range records {
		line := r.Line
		depName := dependencyName(line)
		if depOverride := m.policy.OverrideFor(depName); depOverride.Spec != "" {
			if rewritten, err := m.policy.SpecHook(depOverride, line); err == nil {
				line = rewritten
			} else if m.log != nil {
				m.log.Warn("spec hook failed, using original dependency line", slog.String("dep", depName), slog.Any("error", err))
			}
		}
		s, err := spec.ParseRequirement(line, parent.Fullname())
		if err != nil {
			if m.log != nil {
				m.log.Warn("failed to parse dependency line, skipping", slog.String("line", line), slog.Any("error", err))
			}
			continue
		}
		edges = append(edges, DepEdge{Spec: s, Section: r.Section})
	}
	return edges
}

func dependencyName(line string) string {
	name := line
	for _, cut := range []byte{'[', '=', '<', '>', '!', '~', ' ', ';'} {
		if idx := strings.IndexByte(name, cut); idx != -1 {
			name = name[:idx]
		}
	}
	return spec.NormalizeName(name)
}

// GetPkgInfo returns (name, v)'s descriptive metadata, cached by
// pinned-spec-without-extras.
func (m *Manager) GetPkgInfo(ctx context.Context, name string, v version.Version) (PkgInfo, error) {
	key := spec.Spec{Name: name}.WithPin(v).String()

	var info PkgInfo
	if ok, err := m.pkgInfoCache.Get(ctx, key, &info); err != nil {
		return PkgInfo{}, fmt.Errorf("failed to read pkginfo cache for %s: %w", name, err)
	} else if ok {
		return info, nil
	}

	pkg, err := m.getPackageDir(ctx, name, v)
	if err != nil {
		return PkgInfo{}, err
	}
	headers, err := m.extractor.GetPkgInfo(pkg.Dir)
	if err != nil {
		return PkgInfo{}, fmt.Errorf("failed to read pkg-info for %s-%s: %w", name, v, err)
	}
	hasTests, err := m.extractor.HasTests(ctx, pkg.Dir)
	if err != nil {
		return PkgInfo{}, fmt.Errorf("failed to introspect has_tests for %s-%s: %w", name, v, err)
	}

	info = PkgInfo{Headers: headers, HasTests: hasTests}
	if err := m.pkgInfoCache.Set(ctx, key, info); err != nil {
		return PkgInfo{}, fmt.Errorf("failed to persist pkginfo cache for %s: %w", name, err)
	}
	return info, nil
}

// GetHash returns link's content hash, computing an md5 digest over the
// downloaded bytes if the index didn't already supply one.
func (m *Manager) GetHash(ctx context.Context, link index.Link) (algo, digest string, err error) {
	if link.Hash != "" {
		return link.HashName, link.Hash, nil
	}
	localPath, err := m.artifacts.GetOrDownload(ctx, link.URL)
	if err != nil {
		return "", "", fmt.Errorf("failed to download %s for hashing: %w", link.URL, err)
	}
	f, err := os.Open(filepath.Clean(localPath))
	if err != nil {
		return "", "", fmt.Errorf("failed to open %s for hashing: %w", localPath, err)
	}
	defer f.Close()
	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", "", fmt.Errorf("failed to hash %s: %w", localPath, err)
	}
	return "md5", hex.EncodeToString(h.Sum(nil)), nil
}
