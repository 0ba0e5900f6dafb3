package orchestrator

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/a-h/pypiresolve/artifact"
	"github.com/a-h/pypiresolve/cache"
	"github.com/a-h/pypiresolve/cachestats"
	"github.com/a-h/pypiresolve/extract"
	"github.com/a-h/pypiresolve/hooks"
	"github.com/a-h/pypiresolve/index"
	"github.com/a-h/pypiresolve/metrics"
	"github.com/a-h/pypiresolve/pkgmanager"
	"github.com/a-h/pypiresolve/spec"
	"github.com/a-h/pypiresolve/storage"
	"github.com/a-h/pypiresolve/store"
	"github.com/a-h/pypiresolve/version"
)

type fakeIntrospector struct{}

func (fakeIntrospector) Introspect(ctx context.Context, dir string) (extract.IntrospectionResult, error) {
	return extract.IntrospectionResult{}, nil
}
func (fakeIntrospector) HelpCommands(ctx context.Context, dir string) (string, error) {
	return "", nil
}

type fakeIndex struct {
	versions map[string]string
	links    map[string]index.Link
}

func (f fakeIndex) FindBestMatch(ctx context.Context, s spec.Spec, allowPreReleases bool) (index.Link, version.Version, error) {
	vs, ok := f.versions[s.Name]
	if !ok {
		return index.Link{}, version.Version{}, index.ErrNoMatch
	}
	v, err := version.Parse(vs)
	if err != nil {
		return index.Link{}, version.Version{}, err
	}
	return f.links[s.Name], v, nil
}

func buildTarGz(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gw)
	for name, content := range files {
		if err := tw.WriteHeader(&tar.Header{Name: name, Size: int64(len(content)), Mode: 0o644}); err != nil {
			t.Fatalf("failed to write tar header: %v", err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatalf("failed to write tar entry: %v", err)
		}
	}
	tw.Close()
	gw.Close()
	return buf.Bytes()
}

func newTestOrchestrator(t *testing.T, idx index.Index) *Orchestrator {
	t.Helper()
	ctx := context.Background()
	kvStore, closer, err := store.New(ctx, "sqlite", "file::memory:?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("failed to create kv store: %v", err)
	}
	t.Cleanup(func() { _ = closer() })

	stats := cachestats.New(kvStore)
	linkCache := cache.New(kvStore, stats, "test", cache.KindLink)
	depCache := cache.New(kvStore, stats, "test", cache.KindDep)
	pkgInfoCache := cache.New(kvStore, stats, "test", cache.KindPkgInfo)

	tmp := t.TempDir()
	artifacts := artifact.New(storage.NewFileSystem(filepath.Join(tmp, "downloads")), http.DefaultClient, filepath.Join(tmp, "work"))
	extractor := extract.New(nil, fakeIntrospector{})

	newMgr := func(policy hooks.Policy) *pkgmanager.Manager {
		return pkgmanager.New(nil, idx, artifacts, extractor, linkCache, depCache, pkgInfoCache, nil, policy)
	}
	return New(nil, newMgr, http.DefaultClient, metrics.Metrics{})
}

// TestResolveEndToEnd checks a two-package chain resolves to a Result with
// both packages present, foo listed as a root, and bar reachable from foo's
// deps.
func TestResolveEndToEnd(t *testing.T) {
	fooArchive := buildTarGz(t, map[string]string{
		"foo-1.0/foo.egg-info/requires.txt": "bar>=1.0\n",
		"foo-1.0/PKG-INFO":                  "Name: foo\nVersion: 1.0\n",
	})
	barArchive := buildTarGz(t, map[string]string{
		"bar-1.0/bar.egg-info/requires.txt": "",
		"bar-1.0/PKG-INFO":                  "Name: bar\nVersion: 1.0\n",
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/foo-1.0.tar.gz", func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write(fooArchive) })
	mux.HandleFunc("/bar-1.0.tar.gz", func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write(barArchive) })
	srv := httptest.NewServer(mux)
	defer srv.Close()

	idx := fakeIndex{
		versions: map[string]string{"foo": "1.0", "bar": "1.0"},
		links: map[string]index.Link{
			"foo": {URL: srv.URL + "/foo-1.0.tar.gz", Filename: "foo-1.0.tar.gz"},
			"bar": {URL: srv.URL + "/bar-1.0.tar.gz", Filename: "bar-1.0.tar.gz"},
		},
	}
	o := newTestOrchestrator(t, idx)

	result, err := o.Resolve(context.Background(), Request{Specs: []string{"foo"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rootFullname, ok := result.Roots["foo"]
	if !ok {
		t.Fatalf("expected foo in roots, got %v", result.Roots)
	}
	fooPkg, ok := result.Packages[rootFullname]
	if !ok {
		t.Fatalf("expected %s in packages, got %v", rootFullname, result.Packages)
	}
	found := false
	for _, d := range fooPkg.Deps {
		if d == "bar-1.0" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected foo to depend on bar-1.0, got deps %v", fooPkg.Deps)
	}
	if _, ok := result.Packages["bar-1.0"]; !ok {
		t.Errorf("expected bar-1.0 in packages, got %v", result.Packages)
	}
}

// TestResolveExpandsExternalPin checks a literal external_versions entry
// pins a package outright.
func TestResolveExpandsExternalPin(t *testing.T) {
	archive := buildTarGz(t, map[string]string{
		"foo-2.0/foo.egg-info/requires.txt": "",
		"foo-2.0/PKG-INFO":                  "Name: foo\nVersion: 2.0\n",
	})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(archive)
	}))
	defer srv.Close()

	idx := fakeIndex{
		versions: map[string]string{"foo": "2.0"},
		links:    map[string]index.Link{"foo": {URL: srv.URL + "/foo-2.0.tar.gz", Filename: "foo-2.0.tar.gz"}},
	}
	o := newTestOrchestrator(t, idx)

	result, err := o.Resolve(context.Background(), Request{
		Specs:            []string{"foo"},
		ExternalVersions: []string{"foo==2.0"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	pkg, ok := result.Packages["foo-2.0"]
	if !ok {
		t.Fatalf("expected foo-2.0 pinned via external_versions, got %v", result.Packages)
	}
	if pkg.Version != "2.0" {
		t.Errorf("expected version 2.0, got %s", pkg.Version)
	}
}

// TestBreakCyclesFlagsTwoNodeCycle checks that a manufactured a -> b -> a
// cycle is broken rather than infinite-looping, and the offending node is
// flagged.
func TestBreakCyclesFlagsTwoNodeCycle(t *testing.T) {
	packages := map[string]*ResolvedPackage{
		"a-1.0": {Fullname: "a-1.0", Deps: []string{"b-1.0"}},
		"b-1.0": {Fullname: "b-1.0", Deps: []string{"a-1.0"}},
	}
	roots := map[string]string{"a": "a-1.0"}

	breakCycles(packages, roots)

	a := packages["a-1.0"]
	b := packages["b-1.0"]
	if len(a.Deps) == 1 && len(b.Deps) == 1 {
		t.Fatal("expected the cycle to be broken by dropping at least one edge")
	}
	if !a.HasCircularDeps && !b.HasCircularDeps {
		t.Error("expected one of the cyclic nodes to be flagged HasCircularDeps")
	}
}
