package pkgmanager

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
	"github.com/a-h/pypiresolve/spec"
	"github.com/a-h/pypiresolve/storage"
	"github.com/a-h/pypiresolve/store"
	"github.com/a-h/pypiresolve/version"
)

type fakeIndex struct {
	link    index.Link
	version string
}

func (f fakeIndex) FindBestMatch(ctx context.Context, s spec.Spec, allowPreReleases bool) (index.Link, version.Version, error) {
	v, err := version.Parse(f.version)
	return f.link, v, err
}

type fakeIntrospector struct{}

func (fakeIntrospector) Introspect(ctx context.Context, dir string) (extract.IntrospectionResult, error) {
	return extract.IntrospectionResult{}, nil
}
func (fakeIntrospector) HelpCommands(ctx context.Context, dir string) (string, error) {
	return "", nil
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

func newTestManager(t *testing.T, idx index.Index, policy hooks.Policy) *Manager {
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

	return New(nil, idx, artifacts, extractor, linkCache, depCache, pkgInfoCache, nil, policy)
}

func TestFindBestMatchCaches(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	calls := 0
	idx := countingIndex{inner: fakeIndex{
		link:    index.Link{URL: srv.URL + "/foo-1.0.tar.gz", Filename: "foo-1.0.tar.gz"},
		version: "1.0",
	}, calls: &calls}

	m := newTestManager(t, idx, hooks.Identity{})
	s := spec.Spec{Name: "foo"}

	v1, _, err := m.FindBestMatch(context.Background(), s)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	v2, _, err := m.FindBestMatch(context.Background(), s)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !v1.Equal(v2) {
		t.Errorf("expected same version across calls, got %s vs %s", v1, v2)
	}
	if calls != 1 {
		t.Errorf("expected a single index lookup thanks to caching, got %d", calls)
	}
}

type countingIndex struct {
	inner index.Index
	calls *int
}

func (c countingIndex) FindBestMatch(ctx context.Context, s spec.Spec, allowPreReleases bool) (index.Link, version.Version, error) {
	*c.calls++
	return c.inner.FindBestMatch(ctx, s, allowPreReleases)
}

func TestGetDependenciesExtractsAndParses(t *testing.T) {
	archive := buildTarGz(t, map[string]string{
		"foo-1.0/foo.egg-info/requires.txt": "requests>=2.0\n\n[postgres]\npsycopg2>=2.5\n",
		"foo-1.0/PKG-INFO":                  "Name: foo\nVersion: 1.0\n",
	})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(archive)
	}))
	defer srv.Close()

	idx := fakeIndex{
		link:    index.Link{URL: srv.URL + "/foo-1.0.tar.gz", Filename: "foo-1.0.tar.gz"},
		version: "1.0",
	}
	m := newTestManager(t, idx, hooks.Identity{})

	v, _, err := m.FindBestMatch(context.Background(), spec.Spec{Name: "foo"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	deps, _, err := m.GetDependencies(context.Background(), "foo", v, []string{"postgres"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var haveRequests, havePsycopg2 bool
	for _, d := range deps {
		if d.Spec.Name == "requests" {
			haveRequests = true
		}
		if d.Spec.Name == "psycopg2" && d.Section == "postgres" {
			havePsycopg2 = true
		}
	}
	if !haveRequests || !havePsycopg2 {
		t.Errorf("expected requests (base) and psycopg2 (postgres) deps, got %v", deps)
	}
}

func TestGetDependenciesCached(t *testing.T) {
	downloads := 0
	archive := buildTarGz(t, map[string]string{
		"foo-1.0/foo.egg-info/requires.txt": "requests>=2.0\n",
		"foo-1.0/PKG-INFO":                  "Name: foo\nVersion: 1.0\n",
	})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		downloads++
		_, _ = w.Write(archive)
	}))
	defer srv.Close()

	idx := fakeIndex{
		link:    index.Link{URL: srv.URL + "/foo-1.0.tar.gz", Filename: "foo-1.0.tar.gz"},
		version: "1.0",
	}
	m := newTestManager(t, idx, hooks.Identity{})
	v, _, err := m.FindBestMatch(context.Background(), spec.Spec{Name: "foo"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, _, err := m.GetDependencies(context.Background(), "foo", v, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, _, err := m.GetDependencies(context.Background(), "foo", v, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if downloads != 1 {
		t.Errorf("expected a single download thanks to caching, got %d", downloads)
	}
}

func TestGetHashComputesMD5WhenMissing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("hello"))
	}))
	defer srv.Close()

	m := newTestManager(t, fakeIndex{}, hooks.Identity{})
	algo, digest, err := m.GetHash(context.Background(), index.Link{URL: srv.URL + "/foo-1.0.tar.gz"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if algo != "md5" {
		t.Errorf("got algo %q, want md5", algo)
	}
	if digest == "" {
		t.Error("expected a non-empty digest")
	}
}

func TestGetHashPassesThroughExistingHash(t *testing.T) {
	m := newTestManager(t, fakeIndex{}, hooks.Identity{})
	algo, digest, err := m.GetHash(context.Background(), index.Link{HashName: "sha256", Hash: "abc123"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if algo != "sha256" || digest != "abc123" {
		t.Errorf("expected existing hash to pass through unchanged, got %s %s", algo, digest)
	}
}
