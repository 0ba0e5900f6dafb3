// Package extract implements the package metadata extractor: given an
// unpacked source archive, it recovers declared dependencies (by extras
// section), PKG-INFO headers, dependency-link URLs and a has-tests flag.
package extract

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/a-h/pypiresolve/metrics"
)

// Dependency sections beyond the base ("") and named-extra groups.
const (
	SectionTestsRequire = "_tests_require"
	SectionSetupRequire = "_setup_requires"
	SectionTestSuite    = "_test_suite"
)

// DepRow is one declared requirement line, tagged with the section it was
// declared under (the base section is "").
type DepRow struct {
	Line    string
	Section string
}

// ExtractError reports a hard failure recovering package metadata (e.g. a
// missing PKG-INFO file), as distinct from IntrospectionFailure, which is
// soft and recoverable.
type ExtractError struct {
	Dir    string
	Reason string
}

func (e *ExtractError) Error() string {
	return fmt.Sprintf("failed to extract package metadata from %s: %s", e.Dir, e.Reason)
}

// IntrospectionResult is the JSON-equivalent record recovered from running a
// package's declarative setup script under a shimmed build system.
type IntrospectionResult struct {
	Name            string
	Version         string
	InstallRequires []string
	SetupRequires   []string
	TestsRequire    []string
	TestSuite       string
	Requires        []string
}

// SetupIntrospector runs a package's build-entry file in an isolated process
// and recovers its declared metadata. It is the one place this package calls
// out to an external process; tests substitute a fake.
type SetupIntrospector interface {
	// Introspect runs the setup shim in dir and returns its declared
	// metadata. A non-zero exit or malformed output is an
	// IntrospectionFailure-class error: callers should log it and continue
	// with empty results rather than fail the whole resolve.
	Introspect(ctx context.Context, dir string) (IntrospectionResult, error)

	// HelpCommands runs "<build entry> --help-commands" in dir and returns
	// its raw output. has_tests() checks this output for the literal token
	// "test".
	HelpCommands(ctx context.Context, dir string) (string, error)
}

// Extractor recovers package metadata from an unpacked archive directory.
type Extractor struct {
	log          *slog.Logger
	introspector SetupIntrospector
	metrics      metrics.Metrics
}

// New returns an Extractor that falls back to introspector when no
// egg-info directory is found.
func New(log *slog.Logger, introspector SetupIntrospector) *Extractor {
	return &Extractor{log: log, introspector: introspector}
}

// WithMetrics returns a copy of x that records swallowed introspection
// failures against m instead of discarding them silently.
func (x *Extractor) WithMetrics(m metrics.Metrics) *Extractor {
	cp := *x
	cp.metrics = m
	return &cp
}

// eggInfoName normalizes a package name the way egg-info directories are
// named: hyphens and dots become underscores, case-insensitively.
func eggInfoName(name string) string {
	r := strings.NewReplacer("-", "_", ".", "_")
	return strings.ToLower(r.Replace(name))
}

// FindEggInfo locates the `{name}.egg-info` directory under dir matching
// name case-insensitively with hyphens normalized to underscores.
func FindEggInfo(dir, name string) (path string, found bool, err error) {
	want := eggInfoName(name)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", false, fmt.Errorf("failed to list %s: %w", dir, err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		stem, ok := strings.CutSuffix(e.Name(), ".egg-info")
		if !ok {
			continue
		}
		if eggInfoName(stem) == want {
			return filepath.Join(dir, e.Name()), true, nil
		}
	}
	return "", false, nil
}

// GetDeps returns the declared dependency rows for the requested extras. If
// an egg-info directory is present, requires.txt is read section by
// section; otherwise the package's setup script is introspected and rows
// are synthesized from install_requires/setup_requires/tests_require/
// test_suite.
func (x *Extractor) GetDeps(ctx context.Context, dir, name string, extras []string) ([]DepRow, error) {
	eggInfo, found, err := FindEggInfo(dir, name)
	if err != nil {
		return nil, err
	}
	if found {
		return x.getDepsFromEggInfo(eggInfo, extras)
	}
	return x.getDepsFromIntrospection(ctx, dir, name)
}

func (x *Extractor) getDepsFromEggInfo(eggInfo string, extras []string) ([]DepRow, error) {
	path := filepath.Join(eggInfo, "requires.txt")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return parseRequiresTxt(data, extras), nil
}

// parseRequiresTxt implements requires.txt's section format: a line
// "[extra-name]" starts a new section; lines before any header belong to the
// base section (""). Only the base section and sections matching a
// requested extra are kept.
func parseRequiresTxt(data []byte, extras []string) []DepRow {
	wanted := make(map[string]bool, len(extras))
	for _, e := range extras {
		wanted[e] = true
	}

	var rows []DepRow
	section := ""
	keep := true
	scanner := bufio.NewScanner(strings.NewReader(string(data)))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			section = strings.TrimSuffix(strings.TrimPrefix(line, "["), "]")
			keep = wanted[section]
			continue
		}
		if section == "" || keep {
			rows = append(rows, DepRow{Line: line, Section: section})
		}
	}
	return rows
}

func (x *Extractor) getDepsFromIntrospection(ctx context.Context, dir, name string) ([]DepRow, error) {
	result, err := x.introspector.Introspect(ctx, dir)
	if err != nil {
		if x.log != nil {
			x.log.Warn("setup script introspection failed, falling back to empty deps",
				slog.String("dir", dir), slog.Any("error", err))
		}
		x.metrics.IncrementIntrospectionFailures(ctx)
		return nil, nil
	}

	var rows []DepRow
	for _, line := range result.InstallRequires {
		rows = append(rows, DepRow{Line: line, Section: ""})
	}
	// The legacy distutils "requires" argument is merged into the same base
	// section as install_requires, not kept separate.
	for _, line := range result.Requires {
		rows = append(rows, DepRow{Line: line, Section: ""})
	}
	for _, line := range result.SetupRequires {
		rows = append(rows, DepRow{Line: line, Section: SectionSetupRequire})
	}
	for _, line := range result.TestsRequire {
		rows = append(rows, DepRow{Line: line, Section: SectionTestsRequire})
	}
	if strings.Contains(result.TestSuite, "nose.collector") && eggInfoName(name) != "nose" {
		rows = append(rows, DepRow{Line: "nose", Section: SectionTestSuite})
	}
	return rows, nil
}

// GetPkgInfo parses the RFC-822-style PKG-INFO header file. A missing file
// is a hard ExtractError.
func (x *Extractor) GetPkgInfo(dir string) (map[string]string, error) {
	path := filepath.Join(dir, "PKG-INFO")
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &ExtractError{Dir: dir, Reason: "PKG-INFO not found"}
		}
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()
	return parsePkgInfo(f)
}

func parsePkgInfo(f *os.File) (map[string]string, error) {
	headers := map[string]string{}
	var lastKey string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		if (strings.HasPrefix(line, " ") || strings.HasPrefix(line, "\t")) && lastKey != "" {
			headers[lastKey] += "\n" + strings.TrimSpace(line)
			continue
		}
		idx := strings.Index(line, ":")
		if idx == -1 {
			continue
		}
		key := strings.TrimSpace(line[:idx])
		val := strings.TrimSpace(line[idx+1:])
		headers[key] = val
		lastKey = key
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to parse PKG-INFO: %w", err)
	}
	return headers, nil
}

// GetDependencyLinks reads dependency_links.txt if present, returning nil
// (not an error) if the file is absent.
func (x *Extractor) GetDependencyLinks(dir, name string) ([]string, error) {
	eggInfo, found, err := FindEggInfo(dir, name)
	if err != nil || !found {
		return nil, err
	}
	path := filepath.Join(eggInfo, "dependency_links.txt")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	var links []string
	scanner := bufio.NewScanner(strings.NewReader(string(data)))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			links = append(links, line)
		}
	}
	return links, nil
}

// HasTests reports whether the package declares tests, per --help-commands
// introspection containing the literal token "test".
func (x *Extractor) HasTests(ctx context.Context, dir string) (bool, error) {
	out, err := x.introspector.HelpCommands(ctx, dir)
	if err != nil {
		if x.log != nil {
			x.log.Warn("help-commands introspection failed, assuming no tests",
				slog.String("dir", dir), slog.Any("error", err))
		}
		return false, nil
	}
	return strings.Contains(out, "test"), nil
}
