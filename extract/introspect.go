package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
)

// setupShim mocks setuptools.setup/distutils.core.setup to dump the
// arguments a package's setup.py was called with as JSON, bracketed by a
// marker unlikely to appear in any legitimate setup.py output.
const setupShim = `import setuptools, distutils, json, sys
def dump(**args):
    sys.stdout.write("#**#" + json.dumps({
        "name": args.get("name"),
        "version": args.get("version"),
        "install_requires": args.get("install_requires"),
        "setup_requires": args.get("setup_requires"),
        "tests_require": args.get("tests_require"),
        "test_suite": args.get("test_suite"),
        "requires": args.get("requires"),
    }) + "#**#")
setuptools.setup = dump
distutils.core.setup = dump
import setup
`

// SubprocessIntrospector runs a package's setup.py in an isolated Python
// process with the build-system entry points shimmed to emit a JSON record
// instead of actually building anything. It is the one place this package
// calls out to an external process.
type SubprocessIntrospector struct {
	// PythonPath is the interpreter executable; empty uses "python3" from
	// PATH.
	PythonPath string
}

// NewSubprocessIntrospector returns a SubprocessIntrospector using
// pythonPath, or "python3" if pythonPath is empty.
func NewSubprocessIntrospector(pythonPath string) *SubprocessIntrospector {
	return &SubprocessIntrospector{PythonPath: pythonPath}
}

func (s *SubprocessIntrospector) interpreter() string {
	if s.PythonPath != "" {
		return s.PythonPath
	}
	return "python3"
}

func (s *SubprocessIntrospector) Introspect(ctx context.Context, dir string) (IntrospectionResult, error) {
	cmd := exec.CommandContext(ctx, s.interpreter(), "-c", setupShim)
	cmd.Dir = dir
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	// setup.py invocations are noisy on stderr even on success; that output
	// isn't useful here and is deliberately discarded.
	if err := cmd.Run(); err != nil {
		return IntrospectionResult{}, fmt.Errorf("failed to run setup.py shim in %s: %w", dir, err)
	}

	out := stdout.String()
	start := strings.Index(out, "#**#")
	if start == -1 {
		return IntrospectionResult{}, fmt.Errorf("setup.py shim in %s produced no marked output", dir)
	}
	rest := out[start+len("#**#"):]
	end := strings.LastIndex(rest, "#**#")
	if end == -1 {
		return IntrospectionResult{}, fmt.Errorf("setup.py shim in %s produced an unterminated record", dir)
	}

	var raw struct {
		Name            string   `json:"name"`
		Version         string   `json:"version"`
		InstallRequires []string `json:"install_requires"`
		SetupRequires   []string `json:"setup_requires"`
		TestsRequire    []string `json:"tests_require"`
		TestSuite       string   `json:"test_suite"`
		Requires        []string `json:"requires"`
	}
	if err := json.Unmarshal([]byte(rest[:end]), &raw); err != nil {
		return IntrospectionResult{}, fmt.Errorf("failed to parse setup.py shim output in %s: %w", dir, err)
	}

	return IntrospectionResult{
		Name:            raw.Name,
		Version:         raw.Version,
		InstallRequires: raw.InstallRequires,
		SetupRequires:   raw.SetupRequires,
		TestsRequire:    raw.TestsRequire,
		TestSuite:       raw.TestSuite,
		Requires:        raw.Requires,
	}, nil
}

func (s *SubprocessIntrospector) HelpCommands(ctx context.Context, dir string) (string, error) {
	cmd := exec.CommandContext(ctx, s.interpreter(), "setup.py", "--help-commands")
	cmd.Dir = dir
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("failed to run setup.py --help-commands in %s: %w", dir, err)
	}
	return stdout.String(), nil
}
