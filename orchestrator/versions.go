package orchestrator

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"text/template"

	"github.com/a-h/pypiresolve/spec"
)

// versionExpander turns a list of external_versions entries — literal pins,
// or URLs to requirements.txt/buildout-.cfg-style constraint files — into a
// flat list of pinned Specs. Entries that are URL templates (containing
// "{spec}") are rendered against the spec that referenced them before being
// fetched, mirroring the per-package constraint-file lookup a buildout
// recipe does.
type versionExpander struct {
	client *http.Client
	log    *slog.Logger
}

func (e *versionExpander) logger() *slog.Logger {
	if e.log != nil {
		return e.log
	}
	return slog.Default()
}

func (e *versionExpander) expand(ctx context.Context, entries []string, parent *spec.Spec) ([]spec.Spec, error) {
	var out []spec.Spec
	for _, entry := range entries {
		pins, err := e.expandOne(ctx, entry, parent, map[string]bool{})
		if err != nil {
			return nil, err
		}
		out = append(out, pins...)
	}
	return out, nil
}

func (e *versionExpander) expandOne(ctx context.Context, entry string, parent *spec.Spec, visited map[string]bool) ([]spec.Spec, error) {
	rendered, err := renderVersionEntry(entry, parent)
	if err != nil {
		return nil, err
	}

	if !looksLikeURL(rendered) {
		s, err := spec.ParseRequirement(rendered, "external_versions")
		if err != nil {
			return nil, fmt.Errorf("failed to parse pinned version %q: %w", rendered, err)
		}
		return []spec.Spec{s}, nil
	}

	if visited[rendered] {
		return nil, nil
	}
	visited[rendered] = true

	body, err := e.fetch(ctx, rendered)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch constraint file %s: %w", rendered, err)
	}

	if strings.HasSuffix(strings.ToLower(strings.SplitN(rendered, "?", 2)[0]), ".cfg") {
		return e.expandBuildoutCfg(ctx, body, rendered, visited)
	}
	return e.expandRequirementsTxt(body)
}

// renderVersionEntry renders entry as a text/template using the same
// "{spec}" delimiter convention the hook policy templates use, substituting
// the referencing spec's fullname. Entries with no template markers pass
// through unchanged.
func renderVersionEntry(entry string, parent *spec.Spec) (string, error) {
	if !strings.Contains(entry, "{") {
		return entry, nil
	}
	fullname := ""
	if parent != nil {
		fullname = parent.Fullname()
	}
	tmpl, err := template.New("entry").Delims("{", "}").Funcs(template.FuncMap{
		"spec": func() string { return fullname },
	}).Parse(entry)
	if err != nil {
		return "", fmt.Errorf("failed to parse version entry template %q: %w", entry, err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, nil); err != nil {
		return "", fmt.Errorf("failed to render version entry template %q: %w", entry, err)
	}
	return buf.String(), nil
}

func looksLikeURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

func (e *versionExpander) fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	client := e.client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d fetching %s", resp.StatusCode, url)
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// expandRequirementsTxt parses a requirements.txt-style constraint file:
// one requirement per line, blank lines and "#" comments ignored.
func (e *versionExpander) expandRequirementsTxt(body []byte) ([]spec.Spec, error) {
	var out []spec.Spec
	scanner := bufio.NewScanner(bytes.NewReader(body))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		s, err := spec.ParseRequirement(line, "requirements.txt")
		if err != nil {
			continue
		}
		out = append(out, s)
	}
	return out, scanner.Err()
}

// expandBuildoutCfg parses a buildout .cfg-style constraint file: a
// "[versions]" section of "package = version" pairs, and a "[buildout]"
// section whose "extends" value names further .cfg files to follow
// recursively. A malformed line in either section is warned about and
// skipped rather than failing the whole expansion.
func (e *versionExpander) expandBuildoutCfg(ctx context.Context, body []byte, selfURL string, visited map[string]bool) ([]spec.Spec, error) {
	var out []spec.Spec
	var extends []string
	section := ""

	scanner := bufio.NewScanner(bytes.NewReader(body))
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			section = strings.ToLower(strings.TrimSuffix(strings.TrimPrefix(line, "["), "]"))
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			e.logger().Warn("skipping malformed buildout.cfg line", slog.String("url", selfURL), slog.Int("line", lineNo), slog.String("section", section))
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		switch section {
		case "versions":
			if key == "" || value == "" {
				e.logger().Warn("skipping malformed [versions] entry", slog.String("url", selfURL), slog.Int("line", lineNo))
				continue
			}
			s, err := spec.ParseRequirement(key+"=="+value, "buildout.cfg")
			if err != nil {
				e.logger().Warn("skipping unparseable [versions] entry", slog.String("url", selfURL), slog.Int("line", lineNo), slog.Any("error", err))
				continue
			}
			out = append(out, s)
		case "buildout":
			if key == "extends" {
				for _, u := range strings.Fields(value) {
					extends = append(extends, resolveRelative(selfURL, u))
				}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	for _, url := range extends {
		pins, err := e.expandOne(ctx, url, nil, visited)
		if err != nil {
			return nil, err
		}
		out = append(out, pins...)
	}
	return out, nil
}

func resolveRelative(base, ref string) string {
	if looksLikeURL(ref) {
		return ref
	}
	idx := strings.LastIndex(base, "/")
	if idx == -1 {
		return ref
	}
	return base[:idx+1] + ref
}
