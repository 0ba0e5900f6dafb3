// Package index implements the abstract package index lookup the resolver
// delegates to for "which artifact best satisfies this spec" decisions. The
// default implementation speaks PyPI's JSON Simple API, the same wire format
// python/models already models.
package index

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/a-h/pypiresolve/python/models"
	"github.com/a-h/pypiresolve/spec"
	"github.com/a-h/pypiresolve/version"
)

// ErrNoMatch is returned when no file in the index satisfies a spec under the
// given pre-release setting.
var ErrNoMatch = errors.New("no package match")

// Link is an artifact location: a URL, its filename, and its content hash if
// the index supplied one. EggFragment carries a "#egg=name-version" fragment
// when present, which find_best_match prefers over filename parsing.
type Link struct {
	URL         string
	Filename    string
	HashName    string
	Hash        string
	EggFragment string
}

// Index resolves a Spec to the best matching artifact link and the version
// it corresponds to.
type Index interface {
	// FindBestMatch returns the highest version satisfying s's predicates.
	// If allowPreReleases is false, pre-release/dev versions are skipped.
	FindBestMatch(ctx context.Context, s spec.Spec, allowPreReleases bool) (Link, version.Version, error)
}

// PyPIIndex is the default Index, backed by PyPI's Simple API.
type PyPIIndex struct {
	BaseURL string
	Client  *http.Client
}

// NewPyPIIndex returns a PyPIIndex against the public PyPI mirror. Pass a
// client wrapping auth.BearerTransport to authenticate against a private
// mirror instead.
func NewPyPIIndex(client *http.Client) *PyPIIndex {
	if client == nil {
		client = http.DefaultClient
	}
	return &PyPIIndex{BaseURL: "https://pypi.org", Client: client}
}

func (ix *PyPIIndex) FindBestMatch(ctx context.Context, s spec.Spec, allowPreReleases bool) (Link, version.Version, error) {
	idx, err := ix.fetchIndex(ctx, s.Name)
	if err != nil {
		return Link{}, version.Version{}, err
	}

	var (
		best      version.Version
		bestFile  models.SimpleFileEntry
		haveMatch bool
	)
	for _, file := range idx.Files {
		v, err := version.Parse(file.Version())
		if err != nil {
			continue
		}
		if v.IsPreRelease() && !allowPreReleases {
			continue
		}
		if !s.Match(v) {
			continue
		}
		if !haveMatch || v.GreaterThan(best) {
			best, bestFile, haveMatch = v, file, true
		}
	}
	if !haveMatch {
		return Link{}, version.Version{}, fmt.Errorf("%s: %w", s.Name, ErrNoMatch)
	}

	link := Link{
		URL:      bestFile.URL,
		Filename: bestFile.Filename,
	}
	for name, digest := range bestFile.Hashes {
		link.HashName, link.Hash = name, digest
		if name == "sha256" {
			break
		}
	}
	return link, best, nil
}

func (ix *PyPIIndex) fetchIndex(ctx context.Context, name string) (models.SimplePackageIndex, error) {
	var idx models.SimplePackageIndex
	reqURL := ix.BaseURL + "/simple/" + url.PathEscape(spec.NormalizeName(name)) + "/"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return idx, fmt.Errorf("failed to build index request for %s: %w", name, err)
	}
	req.Header.Set("Accept", "application/vnd.pypi.simple.v1+json")
	req.Header.Set("User-Agent", "pypiresolve/0.1 (+https://github.com/a-h/pypiresolve)")
	resp, err := ix.Client.Do(req)
	if err != nil {
		return idx, fmt.Errorf("failed to query index for %s: %w", name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return idx, fmt.Errorf("%s: %w", name, ErrNoMatch)
	}
	if resp.StatusCode != http.StatusOK {
		return idx, fmt.Errorf("unexpected status %d querying index for %s", resp.StatusCode, name)
	}
	if err := json.NewDecoder(resp.Body).Decode(&idx); err != nil {
		return idx, fmt.Errorf("failed to decode index response for %s: %w", name, err)
	}
	return idx, nil
}
