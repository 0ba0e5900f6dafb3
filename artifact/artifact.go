// Package artifact implements the default ArtifactStore: a download cache
// backed by storage.Storage (filesystem or S3) plus an in-process unpack
// cache, so the same URL is never fetched or extracted twice within a
// resolve.
package artifact

import (
	"archive/tar"
	"archive/zip"
	"compress/bzip2"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/a-h/pypiresolve/storage"
	"github.com/ulikunitz/xz"
)

// Store is the default ArtifactStore: downloads are persisted through
// storage.Storage (so the download cache can be a local directory or an S3
// bucket), then staged to a local temp directory for unpacking, since
// archive extraction needs real filesystem paths.
type Store struct {
	storage  storage.Storage
	client   *http.Client
	tempRoot string

	extracted sync.Map // cache key -> unpacked directory
}

// New returns a Store that persists downloads via storage and stages/unpacks
// them under tempRoot.
func New(store storage.Storage, client *http.Client, tempRoot string) *Store {
	if client == nil {
		client = http.DefaultClient
	}
	return &Store{storage: store, client: client, tempRoot: tempRoot}
}

// cacheKey is the URL-encoded URL with any "#egg=..." fragment stripped, per
// the artifact cache's key convention.
func cacheKey(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid artifact URL %q: %w", rawURL, err)
	}
	u.Fragment = ""
	return url.QueryEscape(u.String()), nil
}

// GetOrDownload returns a local filesystem path for the artifact at rawURL,
// downloading it into the backing storage.Storage on a cache miss.
func (s *Store) GetOrDownload(ctx context.Context, rawURL string) (string, error) {
	key, err := cacheKey(rawURL)
	if err != nil {
		return "", err
	}

	if _, exists, err := s.storage.Stat(ctx, key); err != nil {
		return "", fmt.Errorf("failed to stat artifact cache for %s: %w", rawURL, err)
	} else if !exists {
		if err := s.download(ctx, rawURL, key); err != nil {
			return "", err
		}
	}

	localPath := filepath.Join(s.tempRoot, key)
	if _, err := os.Stat(localPath); err == nil {
		return localPath, nil
	}
	if err := s.materialize(ctx, key, localPath); err != nil {
		return "", err
	}
	return localPath, nil
}

func (s *Store) download(ctx context.Context, rawURL, key string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("failed to build download request for %s: %w", rawURL, err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to download %s: %w", rawURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d downloading %s", resp.StatusCode, rawURL)
	}
	w, err := s.storage.Put(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to open artifact cache writer for %s: %w", rawURL, err)
	}
	defer w.Close()
	if _, err := io.Copy(w, resp.Body); err != nil {
		return fmt.Errorf("failed to persist artifact %s: %w", rawURL, err)
	}
	return nil
}

func (s *Store) materialize(ctx context.Context, key, localPath string) error {
	r, exists, err := s.storage.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to read artifact cache entry %s: %w", key, err)
	}
	if !exists {
		return fmt.Errorf("artifact cache entry %s disappeared after a successful stat", key)
	}
	defer r.Close()
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return fmt.Errorf("failed to create temp dir for %s: %w", key, err)
	}
	f, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("failed to create local staging file %s: %w", localPath, err)
	}
	defer f.Close()
	if _, err := io.Copy(f, r); err != nil {
		return fmt.Errorf("failed to stage artifact %s locally: %w", key, err)
	}
	return nil
}

// Unpack extracts the archive at localPath (whose original filename decides
// the format) into a fresh directory and returns its path. Repeated calls
// for the same localPath return the cached directory without re-extracting.
func (s *Store) Unpack(localPath, filename string) (string, error) {
	if dir, ok := s.extracted.Load(localPath); ok {
		return dir.(string), nil
	}

	if err := os.MkdirAll(s.tempRoot, 0o755); err != nil {
		return "", fmt.Errorf("failed to create temp root %s: %w", s.tempRoot, err)
	}
	dir, err := os.MkdirTemp(s.tempRoot, "unpack-*")
	if err != nil {
		return "", fmt.Errorf("failed to create unpack dir for %s: %w", filename, err)
	}

	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("failed to open archive %s: %w", localPath, err)
	}
	defer f.Close()

	if err := unpackInto(f, filename, dir); err != nil {
		return "", fmt.Errorf("failed to extract %s: %w", filename, err)
	}

	if existing, loaded := s.extracted.LoadOrStore(localPath, dir); loaded {
		return existing.(string), nil
	}
	return dir, nil
}

func unpackInto(f *os.File, filename, dir string) error {
	lower := strings.ToLower(filename)
	switch {
	case strings.HasSuffix(lower, ".zip"), strings.HasSuffix(lower, ".whl"):
		return unpackZip(f, dir)
	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"):
		gr, err := gzip.NewReader(f)
		if err != nil {
			return fmt.Errorf("invalid gzip stream: %w", err)
		}
		defer gr.Close()
		return unpackTar(gr, dir)
	case strings.HasSuffix(lower, ".tar.bz2"):
		return unpackTar(bzip2.NewReader(f), dir)
	case strings.HasSuffix(lower, ".tar.xz"):
		xr, err := xz.NewReader(f)
		if err != nil {
			return fmt.Errorf("invalid xz stream: %w", err)
		}
		return unpackTar(xr, dir)
	case strings.HasSuffix(lower, ".tar"):
		return unpackTar(f, dir)
	default:
		return fmt.Errorf("unsupported archive format: %s", filename)
	}
}

func unpackTar(r io.Reader, dir string) error {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		target, err := safeJoin(dir, hdr.Name)
		if err != nil {
			return err
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			w, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode&0o777))
			if err != nil {
				return err
			}
			_, copyErr := io.Copy(w, tr)
			closeErr := w.Close()
			if copyErr != nil {
				return copyErr
			}
			if closeErr != nil {
				return closeErr
			}
		}
	}
}

func unpackZip(f *os.File, dir string) error {
	info, err := f.Stat()
	if err != nil {
		return err
	}
	zr, err := zip.NewReader(f, info.Size())
	if err != nil {
		return fmt.Errorf("invalid zip stream: %w", err)
	}
	for _, entry := range zr.File {
		target, err := safeJoin(dir, entry.Name)
		if err != nil {
			return err
		}
		if entry.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		rc, err := entry.Open()
		if err != nil {
			return err
		}
		w, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, entry.Mode().Perm())
		if err != nil {
			rc.Close()
			return err
		}
		_, copyErr := io.Copy(w, rc)
		rc.Close()
		closeErr := w.Close()
		if copyErr != nil {
			return copyErr
		}
		if closeErr != nil {
			return closeErr
		}
	}
	return nil
}

// safeJoin joins dir and name, rejecting archive entries that would escape
// dir via ".." path segments (a zip/tar slip).
func safeJoin(dir, name string) (string, error) {
	target := filepath.Join(dir, name)
	if !strings.HasPrefix(target, filepath.Clean(dir)+string(os.PathSeparator)) && target != filepath.Clean(dir) {
		return "", fmt.Errorf("archive entry %q escapes extraction directory", name)
	}
	return target, nil
}
