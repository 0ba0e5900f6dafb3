package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Storage abstracts artifact storage operations for the packages the
// resolver fetches and unpacks. Filenames are cache keys, not trusted
// user paths: implementations use them as given (a relative path or an
// object key), so callers pass keys that are already escaped.
type Storage interface {
	// Stat reports the size of an artifact and whether it exists.
	Stat(ctx context.Context, filename string) (size int64, exists bool, err error)

	// Get opens an artifact for reading and reports whether it exists.
	Get(ctx context.Context, filename string) (r io.ReadCloser, exists bool, err error)

	// Put returns a writer that stores an artifact under filename when closed.
	Put(ctx context.Context, filename string) (w io.WriteCloser, err error)
}

// FileSystem implements Storage using the local filesystem.
type FileSystem struct {
	basePath string
}

// NewFileSystem creates a new FileSystem storage backend.
func NewFileSystem(basePath string) *FileSystem {
	return &FileSystem{
		basePath: basePath,
	}
}

var _ Storage = (*FileSystem)(nil)

func (fs *FileSystem) Stat(ctx context.Context, filename string) (size int64, exists bool, err error) {
	fullPath := filepath.Join(fs.basePath, filename)
	info, err := os.Stat(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return info.Size(), true, nil
}

func (fs *FileSystem) Get(ctx context.Context, filename string) (r io.ReadCloser, exists bool, err error) {
	fullPath := filepath.Join(fs.basePath, filename)
	file, err := os.Open(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return file, true, nil
}

func (fs *FileSystem) Put(ctx context.Context, filename string) (w io.WriteCloser, err error) {
	fullPath := filepath.Join(fs.basePath, filename)

	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	file, err := os.Create(fullPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create file: %w", err)
	}

	return file, nil
}
