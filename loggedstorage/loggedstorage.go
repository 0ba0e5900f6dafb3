package loggedstorage

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/a-h/pypiresolve/metrics"
	"github.com/a-h/pypiresolve/storage"
)

func New(ctx context.Context, log *slog.Logger, wrapped storage.Storage, m metrics.Metrics) (s *LoggedStorage, shutdown func(timeout time.Duration) error) {
	s = &LoggedStorage{
		wrapped: wrapped,
	}
	s.c, shutdown = newBufferedEventLog(ctx, log, m, 2048)
	return s, shutdown
}

var _ storage.Storage = &LoggedStorage{}

type LoggedStorage struct {
	wrapped storage.Storage
	c       chan event
}

func (ls *LoggedStorage) Stat(ctx context.Context, filename string) (size int64, exists bool, err error) {
	return ls.wrapped.Stat(ctx, filename)
}

func (ls *LoggedStorage) Get(ctx context.Context, filename string) (r io.ReadCloser, exists bool, err error) {
	r, exists, err = ls.wrapped.Get(ctx, filename)
	if err != nil || !exists {
		return r, exists, err
	}
	return &countingReadCloser{ReadCloser: r, filename: filename, events: ls.c}, exists, nil
}

func (ls *LoggedStorage) Put(ctx context.Context, filename string) (w io.WriteCloser, err error) {
	return ls.wrapped.Put(ctx, filename)
}

// countingReadCloser emits a single event carrying the total bytes read once
// the caller closes the artifact, so partial reads of a cancelled fetch are
// still accounted for.
type countingReadCloser struct {
	io.ReadCloser
	filename string
	events   chan event
	n        int64
}

func (c *countingReadCloser) Read(p []byte) (int, error) {
	n, err := c.ReadCloser.Read(p)
	c.n += int64(n)
	return n, err
}

func (c *countingReadCloser) Close() error {
	err := c.ReadCloser.Close()
	c.events <- newEvent(c.filename, c.n)
	return err
}
