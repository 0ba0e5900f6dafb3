package storage

import (
	"context"
	"io"
	"testing"
)

func TestFileSystem(t *testing.T) {
	ctx := context.Background()
	fs := NewFileSystem(t.TempDir())

	t.Run("missing files are reported as not existing", func(t *testing.T) {
		_, exists, err := fs.Get(ctx, "requests/requests-2.31.0.tar.gz")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if exists {
			t.Error("expected exists=false")
		}
	})
	t.Run("a written artifact can be read back", func(t *testing.T) {
		w, err := fs.Put(ctx, "requests/requests-2.31.0.tar.gz")
		if err != nil {
			t.Fatalf("failed to open writer: %v", err)
		}
		if _, err := w.Write([]byte("artifact contents")); err != nil {
			t.Fatalf("failed to write: %v", err)
		}
		if err := w.Close(); err != nil {
			t.Fatalf("failed to close writer: %v", err)
		}

		size, exists, err := fs.Stat(ctx, "requests/requests-2.31.0.tar.gz")
		if err != nil {
			t.Fatalf("failed to stat: %v", err)
		}
		if !exists {
			t.Fatal("expected exists=true")
		}
		if size != int64(len("artifact contents")) {
			t.Errorf("expected size %d, got %d", len("artifact contents"), size)
		}

		r, exists, err := fs.Get(ctx, "requests/requests-2.31.0.tar.gz")
		if err != nil {
			t.Fatalf("failed to get: %v", err)
		}
		if !exists {
			t.Fatal("expected exists=true")
		}
		defer r.Close()

		got, err := io.ReadAll(r)
		if err != nil {
			t.Fatalf("failed to read: %v", err)
		}
		if string(got) != "artifact contents" {
			t.Errorf("expected %q, got %q", "artifact contents", string(got))
		}
	})
}
