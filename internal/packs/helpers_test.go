package packs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zip"

	"github.com/T21C/tuf-backend-sub004/internal/storage/local"
)

// fakeResolver maps leaf names to canned sources and sizes.
type fakeResolver struct {
	sources map[string]*LeafSource
	sizes   map[string]int64
}

func (f *fakeResolver) Source(_ context.Context, leaf *Leaf) (*LeafSource, error) {
	src, ok := f.sources[leaf.Name]
	if !ok {
		return nil, fmt.Errorf("no archive for %s", leaf.Name)
	}
	return src, nil
}

func (f *fakeResolver) Size(_ context.Context, leaf *Leaf) (int64, bool) {
	size, ok := f.sizes[leaf.Name]
	return size, ok
}

// newTestBackend returns a local backend rooted in a temp dir.
func newTestBackend(t *testing.T) *local.Backend {
	t.Helper()
	backend, err := local.New(local.Config{RootPath: t.TempDir()})
	if err != nil {
		t.Fatalf("local backend: %v", err)
	}
	return backend
}

// writeLevelZip builds a small level archive and stores it in the
// backend under key.
func writeLevelZip(t *testing.T, backend *local.Backend, key string, files map[string]string) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "level.zip")
	out, err := os.Create(path)
	if err != nil {
		t.Fatalf("create zip: %v", err)
	}
	zw := zip.NewWriter(out)
	for name, content := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("zip entry %s: %v", name, err)
		}
		if _, err := w.Write([]byte(content)); err != nil {
			t.Fatalf("zip write %s: %v", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}
	if err := out.Close(); err != nil {
		t.Fatalf("close file: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open zip: %v", err)
	}
	defer f.Close()
	info, _ := f.Stat()
	if err := backend.PutObject(context.Background(), key, f, info.Size()); err != nil {
		t.Fatalf("put zip: %v", err)
	}
}

// readZipNames lists entry names in an archive.
func readZipNames(t *testing.T, path string) []string {
	t.Helper()
	r, err := zip.OpenReader(path)
	if err != nil {
		t.Fatalf("open archive %s: %v", path, err)
	}
	defer r.Close()
	var names []string
	for _, f := range r.File {
		names = append(names, f.Name)
	}
	return names
}
