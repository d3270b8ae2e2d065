package packs

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/T21C/tuf-backend-sub004/internal/storage/local"
)

// newTestPacker builds a packer with a deliberately missing external
// tool, so extraction and compression run through the in-process
// fallbacks.
func newTestPacker(t *testing.T, resolver LeafResolver, backend *local.Backend) *Packer {
	t.Helper()
	return NewPacker(resolver, backend, NewReporter("", time.Second),
		t.TempDir(), "no-such-zip-tool", 10*time.Second)
}

func TestPackerPartialFailureContained(t *testing.T) {
	backend := newTestBackend(t)
	writeLevelZip(t, backend, "levels/a.zip", map[string]string{
		"main.adofai": "{}",
		"song.ogg":    "audio",
	})

	resolver := &fakeResolver{sources: map[string]*LeafSource{
		"LevelA": {ObjectKey: "levels/a.zip"},
		// LevelB has no source: resolution fails, the leaf is absorbed.
	}}
	packer := newTestPacker(t, resolver, backend)

	tree := &Folder{Name: "Pack", Children: []Node{
		&Leaf{Name: "LevelA", LevelID: 1},
		&Leaf{Name: "LevelB", LevelID: 2},
	}}
	job := newJob("dl-1", "key-1", "Test Pack", 1000, CountLeaves(tree))

	artifactPath, tempRoot, err := packer.Build(context.Background(), job, tree)
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	defer os.RemoveAll(tempRoot)

	if filepath.Base(artifactPath) != "Test Pack.zip" {
		t.Errorf("unexpected artifact name %s", filepath.Base(artifactPath))
	}

	names := readZipNames(t, artifactPath)
	assertHasEntry(t, names, "LevelA/main.adofai")
	assertHasEntry(t, names, "LevelA/song.ogg")
	assertHasEntry(t, names, "[FAILED] LevelB/")
	for _, name := range names {
		if strings.HasPrefix(name, "[FAILED] LevelB/") && name != "[FAILED] LevelB/" {
			t.Errorf("sentinel folder is not empty: %s", name)
		}
	}

	snap := job.Snapshot()
	if snap.ProcessedLeaves != 1 {
		t.Errorf("expected 1 processed leaf, got %d", snap.ProcessedLeaves)
	}
}

func TestPackerNestedFolders(t *testing.T) {
	backend := newTestBackend(t)
	writeLevelZip(t, backend, "levels/a.zip", map[string]string{"a.adofai": "{}"})
	writeLevelZip(t, backend, "levels/b.zip", map[string]string{"b.adofai": "{}"})

	resolver := &fakeResolver{sources: map[string]*LeafSource{
		"LevelA": {ObjectKey: "levels/a.zip"},
		"LevelB": {ObjectKey: "levels/b.zip"},
	}}
	packer := newTestPacker(t, resolver, backend)

	tree := &Folder{Name: "Pack", Children: []Node{
		&Leaf{Name: "LevelA", LevelID: 1},
		&Folder{Name: "Extras", Children: []Node{
			&Leaf{Name: "LevelB", LevelID: 2},
		}},
	}}
	job := newJob("dl-2", "key-2", "nested.zip", 1000, CountLeaves(tree))

	artifactPath, tempRoot, err := packer.Build(context.Background(), job, tree)
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	defer os.RemoveAll(tempRoot)

	names := readZipNames(t, artifactPath)
	assertHasEntry(t, names, "LevelA/a.adofai")
	assertHasEntry(t, names, "Extras/LevelB/b.adofai")
}

func TestPackerAllLeavesFailedFailsJob(t *testing.T) {
	resolver := &fakeResolver{sources: map[string]*LeafSource{}}
	packer := newTestPacker(t, resolver, newTestBackend(t))

	tree := &Folder{Name: "Pack", Children: []Node{
		&Leaf{Name: "LevelA", LevelID: 1},
		&Leaf{Name: "LevelB", LevelID: 2},
	}}
	job := newJob("dl-3", "key-3", "empty.zip", 1000, CountLeaves(tree))

	_, tempRoot, err := packer.Build(context.Background(), job, tree)
	if err == nil {
		t.Fatal("expected error when every leaf fails")
	}
	// Temp root is cleaned up on error.
	if _, statErr := os.Stat(tempRoot); !os.IsNotExist(statErr) {
		t.Errorf("temp root %s not cleaned up", tempRoot)
	}
}

func TestPackerExternalURLSource(t *testing.T) {
	backend := newTestBackend(t)
	writeLevelZip(t, backend, "seed/a.zip", map[string]string{"main.adofai": "{}"})

	// Serve the archive bytes over HTTP the way an external host would.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		obj, _, err := backend.GetObject(r.Context(), "seed/a.zip", 0, 0)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		defer obj.Close()
		w.Header().Set("Content-Type", "application/zip")
		if _, err := io.Copy(w, obj); err != nil {
			t.Errorf("serve archive: %v", err)
		}
	}))
	defer server.Close()

	resolver := &fakeResolver{sources: map[string]*LeafSource{
		"LevelA": {URL: server.URL + "/a.zip"},
	}}
	packer := newTestPacker(t, resolver, backend)

	tree := &Folder{Name: "Pack", Children: []Node{
		&Leaf{Name: "LevelA", LevelID: 1},
	}}
	job := newJob("dl-4", "key-4", "url.zip", 1000, 1)

	artifactPath, tempRoot, err := packer.Build(context.Background(), job, tree)
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	defer os.RemoveAll(tempRoot)

	assertHasEntry(t, readZipNames(t, artifactPath), "LevelA/main.adofai")
}

func TestPackerFetchedArchivesRemoved(t *testing.T) {
	backend := newTestBackend(t)
	writeLevelZip(t, backend, "levels/a.zip", map[string]string{"a.adofai": "{}"})

	resolver := &fakeResolver{sources: map[string]*LeafSource{
		"LevelA": {ObjectKey: "levels/a.zip"},
	}}
	packer := newTestPacker(t, resolver, backend)

	tree := &Folder{Name: "Pack", Children: []Node{&Leaf{Name: "LevelA", LevelID: 1}}}
	job := newJob("dl-5", "key-5", "clean.zip", 1000, 1)

	_, tempRoot, err := packer.Build(context.Background(), job, tree)
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	defer os.RemoveAll(tempRoot)

	// No fetched source archive may survive the leaf that used it.
	filepath.Walk(tempRoot, func(path string, info os.FileInfo, err error) error {
		if err == nil && strings.HasPrefix(filepath.Base(path), ".fetch-") {
			t.Errorf("leftover fetched archive: %s", path)
		}
		return nil
	})
}

func assertHasEntry(t *testing.T, names []string, want string) {
	t.Helper()
	for _, name := range names {
		if name == want {
			return
		}
	}
	t.Errorf("archive missing entry %q, got %v", want, names)
}
