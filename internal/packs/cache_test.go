package packs

import (
	"context"
	"sync"
	"testing"
	"time"
)

// recordingDeleter collects artifact deletions for assertions.
type recordingDeleter struct {
	mu      sync.Mutex
	deleted []string
	ch      chan string
}

func newRecordingDeleter() *recordingDeleter {
	return &recordingDeleter{ch: make(chan string, 16)}
}

func (d *recordingDeleter) delete(_ context.Context, entry *CompletedEntry) {
	d.mu.Lock()
	d.deleted = append(d.deleted, entry.Location)
	d.mu.Unlock()
	d.ch <- entry.Location
}

func (d *recordingDeleter) waitForDelete(t *testing.T) string {
	t.Helper()
	select {
	case loc := <-d.ch:
		return loc
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for artifact deletion")
		return ""
	}
}

func TestCachePutLookup(t *testing.T) {
	c := NewCache(time.Hour, nil)

	entry := c.Put(&CompletedEntry{
		DownloadID: "dl-1",
		CacheKey:   "key-1",
		ZipName:    "pack.zip",
		Location:   "packs/key-1.zip",
	})

	if entry.ExpiresAt.Before(time.Now()) {
		t.Error("fresh entry already expired")
	}

	got, ok := c.Lookup("key-1")
	if !ok || got.DownloadID != "dl-1" {
		t.Fatalf("lookup failed: %+v ok=%v", got, ok)
	}
	byID, ok := c.ByDownloadID("dl-1")
	if !ok || byID.CacheKey != "key-1" {
		t.Fatalf("download ID lookup failed: %+v ok=%v", byID, ok)
	}
}

func TestCacheExpiredLookupEvicts(t *testing.T) {
	deleter := newRecordingDeleter()
	c := NewCache(-time.Second, deleter.delete) // entries born expired

	c.Put(&CompletedEntry{
		DownloadID: "dl-1",
		CacheKey:   "key-1",
		Location:   "packs/key-1.zip",
	})

	if _, ok := c.Lookup("key-1"); ok {
		t.Fatal("expired entry returned by lookup")
	}
	if loc := deleter.waitForDelete(t); loc != "packs/key-1.zip" {
		t.Errorf("wrong artifact deleted: %s", loc)
	}

	// Both indexes dropped together.
	if _, ok := c.ByDownloadID("dl-1"); ok {
		t.Error("download index still holds evicted entry")
	}
	if c.Len() != 0 {
		t.Errorf("expected empty cache, got %d entries", c.Len())
	}
}

func TestCacheReplacementInvalidatesOldArtifact(t *testing.T) {
	deleter := newRecordingDeleter()
	c := NewCache(time.Hour, deleter.delete)

	c.Put(&CompletedEntry{
		DownloadID: "dl-old",
		CacheKey:   "key-1",
		Location:   "packs/old.zip",
	})
	c.Put(&CompletedEntry{
		DownloadID: "dl-new",
		CacheKey:   "key-1",
		Location:   "packs/new.zip",
	})

	if loc := deleter.waitForDelete(t); loc != "packs/old.zip" {
		t.Errorf("expected old artifact invalidated, got %s", loc)
	}

	got, ok := c.Lookup("key-1")
	if !ok || got.DownloadID != "dl-new" {
		t.Fatalf("expected new entry, got %+v", got)
	}
	if _, ok := c.ByDownloadID("dl-old"); ok {
		t.Error("superseded download ID still resolvable")
	}
	if c.Len() != 1 {
		t.Errorf("expected 1 entry, got %d", c.Len())
	}
}

func TestCacheSweepEvictsExpired(t *testing.T) {
	deleter := newRecordingDeleter()
	c := NewCache(30*time.Millisecond, deleter.delete)

	c.Put(&CompletedEntry{DownloadID: "dl-1", CacheKey: "key-1", Location: "packs/1.zip"})
	c.Put(&CompletedEntry{DownloadID: "dl-2", CacheKey: "key-2", Location: "packs/2.zip"})

	time.Sleep(50 * time.Millisecond)

	if n := c.Sweep(); n != 2 {
		t.Fatalf("expected 2 evictions, got %d", n)
	}
	deleter.waitForDelete(t)
	deleter.waitForDelete(t)
	if c.Len() != 0 {
		t.Errorf("expected empty cache after sweep, got %d", c.Len())
	}
}

func TestCacheSweepKeepsLiveEntries(t *testing.T) {
	c := NewCache(time.Hour, nil)
	c.Put(&CompletedEntry{DownloadID: "dl-1", CacheKey: "key-1"})

	if n := c.Sweep(); n != 0 {
		t.Errorf("expected no evictions, got %d", n)
	}
	if _, ok := c.Lookup("key-1"); !ok {
		t.Error("live entry evicted by sweep")
	}
}
