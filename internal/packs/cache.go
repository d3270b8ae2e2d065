package packs

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/T21C/tuf-backend-sub004/internal/logging"
	"github.com/T21C/tuf-backend-sub004/internal/metrics"
)

// CompletedEntry records one successfully generated pack.
type CompletedEntry struct {
	DownloadID string
	CacheKey   string
	ZipName    string
	// Location is the artifact's storage key.
	Location    string
	StorageType string
	SizeBytes   int64
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// Expired reports whether the entry's TTL has lapsed.
func (e *CompletedEntry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// ArtifactDeleter removes the physical artifact behind an evicted entry.
type ArtifactDeleter func(ctx context.Context, entry *CompletedEntry)

// Cache deduplicates pack requests by cache key and serves prior results
// until they expire. Both indexes are mutated inside one critical
// section so neither can reflect an entry the other has dropped.
type Cache struct {
	mu         sync.Mutex
	ttl        time.Duration
	byKey      map[string]*CompletedEntry
	byDownload map[string]*CompletedEntry
	deleter    ArtifactDeleter
}

// NewCache creates a Cache. deleter may be nil when no physical cleanup
// is wanted (tests).
func NewCache(ttl time.Duration, deleter ArtifactDeleter) *Cache {
	return &Cache{
		ttl:        ttl,
		byKey:      make(map[string]*CompletedEntry),
		byDownload: make(map[string]*CompletedEntry),
		deleter:    deleter,
	}
}

// TTL returns the configured entry lifetime.
func (c *Cache) TTL() time.Duration { return c.ttl }

// Lookup returns the live entry for a cache key. An expired entry is
// evicted (with best-effort artifact deletion) and reported as a miss.
func (c *Cache) Lookup(cacheKey string) (*CompletedEntry, bool) {
	c.mu.Lock()
	entry, ok := c.byKey[cacheKey]
	if ok && entry.Expired(time.Now()) {
		c.removeLocked(entry)
		ok = false
	}
	c.mu.Unlock()

	metrics.RecordCacheLookup(ok)
	if !ok {
		return nil, false
	}
	return entry, true
}

// ByDownloadID returns the live entry for a download ID.
func (c *Cache) ByDownloadID(downloadID string) (*CompletedEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.byDownload[downloadID]
	if !ok {
		return nil, false
	}
	if entry.Expired(time.Now()) {
		c.removeLocked(entry)
		return nil, false
	}
	return entry, true
}

// Put installs a freshly completed pack, stamping CreatedAt/ExpiresAt.
// A superseded live entry for the same cache key has its artifact
// invalidated before the new entry becomes reachable.
func (c *Cache) Put(entry *CompletedEntry) *CompletedEntry {
	now := time.Now()
	entry.CreatedAt = now
	entry.ExpiresAt = now.Add(c.ttl)

	c.mu.Lock()
	if old, ok := c.byKey[entry.CacheKey]; ok && old.DownloadID != entry.DownloadID {
		c.removeLocked(old)
	}
	c.byKey[entry.CacheKey] = entry
	c.byDownload[entry.DownloadID] = entry
	size := len(c.byKey)
	c.mu.Unlock()

	metrics.SetCacheEntries(size)
	return entry
}

// Sweep evicts every expired entry regardless of request traffic,
// bounding storage growth during idle periods. Returns the eviction
// count.
func (c *Cache) Sweep() int {
	now := time.Now()

	c.mu.Lock()
	var expired []*CompletedEntry
	for _, entry := range c.byKey {
		if entry.Expired(now) {
			expired = append(expired, entry)
		}
	}
	for _, entry := range expired {
		c.removeLocked(entry)
	}
	size := len(c.byKey)
	c.mu.Unlock()

	metrics.SetCacheEntries(size)
	return len(expired)
}

// Len returns the number of live entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.byKey)
}

// StartJanitor runs Sweep on a fixed interval until ctx is canceled.
func (c *Cache) StartJanitor(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := c.Sweep(); n > 0 {
					logging.Info("completion cache sweep",
						zap.Int("evicted", n))
				}
			}
		}
	}()
}

// removeLocked drops the entry from both indexes and schedules artifact
// deletion. Caller holds c.mu.
func (c *Cache) removeLocked(entry *CompletedEntry) {
	delete(c.byKey, entry.CacheKey)
	delete(c.byDownload, entry.DownloadID)

	if c.deleter != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			c.deleter(ctx, entry)
		}()
	}
}
