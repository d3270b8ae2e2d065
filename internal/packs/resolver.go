package packs

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/T21C/tuf-backend-sub004/internal/levels"
	"github.com/T21C/tuf-backend-sub004/internal/logging"
	"github.com/T21C/tuf-backend-sub004/internal/storage"
)

// LeafSource is the fetchable location of one leaf's backing archive.
// Exactly one of ObjectKey and URL is set.
type LeafSource struct {
	ObjectKey string
	URL       string
	FileName  string
}

// LeafResolver turns leaves into fetchable sources and answers
// metadata-only size queries.
type LeafResolver interface {
	Source(ctx context.Context, leaf *Leaf) (*LeafSource, error)
	// Size returns the leaf's archive size without fetching content.
	// ok=false means the size could not be determined.
	Size(ctx context.Context, leaf *Leaf) (size int64, ok bool)
}

// Resolver resolves leaves against the level metadata store and the
// storage backend.
type Resolver struct {
	levels  *levels.Store
	backend storage.Backend
	client  *http.Client
}

// NewResolver creates a Resolver. headTimeout bounds metadata lookups
// against external URLs.
func NewResolver(store *levels.Store, backend storage.Backend, headTimeout time.Duration) *Resolver {
	return &Resolver{
		levels:  store,
		backend: backend,
		client:  &http.Client{Timeout: headTimeout},
	}
}

func isURL(ref string) bool {
	return strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://")
}

// Source resolves a leaf to its backing archive location.
func (r *Resolver) Source(ctx context.Context, leaf *Leaf) (*LeafSource, error) {
	if leaf.Ref != "" {
		if isURL(leaf.Ref) {
			return &LeafSource{URL: leaf.Ref, FileName: leaf.Name}, nil
		}
		info, err := r.backend.Stat(ctx, leaf.Ref)
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", leaf.Ref, err)
		}
		if !info.Exists {
			return nil, fmt.Errorf("archive %s not found in storage", leaf.Ref)
		}
		return &LeafSource{ObjectKey: leaf.Ref, FileName: leaf.Name}, nil
	}

	ref, err := r.levels.Resolve(ctx, leaf.LevelID)
	if err != nil {
		return nil, fmt.Errorf("resolve level %d: %w", leaf.LevelID, err)
	}
	src := &LeafSource{FileName: ref.FileName}
	if ref.ObjectKey != "" {
		src.ObjectKey = ref.ObjectKey
	} else {
		src.URL = ref.ExternalURL
	}
	return src, nil
}

// Size answers a metadata-only size lookup: stored size from the level
// record, a storage HEAD for explicit keys, or an HTTP HEAD for URLs.
func (r *Resolver) Size(ctx context.Context, leaf *Leaf) (int64, bool) {
	if leaf.Ref != "" {
		if isURL(leaf.Ref) {
			return r.headSize(ctx, leaf.Ref)
		}
		info, err := r.backend.Stat(ctx, leaf.Ref)
		if err != nil || !info.Exists || info.Size <= 0 {
			return 0, false
		}
		return info.Size, true
	}

	size, ok, err := r.levels.SizeOf(ctx, leaf.LevelID)
	if err != nil {
		logging.Warn("level size lookup failed",
			zap.Int("level_id", leaf.LevelID), zap.Error(err))
		return 0, false
	}
	return size, ok
}

func (r *Resolver) headSize(ctx context.Context, url string) (int64, bool) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return 0, false
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return 0, false
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || resp.ContentLength <= 0 {
		return 0, false
	}
	return resp.ContentLength, true
}
