// Package storage defines the Backend interface consumed by the pack
// generation pipeline and the download endpoint.
package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrPresignUnsupported is returned by backends that cannot mint
// short-lived access URLs. Callers serve the artifact themselves instead.
var ErrPresignUnsupported = errors.New("storage: presigned URLs not supported")

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Exists bool
	Size   int64
	// LocalPath is set by backends whose objects are plain files on disk.
	LocalPath string
}

// Backend is the interface for artifact storage backends.
// Implementations handle raw object I/O (S3, local filesystem). Level
// metadata is handled separately by levels.Store.
type Backend interface {
	// Stat reports whether an object exists and its size.
	Stat(ctx context.Context, key string) (ObjectInfo, error)

	// GetObject retrieves an object by key with optional range support.
	// If offset=0 and length=0, the entire object is returned.
	GetObject(ctx context.Context, key string, offset, length int64) (io.ReadCloser, int64, error)

	// PutObject uploads content to the given key.
	PutObject(ctx context.Context, key string, body io.Reader, size int64) error

	// StreamToFile copies an object to a local file without buffering it
	// in memory.
	StreamToFile(ctx context.Context, key, destPath string) error

	// DeleteObject removes an object by key. Deleting a missing object is
	// not an error.
	DeleteObject(ctx context.Context, key string) error

	// PresignURL returns a short-lived access URL for the object, or
	// ErrPresignUnsupported.
	PresignURL(ctx context.Context, key string, ttl time.Duration) (string, error)

	// List returns the keys under the given prefix.
	List(ctx context.Context, prefix string) ([]string, error)

	// Type returns the backend type identifier ("s3", "local").
	Type() string

	// Close releases any resources held by the backend.
	Close() error
}
