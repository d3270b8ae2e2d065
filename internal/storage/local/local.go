// Package local provides a local filesystem storage backend.
package local

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/T21C/tuf-backend-sub004/internal/storage"
)

// Config holds local filesystem backend settings.
type Config struct {
	RootPath string
}

// Backend implements storage.Backend using the local filesystem.
type Backend struct {
	rootPath string
}

// New creates a new local filesystem backend, creating the root if needed.
func New(cfg Config) (*Backend, error) {
	if cfg.RootPath == "" {
		return nil, fmt.Errorf("root path is required")
	}

	info, err := os.Stat(cfg.RootPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("stat root path %s: %w", cfg.RootPath, err)
		}
		if mkErr := os.MkdirAll(cfg.RootPath, 0o755); mkErr != nil {
			return nil, fmt.Errorf("create root path %s: %w", cfg.RootPath, mkErr)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("root path %s is not a directory", cfg.RootPath)
	}

	return &Backend{rootPath: cfg.RootPath}, nil
}

func (b *Backend) fullPath(key string) string {
	return filepath.Join(b.rootPath, filepath.FromSlash(key))
}

// Stat reports object existence and size.
func (b *Backend) Stat(_ context.Context, key string) (storage.ObjectInfo, error) {
	path := b.fullPath(key)
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return storage.ObjectInfo{}, nil
		}
		return storage.ObjectInfo{}, fmt.Errorf("stat %s: %w", key, err)
	}
	return storage.ObjectInfo{Exists: true, Size: info.Size(), LocalPath: path}, nil
}

// GetObject reads a file from the local filesystem with range support.
func (b *Backend) GetObject(_ context.Context, key string, offset, length int64) (io.ReadCloser, int64, error) {
	f, err := os.Open(b.fullPath(key))
	if err != nil {
		return nil, 0, fmt.Errorf("open %s: %w", key, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("stat %s: %w", key, err)
	}
	totalSize := info.Size()

	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			f.Close()
			return nil, 0, fmt.Errorf("seek %s: %w", key, err)
		}
	}

	if length > 0 {
		return &limitedReadCloser{
			Reader: io.LimitReader(f, length),
			Closer: f,
		}, length, nil
	}

	remaining := totalSize - offset
	if remaining < 0 {
		remaining = 0
	}
	return f, remaining, nil
}

// PutObject writes content to a file, creating parent directories.
func (b *Backend) PutObject(_ context.Context, key string, body io.Reader, _ int64) error {
	path := b.fullPath(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create dirs for %s: %w", key, err)
	}

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create %s: %w", key, err)
	}

	if _, err := io.Copy(f, body); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write %s: %w", key, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close %s: %w", key, err)
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", key, err)
	}
	return nil
}

// StreamToFile copies a stored file to destPath.
func (b *Backend) StreamToFile(ctx context.Context, key, destPath string) error {
	reader, _, err := b.GetObject(ctx, key, 0, 0)
	if err != nil {
		return err
	}
	defer reader.Close()

	dest, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("create %s: %w", destPath, err)
	}
	if _, err := io.Copy(dest, reader); err != nil {
		dest.Close()
		os.Remove(destPath)
		return fmt.Errorf("copy %s: %w", key, err)
	}
	return dest.Close()
}

// DeleteObject removes a file. Missing files are not an error.
func (b *Backend) DeleteObject(_ context.Context, key string) error {
	err := os.Remove(b.fullPath(key))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// PresignURL is unsupported for local storage.
func (b *Backend) PresignURL(context.Context, string, time.Duration) (string, error) {
	return "", storage.ErrPresignUnsupported
}

// List returns keys under the given prefix.
func (b *Backend) List(_ context.Context, prefix string) ([]string, error) {
	root := b.fullPath(prefix)
	var keys []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return filepath.SkipAll
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(b.rootPath, path)
		if relErr != nil {
			return relErr
		}
		keys = append(keys, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}
	return keys, nil
}

// Type returns "local".
func (b *Backend) Type() string { return "local" }

// Close is a no-op for local backends.
func (b *Backend) Close() error { return nil }

type limitedReadCloser struct {
	io.Reader
	io.Closer
}
