package packs

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zip"
	"go.uber.org/zap"

	"github.com/T21C/tuf-backend-sub004/internal/logging"
	"github.com/T21C/tuf-backend-sub004/internal/metrics"
	"github.com/T21C/tuf-backend-sub004/internal/storage"
)

// FailedLeafPrefix marks the placeholder folder left behind when a leaf
// cannot be resolved or extracted.
const FailedLeafPrefix = "[FAILED] "

// copyBufSize is the fixed buffer used for all content streaming, so
// memory use never scales with archive size.
const copyBufSize = 256 * 1024

// Packer materializes a request tree to disk and compresses it into one
// archive. Extraction and final compression are delegated to an external
// tool; a library implementation covers verified tool failures.
type Packer struct {
	resolver LeafResolver
	backend  storage.Backend
	reporter *Reporter
	client   *http.Client // external URL downloads, bounded timeout
	tempDir  string
	zipTool  string
}

// NewPacker creates a Packer.
func NewPacker(resolver LeafResolver, backend storage.Backend, reporter *Reporter,
	tempDir, zipTool string, urlTimeout time.Duration) *Packer {
	return &Packer{
		resolver: resolver,
		backend:  backend,
		reporter: reporter,
		client:   &http.Client{Timeout: urlTimeout},
		tempDir:  tempDir,
		zipTool:  zipTool,
	}
}

// Build materializes the job's tree under a per-job temp root and
// produces the final archive inside it. On success the caller owns the
// temp root and removes it after uploading the artifact; on error the
// root is already cleaned up.
func (p *Packer) Build(ctx context.Context, job *GenerationJob, tree Node) (artifactPath, tempRoot string, err error) {
	tempRoot = filepath.Join(p.tempDir, "pack-"+job.DownloadID)
	contentRoot := filepath.Join(tempRoot, "content")
	if err := os.MkdirAll(contentRoot, 0o755); err != nil {
		return "", "", fmt.Errorf("create temp root: %w", err)
	}
	defer func() {
		if err != nil {
			os.RemoveAll(tempRoot)
		}
	}()

	job.advance(StatusProcessing)
	p.reporter.Push(job)

	// The root node's own name is not part of the archive layout; its
	// children land at the archive top level.
	if err := p.materialize(ctx, job, tree, contentRoot, true); err != nil {
		return "", "", err
	}

	snap := job.Snapshot()
	if snap.TotalLeaves > 0 && snap.ProcessedLeaves == 0 {
		return "", "", fmt.Errorf("no levels could be packed (%d failed)", snap.TotalLeaves)
	}

	job.advance(StatusZipping)
	p.reporter.Push(job)

	zipName := job.ZipName
	if !strings.HasSuffix(zipName, ".zip") {
		zipName += ".zip"
	}
	artifactPath = filepath.Join(tempRoot, zipName)

	start := time.Now()
	if err := p.compress(ctx, contentRoot, artifactPath); err != nil {
		return "", "", err
	}
	logging.Info("pack compressed",
		zap.String("download_id", job.DownloadID),
		zap.Duration("duration", time.Since(start)))

	return artifactPath, tempRoot, nil
}

// materialize writes a node into dir. Sibling subtrees run concurrently:
// each writes to a disjoint subdirectory, so disk (not memory) is the
// only shared resource. Leaf failures are absorbed as sentinel folders;
// only temp-filesystem failures propagate.
func (p *Packer) materialize(ctx context.Context, job *GenerationJob, node Node, dir string, isRoot bool) error {
	folder, ok := node.(*Folder)
	if !ok {
		p.processLeaf(ctx, job, node.(*Leaf), dir)
		return nil
	}

	if !isRoot {
		dir = filepath.Join(dir, folder.Name)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create folder %s: %w", folder.Name, err)
		}
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	for _, child := range folder.Children {
		wg.Add(1)
		go func(n Node) {
			defer wg.Done()
			if err := p.materialize(ctx, job, n, dir, false); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		}(child)
	}
	wg.Wait()
	return firstErr
}

// processLeaf fetches, extracts, and cleans up one leaf. Any failure is
// contained: the leaf is replaced by a sentinel folder and the job
// continues.
func (p *Packer) processLeaf(ctx context.Context, job *GenerationJob, leaf *Leaf, dir string) {
	target := filepath.Join(dir, leaf.Name)

	if err := p.packLeaf(ctx, leaf, dir, target); err != nil {
		logging.Warn("leaf failed",
			zap.String("download_id", job.DownloadID),
			zap.String("leaf", leaf.Name),
			zap.Error(err))
		metrics.RecordLeaf(false)

		os.RemoveAll(target)
		sentinel := filepath.Join(dir, FailedLeafPrefix+leaf.Name)
		if mkErr := os.MkdirAll(sentinel, 0o755); mkErr != nil {
			logging.Error("sentinel folder creation failed",
				zap.String("leaf", leaf.Name), zap.Error(mkErr))
		}
		return
	}

	metrics.RecordLeaf(true)
	job.leafDone(leaf.Name)
	p.reporter.Push(job)
}

func (p *Packer) packLeaf(ctx context.Context, leaf *Leaf, dir, target string) error {
	src, err := p.resolver.Source(ctx, leaf)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".fetch-*.zip")
	if err != nil {
		return fmt.Errorf("create temp archive: %w", err)
	}
	tmpPath := tmp.Name()
	tmp.Close()
	// The fetched archive is removed as soon as the leaf is done (or
	// failed), not at job end: peak disk usage stays around one archive
	// per concurrently processing leaf.
	defer os.Remove(tmpPath)

	if err := p.fetch(ctx, src, tmpPath); err != nil {
		return err
	}

	if err := os.MkdirAll(target, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", target, err)
	}
	return p.extract(ctx, tmpPath, target)
}

// fetch streams the archive to path without buffering it in memory.
func (p *Packer) fetch(ctx context.Context, src *LeafSource, path string) error {
	if src.ObjectKey != "" {
		return p.backend.StreamToFile(ctx, src.ObjectKey, path)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URL, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("download %s: %w", src.URL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download %s: status %d", src.URL, resp.StatusCode)
	}

	dest, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	buf := make([]byte, copyBufSize)
	if _, err := io.CopyBuffer(dest, resp.Body, buf); err != nil {
		dest.Close()
		return fmt.Errorf("stream %s: %w", src.URL, err)
	}
	return dest.Close()
}

// extract unpacks the archive into target with the external tool. The
// tool's exit code alone is not trusted: warning-level exit codes can
// coexist with successful extraction, so a failure only escalates to the
// in-process extractor when zero entries actually landed on disk.
func (p *Packer) extract(ctx context.Context, archivePath, target string) error {
	out, err := exec.CommandContext(ctx, p.zipTool,
		"x", "-y", "-o"+target, archivePath).CombinedOutput()
	if err == nil {
		return nil
	}

	entries, readErr := os.ReadDir(target)
	if readErr == nil && len(entries) > 0 {
		logging.Warn("extraction tool warning ignored, entries present",
			zap.String("archive", filepath.Base(archivePath)),
			zap.String("output", truncate(string(out), 300)))
		return nil
	}

	logging.Warn("extraction tool failed, using in-process extractor",
		zap.String("archive", filepath.Base(archivePath)),
		zap.Error(err))
	metrics.RecordExtractFallback()
	return unzipTo(archivePath, target)
}

// compress builds the final store-only archive: level content is
// already compressed, so recompressing wastes CPU for nothing.
func (p *Packer) compress(ctx context.Context, contentRoot, artifactPath string) error {
	cmd := exec.CommandContext(ctx, p.zipTool, "a", "-tzip", "-mx=0", artifactPath, ".")
	cmd.Dir = contentRoot
	out, err := cmd.CombinedOutput()
	if err == nil {
		return nil
	}

	logging.Warn("compression tool failed, using in-process zipper",
		zap.String("output", truncate(string(out), 300)),
		zap.Error(err))
	os.Remove(artifactPath)
	if zipErr := zipDirStore(contentRoot, artifactPath); zipErr != nil {
		return fmt.Errorf("compress pack: %w", zipErr)
	}
	return nil
}

// unzipTo is the in-process fallback extractor.
func unzipTo(archivePath, target string) error {
	reader, err := zip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer reader.Close()

	buf := make([]byte, copyBufSize)
	for _, file := range reader.File {
		if err := extractEntry(file, target, buf); err != nil {
			return err
		}
	}
	return nil
}

func extractEntry(file *zip.File, target string, buf []byte) error {
	name := filepath.FromSlash(file.Name)
	dest := filepath.Join(target, name)
	// Reject entries that escape the target directory.
	if !strings.HasPrefix(dest, filepath.Clean(target)+string(os.PathSeparator)) {
		return fmt.Errorf("archive entry %q escapes target", file.Name)
	}

	if file.FileInfo().IsDir() {
		return os.MkdirAll(dest, 0o755)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	src, err := file.Open()
	if err != nil {
		return fmt.Errorf("open entry %s: %w", file.Name, err)
	}
	defer src.Close()

	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.CopyBuffer(out, src, buf); err != nil {
		out.Close()
		return fmt.Errorf("extract %s: %w", file.Name, err)
	}
	return out.Close()
}

// zipDirStore is the in-process fallback zipper. Entries are stored
// uncompressed, matching the external tool's -mx=0.
func zipDirStore(root, artifactPath string) error {
	out, err := os.Create(artifactPath)
	if err != nil {
		return err
	}
	defer out.Close()

	zw := zip.NewWriter(out)
	buf := make([]byte, copyBufSize)

	err = filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		name := filepath.ToSlash(rel)

		if info.IsDir() {
			// Keep empty folders (sentinel markers) in the archive.
			_, err := zw.CreateHeader(&zip.FileHeader{Name: name + "/"})
			return err
		}

		w, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Store})
		if err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.CopyBuffer(w, f, buf)
		return err
	})
	if err != nil {
		zw.Close()
		return err
	}
	return zw.Close()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
