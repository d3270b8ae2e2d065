package packs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/T21C/tuf-backend-sub004/internal/logging"
	"github.com/T21C/tuf-backend-sub004/internal/metrics"
	"github.com/T21C/tuf-backend-sub004/internal/storage"
)

// SizeLimitError rejects a request whose estimated output exceeds the
// absolute pack ceiling (distinct from the concurrency budget).
type SizeLimitError struct {
	EstimatedSizeBytes int64
	MaxSizeBytes       int64
}

func (e *SizeLimitError) Error() string {
	return fmt.Sprintf("estimated pack size %d exceeds limit %d",
		e.EstimatedSizeBytes, e.MaxSizeBytes)
}

// Result is the response for a completed or cache-served pack request.
type Result struct {
	DownloadID string    `json:"downloadId"`
	URL        string    `json:"url"`
	ExpiresAt  time.Time `json:"expiresAt"`
	ZipName    string    `json:"zipName"`
	CacheKey   string    `json:"cacheKey"`
}

// ServiceOptions configures the pack service.
type ServiceOptions struct {
	MaxPackSizeBytes int64
	DownloadURLTTL   time.Duration
	// JobRetention bounds how long terminal jobs stay pollable.
	JobRetention time.Duration
}

// Service wires the estimator, governor, packer, and completion cache
// into the submit flow. All job state is in-memory: a restart loses
// in-flight jobs by design.
type Service struct {
	opts      ServiceOptions
	estimator *Estimator
	governor  *Governor
	packer    *Packer
	cache     *Cache
	reporter  *Reporter
	backend   storage.Backend

	mu       sync.Mutex
	inflight map[string]*GenerationJob // cacheKey -> running job
	jobs     map[string]*GenerationJob // downloadID -> job
}

// NewService creates a Service.
func NewService(opts ServiceOptions, estimator *Estimator, governor *Governor,
	packer *Packer, cache *Cache, reporter *Reporter, backend storage.Backend) *Service {
	if opts.JobRetention == 0 {
		opts.JobRetention = time.Hour
	}
	return &Service{
		opts:      opts,
		estimator: estimator,
		governor:  governor,
		packer:    packer,
		cache:     cache,
		reporter:  reporter,
		backend:   backend,
		inflight:  make(map[string]*GenerationJob),
		jobs:      make(map[string]*GenerationJob),
	}
}

// Submit runs the full pack flow and blocks until the pack is ready or
// failed. Identical in-flight requests coalesce onto one job. The job
// itself runs on a background context: an admitted job always reaches a
// terminal state even if the submitting caller goes away, and its result
// still lands in the cache.
func (s *Service) Submit(ctx context.Context, req *PackRequest) (*Result, error) {
	if req.CacheKey == "" {
		req.CacheKey = DeriveCacheKey(req.ZipName, req.Tree)
	}
	if req.DownloadID == "" {
		req.DownloadID = uuid.New().String()
	}

	est := s.estimator.Estimate(ctx, req.Tree)
	if est.TotalSizeBytes > s.opts.MaxPackSizeBytes {
		return nil, &SizeLimitError{
			EstimatedSizeBytes: est.TotalSizeBytes,
			MaxSizeBytes:       s.opts.MaxPackSizeBytes,
		}
	}

	if entry, ok := s.cache.Lookup(req.CacheKey); ok {
		return s.resultFor(ctx, entry)
	}

	job, coalesced := s.register(req, est)
	if !coalesced {
		go s.run(job, req, est)
	}

	select {
	case <-job.Done():
	case <-ctx.Done():
		// The job keeps running; only this caller gives up.
		return nil, ctx.Err()
	}

	if entry := job.Result(); entry != nil {
		return s.resultFor(ctx, entry)
	}
	return nil, fmt.Errorf("pack generation failed: %s", job.Snapshot().Error)
}

// Job returns the job for a download ID, if still tracked.
func (s *Service) Job(downloadID string) (*GenerationJob, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[downloadID]
	return job, ok
}

// Entry returns the live completion entry for a download ID.
func (s *Service) Entry(downloadID string) (*CompletedEntry, bool) {
	return s.cache.ByDownloadID(downloadID)
}

// PresignEntry re-issues a fresh short-lived access URL for a cached
// artifact in remote storage.
func (s *Service) PresignEntry(ctx context.Context, entry *CompletedEntry) (string, error) {
	return s.backend.PresignURL(ctx, entry.Location, s.opts.DownloadURLTTL)
}

// StartJanitor starts the cache sweep and terminal-job pruning loops.
func (s *Service) StartJanitor(ctx context.Context, interval time.Duration) {
	s.cache.StartJanitor(ctx, interval)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.pruneJobs()
			}
		}
	}()
}

// register either joins an in-flight job for the same cache key or
// creates a new one.
func (s *Service) register(req *PackRequest, est Estimate) (*GenerationJob, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if running, ok := s.inflight[req.CacheKey]; ok {
		return running, true
	}

	job := newJob(req.DownloadID, req.CacheKey, req.ZipName, est.TotalSizeBytes, est.LeafCount)
	s.inflight[req.CacheKey] = job
	s.jobs[job.DownloadID] = job
	return job, false
}

// run executes one admitted job to a terminal state. No cancellation:
// the context is the process lifetime, not the caller's request.
func (s *Service) run(job *GenerationJob, req *PackRequest, est Estimate) {
	ctx := context.Background()
	start := time.Now()

	defer func() {
		s.mu.Lock()
		delete(s.inflight, job.CacheKey)
		s.mu.Unlock()
		metrics.RecordPackJob(string(job.Snapshot().Status), time.Since(start))
	}()

	s.reporter.Push(job)

	ticket, err := s.governor.Acquire(ctx, job.CacheKey, est.TotalSizeBytes)
	if err != nil {
		job.fail(err)
		s.reporter.Push(job)
		return
	}
	// Budget is released on every outcome.
	defer s.governor.Release(ticket)

	artifactPath, tempRoot, err := s.packer.Build(ctx, job, req.Tree)
	if err != nil {
		logging.Error("pack build failed",
			zap.String("download_id", job.DownloadID), zap.Error(err))
		job.fail(err)
		s.reporter.Push(job)
		return
	}
	defer func() {
		if rmErr := os.RemoveAll(tempRoot); rmErr != nil {
			logging.Warn("temp root cleanup failed",
				zap.String("path", tempRoot), zap.Error(rmErr))
		}
	}()

	job.advance(StatusUploading)
	s.reporter.Push(job)

	location := "packs/" + job.CacheKey + ".zip"
	size, err := s.upload(ctx, artifactPath, location)
	if err != nil {
		logging.Error("pack upload failed",
			zap.String("download_id", job.DownloadID), zap.Error(err))
		job.fail(err)
		s.reporter.Push(job)
		return
	}

	entry := s.cache.Put(&CompletedEntry{
		DownloadID:  job.DownloadID,
		CacheKey:    job.CacheKey,
		ZipName:     filepath.Base(artifactPath),
		Location:    location,
		StorageType: s.backend.Type(),
		SizeBytes:   size,
	})

	job.complete(entry)
	s.reporter.Push(job)
	logging.Info("pack completed",
		zap.String("download_id", job.DownloadID),
		zap.Int64("size", size),
		zap.Duration("duration", time.Since(start)))
}

func (s *Service) upload(ctx context.Context, artifactPath, location string) (int64, error) {
	f, err := os.Open(artifactPath)
	if err != nil {
		return 0, fmt.Errorf("open artifact: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat artifact: %w", err)
	}
	if err := s.backend.PutObject(ctx, location, f, info.Size()); err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (s *Service) resultFor(ctx context.Context, entry *CompletedEntry) (*Result, error) {
	res := &Result{
		DownloadID: entry.DownloadID,
		ExpiresAt:  entry.ExpiresAt,
		ZipName:    entry.ZipName,
		CacheKey:   entry.CacheKey,
	}

	url, err := s.backend.PresignURL(ctx, entry.Location, s.opts.DownloadURLTTL)
	switch {
	case err == nil:
		res.URL = url
	case errors.Is(err, storage.ErrPresignUnsupported):
		res.URL = "/api/downloads/" + entry.DownloadID
	default:
		// A presign hiccup should not fail a finished pack; the
		// download endpoint can still mint one later.
		logging.Warn("presign failed", zap.String("key", entry.Location), zap.Error(err))
		res.URL = "/api/downloads/" + entry.DownloadID
	}
	return res, nil
}

func (s *Service) pruneJobs() {
	cutoff := time.Now().Add(-s.opts.JobRetention)
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, job := range s.jobs {
		snap := job.Snapshot()
		if snap.Status.Terminal() && snap.LastUpdated.Before(cutoff) {
			delete(s.jobs, id)
		}
	}
}
