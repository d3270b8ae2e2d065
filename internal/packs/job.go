package packs

import (
	"sync"
	"time"
)

// Status is the lifecycle phase of a generation job. Transitions are
// strictly forward; Completed and Failed are terminal.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusZipping    Status = "zipping"
	StatusUploading  Status = "uploading"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

var statusRank = map[Status]int{
	StatusPending:    0,
	StatusProcessing: 1,
	StatusZipping:    2,
	StatusUploading:  3,
	StatusCompleted:  4,
	StatusFailed:     4,
}

// Terminal reports whether the status is a terminal state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// GenerationJob tracks one in-flight pack build.
type GenerationJob struct {
	DownloadID         string
	CacheKey           string
	ZipName            string
	EstimatedSizeBytes int64
	TotalLeaves        int

	mu              sync.Mutex
	status          Status
	processedLeaves int
	currentLeaf     string
	startedAt       time.Time
	lastUpdated     time.Time
	errMsg          string
	result          *CompletedEntry

	// done is closed when the job reaches a terminal state. Coalesced
	// callers wait on it.
	done chan struct{}
}

func newJob(downloadID, cacheKey, zipName string, estimated int64, totalLeaves int) *GenerationJob {
	now := time.Now()
	return &GenerationJob{
		DownloadID:         downloadID,
		CacheKey:           cacheKey,
		ZipName:            zipName,
		EstimatedSizeBytes: estimated,
		TotalLeaves:        totalLeaves,
		status:             StatusPending,
		startedAt:          now,
		lastUpdated:        now,
		done:               make(chan struct{}),
	}
}

// Done returns a channel closed when the job reaches a terminal state.
func (j *GenerationJob) Done() <-chan struct{} { return j.done }

// advance moves the job to a later status. Backward transitions are
// ignored.
func (j *GenerationJob) advance(s Status) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if statusRank[s] <= statusRank[j.status] && s != j.status {
		return
	}
	if j.status.Terminal() {
		return
	}
	j.status = s
	j.lastUpdated = time.Now()
}

// leafDone records one successfully materialized leaf.
func (j *GenerationJob) leafDone(name string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.processedLeaves++
	j.currentLeaf = name
	j.lastUpdated = time.Now()
}

// complete marks the job completed with its cache entry and releases
// coalesced waiters.
func (j *GenerationJob) complete(entry *CompletedEntry) {
	j.mu.Lock()
	if !j.status.Terminal() {
		j.status = StatusCompleted
		j.result = entry
		j.lastUpdated = time.Now()
		close(j.done)
	}
	j.mu.Unlock()
}

// fail marks the job failed and releases coalesced waiters.
func (j *GenerationJob) fail(err error) {
	j.mu.Lock()
	if !j.status.Terminal() {
		j.status = StatusFailed
		j.errMsg = err.Error()
		j.lastUpdated = time.Now()
		close(j.done)
	}
	j.mu.Unlock()
}

// Result returns the completion entry for a terminal job, nil if it
// failed or is still running.
func (j *GenerationJob) Result() *CompletedEntry {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.result
}

// JobSnapshot is a point-in-time copy of job state, safe to serialize.
type JobSnapshot struct {
	DownloadID         string    `json:"downloadId"`
	CacheKey           string    `json:"cacheKey"`
	Status             Status    `json:"status"`
	EstimatedSizeBytes int64     `json:"estimatedSizeBytes"`
	TotalLeaves        int       `json:"totalLeaves"`
	ProcessedLeaves    int       `json:"processedLeaves"`
	CurrentLeafName    string    `json:"currentLeafName,omitempty"`
	StartedAt          time.Time `json:"startedAt"`
	LastUpdated        time.Time `json:"lastUpdated"`
	Error              string    `json:"error,omitempty"`
}

// Snapshot returns a consistent copy of the job state.
func (j *GenerationJob) Snapshot() JobSnapshot {
	j.mu.Lock()
	defer j.mu.Unlock()
	return JobSnapshot{
		DownloadID:         j.DownloadID,
		CacheKey:           j.CacheKey,
		Status:             j.status,
		EstimatedSizeBytes: j.EstimatedSizeBytes,
		TotalLeaves:        j.TotalLeaves,
		ProcessedLeaves:    j.processedLeaves,
		CurrentLeafName:    j.currentLeaf,
		StartedAt:          j.startedAt,
		LastUpdated:        j.lastUpdated,
		Error:              j.errMsg,
	}
}
