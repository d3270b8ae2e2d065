package packs

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/T21C/tuf-backend-sub004/internal/logging"
	"github.com/T21C/tuf-backend-sub004/internal/metrics"
)

// ProgressUpdate is the payload pushed to the configured webhook.
type ProgressUpdate struct {
	DownloadID      string  `json:"downloadId"`
	CacheKey        string  `json:"cacheKey"`
	Status          Status  `json:"status"`
	TotalLeaves     int     `json:"totalLeaves"`
	ProcessedLeaves int     `json:"processedLeaves"`
	CurrentLeafName string  `json:"currentLeafName,omitempty"`
	ProgressPercent float64 `json:"progressPercent"`
	Error           string  `json:"error,omitempty"`
}

// Reporter pushes job status to an external listener. Delivery is
// best-effort: failures are logged and dropped, never retried, and never
// block or fail the generation job.
type Reporter struct {
	url    string
	client *http.Client
}

// NewReporter creates a Reporter. An empty URL disables pushes.
func NewReporter(url string, timeout time.Duration) *Reporter {
	return &Reporter{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

// Push sends the job's current state to the webhook, fire-and-forget.
func (r *Reporter) Push(job *GenerationJob) {
	if r == nil || r.url == "" {
		return
	}
	snap := job.Snapshot()

	var percent float64
	if snap.TotalLeaves > 0 {
		percent = float64(snap.ProcessedLeaves) / float64(snap.TotalLeaves) * 100
	}

	update := ProgressUpdate{
		DownloadID:      snap.DownloadID,
		CacheKey:        snap.CacheKey,
		Status:          snap.Status,
		TotalLeaves:     snap.TotalLeaves,
		ProcessedLeaves: snap.ProcessedLeaves,
		CurrentLeafName: snap.CurrentLeafName,
		ProgressPercent: percent,
		Error:           snap.Error,
	}

	go r.deliver(update)
}

func (r *Reporter) deliver(update ProgressUpdate) {
	body, err := json.Marshal(update)
	if err != nil {
		metrics.RecordProgressPush(false)
		return
	}

	req, err := http.NewRequestWithContext(context.Background(),
		http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		metrics.RecordProgressPush(false)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		metrics.RecordProgressPush(false)
		logging.Warn("progress push failed",
			zap.String("download_id", update.DownloadID), zap.Error(err))
		return
	}
	resp.Body.Close()

	if resp.StatusCode >= 300 {
		metrics.RecordProgressPush(false)
		logging.Warn("progress push rejected",
			zap.String("download_id", update.DownloadID),
			zap.Int("status", resp.StatusCode))
		return
	}
	metrics.RecordProgressPush(true)
}
