package packs

import (
	"errors"
	"testing"
)

func TestJobStatusForwardOnly(t *testing.T) {
	job := newJob("dl-1", "key-1", "pack.zip", 100, 2)

	job.advance(StatusZipping)
	if got := job.Snapshot().Status; got != StatusZipping {
		t.Fatalf("expected zipping, got %s", got)
	}

	// Backward transition is ignored.
	job.advance(StatusProcessing)
	if got := job.Snapshot().Status; got != StatusZipping {
		t.Errorf("status moved backward to %s", got)
	}
}

func TestJobTerminalStatesStick(t *testing.T) {
	job := newJob("dl-1", "key-1", "pack.zip", 100, 2)
	job.fail(errors.New("boom"))

	snap := job.Snapshot()
	if snap.Status != StatusFailed || snap.Error != "boom" {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}

	// Terminal means terminal: neither advance nor complete can move it.
	job.advance(StatusUploading)
	job.complete(&CompletedEntry{DownloadID: "dl-1"})
	if got := job.Snapshot().Status; got != StatusFailed {
		t.Errorf("terminal state changed to %s", got)
	}
	if job.Result() != nil {
		t.Error("failed job has a result")
	}

	select {
	case <-job.Done():
	default:
		t.Error("done channel not closed on terminal state")
	}
}

func TestJobLeafProgress(t *testing.T) {
	job := newJob("dl-1", "key-1", "pack.zip", 100, 3)
	job.leafDone("A")
	job.leafDone("B")

	snap := job.Snapshot()
	if snap.ProcessedLeaves != 2 {
		t.Errorf("expected 2 processed, got %d", snap.ProcessedLeaves)
	}
	if snap.CurrentLeafName != "B" {
		t.Errorf("expected current leaf B, got %s", snap.CurrentLeafName)
	}
}
