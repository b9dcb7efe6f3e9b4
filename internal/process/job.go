// Package process holds the per-video job model shared by every stage of the
// pipeline: status records, completed results and the detection aggregation
// applied to raw per-frame decodes.
package process

import (
	"time"

	"github.com/tendant/video-qr-scanner/pkg/schema"
)

// VideoJob is the status record tracked for one uploaded video.
type VideoJob struct {
	ID          string
	Status      schema.Status
	Message     string
	FailureType schema.FailureType
	UpdatedAt   time.Time
	// SourcePath is recorded at ingest so operators can re-publish a stuck job.
	// Later status writes leave it untouched.
	SourcePath string
}

// NewVideoJob returns the initial Queued record written at ingest.
func NewVideoJob(id, sourcePath string, now time.Time) VideoJob {
	return VideoJob{
		ID:         id,
		Status:     schema.StatusQueued,
		Message:    "Video queued for processing",
		UpdatedAt:  now.UTC(),
		SourcePath: sourcePath,
	}
}

// JobFromStatus converts a StatusChanged message into the record the projector stores.
func JobFromStatus(msg schema.StatusChanged) VideoJob {
	return VideoJob{
		ID:          msg.VideoID,
		Status:      msg.Status,
		Message:     msg.Message,
		FailureType: msg.FailureType,
		UpdatedAt:   msg.UpdatedAt.UTC(),
	}
}

// Rank orders statuses along Queued -> Processing -> {Completed|Failed}.
// Unknown statuses rank below Queued so they can never replace a real record.
func Rank(s schema.Status) int {
	switch s {
	case schema.StatusQueued:
		return 1
	case schema.StatusProcessing:
		return 2
	case schema.StatusCompleted, schema.StatusFailed:
		return 3
	default:
		return 0
	}
}

// IsTerminal reports whether s is Completed or Failed. A terminal record
// only accepts later writes of the same status.
func IsTerminal(s schema.Status) bool { return Rank(s) == 3 }

// Supersedes reports whether next should replace current in the job store.
// A lower-ranked write is stale and an equal rank falls back to last-write-wins
// on UpdatedAt. Once current is terminal only a newer write of the same status
// applies, so Completed and Failed never replace each other. A write with the
// same rank and timestamp is a duplicate and does not apply.
func Supersedes(next, current VideoJob) bool {
	if IsTerminal(current.Status) {
		return next.Status == current.Status && next.UpdatedAt.After(current.UpdatedAt)
	}
	nr, cr := Rank(next.Status), Rank(current.Status)
	if nr != cr {
		return nr > cr
	}
	return next.UpdatedAt.After(current.UpdatedAt)
}

// Merge applies next over current following Supersedes and keeps the stored
// SourcePath when next does not carry one. The bool reports whether the write
// applied.
func Merge(current, next VideoJob) (VideoJob, bool) {
	if !Supersedes(next, current) {
		return current, false
	}
	if next.SourcePath == "" {
		next.SourcePath = current.SourcePath
	}
	return next, true
}
