// Package store persists video status records and completed results.
//
// Every backend resolves concurrent writers with a single atomic conditional
// upsert keyed by video id, never a read-modify-write across calls, so the
// ingest path, projector replicas and operator tools can write the same key
// without coordinating.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tendant/video-qr-scanner/internal/process"
	"github.com/tendant/video-qr-scanner/pkg/schema"
)

var ErrNotFound = errors.New("not found")

// Store is the job store capability shared by the in-process and networked backends.
type Store interface {
	// UpsertJob inserts or replaces the status record for job.ID following
	// process.Supersedes. Stale and duplicate writes are accepted and ignored;
	// applied is false for them.
	UpsertJob(ctx context.Context, job process.VideoJob) (applied bool, err error)
	GetJob(ctx context.Context, id string) (process.VideoJob, error)
	// UpsertResult replaces the stored result when it completed later than the
	// one held. Redelivering the same result does not apply.
	UpsertResult(ctx context.Context, res process.CompletedResult) (applied bool, err error)
	GetResult(ctx context.Context, id string) (process.CompletedResult, error)
	ListJobs(ctx context.Context, filter ListFilter) ([]process.VideoJob, error)
	Close() error
}

// ListFilter narrows ListJobs. Zero values mean "any".
type ListFilter struct {
	Status        schema.Status
	UpdatedBefore time.Time
	Limit         int
}

const defaultListLimit = 100

func (f ListFilter) limit() int {
	if f.Limit <= 0 {
		return defaultListLimit
	}
	return f.Limit
}

func validateJob(job process.VideoJob) error {
	if job.ID == "" {
		return errors.New("job id is required")
	}
	if process.Rank(job.Status) == 0 {
		return fmt.Errorf("unknown status %q", job.Status)
	}
	return nil
}

func validateResult(res process.CompletedResult) error {
	if res.VideoID == "" {
		return errors.New("result video id is required")
	}
	return nil
}
