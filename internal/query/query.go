// Package query serves status and results reads from the job store.
package query

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tendant/video-qr-scanner/internal/process"
	"github.com/tendant/video-qr-scanner/internal/store"
	"github.com/tendant/video-qr-scanner/pkg/schema"
)

// ErrNotFound means neither a status record nor a result exists for the id.
var ErrNotFound = errors.New("video not found")

const notCompletedMessage = "Video processing not yet completed"

type StatusView struct {
	VideoID     string             `json:"video_id"`
	Status      schema.Status      `json:"status"`
	Message     string             `json:"message,omitempty"`
	FailureType schema.FailureType `json:"failure_type,omitempty"`
	UpdatedAt   time.Time          `json:"updated_at"`
}

type ResultsView struct {
	VideoID     string             `json:"video_id"`
	Status      schema.Status      `json:"status"`
	Message     string             `json:"message,omitempty"`
	CompletedAt *time.Time         `json:"completed_at,omitempty"`
	Detections  []schema.Detection `json:"detections"`
	UniqueCount int                `json:"unique_count"`
}

// Reader is the read half of store.Store.
type Reader interface {
	GetJob(ctx context.Context, id string) (process.VideoJob, error)
	GetResult(ctx context.Context, id string) (process.CompletedResult, error)
}

type Service struct {
	store Reader
}

func NewService(r Reader) *Service {
	return &Service{store: r}
}

func (s *Service) GetStatus(ctx context.Context, videoID string) (StatusView, error) {
	if strings.TrimSpace(videoID) == "" {
		return StatusView{}, ErrNotFound
	}
	job, err := s.store.GetJob(ctx, videoID)
	if errors.Is(err, store.ErrNotFound) {
		return StatusView{}, ErrNotFound
	}
	if err != nil {
		return StatusView{}, fmt.Errorf("get status %s: %w", videoID, err)
	}
	return StatusView{
		VideoID:     job.ID,
		Status:      job.Status,
		Message:     job.Message,
		FailureType: job.FailureType,
		UpdatedAt:   job.UpdatedAt,
	}, nil
}

// GetResults reports Completed whenever a result is stored, whatever the
// status record says. With unique set, detections are reduced to the
// earliest occurrence of each content.
func (s *Service) GetResults(ctx context.Context, videoID string, unique bool) (ResultsView, error) {
	if strings.TrimSpace(videoID) == "" {
		return ResultsView{}, ErrNotFound
	}

	res, err := s.store.GetResult(ctx, videoID)
	switch {
	case err == nil:
		dets := res.Detections
		if unique {
			dets = process.Deduplicate(dets)
		}
		if dets == nil {
			dets = []schema.Detection{}
		}
		completedAt := res.CompletedAt
		return ResultsView{
			VideoID:     res.VideoID,
			Status:      schema.StatusCompleted,
			Message:     process.SummaryMessage(res.Detections),
			CompletedAt: &completedAt,
			Detections:  dets,
			UniqueCount: process.UniqueCount(res.Detections),
		}, nil
	case !errors.Is(err, store.ErrNotFound):
		return ResultsView{}, fmt.Errorf("get result %s: %w", videoID, err)
	}

	job, err := s.store.GetJob(ctx, videoID)
	if errors.Is(err, store.ErrNotFound) {
		return ResultsView{}, ErrNotFound
	}
	if err != nil {
		return ResultsView{}, fmt.Errorf("get status %s: %w", videoID, err)
	}

	msg := notCompletedMessage
	if job.Status == schema.StatusFailed && job.Message != "" {
		msg = job.Message
	}
	return ResultsView{
		VideoID:    videoID,
		Status:     job.Status,
		Message:    msg,
		Detections: []schema.Detection{},
	}, nil
}
