// Package projector applies StatusChanged and AnalysisCompleted messages to
// the job store and forwards them to push-channel subscribers.
package projector

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tendant/video-qr-scanner/internal/bus"
	"github.com/tendant/video-qr-scanner/internal/metrics"
	"github.com/tendant/video-qr-scanner/internal/process"
	"github.com/tendant/video-qr-scanner/internal/store"
	"github.com/tendant/video-qr-scanner/pkg/schema"
)

// Notifier receives events after they are stored.
type Notifier interface {
	Notify(ctx context.Context, videoID string, ev schema.PushEvent)
}

type Projector struct {
	store   store.Store
	notify  Notifier
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func New(s store.Store, n Notifier, m *metrics.Metrics, logger *slog.Logger) *Projector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Projector{store: s, notify: n, metrics: m, logger: logger}
}

// HandleStatusChanged upserts the status record. A store error is returned
// so the bus redelivers. Stale and duplicate writes are acknowledged without
// a push event.
func (p *Projector) HandleStatusChanged(ctx context.Context, data []byte) error {
	var msg schema.StatusChanged
	if err := bus.Decode(data, &msg); err != nil {
		return err
	}
	applied, err := p.store.UpsertJob(ctx, process.JobFromStatus(msg))
	if err != nil {
		return fmt.Errorf("upsert status %s: %w", msg.VideoID, err)
	}
	if !applied {
		p.logger.Debug("status ignored", "video_id", msg.VideoID, "status", msg.Status)
		return nil
	}
	p.metrics.Projected("status")
	p.logger.Debug("status projected", "video_id", msg.VideoID, "status", msg.Status)

	ev := schema.PushEvent{
		Type:      schema.EventStatusUpdate,
		VideoID:   msg.VideoID,
		Status:    msg.Status,
		Message:   msg.Message,
		Timestamp: msg.UpdatedAt.UTC(),
	}
	if msg.Status == schema.StatusFailed {
		ev.Type = schema.EventProcessingError
		ev.Error = msg.Message
	}
	p.notify.Notify(ctx, msg.VideoID, ev)
	return nil
}

// HandleAnalysisCompleted stores the result, then the Completed status
// derived from it. Both writes are keyed by CompletedAt so redelivery leaves
// the store unchanged and pushes nothing.
func (p *Projector) HandleAnalysisCompleted(ctx context.Context, data []byte) error {
	var msg schema.AnalysisCompleted
	if err := bus.Decode(data, &msg); err != nil {
		return err
	}
	res := process.ResultFromCompleted(msg)
	resApplied, err := p.store.UpsertResult(ctx, res)
	if err != nil {
		return fmt.Errorf("upsert result %s: %w", msg.VideoID, err)
	}
	job := process.CompletedJob(res)
	jobApplied, err := p.store.UpsertJob(ctx, job)
	if err != nil {
		return fmt.Errorf("upsert completed status %s: %w", msg.VideoID, err)
	}
	if !resApplied && !jobApplied {
		p.logger.Debug("result ignored", "video_id", msg.VideoID, "completed_at", res.CompletedAt)
		return nil
	}
	p.metrics.Projected("result")
	unique := process.UniqueCount(res.Detections)
	p.logger.Info("result projected", "video_id", msg.VideoID, "detections", len(res.Detections), "unique", unique)

	p.notify.Notify(ctx, msg.VideoID, schema.PushEvent{
		Type:    schema.EventProcessingComplete,
		VideoID: msg.VideoID,
		Status:  schema.StatusCompleted,
		Message: job.Message,
		Results: &schema.PushResult{
			CompletedAt: res.CompletedAt,
			UniqueCount: unique,
			Detections:  res.Detections,
		},
		Timestamp: res.CompletedAt,
	})
	return nil
}

// Run subscribes both handlers under group and blocks until ctx ends.
func (p *Projector) Run(ctx context.Context, b bus.Bus, statusSubject, completedSubject, group string) error {
	if err := b.Subscribe(ctx, statusSubject, group, p.HandleStatusChanged); err != nil {
		return fmt.Errorf("subscribe %s: %w", statusSubject, err)
	}
	if err := b.Subscribe(ctx, completedSubject, group, p.HandleAnalysisCompleted); err != nil {
		return fmt.Errorf("subscribe %s: %w", completedSubject, err)
	}
	p.logger.Info("projector listening", "status_subject", statusSubject, "completed_subject", completedSubject, "queue", group)
	<-ctx.Done()
	return nil
}

// Discard is a Notifier that drops every event.
type Discard struct{}

func (Discard) Notify(context.Context, string, schema.PushEvent) {}
