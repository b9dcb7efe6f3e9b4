package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/video-qr-scanner/internal/process"
	"github.com/tendant/video-qr-scanner/internal/store"
	"github.com/tendant/video-qr-scanner/pkg/schema"
)

type recordingPublisher struct {
	msgs []schema.UploadAccepted
	fail map[string]bool
}

func (p *recordingPublisher) Publish(ctx context.Context, subject string, v any) error {
	msg := v.(schema.UploadAccepted)
	if p.fail[msg.VideoID] {
		return errors.New("nats: timeout")
	}
	p.msgs = append(p.msgs, msg)
	return nil
}

var now = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func seed(t *testing.T) *store.Memory {
	t.Helper()
	st := store.NewMemory()
	putJob(t, st, process.NewVideoJob("stuck", "/uploads/stuck.mp4", now.Add(-time.Hour)))
	putJob(t, st, process.NewVideoJob("fresh", "/uploads/fresh.mp4", now.Add(-time.Minute)))
	putJob(t, st, process.NewVideoJob("nosource", "", now.Add(-2*time.Hour)))

	putJob(t, st, process.NewVideoJob("done", "/uploads/done.mp4", now.Add(-3*time.Hour)))
	putJob(t, st, process.VideoJob{
		ID: "done", Status: schema.StatusCompleted, Message: "ok", UpdatedAt: now.Add(-2 * time.Hour),
	})
	return st
}

func putJob(t *testing.T, s *store.Memory, job process.VideoJob) {
	t.Helper()
	_, err := s.UpsertJob(context.Background(), job)
	require.NoError(t, err)
}

func newRepublisher(st store.Store, pub publisher) *republisher {
	return &republisher{
		store:   st,
		pub:     pub,
		subject: schema.SubjectUploadAccepted,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:     func() time.Time { return now },
	}
}

func TestRepublishStuckJobs(t *testing.T) {
	pub := &recordingPublisher{}
	r := newRepublisher(seed(t), pub)

	s, err := r.Run(context.Background(), options{OlderThan: 15 * time.Minute, Limit: 10})
	require.NoError(t, err)

	assert.Equal(t, stats{Found: 2, Published: 1, SkippedNoSource: 1}, s)
	require.Len(t, pub.msgs, 1)
	assert.Equal(t, "stuck", pub.msgs[0].VideoID)
	assert.Equal(t, "/uploads/stuck.mp4", pub.msgs[0].FilePath)
	assert.True(t, pub.msgs[0].UploadedAt.Equal(now.Add(-time.Hour)))
}

func TestRepublishDryRunPublishesNothing(t *testing.T) {
	r := newRepublisher(seed(t), nil)

	s, err := r.Run(context.Background(), options{OlderThan: 15 * time.Minute, Limit: 10, DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, 2, s.Found)
	assert.Zero(t, s.Published)
}

func TestRepublishCountsFailures(t *testing.T) {
	pub := &recordingPublisher{fail: map[string]bool{"stuck": true}}
	r := newRepublisher(seed(t), pub)

	s, err := r.Run(context.Background(), options{OlderThan: 15 * time.Minute, Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 1, s.Failed)
	assert.Empty(t, pub.msgs)
}
