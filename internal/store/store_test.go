package store

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/video-qr-scanner/internal/process"
	"github.com/tendant/video-qr-scanner/pkg/schema"
)

func newSQLiteStore(t *testing.T) Store {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newMemoryStore(t *testing.T) Store {
	t.Helper()
	return NewMemory()
}

func TestMemoryStore(t *testing.T) {
	t.Parallel()
	runStoreSuite(t, newMemoryStore)
}

func TestSQLiteStore(t *testing.T) {
	t.Parallel()
	runStoreSuite(t, newSQLiteStore)
}

func putJob(t *testing.T, s Store, job process.VideoJob) bool {
	t.Helper()
	applied, err := s.UpsertJob(context.Background(), job)
	require.NoError(t, err)
	return applied
}

func putResult(t *testing.T, s Store, res process.CompletedResult) bool {
	t.Helper()
	applied, err := s.UpsertResult(context.Background(), res)
	require.NoError(t, err)
	return applied
}

// runStoreSuite exercises the behaviour every backend must share.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	t.Run("get unknown job", func(t *testing.T) {
		s := newStore(t)
		_, err := s.GetJob(context.Background(), "missing")
		assert.ErrorIs(t, err, ErrNotFound)

		_, err = s.GetResult(context.Background(), "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("insert then read queued job", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		job := process.NewVideoJob("v1", "/uploads/v1.mp4", base)
		putJob(t, s, job)

		got, err := s.GetJob(ctx, "v1")
		require.NoError(t, err)
		assert.Equal(t, schema.StatusQueued, got.Status)
		assert.Equal(t, "/uploads/v1.mp4", got.SourcePath)
		assert.True(t, got.UpdatedAt.Equal(base))
	})

	t.Run("status writes resolve out of order", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		putJob(t, s, process.NewVideoJob("v2", "/uploads/v2.mp4", base))

		completed := process.VideoJob{ID: "v2", Status: schema.StatusCompleted, Message: "done", UpdatedAt: base.Add(2 * time.Second)}
		processing := process.VideoJob{ID: "v2", Status: schema.StatusProcessing, UpdatedAt: base.Add(time.Second)}

		assert.True(t, putJob(t, s, completed))
		assert.False(t, putJob(t, s, processing))

		got, err := s.GetJob(ctx, "v2")
		require.NoError(t, err)
		assert.Equal(t, schema.StatusCompleted, got.Status)
		assert.Equal(t, "done", got.Message)
		assert.Equal(t, "/uploads/v2.mp4", got.SourcePath, "source path must survive status writes")
	})

	t.Run("duplicate status write is idempotent", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		failed := process.VideoJob{ID: "v3", Status: schema.StatusFailed, Message: "no frames extracted", FailureType: schema.FailureTypePermanent, UpdatedAt: base}

		assert.True(t, putJob(t, s, failed))
		first, err := s.GetJob(ctx, "v3")
		require.NoError(t, err)
		assert.False(t, putJob(t, s, failed), "redelivered write must not apply")
		second, err := s.GetJob(ctx, "v3")
		require.NoError(t, err)

		assert.Equal(t, first, second)
	})

	t.Run("terminal status is never replaced by the other terminal status", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		completed := process.VideoJob{ID: "v8", Status: schema.StatusCompleted, Message: "Found 1", UpdatedAt: base}
		failed := process.VideoJob{ID: "v8", Status: schema.StatusFailed, Message: "no frames extracted", FailureType: schema.FailureTypePermanent, UpdatedAt: base.Add(time.Second)}
		stale := process.VideoJob{ID: "v8", Status: schema.StatusCompleted, Message: "old", UpdatedAt: base.Add(-time.Second)}

		assert.True(t, putJob(t, s, completed))
		assert.False(t, putJob(t, s, failed))
		assert.False(t, putJob(t, s, stale))

		got, err := s.GetJob(ctx, "v8")
		require.NoError(t, err)
		assert.Equal(t, schema.StatusCompleted, got.Status)
		assert.Equal(t, "Found 1", got.Message)
		assert.Empty(t, got.FailureType)

		newer := completed
		newer.Message = "Found 2"
		newer.UpdatedAt = base.Add(2 * time.Second)
		assert.True(t, putJob(t, s, newer))

		// Completed never replaces Failed either.
		assert.True(t, putJob(t, s, process.VideoJob{ID: "v9", Status: schema.StatusFailed, Message: "unreadable", UpdatedAt: base}))
		assert.False(t, putJob(t, s, process.VideoJob{ID: "v9", Status: schema.StatusCompleted, UpdatedAt: base.Add(time.Minute)}))
		got, err = s.GetJob(ctx, "v9")
		require.NoError(t, err)
		assert.Equal(t, schema.StatusFailed, got.Status)
	})

	t.Run("rejects unknown status", func(t *testing.T) {
		s := newStore(t)
		_, err := s.UpsertJob(context.Background(), process.VideoJob{ID: "v", Status: "Paused", UpdatedAt: base})
		assert.Error(t, err)
	})

	t.Run("result upsert replaces and round trips", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		res := process.CompletedResult{
			VideoID:     "v4",
			CompletedAt: base,
			Detections: []schema.Detection{
				{Content: "A", FrameNumber: 10, TimestampSeconds: 10, FramePath: "/tmp/f/frame_000011.png"},
				{Content: "A", FrameNumber: 45, TimestampSeconds: 45, FramePath: "/tmp/f/frame_000046.png"},
			},
		}
		assert.True(t, putResult(t, s, res))
		assert.False(t, putResult(t, s, res))

		got, err := s.GetResult(ctx, "v4")
		require.NoError(t, err)
		assert.Equal(t, res.VideoID, got.VideoID)
		assert.True(t, got.CompletedAt.Equal(base))
		assert.Equal(t, res.Detections, got.Detections)
	})

	t.Run("older result does not replace newer", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		newer := process.CompletedResult{VideoID: "v5", CompletedAt: base.Add(time.Minute), Detections: []schema.Detection{{Content: "new"}}}
		older := process.CompletedResult{VideoID: "v5", CompletedAt: base, Detections: []schema.Detection{{Content: "old"}}}

		assert.True(t, putResult(t, s, newer))
		assert.False(t, putResult(t, s, older))

		got, err := s.GetResult(ctx, "v5")
		require.NoError(t, err)
		require.Len(t, got.Detections, 1)
		assert.Equal(t, "new", got.Detections[0].Content)
	})

	t.Run("empty result round trips as empty list", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		putResult(t, s, process.CompletedResult{VideoID: "v6", CompletedAt: base})

		got, err := s.GetResult(ctx, "v6")
		require.NoError(t, err)
		assert.Empty(t, got.Detections)
	})

	t.Run("list queued jobs older than cutoff", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		putJob(t, s, process.NewVideoJob("old", "/uploads/old.mp4", base))
		putJob(t, s, process.NewVideoJob("fresh", "/uploads/fresh.mp4", base.Add(time.Hour)))
		putJob(t, s, process.NewVideoJob("moved", "/uploads/moved.mp4", base))
		putJob(t, s, process.VideoJob{ID: "moved", Status: schema.StatusProcessing, UpdatedAt: base.Add(time.Second)})

		jobs, err := s.ListJobs(ctx, ListFilter{Status: schema.StatusQueued, UpdatedBefore: base.Add(30 * time.Minute)})
		require.NoError(t, err)
		require.Len(t, jobs, 1)
		assert.Equal(t, "old", jobs[0].ID)
		assert.Equal(t, "/uploads/old.mp4", jobs[0].SourcePath)
	})

	t.Run("concurrent writers converge on terminal status", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		putJob(t, s, process.NewVideoJob("v7", "/uploads/v7.mp4", base))

		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				status := schema.StatusProcessing
				if i%5 == 0 {
					status = schema.StatusCompleted
				}
				job := process.VideoJob{ID: "v7", Status: status, Message: fmt.Sprintf("w%d", i), UpdatedAt: base.Add(time.Duration(i) * time.Millisecond)}
				_, err := s.UpsertJob(ctx, job)
				assert.NoError(t, err)
			}(i)
		}
		wg.Wait()

		got, err := s.GetJob(ctx, "v7")
		require.NoError(t, err)
		assert.Equal(t, schema.StatusCompleted, got.Status)
		assert.Equal(t, "w15", got.Message, "latest terminal write wins")
	})
}
