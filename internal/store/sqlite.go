package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tendant/video-qr-scanner/internal/process"
	"github.com/tendant/video-qr-scanner/pkg/schema"
)

var _ Store = (*SQLite)(nil)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS video_jobs (
  id TEXT PRIMARY KEY,
  status TEXT NOT NULL,
  status_rank INTEGER NOT NULL,
  message TEXT NOT NULL DEFAULT '',
  failure_type TEXT NOT NULL DEFAULT '',
  updated_at INTEGER NOT NULL,
  source_path TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS video_jobs_status_updated ON video_jobs (status, updated_at);
CREATE TABLE IF NOT EXISTS video_results (
  video_id TEXT PRIMARY KEY,
  completed_at INTEGER NOT NULL,
  detections TEXT NOT NULL
);
`

// SQLite is a single-file store for single-host deployments. Timestamps are
// stored as unix nanoseconds so last-write-wins comparisons keep full precision.
type SQLite struct {
	db *sql.DB
}

func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer connection avoids SQLITE_BUSY between concurrent upserts.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) UpsertJob(ctx context.Context, job process.VideoJob) (bool, error) {
	if err := validateJob(job); err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, `
INSERT INTO video_jobs (id, status, status_rank, message, failure_type, updated_at, source_path)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
  status = excluded.status,
  status_rank = excluded.status_rank,
  message = excluded.message,
  failure_type = excluded.failure_type,
  updated_at = excluded.updated_at,
  source_path = CASE WHEN excluded.source_path <> '' THEN excluded.source_path ELSE video_jobs.source_path END
WHERE (video_jobs.status_rank < 3 AND (excluded.status_rank > video_jobs.status_rank
       OR (excluded.status_rank = video_jobs.status_rank AND excluded.updated_at > video_jobs.updated_at)))
   OR (video_jobs.status_rank = 3 AND excluded.status = video_jobs.status AND excluded.updated_at > video_jobs.updated_at)`,
		job.ID,
		string(job.Status),
		process.Rank(job.Status),
		job.Message,
		string(job.FailureType),
		job.UpdatedAt.UnixNano(),
		job.SourcePath,
	)
	if err != nil {
		return false, fmt.Errorf("upsert job %s: %w", job.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("upsert job %s: %w", job.ID, err)
	}
	return n > 0, nil
}

func (s *SQLite) GetJob(ctx context.Context, id string) (process.VideoJob, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, status, message, failure_type, updated_at, source_path FROM video_jobs WHERE id = ?`, id)
	job, err := scanSQLiteJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return process.VideoJob{}, ErrNotFound
		}
		return process.VideoJob{}, fmt.Errorf("get job %s: %w", id, err)
	}
	return job, nil
}

func (s *SQLite) UpsertResult(ctx context.Context, res process.CompletedResult) (bool, error) {
	if err := validateResult(res); err != nil {
		return false, err
	}
	payload, err := encodeDetections(res.Detections)
	if err != nil {
		return false, err
	}
	out, err := s.db.ExecContext(ctx, `
INSERT INTO video_results (video_id, completed_at, detections)
VALUES (?, ?, ?)
ON CONFLICT(video_id) DO UPDATE SET
  completed_at = excluded.completed_at,
  detections = excluded.detections
WHERE excluded.completed_at > video_results.completed_at`,
		res.VideoID,
		res.CompletedAt.UnixNano(),
		string(payload),
	)
	if err != nil {
		return false, fmt.Errorf("upsert result %s: %w", res.VideoID, err)
	}
	n, err := out.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("upsert result %s: %w", res.VideoID, err)
	}
	return n > 0, nil
}

func (s *SQLite) GetResult(ctx context.Context, id string) (process.CompletedResult, error) {
	var (
		videoID     string
		completedNs int64
		payload     string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT video_id, completed_at, detections FROM video_results WHERE video_id = ?`, id,
	).Scan(&videoID, &completedNs, &payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return process.CompletedResult{}, ErrNotFound
		}
		return process.CompletedResult{}, fmt.Errorf("get result %s: %w", id, err)
	}
	dets, err := decodeDetections([]byte(payload))
	if err != nil {
		return process.CompletedResult{}, err
	}
	return process.CompletedResult{
		VideoID:     videoID,
		CompletedAt: time.Unix(0, completedNs).UTC(),
		Detections:  dets,
	}, nil
}

func (s *SQLite) ListJobs(ctx context.Context, filter ListFilter) ([]process.VideoJob, error) {
	query := `SELECT id, status, message, failure_type, updated_at, source_path FROM video_jobs WHERE 1 = 1`
	args := []any{}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	if !filter.UpdatedBefore.IsZero() {
		query += " AND updated_at < ?"
		args = append(args, filter.UpdatedBefore.UnixNano())
	}
	query += " ORDER BY updated_at ASC LIMIT ?"
	args = append(args, filter.limit())

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []process.VideoJob
	for rows.Next() {
		job, err := scanSQLiteJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteJob(row rowScanner) (process.VideoJob, error) {
	var (
		id, status, message, failureType, sourcePath string
		updatedNs                                    int64
	)
	if err := row.Scan(&id, &status, &message, &failureType, &updatedNs, &sourcePath); err != nil {
		return process.VideoJob{}, err
	}
	return process.VideoJob{
		ID:          id,
		Status:      schema.Status(status),
		Message:     message,
		FailureType: schema.FailureType(failureType),
		UpdatedAt:   time.Unix(0, updatedNs).UTC(),
		SourcePath:  sourcePath,
	}, nil
}

func encodeDetections(dets []schema.Detection) ([]byte, error) {
	if dets == nil {
		dets = []schema.Detection{}
	}
	b, err := json.Marshal(dets)
	if err != nil {
		return nil, fmt.Errorf("encode detections: %w", err)
	}
	return b, nil
}

func decodeDetections(b []byte) ([]schema.Detection, error) {
	var dets []schema.Detection
	if err := json.Unmarshal(b, &dets); err != nil {
		return nil, fmt.Errorf("decode detections: %w", err)
	}
	if dets == nil {
		dets = []schema.Detection{}
	}
	return dets, nil
}
