package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tendant/video-qr-scanner/internal/process"
	"github.com/tendant/video-qr-scanner/pkg/schema"
)

var _ Store = (*Postgres)(nil)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS video_jobs (
  id TEXT PRIMARY KEY,
  status TEXT NOT NULL,
  status_rank SMALLINT NOT NULL,
  message TEXT NOT NULL DEFAULT '',
  failure_type TEXT NOT NULL DEFAULT '',
  updated_at TIMESTAMPTZ NOT NULL,
  source_path TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS video_jobs_status_updated ON video_jobs (status, updated_at);
CREATE TABLE IF NOT EXISTS video_results (
  video_id TEXT PRIMARY KEY,
  completed_at TIMESTAMPTZ NOT NULL,
  detections JSONB NOT NULL
);
`

// Postgres is the networked store for multi-process deployments.
type Postgres struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects and applies the schema.
func OpenPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	if databaseURL == "" {
		return nil, errors.New("database url is required")
	}
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply postgres schema: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

func (p *Postgres) UpsertJob(ctx context.Context, job process.VideoJob) (bool, error) {
	if err := validateJob(job); err != nil {
		return false, err
	}
	tag, err := p.pool.Exec(ctx, `
INSERT INTO video_jobs (id, status, status_rank, message, failure_type, updated_at, source_path)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (id) DO UPDATE SET
  status = EXCLUDED.status,
  status_rank = EXCLUDED.status_rank,
  message = EXCLUDED.message,
  failure_type = EXCLUDED.failure_type,
  updated_at = EXCLUDED.updated_at,
  source_path = CASE WHEN EXCLUDED.source_path <> '' THEN EXCLUDED.source_path ELSE video_jobs.source_path END
WHERE (video_jobs.status_rank < 3 AND (EXCLUDED.status_rank > video_jobs.status_rank
       OR (EXCLUDED.status_rank = video_jobs.status_rank AND EXCLUDED.updated_at > video_jobs.updated_at)))
   OR (video_jobs.status_rank = 3 AND EXCLUDED.status = video_jobs.status AND EXCLUDED.updated_at > video_jobs.updated_at)`,
		job.ID,
		string(job.Status),
		process.Rank(job.Status),
		job.Message,
		string(job.FailureType),
		job.UpdatedAt.UTC(),
		job.SourcePath,
	)
	if err != nil {
		return false, fmt.Errorf("upsert job %s: %w", job.ID, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (p *Postgres) GetJob(ctx context.Context, id string) (process.VideoJob, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT id, status, message, failure_type, updated_at, source_path FROM video_jobs WHERE id = $1`, id)
	job, err := scanPostgresJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return process.VideoJob{}, ErrNotFound
		}
		return process.VideoJob{}, fmt.Errorf("get job %s: %w", id, err)
	}
	return job, nil
}

func (p *Postgres) UpsertResult(ctx context.Context, res process.CompletedResult) (bool, error) {
	if err := validateResult(res); err != nil {
		return false, err
	}
	payload, err := encodeDetections(res.Detections)
	if err != nil {
		return false, err
	}
	tag, err := p.pool.Exec(ctx, `
INSERT INTO video_results (video_id, completed_at, detections)
VALUES ($1, $2, $3::jsonb)
ON CONFLICT (video_id) DO UPDATE SET
  completed_at = EXCLUDED.completed_at,
  detections = EXCLUDED.detections
WHERE EXCLUDED.completed_at > video_results.completed_at`,
		res.VideoID,
		res.CompletedAt.UTC(),
		string(payload),
	)
	if err != nil {
		return false, fmt.Errorf("upsert result %s: %w", res.VideoID, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (p *Postgres) GetResult(ctx context.Context, id string) (process.CompletedResult, error) {
	var (
		videoID     string
		completedAt time.Time
		payload     []byte
	)
	err := p.pool.QueryRow(ctx,
		`SELECT video_id, completed_at, detections FROM video_results WHERE video_id = $1`, id,
	).Scan(&videoID, &completedAt, &payload)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return process.CompletedResult{}, ErrNotFound
		}
		return process.CompletedResult{}, fmt.Errorf("get result %s: %w", id, err)
	}
	dets, err := decodeDetections(payload)
	if err != nil {
		return process.CompletedResult{}, err
	}
	return process.CompletedResult{VideoID: videoID, CompletedAt: completedAt.UTC(), Detections: dets}, nil
}

func (p *Postgres) ListJobs(ctx context.Context, filter ListFilter) ([]process.VideoJob, error) {
	query := `SELECT id, status, message, failure_type, updated_at, source_path FROM video_jobs WHERE true`
	args := []any{}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if !filter.UpdatedBefore.IsZero() {
		args = append(args, filter.UpdatedBefore.UTC())
		query += fmt.Sprintf(" AND updated_at < $%d", len(args))
	}
	args = append(args, filter.limit())
	query += fmt.Sprintf(" ORDER BY updated_at ASC LIMIT $%d", len(args))

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []process.VideoJob
	for rows.Next() {
		job, err := scanPostgresJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func scanPostgresJob(row pgx.Row) (process.VideoJob, error) {
	var (
		id, status, message, failureType, sourcePath string
		updatedAt                                    time.Time
	)
	if err := row.Scan(&id, &status, &message, &failureType, &updatedAt, &sourcePath); err != nil {
		return process.VideoJob{}, err
	}
	return process.VideoJob{
		ID:          id,
		Status:      schema.Status(status),
		Message:     message,
		FailureType: schema.FailureType(failureType),
		UpdatedAt:   updatedAt.UTC(),
		SourcePath:  sourcePath,
	}, nil
}
