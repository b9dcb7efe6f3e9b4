package store

import (
	"context"
	"sort"
	"sync"

	"github.com/tendant/video-qr-scanner/internal/process"
	"github.com/tendant/video-qr-scanner/pkg/schema"
)

var _ Store = (*Memory)(nil)

// Memory is a concurrent in-process store for single-instance deployments and tests.
type Memory struct {
	mu      sync.RWMutex
	jobs    map[string]process.VideoJob
	results map[string]process.CompletedResult
}

func NewMemory() *Memory {
	return &Memory{
		jobs:    make(map[string]process.VideoJob),
		results: make(map[string]process.CompletedResult),
	}
}

func (m *Memory) UpsertJob(ctx context.Context, job process.VideoJob) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := validateJob(job); err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.jobs[job.ID]
	if !ok {
		m.jobs[job.ID] = job
		return true, nil
	}
	merged, applied := process.Merge(current, job)
	if applied {
		m.jobs[job.ID] = merged
	}
	return applied, nil
}

func (m *Memory) GetJob(ctx context.Context, id string) (process.VideoJob, error) {
	if err := ctx.Err(); err != nil {
		return process.VideoJob{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	job, ok := m.jobs[id]
	if !ok {
		return process.VideoJob{}, ErrNotFound
	}
	return job, nil
}

func (m *Memory) UpsertResult(ctx context.Context, res process.CompletedResult) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := validateResult(res); err != nil {
		return false, err
	}

	dets := make([]schema.Detection, len(res.Detections))
	copy(dets, res.Detections)
	res.Detections = dets

	m.mu.Lock()
	defer m.mu.Unlock()

	if current, ok := m.results[res.VideoID]; ok && !res.CompletedAt.After(current.CompletedAt) {
		return false, nil
	}
	m.results[res.VideoID] = res
	return true, nil
}

func (m *Memory) GetResult(ctx context.Context, id string) (process.CompletedResult, error) {
	if err := ctx.Err(); err != nil {
		return process.CompletedResult{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	res, ok := m.results[id]
	if !ok {
		return process.CompletedResult{}, ErrNotFound
	}
	dets := make([]schema.Detection, len(res.Detections))
	copy(dets, res.Detections)
	res.Detections = dets
	return res, nil
}

func (m *Memory) ListJobs(ctx context.Context, filter ListFilter) ([]process.VideoJob, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	out := make([]process.VideoJob, 0, len(m.jobs))
	for _, job := range m.jobs {
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		if !filter.UpdatedBefore.IsZero() && !job.UpdatedAt.Before(filter.UpdatedBefore) {
			continue
		}
		out = append(out, job)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit := filter.limit(); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) Close() error { return nil }
