// Package worker runs the analysis state machine for one UploadAccepted
// message: sample frames, decode every frame, aggregate detections and
// publish the outcome.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/tendant/video-qr-scanner/internal/blob"
	"github.com/tendant/video-qr-scanner/internal/bus"
	"github.com/tendant/video-qr-scanner/internal/converters"
	"github.com/tendant/video-qr-scanner/internal/img"
	"github.com/tendant/video-qr-scanner/internal/metrics"
	"github.com/tendant/video-qr-scanner/internal/process"
	"github.com/tendant/video-qr-scanner/pkg/schema"
)

type Stage string

const (
	StageReceived    Stage = "received"
	StageSampling    Stage = "sampling"
	StageDetecting   Stage = "detecting"
	StageAggregating Stage = "aggregating"
	StagePublishing  Stage = "publishing"
	StageDone        Stage = "done"
	StageFailed      Stage = "failed"
)

// PartialPolicy decides what happens when the sampler returns fewer frames
// than the duration and interval imply.
type PartialPolicy string

const (
	PartialAccept PartialPolicy = "accept"
	PartialFail   PartialPolicy = "fail"
)

type Publisher interface {
	Publish(ctx context.Context, subject string, v any) error
}

type Fetcher interface {
	Fetch(ctx context.Context, location string) (*blob.Source, func() error, error)
}

type Config struct {
	StatusSubject    string
	CompletedSubject string
	FrameDir         string
	PartialPolicy    PartialPolicy
	PartialMinRatio  float64
	// LeaseRefresh is how often a held lease is extended. Zero disables it.
	LeaseRefresh time.Duration
}

type Worker struct {
	cfg     Config
	pub     Publisher
	blobs   Fetcher
	sampler converters.Sampler
	decoder img.Decoder
	lease   Lease
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

type Option func(*Worker)

func WithLease(l Lease) Option { return func(w *Worker) { w.lease = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(w *Worker) { w.metrics = m } }

func WithLogger(l *slog.Logger) Option { return func(w *Worker) { w.logger = l } }

func WithClock(now func() time.Time) Option { return func(w *Worker) { w.now = now } }

func New(cfg Config, pub Publisher, blobs Fetcher, sampler converters.Sampler, decoder img.Decoder, opts ...Option) *Worker {
	if cfg.StatusSubject == "" {
		cfg.StatusSubject = schema.SubjectStatusChanged
	}
	if cfg.CompletedSubject == "" {
		cfg.CompletedSubject = schema.SubjectAnalysisCompleted
	}
	if cfg.PartialPolicy == "" {
		cfg.PartialPolicy = PartialAccept
	}
	w := &Worker{
		cfg:     cfg,
		pub:     pub,
		blobs:   blobs,
		sampler: sampler,
		decoder: decoder,
		lease:   NoLease{},
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// HandleUploadAccepted is the bus handler. Job failures are published as
// Failed statuses and acknowledged; an error is returned only when the
// outcome itself could not be published, so the message is redelivered.
func (w *Worker) HandleUploadAccepted(ctx context.Context, data []byte) error {
	var msg schema.UploadAccepted
	if err := bus.Decode(data, &msg); err != nil {
		return err
	}
	return w.Process(ctx, msg)
}

type jobState struct {
	videoID   string
	stage     Stage
	startTime time.Time
	logger    *slog.Logger
}

func (s *jobState) enter(stage Stage) {
	s.stage = stage
	s.logger.Debug("stage", "stage", stage)
}

// Process runs one job to Done or Failed.
func (w *Worker) Process(ctx context.Context, msg schema.UploadAccepted) error {
	state := &jobState{
		videoID:   msg.VideoID,
		stage:     StageReceived,
		startTime: w.now(),
		logger:    w.logger.With("video_id", msg.VideoID),
	}
	state.logger.Info("received job", "source", msg.FilePath)

	// Step 1: Take the per-video lease
	ok, err := w.lease.Acquire(ctx, msg.VideoID)
	if err != nil {
		return fmt.Errorf("acquire lease: %w", err)
	}
	if !ok {
		state.logger.Warn("video is being analysed by another worker, skipping")
		w.metrics.JobSkipped()
		return nil
	}
	stopRefresh := w.keepLease(ctx, state)
	defer func() {
		stopRefresh()
		if err := w.lease.Release(context.WithoutCancel(ctx), msg.VideoID); err != nil {
			state.logger.Warn("release lease failed", "err", err)
		}
	}()

	dets, err := w.analyse(ctx, state, msg)
	if err != nil {
		if ctx.Err() != nil {
			// Shutting down: leave the message unacknowledged for redelivery.
			state.logger.Warn("job interrupted", "stage", state.stage, "err", err)
			return err
		}
		return w.fail(ctx, state, err)
	}

	// Step 6: Publish the result, then the terminal status
	state.enter(StagePublishing)
	completedAt := w.now().UTC()
	completed := schema.AnalysisCompleted{
		VideoID:     msg.VideoID,
		CompletedAt: completedAt,
		Detections:  dets,
	}
	if err := w.pub.Publish(ctx, w.cfg.CompletedSubject, completed); err != nil {
		state.logger.Error("publish analysis completed failed", "err", err)
		return fmt.Errorf("publish analysis completed: %w", err)
	}
	status := schema.StatusChanged{
		VideoID:   msg.VideoID,
		Status:    schema.StatusCompleted,
		UpdatedAt: completedAt,
		Message:   process.SummaryMessage(dets),
	}
	if err := w.pub.Publish(ctx, w.cfg.StatusSubject, status); err != nil {
		state.logger.Error("publish completed status failed", "err", err)
		return fmt.Errorf("publish completed status: %w", err)
	}

	state.enter(StageDone)
	elapsed := w.now().Sub(state.startTime)
	w.metrics.JobFinished(string(schema.StatusCompleted), elapsed)
	state.logger.Info("completed job",
		"detections", len(dets),
		"unique", process.UniqueCount(dets),
		"processing_time_ms", elapsed.Milliseconds())
	return nil
}

// keepLease refreshes the job's lease every LeaseRefresh until the returned
// stop func is called.
func (w *Worker) keepLease(ctx context.Context, state *jobState) func() {
	if w.cfg.LeaseRefresh <= 0 {
		return func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		t := time.NewTicker(w.cfg.LeaseRefresh)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				err := w.lease.Refresh(ctx, state.videoID)
				if errors.Is(err, ErrLeaseLost) {
					state.logger.Warn("lease lost before job finished")
					return
				}
				if err != nil && ctx.Err() == nil {
					state.logger.Warn("refresh lease failed", "err", err)
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// analyse covers Received through Aggregating. Any returned error is a
// job-level failure.
func (w *Worker) analyse(ctx context.Context, state *jobState, msg schema.UploadAccepted) ([]schema.Detection, error) {
	// Step 2: Fetch source
	source, cleanupSource, err := w.blobs.Fetch(ctx, msg.FilePath)
	if err != nil {
		return nil, fmt.Errorf("fetch source: %w", err)
	}
	defer func() {
		if err := cleanupSource(); err != nil {
			state.logger.Warn("cleanup source failed", "err", err)
		}
	}()

	// Step 3: Enter sampling and tell subscribers work has started
	state.enter(StageSampling)
	processing := schema.StatusChanged{
		VideoID:   msg.VideoID,
		Status:    schema.StatusProcessing,
		UpdatedAt: w.now().UTC(),
		Message:   "Processing video",
	}
	if err := w.pub.Publish(ctx, w.cfg.StatusSubject, processing); err != nil {
		// Not fatal: the terminal status supersedes a missing Processing.
		state.logger.Warn("publish processing status failed", "err", err)
	}

	info, err := w.sampler.Probe(ctx, source.Path)
	if err != nil {
		return nil, fmt.Errorf("probe video: %w", err)
	}
	interval := SampleInterval(info.Duration)
	state.logger.Info("video analysis",
		"duration", info.Duration,
		"width", info.Width,
		"height", info.Height,
		"interval", interval)

	workspace, err := os.MkdirTemp(w.cfg.FrameDir, msg.VideoID+"-*")
	if err != nil {
		return nil, fmt.Errorf("create frame workspace: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(workspace); err != nil {
			state.logger.Warn("cleanup frames failed", "dir", workspace, "err", err)
		}
	}()

	frames, err := w.sampler.ExtractFrames(ctx, source.Path, workspace, interval)
	if err != nil {
		return nil, fmt.Errorf("extract frames: %w", err)
	}
	if len(frames) == 0 {
		return nil, errNoFrames
	}
	if err := w.checkPartial(len(frames), info.Duration, interval); err != nil {
		return nil, err
	}
	state.logger.Info("extracted frames", "count", len(frames))

	// Step 4: Decode every frame in order; a bad frame is skipped
	state.enter(StageDetecting)
	outcomes := make([]FrameOutcome, 0, len(frames))
	for i, path := range frames {
		outcome := w.detectFrame(ctx, i, path)
		if outcome.Skipped() {
			state.logger.Warn("frame skipped", "frame", i, "reason", outcome.SkipReason)
		}
		outcomes = append(outcomes, outcome)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Step 5: Aggregate
	state.enter(StageAggregating)
	return Aggregate(outcomes, interval), nil
}

// Run attaches concurrency competing subscriptions for subject and blocks
// until ctx is cancelled.
func (w *Worker) Run(ctx context.Context, b bus.Bus, subject, group string, concurrency int) error {
	if concurrency < 1 {
		concurrency = 1
	}
	for i := 0; i < concurrency; i++ {
		if err := b.Subscribe(ctx, subject, group, w.HandleUploadAccepted); err != nil {
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
	}
	w.logger.Info("listening for jobs", "subject", subject, "queue", group, "concurrency", concurrency)
	<-ctx.Done()
	return nil
}

func (w *Worker) detectFrame(ctx context.Context, frameNumber int, path string) FrameOutcome {
	contents, err := w.decoder.DecodeAll(ctx, path)
	if err != nil {
		w.metrics.FrameFailed()
		return FrameOutcome{FrameNumber: frameNumber, Path: path, SkipReason: err.Error()}
	}
	w.metrics.FrameDecoded(len(contents))
	return FrameOutcome{FrameNumber: frameNumber, Path: path, Contents: contents}
}

func (w *Worker) checkPartial(got int, duration, interval float64) error {
	if w.cfg.PartialPolicy != PartialFail {
		return nil
	}
	want := expectedFrames(duration, interval)
	if want == 0 {
		return nil
	}
	if float64(got) < w.cfg.PartialMinRatio*float64(want) {
		return JobError{
			Type:    schema.FailureTypePermanent,
			Message: fmt.Sprintf("partial extraction: %d of %d expected frames", got, want),
		}
	}
	return nil
}

// fail publishes the Failed status for a job-level fault and swallows the
// fault so the delivery is acknowledged.
func (w *Worker) fail(ctx context.Context, state *jobState, cause error) error {
	failedAt := state.stage
	state.enter(StageFailed)
	failureType := classifyError(cause)
	state.logger.Error("job failed", "stage", failedAt, "failure_type", failureType, "err", cause)

	msg := schema.StatusChanged{
		VideoID:     state.videoID,
		Status:      schema.StatusFailed,
		UpdatedAt:   w.now().UTC(),
		Message:     failureMessage(cause),
		FailureType: failureType,
	}
	if err := w.pub.Publish(context.WithoutCancel(ctx), w.cfg.StatusSubject, msg); err != nil {
		state.logger.Error("publish failed status failed", "err", err)
		return fmt.Errorf("publish failed status: %w", err)
	}
	w.metrics.JobFinished(string(schema.StatusFailed), w.now().Sub(state.startTime))
	return nil
}

func failureMessage(err error) string {
	var jobErr JobError
	if errors.As(err, &jobErr) {
		return jobErr.Message
	}
	return err.Error()
}
