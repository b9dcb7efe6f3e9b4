// cmd/republish/main.go
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/tendant/video-qr-scanner/internal/app"
	"github.com/tendant/video-qr-scanner/internal/config"
	"github.com/tendant/video-qr-scanner/internal/logging"
	"github.com/tendant/video-qr-scanner/internal/process"
	"github.com/tendant/video-qr-scanner/internal/store"
	"github.com/tendant/video-qr-scanner/pkg/schema"
)

type options struct {
	OlderThan time.Duration
	Limit     int
	DryRun    bool
}

func main() {
	opts := parseFlags()

	cfg, err := config.Load()
	if err != nil {
		fatal(slog.Default(), "load config", err)
	}
	logger := logging.New(os.Stdout, cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)
	logger.Info("republish starting",
		"store", cfg.StoreBackend,
		"bus", cfg.BusBackend,
		"subject", cfg.SubjectUpload,
		"older_than", opts.OlderThan,
		"limit", opts.Limit,
		"dry_run", opts.DryRun,
	)
	if cfg.StoreBackend == "memory" {
		fatal(logger, "republish needs a persistent store", errors.New("STORE_BACKEND=memory"))
	}

	ctx := context.Background()

	st, err := app.OpenStore(ctx, cfg)
	if err != nil {
		fatal(logger, "open store", err, "backend", cfg.StoreBackend)
	}
	defer st.Close()

	// Connect to the bus only when we will publish
	var pub publisher
	if !opts.DryRun {
		b, err := app.OpenBus(ctx, cfg, logger)
		if err != nil {
			fatal(logger, "open bus", err, "backend", cfg.BusBackend)
		}
		defer b.Close()
		pub = b
	}

	r := &republisher{store: st, pub: pub, subject: cfg.SubjectUpload, logger: logger, now: time.Now}
	stats, err := r.Run(ctx, opts)
	if err != nil {
		fatal(logger, "republish failed", err)
	}
	logger.Info("republish complete",
		"found", stats.Found,
		"published", stats.Published,
		"skipped_no_source", stats.SkippedNoSource,
		"failed", stats.Failed,
		"dry_run", opts.DryRun,
	)
	if stats.Failed > 0 {
		os.Exit(1)
	}
}

func parseFlags() options {
	opts := options{DryRun: true}
	flag.DurationVar(&opts.OlderThan, "older-than", 15*time.Minute, "Only jobs queued longer than this")
	flag.IntVar(&opts.Limit, "limit", 100, "Maximum number of jobs to republish")
	var execute bool
	flag.BoolVar(&execute, "execute", false, "Actually publish (default is a dry run)")
	flag.Parse()

	if execute {
		opts.DryRun = false
	}
	return opts
}

type publisher interface {
	Publish(ctx context.Context, subject string, v any) error
}

type stats struct {
	Found           int
	Published       int
	SkippedNoSource int
	Failed          int
}

// republisher re-announces jobs left Queued after a lost UploadAccepted.
type republisher struct {
	store   store.Store
	pub     publisher
	subject string
	logger  *slog.Logger
	now     func() time.Time
}

func (r *republisher) Run(ctx context.Context, opts options) (stats, error) {
	var s stats
	cutoff := r.now().Add(-opts.OlderThan)
	jobs, err := r.store.ListJobs(ctx, store.ListFilter{
		Status:        schema.StatusQueued,
		UpdatedBefore: cutoff,
		Limit:         opts.Limit,
	})
	if err != nil {
		return s, fmt.Errorf("list queued jobs: %w", err)
	}
	s.Found = len(jobs)

	for _, job := range jobs {
		logger := r.logger.With("video_id", job.ID)
		if job.SourcePath == "" {
			s.SkippedNoSource++
			logger.Warn("skipping job without source path")
			continue
		}
		age := humanize.RelTime(job.UpdatedAt, r.now(), "ago", "from now")
		if opts.DryRun {
			logger.Info("would republish", "source", job.SourcePath, "queued", age)
			continue
		}
		if err := r.publish(ctx, job); err != nil {
			s.Failed++
			logger.Error("republish failed", "err", err)
			continue
		}
		s.Published++
		logger.Info("republished", "source", job.SourcePath, "queued", age)
	}
	return s, nil
}

// publish keeps the original upload time so the worker sees the job as it
// was first announced.
func (r *republisher) publish(ctx context.Context, job process.VideoJob) error {
	msg := schema.UploadAccepted{
		VideoID:    job.ID,
		FilePath:   job.SourcePath,
		UploadedAt: job.UpdatedAt,
	}
	return r.pub.Publish(ctx, r.subject, msg)
}

func fatal(logger *slog.Logger, msg string, err error, attrs ...any) {
	attrs = append(attrs, "err", err)
	logger.Error(msg, attrs...)
	os.Exit(1)
}
