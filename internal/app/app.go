// Package app builds the configured backends shared by the binaries.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/tendant/video-qr-scanner/internal/blob"
	"github.com/tendant/video-qr-scanner/internal/bus"
	"github.com/tendant/video-qr-scanner/internal/config"
	"github.com/tendant/video-qr-scanner/internal/converters"
	"github.com/tendant/video-qr-scanner/internal/img"
	"github.com/tendant/video-qr-scanner/internal/metrics"
	"github.com/tendant/video-qr-scanner/internal/store"
	"github.com/tendant/video-qr-scanner/internal/worker"
)

const leaseBucket = "video-leases"

func OpenBus(ctx context.Context, cfg config.Config, logger *slog.Logger) (bus.Bus, error) {
	switch cfg.BusBackend {
	case "memory":
		return bus.NewMemory(bus.WithMaxDeliver(cfg.BusMaxDeliver), bus.WithLogger(logger)), nil
	case "nats":
		js, err := bus.ConnectJetStream(ctx, bus.JetStreamConfig{
			URL:        cfg.NATSURL,
			Stream:     cfg.NATSStream,
			Subjects:   []string{cfg.SubjectUpload, cfg.SubjectStatus, cfg.SubjectCompleted},
			MaxDeliver: cfg.BusMaxDeliver,
			AckWait:    cfg.BusAckWait,
			Retry: bus.RetryPolicy{
				Attempts:        cfg.BusPublishAttempts,
				InitialInterval: time.Second,
				MaxInterval:     10 * time.Second,
			},
		}, logger)
		if err != nil {
			return nil, err
		}
		return js, nil
	default:
		return nil, fmt.Errorf("unknown bus backend %q", cfg.BusBackend)
	}
}

func OpenStore(ctx context.Context, cfg config.Config) (store.Store, error) {
	switch cfg.StoreBackend {
	case "memory":
		return store.NewMemory(), nil
	case "sqlite":
		return store.OpenSQLite(cfg.SQLitePath)
	case "postgres":
		return store.OpenPostgres(ctx, cfg.DatabaseURL)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}

func OpenBlob(ctx context.Context, cfg config.Config) (blob.Store, error) {
	switch cfg.BlobBackend {
	case "local":
		return blob.NewLocalFS(cfg.UploadDir)
	case "s3":
		return blob.NewS3(ctx, blob.S3Config{
			Bucket:          cfg.S3.Bucket,
			Region:          cfg.S3.Region,
			Endpoint:        cfg.S3.Endpoint,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
			UsePathStyle:    cfg.S3.UsePathStyle,
			Prefix:          "videos",
		})
	default:
		return nil, fmt.Errorf("unknown blob backend %q", cfg.BlobBackend)
	}
}

// OpenLease picks the per-video lease. The nats backend needs a JetStream bus.
func OpenLease(ctx context.Context, cfg config.Config, b bus.Bus) (worker.Lease, error) {
	switch cfg.LeaseBackend {
	case "none":
		return worker.NoLease{}, nil
	case "memory":
		return worker.NewMemoryLease(cfg.LeaseTTL), nil
	case "nats":
		js, ok := b.(*bus.JetStream)
		if !ok {
			return nil, fmt.Errorf("LEASE_BACKEND=nats requires BUS_BACKEND=nats")
		}
		kv, err := js.KeyValue(ctx, leaseBucket, cfg.LeaseTTL)
		if err != nil {
			return nil, err
		}
		host, _ := os.Hostname()
		return worker.NewKVLease(kv, fmt.Sprintf("%s-%d", host, os.Getpid())), nil
	default:
		return nil, fmt.Errorf("unknown lease backend %q", cfg.LeaseBackend)
	}
}

// NewWorker assembles an analysis worker over the configured collaborators.
// It fails when ffmpeg is not on PATH.
func NewWorker(ctx context.Context, cfg config.Config, b bus.Bus, blobs blob.Store, m *metrics.Metrics, logger *slog.Logger) (*worker.Worker, error) {
	sampler := converters.NewFFmpegSampler()
	if !sampler.Available() {
		return nil, fmt.Errorf("ffmpeg/ffprobe not found on PATH")
	}
	if err := os.MkdirAll(cfg.FrameDir, 0o755); err != nil {
		return nil, fmt.Errorf("ensure frame directory: %w", err)
	}
	lease, err := OpenLease(ctx, cfg, b)
	if err != nil {
		return nil, fmt.Errorf("open lease: %w", err)
	}
	return worker.New(worker.Config{
		StatusSubject:    cfg.SubjectStatus,
		CompletedSubject: cfg.SubjectCompleted,
		FrameDir:         cfg.FrameDir,
		PartialPolicy:    worker.PartialPolicy(cfg.PartialExtraction),
		PartialMinRatio:  cfg.PartialMinRatio,
		LeaseRefresh:     cfg.LeaseTTL / 3,
	}, b, blobs, sampler, img.NewQRDecoder(cfg.FrameMaxDimension),
		worker.WithLease(lease),
		worker.WithMetrics(m),
		worker.WithLogger(logger),
	), nil
}
