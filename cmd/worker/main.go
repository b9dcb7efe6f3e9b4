// cmd/worker/main.go
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	_ "go.uber.org/automaxprocs"
	"golang.org/x/sync/errgroup"

	"github.com/tendant/video-qr-scanner/internal/app"
	"github.com/tendant/video-qr-scanner/internal/config"
	"github.com/tendant/video-qr-scanner/internal/logging"
	"github.com/tendant/video-qr-scanner/internal/metrics"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fatal(slog.Default(), "load config", err)
	}
	logger := logging.New(os.Stdout, cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)
	logger.Info("worker starting",
		"bus", cfg.BusBackend,
		"nats_url", cfg.NATSURL,
		"subject", cfg.SubjectUpload,
		"queue", cfg.WorkerQueue,
		"blob", cfg.BlobBackend,
		"frame_dir", cfg.FrameDir,
		"concurrency", cfg.WorkerConcurrency,
		"partial_extraction", cfg.PartialExtraction,
		"lease", cfg.LeaseBackend,
	)
	if cfg.BusBackend == "memory" {
		logger.Warn("memory bus only reaches subscribers in this process; run the api with EMBEDDED_WORKER=true instead")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	b, err := app.OpenBus(ctx, cfg, logger)
	if err != nil {
		fatal(logger, "open bus", err, "backend", cfg.BusBackend)
	}
	defer b.Close()
	logger.Info("bus ready", "backend", cfg.BusBackend)

	blobs, err := app.OpenBlob(ctx, cfg)
	if err != nil {
		fatal(logger, "open blob store", err, "backend", cfg.BlobBackend)
	}

	w, err := app.NewWorker(ctx, cfg, b, blobs, m, logger)
	if err != nil {
		fatal(logger, "build worker", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return w.Run(gctx, b, cfg.SubjectUpload, cfg.WorkerQueue, cfg.WorkerConcurrency)
	})
	if cfg.WorkerMetricsAddr != "off" {
		r := chi.NewRouter()
		r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})
		r.Method(http.MethodGet, "/metrics", m.Handler())
		srv := &http.Server{Addr: cfg.WorkerMetricsAddr, Handler: r, ReadHeaderTimeout: 10 * time.Second}

		g.Go(func() error {
			logger.Info("metrics listening", "addr", cfg.WorkerMetricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if err := g.Wait(); err != nil {
		logger.Error("worker stopped with error", "err", err)
		os.Exit(1)
	}
	logger.Info("worker stopped")
}

func fatal(logger *slog.Logger, msg string, err error, attrs ...any) {
	attrs = append(attrs, "err", err)
	logger.Error(msg, attrs...)
	os.Exit(1)
}
