// cmd/api/main.go
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

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	_ "go.uber.org/automaxprocs"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/tendant/video-qr-scanner/internal/app"
	"github.com/tendant/video-qr-scanner/internal/config"
	"github.com/tendant/video-qr-scanner/internal/fanout"
	"github.com/tendant/video-qr-scanner/internal/httpapi"
	"github.com/tendant/video-qr-scanner/internal/ingest"
	"github.com/tendant/video-qr-scanner/internal/logging"
	"github.com/tendant/video-qr-scanner/internal/metrics"
	"github.com/tendant/video-qr-scanner/internal/projector"
	"github.com/tendant/video-qr-scanner/internal/query"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fatal(slog.Default(), "load config", err)
	}
	logger := logging.New(os.Stdout, cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)
	logger.Info("api starting",
		"http_addr", cfg.HTTPAddr,
		"bus", cfg.BusBackend,
		"store", cfg.StoreBackend,
		"blob", cfg.BlobBackend,
		"max_upload", humanize.Bytes(uint64(cfg.MaxUploadSize)),
		"embedded_worker", cfg.EmbeddedWorker,
	)

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

	st, err := app.OpenStore(ctx, cfg)
	if err != nil {
		fatal(logger, "open store", err, "backend", cfg.StoreBackend)
	}
	defer st.Close()
	logger.Info("store ready", "backend", cfg.StoreBackend)

	blobs, err := app.OpenBlob(ctx, cfg)
	if err != nil {
		fatal(logger, "open blob store", err, "backend", cfg.BlobBackend)
	}

	hub := fanout.NewHub(m, logger)
	proj := projector.New(st, hub, m, logger)

	srv := httpapi.Server{
		Ingest:        ingest.NewService(ingest.Config{MaxSize: cfg.MaxUploadSize, Subject: cfg.SubjectUpload}, blobs, st, b, m, logger),
		Query:         query.NewService(st),
		Push:          fanout.ServeWS(hub, logger),
		Metrics:       m,
		Limiter:       rate.NewLimiter(rate.Limit(cfg.UploadRatePerSec), max(1, int(cfg.UploadRatePerSec))),
		MaxUploadSize: cfg.MaxUploadSize,
		Logger:        logger,
	}
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return proj.Run(gctx, b, cfg.SubjectStatus, cfg.SubjectCompleted, cfg.ProjectorQueue)
	})
	if cfg.EmbeddedWorker {
		w, err := app.NewWorker(gctx, cfg, b, blobs, m, logger)
		if err != nil {
			fatal(logger, "build embedded worker", err)
		}
		g.Go(func() error {
			return w.Run(gctx, b, cfg.SubjectUpload, cfg.WorkerQueue, cfg.WorkerConcurrency)
		})
	}
	g.Go(func() error {
		logger.Info("http listening", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("api stopped with error", "err", err)
		os.Exit(1)
	}
	logger.Info("api stopped")
}

func fatal(logger *slog.Logger, msg string, err error, attrs ...any) {
	attrs = append(attrs, "err", err)
	logger.Error(msg, attrs...)
	os.Exit(1)
}
