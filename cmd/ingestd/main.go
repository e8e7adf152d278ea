// Command ingestd runs the document ingestion service: an HTTP API for
// submitting URLs, a worker pool that fetches, renders and extracts them,
// and a reaper that fails tasks stuck past their grace period.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/ebenwert/ingestd/internal/api"
	blobgcs "github.com/ebenwert/ingestd/internal/blob/gcs"
	bloblocal "github.com/ebenwert/ingestd/internal/blob/local"
	blobmem "github.com/ebenwert/ingestd/internal/blob/memory"
	clocksys "github.com/ebenwert/ingestd/internal/clock/system"
	"github.com/ebenwert/ingestd/internal/config"
	"github.com/ebenwert/ingestd/internal/detect"
	"github.com/ebenwert/ingestd/internal/dispatcher"
	"github.com/ebenwert/ingestd/internal/extract"
	"github.com/ebenwert/ingestd/internal/fetch"
	hashsha "github.com/ebenwert/ingestd/internal/hash/sha256"
	iduuid "github.com/ebenwert/ingestd/internal/id/uuid"
	"github.com/ebenwert/ingestd/internal/ingest"
	"github.com/ebenwert/ingestd/internal/logging"
	"github.com/ebenwert/ingestd/internal/metrics"
	"github.com/ebenwert/ingestd/internal/pipeline"
	publishmem "github.com/ebenwert/ingestd/internal/publish/memory"
	publishps "github.com/ebenwert/ingestd/internal/publish/pubsub"
	queuemem "github.com/ebenwert/ingestd/internal/queue/memory"
	"github.com/ebenwert/ingestd/internal/reaper"
	"github.com/ebenwert/ingestd/internal/render"
	"github.com/ebenwert/ingestd/internal/safety"
	storemem "github.com/ebenwert/ingestd/internal/store/memory"
	storepg "github.com/ebenwert/ingestd/internal/store/postgres"
	"github.com/ebenwert/ingestd/internal/task"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "ingestd: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return err
	}
	defer logger.Sync()

	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tasks, docs, closeStores, err := buildStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStores()

	blobs, err := buildBlobStore(ctx, cfg)
	if err != nil {
		return err
	}

	publisher, closePublisher, err := buildPublisher(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closePublisher()

	queue := queuemem.New(cfg.Queue.Capacity)
	clock := clocksys.New()
	ids := iduuid.New()
	hasher := hashsha.New()

	guard := safety.NewGuard(safety.Config{AllowPrivate: cfg.Safety.AllowPrivateURLs}, logger)

	var fetcher pipeline.Fetcher
	var detector pipeline.Detector
	if cfg.Probe.Enabled {
		fetcher = fetch.New(fetch.Config{
			UserAgent: cfg.Render.UserAgent,
			Timeout:   cfg.Probe.Timeout(),
		}, logger)
		detector = detect.New(detect.Config{})
	}

	renderer := render.New(render.Config{
		PageLoadTimeout:    cfg.Render.PageLoadTimeout(),
		ContentWaitTimeout: cfg.Render.ContentWaitTimeout(),
		UserAgent:          cfg.Render.UserAgent,
		MaxParallel:        cfg.Render.MaxParallel,
		HostQPS:            cfg.Render.HostQPS,
	}, logger)

	extractor := extract.New(extract.Config{
		MinParagraphCount:  cfg.Extract.MinParagraphCount,
		MinParagraphLength: cfg.Extract.MinParagraphLength,
	}, logger)

	pipe := pipeline.New(guard, fetcher, detector, renderer, extractor, logger)

	retry := task.NewRetryPolicy().
		WithMaxAttempts(cfg.Worker.MaxAttempts).
		WithBackoff(cfg.Worker.BackoffBase(), cfg.Worker.BackoffMax())

	runnerCfg := task.Config{
		SoftTimeout: cfg.Worker.SoftTimeout(),
		HardTimeout: cfg.Worker.HardTimeout(),
		BlobPrefix:  cfg.Storage.Prefix,
		Topic:       cfg.PubSub.Topic,
	}
	runners := make([]*task.Runner, cfg.Worker.Count)
	for i := range runners {
		runners[i] = task.NewRunner(runnerCfg, queue, tasks, docs, blobs, publisher,
			pipe, retry, hasher, clock, ids, logger.Named(fmt.Sprintf("runner-%d", i)))
	}
	pool := dispatcher.New(queue, runners, logger)

	sweeper := reaper.New(reaper.Config{
		GracePeriod: cfg.Reaper.GracePeriod(),
		Interval:    cfg.Reaper.Interval(),
	}, tasks, clock, logger.Named("reaper"))

	server := api.NewServer(api.Config{RequestTimeout: cfg.Server.RequestTimeout()},
		tasks, docs, guard, pool, ids, clock, logger.Named("api"))

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 3)
	go func() {
		logger.Info("worker pool starting", zap.Int("workers", cfg.Worker.Count))
		errCh <- pool.Run(ctx)
	}()
	go func() {
		logger.Info("reaper starting",
			zap.Duration("grace_period", cfg.Reaper.GracePeriod()),
			zap.Duration("interval", sweeper.Interval()))
		errCh <- sweeper.Run(ctx)
	}()
	go func() {
		logger.Info("http server starting", zap.String("addr", cfg.Server.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("component failed", zap.Error(err))
		}
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", zap.Error(err))
	}

	logger.Info("ingestd stopped")
	return nil
}

func buildStores(ctx context.Context, cfg *config.Config, logger *zap.Logger) (ingest.TaskStore, ingest.DocumentStore, func(), error) {
	if cfg.DB.DSN == "" {
		logger.Info("using in-memory stores")
		return storemem.NewTaskStore(), storemem.NewDocumentStore(), func() {}, nil
	}

	pgCfg := storepg.Config{DSN: cfg.DB.DSN}
	taskStore, err := storepg.NewTaskStore(ctx, pgCfg)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := taskStore.EnsureSchema(ctx); err != nil {
		taskStore.Close()
		return nil, nil, nil, err
	}

	docStore, err := storepg.NewDocumentStore(ctx, pgCfg)
	if err != nil {
		taskStore.Close()
		return nil, nil, nil, err
	}
	if err := docStore.EnsureSchema(ctx); err != nil {
		taskStore.Close()
		docStore.Close()
		return nil, nil, nil, err
	}

	logger.Info("using postgres stores")
	closeAll := func() {
		taskStore.Close()
		docStore.Close()
	}
	return taskStore, docStore, closeAll, nil
}

func buildBlobStore(ctx context.Context, cfg *config.Config) (ingest.BlobStore, error) {
	switch cfg.Storage.Backend {
	case "memory":
		return blobmem.New(), nil
	case "local":
		return bloblocal.New(cfg.Storage.LocalDir)
	case "gcs":
		return blobgcs.New(ctx, cfg.Storage.Bucket)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

func buildPublisher(ctx context.Context, cfg *config.Config, logger *zap.Logger) (ingest.Publisher, func(), error) {
	if cfg.PubSub.ProjectID == "" {
		logger.Info("using in-memory publisher")
		return publishmem.New(), func() {}, nil
	}
	p, err := publishps.New(ctx, cfg.PubSub.ProjectID)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("using pubsub publisher", zap.String("project", cfg.PubSub.ProjectID))
	return p, func() { p.Close() }, nil
}
