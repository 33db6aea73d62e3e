// Package main はプレビュー生成ワーカーのエントリーポイントです。
package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/yourusername/preview-worker/internal/archive"
	"github.com/yourusername/preview-worker/internal/auth"
	"github.com/yourusername/preview-worker/internal/config"
	"github.com/yourusername/preview-worker/internal/jobs"
	"github.com/yourusername/preview-worker/internal/logging"
)

func main() {
	// 設定の読み込み
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("worker stopped with error", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	workerID := uuid.NewString()
	logger = logger.With(zap.String("worker_id", workerID))
	state := newOpsState(workerID)

	store, closeStore, err := setupStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	objects, err := setupObjects(ctx, cfg)
	if err != nil {
		return err
	}

	expander := archive.NewExpander(archive.Limits{
		MaxFiles: cfg.MaxArchiveFiles,
		MaxBytes: cfg.MaxArchiveBytes,
	})
	processor, err := jobs.NewProcessor(store, objects, expander, jobs.ProcessorOptions{
		ScratchDir:        cfg.ScratchDir,
		Prefix:            cfg.PreviewPrefix,
		IndexDocument:     cfg.IndexDocument,
		StoreTimeout:      cfg.StoreTimeout,
		UploadParallelism: cfg.UploadParallelism,
	}, logger.Named("processor"))
	if err != nil {
		return err
	}

	runner, closeRunner, err := setupRunner(ctx, cfg, processor, logger)
	if err != nil {
		return err
	}
	defer closeRunner()

	if cfg.OpsAddr != "" {
		authManager, err := auth.NewManager(cfg.OpsUsername, cfg.OpsPasswordHash)
		if err != nil {
			return err
		}
		gin.SetMode(gin.ReleaseMode)
		srv := startOpsServer(cfg.OpsAddr, newOpsRouter(state, processor, authManager, logger.Named("ops")), logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	if !cfg.SkipRecovery {
		state.setPhase(phaseRecovering)
		scanner := jobs.NewRecoveryScanner(store, processor, cfg.JobTimeout, logger.Named("recovery"))
		report, err := scanner.Run(ctx)
		if err != nil {
			return err
		}
		state.recovery.Store(&report)
	}

	state.setPhase(phaseConsuming)
	done := make(chan error, 1)
	go func() { done <- runner.Run(ctx) }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
	}

	state.setPhase(phaseStopping)
	logger.Info("shutdown signal received, waiting for in-flight jobs",
		zap.Int("in_flight", processor.InFlight()),
		zap.Duration("timeout", cfg.ShutdownTimeout),
	)

	timer := time.NewTimer(cfg.ShutdownTimeout)
	defer timer.Stop()
	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		logger.Info("worker stopped")
		return nil
	case <-timer.C:
		logger.Warn("shutdown timeout exceeded, abandoning in-flight jobs",
			zap.Int("in_flight", processor.InFlight()),
		)
		return nil
	}
}
