// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianPipelines/pkg/logging"
	"github.com/AleutianAI/AleutianPipelines/services/pipeline/api"
	"github.com/AleutianAI/AleutianPipelines/services/pipeline/approval"
	"github.com/AleutianAI/AleutianPipelines/services/pipeline/checkpoint"
	"github.com/AleutianAI/AleutianPipelines/services/pipeline/config"
	"github.com/AleutianAI/AleutianPipelines/services/pipeline/distributed"
	"github.com/AleutianAI/AleutianPipelines/services/pipeline/engine"
	"github.com/AleutianAI/AleutianPipelines/services/pipeline/notify"
	"github.com/AleutianAI/AleutianPipelines/services/pipeline/observability"
	"github.com/AleutianAI/AleutianPipelines/services/pipeline/security"
	"github.com/AleutianAI/AleutianPipelines/services/pipeline/store"
)

// runServe starts the orchestrator service and blocks until SIGINT or
// SIGTERM.
//
// Description:
//
//	Startup order matters: telemetry first so every component picks up
//	the global providers, then storage, then the collaborators the
//	engine depends on. Shutdown reverses it. The HTTP listener stops
//	accepting first, running executions are paused and checkpointed,
//	and queued notifications and audit events are flushed last.
func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.Logging, api.ServiceName)
	if err != nil {
		return err
	}
	defer logger.Close()
	log := logger.Slog()

	if level, _ := logging.ParseLevel(cfg.Logging.Level); level != logging.LevelDebug {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := observability.Init(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			log.Warn("telemetry shutdown failed", slog.String("error", err.Error()))
		}
	}()

	st, err := openStore(cfg.Storage, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Warn("store close failed", slog.String("error", err.Error()))
		}
	}()

	metrics := observability.NewMetrics(nil)

	notifier := notify.NewAsync(notify.LogNotifier{Logger: log}, 0, log)
	auditor := security.NewAuditor(st, cfg.Security.AuditBuffer, log)
	defer func() {
		fctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = auditor.Close(fctx)
		_ = notifier.Close(fctx)
	}()

	sec := security.NewManager(security.Options{
		Config: security.Config{
			SampleInterval:            cfg.Security.SampleInterval,
			Defaults:                  cfg.Security.Defaults,
			CancelExecutionOnCritical: cfg.Security.CancelExecutionOnCritical,
		},
		Violations: st,
		Auditor:    auditor,
		Notifier:   notifier,
		Observer:   metrics,
		Logger:     log,
	})

	checkpoints, err := newCheckpoints(cfg.Engine, st, log)
	if err != nil {
		return err
	}

	coord := distributed.NewCoordinator(distributed.Options{
		Config:   cfg.Coordinator,
		Workers:  st,
		Observer: metrics,
		Logger:   log,
	})
	if err := coord.Start(ctx); err != nil {
		return fmt.Errorf("start coordinator: %w", err)
	}
	defer coord.Stop()
	if n, err := coord.Registry().Restore(ctx); err != nil {
		log.Warn("worker restore failed", slog.String("error", err.Error()))
	} else if n > 0 {
		log.Info("restored workers", slog.Int("count", n))
	}

	approvals := approval.NewService(approval.ServiceOptions{Store: st, Notifier: notifier, Logger: log})
	reg, err := newRegistry(registryOptions{
		approvals:       approvals,
		pollInterval:    cfg.Approval.PollInterval,
		maxPollAttempts: cfg.Approval.MaxPollAttempts,
	})
	if err != nil {
		return err
	}

	eng, err := engine.New(engine.Options{
		Config: engine.Config{
			Parallelism:         cfg.Engine.Parallelism,
			Retry:               cfg.Engine.Retry,
			SkipPassCheckpoints: !cfg.Engine.CheckpointEvery,
			ProcessSampling:     cfg.Security.ProcessSampling,
		},
		Registry:    reg,
		Security:    sec,
		Checkpoints: checkpoints,
		Store:       st,
		Notifier:    notifier,
		Remote:      coord,
		Observer:    metrics,
		Logger:      log,
	})
	if err != nil {
		return err
	}

	limiter := api.NewRateLimiter(cfg.Server.RateLimit, cfg.Server.RateBurst)
	srv := api.NewServer(api.Options{
		Engine:         eng,
		Approvals:      approvals,
		Coordinator:    coord,
		Metrics:        metrics,
		Limiter:        limiter,
		MetricsHandler: observability.MetricsHandler(),
		Logger:         log,
	})
	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if configPath != "" {
		err := config.Watch(ctx, configPath, log, func(next config.Config) {
			limiter.Update(next.Server.RateLimit, next.Server.RateBurst)
			if level, err := logging.ParseLevel(next.Logging.Level); err == nil {
				logger.SetLevel(level)
			}
			log.Info("configuration reloaded",
				slog.Float64("rate_limit", next.Server.RateLimit),
				slog.String("log_level", next.Logging.Level),
			)
		})
		if err != nil {
			log.Warn("config watch disabled", slog.String("error", err.Error()))
		}
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("orchestrator listening",
			slog.String("addr", httpSrv.Addr),
			slog.String("version", api.ServiceVersion),
			slog.String("storage", cfg.Storage.Backend),
		)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err, ok := <-serveErr:
		if ok {
			return fmt.Errorf("http server: %w", err)
		}
	}

	sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(sctx); err != nil {
		log.Warn("http shutdown incomplete", slog.String("error", err.Error()))
	}
	if err := eng.Shutdown(sctx); err != nil {
		log.Warn("engine shutdown incomplete", slog.String("error", err.Error()))
	}
	log.Info("orchestrator stopped")
	return nil
}

// openStore returns the configured persistence backend.
func openStore(cfg config.StorageConfig, logger *slog.Logger) (store.Store, error) {
	switch cfg.Backend {
	case "", "memory":
		return store.NewMemoryStore(), nil
	case "badger":
		bc := store.DefaultBadgerConfig(cfg.Path)
		bc.GCInterval = cfg.GCInterval
		bc.Logger = logger
		st, err := store.OpenBadger(bc)
		if err != nil {
			return nil, fmt.Errorf("open badger store: %w", err)
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// newCheckpoints stores checkpoints as files when a directory is set and
// in st otherwise.
func newCheckpoints(cfg config.EngineConfig, st store.Store, logger *slog.Logger) (*checkpoint.Manager, error) {
	if cfg.CheckpointDir == "" {
		return checkpoint.NewManager(checkpoint.StoreBackend{Store: st}, logger), nil
	}
	backend, err := checkpoint.NewFileBackend(cfg.CheckpointDir)
	if err != nil {
		return nil, fmt.Errorf("checkpoint dir: %w", err)
	}
	return checkpoint.NewManager(backend, logger), nil
}
