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
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianPipelines/services/pipeline/distributed"
)

// runWorker registers with the coordinator at --server and executes the
// demo job types until interrupted. Approval gates always run on the
// coordinator, so they are not offered here.
func runWorker(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.Logging, "orchestrator-worker")
	if err != nil {
		return err
	}
	defer logger.Close()
	log := logger.Slog()

	reg, err := newRegistry(registryOptions{})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := distributed.NewHTTPClient(serverURL).WithTimeout(30 * time.Second)
	agent := distributed.NewAgent(client, reg, distributed.AgentConfig{
		Capabilities:   workerCapabilities,
		MaxConcurrency: workerConcurrency,
	}, log)

	log.Info("worker starting",
		slog.String("server", serverURL),
		slog.Int("concurrency", workerConcurrency),
	)
	if err := agent.Run(ctx); err != nil {
		return err
	}
	log.Info("worker stopped",
		slog.String("worker_id", agent.WorkerID()),
		slog.Int64("executed", agent.Executed()),
	)
	return nil
}
