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
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianPipelines/pkg/logging"
	"github.com/AleutianAI/AleutianPipelines/services/pipeline/config"
)

// --- Global Command Variables ---
var (
	configPath string
	logLevel   string
	logJSON    bool

	dagFile      string
	parallelism  int
	outputFormat string
	owner        string

	serverURL          string
	workerConcurrency  int
	workerCapabilities []string

	rootCmd = &cobra.Command{
		Use:           "orchestrator",
		Short:         "Run DAGs of jobs with retries, fan-out, approvals and remote workers",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API, the execution engine and the worker coordinator",
		Args:  cobra.NoArgs,
		RunE:  runServe, // Defined in cmd_serve.go
	}

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Execute a DAG file in process and print the final execution",
		Args:  cobra.NoArgs,
		RunE:  runRun, // Defined in cmd_run.go
	}

	validateCmd = &cobra.Command{
		Use:   "validate",
		Short: "Validate a DAG file and print its levels",
		Args:  cobra.NoArgs,
		RunE:  runValidate, // Defined in cmd_run.go
	}

	workerCmd = &cobra.Command{
		Use:   "worker",
		Short: "Register with a coordinator and execute leased jobs",
		Args:  cobra.NoArgs,
		RunE:  runWorker, // Defined in cmd_worker.go
	}
)

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&configPath, "config", "c", "", "path to the YAML configuration file")
	pf.StringVar(&logLevel, "log-level", "", "override the configured log level (debug, info, warn, error)")
	pf.BoolVar(&logJSON, "log-json", false, "write JSON logs to stderr")

	for _, cmd := range []*cobra.Command{runCmd, validateCmd} {
		cmd.Flags().StringVarP(&dagFile, "file", "f", "", "DAG file (YAML or JSON)")
		_ = cmd.MarkFlagRequired("file")
	}
	runCmd.Flags().IntVarP(&parallelism, "parallelism", "p", 0, "override the per-pass parallelism bound")
	runCmd.Flags().StringVarP(&outputFormat, "output", "o", "json", "output format: json or yaml")
	runCmd.Flags().StringVar(&owner, "owner", "", "owner recorded for usage metering")

	workerCmd.Flags().StringVar(&serverURL, "server", "http://localhost:8080", "coordinator base URL")
	workerCmd.Flags().IntVar(&workerConcurrency, "concurrency", 4, "maximum concurrent tasks")
	workerCmd.Flags().StringSliceVar(&workerCapabilities, "capabilities", nil, "job types to accept (default: every registered handler)")

	rootCmd.AddCommand(serveCmd, runCmd, validateCmd, workerCmd)
}

// loadConfig reads the configuration and applies flag overrides.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if logJSON {
		cfg.Logging.JSON = true
	}
	return cfg, nil
}

// newLogger builds the process logger and installs it as the slog default.
func newLogger(cfg config.LoggingConfig, service string) (*logging.Logger, error) {
	level, err := logging.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	logger, err := logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Dir,
		Service: service,
		JSON:    cfg.JSON,
	})
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger.Slog())
	return logger, nil
}
