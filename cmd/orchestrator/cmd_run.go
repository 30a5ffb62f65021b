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
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianPipelines/services/pipeline"
	"github.com/AleutianAI/AleutianPipelines/services/pipeline/checkpoint"
	"github.com/AleutianAI/AleutianPipelines/services/pipeline/dag"
	"github.com/AleutianAI/AleutianPipelines/services/pipeline/engine"
	"github.com/AleutianAI/AleutianPipelines/services/pipeline/security"
	"github.com/AleutianAI/AleutianPipelines/services/pipeline/store"
)

// runRun executes a DAG file in process with an in-memory store. The
// command fails unless the execution completes.
func runRun(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.Logging, "orchestrator-run")
	if err != nil {
		return err
	}
	defer logger.Close()
	log := logger.Slog()

	df, err := loadDAGFile(dagFile)
	if err != nil {
		return err
	}
	if parallelism > 0 {
		df.Options.Parallelism = parallelism
	}
	if owner != "" {
		df.Options.Owner = owner
	}

	reg, err := newRegistry(registryOptions{})
	if err != nil {
		return err
	}
	st := store.NewMemoryStore()
	eng, err := engine.New(engine.Options{
		Config: engine.Config{
			Parallelism:         cfg.Engine.Parallelism,
			Retry:               cfg.Engine.Retry,
			SkipPassCheckpoints: !cfg.Engine.CheckpointEvery,
			ProcessSampling:     cfg.Security.ProcessSampling,
		},
		Registry: reg,
		Security: security.NewManager(security.Options{
			Config: security.Config{
				SampleInterval:            cfg.Security.SampleInterval,
				Defaults:                  cfg.Security.Defaults,
				CancelExecutionOnCritical: cfg.Security.CancelExecutionOnCritical,
			},
			Violations: st,
			Logger:     log,
		}),
		Checkpoints: checkpoint.NewManager(checkpoint.StoreBackend{Store: st}, log),
		Store:       st,
		Logger:      log,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	exec, err := eng.Execute(ctx, df.Name, df.Jobs, df.Options)
	if err != nil {
		return err
	}
	if err := printExecution(cmd.OutOrStdout(), exec, outputFormat); err != nil {
		return err
	}
	if exec.Status != pipeline.ExecutionCompleted {
		return fmt.Errorf("execution %s finished %s", exec.ExecutionID, exec.Status)
	}
	return nil
}

// runValidate checks a DAG file structurally and prints its levels.
func runValidate(cmd *cobra.Command, _ []string) error {
	df, err := loadDAGFile(dagFile)
	if err != nil {
		return err
	}
	plan, err := dag.Validate(df.Jobs)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "valid: %d jobs in %d levels\n", plan.Len(), len(plan.Levels))
	for i, level := range plan.Levels {
		fmt.Fprintf(out, "  level %d: %s\n", i, strings.Join(level, ", "))
	}
	return nil
}

// printExecution writes exec as JSON or YAML. YAML goes through the JSON
// encoding so both formats use the same field names.
func printExecution(w io.Writer, exec *pipeline.DAGExecution, format string) error {
	data, err := json.Marshal(exec)
	if err != nil {
		return fmt.Errorf("encode execution: %w", err)
	}
	switch format {
	case "json":
		var pretty any
		if err := json.Unmarshal(data, &pretty); err != nil {
			return err
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(pretty)
	case "yaml", "":
		var doc any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("encode execution: %w", err)
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(doc)
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}
