// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package fanout

import (
	"context"
	"fmt"

	"github.com/AleutianAI/AleutianPipelines/services/pipeline"
	"github.com/AleutianAI/AleutianPipelines/services/pipeline/registry"
)

// ReducerLookup resolves named reducers. registry.Registry satisfies it.
type ReducerLookup interface {
	Reducer(name string) (pipeline.ReducerFunc, bool)
}

// Register installs the fan-out and fan-in handlers. Named reducers are
// resolved through reg itself.
func Register(reg *registry.Registry, maxCombinations int) error {
	if err := reg.Register(pipeline.TypeFanOut, FanOutHandler{MaxCombinations: maxCombinations}); err != nil {
		return err
	}
	return reg.Register(pipeline.TypeFanIn, FanInHandler{Reducers: reg})
}

// FanOutOutput is the output recorded for a fan-out job.
type FanOutOutput struct {
	GeneratedJobIDs []string `json:"generatedJobIds"`
	Count           int      `json:"count"`
}

// FanInOutput is the output recorded for a fan-in job.
type FanInOutput struct {
	Strategy   pipeline.AggregationStrategy `json:"strategy"`
	Result     any                          `json:"result"`
	InputCount int                          `json:"inputCount"`
	Skipped    []string                     `json:"skipped,omitempty"`
}

// FanOutHandler expands a fan-out job into generated jobs.
//
// The handler only computes the jobs; injecting them into the running
// execution is the engine's responsibility.
type FanOutHandler struct {
	// MaxCombinations caps the grid; zero uses DefaultMaxCombinations.
	MaxCombinations int
}

// Handle implements pipeline.Handler.
func (h FanOutHandler) Handle(ctx context.Context, jc *pipeline.JobContext) (*pipeline.Result, error) {
	job := jc.Job
	if job.Template == nil {
		return nil, fmt.Errorf("%w: job %q has no template", ErrInvalidTemplate, job.ID)
	}
	combos, err := ExpandParameters(job.Parameters, h.MaxCombinations)
	if err != nil {
		return nil, fmt.Errorf("job %q: %w", job.ID, err)
	}
	generated, err := GenerateJobs(job.ID, *job.Template, combos, job.NamePattern)
	if err != nil {
		return nil, fmt.Errorf("job %q: %w", job.ID, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ids := make([]string, len(generated))
	for i, g := range generated {
		ids[i] = g.ID
	}
	jc.Log("fan-out expanded", "generated", len(ids))

	return &pipeline.Result{
		Success:       true,
		Output:        FanOutOutput{GeneratedJobIDs: ids, Count: len(ids)},
		GeneratedJobs: generated,
	}, nil
}

// FanInHandler aggregates the outputs of generated jobs.
//
// Description:
//
//	Sources are Aggregation.Source when set, otherwise the job's
//	dependencies. A source that generated jobs contributes its children;
//	any other source contributes its own output. Only completed jobs
//	contribute; skipped and failed ones are listed in the output. A named reducer is resolved
//	through Reducers when the spec carries no ReducerFunc.
//
// Thread Safety:
//
//	Stateless; safe for concurrent use.
type FanInHandler struct {
	Reducers ReducerLookup
}

// Handle implements pipeline.Handler.
func (h FanInHandler) Handle(ctx context.Context, jc *pipeline.JobContext) (*pipeline.Result, error) {
	spec := pipeline.AggregationSpec{Strategy: pipeline.AggregateCollectAll}
	if jc.Job.Aggregation != nil {
		spec = *jc.Job.Aggregation
		if spec.Strategy == "" {
			spec.Strategy = pipeline.AggregateCollectAll
		}
	}
	if spec.Strategy == pipeline.AggregateCustom && spec.ReducerFunc == nil && spec.Reducer != "" {
		if h.Reducers == nil {
			return nil, fmt.Errorf("%w: %q", ErrMissingReducer, spec.Reducer)
		}
		fn, ok := h.Reducers.Reducer(spec.Reducer)
		if !ok {
			return nil, fmt.Errorf("%w: %q is not registered", ErrMissingReducer, spec.Reducer)
		}
		spec.ReducerFunc = fn
	}

	sources := spec.Source
	if len(sources) == 0 {
		sources = jc.Job.DependsOn
	}

	var (
		outputs []any
		skipped []string
	)
	for _, src := range sources {
		entries := jc.GeneratedOutputs(src)
		if len(entries) == 0 {
			self := jc.JobResult(src)
			if self.Found && isFanOutOutput(self.Output) {
				// A fan-out that generated nothing contributes nothing.
				continue
			}
			entries = []pipeline.GeneratedOutput{self}
		}
		for _, g := range entries {
			if g.Status != pipeline.JobCompleted || !g.Found {
				skipped = append(skipped, g.JobID)
				continue
			}
			outputs = append(outputs, g.Output)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result, err := Aggregate(outputs, spec)
	if err != nil {
		// The inputs are final; another attempt would aggregate the same set.
		return nil, fmt.Errorf("job %q: %w: %w", jc.JobID, pipeline.ErrPermanent, err)
	}
	jc.Log("fan-in aggregated", "strategy", string(spec.Strategy), "inputs", len(outputs), "skipped", len(skipped))

	return pipeline.Succeeded(FanInOutput{
		Strategy:   spec.Strategy,
		Result:     result,
		InputCount: len(outputs),
		Skipped:    skipped,
	}), nil
}

// isFanOutOutput reports whether v is a fan-out job's own output, either
// typed or as it comes back from a checkpoint.
func isFanOutOutput(v any) bool {
	switch o := v.(type) {
	case FanOutOutput, *FanOutOutput:
		return true
	case map[string]any:
		_, ok := o["generatedJobIds"]
		return ok
	}
	return false
}
