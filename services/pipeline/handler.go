// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Result is what a handler returns for one attempt.
//
// # Description
//
// Success=false is treated like a returned error: the attempt fails and is
// retried per policy. GeneratedJobs are injected into the running
// execution (fan-out). SkipDependents asks the engine to mark the job
// skipped and to skip its direct dependents (used by approval gates
// configured to treat a rejection as a skip).
type Result struct {
	Success        bool        `json:"success"`
	Output         any         `json:"output,omitempty"`
	Error          string      `json:"error,omitempty"`
	GeneratedJobs  []JobConfig `json:"generatedJobs,omitempty"`
	SkipDependents bool        `json:"skipDependents,omitempty"`
}

// Succeeded is a convenience constructor for a successful result.
func Succeeded(output any) *Result {
	return &Result{Success: true, Output: output}
}

// Handler executes one job attempt.
//
// # Thread Safety
//
// Handle may be called concurrently for different jobs. Implementations
// should honour ctx cancellation; results of handlers that do not are
// discarded once the job has been cancelled.
type Handler interface {
	Handle(ctx context.Context, jc *JobContext) (*Result, error)
}

// SelfTimed is implemented by handlers that bound their own run time.
// The engine widens the job's time limit to MaxRunTime so the handler's
// own expiry wins over the resource monitor.
type SelfTimed interface {
	MaxRunTime(job JobConfig) time.Duration
}

// HandlerFunc adapts an ordinary function to Handler.
type HandlerFunc func(ctx context.Context, jc *JobContext) (*Result, error)

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, jc *JobContext) (*Result, error) {
	return f(ctx, jc)
}

// OutputReader gives read access to outputs of jobs in the same execution.
type OutputReader interface {
	// JobOutput returns the output of a completed or skipped job.
	JobOutput(jobID string) (any, bool)

	// Status returns the current status of a job.
	Status(jobID string) (JobStatus, bool)

	// Children returns the ids generated by a fan-out job, in generation order.
	Children(parentID string) []string
}

// OutputSnapshot is an OutputReader backed by plain maps. It is the form in
// which dependency outputs travel to remote workers.
type OutputSnapshot struct {
	Outputs   map[string]any       `json:"outputs,omitempty"`
	Statuses  map[string]JobStatus `json:"statuses,omitempty"`
	Generated map[string][]string  `json:"generated,omitempty"`
}

// JobOutput implements OutputReader.
func (s OutputSnapshot) JobOutput(jobID string) (any, bool) {
	v, ok := s.Outputs[jobID]
	return v, ok
}

// Status implements OutputReader.
func (s OutputSnapshot) Status(jobID string) (JobStatus, bool) {
	st, ok := s.Statuses[jobID]
	return st, ok
}

// Children implements OutputReader.
func (s OutputSnapshot) Children(parentID string) []string {
	return s.Generated[parentID]
}

// ConditionContext is what a condition predicate can observe.
type ConditionContext struct {
	ExecutionID string
	JobID       string
	outputs     OutputReader
}

// NewConditionContext creates a ConditionContext.
func NewConditionContext(executionID, jobID string, outputs OutputReader) ConditionContext {
	return ConditionContext{ExecutionID: executionID, JobID: jobID, outputs: outputs}
}

// GetJobOutput returns the output of a finished dependency.
func (c ConditionContext) GetJobOutput(jobID string) (any, bool) {
	if c.outputs == nil {
		return nil, false
	}
	return c.outputs.JobOutput(jobID)
}

// GeneratedOutput pairs a generated job id with its output.
type GeneratedOutput struct {
	JobID  string
	Status JobStatus
	Output any
	Found  bool
}

// JobContext is passed to every handler invocation.
//
// # Description
//
// JobContext exposes the identity of the attempt, the job definition,
// read access to outputs of other jobs, a job-scoped logger and a hook to
// report resource usage to the security monitor.
type JobContext struct {
	ExecutionID string
	JobID       string
	Attempt     int
	Job         JobConfig

	logger  *slog.Logger
	outputs OutputReader

	mu      sync.Mutex
	onUsage func(ResourceUsage)
	logs    []string
}

// JobContextOptions configures NewJobContext.
type JobContextOptions struct {
	ExecutionID string
	Attempt     int
	Job         JobConfig
	Logger      *slog.Logger
	Outputs     OutputReader
	OnUsage     func(ResourceUsage)
}

// NewJobContext creates the context for one attempt.
func NewJobContext(opts JobContextOptions) *JobContext {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &JobContext{
		ExecutionID: opts.ExecutionID,
		JobID:       opts.Job.ID,
		Attempt:     opts.Attempt,
		Job:         opts.Job,
		logger: logger.With(
			slog.String("execution_id", opts.ExecutionID),
			slog.String("job_id", opts.Job.ID),
			slog.Int("attempt", opts.Attempt),
		),
		outputs: opts.Outputs,
		onUsage: opts.OnUsage,
	}
}

// Config returns the job's opaque configuration payload.
func (c *JobContext) Config() map[string]any {
	return c.Job.Config
}

// Log records a handler message in the job log.
func (c *JobContext) Log(msg string, args ...any) {
	c.mu.Lock()
	c.logs = append(c.logs, msg)
	c.mu.Unlock()
	c.logger.Info(msg, args...)
}

// Logs returns the messages recorded with Log.
func (c *JobContext) Logs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.logs...)
}

// Logger returns the job-scoped logger.
func (c *JobContext) Logger() *slog.Logger {
	return c.logger
}

// GetJobOutput returns the output of another job in the execution.
func (c *JobContext) GetJobOutput(jobID string) (any, bool) {
	if c.outputs == nil {
		return nil, false
	}
	return c.outputs.JobOutput(jobID)
}

// GeneratedOutputs returns the outputs of the jobs generated by parentID,
// in generation order.
func (c *JobContext) GeneratedOutputs(parentID string) []GeneratedOutput {
	if c.outputs == nil {
		return nil
	}
	children := c.outputs.Children(parentID)
	out := make([]GeneratedOutput, 0, len(children))
	for _, id := range children {
		out = append(out, c.JobResult(id))
	}
	return out
}

// JobResult returns the status and output of a single job in the execution.
func (c *JobContext) JobResult(jobID string) GeneratedOutput {
	if c.outputs == nil {
		return GeneratedOutput{JobID: jobID}
	}
	v, ok := c.outputs.JobOutput(jobID)
	st, _ := c.outputs.Status(jobID)
	return GeneratedOutput{JobID: jobID, Status: st, Output: v, Found: ok}
}

// ReportUsage hands a resource usage sample to the security monitor.
func (c *JobContext) ReportUsage(u ResourceUsage) {
	c.mu.Lock()
	fn := c.onUsage
	c.mu.Unlock()
	if fn != nil {
		fn(u)
	}
}
