// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pipeline defines the data model shared by every part of the DAG
// job orchestrator: job definitions, execution state, handler contracts,
// resource violations and worker records.
//
// # Ownership
//
// JobConfig values are authored by callers and treated as immutable once
// submitted. JobExecutionState and DAGExecution are owned by the execution
// engine; every other component receives copies.
package pipeline

import (
	"context"
	"time"
)

// =============================================================================
// Job definition
// =============================================================================

// Built-in job types handled by the orchestrator itself.
const (
	// TypeFanOut expands a parameter grid into generated child jobs.
	TypeFanOut = "fan-out"

	// TypeFanIn aggregates the outputs of generated child jobs.
	TypeFanIn = "fan-in"

	// TypeApproval suspends the DAG until a human decision is recorded.
	TypeApproval = "approval"
)

// ConditionFunc decides whether a job should run.
//
// Returning false skips the job without invoking its handler. Returning an
// error fails the job immediately and is never retried.
type ConditionFunc func(ctx context.Context, cc ConditionContext) (bool, error)

// ReducerFunc folds the outputs of generated jobs into one value.
type ReducerFunc func(outputs []any) (any, error)

// Parameter is one axis of a fan-out parameter grid.
type Parameter struct {
	Name   string `json:"name" yaml:"name" validate:"required"`
	Values []any  `json:"values" yaml:"values"`
}

// AggregationStrategy names a built-in fan-in reduction.
type AggregationStrategy string

const (
	AggregateCollectAll AggregationStrategy = "collect-all"
	AggregateBestMetric AggregationStrategy = "best-metric"
	AggregateWorstMetric AggregationStrategy = "worst-metric"
	AggregateAverage    AggregationStrategy = "average-metrics"
	AggregateMajority   AggregationStrategy = "majority-vote"
	AggregateCustom     AggregationStrategy = "custom-function"
)

// Valid reports whether s is one of the known strategies.
func (s AggregationStrategy) Valid() bool {
	switch s {
	case AggregateCollectAll, AggregateBestMetric, AggregateWorstMetric,
		AggregateAverage, AggregateMajority, AggregateCustom:
		return true
	}
	return false
}

// AggregationSpec configures a fan-in job.
//
// Reducer names a reducer registered in the job registry so custom
// aggregation survives JSON/YAML transport. ReducerFunc takes precedence
// when both are set. Source lists the jobs to collect from; a fan-out job
// contributes its generated children and any other job its own output.
// When empty the fan-in job's own dependencies are used.
type AggregationSpec struct {
	Strategy    AggregationStrategy `json:"strategy" yaml:"strategy"`
	MetricKey   string              `json:"metricKey,omitempty" yaml:"metricKey,omitempty"`
	EqualityKey string              `json:"equalityKey,omitempty" yaml:"equalityKey,omitempty"`
	Reducer     string              `json:"reducer,omitempty" yaml:"reducer,omitempty"`
	ReducerFunc ReducerFunc         `json:"-" yaml:"-"`
	Source      []string            `json:"source,omitempty" yaml:"source,omitempty"`
}

// ResourceLimits bounds what a single job may consume.
//
// Zero fields are filled with defaults by the security manager. Enforce
// flags default to true when nil.
type ResourceLimits struct {
	MaxExecutionTimeMs int64   `json:"maxExecutionTimeMs,omitempty" yaml:"maxExecutionTimeMs,omitempty" validate:"omitempty,gt=0,lte=86400000"`
	MaxMemoryMB        int64   `json:"maxMemoryMB,omitempty" yaml:"maxMemoryMB,omitempty" validate:"omitempty,gt=0,lte=32768"`
	MaxCPUPercent      float64 `json:"maxCpuPercent,omitempty" yaml:"maxCpuPercent,omitempty" validate:"omitempty,gt=0,lte=100"`
	EnforceTime        *bool   `json:"enforceTime,omitempty" yaml:"enforceTime,omitempty"`
	EnforceMemory      *bool   `json:"enforceMemory,omitempty" yaml:"enforceMemory,omitempty"`
	EnforceCPU         *bool   `json:"enforceCpu,omitempty" yaml:"enforceCpu,omitempty"`
}

// EnforcesTime reports whether the execution time limit is enforced.
func (l ResourceLimits) EnforcesTime() bool { return l.EnforceTime == nil || *l.EnforceTime }

// EnforcesMemory reports whether the memory limit is enforced.
func (l ResourceLimits) EnforcesMemory() bool { return l.EnforceMemory == nil || *l.EnforceMemory }

// EnforcesCPU reports whether the CPU limit is enforced.
func (l ResourceLimits) EnforcesCPU() bool { return l.EnforceCPU == nil || *l.EnforceCPU }

// RetryPolicy controls how failed attempts are retried.
//
// MaxAttempts counts every attempt including the first, so 1 disables
// retries. Backoff grows exponentially from InitialBackoff by Multiplier,
// capped at MaxBackoff.
type RetryPolicy struct {
	MaxAttempts    int           `json:"maxAttempts" yaml:"max_attempts" validate:"gte=0,lte=100"`
	InitialBackoff time.Duration `json:"initialBackoff" yaml:"initial_backoff" validate:"gte=0"`
	MaxBackoff     time.Duration `json:"maxBackoff" yaml:"max_backoff" validate:"gte=0"`
	Multiplier     float64       `json:"multiplier" yaml:"multiplier" validate:"gte=0"`
}

// DefaultRetryPolicy returns three attempts with a 1s..30s exponential backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2,
	}
}

// JobConfig is the immutable definition of one job in a DAG.
//
// # Description
//
// ID must be unique within the DAG and every DependsOn entry must name
// another job of the same DAG. Type is the dispatch key into the job
// registry. Config is passed through to the handler untouched.
//
// Parameters, Template and NamePattern are only meaningful for fan-out
// jobs; Aggregation only for fan-in jobs.
//
// Condition cannot be serialised; ConditionName refers to a predicate
// registered in the job registry and is used when Condition is nil.
type JobConfig struct {
	ID             string          `json:"id" yaml:"id" validate:"required,max=256"`
	Name           string          `json:"name,omitempty" yaml:"name,omitempty"`
	Type           string          `json:"type" yaml:"type" validate:"required"`
	DependsOn      []string        `json:"dependsOn,omitempty" yaml:"dependsOn,omitempty"`
	Config         map[string]any  `json:"config,omitempty" yaml:"config,omitempty"`
	Condition      ConditionFunc   `json:"-" yaml:"-"`
	ConditionName  string          `json:"condition,omitempty" yaml:"condition,omitempty"`
	ResourceLimits *ResourceLimits `json:"resourceLimits,omitempty" yaml:"resourceLimits,omitempty" validate:"-"`
	TimeoutMs      int64           `json:"timeoutMs,omitempty" yaml:"timeoutMs,omitempty" validate:"gte=0"`
	Retry          *RetryPolicy    `json:"retry,omitempty" yaml:"retry,omitempty"`

	Parameters  []Parameter      `json:"parameters,omitempty" yaml:"parameters,omitempty" validate:"dive"`
	Template    *JobConfig       `json:"template,omitempty" yaml:"template,omitempty" validate:"-"`
	NamePattern string           `json:"namePattern,omitempty" yaml:"namePattern,omitempty"`
	Aggregation *AggregationSpec `json:"aggregation,omitempty" yaml:"aggregation,omitempty"`
}

// DisplayName returns Name, falling back to ID.
func (j JobConfig) DisplayName() string {
	if j.Name != "" {
		return j.Name
	}
	return j.ID
}

// Timeout returns TimeoutMs as a duration; zero means no hard deadline.
func (j JobConfig) Timeout() time.Duration {
	return time.Duration(j.TimeoutMs) * time.Millisecond
}

// =============================================================================
// Execution state
// =============================================================================

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobSkipped   JobStatus = "skipped"
	JobCancelled JobStatus = "cancelled"
)

// Terminal reports whether no further transition can happen.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobSkipped, JobCancelled:
		return true
	}
	return false
}

// Satisfied reports whether dependents may run after a job in this state.
// Skipped jobs satisfy their dependents; they only change what output
// those dependents read.
func (s JobStatus) Satisfied() bool {
	return s == JobCompleted || s == JobSkipped
}

// ExecutionStatus is the lifecycle state of a whole DAG execution.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
	ExecutionPaused    ExecutionStatus = "paused"
)

// Terminal reports whether the execution will not make further progress
// on its own. Paused executions are terminal until resumed.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionCancelled, ExecutionPaused:
		return true
	}
	return false
}

// JobErrorInfo is the error recorded on a failed job.
type JobErrorInfo struct {
	Message string       `json:"message"`
	Kind    JobErrorKind `json:"kind,omitempty"`
	Stack   string       `json:"stack,omitempty"`
}

// JobExecutionState is the mutable record of one job within an execution.
//
// The engine publishes a fresh value on every transition; readers must
// treat values they receive as read-only snapshots.
type JobExecutionState struct {
	JobID       string        `json:"jobId"`
	Name        string        `json:"name,omitempty"`
	Type        string        `json:"type"`
	Status      JobStatus     `json:"status"`
	Attempt     int           `json:"attempt"`
	Level       int           `json:"level"`
	GeneratedBy string        `json:"generatedBy,omitempty"`
	StartedAt   *time.Time    `json:"startedAt,omitempty"`
	CompletedAt *time.Time    `json:"completedAt,omitempty"`
	Output      any           `json:"output,omitempty"`
	Error       *JobErrorInfo `json:"error,omitempty"`
}

// Clone returns a copy that shares no pointers with s.
// Output is shared; handlers must not mutate outputs after returning them.
func (s *JobExecutionState) Clone() *JobExecutionState {
	if s == nil {
		return nil
	}
	c := *s
	if s.StartedAt != nil {
		t := *s.StartedAt
		c.StartedAt = &t
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		c.CompletedAt = &t
	}
	if s.Error != nil {
		e := *s.Error
		c.Error = &e
	}
	return &c
}

// DAGExecution is the aggregate root for one run of a DAG.
type DAGExecution struct {
	ExecutionID string                        `json:"executionId"`
	Name        string                        `json:"name"`
	Status      ExecutionStatus               `json:"status"`
	Mode        string                        `json:"mode,omitempty"`
	Owner       string                        `json:"owner,omitempty"`
	Level       int                           `json:"level"`
	Jobs        map[string]*JobExecutionState `json:"jobs"`
	JobOrder    []string                      `json:"jobOrder"`
	StartedAt   time.Time                     `json:"startedAt"`
	CompletedAt *time.Time                    `json:"completedAt,omitempty"`
	Error       string                        `json:"error,omitempty"`
}

// Clone returns a deep copy of the execution.
func (e *DAGExecution) Clone() *DAGExecution {
	if e == nil {
		return nil
	}
	c := *e
	c.Jobs = make(map[string]*JobExecutionState, len(e.Jobs))
	for id, js := range e.Jobs {
		c.Jobs[id] = js.Clone()
	}
	c.JobOrder = append([]string(nil), e.JobOrder...)
	if e.CompletedAt != nil {
		t := *e.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// CountByStatus tallies jobs per status.
func (e *DAGExecution) CountByStatus() map[JobStatus]int {
	out := make(map[JobStatus]int)
	for _, js := range e.Jobs {
		out[js.Status]++
	}
	return out
}

// =============================================================================
// Security records
// =============================================================================

// ViolationType names the resource that was breached.
type ViolationType string

const (
	ViolationTime    ViolationType = "execution_time"
	ViolationMemory  ViolationType = "memory"
	ViolationCPU     ViolationType = "cpu"
	ViolationTimeout ViolationType = "timeout"
)

// Severity grades a violation. Only high and critical force cancellation.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Forces reports whether the severity requires cancelling the job.
func (s Severity) Forces() bool {
	return s == SeverityHigh || s == SeverityCritical
}

// ResourceViolation is an append-only audit record of a limit breach.
type ResourceViolation struct {
	ExecutionID   string        `json:"executionId"`
	JobID         string        `json:"jobId"`
	Type          ViolationType `json:"type"`
	Severity      Severity      `json:"severity"`
	ObservedValue float64       `json:"observedValue"`
	Limit         float64       `json:"limit"`
	Timestamp     time.Time     `json:"timestamp"`
}

// ResourceUsage is one sample of what a job is consuming.
type ResourceUsage struct {
	Elapsed    time.Duration `json:"elapsed"`
	MemoryMB   float64       `json:"memoryMB"`
	CPUPercent float64       `json:"cpuPercent"`
}

// AuditLevel grades audit entries.
type AuditLevel string

const (
	AuditInfo     AuditLevel = "info"
	AuditWarning  AuditLevel = "warning"
	AuditCritical AuditLevel = "critical"
)

// AuditEvent is one structured entry of the audit trail.
type AuditEvent struct {
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	Level       AuditLevel     `json:"level"`
	ExecutionID string         `json:"executionId,omitempty"`
	JobID       string         `json:"jobId,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

// =============================================================================
// Distributed workers
// =============================================================================

// WorkerStatus describes a worker's scheduling eligibility.
type WorkerStatus string

const (
	WorkerHealthy WorkerStatus = "healthy"
	WorkerStale   WorkerStatus = "stale"
)

// Worker is a process that claims and executes jobs in distributed mode.
type Worker struct {
	WorkerID       string       `json:"workerId"`
	Hostname       string       `json:"hostname"`
	Capabilities   []string     `json:"capabilities,omitempty"`
	MaxConcurrency int          `json:"maxConcurrency"`
	CurrentLoad    int          `json:"currentLoad"`
	LastHeartbeat  time.Time    `json:"lastHeartbeat"`
	RegisteredAt   time.Time    `json:"registeredAt"`
	Status         WorkerStatus `json:"status"`
}

// Supports reports whether the worker advertises jobType.
// A worker without capabilities accepts every type.
func (w Worker) Supports(jobType string) bool {
	if len(w.Capabilities) == 0 {
		return true
	}
	for _, c := range w.Capabilities {
		if c == jobType || c == "*" {
			return true
		}
	}
	return false
}
