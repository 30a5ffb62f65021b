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
	"errors"
	"fmt"
)

// Sentinel errors shared across the orchestrator.
var (
	// ErrValidation marks a DAG or limit that was rejected before execution.
	ErrValidation = errors.New("validation failed")

	// ErrJobFailed marks a job whose handler failed or reported success=false.
	ErrJobFailed = errors.New("job failed")

	// ErrJobTimeout marks a job that exceeded its TimeoutMs deadline.
	ErrJobTimeout = errors.New("job timed out")

	// ErrConditionFailed marks a job whose condition predicate returned an error.
	ErrConditionFailed = errors.New("condition evaluation failed")

	// ErrResourceViolation marks a job cancelled for a high or critical violation.
	ErrResourceViolation = errors.New("resource limit violated")

	// ErrCoordinator marks a distributed dispatch that could not be completed.
	ErrCoordinator = errors.New("coordinator error")

	// ErrUpstreamFailed marks a job that cannot run because a dependency failed.
	ErrUpstreamFailed = errors.New("upstream dependency did not complete")

	// ErrHandlerNotFound is returned when no handler is registered for a job type.
	ErrHandlerNotFound = errors.New("no handler registered for job type")

	// ErrPermanent marks a handler failure that another attempt cannot fix.
	// Handlers wrap it to skip the remaining retries.
	ErrPermanent = errors.New("permanent failure")
)

// ValidationError describes one rejected field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %s", e.Reason)
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// Unwrap lets errors.Is match ErrValidation.
func (e *ValidationError) Unwrap() error { return ErrValidation }

// JobErrorKind classifies why a job attempt failed.
type JobErrorKind string

const (
	KindHandler     JobErrorKind = "handler"
	KindTimeout     JobErrorKind = "timeout"
	KindCondition   JobErrorKind = "condition"
	KindViolation   JobErrorKind = "violation"
	KindCoordinator JobErrorKind = "coordinator"
	KindDependency  JobErrorKind = "dependency"
	KindCancelled   JobErrorKind = "cancelled"
)

// Retryable reports whether another attempt could succeed.
// Condition and dependency failures are structural and never retried.
func (k JobErrorKind) Retryable() bool {
	switch k {
	case KindCondition, KindDependency, KindCancelled:
		return false
	}
	return true
}

// JobError wraps a failure of a single job attempt.
type JobError struct {
	JobID   string
	Attempt int
	Kind    JobErrorKind
	Stack   string
	Err     error
}

// NewJobError creates a JobError.
func NewJobError(jobID string, attempt int, kind JobErrorKind, err error) *JobError {
	return &JobError{JobID: jobID, Attempt: attempt, Kind: kind, Err: err}
}

func (e *JobError) Error() string {
	return fmt.Sprintf("job %s attempt %d (%s): %v", e.JobID, e.Attempt, e.Kind, e.Err)
}

func (e *JobError) Unwrap() error { return e.Err }

// Info converts the error to the form stored on JobExecutionState.
func (e *JobError) Info() *JobErrorInfo {
	msg := ""
	if e.Err != nil {
		msg = e.Err.Error()
	}
	return &JobErrorInfo{Message: msg, Kind: e.Kind, Stack: e.Stack}
}
