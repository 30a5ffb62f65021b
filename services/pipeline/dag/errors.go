// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package dag

import (
	"errors"
	"fmt"
	"strings"

	"github.com/AleutianAI/AleutianPipelines/services/pipeline"
)

// Sentinel errors for the dag package. All of them also match
// pipeline.ErrValidation through errors.Is.
var (
	// ErrEmptyDAG is returned when a DAG has no jobs.
	ErrEmptyDAG = errors.New("dag has no jobs")

	// ErrInvalidJob is returned when a job definition fails field validation.
	ErrInvalidJob = errors.New("invalid job definition")

	// ErrDuplicateJob is returned when two jobs share an id.
	ErrDuplicateJob = errors.New("duplicate job id")

	// ErrUnknownDependency is returned when dependsOn names a job outside the DAG.
	ErrUnknownDependency = errors.New("unknown dependency")

	// ErrCycleDetected is returned when the dependency graph has a cycle.
	ErrCycleDetected = errors.New("cycle detected in DAG")
)

// UnknownDependencyError names the job and the missing dependency.
type UnknownDependencyError struct {
	JobID      string
	Dependency string
}

// Error returns the error message.
func (e *UnknownDependencyError) Error() string {
	return fmt.Sprintf("job %q depends on unknown job %q", e.JobID, e.Dependency)
}

// Unwrap matches ErrUnknownDependency and pipeline.ErrValidation.
func (e *UnknownDependencyError) Unwrap() []error {
	return []error{ErrUnknownDependency, pipeline.ErrValidation}
}

// CycleError provides details about a detected cycle.
//
// JobIDs lists, sorted, every job that is part of a cycle or sits between
// cycles. Path is one concrete cycle, first element repeated at the end.
type CycleError struct {
	JobIDs []string
	Path   []string
}

// Error returns the cycle description.
func (e *CycleError) Error() string {
	if len(e.Path) > 0 {
		return fmt.Sprintf("cycle detected: %s", strings.Join(e.Path, " -> "))
	}
	return fmt.Sprintf("cycle detected among jobs: %v", e.JobIDs)
}

// Unwrap matches ErrCycleDetected and pipeline.ErrValidation.
func (e *CycleError) Unwrap() []error {
	return []error{ErrCycleDetected, pipeline.ErrValidation}
}

// validationErr wraps a package sentinel so it also matches pipeline.ErrValidation.
func validationErr(sentinel error, format string, args ...any) error {
	return fmt.Errorf("%w: %w: %s", pipeline.ErrValidation, sentinel, fmt.Sprintf(format, args...))
}
