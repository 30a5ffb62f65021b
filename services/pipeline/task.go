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

// Task is one job attempt handed to a dispatcher.
//
// Outputs carries everything the handler may read from other jobs, so a
// task is self-contained and can be executed by a remote worker.
type Task struct {
	ExecutionID string         `json:"executionId"`
	Attempt     int            `json:"attempt"`
	Job         JobConfig      `json:"job"`
	Outputs     OutputSnapshot `json:"outputs"`

	// TraceContext carries the dispatching span to the worker.
	TraceContext map[string]string `json:"traceContext,omitempty"`
}

// TaskResult is what a worker reports for a task.
//
// Error is set when the handler returned an error; Permanent mirrors
// errors.Is(err, ErrPermanent) so the engine can skip retries.
type TaskResult struct {
	Result    *Result `json:"result,omitempty"`
	Error     string  `json:"error,omitempty"`
	Permanent bool    `json:"permanent,omitempty"`
}
