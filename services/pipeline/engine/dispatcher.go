// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/AleutianAI/AleutianPipelines/services/pipeline"
	"github.com/AleutianAI/AleutianPipelines/services/pipeline/observability"
)

// Dispatcher runs one job attempt and returns the handler's result.
//
// LocalDispatcher runs handlers in process; distributed.Coordinator hands
// the task to a worker and waits for its report.
type Dispatcher interface {
	Dispatch(ctx context.Context, task pipeline.Task) (*pipeline.Result, error)
}

// HandlerLookup resolves job types to handlers. *registry.Registry
// satisfies it.
type HandlerLookup interface {
	Lookup(jobType string) (pipeline.Handler, bool)
}

// PanicError is returned when a handler panics.
type PanicError struct {
	Value any
	Stack string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("handler panic: %v", e.Value)
}

type usageKey struct{}

// WithUsageReporter attaches the hook that JobContext.ReportUsage feeds.
func WithUsageReporter(ctx context.Context, fn func(pipeline.ResourceUsage)) context.Context {
	return context.WithValue(ctx, usageKey{}, fn)
}

func usageReporter(ctx context.Context) func(pipeline.ResourceUsage) {
	fn, _ := ctx.Value(usageKey{}).(func(pipeline.ResourceUsage))
	return fn
}

// LocalDispatcher runs handlers in the orchestrator process.
//
// Thread Safety: Safe for concurrent use.
type LocalDispatcher struct {
	Handlers HandlerLookup
	Logger   *slog.Logger
}

// Dispatch looks up the handler for task.Job.Type and calls it.
//
// # Outputs
//
//   - *pipeline.Result: The handler result.
//   - error: The handler error, pipeline.ErrHandlerNotFound wrapped with
//     pipeline.ErrPermanent, or *PanicError.
func (d LocalDispatcher) Dispatch(ctx context.Context, task pipeline.Task) (res *pipeline.Result, err error) {
	h, ok := d.Handlers.Lookup(task.Job.Type)
	if !ok {
		return nil, fmt.Errorf("%w: %w: %q", pipeline.ErrPermanent, pipeline.ErrHandlerNotFound, task.Job.Type)
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}

	defer func() {
		if p := recover(); p != nil {
			res = nil
			err = &PanicError{Value: p, Stack: string(debug.Stack())}
		}
	}()

	jc := pipeline.NewJobContext(pipeline.JobContextOptions{
		ExecutionID: task.ExecutionID,
		Attempt:     task.Attempt,
		Job:         task.Job,
		Logger:      observability.LoggerWithTrace(ctx, logger),
		Outputs:     task.Outputs,
		OnUsage:     usageReporter(ctx),
	})
	return h.Handle(ctx, jc)
}
