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
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/AleutianAI/AleutianPipelines/services/pipeline"
)

var (
	tracer = otel.Tracer("aleutian.pipeline.engine")
	meter  = otel.Meter("aleutian.pipeline.engine")
)

// Observer receives execution and job events for metrics.
// *observability.Metrics satisfies it.
type Observer interface {
	ExecutionStarted()
	ExecutionFinished(status pipeline.ExecutionStatus, d time.Duration)
	JobStarted(jobType string)
	JobFinished(jobType string, status pipeline.JobStatus, d time.Duration)
	JobResolved(jobType string, status pipeline.JobStatus)
	JobRetried(jobType string)
}

type nopObserver struct{}

func (nopObserver) ExecutionStarted() {}
func (nopObserver) ExecutionFinished(pipeline.ExecutionStatus, time.Duration) {}
func (nopObserver) JobStarted(string) {}
func (nopObserver) JobFinished(string, pipeline.JobStatus, time.Duration) {}
func (nopObserver) JobResolved(string, pipeline.JobStatus) {}
func (nopObserver) JobRetried(string) {}

// otelMetrics holds the OpenTelemetry instruments, created on first use.
type otelMetrics struct {
	once         sync.Once
	attempts     metric.Int64Counter
	activeJobs   metric.Int64UpDownCounter
	jobLatency   metric.Float64Histogram
	execLatency  metric.Float64Histogram
	injectedJobs metric.Int64Counter
}

// init creates the instruments. Failures are logged and the affected
// instrument stays nil.
func (m *otelMetrics) init(logger *slog.Logger) {
	m.once.Do(func() {
		var initErrors []string
		var err error

		m.attempts, err = meter.Int64Counter("pipeline_job_attempts_total",
			metric.WithDescription("Job attempts dispatched"),
		)
		if err != nil {
			initErrors = append(initErrors, "attempts: "+err.Error())
		}

		m.activeJobs, err = meter.Int64UpDownCounter("pipeline_active_jobs",
			metric.WithDescription("Job attempts currently running"),
		)
		if err != nil {
			initErrors = append(initErrors, "active_jobs: "+err.Error())
		}

		m.jobLatency, err = meter.Float64Histogram("pipeline_job_duration_seconds",
			metric.WithDescription("Time from first dispatch to terminal state per job"),
			metric.WithUnit("s"),
		)
		if err != nil {
			initErrors = append(initErrors, "job_latency: "+err.Error())
		}

		m.execLatency, err = meter.Float64Histogram("pipeline_execution_duration_seconds",
			metric.WithDescription("Wall time of one execution run"),
			metric.WithUnit("s"),
		)
		if err != nil {
			initErrors = append(initErrors, "exec_latency: "+err.Error())
		}

		m.injectedJobs, err = meter.Int64Counter("pipeline_injected_jobs_total",
			metric.WithDescription("Jobs injected by fan-out handlers"),
		)
		if err != nil {
			initErrors = append(initErrors, "injected_jobs: "+err.Error())
		}

		if len(initErrors) > 0 {
			logger.Error("failed to initialize some engine metrics (observability degraded)",
				slog.Int("failed_count", len(initErrors)),
				slog.Any("errors", initErrors),
			)
		}
	})
}

func (m *otelMetrics) attemptStarted(ctx context.Context, jobType string) {
	attrs := metric.WithAttributes(attribute.String("job.type", jobType))
	if m.attempts != nil {
		m.attempts.Add(ctx, 1, attrs)
	}
	if m.activeJobs != nil {
		m.activeJobs.Add(ctx, 1, attrs)
	}
}

func (m *otelMetrics) attemptDone(ctx context.Context, jobType string) {
	if m.activeJobs != nil {
		m.activeJobs.Add(ctx, -1, metric.WithAttributes(attribute.String("job.type", jobType)))
	}
}

func (m *otelMetrics) jobDone(ctx context.Context, jobType string, status pipeline.JobStatus, d time.Duration) {
	if m.jobLatency != nil {
		m.jobLatency.Record(ctx, d.Seconds(), metric.WithAttributes(
			attribute.String("job.type", jobType),
			attribute.String("job.status", string(status)),
		))
	}
}

func (m *otelMetrics) executionDone(ctx context.Context, status pipeline.ExecutionStatus, d time.Duration) {
	if m.execLatency != nil {
		m.execLatency.Record(ctx, d.Seconds(), metric.WithAttributes(
			attribute.String("execution.status", string(status)),
		))
	}
}

func (m *otelMetrics) injected(ctx context.Context, n int) {
	if m.injectedJobs != nil {
		m.injectedJobs.Add(ctx, int64(n))
	}
}
