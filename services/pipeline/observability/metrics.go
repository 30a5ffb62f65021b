// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/AleutianPipelines/services/pipeline"
)

const namespace = "aleutian_pipelines"

// Metrics holds the orchestrator's Prometheus collectors.
//
// Description:
//
//	One instance is shared by the engine, the security manager, the
//	coordinator and the HTTP API. Its methods match the observer
//	interfaces those components accept, so it is passed to each of them
//	directly.
//
// Thread Safety: Safe for concurrent use after creation.
type Metrics struct {
	ExecutionsStarted  prometheus.Counter
	ExecutionsFinished *prometheus.CounterVec
	ExecutionDuration  *prometheus.HistogramVec

	JobsRunning  prometheus.Gauge
	JobsFinished *prometheus.CounterVec
	JobDuration  *prometheus.HistogramVec
	JobRetries   *prometheus.CounterVec

	Violations *prometheus.CounterVec

	TasksRequeued  *prometheus.CounterVec
	TasksExhausted *prometheus.CounterVec
	QueuePending   prometheus.Gauge
	QueueInFlight  prometheus.Gauge

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPActiveRequests  prometheus.Gauge
}

// NewMetrics registers every collector with reg. A nil reg uses the
// default Prometheus registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		ExecutionsStarted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "executions_started_total",
			Help:      "DAG executions started.",
		}),
		ExecutionsFinished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "executions_finished_total",
			Help:      "DAG executions that reached a final or paused state.",
		}, []string{"status"}),
		ExecutionDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "execution_duration_seconds",
			Help:      "Wall time of DAG executions.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		}, []string{"status"}),

		JobsRunning: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "jobs_running",
			Help:      "Job attempts currently executing.",
		}),
		JobsFinished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "jobs_finished_total",
			Help:      "Jobs by type and final status.",
		}, []string{"type", "status"}),
		JobDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "job_duration_seconds",
			Help:      "Wall time of jobs including retries.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 12),
		}, []string{"type"}),
		JobRetries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "job_retries_total",
			Help:      "Retry attempts by job type.",
		}, []string{"type"}),

		Violations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "security",
			Name:      "violations_total",
			Help:      "Resource violations by type and severity.",
		}, []string{"type", "severity"}),

		TasksRequeued: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "coordinator",
			Name:      "tasks_requeued_total",
			Help:      "Tasks returned to the queue after a lease was lost.",
		}, []string{"type"}),
		TasksExhausted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "coordinator",
			Name:      "tasks_exhausted_total",
			Help:      "Tasks failed after exceeding the requeue budget.",
		}, []string{"type"}),
		QueuePending: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "coordinator",
			Name:      "queue_pending",
			Help:      "Tasks waiting for a worker.",
		}),
		QueueInFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "coordinator",
			Name:      "queue_in_flight",
			Help:      "Tasks leased to workers.",
		}),

		HTTPRequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"method", "route"}),
		HTTPActiveRequests: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "active_requests",
			Help:      "HTTP requests in progress.",
		}),
	}
}

// ExecutionStarted counts a new execution.
func (m *Metrics) ExecutionStarted() {
	m.ExecutionsStarted.Inc()
}

// ExecutionFinished records the outcome of an execution run.
func (m *Metrics) ExecutionFinished(status pipeline.ExecutionStatus, d time.Duration) {
	m.ExecutionsFinished.WithLabelValues(string(status)).Inc()
	m.ExecutionDuration.WithLabelValues(string(status)).Observe(d.Seconds())
}

// JobStarted marks a job as running.
func (m *Metrics) JobStarted(string) {
	m.JobsRunning.Inc()
}

// JobFinished records a job's final status.
func (m *Metrics) JobFinished(jobType string, status pipeline.JobStatus, d time.Duration) {
	m.JobsRunning.Dec()
	m.JobsFinished.WithLabelValues(jobType, string(status)).Inc()
	m.JobDuration.WithLabelValues(jobType).Observe(d.Seconds())
}

// JobResolved records a job that reached a terminal state without being
// dispatched: skipped by its condition or cancelled by a failed dependency.
func (m *Metrics) JobResolved(jobType string, status pipeline.JobStatus) {
	m.JobsFinished.WithLabelValues(jobType, string(status)).Inc()
}

// JobRetried counts a retry.
func (m *Metrics) JobRetried(jobType string) {
	m.JobRetries.WithLabelValues(jobType).Inc()
}

// ObserveViolation counts a resource violation.
func (m *Metrics) ObserveViolation(v pipeline.ResourceViolation) {
	m.Violations.WithLabelValues(string(v.Type), string(v.Severity)).Inc()
}

// TaskRequeued counts a reclaimed lease.
func (m *Metrics) TaskRequeued(jobType string) {
	m.TasksRequeued.WithLabelValues(jobType).Inc()
}

// TaskExhausted counts a task that ran out of requeues.
func (m *Metrics) TaskExhausted(jobType string) {
	m.TasksExhausted.WithLabelValues(jobType).Inc()
}

// QueueDepth publishes the coordinator queue gauges.
func (m *Metrics) QueueDepth(pending, inFlight int) {
	m.QueuePending.Set(float64(pending))
	m.QueueInFlight.Set(float64(inFlight))
}
