// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package security

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianPipelines/services/pipeline"
	"github.com/AleutianAI/AleutianPipelines/services/pipeline/notify"
)

// ViolationSink persists violations. store.ViolationStore satisfies it.
type ViolationSink interface {
	AppendViolation(ctx context.Context, v pipeline.ResourceViolation) error
}

// ViolationObserver is told about every recorded violation (metrics).
type ViolationObserver interface {
	ObserveViolation(v pipeline.ResourceViolation)
}

// Config tunes the security manager.
type Config struct {
	// SampleInterval is the monitoring tick. Default 5s.
	SampleInterval time.Duration

	// Defaults fill omitted limit fields.
	Defaults pipeline.ResourceLimits

	// CancelExecutionOnCritical asks the engine to cancel the whole
	// execution, not just the job, on a critical violation.
	CancelExecutionOnCritical bool
}

// DefaultConfig returns a 5s sample interval and the documented defaults.
func DefaultConfig() Config {
	return Config{
		SampleInterval: DefaultSampleEvery,
		Defaults:       DefaultLimits(),
	}
}

// Options wires the manager's collaborators. Every field is optional.
type Options struct {
	Config     Config
	Violations ViolationSink
	Auditor    *Auditor
	Notifier   notify.Notifier
	Observer   ViolationObserver
	Logger     *slog.Logger
}

// Manager is the security manager.
//
// # Description
//
// Manager validates limits, runs one sampling loop per monitored job and
// records violations durably. Callers decide what to do with a violation
// through the onViolation callback; Manager itself never cancels anything.
//
// # Thread Safety
//
// Safe for concurrent use.
type Manager struct {
	cfg        Config
	violations ViolationSink
	auditor    *Auditor
	notifier   notify.Notifier
	observer   ViolationObserver
	logger     *slog.Logger

	mu       sync.Mutex
	monitors map[string]*monitor
}

// NewManager creates a Manager.
func NewManager(opts Options) *Manager {
	cfg := opts.Config
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = DefaultSampleEvery
	}
	cfg.Defaults = ApplyDefaults(&cfg.Defaults, DefaultLimits())

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:        cfg,
		violations: opts.Violations,
		auditor:    opts.Auditor,
		notifier:   opts.Notifier,
		observer:   opts.Observer,
		logger:     logger.With(slog.String("component", "security")),
		monitors:   make(map[string]*monitor),
	}
}

// Config returns the effective configuration.
func (m *Manager) Config() Config {
	return m.cfg
}

// ValidateLimits checks limits against the allowed bounds.
func (m *Manager) ValidateLimits(limits *pipeline.ResourceLimits) error {
	return ValidateLimits(limits)
}

// EffectiveLimits fills omitted fields from the configured defaults.
func (m *Manager) EffectiveLimits(limits *pipeline.ResourceLimits) pipeline.ResourceLimits {
	return ApplyDefaults(limits, m.cfg.Defaults)
}

// Audit records an audit event without blocking.
func (m *Manager) Audit(e pipeline.AuditEvent) {
	if m.auditor == nil {
		m.logger.Info("audit",
			slog.String("audit_type", e.Type),
			slog.String("execution_id", e.ExecutionID),
			slog.String("job_id", e.JobID),
			slog.Any("details", e.Details),
		)
		return
	}
	m.auditor.Audit(e)
}

// monitorKey identifies one monitored job.
func monitorKey(executionID, jobID string) string {
	return executionID + "/" + jobID
}

// StartMonitoring begins sampling a job.
//
// # Description
//
// Every SampleInterval the sampler is read and compared against limits.
// Each breach is graded; a violation is recorded and passed to onViolation
// the first time a resource reaches a given severity, so a job that stays
// over its limit escalates low, medium, high, critical rather than
// repeating the same record every tick.
//
// # Inputs
//
//   - executionID, jobID: Identify the monitored job.
//   - limits: Effective limits (see EffectiveLimits).
//   - sampler: Usage source. Must not be nil.
//   - onViolation: Optional callback, called from the monitor goroutine.
//     It must not block or call StopMonitoring for the same job.
//
// # Outputs
//
//   - error: Non-nil when the job is already monitored or sampler is nil.
func (m *Manager) StartMonitoring(
	executionID, jobID string,
	limits pipeline.ResourceLimits,
	sampler Sampler,
	onViolation func(pipeline.ResourceViolation),
) error {
	if sampler == nil {
		return fmt.Errorf("start monitoring %s/%s: sampler is nil", executionID, jobID)
	}
	key := monitorKey(executionID, jobID)

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.monitors[key]; exists {
		return fmt.Errorf("start monitoring %s: already monitored", key)
	}
	mon := &monitor{
		mgr:         m,
		executionID: executionID,
		jobID:       jobID,
		limits:      limits,
		sampler:     sampler,
		onViolation: onViolation,
		reported:    make(map[pipeline.ViolationType]int),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
	m.monitors[key] = mon
	go mon.run(m.cfg.SampleInterval)
	return nil
}

// StopMonitoring stops sampling a job. Stopping an unknown job is a no-op.
func (m *Manager) StopMonitoring(executionID, jobID string) {
	m.mu.Lock()
	mon, ok := m.monitors[monitorKey(executionID, jobID)]
	if ok {
		delete(m.monitors, monitorKey(executionID, jobID))
	}
	m.mu.Unlock()
	if ok {
		mon.stop()
	}
}

// StopExecution stops every monitor that belongs to executionID.
func (m *Manager) StopExecution(executionID string) {
	m.mu.Lock()
	var stopping []*monitor
	for key, mon := range m.monitors {
		if mon.executionID == executionID {
			stopping = append(stopping, mon)
			delete(m.monitors, key)
		}
	}
	m.mu.Unlock()
	for _, mon := range stopping {
		mon.stop()
	}
}

// Active returns the number of running monitors.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.monitors)
}

// RecordViolation persists, audits, publishes and logs a violation.
//
// Persistence failures fall back to an error log carrying every field, so
// the record is never silently dropped.
func (m *Manager) RecordViolation(ctx context.Context, v pipeline.ResourceViolation) {
	if v.Timestamp.IsZero() {
		v.Timestamp = time.Now().UTC()
	}

	attrs := []any{
		slog.String("execution_id", v.ExecutionID),
		slog.String("job_id", v.JobID),
		slog.String("type", string(v.Type)),
		slog.String("severity", string(v.Severity)),
		slog.Float64("observed", v.ObservedValue),
		slog.Float64("limit", v.Limit),
	}
	if v.Severity.Forces() {
		m.logger.Error("resource violation", attrs...)
	} else {
		m.logger.Warn("resource violation", attrs...)
	}

	if m.violations != nil {
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		err := m.violations.AppendViolation(wctx, v)
		cancel()
		if err != nil {
			m.logger.Error("violation write failed",
				append(attrs, slog.String("error", err.Error()), slog.Time("timestamp", v.Timestamp))...)
		}
	}

	level := pipeline.AuditWarning
	if v.Severity == pipeline.SeverityCritical {
		level = pipeline.AuditCritical
	}
	m.Audit(pipeline.AuditEvent{
		Type:        "resource_violation",
		Level:       level,
		ExecutionID: v.ExecutionID,
		JobID:       v.JobID,
		Details: map[string]any{
			"type":     string(v.Type),
			"severity": string(v.Severity),
			"observed": v.ObservedValue,
			"limit":    v.Limit,
		},
		Timestamp: v.Timestamp,
	})

	if m.observer != nil {
		m.observer.ObserveViolation(v)
	}
	if m.notifier != nil {
		err := m.notifier.Notify(ctx, notify.Event{
			Type:        notify.EventViolation,
			ExecutionID: v.ExecutionID,
			JobID:       v.JobID,
			Message:     fmt.Sprintf("%s violation (%s): %.1f over limit %.1f", v.Type, v.Severity, v.ObservedValue, v.Limit),
			At:          v.Timestamp,
		})
		if err != nil {
			m.logger.Warn("violation notification failed", append(attrs, slog.String("error", err.Error()))...)
		}
	}
}

// Close stops every monitor and drains the auditor.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	all := make([]*monitor, 0, len(m.monitors))
	for key, mon := range m.monitors {
		all = append(all, mon)
		delete(m.monitors, key)
	}
	m.mu.Unlock()
	for _, mon := range all {
		mon.stop()
	}
	if m.auditor != nil {
		return m.auditor.Close(ctx)
	}
	return nil
}

// =============================================================================
// monitor
// =============================================================================

type monitor struct {
	mgr         *Manager
	executionID string
	jobID       string
	limits      pipeline.ResourceLimits
	sampler     Sampler
	onViolation func(pipeline.ResourceViolation)

	// reported holds the highest severity rank already reported per type.
	// Only touched by the monitor goroutine.
	reported map[pipeline.ViolationType]int

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

func (mon *monitor) run(interval time.Duration) {
	defer close(mon.doneCh)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-mon.stopCh:
			return
		case <-ticker.C:
			mon.tick()
		}
	}
}

func (mon *monitor) tick() {
	usage, err := mon.sampler.Sample()
	if err != nil {
		mon.mgr.logger.Debug("resource sample incomplete",
			slog.String("execution_id", mon.executionID),
			slog.String("job_id", mon.jobID),
			slog.String("error", err.Error()),
		)
	}
	for _, v := range mon.evaluate(usage, time.Now().UTC()) {
		select {
		case <-mon.stopCh:
			return
		default:
		}
		mon.mgr.RecordViolation(context.Background(), v)
		if mon.onViolation != nil {
			mon.onViolation(v)
		}
	}
}

// evaluate compares one sample with the limits and returns the violations
// that escalate beyond what was already reported.
func (mon *monitor) evaluate(u pipeline.ResourceUsage, now time.Time) []pipeline.ResourceViolation {
	l := mon.limits
	checks := []struct {
		typ      pipeline.ViolationType
		observed float64
		limit    float64
		enforced bool
	}{
		{pipeline.ViolationTime, float64(u.Elapsed.Milliseconds()), float64(l.MaxExecutionTimeMs), l.EnforcesTime()},
		{pipeline.ViolationMemory, u.MemoryMB, float64(l.MaxMemoryMB), l.EnforcesMemory()},
		{pipeline.ViolationCPU, u.CPUPercent, l.MaxCPUPercent, l.EnforcesCPU()},
	}

	var out []pipeline.ResourceViolation
	for _, c := range checks {
		if !c.enforced {
			continue
		}
		sev, breached := ClassifySeverity(c.observed, c.limit)
		if !breached || severityRank(sev) <= mon.reported[c.typ] {
			continue
		}
		mon.reported[c.typ] = severityRank(sev)
		out = append(out, pipeline.ResourceViolation{
			ExecutionID:   mon.executionID,
			JobID:         mon.jobID,
			Type:          c.typ,
			Severity:      sev,
			ObservedValue: c.observed,
			Limit:         c.limit,
			Timestamp:     now,
		})
	}
	return out
}

func (mon *monitor) stop() {
	mon.stopOnce.Do(func() { close(mon.stopCh) })
	<-mon.doneCh
}
