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
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianPipelines/services/pipeline"
	"github.com/AleutianAI/AleutianPipelines/services/pipeline/notify"
	"github.com/AleutianAI/AleutianPipelines/services/pipeline/store"
)

// TestValidateLimits_Boundaries verifies the documented bounds.
func TestValidateLimits_Boundaries(t *testing.T) {
	day := (24 * time.Hour).Milliseconds()
	tests := []struct {
		name    string
		limits  *pipeline.ResourceLimits
		wantErr bool
		field   string
	}{
		{name: "nil", limits: nil},
		{name: "omitted fields", limits: &pipeline.ResourceLimits{}},
		{name: "24h accepted", limits: &pipeline.ResourceLimits{MaxExecutionTimeMs: day}},
		{name: "24h+1ms rejected", limits: &pipeline.ResourceLimits{MaxExecutionTimeMs: day + 1}, wantErr: true, field: "MaxExecutionTimeMs"},
		{name: "negative time", limits: &pipeline.ResourceLimits{MaxExecutionTimeMs: -1}, wantErr: true, field: "MaxExecutionTimeMs"},
		{name: "32GB accepted", limits: &pipeline.ResourceLimits{MaxMemoryMB: 32768}},
		{name: "32GB+1 rejected", limits: &pipeline.ResourceLimits{MaxMemoryMB: 32769}, wantErr: true, field: "MaxMemoryMB"},
		{name: "cpu 100 accepted", limits: &pipeline.ResourceLimits{MaxCPUPercent: 100}},
		{name: "cpu 101 rejected", limits: &pipeline.ResourceLimits{MaxCPUPercent: 101}, wantErr: true, field: "MaxCPUPercent"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateLimits(tt.limits)
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, pipeline.ErrValidation)
			var verr *pipeline.ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestApplyDefaults(t *testing.T) {
	got := ApplyDefaults(nil, DefaultLimits())
	assert.Equal(t, int64(3_600_000), got.MaxExecutionTimeMs)
	assert.Equal(t, int64(2048), got.MaxMemoryMB)
	assert.Equal(t, 80.0, got.MaxCPUPercent)
	assert.True(t, got.EnforcesCPU())

	off := false
	got = ApplyDefaults(&pipeline.ResourceLimits{MaxMemoryMB: 512, EnforceCPU: &off}, DefaultLimits())
	assert.Equal(t, int64(512), got.MaxMemoryMB)
	assert.Equal(t, 80.0, got.MaxCPUPercent)
	assert.False(t, got.EnforcesCPU())
}

func TestClassifySeverity(t *testing.T) {
	tests := []struct {
		observed float64
		want     pipeline.Severity
		breached bool
	}{
		{observed: 100, breached: false},
		{observed: 110, want: pipeline.SeverityLow, breached: true},
		{observed: 120, want: pipeline.SeverityMedium, breached: true},
		{observed: 150, want: pipeline.SeverityHigh, breached: true},
		{observed: 199, want: pipeline.SeverityHigh, breached: true},
		{observed: 200, want: pipeline.SeverityCritical, breached: true},
	}
	for _, tt := range tests {
		sev, breached := ClassifySeverity(tt.observed, 100)
		assert.Equal(t, tt.breached, breached, "observed %v", tt.observed)
		assert.Equal(t, tt.want, sev, "observed %v", tt.observed)
	}

	_, breached := ClassifySeverity(10, 0)
	assert.False(t, breached)
}

type fixedSampler struct {
	mu sync.Mutex
	u  pipeline.ResourceUsage
}

func (s *fixedSampler) Sample() (pipeline.ResourceUsage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.u, nil
}

func (s *fixedSampler) set(u pipeline.ResourceUsage) {
	s.mu.Lock()
	s.u = u
	s.mu.Unlock()
}

// TestMonitor_EscalatesAndRecords verifies violations are recorded once
// per severity level and the callback sees each escalation.
func TestMonitor_EscalatesAndRecords(t *testing.T) {
	// Arrange
	st := store.NewMemoryStore()
	auditor := NewAuditor(st, 16, nil)
	mgr := NewManager(Options{
		Config:     Config{SampleInterval: 5 * time.Millisecond},
		Violations: st,
		Auditor:    auditor,
	})
	sampler := &fixedSampler{u: pipeline.ResourceUsage{MemoryMB: 110}}
	limits := mgr.EffectiveLimits(&pipeline.ResourceLimits{MaxMemoryMB: 100})

	var mu sync.Mutex
	var seen []pipeline.Severity
	onViolation := func(v pipeline.ResourceViolation) {
		mu.Lock()
		seen = append(seen, v.Severity)
		mu.Unlock()
	}

	// Act
	require.NoError(t, mgr.StartMonitoring("e1", "train", limits, sampler, onViolation))
	assert.Error(t, mgr.StartMonitoring("e1", "train", limits, sampler, nil))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 1
	}, time.Second, 5*time.Millisecond)

	sampler.set(pipeline.ResourceUsage{MemoryMB: 250})
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	}, time.Second, 5*time.Millisecond)

	// Staying critical adds nothing new.
	time.Sleep(30 * time.Millisecond)
	mgr.StopMonitoring("e1", "train")
	require.NoError(t, mgr.Close(context.Background()))

	// Assert
	mu.Lock()
	assert.Equal(t, []pipeline.Severity{pipeline.SeverityLow, pipeline.SeverityCritical}, seen)
	mu.Unlock()
	assert.Equal(t, 0, mgr.Active())

	violations, err := st.ListViolations(context.Background(), "e1")
	require.NoError(t, err)
	require.Len(t, violations, 2)
	assert.Equal(t, pipeline.ViolationMemory, violations[1].Type)
	assert.Equal(t, 250.0, violations[1].ObservedValue)
	assert.Equal(t, 100.0, violations[1].Limit)

	audit, err := st.ListAudit(context.Background(), "e1")
	require.NoError(t, err)
	require.Len(t, audit, 2)
	assert.Equal(t, pipeline.AuditCritical, audit[1].Level)
}

func TestMonitor_UnenforcedLimitIgnored(t *testing.T) {
	off := false
	mgr := NewManager(Options{Config: Config{SampleInterval: time.Millisecond}})
	limits := mgr.EffectiveLimits(&pipeline.ResourceLimits{MaxCPUPercent: 10, EnforceCPU: &off})

	mon := &monitor{mgr: mgr, limits: limits, reported: map[pipeline.ViolationType]int{}}
	got := mon.evaluate(pipeline.ResourceUsage{CPUPercent: 95}, time.Now())
	assert.Empty(t, got)
}

func TestMonitor_TimeLimit(t *testing.T) {
	mgr := NewManager(Options{})
	limits := mgr.EffectiveLimits(&pipeline.ResourceLimits{MaxExecutionTimeMs: 1000})
	mon := &monitor{mgr: mgr, executionID: "e", jobID: "j", limits: limits, reported: map[pipeline.ViolationType]int{}}

	got := mon.evaluate(pipeline.ResourceUsage{Elapsed: 1600 * time.Millisecond}, time.Now())
	require.Len(t, got, 1)
	assert.Equal(t, pipeline.ViolationTime, got[0].Type)
	assert.Equal(t, pipeline.SeverityHigh, got[0].Severity)
	assert.True(t, got[0].Severity.Forces())
}

func TestStopExecution(t *testing.T) {
	mgr := NewManager(Options{Config: Config{SampleInterval: time.Hour}})
	s := &fixedSampler{}
	require.NoError(t, mgr.StartMonitoring("e1", "a", DefaultLimits(), s, nil))
	require.NoError(t, mgr.StartMonitoring("e1", "b", DefaultLimits(), s, nil))
	require.NoError(t, mgr.StartMonitoring("e2", "a", DefaultLimits(), s, nil))

	mgr.StopExecution("e1")
	assert.Equal(t, 1, mgr.Active())
	mgr.StopMonitoring("e2", "a")
	mgr.StopMonitoring("e2", "a")
	assert.Equal(t, 0, mgr.Active())
}

func TestRecordViolation_LogsNotifierFailure(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	mgr := NewManager(Options{
		Logger: logger,
		Notifier: notify.Func(func(context.Context, notify.Event) error {
			return errors.New("webhook unreachable")
		}),
	})

	mgr.RecordViolation(context.Background(), pipeline.ResourceViolation{
		ExecutionID:   "e1",
		JobID:         "train",
		Type:          pipeline.ViolationMemory,
		Severity:      pipeline.SeverityLow,
		ObservedValue: 110,
		Limit:         100,
	})

	out := buf.String()
	assert.Contains(t, out, "level=WARN")
	assert.Contains(t, out, "violation notification failed")
	assert.Contains(t, out, "webhook unreachable")
	assert.Contains(t, out, "job_id=train")
}

type failingSink struct{ calls int }

func (f *failingSink) AppendAudit(context.Context, pipeline.AuditEvent) error {
	f.calls++
	return errors.New("disk full")
}

// TestAuditor_NeverBlocks verifies Audit returns even when the sink fails
// and the buffer overflows.
func TestAuditor_NeverBlocks(t *testing.T) {
	sink := &failingSink{}
	a := NewAuditor(sink, 1, nil)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			a.Audit(pipeline.AuditEvent{Type: "job_started"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Audit blocked")
	}
	require.NoError(t, a.Close(context.Background()))
	assert.GreaterOrEqual(t, sink.calls, 1)

	// After close, events are logged rather than queued.
	a.Audit(pipeline.AuditEvent{Type: "late"})
}

func TestJobSampler(t *testing.T) {
	s := NewJobSampler()
	base := s.start
	s.now = func() time.Time { return base.Add(3 * time.Second) }
	s.Report(pipeline.ResourceUsage{MemoryMB: 42, CPUPercent: 12, Elapsed: time.Hour})

	u, err := s.Sample()
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, u.Elapsed)
	assert.Equal(t, 42.0, u.MemoryMB)
	assert.Equal(t, 12.0, u.CPUPercent)
}

func TestProcessSampler(t *testing.T) {
	s := NewProcessSampler()
	u, _ := s.Sample()
	assert.Greater(t, u.MemoryMB, 0.0)
	assert.GreaterOrEqual(t, u.CPUPercent, 0.0)
}

type erringSampler struct {
	u   pipeline.ResourceUsage
	err error
}

func (f erringSampler) Sample() (pipeline.ResourceUsage, error) { return f.u, f.err }

func TestCombined_TakesHighestReading(t *testing.T) {
	broken := errors.New("cpu unavailable")
	c := Combined{
		erringSampler{u: pipeline.ResourceUsage{Elapsed: time.Second, MemoryMB: 10}},
		erringSampler{u: pipeline.ResourceUsage{MemoryMB: 300, CPUPercent: 40}, err: broken},
	}
	u, err := c.Sample()
	assert.ErrorIs(t, err, broken)
	assert.Equal(t, time.Second, u.Elapsed)
	assert.Equal(t, 300.0, u.MemoryMB)
	assert.Equal(t, 40.0, u.CPUPercent)
}
