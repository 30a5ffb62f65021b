// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianPipelines/services/pipeline"
)

// forEachStore runs a contract test against every implementation.
func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("memory", func(t *testing.T) {
		s := NewMemoryStore()
		defer s.Close()
		fn(t, s)
	})
	t.Run("badger", func(t *testing.T) {
		s, err := OpenBadger(InMemoryBadgerConfig())
		require.NoError(t, err)
		defer s.Close()
		fn(t, s)
	})
}

func sampleExecution(id string, started time.Time) *pipeline.DAGExecution {
	return &pipeline.DAGExecution{
		ExecutionID: id,
		Name:        "train",
		Status:      pipeline.ExecutionRunning,
		StartedAt:   started,
		Jobs: map[string]*pipeline.JobExecutionState{
			"a": {JobID: "a", Type: "noop", Status: pipeline.JobPending},
		},
		JobOrder: []string{"a"},
	}
}

// TestStore_Executions verifies execution CRUD and job state replacement.
func TestStore_Executions(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		now := time.Now().UTC()

		// Arrange
		require.NoError(t, s.SaveExecution(ctx, sampleExecution("e2", now.Add(time.Second))))
		require.NoError(t, s.SaveExecution(ctx, sampleExecution("e1", now)))

		// Act
		require.NoError(t, s.SaveJobState(ctx, "e1", &pipeline.JobExecutionState{
			JobID: "a", Type: "noop", Status: pipeline.JobCompleted, Attempt: 1, Output: "done",
		}))
		require.NoError(t, s.SaveJobState(ctx, "e1", &pipeline.JobExecutionState{
			JobID: "b", Type: "noop", Status: pipeline.JobPending,
		}))

		// Assert
		got, err := s.GetExecution(ctx, "e1")
		require.NoError(t, err)
		assert.Equal(t, pipeline.JobCompleted, got.Jobs["a"].Status)
		assert.Equal(t, "done", got.Jobs["a"].Output)
		assert.Equal(t, []string{"a", "b"}, got.JobOrder)

		list, err := s.ListExecutions(ctx)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, "e1", list[0].ExecutionID)

		require.NoError(t, s.DeleteExecution(ctx, "e2"))
		_, err = s.GetExecution(ctx, "e2")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.ErrorIs(t, s.DeleteExecution(ctx, "e2"), ErrNotFound)
		assert.ErrorIs(t, s.SaveJobState(ctx, "missing", &pipeline.JobExecutionState{JobID: "x"}), ErrNotFound)
	})
}

// TestStore_ReturnsCopies verifies callers cannot mutate stored state.
func TestStore_ReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	exec := sampleExecution("e1", time.Now())
	require.NoError(t, s.SaveExecution(ctx, exec))

	exec.Jobs["a"].Status = pipeline.JobFailed
	got, err := s.GetExecution(ctx, "e1")
	require.NoError(t, err)
	got.Jobs["a"].Attempt = 99

	again, err := s.GetExecution(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, pipeline.JobPending, again.Jobs["a"].Status)
	assert.Equal(t, 0, again.Jobs["a"].Attempt)
}

func TestStore_Workers(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		w := &pipeline.Worker{WorkerID: "w1", Hostname: "gpu-1", Capabilities: []string{"train"}, MaxConcurrency: 2}
		require.NoError(t, s.SaveWorker(ctx, w))
		require.NoError(t, s.SaveWorker(ctx, &pipeline.Worker{WorkerID: "w0", MaxConcurrency: 1}))

		got, err := s.GetWorker(ctx, "w1")
		require.NoError(t, err)
		assert.Equal(t, "gpu-1", got.Hostname)
		assert.Equal(t, []string{"train"}, got.Capabilities)

		list, err := s.ListWorkers(ctx)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, "w0", list[0].WorkerID)

		require.NoError(t, s.DeleteWorker(ctx, "w1"))
		_, err = s.GetWorker(ctx, "w1")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStore_ViolationsAndAudit(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		base := time.Now().UTC()
		for i, exec := range []string{"e1", "e2", "e1"} {
			require.NoError(t, s.AppendViolation(ctx, pipeline.ResourceViolation{
				ExecutionID: exec, JobID: "j", Type: pipeline.ViolationTimeout,
				Severity: pipeline.SeverityHigh, ObservedValue: float64(i),
				Timestamp: base.Add(time.Duration(i) * time.Millisecond),
			}))
			require.NoError(t, s.AppendAudit(ctx, pipeline.AuditEvent{
				ID: exec + "-audit", Type: "job_started", Level: pipeline.AuditInfo,
				ExecutionID: exec, Timestamp: base.Add(time.Duration(i) * time.Millisecond),
			}))
		}

		e1, err := s.ListViolations(ctx, "e1")
		require.NoError(t, err)
		require.Len(t, e1, 2)
		assert.Equal(t, 0.0, e1[0].ObservedValue)
		assert.Equal(t, 2.0, e1[1].ObservedValue)

		all, err := s.ListViolations(ctx, "")
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, 1.0, all[1].ObservedValue)

		audit, err := s.ListAudit(ctx, "e2")
		require.NoError(t, err)
		require.Len(t, audit, 1)
		assert.Equal(t, "job_started", audit[0].Type)
	})
}

func TestStore_Approvals(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		now := time.Now().UTC()
		require.NoError(t, s.SaveApproval(ctx, &pipeline.ApprovalRequest{
			ID: "r1", Status: pipeline.ApprovalPending, CreatedAt: now,
		}))
		require.NoError(t, s.SaveApproval(ctx, &pipeline.ApprovalRequest{
			ID: "r2", Status: pipeline.ApprovalApproved, CreatedAt: now.Add(time.Second),
			Decision: &pipeline.ApprovalDecision{Actor: "alice", At: now},
		}))

		pending, err := s.ListApprovals(ctx, pipeline.ApprovalPending)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, "r1", pending[0].ID)

		all, err := s.ListApprovals(ctx, "")
		require.NoError(t, err)
		assert.Len(t, all, 2)

		got, err := s.GetApproval(ctx, "r2")
		require.NoError(t, err)
		require.NotNil(t, got.Decision)
		assert.Equal(t, "alice", got.Decision.Actor)

		_, err = s.GetApproval(ctx, "nope")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStore_Checkpoints(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.PutCheckpoint(ctx, "exec-1", []byte(`{"a":1}`)))

		data, err := s.GetCheckpoint(ctx, "exec-1")
		require.NoError(t, err)
		assert.JSONEq(t, `{"a":1}`, string(data))

		require.NoError(t, s.DeleteCheckpoint(ctx, "exec-1"))
		_, err = s.GetCheckpoint(ctx, "exec-1")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

// TestStore_IncrementConcurrent verifies the counter is atomic under contention.
func TestStore_IncrementConcurrent(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.Increment(ctx, "usage/alice/job_attempts", 1)
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		v, err := s.CounterValue(ctx, "usage/alice/job_attempts")
		require.NoError(t, err)
		assert.Equal(t, int64(20), v)

		zero, err := s.CounterValue(ctx, "never")
		require.NoError(t, err)
		assert.Equal(t, int64(0), zero)
	})
}

func TestOpenBadger_Persistent(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultBadgerConfig(dir)
	cfg.SyncWrites = false

	s, err := OpenBadger(cfg)
	require.NoError(t, err)
	_, err = s.Increment(context.Background(), "k", 5)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s2, err := OpenBadger(cfg)
	require.NoError(t, err)
	defer s2.Close()
	v, err := s2.CounterValue(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, int64(5), v)
}

func TestOpenBadger_RequiresDir(t *testing.T) {
	_, err := OpenBadger(BadgerConfig{})
	assert.Error(t, err)
}
