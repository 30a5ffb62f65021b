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
	"fmt"
	"sort"
	"sync"

	"github.com/AleutianAI/AleutianPipelines/services/pipeline"
)

// MemoryStore keeps everything in process memory.
type MemoryStore struct {
	mu          sync.RWMutex
	executions  map[string]*pipeline.DAGExecution
	workers     map[string]*pipeline.Worker
	violations  []pipeline.ResourceViolation
	audit       []pipeline.AuditEvent
	approvals   map[string]*pipeline.ApprovalRequest
	checkpoints map[string][]byte
	counters    map[string]int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		executions:  make(map[string]*pipeline.DAGExecution),
		workers:     make(map[string]*pipeline.Worker),
		approvals:   make(map[string]*pipeline.ApprovalRequest),
		checkpoints: make(map[string][]byte),
		counters:    make(map[string]int64),
	}
}

var _ Store = (*MemoryStore)(nil)

// SaveExecution implements ExecutionStore.
func (s *MemoryStore) SaveExecution(ctx context.Context, exec *pipeline.DAGExecution) error {
	if exec == nil || exec.ExecutionID == "" {
		return fmt.Errorf("save execution: execution id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executions[exec.ExecutionID] = exec.Clone()
	return nil
}

// GetExecution implements ExecutionStore.
func (s *MemoryStore) GetExecution(ctx context.Context, executionID string) (*pipeline.DAGExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	exec, ok := s.executions[executionID]
	if !ok {
		return nil, fmt.Errorf("execution %s: %w", executionID, ErrNotFound)
	}
	return exec.Clone(), nil
}

// ListExecutions implements ExecutionStore. Results are ordered by start time.
func (s *MemoryStore) ListExecutions(ctx context.Context) ([]*pipeline.DAGExecution, error) {
	s.mu.RLock()
	out := make([]*pipeline.DAGExecution, 0, len(s.executions))
	for _, exec := range s.executions {
		out = append(out, exec.Clone())
	}
	s.mu.RUnlock()
	sortExecutions(out)
	return out, nil
}

// DeleteExecution implements ExecutionStore.
func (s *MemoryStore) DeleteExecution(ctx context.Context, executionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.executions[executionID]; !ok {
		return fmt.Errorf("execution %s: %w", executionID, ErrNotFound)
	}
	delete(s.executions, executionID)
	return nil
}

// SaveJobState implements ExecutionStore.
func (s *MemoryStore) SaveJobState(ctx context.Context, executionID string, state *pipeline.JobExecutionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	exec, ok := s.executions[executionID]
	if !ok {
		return fmt.Errorf("execution %s: %w", executionID, ErrNotFound)
	}
	replaceJob(exec, state)
	return nil
}

// SaveWorker implements WorkerStore.
func (s *MemoryStore) SaveWorker(ctx context.Context, w *pipeline.Worker) error {
	if w == nil || w.WorkerID == "" {
		return fmt.Errorf("save worker: worker id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workers[w.WorkerID] = cloneWorker(w)
	return nil
}

// GetWorker implements WorkerStore.
func (s *MemoryStore) GetWorker(ctx context.Context, workerID string) (*pipeline.Worker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.workers[workerID]
	if !ok {
		return nil, fmt.Errorf("worker %s: %w", workerID, ErrNotFound)
	}
	return cloneWorker(w), nil
}

// ListWorkers implements WorkerStore. Results are ordered by worker id.
func (s *MemoryStore) ListWorkers(ctx context.Context) ([]*pipeline.Worker, error) {
	s.mu.RLock()
	out := make([]*pipeline.Worker, 0, len(s.workers))
	for _, w := range s.workers {
		out = append(out, cloneWorker(w))
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].WorkerID < out[j].WorkerID })
	return out, nil
}

// DeleteWorker implements WorkerStore.
func (s *MemoryStore) DeleteWorker(ctx context.Context, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workers[workerID]; !ok {
		return fmt.Errorf("worker %s: %w", workerID, ErrNotFound)
	}
	delete(s.workers, workerID)
	return nil
}

// AppendViolation implements ViolationStore.
func (s *MemoryStore) AppendViolation(ctx context.Context, v pipeline.ResourceViolation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.violations = append(s.violations, v)
	return nil
}

// ListViolations implements ViolationStore.
func (s *MemoryStore) ListViolations(ctx context.Context, executionID string) ([]pipeline.ResourceViolation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]pipeline.ResourceViolation, 0)
	for _, v := range s.violations {
		if executionID == "" || v.ExecutionID == executionID {
			out = append(out, v)
		}
	}
	return out, nil
}

// AppendAudit implements AuditStore.
func (s *MemoryStore) AppendAudit(ctx context.Context, e pipeline.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, e)
	return nil
}

// ListAudit implements AuditStore.
func (s *MemoryStore) ListAudit(ctx context.Context, executionID string) ([]pipeline.AuditEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]pipeline.AuditEvent, 0)
	for _, e := range s.audit {
		if executionID == "" || e.ExecutionID == executionID {
			out = append(out, e)
		}
	}
	return out, nil
}

// SaveApproval implements ApprovalStore.
func (s *MemoryStore) SaveApproval(ctx context.Context, r *pipeline.ApprovalRequest) error {
	if r == nil || r.ID == "" {
		return fmt.Errorf("save approval: id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.approvals[r.ID] = r.Clone()
	return nil
}

// GetApproval implements ApprovalStore.
func (s *MemoryStore) GetApproval(ctx context.Context, id string) (*pipeline.ApprovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.approvals[id]
	if !ok {
		return nil, fmt.Errorf("approval %s: %w", id, ErrNotFound)
	}
	return r.Clone(), nil
}

// ListApprovals implements ApprovalStore. Results are ordered by creation time.
func (s *MemoryStore) ListApprovals(ctx context.Context, status pipeline.ApprovalStatus) ([]*pipeline.ApprovalRequest, error) {
	s.mu.RLock()
	out := make([]*pipeline.ApprovalRequest, 0)
	for _, r := range s.approvals {
		if status == "" || r.Status == status {
			out = append(out, r.Clone())
		}
	}
	s.mu.RUnlock()
	sortApprovals(out)
	return out, nil
}

// PutCheckpoint implements CheckpointStore.
func (s *MemoryStore) PutCheckpoint(ctx context.Context, name string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints[name] = append([]byte(nil), data...)
	return nil
}

// GetCheckpoint implements CheckpointStore.
func (s *MemoryStore) GetCheckpoint(ctx context.Context, name string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.checkpoints[name]
	if !ok {
		return nil, fmt.Errorf("checkpoint %s: %w", name, ErrNotFound)
	}
	return append([]byte(nil), data...), nil
}

// DeleteCheckpoint implements CheckpointStore. Deleting a missing
// checkpoint is not an error.
func (s *MemoryStore) DeleteCheckpoint(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.checkpoints, name)
	return nil
}

// Increment implements Counter.
func (s *MemoryStore) Increment(ctx context.Context, key string, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[key] += delta
	return s.counters[key], nil
}

// CounterValue implements Counter.
func (s *MemoryStore) CounterValue(ctx context.Context, key string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.counters[key], nil
}

// Close implements Store.
func (s *MemoryStore) Close() error { return nil }

// -----------------------------------------------------------------------------
// helpers shared by both implementations
// -----------------------------------------------------------------------------

func replaceJob(exec *pipeline.DAGExecution, state *pipeline.JobExecutionState) {
	if exec.Jobs == nil {
		exec.Jobs = make(map[string]*pipeline.JobExecutionState)
	}
	if _, ok := exec.Jobs[state.JobID]; !ok {
		exec.JobOrder = append(exec.JobOrder, state.JobID)
	}
	exec.Jobs[state.JobID] = state.Clone()
}

func cloneWorker(w *pipeline.Worker) *pipeline.Worker {
	c := *w
	c.Capabilities = append([]string(nil), w.Capabilities...)
	return &c
}

func sortExecutions(list []*pipeline.DAGExecution) {
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].StartedAt.Equal(list[j].StartedAt) {
			return list[i].ExecutionID < list[j].ExecutionID
		}
		return list[i].StartedAt.Before(list[j].StartedAt)
	})
}

func sortApprovals(list []*pipeline.ApprovalRequest) {
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].ID < list[j].ID
		}
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
}
