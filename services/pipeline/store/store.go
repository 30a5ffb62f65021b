// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store is the persistence collaborator of the orchestrator.
//
// The orchestrator treats persistence as a transactional black box: CRUD
// on executions, job states, workers, violations, audit entries, approval
// requests and checkpoints, plus one atomic increment primitive used for
// usage metering. Two implementations are provided:
//
//   - MemoryStore: process-local maps, used by tests and the "run" command.
//   - BadgerStore: embedded BadgerDB with JSON values under key prefixes.
//
// # Thread Safety
//
// Every implementation is safe for concurrent use. Values returned from a
// store are copies; mutating them does not affect stored state.
package store

import (
	"context"
	"errors"

	"github.com/AleutianAI/AleutianPipelines/services/pipeline"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// ExecutionStore persists DAG executions and their job states.
type ExecutionStore interface {
	SaveExecution(ctx context.Context, exec *pipeline.DAGExecution) error
	GetExecution(ctx context.Context, executionID string) (*pipeline.DAGExecution, error)
	ListExecutions(ctx context.Context) ([]*pipeline.DAGExecution, error)
	DeleteExecution(ctx context.Context, executionID string) error

	// SaveJobState replaces one job's state inside a stored execution.
	SaveJobState(ctx context.Context, executionID string, state *pipeline.JobExecutionState) error
}

// WorkerStore persists worker registrations.
type WorkerStore interface {
	SaveWorker(ctx context.Context, w *pipeline.Worker) error
	GetWorker(ctx context.Context, workerID string) (*pipeline.Worker, error)
	ListWorkers(ctx context.Context) ([]*pipeline.Worker, error)
	DeleteWorker(ctx context.Context, workerID string) error
}

// ViolationStore is the append-only trail of resource violations.
type ViolationStore interface {
	AppendViolation(ctx context.Context, v pipeline.ResourceViolation) error

	// ListViolations returns violations in append order. An empty
	// executionID lists every execution.
	ListViolations(ctx context.Context, executionID string) ([]pipeline.ResourceViolation, error)
}

// AuditStore is the append-only audit trail.
type AuditStore interface {
	AppendAudit(ctx context.Context, e pipeline.AuditEvent) error
	ListAudit(ctx context.Context, executionID string) ([]pipeline.AuditEvent, error)
}

// ApprovalStore persists approval requests.
type ApprovalStore interface {
	SaveApproval(ctx context.Context, r *pipeline.ApprovalRequest) error
	GetApproval(ctx context.Context, id string) (*pipeline.ApprovalRequest, error)

	// ListApprovals filters by status; an empty status lists everything.
	ListApprovals(ctx context.Context, status pipeline.ApprovalStatus) ([]*pipeline.ApprovalRequest, error)
}

// CheckpointStore holds opaque checkpoint documents by name.
type CheckpointStore interface {
	PutCheckpoint(ctx context.Context, name string, data []byte) error
	GetCheckpoint(ctx context.Context, name string) ([]byte, error)
	DeleteCheckpoint(ctx context.Context, name string) error
}

// Counter is the atomic increment primitive.
type Counter interface {
	// Increment adds delta to key atomically and returns the new value.
	Increment(ctx context.Context, key string, delta int64) (int64, error)

	// CounterValue returns the current value, zero when never incremented.
	CounterValue(ctx context.Context, key string) (int64, error)
}

// Store is the full persistence surface.
type Store interface {
	ExecutionStore
	WorkerStore
	ViolationStore
	AuditStore
	ApprovalStore
	CheckpointStore
	Counter

	Close() error
}
