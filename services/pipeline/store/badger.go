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
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/AleutianPipelines/services/pipeline"
)

// Key prefixes. Each record type lives under its own prefix so listing is a
// prefix scan.
const (
	prefixExecution  = "exec/"
	prefixWorker     = "worker/"
	prefixViolation  = "violation/"
	prefixAudit      = "audit/"
	prefixApproval   = "approval/"
	prefixCheckpoint = "checkpoint/"
	prefixCounter    = "counter/"
)

// maxConflictRetries bounds optimistic transaction retries.
const maxConflictRetries = 64

// BadgerStore implements Store on an embedded BadgerDB.
//
// # Description
//
// Records are JSON documents. Counters are 8-byte big-endian integers
// updated in read-modify-write transactions; BadgerDB's optimistic
// concurrency rejects concurrent writers with ErrConflict and the update
// is retried, which makes Increment atomic.
//
// # Thread Safety
//
// Safe for concurrent use.
type BadgerStore struct {
	db     *badger.DB
	gc     *gcRunner
	logger *slog.Logger
	seq    atomic.Uint64
}

var _ Store = (*BadgerStore)(nil)

// OpenBadger opens a BadgerStore and starts value log GC when configured.
func OpenBadger(cfg BadgerConfig) (*BadgerStore, error) {
	db, err := openBadger(cfg)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &BadgerStore{db: db, logger: logger}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		gc, err := startGCRunner(db, cfg.GCInterval, cfg.GCDiscardRatio, logger)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("start badger gc: %w", err)
		}
		s.gc = gc
	}
	return s, nil
}

// Close stops GC and closes the database.
func (s *BadgerStore) Close() error {
	if s.gc != nil {
		s.gc.stop()
	}
	return s.db.Close()
}

// -----------------------------------------------------------------------------
// Transaction helpers
// -----------------------------------------------------------------------------

func (s *BadgerStore) view(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}
	return s.db.View(fn)
}

// update runs fn in a read-write transaction, retrying on conflicts.
func (s *BadgerStore) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	var err error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		if cerr := ctx.Err(); cerr != nil {
			return fmt.Errorf("context cancelled: %w", cerr)
		}
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return fmt.Errorf("transaction conflict after %d attempts: %w", maxConflictRetries, err)
}

func putJSON(txn *badger.Txn, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return txn.Set([]byte(key), data)
}

func getJSON(txn *badger.Txn, key string, v any) error {
	item, err := txn.Get([]byte(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

func deleteKey(txn *badger.Txn, key string) error {
	if _, err := txn.Get([]byte(key)); err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%s: %w", key, ErrNotFound)
		}
		return err
	}
	return txn.Delete([]byte(key))
}

func scanPrefix(txn *badger.Txn, prefix string, fn func(val []byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(prefix)
	it := txn.NewIterator(opts)
	defer it.Close()
	for it.Rewind(); it.Valid(); it.Next() {
		if err := it.Item().Value(fn); err != nil {
			return err
		}
	}
	return nil
}

// appendKey builds an ordered key for append-only records.
func (s *BadgerStore) appendKey(prefix, executionID string, nanos int64) string {
	return fmt.Sprintf("%s%s/%020d/%010d", prefix, executionID, nanos, s.seq.Add(1))
}

// -----------------------------------------------------------------------------
// ExecutionStore
// -----------------------------------------------------------------------------

// SaveExecution implements ExecutionStore.
func (s *BadgerStore) SaveExecution(ctx context.Context, exec *pipeline.DAGExecution) error {
	if exec == nil || exec.ExecutionID == "" {
		return fmt.Errorf("save execution: execution id is required")
	}
	return s.update(ctx, func(txn *badger.Txn) error {
		return putJSON(txn, prefixExecution+exec.ExecutionID, exec)
	})
}

// GetExecution implements ExecutionStore.
func (s *BadgerStore) GetExecution(ctx context.Context, executionID string) (*pipeline.DAGExecution, error) {
	var exec pipeline.DAGExecution
	err := s.view(ctx, func(txn *badger.Txn) error {
		return getJSON(txn, prefixExecution+executionID, &exec)
	})
	if err != nil {
		return nil, err
	}
	return &exec, nil
}

// ListExecutions implements ExecutionStore.
func (s *BadgerStore) ListExecutions(ctx context.Context) ([]*pipeline.DAGExecution, error) {
	var out []*pipeline.DAGExecution
	err := s.view(ctx, func(txn *badger.Txn) error {
		return scanPrefix(txn, prefixExecution, func(val []byte) error {
			var exec pipeline.DAGExecution
			if err := json.Unmarshal(val, &exec); err != nil {
				return err
			}
			out = append(out, &exec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sortExecutions(out)
	return out, nil
}

// DeleteExecution implements ExecutionStore.
func (s *BadgerStore) DeleteExecution(ctx context.Context, executionID string) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		return deleteKey(txn, prefixExecution+executionID)
	})
}

// SaveJobState implements ExecutionStore.
func (s *BadgerStore) SaveJobState(ctx context.Context, executionID string, state *pipeline.JobExecutionState) error {
	key := prefixExecution + executionID
	return s.update(ctx, func(txn *badger.Txn) error {
		var exec pipeline.DAGExecution
		if err := getJSON(txn, key, &exec); err != nil {
			return err
		}
		replaceJob(&exec, state)
		return putJSON(txn, key, &exec)
	})
}

// -----------------------------------------------------------------------------
// WorkerStore
// -----------------------------------------------------------------------------

// SaveWorker implements WorkerStore.
func (s *BadgerStore) SaveWorker(ctx context.Context, w *pipeline.Worker) error {
	if w == nil || w.WorkerID == "" {
		return fmt.Errorf("save worker: worker id is required")
	}
	return s.update(ctx, func(txn *badger.Txn) error {
		return putJSON(txn, prefixWorker+w.WorkerID, w)
	})
}

// GetWorker implements WorkerStore.
func (s *BadgerStore) GetWorker(ctx context.Context, workerID string) (*pipeline.Worker, error) {
	var w pipeline.Worker
	err := s.view(ctx, func(txn *badger.Txn) error {
		return getJSON(txn, prefixWorker+workerID, &w)
	})
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// ListWorkers implements WorkerStore.
func (s *BadgerStore) ListWorkers(ctx context.Context) ([]*pipeline.Worker, error) {
	out := make([]*pipeline.Worker, 0)
	err := s.view(ctx, func(txn *badger.Txn) error {
		return scanPrefix(txn, prefixWorker, func(val []byte) error {
			var w pipeline.Worker
			if err := json.Unmarshal(val, &w); err != nil {
				return err
			}
			out = append(out, &w)
			return nil
		})
	})
	return out, err
}

// DeleteWorker implements WorkerStore.
func (s *BadgerStore) DeleteWorker(ctx context.Context, workerID string) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		return deleteKey(txn, prefixWorker+workerID)
	})
}

// -----------------------------------------------------------------------------
// ViolationStore and AuditStore
// -----------------------------------------------------------------------------

// AppendViolation implements ViolationStore.
func (s *BadgerStore) AppendViolation(ctx context.Context, v pipeline.ResourceViolation) error {
	key := s.appendKey(prefixViolation, v.ExecutionID, v.Timestamp.UnixNano())
	return s.update(ctx, func(txn *badger.Txn) error {
		return putJSON(txn, key, v)
	})
}

// ListViolations implements ViolationStore.
func (s *BadgerStore) ListViolations(ctx context.Context, executionID string) ([]pipeline.ResourceViolation, error) {
	prefix := prefixViolation
	if executionID != "" {
		prefix += executionID + "/"
	}
	out := make([]pipeline.ResourceViolation, 0)
	err := s.view(ctx, func(txn *badger.Txn) error {
		return scanPrefix(txn, prefix, func(val []byte) error {
			var v pipeline.ResourceViolation
			if err := json.Unmarshal(val, &v); err != nil {
				return err
			}
			out = append(out, v)
			return nil
		})
	})
	if executionID == "" {
		sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	}
	return out, err
}

// AppendAudit implements AuditStore.
func (s *BadgerStore) AppendAudit(ctx context.Context, e pipeline.AuditEvent) error {
	key := s.appendKey(prefixAudit, e.ExecutionID, e.Timestamp.UnixNano())
	return s.update(ctx, func(txn *badger.Txn) error {
		return putJSON(txn, key, e)
	})
}

// ListAudit implements AuditStore.
func (s *BadgerStore) ListAudit(ctx context.Context, executionID string) ([]pipeline.AuditEvent, error) {
	prefix := prefixAudit
	if executionID != "" {
		prefix += executionID + "/"
	}
	out := make([]pipeline.AuditEvent, 0)
	err := s.view(ctx, func(txn *badger.Txn) error {
		return scanPrefix(txn, prefix, func(val []byte) error {
			var e pipeline.AuditEvent
			if err := json.Unmarshal(val, &e); err != nil {
				return err
			}
			out = append(out, e)
			return nil
		})
	})
	if executionID == "" {
		sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	}
	return out, err
}

// -----------------------------------------------------------------------------
// ApprovalStore
// -----------------------------------------------------------------------------

// SaveApproval implements ApprovalStore.
func (s *BadgerStore) SaveApproval(ctx context.Context, r *pipeline.ApprovalRequest) error {
	if r == nil || r.ID == "" {
		return fmt.Errorf("save approval: id is required")
	}
	return s.update(ctx, func(txn *badger.Txn) error {
		return putJSON(txn, prefixApproval+r.ID, r)
	})
}

// GetApproval implements ApprovalStore.
func (s *BadgerStore) GetApproval(ctx context.Context, id string) (*pipeline.ApprovalRequest, error) {
	var r pipeline.ApprovalRequest
	err := s.view(ctx, func(txn *badger.Txn) error {
		return getJSON(txn, prefixApproval+id, &r)
	})
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// ListApprovals implements ApprovalStore.
func (s *BadgerStore) ListApprovals(ctx context.Context, status pipeline.ApprovalStatus) ([]*pipeline.ApprovalRequest, error) {
	out := make([]*pipeline.ApprovalRequest, 0)
	err := s.view(ctx, func(txn *badger.Txn) error {
		return scanPrefix(txn, prefixApproval, func(val []byte) error {
			var r pipeline.ApprovalRequest
			if err := json.Unmarshal(val, &r); err != nil {
				return err
			}
			if status == "" || r.Status == status {
				out = append(out, &r)
			}
			return nil
		})
	})
	sortApprovals(out)
	return out, err
}

// -----------------------------------------------------------------------------
// CheckpointStore
// -----------------------------------------------------------------------------

// PutCheckpoint implements CheckpointStore.
func (s *BadgerStore) PutCheckpoint(ctx context.Context, name string, data []byte) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		return txn.Set([]byte(prefixCheckpoint+name), data)
	})
}

// GetCheckpoint implements CheckpointStore.
func (s *BadgerStore) GetCheckpoint(ctx context.Context, name string) ([]byte, error) {
	var out []byte
	err := s.view(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(prefixCheckpoint + name))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("checkpoint %s: %w", name, ErrNotFound)
		}
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	return out, err
}

// DeleteCheckpoint implements CheckpointStore.
func (s *BadgerStore) DeleteCheckpoint(ctx context.Context, name string) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		return txn.Delete([]byte(prefixCheckpoint + name))
	})
}

// -----------------------------------------------------------------------------
// Counter
// -----------------------------------------------------------------------------

// Increment implements Counter.
func (s *BadgerStore) Increment(ctx context.Context, key string, delta int64) (int64, error) {
	var next int64
	err := s.update(ctx, func(txn *badger.Txn) error {
		cur, err := readCounter(txn, key)
		if err != nil {
			return err
		}
		next = cur + delta
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, uint64(next))
		return txn.Set([]byte(prefixCounter+key), buf)
	})
	if err != nil {
		return 0, fmt.Errorf("increment %s: %w", key, err)
	}
	return next, nil
}

// CounterValue implements Counter.
func (s *BadgerStore) CounterValue(ctx context.Context, key string) (int64, error) {
	var v int64
	err := s.view(ctx, func(txn *badger.Txn) error {
		var err error
		v, err = readCounter(txn, key)
		return err
	})
	return v, err
}

func readCounter(txn *badger.Txn, key string) (int64, error) {
	item, err := txn.Get([]byte(prefixCounter + key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var v int64
	err = item.Value(func(val []byte) error {
		if len(val) != 8 {
			return fmt.Errorf("counter %s: corrupt value of %d bytes", key, len(val))
		}
		v = int64(binary.BigEndian.Uint64(val))
		return nil
	})
	return v, err
}
