// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package distributed runs jobs on a pool of worker processes.
//
// # Roles
//
//   - Registry tracks workers and their heartbeats.
//   - Queue holds ready tasks and the leases workers hold on them.
//   - Coordinator ties both together and dispatches tasks for the engine.
//   - Agent is the worker-side loop; HTTPClient lets it run out of process.
//
// # Delivery
//
// Tasks are delivered at least once. When a worker's heartbeat lapses past
// the lease timeout its leases are returned to the queue, so handlers used
// in distributed mode must tolerate re-execution.
package distributed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianPipelines/services/pipeline"
	"github.com/AleutianAI/AleutianPipelines/services/pipeline/store"
)

var (
	// ErrWorkerNotFound is returned for an unknown worker id.
	ErrWorkerNotFound = errors.New("worker not registered")

	// ErrWorkerStale is returned when a stale worker asks for work.
	ErrWorkerStale = errors.New("worker heartbeat is stale")

	// ErrLeaseNotFound is returned for an unknown or reclaimed lease.
	ErrLeaseNotFound = errors.New("lease not found")
)

// workerEntry guards one worker record. Heartbeats from different workers
// never contend on the same lock.
type workerEntry struct {
	mu sync.Mutex
	w  pipeline.Worker
}

// Registry is the set of known workers.
//
// # Description
//
// A worker is healthy while its last heartbeat is within the staleness
// window. Stale workers stay registered until deregistered; they are only
// excluded from leasing. Records are mirrored to the worker store when one
// is configured.
//
// # Thread Safety
//
// The registry lock only guards membership. Each record has its own lock.
type Registry struct {
	staleness time.Duration
	store     store.WorkerStore
	logger    *slog.Logger
	now       func() time.Time

	mu      sync.RWMutex
	workers map[string]*workerEntry
}

// NewRegistry creates a registry. ws may be nil.
func NewRegistry(staleness time.Duration, ws store.WorkerStore, logger *slog.Logger) *Registry {
	if staleness <= 0 {
		staleness = DefaultStalenessWindow
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		staleness: staleness,
		store:     ws,
		logger:    logger,
		now:       time.Now,
		workers:   make(map[string]*workerEntry),
	}
}

// Restore loads persisted workers. They remain stale until they heartbeat.
func (r *Registry) Restore(ctx context.Context) (int, error) {
	if r.store == nil {
		return 0, nil
	}
	list, err := r.store.ListWorkers(ctx)
	if err != nil {
		return 0, fmt.Errorf("restore workers: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, w := range list {
		if _, ok := r.workers[w.WorkerID]; !ok {
			r.workers[w.WorkerID] = &workerEntry{w: *w}
		}
	}
	return len(list), nil
}

// Register adds or replaces a worker and returns the stored record.
// An empty WorkerID is assigned; an empty Hostname uses the local host.
func (r *Registry) Register(ctx context.Context, w pipeline.Worker) (pipeline.Worker, error) {
	if w.MaxConcurrency < 0 || w.CurrentLoad < 0 {
		return pipeline.Worker{}, &pipeline.ValidationError{Field: "maxConcurrency", Reason: "must not be negative"}
	}
	if w.MaxConcurrency == 0 {
		w.MaxConcurrency = 1
	}
	if w.WorkerID == "" {
		w.WorkerID = uuid.NewString()
	}
	if w.Hostname == "" {
		w.Hostname, _ = os.Hostname()
	}
	now := r.now().UTC()
	w.RegisteredAt = now
	w.LastHeartbeat = now
	w.Status = pipeline.WorkerHealthy
	w.Capabilities = append([]string(nil), w.Capabilities...)

	if err := r.persist(ctx, w); err != nil {
		return pipeline.Worker{}, err
	}

	r.mu.Lock()
	r.workers[w.WorkerID] = &workerEntry{w: w}
	r.mu.Unlock()

	r.logger.Info("worker registered",
		slog.String("worker_id", w.WorkerID),
		slog.String("hostname", w.Hostname),
		slog.Int("max_concurrency", w.MaxConcurrency),
		slog.Any("capabilities", w.Capabilities),
	)
	return w, nil
}

// Heartbeat refreshes a worker's liveness and reported load.
func (r *Registry) Heartbeat(ctx context.Context, workerID string, currentLoad int) error {
	e, ok := r.entry(workerID)
	if !ok {
		return fmt.Errorf("%s: %w", workerID, ErrWorkerNotFound)
	}
	if currentLoad < 0 {
		currentLoad = 0
	}

	e.mu.Lock()
	wasStale := r.staleAt(e.w, r.now())
	e.w.LastHeartbeat = r.now().UTC()
	e.w.CurrentLoad = currentLoad
	e.w.Status = pipeline.WorkerHealthy
	snapshot := e.w
	e.mu.Unlock()

	if wasStale {
		r.logger.Info("worker recovered", slog.String("worker_id", workerID))
	}
	return r.persist(ctx, snapshot)
}

// Deregister removes a worker.
func (r *Registry) Deregister(ctx context.Context, workerID string) error {
	r.mu.Lock()
	_, ok := r.workers[workerID]
	delete(r.workers, workerID)
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%s: %w", workerID, ErrWorkerNotFound)
	}
	if r.store != nil {
		if err := r.store.DeleteWorker(ctx, workerID); err != nil && !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("delete worker: %w", err)
		}
	}
	r.logger.Info("worker deregistered", slog.String("worker_id", workerID))
	return nil
}

// Get returns a worker with its current health status.
func (r *Registry) Get(workerID string) (pipeline.Worker, bool) {
	e, ok := r.entry(workerID)
	if !ok {
		return pipeline.Worker{}, false
	}
	return r.snapshot(e), true
}

// List returns all workers ordered by id.
func (r *Registry) List() []pipeline.Worker {
	r.mu.RLock()
	entries := make([]*workerEntry, 0, len(r.workers))
	for _, e := range r.workers {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]pipeline.Worker, 0, len(entries))
	for _, e := range entries {
		out = append(out, r.snapshot(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkerID < out[j].WorkerID })
	return out
}

// Healthy returns the workers eligible for scheduling.
func (r *Registry) Healthy() []pipeline.Worker {
	all := r.List()
	out := all[:0]
	for _, w := range all {
		if w.Status == pipeline.WorkerHealthy {
			out = append(out, w)
		}
	}
	return out
}

// IsHealthy reports whether a worker exists and is not stale.
func (r *Registry) IsHealthy(workerID string) bool {
	w, ok := r.Get(workerID)
	return ok && w.Status == pipeline.WorkerHealthy
}

func (r *Registry) entry(workerID string) (*workerEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.workers[workerID]
	return e, ok
}

func (r *Registry) snapshot(e *workerEntry) pipeline.Worker {
	e.mu.Lock()
	w := e.w
	e.mu.Unlock()
	w.Capabilities = append([]string(nil), w.Capabilities...)
	if r.staleAt(w, r.now()) {
		w.Status = pipeline.WorkerStale
	} else {
		w.Status = pipeline.WorkerHealthy
	}
	return w
}

func (r *Registry) staleAt(w pipeline.Worker, now time.Time) bool {
	return now.Sub(w.LastHeartbeat) > r.staleness
}

func (r *Registry) persist(ctx context.Context, w pipeline.Worker) error {
	if r.store == nil {
		return nil
	}
	if err := r.store.SaveWorker(ctx, &w); err != nil {
		return fmt.Errorf("save worker: %w", err)
	}
	return nil
}
