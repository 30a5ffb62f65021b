// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package distributed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianPipelines/services/pipeline"
	"github.com/AleutianAI/AleutianPipelines/services/pipeline/observability"
	"github.com/AleutianAI/AleutianPipelines/services/pipeline/store"
)

// Defaults for Config.
const (
	DefaultStalenessWindow = 30 * time.Second
	DefaultLeaseTimeout    = 30 * time.Second
	DefaultPollInterval    = time.Second
	DefaultMaxRequeues     = 3
)

var tracer = otel.Tracer("aleutian.pipeline.distributed")

// Config tunes the coordinator.
type Config struct {
	// StalenessWindow is how old a heartbeat may be before the worker is
	// excluded from leasing.
	StalenessWindow time.Duration `yaml:"staleness_window" validate:"gte=0"`

	// LeaseTimeout is how long a lease survives without a heartbeat.
	LeaseTimeout time.Duration `yaml:"lease_timeout" validate:"gte=0"`

	// PollInterval paces the lease reaper.
	PollInterval time.Duration `yaml:"poll_interval" validate:"gte=0"`

	// MaxRequeues bounds how often one task may be reclaimed. Zero uses
	// the default; a negative value fails a task on its first lost lease.
	MaxRequeues int `yaml:"max_requeues"`
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		StalenessWindow: DefaultStalenessWindow,
		LeaseTimeout:    DefaultLeaseTimeout,
		PollInterval:    DefaultPollInterval,
		MaxRequeues:     DefaultMaxRequeues,
	}
}

// Observer receives coordinator events for metrics.
type Observer interface {
	TaskRequeued(jobType string)
	TaskExhausted(jobType string)
	QueueDepth(pending, inFlight int)
}

// Options configures NewCoordinator.
type Options struct {
	Config   Config
	Workers  store.WorkerStore
	Observer Observer
	Logger   *slog.Logger
}

// QueueStatus summarises the coordinator for the control surface.
type QueueStatus struct {
	Paused         bool `json:"paused"`
	Pending        int  `json:"pending"`
	InFlight       int  `json:"inFlight"`
	Workers        int  `json:"workers"`
	HealthyWorkers int  `json:"healthyWorkers"`
}

// Coordinator dispatches tasks to remote workers.
//
// # Description
//
// Dispatch enqueues a task and blocks until a worker reports its result.
// Workers pull tasks with Lease and answer with Report. A reaper requeues
// leases whose worker stopped heartbeating; a task reclaimed more than
// MaxRequeues times fails with pipeline.ErrCoordinator. A report for a
// lease that was reclaimed is dropped.
//
// # Thread Safety
//
// Safe for concurrent use.
type Coordinator struct {
	cfg      Config
	registry *Registry
	queue    *Queue
	observer Observer
	logger   *slog.Logger

	mu      sync.Mutex
	waiters map[string]chan outcome

	started   atomic.Bool
	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
}

// NewCoordinator creates a coordinator. Call Start to run the reaper.
func NewCoordinator(opts Options) *Coordinator {
	cfg := opts.Config
	def := DefaultConfig()
	if cfg.StalenessWindow <= 0 {
		cfg.StalenessWindow = def.StalenessWindow
	}
	if cfg.LeaseTimeout <= 0 {
		cfg.LeaseTimeout = def.LeaseTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.MaxRequeues == 0 {
		cfg.MaxRequeues = def.MaxRequeues
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		cfg:      cfg,
		registry: NewRegistry(cfg.StalenessWindow, opts.Workers, logger),
		queue:    NewQueue(cfg.LeaseTimeout, cfg.MaxRequeues),
		observer: opts.Observer,
		logger:   logger.With(slog.String("component", "coordinator")),
		waiters:  make(map[string]chan outcome),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Registry exposes the worker registry.
func (c *Coordinator) Registry() *Registry { return c.registry }

// Queue exposes the task queue.
func (c *Coordinator) Queue() *Queue { return c.queue }

// Start restores persisted workers and launches the reaper.
func (c *Coordinator) Start(ctx context.Context) error {
	var err error
	c.startOnce.Do(func() {
		var n int
		n, err = c.registry.Restore(ctx)
		if err != nil {
			return
		}
		if n > 0 {
			c.logger.Info("restored workers", slog.Int("count", n))
		}
		c.started.Store(true)
		go c.reapLoop()
	})
	return err
}

// Stop halts the reaper and fails every waiting dispatch.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() {
		close(c.stop)
	})
	if c.started.Load() {
		<-c.done
	}

	c.mu.Lock()
	waiters := c.waiters
	c.waiters = make(map[string]chan outcome)
	c.mu.Unlock()
	for _, ch := range waiters {
		ch <- outcome{err: fmt.Errorf("%w: coordinator stopped", pipeline.ErrCoordinator)}
	}
}

func (c *Coordinator) reapLoop() {
	defer close(c.done)
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.Reap()
		}
	}
}

// Reap requeues expired leases once. The reaper calls it every PollInterval.
func (c *Coordinator) Reap() {
	requeued, exhausted := c.queue.RequeueExpired()
	c.handleReclaimed("lease expired", requeued, exhausted)
	if c.observer != nil {
		c.observer.QueueDepth(c.queue.Depth(), c.queue.InFlight())
	}
}

func (c *Coordinator) handleReclaimed(reason string, requeued, exhausted []QueuedTask) {
	for _, qt := range requeued {
		c.logger.Warn("task requeued",
			slog.String("reason", reason),
			slog.String("task_id", qt.ID),
			slog.String("execution_id", qt.Task.ExecutionID),
			slog.String("job_id", qt.Task.Job.ID),
			slog.Int("requeues", qt.Requeues),
		)
		if c.observer != nil {
			c.observer.TaskRequeued(qt.Task.Job.Type)
		}
	}
	for _, qt := range exhausted {
		c.logger.Error("task requeue budget exhausted",
			slog.String("task_id", qt.ID),
			slog.String("execution_id", qt.Task.ExecutionID),
			slog.String("job_id", qt.Task.Job.ID),
			slog.Int("requeues", qt.Requeues),
		)
		if c.observer != nil {
			c.observer.TaskExhausted(qt.Task.Job.Type)
		}
		c.deliver(qt.ID, outcome{
			err: fmt.Errorf("%w: task %s requeued %d times", pipeline.ErrCoordinator, qt.ID, qt.Requeues),
		})
	}
}

// Dispatch runs a task on a worker and waits for its result.
//
// # Outputs
//
//   - *pipeline.Result: The worker's result.
//   - error: The handler error reported by the worker (wrapping
//     pipeline.ErrPermanent when the worker marked it so), an error
//     wrapping pipeline.ErrCoordinator, or ctx.Err().
func (c *Coordinator) Dispatch(ctx context.Context, task pipeline.Task) (*pipeline.Result, error) {
	ctx, span := tracer.Start(ctx, "coordinator.dispatch",
		trace.WithAttributes(
			attribute.String("execution.id", task.ExecutionID),
			attribute.String("job.id", task.Job.ID),
			attribute.String("job.type", task.Job.Type),
			attribute.Int("job.attempt", task.Attempt),
		),
	)
	defer span.End()
	task.TraceContext = observability.TraceCarrier(ctx)

	ch := make(chan outcome, 1)
	c.mu.Lock()
	select {
	case <-c.stop:
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: coordinator stopped", pipeline.ErrCoordinator)
	default:
	}
	taskID := c.queue.Enqueue(task)
	c.waiters[taskID] = ch
	c.mu.Unlock()

	select {
	case o := <-ch:
		if o.err != nil {
			span.SetStatus(codes.Error, o.err.Error())
			return nil, o.err
		}
		span.SetAttributes(attribute.Bool("task.error", o.res.Error != ""))
		return resultOf(o.res)
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.waiters, taskID)
		c.mu.Unlock()
		c.queue.Remove(taskID)
		return nil, ctx.Err()
	}
}

func resultOf(r pipeline.TaskResult) (*pipeline.Result, error) {
	if r.Error == "" {
		if r.Result == nil {
			return nil, fmt.Errorf("%w: worker reported neither result nor error", pipeline.ErrCoordinator)
		}
		return r.Result, nil
	}
	err := errors.New(r.Error)
	if r.Permanent {
		err = fmt.Errorf("%w: %w", pipeline.ErrPermanent, err)
	}
	return r.Result, err
}

// outcome is either a worker's report or a coordinator failure.
type outcome struct {
	res pipeline.TaskResult
	err error
}

func (c *Coordinator) deliver(taskID string, o outcome) bool {
	c.mu.Lock()
	ch, ok := c.waiters[taskID]
	delete(c.waiters, taskID)
	c.mu.Unlock()
	if ok {
		ch <- o
	}
	return ok
}

// Register adds a worker.
func (c *Coordinator) Register(ctx context.Context, w pipeline.Worker) (pipeline.Worker, error) {
	return c.registry.Register(ctx, w)
}

// Heartbeat refreshes a worker and extends its leases.
func (c *Coordinator) Heartbeat(ctx context.Context, workerID string, currentLoad int) error {
	if err := c.registry.Heartbeat(ctx, workerID, currentLoad); err != nil {
		return err
	}
	c.queue.ExtendLeases(workerID)
	return nil
}

// Deregister removes a worker and immediately requeues its leases.
func (c *Coordinator) Deregister(ctx context.Context, workerID string) error {
	if err := c.registry.Deregister(ctx, workerID); err != nil {
		return err
	}
	requeued, exhausted := c.queue.RequeueWorker(workerID)
	c.handleReclaimed("worker deregistered", requeued, exhausted)
	return nil
}

// Lease hands a worker up to max tasks within its free capacity.
//
// Capacity is MaxConcurrency minus the larger of the reported load and the
// leases the worker currently holds.
func (c *Coordinator) Lease(_ context.Context, workerID string, max int) ([]Lease, error) {
	w, ok := c.registry.Get(workerID)
	if !ok {
		return nil, fmt.Errorf("%s: %w", workerID, ErrWorkerNotFound)
	}
	if w.Status != pipeline.WorkerHealthy {
		return nil, fmt.Errorf("%s: %w", workerID, ErrWorkerStale)
	}
	busy := w.CurrentLoad
	if held := c.queue.ActiveLeases(workerID); held > busy {
		busy = held
	}
	free := w.MaxConcurrency - busy
	if max <= 0 || max > free {
		max = free
	}
	if max <= 0 {
		return nil, nil
	}
	return c.queue.Lease(workerID, w.Supports, max), nil
}

// Report completes a lease with the worker's result.
func (c *Coordinator) Report(_ context.Context, leaseID string, r pipeline.TaskResult) error {
	l, ok := c.queue.Complete(leaseID)
	if !ok {
		c.logger.Warn("dropping result for unknown lease", slog.String("lease_id", leaseID))
		return fmt.Errorf("%s: %w", leaseID, ErrLeaseNotFound)
	}
	if !c.deliver(l.Task.ID, outcome{res: r}) {
		c.logger.Debug("no dispatcher waiting for task",
			slog.String("task_id", l.Task.ID),
			slog.String("job_id", l.Task.Task.Job.ID),
		)
	}
	return nil
}

// PauseQueue stops handing out tasks. Dispatches keep waiting.
func (c *Coordinator) PauseQueue() {
	c.queue.Pause()
	c.logger.Info("queue paused")
}

// ResumeQueue resumes leasing.
func (c *Coordinator) ResumeQueue() {
	c.queue.Resume()
	c.logger.Info("queue resumed")
}

// Status summarises queue and worker state.
func (c *Coordinator) Status() QueueStatus {
	workers := c.registry.List()
	healthy := 0
	for _, w := range workers {
		if w.Status == pipeline.WorkerHealthy {
			healthy++
		}
	}
	return QueueStatus{
		Paused:         c.queue.Paused(),
		Pending:        c.queue.Depth(),
		InFlight:       c.queue.InFlight(),
		Workers:        len(workers),
		HealthyWorkers: healthy,
	}
}

// Workers lists registered workers.
func (c *Coordinator) Workers() []pipeline.Worker {
	return c.registry.List()
}
