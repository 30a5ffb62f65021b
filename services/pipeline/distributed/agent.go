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
	"runtime/debug"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/AleutianPipelines/services/pipeline"
	"github.com/AleutianAI/AleutianPipelines/services/pipeline/observability"
)

// Defaults for AgentConfig.
const (
	DefaultHeartbeatInterval = 5 * time.Second
	DefaultLeasePollInterval = 250 * time.Millisecond
	DefaultDeregisterTimeout = 5 * time.Second
)

// Client is the coordinator surface an Agent talks to. *Coordinator
// implements it in process; HTTPClient implements it over the network.
type Client interface {
	Register(ctx context.Context, w pipeline.Worker) (pipeline.Worker, error)
	Heartbeat(ctx context.Context, workerID string, currentLoad int) error
	Deregister(ctx context.Context, workerID string) error
	Lease(ctx context.Context, workerID string, max int) ([]Lease, error)
	Report(ctx context.Context, leaseID string, r pipeline.TaskResult) error
}

// HandlerLookup resolves job types to handlers on the worker side.
type HandlerLookup interface {
	Lookup(jobType string) (pipeline.Handler, bool)
	Types() []string
}

// AgentConfig tunes a worker agent.
type AgentConfig struct {
	WorkerID          string        `yaml:"worker_id"`
	Hostname          string        `yaml:"hostname"`
	Capabilities      []string      `yaml:"capabilities"`
	MaxConcurrency    int           `yaml:"max_concurrency" validate:"gte=0"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" validate:"gte=0"`
	PollInterval      time.Duration `yaml:"poll_interval" validate:"gte=0"`
	PollBurst         int           `yaml:"poll_burst" validate:"gte=0"`
}

// Agent is the worker-side loop.
//
// Description:
//
//	Run registers the worker, then heartbeats and polls for leases until
//	ctx is cancelled. Each leased task runs its handler with the job's
//	timeout and the result is reported back. Tasks interrupted by shutdown
//	are not reported; their leases lapse and the coordinator requeues them.
//
// Thread Safety:
//
//	Run must be called once.
type Agent struct {
	client   Client
	handlers HandlerLookup
	cfg      AgentConfig
	logger   *slog.Logger

	workerID atomic.Value
	load     atomic.Int64
	executed atomic.Int64
}

// NewAgent creates an agent. Empty capabilities advertise every registered
// handler type.
func NewAgent(client Client, handlers HandlerLookup, cfg AgentConfig, logger *slog.Logger) *Agent {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 1
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultLeasePollInterval
	}
	if cfg.PollBurst <= 0 {
		cfg.PollBurst = 1
	}
	if len(cfg.Capabilities) == 0 && handlers != nil {
		cfg.Capabilities = handlers.Types()
	}
	if logger == nil {
		logger = slog.Default()
	}
	a := &Agent{
		client:   client,
		handlers: handlers,
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "worker_agent")),
	}
	a.workerID.Store(cfg.WorkerID)
	return a
}

// WorkerID returns the id assigned at registration.
func (a *Agent) WorkerID() string {
	id, _ := a.workerID.Load().(string)
	return id
}

// Executed returns how many tasks the agent has reported.
func (a *Agent) Executed() int64 { return a.executed.Load() }

// Run blocks until ctx is cancelled or registration fails.
//
// # Outputs
//
//   - error: nil after a clean shutdown, otherwise the registration error.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.register(ctx); err != nil {
		return err
	}
	defer a.deregister(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.heartbeatLoop(gctx) })
	g.Go(func() error { return a.pollLoop(gctx) })
	err := g.Wait()
	if ctx.Err() != nil && errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (a *Agent) register(ctx context.Context) error {
	w, err := a.client.Register(ctx, pipeline.Worker{
		WorkerID:       a.WorkerID(),
		Hostname:       a.cfg.Hostname,
		Capabilities:   a.cfg.Capabilities,
		MaxConcurrency: a.cfg.MaxConcurrency,
		CurrentLoad:    int(a.load.Load()),
	})
	if err != nil {
		return fmt.Errorf("register worker: %w", err)
	}
	a.workerID.Store(w.WorkerID)
	a.logger.Info("worker agent registered",
		slog.String("worker_id", w.WorkerID),
		slog.Int("max_concurrency", w.MaxConcurrency),
	)
	return nil
}

func (a *Agent) deregister(parent context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), DefaultDeregisterTimeout)
	defer cancel()
	if err := a.client.Deregister(ctx, a.WorkerID()); err != nil {
		a.logger.Warn("deregister failed", slog.String("error", err.Error()))
	}
}

func (a *Agent) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			a.heartbeat(ctx)
		}
	}
}

func (a *Agent) heartbeat(ctx context.Context) {
	err := a.client.Heartbeat(ctx, a.WorkerID(), int(a.load.Load()))
	switch {
	case err == nil:
	case errors.Is(err, ErrWorkerNotFound):
		// The coordinator lost our record; come back under the same id.
		a.logger.Warn("worker unknown to coordinator, re-registering")
		if err := a.register(ctx); err != nil && ctx.Err() == nil {
			a.logger.Error("re-register failed", slog.String("error", err.Error()))
		}
	case ctx.Err() == nil:
		a.logger.Warn("heartbeat failed", slog.String("error", err.Error()))
	}
}

func (a *Agent) pollLoop(ctx context.Context) error {
	limiter := rate.NewLimiter(rate.Every(a.cfg.PollInterval), a.cfg.PollBurst)
	var tasks errgroup.Group
	tasks.SetLimit(a.cfg.MaxConcurrency)
	defer tasks.Wait()

	for {
		if err := limiter.Wait(ctx); err != nil {
			return ctx.Err()
		}
		free := a.cfg.MaxConcurrency - int(a.load.Load())
		if free <= 0 {
			continue
		}
		leases, err := a.client.Lease(ctx, a.WorkerID(), free)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, ErrWorkerStale) || errors.Is(err, ErrWorkerNotFound) {
				a.heartbeat(ctx)
				continue
			}
			a.logger.Warn("lease request failed", slog.String("error", err.Error()))
			continue
		}
		for _, l := range leases {
			a.load.Add(1)
			tasks.Go(func() error {
				defer a.load.Add(-1)
				a.runTask(ctx, l)
				return nil
			})
		}
	}
}

func (a *Agent) runTask(ctx context.Context, l Lease) {
	task := l.Task.Task
	logger := a.logger.With(
		slog.String("lease_id", l.ID),
		slog.String("execution_id", task.ExecutionID),
		slog.String("job_id", task.Job.ID),
		slog.Int("attempt", task.Attempt),
	)

	result := a.execute(ctx, task, logger)
	if ctx.Err() != nil {
		logger.Info("task interrupted by shutdown, leaving lease to lapse")
		return
	}
	if err := a.client.Report(ctx, l.ID, result); err != nil {
		if errors.Is(err, ErrLeaseNotFound) {
			logger.Warn("lease was reclaimed before the result arrived")
			return
		}
		logger.Error("report failed", slog.String("error", err.Error()))
		return
	}
	a.executed.Add(1)
}

func (a *Agent) execute(ctx context.Context, task pipeline.Task, logger *slog.Logger) (tr pipeline.TaskResult) {
	ctx, span := tracer.Start(observability.ContextFromCarrier(ctx, task.TraceContext), "worker.execute",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("execution.id", task.ExecutionID),
			attribute.String("job.id", task.Job.ID),
			attribute.Int("job.attempt", task.Attempt),
		),
	)
	defer func() {
		if tr.Error != "" {
			span.SetStatus(codes.Error, tr.Error)
		}
		span.End()
	}()

	h, ok := a.handlers.Lookup(task.Job.Type)
	if !ok {
		return pipeline.TaskResult{
			Error:     fmt.Sprintf("%v: %s", pipeline.ErrHandlerNotFound, task.Job.Type),
			Permanent: true,
		}
	}
	if task.Job.TimeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(task.Job.TimeoutMs)*time.Millisecond)
		defer cancel()
	}
	jc := pipeline.NewJobContext(pipeline.JobContextOptions{
		ExecutionID: task.ExecutionID,
		Attempt:     task.Attempt,
		Job:         task.Job,
		Logger:      observability.LoggerWithTrace(ctx, logger),
		Outputs:     task.Outputs,
	})

	defer func() {
		if r := recover(); r != nil {
			logger.Error("handler panicked",
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			tr = pipeline.TaskResult{Error: fmt.Sprintf("handler panic: %v", r)}
		}
	}()

	res, err := h.Handle(ctx, jc)
	if err != nil {
		return pipeline.TaskResult{
			Result:    res,
			Error:     err.Error(),
			Permanent: errors.Is(err, pipeline.ErrPermanent),
		}
	}
	if res == nil {
		return pipeline.TaskResult{Error: "handler returned no result"}
	}
	return pipeline.TaskResult{Result: res}
}
