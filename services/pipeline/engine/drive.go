// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/AleutianAI/AleutianPipelines/services/pipeline"
	"github.com/AleutianAI/AleutianPipelines/services/pipeline/notify"
	"github.com/AleutianAI/AleutianPipelines/services/pipeline/observability"
	"github.com/AleutianAI/AleutianPipelines/services/pipeline/security"
)

// violationError is the cancellation cause of an attempt stopped by the
// security monitor.
type violationError struct {
	v pipeline.ResourceViolation
}

func (e *violationError) Error() string {
	return fmt.Sprintf("%s %s violation: observed %.1f, limit %.1f", e.v.Severity, e.v.Type, e.v.ObservedValue, e.v.Limit)
}

// drive runs passes until nothing is runnable, then finalizes the run.
func (o *Orchestrator) drive(ctx context.Context, r *run) {
	o.metrics.init(o.logger)

	snap := r.snapshot()
	ctx, span := tracer.Start(ctx, "pipeline.Execute",
		trace.WithAttributes(
			attribute.String("execution.id", r.id),
			attribute.String("execution.name", snap.Name),
			attribute.String("execution.mode", string(r.opts.Mode)),
			attribute.Int("execution.jobs", len(snap.JobOrder)),
			attribute.Int("execution.parallelism", r.parallelism),
		),
	)
	defer span.End()

	logger := observability.LoggerWithTrace(ctx, o.logger).With(slog.String("execution_id", r.id))
	start := time.Now()
	o.observer.ExecutionStarted()
	o.saveExecution(ctx, snap)
	o.notify(ctx, notify.Event{
		Type:        notify.EventExecutionStarted,
		ExecutionID: r.id,
		Message:     fmt.Sprintf("execution %s started", snap.Name),
	})
	logger.Info("execution started",
		slog.String("name", snap.Name),
		slog.Int("jobs", len(snap.JobOrder)),
		slog.Int("parallelism", r.parallelism),
	)

	level := snap.Level
	stalled := false
	for {
		if cancel, pause := r.stopping(); cancel || pause {
			break
		}
		pass := r.nextPass(level + 1)
		o.saveJobStates(ctx, r, pass.blocked)
		for _, s := range pass.blocked {
			o.observer.JobResolved(s.Type, s.Status)
		}
		if len(pass.ready) == 0 {
			stalled = pass.remaining > 0
			break
		}
		level++
		span.AddEvent("pass", trace.WithAttributes(
			attribute.Int("level", level),
			attribute.Int("ready", len(pass.ready)),
		))
		logger.Debug("pass started", slog.Int("level", level), slog.Any("jobs", pass.ready))
		o.runPass(ctx, r, level, pass.ready, logger)

		if o.checkpoints != nil && (!o.cfg.SkipPassCheckpoints || r.opts.CheckpointEvery) {
			o.saveCheckpoint(ctx, r, logger)
		}
	}
	o.finalize(ctx, r, start, stalled, span, logger)
}

// runPass evaluates conditions for one immutable set of ready jobs and
// dispatches the survivors concurrently, in insertion order, bounded by
// the execution's parallelism.
func (o *Orchestrator) runPass(ctx context.Context, r *run, level int, ready []string, logger *slog.Logger) {
	dispatch := make([]string, 0, len(ready))
	for _, id := range ready {
		job := r.job(id)
		ok, reason, err := o.evaluateCondition(ctx, r, job)
		switch {
		case err != nil:
			jerr := pipeline.NewJobError(id, 0, pipeline.KindCondition, fmt.Errorf("%w: %w", pipeline.ErrConditionFailed, err))
			o.fail(ctx, r, job, level, jerr, time.Time{}, logger)
		case !ok:
			o.skip(ctx, r, job, level, reason, logger)
		default:
			dispatch = append(dispatch, id)
		}
	}
	if len(dispatch) == 0 {
		return
	}

	outputs := r.outputSnapshot()
	var sem *semaphore.Weighted
	if r.parallelism > 0 {
		sem = semaphore.NewWeighted(int64(r.parallelism))
	}

	var wg sync.WaitGroup
	for i, id := range dispatch {
		if sem != nil {
			if err := sem.Acquire(ctx, 1); err != nil {
				r.requeue(dispatch[i:])
				break
			}
		}
		if cancel, pause := r.stopping(); cancel || pause {
			if sem != nil {
				sem.Release(1)
			}
			r.requeue(dispatch[i:])
			break
		}
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if sem != nil {
				defer sem.Release(1)
			}
			o.runJob(ctx, r, level, id, outputs, logger)
		}(id)
	}
	wg.Wait()
}

// evaluateCondition resolves and runs a job's condition. A panicking
// predicate counts as an error.
func (o *Orchestrator) evaluateCondition(ctx context.Context, r *run, job pipeline.JobConfig) (ok bool, reason string, err error) {
	fn := job.Condition
	if fn == nil && job.ConditionName != "" {
		var found bool
		if fn, found = o.registry.Condition(job.ConditionName); !found {
			return false, "", fmt.Errorf("condition %q is not registered", job.ConditionName)
		}
	}
	if fn == nil {
		return true, "", nil
	}

	defer func() {
		if p := recover(); p != nil {
			ok, reason, err = false, "", fmt.Errorf("condition panic: %v", p)
		}
	}()
	ok, err = fn(ctx, pipeline.NewConditionContext(r.id, job.ID, r))
	if err != nil || ok {
		return ok, "", err
	}
	if job.ConditionName != "" {
		return false, fmt.Sprintf("condition %q evaluated to false", job.ConditionName), nil
	}
	return false, "condition evaluated to false", nil
}

// runJob drives the attempts of one job to a terminal state.
func (o *Orchestrator) runJob(ctx context.Context, r *run, level int, id string, outputs pipeline.OutputSnapshot, logger *slog.Logger) {
	job := r.job(id)
	ctx, span := tracer.Start(ctx, "pipeline.Job",
		trace.WithAttributes(
			attribute.String("job.id", job.ID),
			attribute.String("job.type", job.Type),
			attribute.Int("job.level", level),
			attribute.StringSlice("job.depends_on", job.DependsOn),
		),
	)
	defer span.End()
	logger = logger.With(slog.String("job_id", job.ID), slog.String("job_type", job.Type))

	policy := r.retry
	if job.Retry != nil {
		policy = normalizeRetry(*job.Retry)
	}
	bo := &backoff.ExponentialBackOff{
		InitialInterval:     policy.InitialBackoff,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          policy.Multiplier,
		MaxInterval:         policy.MaxBackoff,
	}
	bo.Reset()

	first := time.Now()
	o.observer.JobStarted(job.Type)
	for attempt := 1; ; attempt++ {
		res, jerr := o.attempt(ctx, r, job, level, attempt, outputs, logger)
		if jerr == nil {
			jerr = o.complete(ctx, r, job, level, res, first, logger)
			if jerr == nil {
				span.SetStatus(codes.Ok, "")
				return
			}
		}
		span.RecordError(jerr)

		if ctx.Err() != nil || jerr.Kind == pipeline.KindCancelled {
			o.cancelJob(ctx, r, job, level, attempt, first, logger)
			span.SetStatus(codes.Error, "cancelled")
			return
		}
		if !retryable(jerr, job) || attempt >= policy.MaxAttempts {
			span.SetStatus(codes.Error, jerr.Error())
			o.fail(ctx, r, job, level, jerr, first, logger)
			return
		}

		wait := bo.NextBackOff()
		logger.Warn("job attempt failed, retrying",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", policy.MaxAttempts),
			slog.Duration("backoff", wait),
			slog.String("error", jerr.Error()),
		)
		o.observer.JobRetried(job.Type)
		span.AddEvent("retry", trace.WithAttributes(
			attribute.Int("attempt", attempt),
			attribute.String("backoff", wait.String()),
		))
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			o.cancelJob(ctx, r, job, level, attempt, first, logger)
			span.SetStatus(codes.Error, "cancelled")
			return
		}
	}
}

func retryable(jerr *pipeline.JobError, job pipeline.JobConfig) bool {
	if !jerr.Kind.Retryable() || errors.Is(jerr, pipeline.ErrPermanent) {
		return false
	}
	// A decided approval cannot change on a new attempt.
	return job.Type != pipeline.TypeApproval
}

type dispatchOutcome struct {
	res *pipeline.Result
	err error
}

// attempt runs one attempt under the security monitor and the job's
// deadline.
//
// # Description
//
// The dispatcher runs on its own goroutine so a handler that ignores
// cancellation cannot hold the job past its deadline; its late result is
// discarded. A deadline hit is recorded as a high severity timeout
// violation. A high or critical violation from the monitor cancels the
// attempt, and a critical one cancels the whole execution when the
// security manager is configured to.
//
// # Outputs
//
//   - *pipeline.Result: The successful result, nil on failure.
//   - *pipeline.JobError: Nil on success.
func (o *Orchestrator) attempt(
	ctx context.Context,
	r *run,
	job pipeline.JobConfig,
	level, attempt int,
	outputs pipeline.OutputSnapshot,
	logger *slog.Logger,
) (*pipeline.Result, *pipeline.JobError) {
	now := time.Now().UTC()
	state := r.update(job.ID, func(s *pipeline.JobExecutionState) {
		s.Status = pipeline.JobRunning
		s.Attempt = attempt
		s.Level = level
		if s.StartedAt == nil {
			s.StartedAt = &now
		}
		s.CompletedAt = nil
		s.Error = nil
	})
	o.saveJobState(ctx, r.id, state)
	o.meterAttempt(ctx, r, job, logger)
	o.metrics.attemptStarted(ctx, job.Type)
	defer o.metrics.attemptDone(ctx, job.Type)

	attemptCtx, cancelAttempt := context.WithCancelCause(ctx)
	defer cancelAttempt(nil)
	// Approval gates bound their own wait by TimeoutMs and expire the request.
	if t := job.Timeout(); t > 0 && job.Type != pipeline.TypeApproval {
		var cancelTimeout context.CancelFunc
		attemptCtx, cancelTimeout = context.WithTimeoutCause(attemptCtx, t, errTimeoutCause)
		defer cancelTimeout()
	}

	dispatcher := o.dispatcherFor(r, job)
	reported := security.NewJobSampler()
	var sampler security.Sampler = reported
	if o.cfg.ProcessSampling && !o.runsRemotely(r, job) {
		sampler = security.Combined{reported, security.NewProcessSampler()}
	}
	onViolation := func(v pipeline.ResourceViolation) {
		if !v.Severity.Forces() {
			return
		}
		cancelAttempt(&violationError{v: v})
		if v.Severity == pipeline.SeverityCritical && o.security.Config().CancelExecutionOnCritical {
			go o.cancelRun(r, fmt.Errorf("critical %s violation on job %s", v.Type, job.ID))
		}
	}
	limits := o.security.EffectiveLimits(job.ResourceLimits)
	if h, ok := o.registry.Lookup(job.Type); ok {
		if st, ok := h.(pipeline.SelfTimed); ok {
			if ms := st.MaxRunTime(job).Milliseconds(); ms > limits.MaxExecutionTimeMs {
				limits.MaxExecutionTimeMs = ms
			}
		}
	}
	if err := o.security.StartMonitoring(r.id, job.ID, limits, sampler, onViolation); err != nil {
		logger.Warn("resource monitoring unavailable", slog.String("error", err.Error()))
	} else {
		defer o.security.StopMonitoring(r.id, job.ID)
	}

	task := pipeline.Task{ExecutionID: r.id, Attempt: attempt, Job: job, Outputs: outputs}
	ch := make(chan dispatchOutcome, 1)
	started := time.Now()
	go func() {
		res, err := dispatcher.Dispatch(WithUsageReporter(attemptCtx, reported.Report), task)
		ch <- dispatchOutcome{res: res, err: err}
	}()

	var out dispatchOutcome
	interrupted := false
	select {
	case out = <-ch:
	case <-attemptCtx.Done():
		interrupted = true
	}
	elapsed := time.Since(started)

	if ctx.Err() != nil {
		return nil, pipeline.NewJobError(job.ID, attempt, pipeline.KindCancelled, context.Cause(ctx))
	}
	if interrupted || (out.err != nil && attemptCtx.Err() != nil) {
		cause := context.Cause(attemptCtx)
		var ve *violationError
		switch {
		case errors.Is(cause, errTimeoutCause):
			o.security.RecordViolation(ctx, pipeline.ResourceViolation{
				ExecutionID:   r.id,
				JobID:         job.ID,
				Type:          pipeline.ViolationTimeout,
				Severity:      pipeline.SeverityHigh,
				ObservedValue: float64(elapsed.Milliseconds()),
				Limit:         float64(job.TimeoutMs),
				Timestamp:     time.Now().UTC(),
			})
			return nil, pipeline.NewJobError(job.ID, attempt, pipeline.KindTimeout,
				fmt.Errorf("%w after %s", pipeline.ErrJobTimeout, job.Timeout()))
		case errors.As(cause, &ve):
			return nil, pipeline.NewJobError(job.ID, attempt, pipeline.KindViolation,
				fmt.Errorf("%w: %w", pipeline.ErrResourceViolation, ve))
		}
	}

	if out.err != nil {
		kind := pipeline.KindHandler
		if errors.Is(out.err, pipeline.ErrCoordinator) {
			kind = pipeline.KindCoordinator
		}
		jerr := pipeline.NewJobError(job.ID, attempt, kind, out.err)
		var pe *PanicError
		if errors.As(out.err, &pe) {
			jerr.Stack = pe.Stack
		}
		return nil, jerr
	}
	if out.res == nil {
		return nil, pipeline.NewJobError(job.ID, attempt, pipeline.KindHandler,
			fmt.Errorf("%w: handler returned no result", pipeline.ErrJobFailed))
	}
	if !out.res.Success {
		msg := out.res.Error
		if msg == "" {
			msg = "handler reported failure"
		}
		return nil, pipeline.NewJobError(job.ID, attempt, pipeline.KindHandler,
			fmt.Errorf("%w: %s", pipeline.ErrJobFailed, msg))
	}
	return out.res, nil
}

func (o *Orchestrator) dispatcherFor(r *run, job pipeline.JobConfig) Dispatcher {
	if o.runsRemotely(r, job) {
		return o.remote
	}
	return o.local
}

// runsRemotely reports whether job goes to the coordinator. Builtin types
// always run in process since they only read and write engine state.
func (o *Orchestrator) runsRemotely(r *run, job pipeline.JobConfig) bool {
	return r.opts.Mode == ModeDistributed && o.remote != nil && !builtinType(job.Type)
}

// complete records a successful attempt: generated jobs are injected
// first, then the job becomes completed, or skipped together with its
// direct dependents when the handler asked for that.
func (o *Orchestrator) complete(
	ctx context.Context,
	r *run,
	job pipeline.JobConfig,
	level int,
	res *pipeline.Result,
	first time.Time,
	logger *slog.Logger,
) *pipeline.JobError {
	if len(res.GeneratedJobs) > 0 {
		if err := r.inject(job.ID, res.GeneratedJobs); err != nil {
			if errors.Is(err, ErrInjectionRefused) {
				return pipeline.NewJobError(job.ID, 0, pipeline.KindCancelled, err)
			}
			return pipeline.NewJobError(job.ID, 0, pipeline.KindHandler, fmt.Errorf("%w: %w", pipeline.ErrPermanent, err))
		}
		o.metrics.injected(ctx, len(res.GeneratedJobs))
		logger.Info("generated jobs injected", slog.Int("count", len(res.GeneratedJobs)))
		for _, g := range res.GeneratedJobs {
			if s, ok := r.snapshotJob(g.ID); ok {
				o.saveJobState(ctx, r.id, s)
			}
		}
	}

	status := pipeline.JobCompleted
	if res.SkipDependents {
		status = pipeline.JobSkipped
	}
	now := time.Now().UTC()
	state := r.update(job.ID, func(s *pipeline.JobExecutionState) {
		s.Status = status
		s.Output = res.Output
		s.CompletedAt = &now
		s.Error = nil
	})
	o.saveJobState(ctx, r.id, state)
	d := time.Since(first)
	o.observer.JobFinished(job.Type, status, d)
	o.metrics.jobDone(ctx, job.Type, status, d)
	logger.Info("job finished",
		slog.String("status", string(status)),
		slog.Int("attempt", state.Attempt),
		slog.Duration("duration", d),
	)

	if res.SkipDependents {
		skipped := r.skipDependents(job.ID, level)
		o.saveJobStates(ctx, r, skipped)
		for _, s := range skipped {
			o.observer.JobResolved(s.Type, s.Status)
		}
	}
	return nil
}

func (o *Orchestrator) skip(ctx context.Context, r *run, job pipeline.JobConfig, level int, reason string, logger *slog.Logger) {
	now := time.Now().UTC()
	state := r.update(job.ID, func(s *pipeline.JobExecutionState) {
		s.Status = pipeline.JobSkipped
		s.Level = level
		s.CompletedAt = &now
		s.Output = skippedOutput(reason)
	})
	o.saveJobState(ctx, r.id, state)
	o.observer.JobResolved(job.Type, pipeline.JobSkipped)
	logger.Info("job skipped", slog.String("job_id", job.ID), slog.String("reason", reason))
}

func (o *Orchestrator) fail(
	ctx context.Context,
	r *run,
	job pipeline.JobConfig,
	level int,
	jerr *pipeline.JobError,
	first time.Time,
	logger *slog.Logger,
) {
	now := time.Now().UTC()
	state := r.update(job.ID, func(s *pipeline.JobExecutionState) {
		s.Status = pipeline.JobFailed
		s.Level = level
		s.CompletedAt = &now
		s.Error = jerr.Info()
	})
	o.saveJobState(ctx, r.id, state)

	if first.IsZero() {
		o.observer.JobResolved(job.Type, pipeline.JobFailed)
	} else {
		d := time.Since(first)
		o.observer.JobFinished(job.Type, pipeline.JobFailed, d)
		o.metrics.jobDone(ctx, job.Type, pipeline.JobFailed, d)
	}
	logger.Error("job failed",
		slog.String("job_id", job.ID),
		slog.String("kind", string(jerr.Kind)),
		slog.Int("attempt", state.Attempt),
		slog.String("error", jerr.Error()),
	)
	o.notify(ctx, notify.Event{
		Type:        notify.EventJobFailed,
		ExecutionID: r.id,
		JobID:       job.ID,
		Message:     jerr.Error(),
		Data:        map[string]any{"kind": string(jerr.Kind), "attempt": state.Attempt},
	})
}

func (o *Orchestrator) cancelJob(ctx context.Context, r *run, job pipeline.JobConfig, level, attempt int, first time.Time, logger *slog.Logger) {
	r.mu.RLock()
	cause := r.cancelCause
	r.mu.RUnlock()
	if cause == nil {
		cause = errExecutionCancelled
	}
	now := time.Now().UTC()
	state := r.update(job.ID, func(s *pipeline.JobExecutionState) {
		s.Status = pipeline.JobCancelled
		s.Level = level
		s.CompletedAt = &now
		s.Error = pipeline.NewJobError(job.ID, attempt, pipeline.KindCancelled, cause).Info()
	})
	o.saveJobState(ctx, r.id, state)
	d := time.Since(first)
	o.observer.JobFinished(job.Type, pipeline.JobCancelled, d)
	o.metrics.jobDone(ctx, job.Type, pipeline.JobCancelled, d)
	logger.Info("job cancelled", slog.Int("attempt", attempt))
}

// finalize derives the execution status, persists it and releases the run.
// The run stays active until persistence and monitor teardown are done, so
// a Resume cannot interleave with them.
func (o *Orchestrator) finalize(ctx context.Context, r *run, start time.Time, stalled bool, span trace.Span, logger *slog.Logger) {
	cancel, _ := r.stopping()
	switch {
	case cancel:
		o.saveJobStates(ctx, r, r.cancelPending(errExecutionCancelled.Error()))
	case stalled:
		o.saveJobStates(ctx, r, r.cancelPending(ErrNoProgress.Error()))
	}

	r.mu.Lock()
	status := r.finalStatusLocked()
	now := time.Now().UTC()
	r.exec.Status = status
	if status != pipeline.ExecutionPaused {
		r.exec.CompletedAt = &now
	}
	r.exec.Error = r.failureMessageLocked(status, stalled)
	release, done := r.cancel, r.done
	snap := r.exec.Clone()
	r.mu.Unlock()

	if release != nil {
		release(nil)
	}
	o.security.StopExecution(r.id)

	// The run context is cancelled from here on.
	pctx := context.WithoutCancel(ctx)
	switch status {
	case pipeline.ExecutionCompleted:
		o.deleteCheckpoint(pctx, r.id)
	default:
		if o.checkpoints != nil {
			o.saveCheckpoint(pctx, r, logger)
		}
	}
	o.saveExecution(pctx, snap)

	d := time.Since(start)
	o.observer.ExecutionFinished(status, d)
	o.metrics.executionDone(pctx, status, d)

	counts := snap.CountByStatus()
	attrs := []any{
		slog.String("status", string(status)),
		slog.Duration("duration", d),
		slog.Int("completed", counts[pipeline.JobCompleted]),
		slog.Int("skipped", counts[pipeline.JobSkipped]),
		slog.Int("failed", counts[pipeline.JobFailed]),
		slog.Int("cancelled", counts[pipeline.JobCancelled]),
	}
	event := notify.Event{ExecutionID: r.id, Data: map[string]any{"durationMs": d.Milliseconds()}}
	switch status {
	case pipeline.ExecutionCompleted:
		span.SetStatus(codes.Ok, "")
		logger.Info("execution completed", attrs...)
		event.Type = notify.EventExecutionCompleted
		event.Message = fmt.Sprintf("execution %s completed", snap.Name)
	case pipeline.ExecutionPaused:
		logger.Info("execution paused", attrs...)
		event.Type = notify.EventExecutionPaused
		event.Message = fmt.Sprintf("execution %s paused", snap.Name)
	case pipeline.ExecutionCancelled:
		span.SetStatus(codes.Error, "cancelled")
		logger.Warn("execution cancelled", attrs...)
		event.Type = notify.EventExecutionCancelled
		event.Message = fmt.Sprintf("execution %s cancelled: %s", snap.Name, snap.Error)
	default:
		span.SetStatus(codes.Error, snap.Error)
		logger.Error("execution failed", append(attrs, slog.String("error", snap.Error))...)
		event.Type = notify.EventExecutionFailed
		event.Message = fmt.Sprintf("execution %s failed: %s", snap.Name, snap.Error)
	}
	o.notify(pctx, event)

	r.mu.Lock()
	r.active = false
	r.cancel = nil
	r.mu.Unlock()
	close(done)
}

// failureMessageLocked summarises why a run did not complete.
func (r *run) failureMessageLocked(status pipeline.ExecutionStatus, stalled bool) string {
	switch status {
	case pipeline.ExecutionCancelled:
		if r.cancelCause != nil {
			return r.cancelCause.Error()
		}
		return errExecutionCancelled.Error()
	case pipeline.ExecutionFailed:
		if stalled {
			return ErrNoProgress.Error()
		}
		for _, id := range r.exec.JobOrder {
			if s := r.exec.Jobs[id]; s.Status == pipeline.JobFailed && s.Error != nil {
				return fmt.Sprintf("job %s failed: %s", id, s.Error.Message)
			}
		}
		return "one or more jobs failed"
	}
	return ""
}

func (r *run) snapshotJob(id string) (*pipeline.JobExecutionState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.exec.Jobs[id]
	return s.Clone(), ok
}

// =============================================================================
// Persistence and side effects. Failures here are logged and never change
// the outcome of a job.
// =============================================================================

func (o *Orchestrator) saveExecution(ctx context.Context, exec *pipeline.DAGExecution) {
	if err := o.store.SaveExecution(context.WithoutCancel(ctx), exec); err != nil {
		o.logger.Error("save execution failed",
			slog.String("execution_id", exec.ExecutionID),
			slog.String("error", err.Error()),
		)
	}
}

func (o *Orchestrator) saveJobState(ctx context.Context, executionID string, s *pipeline.JobExecutionState) {
	if err := o.store.SaveJobState(context.WithoutCancel(ctx), executionID, s); err != nil {
		o.logger.Error("save job state failed",
			slog.String("execution_id", executionID),
			slog.String("job_id", s.JobID),
			slog.String("error", err.Error()),
		)
	}
}

func (o *Orchestrator) saveJobStates(ctx context.Context, r *run, states []*pipeline.JobExecutionState) {
	for _, s := range states {
		o.saveJobState(ctx, r.id, s)
	}
}

func (o *Orchestrator) saveCheckpoint(ctx context.Context, r *run, logger *slog.Logger) {
	if err := o.checkpoints.Save(context.WithoutCancel(ctx), r.checkpoint()); err != nil {
		logger.Warn("checkpoint save failed", slog.String("error", err.Error()))
	}
}

func (o *Orchestrator) deleteCheckpoint(ctx context.Context, id string) {
	if o.checkpoints == nil {
		return
	}
	if err := o.checkpoints.Delete(ctx, id); err != nil {
		o.logger.Warn("checkpoint delete failed",
			slog.String("execution_id", id),
			slog.String("error", err.Error()),
		)
	}
}

func (o *Orchestrator) notify(ctx context.Context, e notify.Event) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	if err := o.notifier.Notify(context.WithoutCancel(ctx), e); err != nil {
		o.logger.Warn("notification failed",
			slog.String("event", e.Type),
			slog.String("execution_id", e.ExecutionID),
			slog.String("error", err.Error()),
		)
	}
}

// meterAttempt increments the owner's usage counters.
func (o *Orchestrator) meterAttempt(ctx context.Context, r *run, job pipeline.JobConfig, logger *slog.Logger) {
	ctx = context.WithoutCancel(ctx)
	for _, key := range []string{meterKey(r.opts.Owner, ""), meterKey(r.opts.Owner, job.Type)} {
		if _, err := o.store.Increment(ctx, key, 1); err != nil {
			logger.Warn("usage metering failed", slog.String("key", key), slog.String("error", err.Error()))
		}
	}
}
