// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package engine drives DAG executions end to end.
//
// # Description
//
// An Orchestrator is built once at process start and shared by every
// caller. Each execution runs on its own goroutine: the DAG is validated
// up front, then the engine repeatedly takes every pending job whose
// dependencies are terminal, evaluates conditions, dispatches the rest
// concurrently under a per-execution semaphore, retries failures with
// exponential backoff and injects jobs generated by fan-out handlers into
// the pending queue. A checkpoint is written after every pass.
//
// # Thread Safety
//
// Every exported method is safe for concurrent use. Status reads return
// deep copies and never block a running execution for long.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianPipelines/services/pipeline"
	"github.com/AleutianAI/AleutianPipelines/services/pipeline/checkpoint"
	"github.com/AleutianAI/AleutianPipelines/services/pipeline/dag"
	"github.com/AleutianAI/AleutianPipelines/services/pipeline/notify"
	"github.com/AleutianAI/AleutianPipelines/services/pipeline/registry"
	"github.com/AleutianAI/AleutianPipelines/services/pipeline/security"
	"github.com/AleutianAI/AleutianPipelines/services/pipeline/store"
)

var (
	// ErrNilContext is returned when a nil context is passed.
	ErrNilContext = errors.New("context must not be nil")

	// ErrExecutionNotFound is returned for an unknown execution id.
	ErrExecutionNotFound = errors.New("execution not found")

	// ErrNotRunning is returned when pausing an execution that is not running.
	ErrNotRunning = errors.New("execution is not running")

	// ErrNotResumable is returned when resuming a running or completed execution.
	ErrNotResumable = errors.New("execution cannot be resumed")

	// ErrAlreadyFinished is returned when cancelling a finished execution.
	ErrAlreadyFinished = errors.New("execution already finished")

	// ErrNoCheckpoints is returned when resuming from a checkpoint without
	// a checkpoint manager.
	ErrNoCheckpoints = errors.New("checkpoints are not configured")

	// ErrConditionLost is returned when resuming from a checkpoint whose
	// unfinished jobs had function conditions that did not survive.
	ErrConditionLost = errors.New("job condition cannot be restored")

	// ErrNoDispatcher is returned for distributed mode without a coordinator.
	ErrNoDispatcher = errors.New("distributed mode requires a remote dispatcher")

	// ErrShuttingDown is returned once Shutdown was called.
	ErrShuttingDown = errors.New("orchestrator is shutting down")

	// ErrInjectionRefused is returned when a fan-out job finishes after the
	// execution was cancelled.
	ErrInjectionRefused = errors.New("job injection refused: execution cancelled")

	// ErrNoProgress is recorded when pending jobs remain but none can run.
	ErrNoProgress = errors.New("no runnable jobs remain")

	errExecutionCancelled = errors.New("execution cancelled")
	errTimeoutCause       = errors.New("job deadline exceeded")
)

// Mode selects where job handlers run.
type Mode string

const (
	ModeLocal       Mode = "local"
	ModeDistributed Mode = "distributed"
)

// Config holds engine-wide defaults.
type Config struct {
	// Parallelism bounds concurrent jobs per pass; zero is unbounded.
	Parallelism int

	// Retry applies to jobs without their own policy.
	Retry pipeline.RetryPolicy

	// SkipPassCheckpoints turns off the checkpoint written after every
	// scheduling pass. Pause and shutdown still checkpoint.
	SkipPassCheckpoints bool

	// ProcessSampling adds whole-process heap and CPU readings to the
	// usage of locally dispatched jobs.
	ProcessSampling bool
}

// DefaultConfig returns unbounded parallelism and the default retry policy.
// Per-pass checkpoints are on whenever a checkpoint manager is wired.
func DefaultConfig() Config {
	return Config{Retry: pipeline.DefaultRetryPolicy()}
}

// ExecOptions tunes one execution.
type ExecOptions struct {
	// Parallelism overrides Config.Parallelism when positive.
	Parallelism int `json:"parallelism,omitempty" yaml:"parallelism,omitempty"`

	// Retry overrides Config.Retry.
	Retry *pipeline.RetryPolicy `json:"retry,omitempty" yaml:"retry,omitempty"`

	// Owner is used for usage metering.
	Owner string `json:"owner,omitempty" yaml:"owner,omitempty"`

	// Mode defaults to local.
	Mode Mode `json:"mode,omitempty" yaml:"mode,omitempty"`

	// CheckpointEvery forces per-pass checkpoints even when the engine
	// skips them.
	CheckpointEvery bool `json:"checkpointEvery,omitempty" yaml:"checkpointEvery,omitempty"`
}

// Options wires an Orchestrator. Registry is required.
type Options struct {
	Config      Config
	Registry    *registry.Registry
	Security    *security.Manager
	Checkpoints *checkpoint.Manager
	Store       store.Store
	Notifier    notify.Notifier

	// Local runs handlers in process. Defaults to a LocalDispatcher over
	// Registry.
	Local Dispatcher

	// Remote runs handlers on workers in distributed mode.
	Remote Dispatcher

	Observer Observer
	Logger   *slog.Logger
}

// Orchestrator owns every execution of the process.
type Orchestrator struct {
	cfg         Config
	registry    *registry.Registry
	security    *security.Manager
	checkpoints *checkpoint.Manager
	store       store.Store
	notifier    notify.Notifier
	local       Dispatcher
	remote      Dispatcher
	observer    Observer
	logger      *slog.Logger
	metrics     otelMetrics

	resumeMu sync.Mutex

	mu     sync.RWMutex
	runs   map[string]*run
	closed bool
	wg     sync.WaitGroup
}

// New creates an Orchestrator.
//
// Description:
//
//	Missing collaborators get working defaults: an in-memory store, a
//	security manager with default limits, a no-op notifier and a local
//	dispatcher. Checkpoints are disabled without a checkpoint manager and
//	written after every pass with one, unless SkipPassCheckpoints is set.
//
// Inputs:
//
//	opts - Collaborators and defaults. opts.Registry must not be nil.
//
// Outputs:
//
//	*Orchestrator - Ready to accept submissions.
//	error - Non-nil when the registry is missing or the config is invalid.
func New(opts Options) (*Orchestrator, error) {
	if opts.Registry == nil {
		return nil, errors.New("engine: registry is required")
	}
	cfg := opts.Config
	if cfg.Parallelism < 0 {
		return nil, &pipeline.ValidationError{Field: "parallelism", Reason: "must not be negative"}
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = pipeline.DefaultRetryPolicy()
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "engine"))

	o := &Orchestrator{
		cfg:         cfg,
		registry:    opts.Registry,
		security:    opts.Security,
		checkpoints: opts.Checkpoints,
		store:       opts.Store,
		notifier:    opts.Notifier,
		local:       opts.Local,
		remote:      opts.Remote,
		observer:    opts.Observer,
		logger:      logger,
		runs:        make(map[string]*run),
	}
	if o.store == nil {
		o.store = store.NewMemoryStore()
	}
	if o.security == nil {
		o.security = security.NewManager(security.Options{Violations: o.store, Logger: logger})
	}
	if o.notifier == nil {
		o.notifier = notify.Nop{}
	}
	if o.local == nil {
		o.local = LocalDispatcher{Handlers: o.registry, Logger: logger}
	}
	if o.observer == nil {
		o.observer = nopObserver{}
	}
	return o, nil
}

// Submit validates a DAG and starts executing it in the background.
//
// # Description
//
// Validation is synchronous: a cyclic graph, an unknown dependency, an
// invalid resource limit, an unregistered condition or, in local mode, an
// unregistered job type rejects the submission before anything runs.
//
// # Inputs
//
//   - ctx: Carries trace context. Cancelling it does not cancel the run.
//   - name: Human label of the execution.
//   - jobs: Job definitions in insertion order.
//   - opts: Per-execution options.
//
// # Outputs
//
//   - string: The execution id.
//   - error: A validation error matching pipeline.ErrValidation,
//     ErrNoDispatcher or ErrShuttingDown.
func (o *Orchestrator) Submit(ctx context.Context, name string, jobs []pipeline.JobConfig, opts ExecOptions) (string, error) {
	if ctx == nil {
		return "", ErrNilContext
	}
	plan, err := dag.Validate(jobs)
	if err != nil {
		return "", err
	}
	if opts.Mode == "" {
		opts.Mode = ModeLocal
	}
	if err := o.validateSubmission(jobs, opts); err != nil {
		return "", err
	}

	id := uuid.NewString()
	if name == "" {
		name = id
	}
	retry := o.cfg.Retry
	if opts.Retry != nil {
		retry = *opts.Retry
	}
	parallelism := o.cfg.Parallelism
	if opts.Parallelism > 0 {
		parallelism = opts.Parallelism
	}
	r := newRun(id, name, jobs, opts, normalizeRetry(retry), parallelism)

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return "", ErrShuttingDown
	}
	o.runs[id] = r
	o.mu.Unlock()

	o.logger.Info("execution submitted",
		slog.String("execution_id", id),
		slog.String("name", name),
		slog.Int("jobs", plan.Len()),
		slog.Int("levels", len(plan.Levels)),
		slog.String("mode", string(opts.Mode)),
	)
	if err := o.start(ctx, r); err != nil {
		return "", err
	}
	return id, nil
}

func (o *Orchestrator) validateSubmission(jobs []pipeline.JobConfig, opts ExecOptions) error {
	switch opts.Mode {
	case ModeLocal:
	case ModeDistributed:
		if o.remote == nil {
			return ErrNoDispatcher
		}
	default:
		return &pipeline.ValidationError{Field: "mode", Reason: fmt.Sprintf("unknown mode %q", opts.Mode)}
	}
	if opts.Parallelism < 0 {
		return &pipeline.ValidationError{Field: "parallelism", Reason: "must not be negative"}
	}
	for i := range jobs {
		j := &jobs[i]
		if j.ResourceLimits != nil {
			if err := o.security.ValidateLimits(j.ResourceLimits); err != nil {
				return fmt.Errorf("job %q: %w", j.ID, err)
			}
		}
		if j.Condition == nil && j.ConditionName != "" {
			if _, ok := o.registry.Condition(j.ConditionName); !ok {
				return &pipeline.ValidationError{
					Field:  fmt.Sprintf("jobs[%d].condition", i),
					Reason: fmt.Sprintf("condition %q is not registered", j.ConditionName),
				}
			}
		}
		if opts.Mode == ModeLocal || builtinType(j.Type) {
			if _, ok := o.registry.Lookup(j.Type); !ok {
				return &pipeline.ValidationError{
					Field:  fmt.Sprintf("jobs[%d].type", i),
					Reason: fmt.Sprintf("no handler registered for %q", j.Type),
				}
			}
		}
	}
	return nil
}

// Execute submits a DAG and waits for it to stop.
func (o *Orchestrator) Execute(ctx context.Context, name string, jobs []pipeline.JobConfig, opts ExecOptions) (*pipeline.DAGExecution, error) {
	id, err := o.Submit(ctx, name, jobs, opts)
	if err != nil {
		return nil, err
	}
	return o.Wait(ctx, id)
}

// start launches the drive loop for r.
func (o *Orchestrator) start(ctx context.Context, r *run) error {
	runCtx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))

	r.mu.Lock()
	if r.active {
		r.mu.Unlock()
		cancel(nil)
		return fmt.Errorf("%s: %w: already running", r.id, ErrNotResumable)
	}
	r.active = true
	r.cancel = cancel
	r.done = make(chan struct{})
	r.exec.Status = pipeline.ExecutionRunning
	r.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.drive(runCtx, r)
	}()
	return nil
}

func (o *Orchestrator) lookup(id string) (*run, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	r, ok := o.runs[id]
	return r, ok
}

// GetStatus returns a snapshot of an execution. Executions from before a
// restart are read from the store.
func (o *Orchestrator) GetStatus(ctx context.Context, id string) (*pipeline.DAGExecution, error) {
	if r, ok := o.lookup(id); ok {
		return r.snapshot(), nil
	}
	exec, err := o.store.GetExecution(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%s: %w", id, ErrExecutionNotFound)
	}
	return exec, err
}

// List returns every known execution, newest first.
func (o *Orchestrator) List(ctx context.Context) ([]*pipeline.DAGExecution, error) {
	o.mu.RLock()
	runs := make([]*run, 0, len(o.runs))
	for _, r := range o.runs {
		runs = append(runs, r)
	}
	o.mu.RUnlock()

	seen := make(map[string]bool, len(runs))
	out := make([]*pipeline.DAGExecution, 0, len(runs))
	for _, r := range runs {
		seen[r.id] = true
		out = append(out, r.snapshot())
	}
	stored, err := o.store.ListExecutions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	for _, e := range stored {
		if !seen[e.ExecutionID] {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out, nil
}

// Wait blocks until the execution stops running or ctx is done.
func (o *Orchestrator) Wait(ctx context.Context, id string) (*pipeline.DAGExecution, error) {
	for {
		r, ok := o.lookup(id)
		if !ok {
			return o.GetStatus(ctx, id)
		}
		r.mu.RLock()
		active, done := r.active, r.done
		r.mu.RUnlock()
		if !active {
			return r.snapshot(), nil
		}
		select {
		case <-done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Cancel stops an execution. Running jobs get their context cancelled and
// their results are discarded; pending jobs become cancelled. A paused
// execution is cancelled in place.
func (o *Orchestrator) Cancel(ctx context.Context, id string) error {
	r, ok := o.lookup(id)
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrExecutionNotFound)
	}
	if err := r.awaitRelease(ctx); err != nil {
		return err
	}
	if o.cancelRun(r, errExecutionCancelled) {
		return nil
	}

	r.mu.Lock()
	if r.exec.Status != pipeline.ExecutionPaused {
		r.mu.Unlock()
		return fmt.Errorf("%s: %w", id, ErrAlreadyFinished)
	}
	r.cancelRequested = true
	r.cancelCause = errExecutionCancelled
	r.mu.Unlock()

	states := r.cancelPending(errExecutionCancelled.Error())
	o.saveJobStates(ctx, r, states)

	r.mu.Lock()
	now := time.Now().UTC()
	r.exec.Status = pipeline.ExecutionCancelled
	r.exec.CompletedAt = &now
	r.exec.Error = errExecutionCancelled.Error()
	snap := r.exec.Clone()
	r.mu.Unlock()

	o.saveExecution(ctx, snap)
	o.deleteCheckpoint(ctx, id)
	o.notify(ctx, notify.Event{
		Type:        notify.EventExecutionCancelled,
		ExecutionID: id,
		Message:     fmt.Sprintf("execution %s cancelled while paused", snap.Name),
	})
	return nil
}

// cancelRun requests cancellation of an active run. It reports whether the
// run was active.
func (o *Orchestrator) cancelRun(r *run, cause error) bool {
	r.mu.Lock()
	if !r.active || r.exec.Status != pipeline.ExecutionRunning {
		r.mu.Unlock()
		return false
	}
	cancel := r.cancel
	if !r.cancelRequested {
		r.cancelRequested = true
		r.cancelCause = cause
	}
	r.mu.Unlock()
	cancel(cause)
	o.logger.Info("execution cancel requested",
		slog.String("execution_id", r.id),
		slog.String("cause", cause.Error()),
	)
	return true
}

// Pause stops scheduling new jobs. Running jobs finish, the execution
// becomes paused and a checkpoint is written.
func (o *Orchestrator) Pause(_ context.Context, id string) error {
	r, ok := o.lookup(id)
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrExecutionNotFound)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.active || r.cancelRequested || r.exec.Status != pipeline.ExecutionRunning {
		return fmt.Errorf("%s: %w", id, ErrNotRunning)
	}
	r.pauseRequested = true
	return nil
}

// Resume restarts a paused, failed or cancelled execution.
//
// # Description
//
// With fromCheckpoint the run is rebuilt from the last checkpoint, which
// also works for executions started by a previous process. Otherwise the
// in-memory state is reused. Either way completed and skipped jobs keep
// their outputs and every other job runs again from attempt one.
//
// # Outputs
//
//   - error: ErrExecutionNotFound, ErrNotResumable, ErrNoCheckpoints or a
//     checkpoint load error.
func (o *Orchestrator) Resume(ctx context.Context, id string, fromCheckpoint bool) error {
	if ctx == nil {
		return ErrNilContext
	}
	o.resumeMu.Lock()
	defer o.resumeMu.Unlock()

	o.mu.RLock()
	closed := o.closed
	o.mu.RUnlock()
	if closed {
		return ErrShuttingDown
	}

	prev, ok := o.lookup(id)
	if ok {
		if err := prev.awaitRelease(ctx); err != nil {
			return err
		}
		prev.mu.RLock()
		active, status := prev.active, prev.exec.Status
		prev.mu.RUnlock()
		if active || status == pipeline.ExecutionCompleted {
			return fmt.Errorf("%s: %w: status %s", id, ErrNotResumable, status)
		}
	}

	r := prev
	if fromCheckpoint {
		var err error
		if r, err = o.restore(ctx, id, prev); err != nil {
			return err
		}
	} else {
		if !ok {
			return fmt.Errorf("%s: %w", id, ErrExecutionNotFound)
		}
		r.mu.Lock()
		r.resetUnfinishedLocked()
		r.mu.Unlock()
	}

	o.logger.Info("execution resumed",
		slog.String("execution_id", id),
		slog.Bool("from_checkpoint", fromCheckpoint),
	)
	return o.start(ctx, r)
}

func (o *Orchestrator) restore(ctx context.Context, id string, prev *run) (*run, error) {
	if o.checkpoints == nil {
		return nil, ErrNoCheckpoints
	}
	cp, err := o.checkpoints.Load(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("resume %s: %w", id, err)
	}

	var (
		prevExec *pipeline.DAGExecution
		opts     ExecOptions
	)
	if prev != nil {
		prevExec = prev.snapshot()
		opts = prev.opts
	} else if stored, err := o.store.GetExecution(ctx, id); err == nil {
		prevExec = stored
	}
	r := restoreRun(cp, prevExec, opts, normalizeRetry(o.cfg.Retry))

	// Functions do not survive serialisation.
	if prev != nil {
		prev.mu.RLock()
		for jid, j := range prev.jobs {
			if c, ok := r.jobs[jid]; ok {
				c.Condition = j.Condition
				c.Aggregation = j.Aggregation
				r.jobs[jid] = c
			}
		}
		prev.mu.RUnlock()
	}
	for _, jid := range cp.Conditioned {
		j, ok := r.jobs[jid]
		if !ok || j.Condition != nil || r.exec.Jobs[jid].Status.Satisfied() {
			continue
		}
		// An unfinished job must not lose its condition.
		return nil, fmt.Errorf("resume %s: %w: job %s; register it with ConditionName", id, ErrConditionLost, jid)
	}

	o.mu.Lock()
	o.runs[id] = r
	o.mu.Unlock()
	return r, nil
}

// Shutdown pauses every running execution and waits for them to stop.
// When ctx expires first the remaining executions are cancelled.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	runs := make([]*run, 0, len(o.runs))
	for _, r := range o.runs {
		runs = append(runs, r)
	}
	o.mu.Unlock()

	for _, r := range runs {
		r.mu.Lock()
		if r.active && !r.cancelRequested && r.exec.Status == pipeline.ExecutionRunning {
			r.pauseRequested = true
		}
		r.mu.Unlock()
	}

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		for _, r := range runs {
			o.cancelRun(r, ErrShuttingDown)
		}
		return ctx.Err()
	}
}

// Violations lists the resource violations recorded for an execution.
func (o *Orchestrator) Violations(ctx context.Context, id string) ([]pipeline.ResourceViolation, error) {
	return o.store.ListViolations(ctx, id)
}

// AuditTrail lists the audit entries recorded for an execution.
func (o *Orchestrator) AuditTrail(ctx context.Context, id string) ([]pipeline.AuditEvent, error) {
	return o.store.ListAudit(ctx, id)
}

// Usage returns the metered attempt count of owner, in total and for
// jobType when it is not empty.
func (o *Orchestrator) Usage(ctx context.Context, owner, jobType string) (int64, error) {
	return o.store.CounterValue(ctx, meterKey(owner, jobType))
}

func meterKey(owner, jobType string) string {
	if owner == "" {
		owner = "anonymous"
	}
	if jobType == "" {
		jobType = "job_attempts"
	}
	return "usage/" + owner + "/" + jobType
}

func builtinType(jobType string) bool {
	switch jobType {
	case pipeline.TypeFanOut, pipeline.TypeFanIn, pipeline.TypeApproval:
		return true
	}
	return false
}

// normalizeRetry makes a policy usable: at least one attempt, a
// non-shrinking multiplier and a cap no lower than the first wait.
func normalizeRetry(p pipeline.RetryPolicy) pipeline.RetryPolicy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.Multiplier < 1 {
		p.Multiplier = 1
	}
	if p.MaxBackoff < p.InitialBackoff {
		p.MaxBackoff = p.InitialBackoff
	}
	return p
}
