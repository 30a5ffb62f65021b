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
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianPipelines/services/pipeline"
	"github.com/AleutianAI/AleutianPipelines/services/pipeline/checkpoint"
	"github.com/AleutianAI/AleutianPipelines/services/pipeline/dag"
)

// run is the engine-owned state of one execution.
//
// Description:
//
//	exec is the published view. A job's state is never mutated in place:
//	writers clone it, change the clone and store the clone under the job
//	id while holding mu, so readers holding an older pointer keep a
//	consistent value. The pending queue lists job ids in insertion order;
//	each scheduling pass takes an immutable slice of ready ids from it.
//
// Thread Safety:
//
//	mu guards every field below it. The drive loop is the only writer of
//	pending; job goroutines write job states and inject generated jobs.
type run struct {
	id          string
	opts        ExecOptions
	retry       pipeline.RetryPolicy
	parallelism int

	mu        sync.RWMutex
	exec      *pipeline.DAGExecution
	jobs      map[string]pipeline.JobConfig
	generated map[string][]string
	pending   []string

	active          bool
	cancelRequested bool
	pauseRequested  bool
	cancelCause     error
	cancel          context.CancelCauseFunc
	done            chan struct{}
}

func newRun(id, name string, jobs []pipeline.JobConfig, opts ExecOptions, retry pipeline.RetryPolicy, parallelism int) *run {
	r := &run{
		id:          id,
		opts:        opts,
		retry:       retry,
		parallelism: parallelism,
		jobs:        make(map[string]pipeline.JobConfig, len(jobs)),
		generated:   make(map[string][]string),
		done:        make(chan struct{}),
		exec: &pipeline.DAGExecution{
			ExecutionID: id,
			Name:        name,
			Status:      pipeline.ExecutionPending,
			Mode:        string(opts.Mode),
			Owner:       opts.Owner,
			Jobs:        make(map[string]*pipeline.JobExecutionState, len(jobs)),
			JobOrder:    make([]string, 0, len(jobs)),
			StartedAt:   time.Now().UTC(),
		},
	}
	for _, j := range jobs {
		r.addJobLocked(j, "")
	}
	return r
}

// addJobLocked registers a pending job. Callers hold mu or own r exclusively.
func (r *run) addJobLocked(j pipeline.JobConfig, parent string) {
	r.jobs[j.ID] = j
	r.exec.JobOrder = append(r.exec.JobOrder, j.ID)
	r.exec.Jobs[j.ID] = &pipeline.JobExecutionState{
		JobID:       j.ID,
		Name:        j.DisplayName(),
		Type:        j.Type,
		Status:      pipeline.JobPending,
		GeneratedBy: parent,
	}
	r.pending = append(r.pending, j.ID)
}

// snapshot returns a deep copy of the published execution.
func (r *run) snapshot() *pipeline.DAGExecution {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.exec.Clone()
}

func (r *run) status() pipeline.ExecutionStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.exec.Status
}

func (r *run) job(id string) pipeline.JobConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.jobs[id]
}

// update replaces a job's state with a modified clone and returns another
// clone for persistence.
func (r *run) update(id string, fn func(s *pipeline.JobExecutionState)) *pipeline.JobExecutionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.updateLocked(id, fn)
}

func (r *run) updateLocked(id string, fn func(s *pipeline.JobExecutionState)) *pipeline.JobExecutionState {
	next := r.exec.Jobs[id].Clone()
	fn(next)
	r.exec.Jobs[id] = next
	return next.Clone()
}

// finishing reports whether the drive loop has settled the final status
// but finalize has not yet released the run.
func (r *run) finishing() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active && r.exec.Status != pipeline.ExecutionRunning
}

// awaitRelease blocks while finalize is still persisting the run.
func (r *run) awaitRelease(ctx context.Context) error {
	if !r.finishing() {
		return nil
	}
	// done is only replaced by start, which needs the run released.
	r.mu.RLock()
	done := r.done
	r.mu.RUnlock()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *run) stopping() (cancel, pause bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cancelRequested, r.pauseRequested
}

// JobOutput implements pipeline.OutputReader. Only completed and skipped
// jobs expose an output.
func (r *run) JobOutput(jobID string) (any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.exec.Jobs[jobID]
	if !ok || !s.Status.Satisfied() {
		return nil, false
	}
	return s.Output, true
}

// Status implements pipeline.OutputReader.
func (r *run) Status(jobID string) (pipeline.JobStatus, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.exec.Jobs[jobID]
	if !ok {
		return "", false
	}
	return s.Status, true
}

// Children implements pipeline.OutputReader.
func (r *run) Children(parentID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.generated[parentID]...)
}

// outputSnapshot copies what a task may read, so it can travel to a worker.
func (r *run) outputSnapshot() pipeline.OutputSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	snap := pipeline.OutputSnapshot{
		Outputs:   make(map[string]any),
		Statuses:  make(map[string]pipeline.JobStatus, len(r.exec.Jobs)),
		Generated: make(map[string][]string, len(r.generated)),
	}
	for id, s := range r.exec.Jobs {
		snap.Statuses[id] = s.Status
		if s.Status.Satisfied() {
			snap.Outputs[id] = s.Output
		}
	}
	for p, ids := range r.generated {
		snap.Generated[p] = append([]string(nil), ids...)
	}
	return snap
}

// effectiveDepsLocked returns the declared dependencies of id plus,
// transitively, every job generated by one of them.
func (r *run) effectiveDepsLocked(id string) []string {
	var out []string
	seen := make(map[string]bool)
	var visit func(dep string)
	visit = func(dep string) {
		if seen[dep] {
			return
		}
		seen[dep] = true
		out = append(out, dep)
		for _, child := range r.generated[dep] {
			visit(child)
		}
	}
	for _, dep := range r.jobs[id].DependsOn {
		visit(dep)
	}
	return out
}

// passResult is what one scan of the pending queue produced.
type passResult struct {
	ready     []string
	blocked   []*pipeline.JobExecutionState
	remaining int
}

// nextPass removes the jobs whose effective dependencies are all terminal
// from the pending queue. Jobs with a failed or cancelled dependency are
// cancelled on the spot, which may in turn resolve later jobs, so the scan
// repeats until nothing changes.
func (r *run) nextPass(level int) passResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	var res passResult
	for changed := true; changed; {
		changed = false
		keep := r.pending[:0]
		for _, id := range r.pending {
			ready, upstream := true, ""
			for _, dep := range r.effectiveDepsLocked(id) {
				st := r.exec.Jobs[dep].Status
				if !st.Terminal() {
					ready = false
					break
				}
				if !st.Satisfied() && upstream == "" {
					upstream = dep
				}
			}
			switch {
			case !ready:
				keep = append(keep, id)
			case upstream != "":
				now := time.Now().UTC()
				res.blocked = append(res.blocked, r.updateLocked(id, func(s *pipeline.JobExecutionState) {
					s.Status = pipeline.JobCancelled
					s.Level = level
					s.CompletedAt = &now
					s.Error = pipeline.NewJobError(id, 0, pipeline.KindDependency,
						fmt.Errorf("%w: %s", pipeline.ErrUpstreamFailed, upstream)).Info()
				}))
				changed = true
			default:
				res.ready = append(res.ready, id)
			}
		}
		r.pending = keep
	}
	res.remaining = len(r.pending)
	if len(res.ready) > 0 {
		r.exec.Level = level
	}
	return res
}

// requeue puts ids back at the head of the pending queue, keeping order.
func (r *run) requeue(ids []string) {
	if len(ids) == 0 {
		return
	}
	r.mu.Lock()
	r.pending = append(append([]string(nil), ids...), r.pending...)
	r.mu.Unlock()
}

// cancelPending cancels every job still waiting in the queue.
func (r *run) cancelPending(reason string) []*pipeline.JobExecutionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now().UTC()
	var out []*pipeline.JobExecutionState
	for _, id := range r.pending {
		out = append(out, r.updateLocked(id, func(s *pipeline.JobExecutionState) {
			s.Status = pipeline.JobCancelled
			s.CompletedAt = &now
			s.Error = &pipeline.JobErrorInfo{Message: reason, Kind: pipeline.KindCancelled}
		}))
	}
	r.pending = nil
	return out
}

// inject adds jobs generated by parent to the live execution.
//
// # Description
//
// The combined graph, including the implicit edges from every dependent
// of parent to the new jobs, must stay acyclic. Injection is refused once
// cancellation was requested.
//
// # Outputs
//
//   - error: ErrInjectionRefused after a cancel, or a dag validation error.
func (r *run) inject(parent string, added []pipeline.JobConfig) error {
	if len(added) == 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancelRequested {
		return ErrInjectionRefused
	}

	newIDs := make([]string, len(added))
	for i, j := range added {
		newIDs[i] = j.ID
	}
	existing := make([]pipeline.JobConfig, 0, len(r.exec.JobOrder))
	for _, id := range r.exec.JobOrder {
		j := r.jobs[id]
		deps := r.effectiveDepsLocked(id)
		if slices.Contains(j.DependsOn, parent) {
			deps = append(deps, newIDs...)
		}
		j.DependsOn = deps
		existing = append(existing, j)
	}
	if err := dag.ValidateAddition(existing, added); err != nil {
		return fmt.Errorf("inject jobs from %s: %w", parent, err)
	}

	for _, j := range added {
		r.addJobLocked(j, parent)
	}
	r.generated[parent] = append(r.generated[parent], newIDs...)
	return nil
}

// skipDependents marks the pending direct dependents of id as skipped.
func (r *run) skipDependents(id string, level int) []*pipeline.JobExecutionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now().UTC()
	var out []*pipeline.JobExecutionState
	keep := r.pending[:0]
	for _, pid := range r.pending {
		if !slices.Contains(r.jobs[pid].DependsOn, id) {
			keep = append(keep, pid)
			continue
		}
		out = append(out, r.updateLocked(pid, func(s *pipeline.JobExecutionState) {
			s.Status = pipeline.JobSkipped
			s.Level = level
			s.CompletedAt = &now
			s.Output = skippedOutput(fmt.Sprintf("upstream job %s requested skip", id))
		}))
	}
	r.pending = keep
	return out
}

func skippedOutput(reason string) map[string]any {
	return map[string]any{"skipped": true, "reason": reason}
}

// finalStatusLocked derives the execution status once the drive loop stopped.
func (r *run) finalStatusLocked() pipeline.ExecutionStatus {
	switch {
	case r.cancelRequested:
		return pipeline.ExecutionCancelled
	case r.pauseRequested && len(r.pending) > 0:
		return pipeline.ExecutionPaused
	}
	for _, s := range r.exec.Jobs {
		if s.Status == pipeline.JobFailed || s.Status == pipeline.JobCancelled {
			return pipeline.ExecutionFailed
		}
	}
	if len(r.pending) > 0 {
		return pipeline.ExecutionFailed
	}
	return pipeline.ExecutionCompleted
}

// checkpoint builds the persisted form of the run.
func (r *run) checkpoint() *checkpoint.Checkpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	retry := r.retry
	cp := &checkpoint.Checkpoint{
		ExecutionID: r.id,
		Name:        r.exec.Name,
		Owner:       r.exec.Owner,
		JobOutputs:  make(map[string]any),
		Generated:   make(map[string][]string, len(r.generated)),
		Parallelism: r.parallelism,
		Retry:       &retry,
		Level:       r.exec.Level,
	}
	for _, id := range r.exec.JobOrder {
		s := r.exec.Jobs[id]
		cp.AllJobs = append(cp.AllJobs, r.jobs[id])
		if r.jobs[id].Condition != nil {
			cp.Conditioned = append(cp.Conditioned, id)
		}
		switch s.Status {
		case pipeline.JobCompleted:
			cp.CompletedJobIDs = append(cp.CompletedJobIDs, id)
			cp.JobOutputs[id] = s.Output
		case pipeline.JobSkipped:
			cp.SkippedJobIDs = append(cp.SkippedJobIDs, id)
			cp.JobOutputs[id] = s.Output
		default:
			cp.PendingQueue = append(cp.PendingQueue, r.jobs[id])
		}
	}
	for p, ids := range r.generated {
		cp.Generated[p] = append([]string(nil), ids...)
	}
	return cp
}

// resetUnfinished moves every job that did not complete or skip back to
// pending and rebuilds the queue in insertion order.
func (r *run) resetUnfinishedLocked() {
	r.pending = r.pending[:0]
	for _, id := range r.exec.JobOrder {
		s := r.exec.Jobs[id]
		if s.Status.Satisfied() {
			continue
		}
		r.updateLocked(id, func(s *pipeline.JobExecutionState) {
			s.Status = pipeline.JobPending
			s.StartedAt = nil
			s.CompletedAt = nil
			s.Error = nil
			s.Output = nil
		})
		r.pending = append(r.pending, id)
	}
	r.cancelRequested = false
	r.pauseRequested = false
	r.cancelCause = nil
	r.exec.Error = ""
	r.exec.CompletedAt = nil
}

// restoreRun rebuilds a run from a checkpoint. prev, when not nil, is the
// execution as last persisted and supplies timestamps and job history.
func restoreRun(cp *checkpoint.Checkpoint, prev *pipeline.DAGExecution, opts ExecOptions, retry pipeline.RetryPolicy) *run {
	if cp.Retry != nil {
		retry = *cp.Retry
	}
	if opts.Owner == "" {
		opts.Owner = cp.Owner
	}
	if opts.Mode == "" && prev != nil {
		opts.Mode = Mode(prev.Mode)
	}
	r := newRun(cp.ExecutionID, cp.Name, cp.AllJobs, opts, retry, cp.Parallelism)
	for p, ids := range cp.Generated {
		r.generated[p] = append([]string(nil), ids...)
		for _, id := range ids {
			if s, ok := r.exec.Jobs[id]; ok {
				s.GeneratedBy = p
			}
		}
	}
	if prev != nil {
		r.exec.StartedAt = prev.StartedAt
	}

	satisfied := func(ids []string, status pipeline.JobStatus) {
		for _, id := range ids {
			s, ok := r.exec.Jobs[id]
			if !ok {
				continue
			}
			if prev != nil {
				if old, ok := prev.Jobs[id]; ok && old.Status == status {
					s = old.Clone()
					r.exec.Jobs[id] = s
				}
			}
			s.Status = status
			s.Output = cp.JobOutputs[id]
		}
	}
	satisfied(cp.CompletedJobIDs, pipeline.JobCompleted)
	satisfied(cp.SkippedJobIDs, pipeline.JobSkipped)
	r.exec.Level = cp.Level

	r.pending = r.pending[:0]
	for _, id := range r.exec.JobOrder {
		if !r.exec.Jobs[id].Status.Satisfied() {
			r.pending = append(r.pending, id)
		}
	}
	return r
}
