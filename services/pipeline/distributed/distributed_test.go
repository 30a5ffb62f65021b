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
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianPipelines/services/pipeline"
	"github.com/AleutianAI/AleutianPipelines/services/pipeline/registry"
	"github.com/AleutianAI/AleutianPipelines/services/pipeline/store"
)

type recordingObserver struct {
	mu        sync.Mutex
	requeued  int
	exhausted int
}

func (o *recordingObserver) TaskRequeued(string) {
	o.mu.Lock()
	o.requeued++
	o.mu.Unlock()
}

func (o *recordingObserver) TaskExhausted(string) {
	o.mu.Lock()
	o.exhausted++
	o.mu.Unlock()
}

func (o *recordingObserver) QueueDepth(int, int) {}

func (o *recordingObserver) counts() (int, int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.requeued, o.exhausted
}

func task(id, jobType string) pipeline.Task {
	return pipeline.Task{ExecutionID: "exec-1", Attempt: 1, Job: pipeline.JobConfig{ID: id, Type: jobType}}
}

type dispatchResult struct {
	res *pipeline.Result
	err error
}

func dispatchAsync(ctx context.Context, c *Coordinator, t pipeline.Task) <-chan dispatchResult {
	out := make(chan dispatchResult, 1)
	go func() {
		res, err := c.Dispatch(ctx, t)
		out <- dispatchResult{res, err}
	}()
	return out
}

func waitDepth(t *testing.T, c *Coordinator, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return c.Queue().Depth() == n }, time.Second, time.Millisecond)
}

func advance(q *Queue, d time.Duration) {
	base := time.Now()
	q.now = func() time.Time { return base.Add(d) }
}

// TestRegistry_StaleWorkerExcluded verifies a worker whose heartbeat lapsed
// gets no work until it heartbeats again.
func TestRegistry_StaleWorkerExcluded(t *testing.T) {
	ctx := context.Background()
	ws := store.NewMemoryStore()
	c := NewCoordinator(Options{Config: Config{StalenessWindow: time.Minute}, Workers: ws})

	w, err := c.Register(ctx, pipeline.Worker{WorkerID: "w1", MaxConcurrency: 2})
	require.NoError(t, err)
	assert.Equal(t, pipeline.WorkerHealthy, w.Status)
	assert.NotEmpty(t, w.Hostname)
	c.Queue().Enqueue(task("a", "echo"))

	later := time.Now().Add(2 * time.Minute)
	c.registry.now = func() time.Time { return later }

	assert.False(t, c.registry.IsHealthy("w1"))
	assert.Empty(t, c.registry.Healthy())
	_, err = c.Lease(ctx, "w1", 1)
	assert.ErrorIs(t, err, ErrWorkerStale)

	require.NoError(t, c.Heartbeat(ctx, "w1", 0))
	leases, err := c.Lease(ctx, "w1", 1)
	require.NoError(t, err)
	assert.Len(t, leases, 1)

	persisted, err := ws.GetWorker(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, "w1", persisted.WorkerID)

	_, err = c.Lease(ctx, "ghost", 1)
	assert.ErrorIs(t, err, ErrWorkerNotFound)
	assert.ErrorIs(t, c.Heartbeat(ctx, "ghost", 0), ErrWorkerNotFound)
}

func TestRegistry_RestoreAndValidation(t *testing.T) {
	ctx := context.Background()
	ws := store.NewMemoryStore()
	require.NoError(t, ws.SaveWorker(ctx, &pipeline.Worker{WorkerID: "old", MaxConcurrency: 1}))

	c := NewCoordinator(Options{Workers: ws})
	require.NoError(t, c.Start(ctx))
	defer c.Stop()

	workers := c.Workers()
	require.Len(t, workers, 1)
	assert.Equal(t, pipeline.WorkerStale, workers[0].Status)

	_, err := c.Register(ctx, pipeline.Worker{MaxConcurrency: -1})
	assert.ErrorIs(t, err, pipeline.ErrValidation)
}

func TestCoordinator_LeaseCapacityAndCapabilities(t *testing.T) {
	ctx := context.Background()
	c := NewCoordinator(Options{})
	_, err := c.Register(ctx, pipeline.Worker{WorkerID: "w1", MaxConcurrency: 2, Capabilities: []string{"train"}})
	require.NoError(t, err)

	c.Queue().Enqueue(task("report", "render"))
	c.Queue().Enqueue(task("t1", "train"))
	c.Queue().Enqueue(task("t2", "train"))
	c.Queue().Enqueue(task("t3", "train"))

	leases, err := c.Lease(ctx, "w1", 10)
	require.NoError(t, err)
	require.Len(t, leases, 2)
	assert.Equal(t, "t1", leases[0].Task.Task.Job.ID)
	assert.Equal(t, "t2", leases[1].Task.Task.Job.ID)

	more, err := c.Lease(ctx, "w1", 10)
	require.NoError(t, err)
	assert.Empty(t, more, "worker is at capacity")

	// Reported load above held leases also counts.
	_, err = c.Register(ctx, pipeline.Worker{WorkerID: "w2", MaxConcurrency: 1})
	require.NoError(t, err)
	require.NoError(t, c.Heartbeat(ctx, "w2", 1))
	busy, err := c.Lease(ctx, "w2", 1)
	require.NoError(t, err)
	assert.Empty(t, busy)

	st := c.Status()
	assert.Equal(t, 2, st.Pending)
	assert.Equal(t, 2, st.InFlight)
	assert.Equal(t, 2, st.HealthyWorkers)
}

func TestQueue_RequeueKeepsOrderAndBudget(t *testing.T) {
	q := NewQueue(time.Second, 1)
	first := q.Enqueue(task("first", "echo"))
	q.Enqueue(task("second", "echo"))

	leases := q.Lease("w1", nil, 1)
	require.Len(t, leases, 1)
	assert.Equal(t, first, leases[0].Task.ID)

	advance(q, time.Minute)
	requeued, exhausted := q.RequeueExpired()
	require.Len(t, requeued, 1)
	assert.Empty(t, exhausted)
	assert.Equal(t, 1, requeued[0].Requeues)

	// The reclaimed task goes ahead of tasks that never ran.
	leases = q.Lease("w2", nil, 1)
	require.Len(t, leases, 1)
	assert.Equal(t, first, leases[0].Task.ID)

	advance(q, 2*time.Minute)
	requeued, exhausted = q.RequeueExpired()
	assert.Empty(t, requeued)
	require.Len(t, exhausted, 1)
	assert.Equal(t, first, exhausted[0].ID)
	assert.Equal(t, 1, q.Depth())
	assert.Equal(t, 0, q.InFlight())
}

func TestQueue_ExtendLeases(t *testing.T) {
	q := NewQueue(time.Minute, 3)
	q.Enqueue(task("a", "echo"))
	require.Len(t, q.Lease("w1", nil, 1), 1)

	advance(q, 50*time.Second)
	assert.Equal(t, 1, q.ExtendLeases("w1"))
	advance(q, 100*time.Second)
	requeued, _ := q.RequeueExpired()
	assert.Empty(t, requeued, "heartbeat moved the deadline")
}

func TestCoordinator_ExhaustedRequeuesFailDispatch(t *testing.T) {
	ctx := context.Background()
	obs := &recordingObserver{}
	c := NewCoordinator(Options{Config: Config{MaxRequeues: -1}, Observer: obs})
	_, err := c.Register(ctx, pipeline.Worker{WorkerID: "w1"})
	require.NoError(t, err)

	done := dispatchAsync(ctx, c, task("a", "echo"))
	waitDepth(t, c, 1)
	leases, err := c.Lease(ctx, "w1", 1)
	require.NoError(t, err)
	require.Len(t, leases, 1)

	advance(c.Queue(), time.Hour)
	c.Reap()

	r := <-done
	assert.ErrorIs(t, r.err, pipeline.ErrCoordinator)
	_, exhausted := obs.counts()
	assert.Equal(t, 1, exhausted)
}

// TestCoordinator_LateReportDropped verifies a result for a reclaimed lease
// is ignored and the requeued attempt's result wins.
func TestCoordinator_LateReportDropped(t *testing.T) {
	ctx := context.Background()
	obs := &recordingObserver{}
	c := NewCoordinator(Options{Observer: obs})
	for _, id := range []string{"slow", "fast"} {
		_, err := c.Register(ctx, pipeline.Worker{WorkerID: id})
		require.NoError(t, err)
	}

	done := dispatchAsync(ctx, c, task("a", "echo"))
	waitDepth(t, c, 1)
	slow, err := c.Lease(ctx, "slow", 1)
	require.NoError(t, err)
	require.Len(t, slow, 1)

	advance(c.Queue(), time.Hour)
	c.Reap()
	requeued, _ := obs.counts()
	assert.Equal(t, 1, requeued)

	fast, err := c.Lease(ctx, "fast", 1)
	require.NoError(t, err)
	require.Len(t, fast, 1)
	assert.Equal(t, 1, fast[0].Task.Requeues)

	err = c.Report(ctx, slow[0].ID, pipeline.TaskResult{Result: pipeline.Succeeded("stale")})
	assert.ErrorIs(t, err, ErrLeaseNotFound)

	require.NoError(t, c.Report(ctx, fast[0].ID, pipeline.TaskResult{Result: pipeline.Succeeded("fresh")}))
	r := <-done
	require.NoError(t, r.err)
	assert.Equal(t, "fresh", r.res.Output)
}

func TestCoordinator_DeregisterRequeuesLeases(t *testing.T) {
	ctx := context.Background()
	c := NewCoordinator(Options{})
	_, err := c.Register(ctx, pipeline.Worker{WorkerID: "w1"})
	require.NoError(t, err)
	c.Queue().Enqueue(task("a", "echo"))
	_, err = c.Lease(ctx, "w1", 1)
	require.NoError(t, err)

	require.NoError(t, c.Deregister(ctx, "w1"))
	assert.Equal(t, 1, c.Queue().Depth())
	assert.Equal(t, 0, c.Queue().InFlight())
	assert.ErrorIs(t, c.Deregister(ctx, "w1"), ErrWorkerNotFound)
}

func TestCoordinator_PauseResume(t *testing.T) {
	ctx := context.Background()
	c := NewCoordinator(Options{})
	_, err := c.Register(ctx, pipeline.Worker{WorkerID: "w1"})
	require.NoError(t, err)
	c.Queue().Enqueue(task("a", "echo"))

	c.PauseQueue()
	assert.True(t, c.Status().Paused)
	leases, err := c.Lease(ctx, "w1", 1)
	require.NoError(t, err)
	assert.Empty(t, leases)

	c.ResumeQueue()
	leases, err = c.Lease(ctx, "w1", 1)
	require.NoError(t, err)
	assert.Len(t, leases, 1)
}

func TestCoordinator_DispatchCancelRemovesTask(t *testing.T) {
	c := NewCoordinator(Options{})
	ctx, cancel := context.WithCancel(context.Background())
	done := dispatchAsync(ctx, c, task("a", "echo"))
	waitDepth(t, c, 1)
	cancel()

	r := <-done
	assert.ErrorIs(t, r.err, context.Canceled)
	assert.Equal(t, 0, c.Queue().Depth())
}

func TestCoordinator_StopFailsWaiters(t *testing.T) {
	c := NewCoordinator(Options{})
	require.NoError(t, c.Start(context.Background()))
	done := dispatchAsync(context.Background(), c, task("a", "echo"))
	waitDepth(t, c, 1)

	c.Stop()
	assert.ErrorIs(t, (<-done).err, pipeline.ErrCoordinator)

	_, err := c.Dispatch(context.Background(), task("b", "echo"))
	assert.ErrorIs(t, err, pipeline.ErrCoordinator)
}

func TestResultOf(t *testing.T) {
	_, err := resultOf(pipeline.TaskResult{})
	assert.ErrorIs(t, err, pipeline.ErrCoordinator)

	_, err = resultOf(pipeline.TaskResult{Error: "boom", Permanent: true})
	assert.ErrorIs(t, err, pipeline.ErrPermanent)
	assert.Contains(t, err.Error(), "boom")
}

func newHandlers(t *testing.T) *registry.Registry {
	t.Helper()
	reg := registry.New()
	require.NoError(t, reg.RegisterFunc("echo", func(_ context.Context, jc *pipeline.JobContext) (*pipeline.Result, error) {
		up, _ := jc.GetJobOutput("upstream")
		return pipeline.Succeeded(map[string]any{"job": jc.JobID, "upstream": up}), nil
	}))
	require.NoError(t, reg.RegisterFunc("reject", func(context.Context, *pipeline.JobContext) (*pipeline.Result, error) {
		return nil, fmt.Errorf("%w: bad input", pipeline.ErrPermanent)
	}))
	require.NoError(t, reg.RegisterFunc("panic", func(context.Context, *pipeline.JobContext) (*pipeline.Result, error) {
		panic("kaboom")
	}))
	return reg
}

// TestAgent_EndToEnd runs an agent against an in-process coordinator.
func TestAgent_EndToEnd(t *testing.T) {
	ctx := context.Background()
	c := NewCoordinator(Options{Config: Config{PollInterval: 10 * time.Millisecond}})
	require.NoError(t, c.Start(ctx))
	defer c.Stop()

	agentCtx, stopAgent := context.WithCancel(ctx)
	agent := NewAgent(c, newHandlers(t), AgentConfig{
		MaxConcurrency:    2,
		HeartbeatInterval: 20 * time.Millisecond,
		PollInterval:      5 * time.Millisecond,
	}, nil)
	runErr := make(chan error, 1)
	go func() { runErr <- agent.Run(agentCtx) }()
	require.Eventually(t, func() bool { return len(c.Workers()) == 1 }, time.Second, time.Millisecond)
	assert.ElementsMatch(t, []string{"echo", "reject", "panic"}, c.Workers()[0].Capabilities)

	tk := task("a", "echo")
	tk.Outputs = pipeline.OutputSnapshot{Outputs: map[string]any{"upstream": 42}}
	res, err := c.Dispatch(ctx, tk)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"job": "a", "upstream": 42}, res.Output)

	_, err = c.Dispatch(ctx, task("b", "reject"))
	assert.ErrorIs(t, err, pipeline.ErrPermanent)

	_, err = c.Dispatch(ctx, task("c", "panic"))
	require.Error(t, err)
	assert.False(t, errors.Is(err, pipeline.ErrPermanent))
	assert.Contains(t, err.Error(), "kaboom")

	require.Eventually(t, func() bool { return agent.Executed() == 3 }, time.Second, time.Millisecond)

	stopAgent()
	require.NoError(t, <-runErr)
	assert.Empty(t, c.Workers(), "agent deregisters on shutdown")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestHTTPClient(t *testing.T) {
	var sawJSON bool
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/workers", func(w http.ResponseWriter, r *http.Request) {
		var wk pipeline.Worker
		_ = json.NewDecoder(r.Body).Decode(&wk)
		wk.WorkerID = "assigned"
		writeJSON(w, http.StatusCreated, wk)
	})
	mux.HandleFunc("POST /v1/workers/{id}/heartbeat", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "unknown", Code: CodeWorkerNotFound})
	})
	mux.HandleFunc("POST /v1/workers/{id}/lease", func(w http.ResponseWriter, r *http.Request) {
		var req LeaseRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		sawJSON = r.Header.Get("Content-Type") == "application/json"
		leases := make([]Lease, req.Max)
		for i := range leases {
			leases[i] = Lease{ID: fmt.Sprintf("l%d", i), WorkerID: r.PathValue("id"), Task: QueuedTask{Task: task("a", "echo")}}
		}
		writeJSON(w, http.StatusOK, LeaseResponse{Leases: leases})
	})
	mux.HandleFunc("POST /v1/leases/{id}/report", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: "reclaimed", Code: CodeLeaseNotFound})
	})
	mux.HandleFunc("DELETE /v1/workers/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	ctx := context.Background()
	c := NewHTTPClient(srv.URL + "/").WithTimeout(time.Second)

	w, err := c.Register(ctx, pipeline.Worker{Hostname: "h"})
	require.NoError(t, err)
	assert.Equal(t, "assigned", w.WorkerID)
	assert.Equal(t, "h", w.Hostname)

	assert.ErrorIs(t, c.Heartbeat(ctx, "x", 0), ErrWorkerNotFound)

	leases, err := c.Lease(ctx, "w9", 2)
	require.NoError(t, err)
	require.Len(t, leases, 2)
	assert.Equal(t, "w9", leases[0].WorkerID)
	assert.Equal(t, "echo", leases[0].Task.Task.Job.Type)
	assert.True(t, sawJSON)

	assert.ErrorIs(t, c.Report(ctx, "l0", pipeline.TaskResult{}), ErrLeaseNotFound)
	assert.NoError(t, c.Deregister(ctx, "w9"))
}

func TestErrorCode(t *testing.T) {
	for _, sentinel := range []error{ErrWorkerNotFound, ErrWorkerStale, ErrLeaseNotFound, pipeline.ErrValidation} {
		wrapped := fmt.Errorf("ctx: %w", sentinel)
		assert.ErrorIs(t, errorForCode(ErrorCode(wrapped)), sentinel)
	}
	assert.Empty(t, ErrorCode(errors.New("other")))
}

// TestAgent_JoinsDispatchTrace verifies handlers on a worker run inside
// the trace of the dispatching span.
func TestAgent_JoinsDispatchTrace(t *testing.T) {
	otel.SetTextMapPropagator(propagation.TraceContext{})
	ctx := context.Background()
	c := NewCoordinator(Options{Config: Config{PollInterval: 10 * time.Millisecond}})
	require.NoError(t, c.Start(ctx))
	defer c.Stop()

	reg := registry.New()
	require.NoError(t, reg.RegisterFunc("traced", func(ctx context.Context, _ *pipeline.JobContext) (*pipeline.Result, error) {
		return pipeline.Succeeded(trace.SpanContextFromContext(ctx).TraceID().String()), nil
	}))
	agentCtx, stopAgent := context.WithCancel(ctx)
	defer stopAgent()
	go func() { _ = NewAgent(c, reg, AgentConfig{PollInterval: 5 * time.Millisecond}, nil).Run(agentCtx) }()

	tp := sdktrace.NewTracerProvider()
	defer func() { _ = tp.Shutdown(ctx) }()
	spanCtx, span := tp.Tracer("test").Start(ctx, "engine")
	defer span.End()

	res, err := c.Dispatch(spanCtx, task("t", "traced"))
	require.NoError(t, err)
	assert.Equal(t, span.SpanContext().TraceID().String(), res.Output)
}
