// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianPipelines/services/pipeline"
	"github.com/AleutianAI/AleutianPipelines/services/pipeline/approval"
	"github.com/AleutianAI/AleutianPipelines/services/pipeline/distributed"
	"github.com/AleutianAI/AleutianPipelines/services/pipeline/engine"
	"github.com/AleutianAI/AleutianPipelines/services/pipeline/observability"
	"github.com/AleutianAI/AleutianPipelines/services/pipeline/registry"
	"github.com/AleutianAI/AleutianPipelines/services/pipeline/store"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testEnv struct {
	router    *gin.Engine
	engine    *engine.Orchestrator
	approvals *approval.Service
	coord     *distributed.Coordinator
	reg       *registry.Registry
	metrics   *observability.Metrics
	promReg   *prometheus.Registry
}

func newTestEnv(t *testing.T, limiter *RateLimiter) *testEnv {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemoryStore()
	reg := registry.New()
	require.NoError(t, reg.RegisterFunc("echo", func(_ context.Context, jc *pipeline.JobContext) (*pipeline.Result, error) {
		return pipeline.Succeeded(map[string]any{"job": jc.JobID}), nil
	}))

	coord := distributed.NewCoordinator(distributed.Options{
		Config:  distributed.Config{PollInterval: 10 * time.Millisecond},
		Workers: st,
	})
	require.NoError(t, coord.Start(ctx))
	t.Cleanup(coord.Stop)

	promReg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(promReg)

	eng, err := engine.New(engine.Options{
		Config:   engine.DefaultConfig(),
		Registry: reg,
		Store:    st,
		Remote:   coord,
		Observer: metrics,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = eng.Shutdown(sctx)
	})

	srv := NewServer(Options{
		Engine:         eng,
		Approvals:      approval.NewService(approval.ServiceOptions{Store: st}),
		Coordinator:    coord,
		Metrics:        metrics,
		Limiter:        limiter,
		MetricsHandler: promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}),
	})
	return &testEnv{
		router:    srv.Router(),
		engine:    eng,
		approvals: srv.approvals,
		coord:     coord,
		reg:       reg,
		metrics:   metrics,
		promReg:   promReg,
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, nil)
	w := env.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)

	resp := decode[HealthResponse](t, w)
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, ServiceVersion, resp.Version)
	require.NotNil(t, resp.Queue)
	assert.False(t, resp.Queue.Paused)

	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.HTTPRequestsTotal.WithLabelValues("GET", "/health", "200")))
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	env.do(t, http.MethodGet, "/health", nil)
	w := env.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "http_requests_total")
}

func TestValidate(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(t, http.MethodPost, "/v1/dags/validate", ValidateRequest{Jobs: []pipeline.JobConfig{
		{ID: "a", Type: "echo"},
		{ID: "b", Type: "echo"},
		{ID: "c", Type: "echo", DependsOn: []string{"a", "b"}},
	}})
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[ValidateResponse](t, w)
	assert.True(t, resp.Valid)
	assert.Equal(t, [][]string{{"a", "b"}, {"c"}}, resp.Levels)

	w = env.do(t, http.MethodPost, "/v1/dags/validate", ValidateRequest{Jobs: []pipeline.JobConfig{
		{ID: "a", Type: "echo", DependsOn: []string{"b"}},
		{ID: "b", Type: "echo", DependsOn: []string{"a"}},
	}})
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, distributed.CodeValidation, decode[ErrorResponse](t, w).Code)

	w = env.do(t, http.MethodPost, "/v1/dags/validate", map[string]any{"jobs": []any{}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, CodeInvalidRequest, decode[ErrorResponse](t, w).Code)
}

func TestSubmit_Wait(t *testing.T) {
	env := newTestEnv(t, nil)
	w := env.do(t, http.MethodPost, "/v1/executions", SubmitRequest{
		Name: "waited",
		Jobs: []pipeline.JobConfig{{ID: "a", Type: "echo"}, {ID: "b", Type: "echo", DependsOn: []string{"a"}}},
		Wait: true,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.NotEmpty(t, w.Header().Get(requestIDHeader))

	exec := decode[pipeline.DAGExecution](t, w)
	assert.Equal(t, pipeline.ExecutionCompleted, exec.Status)
	assert.Equal(t, "waited", exec.Name)
	assert.Equal(t, map[string]any{"job": "b"}, exec.Jobs["b"].Output)
}

func TestSubmit_AsyncThenGet(t *testing.T) {
	env := newTestEnv(t, nil)
	w := env.do(t, http.MethodPost, "/v1/executions", SubmitRequest{
		Jobs: []pipeline.JobConfig{{ID: "a", Type: "echo"}},
	})
	require.Equal(t, http.StatusAccepted, w.Code)
	id := decode[SubmitResponse](t, w).ExecutionID
	require.NotEmpty(t, id)

	require.Eventually(t, func() bool {
		w := env.do(t, http.MethodGet, "/v1/executions/"+id, nil)
		return w.Code == http.StatusOK && decode[pipeline.DAGExecution](t, w).Status == pipeline.ExecutionCompleted
	}, 2*time.Second, 5*time.Millisecond)

	w = env.do(t, http.MethodGet, "/v1/executions?status=completed", nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[[]pipeline.DAGExecution](t, w)
	require.Len(t, list, 1)
	assert.Equal(t, id, list[0].ExecutionID)

	w = env.do(t, http.MethodGet, "/v1/executions?status=failed", nil)
	assert.Empty(t, decode[[]pipeline.DAGExecution](t, w))

	w = env.do(t, http.MethodPost, "/v1/executions/"+id+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	w = env.do(t, http.MethodPost, "/v1/executions/"+id+"/resume", ResumeRequest{})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = env.do(t, http.MethodGet, "/v1/executions/"+id+"/violations", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, "[]", w.Body.String())

	w = env.do(t, http.MethodGet, "/v1/usage?owner=anonymous&type=echo", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decode[UsageResponse](t, w).Count)
}

func TestSubmit_Errors(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(t, http.MethodPost, "/v1/executions", SubmitRequest{
		Jobs: []pipeline.JobConfig{{ID: "a", Type: "unregistered"}},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, distributed.CodeValidation, decode[ErrorResponse](t, w).Code)

	w = env.do(t, http.MethodGet, "/v1/executions/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, CodeNotFound, decode[ErrorResponse](t, w).Code)

	w = env.do(t, http.MethodPost, "/v1/executions/missing/pause", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestApprovals(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	req, err := env.approvals.Create(ctx, approval.CreateRequest{ExecutionID: "e1", JobID: "deploy", Approvers: []string{"alice"}})
	require.NoError(t, err)

	w := env.do(t, http.MethodGet, "/v1/approvals?status=pending", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, decode[[]pipeline.ApprovalRequest](t, w), 1)

	w = env.do(t, http.MethodPost, "/v1/approvals/"+req.ID+"/approve", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, w.Code, "actor is required")

	w = env.do(t, http.MethodPost, "/v1/approvals/"+req.ID+"/approve", DecisionRequest{Actor: "mallory"})
	assert.Equal(t, http.StatusConflict, w.Code, "only listed approvers may decide")

	w = env.do(t, http.MethodPost, "/v1/approvals/"+req.ID+"/approve", DecisionRequest{Actor: "alice", Comment: "ship it"})
	require.Equal(t, http.StatusOK, w.Code)
	decided := decode[pipeline.ApprovalRequest](t, w)
	assert.Equal(t, pipeline.ApprovalApproved, decided.Status)

	w = env.do(t, http.MethodPost, "/v1/approvals/"+req.ID+"/reject", DecisionRequest{Actor: "alice"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = env.do(t, http.MethodGet, "/v1/approvals/"+req.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "alice", decode[pipeline.ApprovalRequest](t, w).Decision.Actor)

	w = env.do(t, http.MethodGet, "/v1/approvals/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRateLimiter(t *testing.T) {
	limiter := NewRateLimiter(0.001, 1)
	env := newTestEnv(t, limiter)

	assert.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/v1/queue/pause", nil).Code)
	w := env.do(t, http.MethodPost, "/v1/queue/resume", nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, CodeRateLimited, decode[ErrorResponse](t, w).Code)

	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/v1/executions", nil).Code, "reads are not limited")
	}
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/health", nil).Code, "health is not limited")

	limiter.Update(0, 0)
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/v1/queue/resume", nil).Code)
}

func TestQueueControl(t *testing.T) {
	env := newTestEnv(t, nil)
	w := env.do(t, http.MethodPost, "/v1/queue/pause", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decode[distributed.QueueStatus](t, w).Paused)

	w = env.do(t, http.MethodPost, "/v1/queue/resume", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, decode[distributed.QueueStatus](t, w).Paused)
}

// TestWorkerAPI_HTTPClient runs an agent over real HTTP against the API
// and executes a distributed DAG through it.
func TestWorkerAPI_HTTPClient(t *testing.T) {
	env := newTestEnv(t, nil)
	ts := httptest.NewServer(env.router)
	defer ts.Close()
	client := distributed.NewHTTPClient(ts.URL).WithTimeout(5 * time.Second)
	ctx := context.Background()

	err := client.Heartbeat(ctx, "ghost", 0)
	assert.ErrorIs(t, err, distributed.ErrWorkerNotFound)
	err = client.Report(ctx, "ghost-lease", pipeline.TaskResult{})
	assert.ErrorIs(t, err, distributed.ErrLeaseNotFound)

	agentCtx, stop := context.WithCancel(ctx)
	defer stop()
	agent := distributed.NewAgent(client, env.reg, distributed.AgentConfig{
		MaxConcurrency:    2,
		HeartbeatInterval: 20 * time.Millisecond,
		PollInterval:      5 * time.Millisecond,
	}, nil)
	done := make(chan error, 1)
	go func() { done <- agent.Run(agentCtx) }()
	require.Eventually(t, func() bool { return len(env.coord.Workers()) == 1 }, 2*time.Second, 5*time.Millisecond)

	w := env.do(t, http.MethodGet, "/v1/workers", nil)
	require.Equal(t, http.StatusOK, w.Code)
	workers := decode[[]pipeline.Worker](t, w)
	require.Len(t, workers, 1)
	assert.Equal(t, agent.WorkerID(), workers[0].WorkerID)

	w = env.do(t, http.MethodPost, "/v1/executions", SubmitRequest{
		Jobs:    []pipeline.JobConfig{{ID: "a", Type: "echo"}, {ID: "b", Type: "echo", DependsOn: []string{"a"}}},
		Options: engine.ExecOptions{Mode: engine.ModeDistributed},
		Wait:    true,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	exec := decode[pipeline.DAGExecution](t, w)
	assert.Equal(t, pipeline.ExecutionCompleted, exec.Status)
	assert.Equal(t, map[string]any{"job": "b"}, exec.Jobs["b"].Output)

	stop()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("agent did not stop")
	}
	assert.Empty(t, env.coord.Workers(), "agent deregisters on shutdown")
}
