// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package approval

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianPipelines/services/pipeline"
	"github.com/AleutianAI/AleutianPipelines/services/pipeline/notify"
	"github.com/AleutianAI/AleutianPipelines/services/pipeline/registry"
	"github.com/AleutianAI/AleutianPipelines/services/pipeline/store"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recordingNotifier) Notify(_ context.Context, e notify.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recordingNotifier) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

func newService(t *testing.T) (*Service, *recordingNotifier) {
	t.Helper()
	n := &recordingNotifier{}
	return NewService(ServiceOptions{Store: store.NewMemoryStore(), Notifier: n}), n
}

// TestService_Transitions verifies a request can be decided exactly once.
func TestService_Transitions(t *testing.T) {
	ctx := context.Background()
	svc, n := newService(t)

	req, err := svc.Create(ctx, CreateRequest{ExecutionID: "e1", JobID: "deploy", Approvers: []string{"alice"}})
	require.NoError(t, err)
	assert.Equal(t, pipeline.ApprovalPending, req.Status)
	assert.Equal(t, "Approve job deploy", req.Title)

	_, err = svc.Approve(ctx, req.ID, "mallory", "")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	got, err := svc.Approve(ctx, req.ID, "alice", "ship it")
	require.NoError(t, err)
	assert.Equal(t, pipeline.ApprovalApproved, got.Status)
	require.NotNil(t, got.Decision)
	assert.Equal(t, "alice", got.Decision.Actor)

	for _, fn := range []func() (*pipeline.ApprovalRequest, error){
		func() (*pipeline.ApprovalRequest, error) { return svc.Reject(ctx, req.ID, "alice", "") },
		func() (*pipeline.ApprovalRequest, error) { return svc.Cancel(ctx, req.ID, "") },
		func() (*pipeline.ApprovalRequest, error) { return svc.Expire(ctx, req.ID) },
	} {
		_, err := fn()
		assert.ErrorIs(t, err, ErrInvalidTransition)
	}

	_, err = svc.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	pending, err := svc.List(ctx, pipeline.ApprovalPending)
	require.NoError(t, err)
	assert.Empty(t, pending)

	assert.Equal(t, []string{notify.EventApprovalRequested, notify.EventApprovalDecided}, n.types())
}

func TestService_Watch(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)
	req, err := svc.Create(ctx, CreateRequest{ExecutionID: "e1", JobID: "j"})
	require.NoError(t, err)

	ch, stop, err := svc.Watch(ctx, req.ID)
	require.NoError(t, err)
	defer stop()

	_, err = svc.Reject(ctx, req.ID, "bob", "no")
	require.NoError(t, err)

	select {
	case r := <-ch:
		assert.Equal(t, pipeline.ApprovalRejected, r.Status)
	case <-time.After(time.Second):
		t.Fatal("watch did not fire")
	}

	// Watching a decided request returns immediately.
	ch2, stop2, err := svc.Watch(ctx, req.ID)
	require.NoError(t, err)
	stop2()
	assert.Equal(t, pipeline.ApprovalRejected, (<-ch2).Status)
}

func gateJob(cfg map[string]any, timeoutMs int64) *pipeline.JobContext {
	return pipeline.NewJobContext(pipeline.JobContextOptions{
		ExecutionID: "e1",
		Attempt:     1,
		Job:         pipeline.JobConfig{ID: "gate", Type: pipeline.TypeApproval, Config: cfg, TimeoutMs: timeoutMs},
	})
}

// waitForPending returns the first pending request once the gate created it.
func waitForPending(t *testing.T, svc *Service) *pipeline.ApprovalRequest {
	t.Helper()
	var req *pipeline.ApprovalRequest
	require.Eventually(t, func() bool {
		list, err := svc.List(context.Background(), pipeline.ApprovalPending)
		if err != nil || len(list) == 0 {
			return false
		}
		req = list[0]
		return true
	}, time.Second, 5*time.Millisecond)
	return req
}

func runGate(ctx context.Context, g *Gate, jc *pipeline.JobContext) (chan *pipeline.Result, chan error) {
	results := make(chan *pipeline.Result, 1)
	errs := make(chan error, 1)
	go func() {
		res, err := g.Handle(ctx, jc)
		results <- res
		errs <- err
	}()
	return results, errs
}

func TestGate_Approved(t *testing.T) {
	svc, _ := newService(t)
	g := NewGate(svc)

	results, errs := runGate(context.Background(), g, gateJob(map[string]any{"title": "Deploy"}, 0))
	req := waitForPending(t, svc)
	assert.Equal(t, "Deploy", req.Title)

	_, err := svc.Approve(context.Background(), req.ID, "alice", "ok")
	require.NoError(t, err)

	require.NoError(t, <-errs)
	res := <-results
	assert.True(t, res.Success)
	out := res.Output.(GateOutput)
	assert.Equal(t, pipeline.ApprovalApproved, out.Status)
	assert.Equal(t, "alice", out.Decision.Actor)
}

func TestGate_RejectedFailsPermanently(t *testing.T) {
	svc, _ := newService(t)
	results, errs := runGate(context.Background(), NewGate(svc), gateJob(nil, 0))
	req := waitForPending(t, svc)
	_, err := svc.Reject(context.Background(), req.ID, "bob", "no")
	require.NoError(t, err)

	err = <-errs
	assert.Nil(t, <-results)
	assert.ErrorIs(t, err, ErrNotApproved)
	assert.ErrorIs(t, err, pipeline.ErrPermanent)
}

func TestGate_RejectedSkip(t *testing.T) {
	svc, _ := newService(t)
	results, errs := runGate(context.Background(), NewGate(svc), gateJob(map[string]any{"on_reject": "skip"}, 0))
	req := waitForPending(t, svc)
	_, err := svc.Reject(context.Background(), req.ID, "bob", "no")
	require.NoError(t, err)

	require.NoError(t, <-errs)
	res := <-results
	assert.True(t, res.Success)
	assert.True(t, res.SkipDependents)
}

// TestGate_ExpiresAfterMaxPolls verifies the poll budget bounds the wait.
func TestGate_ExpiresAfterMaxPolls(t *testing.T) {
	svc, _ := newService(t)
	g := &Gate{Service: svc, PollInterval: 5 * time.Millisecond, MaxPollAttempts: 3}

	res, err := g.Handle(context.Background(), gateJob(nil, 0))
	assert.Nil(t, res)
	assert.ErrorIs(t, err, ErrNotApproved)

	expired, err := svc.List(context.Background(), pipeline.ApprovalExpired)
	require.NoError(t, err)
	assert.Len(t, expired, 1)
}

// TestGate_PollPicksUpExternalDecision verifies decisions written straight
// to the store, bypassing the service, are seen by polling.
func TestGate_PollPicksUpExternalDecision(t *testing.T) {
	st := store.NewMemoryStore()
	svc := NewService(ServiceOptions{Store: st})
	g := &Gate{Service: svc, PollInterval: 5 * time.Millisecond, MaxPollAttempts: 1000}

	results, errs := runGate(context.Background(), g, gateJob(nil, 0))
	req := waitForPending(t, svc)
	req.Status = pipeline.ApprovalApproved
	req.Decision = &pipeline.ApprovalDecision{Actor: "other-process", At: time.Now()}
	require.NoError(t, st.SaveApproval(context.Background(), req))

	require.NoError(t, <-errs)
	assert.Equal(t, "other-process", (<-results).Output.(GateOutput).Decision.Actor)
}

func TestGate_ContextCancelMarksCancelled(t *testing.T) {
	svc, _ := newService(t)
	ctx, cancel := context.WithCancel(context.Background())
	_, errs := runGate(ctx, NewGate(svc), gateJob(nil, 0))
	req := waitForPending(t, svc)
	cancel()

	assert.True(t, errors.Is(<-errs, context.Canceled))
	got, err := svc.Get(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.ApprovalCancelled, got.Status)
}

func TestGate_TimeoutBoundsWindow(t *testing.T) {
	svc, _ := newService(t)
	start := time.Now()
	_, err := NewGate(svc).Handle(context.Background(), gateJob(nil, 30))
	assert.ErrorIs(t, err, ErrNotApproved)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestGate_MaxRunTimeCoversWindow(t *testing.T) {
	svc, _ := newService(t)
	g := NewGate(svc)
	tests := []struct {
		name string
		job  pipeline.JobConfig
		want time.Duration
	}{
		{
			name: "poll budget",
			job:  pipeline.JobConfig{ID: "a", Type: pipeline.TypeApproval},
			want: time.Hour + DefaultPollInterval,
		},
		{
			name: "timeout over an hour",
			job: pipeline.JobConfig{
				ID:        "a",
				Type:      pipeline.TypeApproval,
				TimeoutMs: (2 * time.Hour).Milliseconds(),
				Config:    map[string]any{"max_poll_attempts": 2000},
			},
			want: 2*time.Hour + DefaultPollInterval,
		},
		{
			name: "short timeout",
			job: pipeline.JobConfig{
				ID:        "a",
				Type:      pipeline.TypeApproval,
				TimeoutMs: 30,
				Config:    map[string]any{"poll_interval_ms": 10},
			},
			want: 40 * time.Millisecond,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, g.MaxRunTime(tt.job))
		})
	}
	var _ pipeline.SelfTimed = g
}

func TestRegister(t *testing.T) {
	svc, _ := newService(t)
	reg := registry.New()
	require.NoError(t, Register(reg, NewGate(svc)))
	_, ok := reg.Lookup(pipeline.TypeApproval)
	assert.True(t, ok)
}
