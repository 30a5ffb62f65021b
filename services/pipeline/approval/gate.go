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
	"fmt"
	"time"

	"github.com/AleutianAI/AleutianPipelines/services/pipeline"
	"github.com/AleutianAI/AleutianPipelines/services/pipeline/registry"
)

const (
	// DefaultPollInterval is how often the gate re-reads the store.
	DefaultPollInterval = 5 * time.Second

	// DefaultMaxPollAttempts bounds the wait to about an hour at 5s.
	DefaultMaxPollAttempts = 720
)

// Config keys read from the approval job's Config.
const (
	keyTitle           = "title"
	keyDescription     = "description"
	keyApprovers       = "approvers"
	keyOnReject        = "on_reject"
	keyPollIntervalMs  = "poll_interval_ms"
	keyMaxPollAttempts = "max_poll_attempts"

	onRejectSkip = "skip"
)

// ErrNotApproved is returned by the gate when the request ends in any
// state other than approved.
var ErrNotApproved = errors.New("approval not granted")

// GateOutput is the output of an approval job.
type GateOutput struct {
	ApprovalID string                     `json:"approvalId"`
	Status     pipeline.ApprovalStatus    `json:"status"`
	Decision   *pipeline.ApprovalDecision `json:"decision,omitempty"`
}

// Gate is the handler for approval jobs.
//
// # Description
//
// Handle creates a request and waits for it to be decided. Decisions made
// through the same Service arrive on the watch channel; the poll ticker
// picks up decisions written to the store by another process. The wait
// ends after MaxPollAttempts polls or the job's TimeoutMs, whichever comes
// first, and the request is then marked expired.
//
// Approved requests complete the job with a GateOutput. Any other outcome
// fails the job without retry, unless the job config sets on_reject to
// "skip", in which case the job and its direct dependents are skipped.
//
// # Config keys
//
//   - title, description: shown to approvers.
//   - approvers: list of allowed actors; empty allows anyone.
//   - on_reject: "fail" (default) or "skip".
//   - poll_interval_ms, max_poll_attempts: override the gate defaults.
type Gate struct {
	Service         *Service
	PollInterval    time.Duration
	MaxPollAttempts int
}

// NewGate creates a gate with the default polling policy.
func NewGate(svc *Service) *Gate {
	return &Gate{Service: svc, PollInterval: DefaultPollInterval, MaxPollAttempts: DefaultMaxPollAttempts}
}

// Register installs g as the handler for approval jobs.
func Register(reg *registry.Registry, g *Gate) error {
	return reg.Register(pipeline.TypeApproval, g)
}

// Handle implements pipeline.Handler.
func (g *Gate) Handle(ctx context.Context, jc *pipeline.JobContext) (*pipeline.Result, error) {
	cfg := jc.Config()
	interval, maxAttempts, window := g.policy(jc.Job)
	expiresAt := g.Service.now().Add(window).UTC()

	req, err := g.Service.Create(ctx, CreateRequest{
		ExecutionID: jc.ExecutionID,
		JobID:       jc.JobID,
		Title:       stringValue(cfg[keyTitle]),
		Description: stringValue(cfg[keyDescription]),
		Approvers:   stringList(cfg[keyApprovers]),
		ExpiresAt:   &expiresAt,
	})
	if err != nil {
		return nil, err
	}
	jc.Log("waiting for approval", "approval_id", req.ID, "window", window.String())

	decided, err := g.wait(ctx, req.ID, interval, maxAttempts, window)
	if err != nil {
		return nil, err
	}

	out := GateOutput{ApprovalID: decided.ID, Status: decided.Status, Decision: decided.Decision}
	if decided.Status == pipeline.ApprovalApproved {
		return pipeline.Succeeded(out), nil
	}
	if stringValue(cfg[keyOnReject]) == onRejectSkip {
		return &pipeline.Result{Success: true, Output: out, SkipDependents: true}, nil
	}
	return nil, fmt.Errorf("%w: %w: request %s is %s", pipeline.ErrPermanent, ErrNotApproved, decided.ID, decided.Status)
}

// policy resolves the poll interval, the poll budget and the approval
// window for job.
func (g *Gate) policy(job pipeline.JobConfig) (interval time.Duration, maxAttempts int, window time.Duration) {
	interval = g.PollInterval
	if ms, ok := intValue(job.Config[keyPollIntervalMs]); ok && ms > 0 {
		interval = time.Duration(ms) * time.Millisecond
	}
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	maxAttempts = g.MaxPollAttempts
	if n, ok := intValue(job.Config[keyMaxPollAttempts]); ok && n > 0 {
		maxAttempts = n
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxPollAttempts
	}

	window = time.Duration(maxAttempts) * interval
	if t := job.Timeout(); t > 0 && t < window {
		window = t
	}
	return interval, maxAttempts, window
}

// MaxRunTime implements pipeline.SelfTimed. The gate may overrun its
// window by one poll before it expires the request.
func (g *Gate) MaxRunTime(job pipeline.JobConfig) time.Duration {
	interval, _, window := g.policy(job)
	return window + interval
}

func (g *Gate) wait(ctx context.Context, id string, interval time.Duration, maxAttempts int, window time.Duration) (*pipeline.ApprovalRequest, error) {
	svc := g.Service
	decisions, stop, err := svc.Watch(ctx, id)
	if err != nil {
		return nil, err
	}
	defer stop()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	deadline := time.NewTimer(window)
	defer deadline.Stop()

	// Decisions after this point must not be tied to the job context.
	detached := context.WithoutCancel(ctx)
	attempts := 0
	for {
		select {
		case r := <-decisions:
			return r, nil

		case <-ticker.C:
			attempts++
			r, err := svc.Get(detached, id)
			if err == nil && r.Status.Terminal() {
				return r, nil
			}
			if attempts >= maxAttempts {
				return g.finish(detached, id, svc.Expire)
			}

		case <-deadline.C:
			return g.finish(detached, id, svc.Expire)

		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				if _, err := g.finish(detached, id, svc.Expire); err != nil {
					return nil, err
				}
				return nil, ctx.Err()
			}
			_, _ = svc.Cancel(detached, id, "job cancelled")
			return nil, ctx.Err()
		}
	}
}

// finish applies a terminal transition; if a decision won the race the
// stored decision is returned instead.
func (g *Gate) finish(ctx context.Context, id string, apply func(context.Context, string) (*pipeline.ApprovalRequest, error)) (*pipeline.ApprovalRequest, error) {
	r, err := apply(ctx, id)
	if errors.Is(err, ErrInvalidTransition) {
		return g.Service.Get(ctx, id)
	}
	return r, err
}

func stringValue(v any) string {
	s, _ := v.(string)
	return s
}

func stringList(v any) []string {
	switch t := v.(type) {
	case []string:
		return append([]string(nil), t...)
	case []any:
		out := make([]string, 0, len(t))
		for _, x := range t {
			if s, ok := x.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		if t != "" {
			return []string{t}
		}
	}
	return nil
}

func intValue(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}
