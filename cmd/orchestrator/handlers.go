// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/AleutianAI/AleutianPipelines/services/pipeline"
	"github.com/AleutianAI/AleutianPipelines/services/pipeline/approval"
	"github.com/AleutianAI/AleutianPipelines/services/pipeline/fanout"
	"github.com/AleutianAI/AleutianPipelines/services/pipeline/registry"
)

// Built-in demo job types, available in every command.
const (
	TypeNoop  = "noop"
	TypeEcho  = "echo"
	TypeSleep = "sleep"
	TypeFail  = "fail"
)

// registryOptions selects the optional handlers of newRegistry.
type registryOptions struct {
	approvals       *approval.Service
	pollInterval    time.Duration
	maxPollAttempts int
	maxCombinations int
}

// newRegistry returns a registry with the demo handlers, fan-out and
// fan-in, and the approval gate when an approval service is given.
func newRegistry(opts registryOptions) (*registry.Registry, error) {
	reg := registry.New()
	for jobType, fn := range map[string]pipeline.HandlerFunc{
		TypeNoop:  handleNoop,
		TypeEcho:  handleEcho,
		TypeSleep: handleSleep,
		TypeFail:  handleFail,
	} {
		if err := reg.Register(jobType, fn); err != nil {
			return nil, err
		}
	}
	if err := fanout.Register(reg, opts.maxCombinations); err != nil {
		return nil, err
	}
	if opts.approvals != nil {
		gate := approval.NewGate(opts.approvals)
		if opts.pollInterval > 0 {
			gate.PollInterval = opts.pollInterval
		}
		if opts.maxPollAttempts > 0 {
			gate.MaxPollAttempts = opts.maxPollAttempts
		}
		if err := approval.Register(reg, gate); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func handleNoop(context.Context, *pipeline.JobContext) (*pipeline.Result, error) {
	return pipeline.Succeeded(nil), nil
}

// handleEcho returns its config and the outputs of its dependencies.
func handleEcho(_ context.Context, jc *pipeline.JobContext) (*pipeline.Result, error) {
	inputs := make(map[string]any, len(jc.Job.DependsOn))
	for _, dep := range jc.Job.DependsOn {
		if v, ok := jc.GetJobOutput(dep); ok {
			inputs[dep] = v
		}
	}
	return pipeline.Succeeded(map[string]any{
		"job":    jc.JobID,
		"config": jc.Config(),
		"inputs": inputs,
	}), nil
}

// handleSleep waits for config.duration ("250ms", "2s") or until cancelled.
func handleSleep(ctx context.Context, jc *pipeline.JobContext) (*pipeline.Result, error) {
	d, err := durationConfig(jc.Config(), "duration")
	if err != nil {
		return nil, fmt.Errorf("%w: %w", pipeline.ErrPermanent, err)
	}
	jc.Log("sleeping", "duration", d.String())
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return pipeline.Succeeded(map[string]any{"slept": d.String()}), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// handleFail fails with config.message. config.permanent disables retries.
func handleFail(_ context.Context, jc *pipeline.JobContext) (*pipeline.Result, error) {
	msg, _ := jc.Config()["message"].(string)
	if msg == "" {
		msg = "job failed on purpose"
	}
	err := errors.New(msg)
	if permanent, _ := jc.Config()["permanent"].(bool); permanent {
		return nil, fmt.Errorf("%w: %w", pipeline.ErrPermanent, err)
	}
	return nil, err
}

func durationConfig(cfg map[string]any, key string) (time.Duration, error) {
	switch v := cfg[key].(type) {
	case nil:
		return 0, fmt.Errorf("config.%s is required", key)
	case string:
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("config.%s: %w", key, err)
		}
		return d, nil
	case int:
		return time.Duration(v) * time.Millisecond, nil
	case float64:
		return time.Duration(v * float64(time.Millisecond)), nil
	default:
		return 0, fmt.Errorf("config.%s: unsupported type %T", key, v)
	}
}
