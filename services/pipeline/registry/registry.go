// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package registry maps job types to handlers and names to condition and
// reducer functions so DAG definitions loaded from YAML or JSON can refer
// to code by name.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/AleutianAI/AleutianPipelines/services/pipeline"
)

var (
	// ErrDuplicateHandler is returned when a job type is registered twice.
	ErrDuplicateHandler = errors.New("handler already registered for job type")

	// ErrDuplicateName is returned when a condition or reducer name is reused.
	ErrDuplicateName = errors.New("name already registered")

	// ErrInvalidRegistration is returned for an empty key or nil value.
	ErrInvalidRegistration = errors.New("invalid registration")
)

// Registry is the job registry.
//
// Thread Safety:
//
//	Safe for concurrent use. Registrations normally happen at start-up but
//	may be added while executions are running.
type Registry struct {
	mu         sync.RWMutex
	handlers   map[string]pipeline.Handler
	conditions map[string]pipeline.ConditionFunc
	reducers   map[string]pipeline.ReducerFunc
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		handlers:   make(map[string]pipeline.Handler),
		conditions: make(map[string]pipeline.ConditionFunc),
		reducers:   make(map[string]pipeline.ReducerFunc),
	}
}

// Register binds a handler to a job type.
//
// Inputs:
//
//	jobType - Dispatch key used in JobConfig.Type. Must not be empty.
//	h - The handler. Must not be nil.
//
// Outputs:
//
//	error - ErrDuplicateHandler if jobType is taken, ErrInvalidRegistration
//	        for empty input.
func (r *Registry) Register(jobType string, h pipeline.Handler) error {
	if jobType == "" || h == nil {
		return fmt.Errorf("%w: job type and handler are required", ErrInvalidRegistration)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[jobType]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateHandler, jobType)
	}
	r.handlers[jobType] = h
	return nil
}

// MustRegister is Register that panics on error. Intended for start-up wiring.
func (r *Registry) MustRegister(jobType string, h pipeline.Handler) {
	if err := r.Register(jobType, h); err != nil {
		panic(err)
	}
}

// RegisterFunc registers a plain function as a handler.
func (r *Registry) RegisterFunc(jobType string, fn func(ctx context.Context, jc *pipeline.JobContext) (*pipeline.Result, error)) error {
	if fn == nil {
		return fmt.Errorf("%w: handler func is nil", ErrInvalidRegistration)
	}
	return r.Register(jobType, pipeline.HandlerFunc(fn))
}

// Lookup returns the handler for jobType.
func (r *Registry) Lookup(jobType string) (pipeline.Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[jobType]
	return h, ok
}

// Types returns the registered job types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// RegisterCondition names a condition predicate.
func (r *Registry) RegisterCondition(name string, fn pipeline.ConditionFunc) error {
	if name == "" || fn == nil {
		return fmt.Errorf("%w: condition name and func are required", ErrInvalidRegistration)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conditions[name]; ok {
		return fmt.Errorf("%w: condition %q", ErrDuplicateName, name)
	}
	r.conditions[name] = fn
	return nil
}

// Condition returns a named condition.
func (r *Registry) Condition(name string) (pipeline.ConditionFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.conditions[name]
	return fn, ok
}

// RegisterReducer names a custom aggregation reducer.
func (r *Registry) RegisterReducer(name string, fn pipeline.ReducerFunc) error {
	if name == "" || fn == nil {
		return fmt.Errorf("%w: reducer name and func are required", ErrInvalidRegistration)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.reducers[name]; ok {
		return fmt.Errorf("%w: reducer %q", ErrDuplicateName, name)
	}
	r.reducers[name] = fn
	return nil
}

// Reducer returns a named reducer.
func (r *Registry) Reducer(name string) (pipeline.ReducerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.reducers[name]
	return fn, ok
}
