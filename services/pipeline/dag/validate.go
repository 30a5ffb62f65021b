// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package dag validates job dependency graphs and computes topological
// levels.
//
// A level is a batch of jobs whose dependencies all live in earlier
// levels; jobs inside one level may run in parallel. Validation is
// fail-fast: a DAG with an invalid job, a duplicate id, an unknown
// dependency or a cycle is rejected before anything runs.
//
// # Thread Safety
//
// Validate and ValidateAddition are pure. A Plan is immutable after
// construction and safe for concurrent reads.
package dag

import (
	"errors"
	"fmt"
	"sort"

	"github.com/go-playground/validator/v10"

	"github.com/AleutianAI/AleutianPipelines/services/pipeline"
)

var structValidator = validator.New(validator.WithRequiredStructEnabled())

// Plan is the validated shape of a DAG.
type Plan struct {
	// Levels holds job ids grouped by topological level, each level in
	// insertion order of the job list.
	Levels [][]string

	order      []string
	deps       map[string][]string
	dependents map[string][]string
	level      map[string]int
}

// Order returns job ids in insertion order.
func (p *Plan) Order() []string {
	return append([]string(nil), p.order...)
}

// Dependencies returns the de-duplicated dependencies of id.
func (p *Plan) Dependencies(id string) []string {
	return append([]string(nil), p.deps[id]...)
}

// Dependents returns the jobs that list id in dependsOn, in insertion order.
func (p *Plan) Dependents(id string) []string {
	return append([]string(nil), p.dependents[id]...)
}

// Level returns the topological level of id.
func (p *Plan) Level(id string) (int, bool) {
	l, ok := p.level[id]
	return l, ok
}

// Len returns the number of jobs in the plan.
func (p *Plan) Len() int {
	return len(p.order)
}

// Validate checks a job list and computes its topological levels.
//
// # Description
//
// Runs field validation on every job, rejects duplicate ids and unknown
// dependencies, then applies Kahn's algorithm: all zero in-degree jobs
// form a level, their dependents' in-degrees are decremented, and the
// process repeats. Jobs left with positive in-degree form a cycle.
//
// # Inputs
//
//   - jobs: The job definitions in insertion order.
//
// # Outputs
//
//   - *Plan: Levels and adjacency, never nil on success.
//   - error: *UnknownDependencyError, *CycleError, or a wrapped
//     ErrEmptyDAG / ErrInvalidJob / ErrDuplicateJob. Every error matches
//     pipeline.ErrValidation.
//
// # Examples
//
//	plan, err := dag.Validate([]pipeline.JobConfig{
//	    {ID: "a", Type: "noop"},
//	    {ID: "b", Type: "noop"},
//	    {ID: "c", Type: "noop", DependsOn: []string{"a", "b"}},
//	})
//	// plan.Levels == [][]string{{"a", "b"}, {"c"}}
func Validate(jobs []pipeline.JobConfig) (*Plan, error) {
	if len(jobs) == 0 {
		return nil, validationErr(ErrEmptyDAG, "at least one job is required")
	}

	p := &Plan{
		order:      make([]string, 0, len(jobs)),
		deps:       make(map[string][]string, len(jobs)),
		dependents: make(map[string][]string, len(jobs)),
		level:      make(map[string]int, len(jobs)),
	}

	for i := range jobs {
		if err := checkJob(i, &jobs[i]); err != nil {
			return nil, err
		}
		id := jobs[i].ID
		if _, dup := p.deps[id]; dup {
			return nil, validationErr(ErrDuplicateJob, "%q", id)
		}
		p.order = append(p.order, id)
		p.deps[id] = dedupe(jobs[i].DependsOn)
	}

	for _, id := range p.order {
		for _, dep := range p.deps[id] {
			if _, ok := p.deps[dep]; !ok {
				return nil, &UnknownDependencyError{JobID: id, Dependency: dep}
			}
			p.dependents[dep] = append(p.dependents[dep], id)
		}
	}

	inDegree := make(map[string]int, len(p.order))
	for _, id := range p.order {
		inDegree[id] = len(p.deps[id])
	}

	placed := 0
	for {
		var current []string
		for _, id := range p.order {
			if inDegree[id] == 0 {
				current = append(current, id)
			}
		}
		if len(current) == 0 {
			break
		}
		for _, id := range current {
			inDegree[id] = -1
			p.level[id] = len(p.Levels)
			for _, child := range p.dependents[id] {
				inDegree[child]--
			}
		}
		p.Levels = append(p.Levels, current)
		placed += len(current)
	}

	if placed < len(p.order) {
		return nil, p.cycleError(inDegree)
	}
	return p, nil
}

// ValidateAddition checks that added jobs can be injected into a running
// DAG made of existing. New ids must be unique across both sets, every
// dependency must be known and the combined graph must stay acyclic.
func ValidateAddition(existing, added []pipeline.JobConfig) error {
	if len(added) == 0 {
		return nil
	}
	combined := make([]pipeline.JobConfig, 0, len(existing)+len(added))
	combined = append(combined, existing...)
	combined = append(combined, added...)
	_, err := Validate(combined)
	return err
}

func checkJob(index int, job *pipeline.JobConfig) error {
	err := structValidator.Struct(job)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		verr := &pipeline.ValidationError{
			Field:  fmt.Sprintf("jobs[%d].%s", index, fe.Namespace()),
			Reason: fmt.Sprintf("failed %q constraint", fe.Tag()),
		}
		return fmt.Errorf("%w: job %q: %w", ErrInvalidJob, job.ID, verr)
	}
	return validationErr(ErrInvalidJob, "job %q: %v", job.ID, err)
}

// cycleError trims jobs that are merely downstream of a cycle and reports
// what is left, plus one concrete cycle path.
func (p *Plan) cycleError(inDegree map[string]int) *CycleError {
	remaining := make(map[string]bool)
	for id, d := range inDegree {
		if d > 0 {
			remaining[id] = true
		}
	}

	// Repeatedly drop jobs with no remaining dependents; they cannot be on
	// a cycle.
	for changed := true; changed; {
		changed = false
		for id := range remaining {
			hasOut := false
			for _, child := range p.dependents[id] {
				if remaining[child] {
					hasOut = true
					break
				}
			}
			if !hasOut {
				delete(remaining, id)
				changed = true
			}
		}
	}

	ids := make([]string, 0, len(remaining))
	for id := range remaining {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	return &CycleError{JobIDs: ids, Path: p.findCyclePath(ids, remaining)}
}

// findCyclePath walks dependency edges inside the remaining set from the
// smallest id until a job repeats.
func (p *Plan) findCyclePath(ids []string, remaining map[string]bool) []string {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[string]int)
	var path []string
	cur := ids[0]
	for {
		if idx, ok := seen[cur]; ok {
			cycle := append([]string(nil), path[idx:]...)
			return append(cycle, cur)
		}
		seen[cur] = len(path)
		path = append(path, cur)

		next := ""
		for _, child := range p.dependents[cur] {
			if remaining[child] {
				next = child
				break
			}
		}
		if next == "" {
			return nil
		}
		cur = next
	}
}

func dedupe(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
