// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package fanout is the dynamic parallelism engine: it expands a parameter
// grid into concrete jobs (fan-out) and folds their outputs back into one
// value (fan-in).
//
// # Ordering
//
// Expansion is nested iteration with the first parameter varying slowest,
// so [{lr: [a, b]}, {bs: [x, y]}] yields (a,x) (a,y) (b,x) (b,y). Generated
// job ids embed the combination index in that order, and fan-in collects
// outputs in the same order. Every tie-break in aggregation is first-seen
// in that order.
package fanout

import (
	"errors"
	"fmt"

	"github.com/AleutianAI/AleutianPipelines/services/pipeline"
)

// DefaultMaxCombinations bounds a single expansion.
const DefaultMaxCombinations = 10_000

var (
	// ErrNoParameters is returned when a fan-out job declares no parameters.
	ErrNoParameters = errors.New("fan-out requires at least one parameter")

	// ErrDuplicateParameter is returned when two parameters share a name.
	ErrDuplicateParameter = errors.New("duplicate parameter name")

	// ErrTooManyCombinations is returned when the grid exceeds the limit.
	ErrTooManyCombinations = errors.New("parameter grid too large")
)

// Combination is one point of the parameter grid.
type Combination struct {
	// Names lists parameter names in declaration order.
	Names []string

	// Values maps each name to its value for this point.
	Values map[string]any
}

// Get returns the value of a parameter.
func (c Combination) Get(name string) (any, bool) {
	v, ok := c.Values[name]
	return v, ok
}

// ExpandParameters computes the Cartesian product of params.
//
// # Description
//
// Produces one Combination per point of the grid, first parameter varying
// slowest. A parameter with no values yields zero combinations.
//
// # Inputs
//
//   - params: The grid axes. Names must be unique and non-empty.
//   - limit: Maximum number of combinations; values below 1 use
//     DefaultMaxCombinations.
//
// # Outputs
//
//   - []Combination: The grid points in expansion order.
//   - error: ErrNoParameters, ErrDuplicateParameter, ErrTooManyCombinations.
//
// # Examples
//
//	combos, _ := ExpandParameters([]pipeline.Parameter{
//	    {Name: "lr", Values: []any{0.001, 0.01, 0.1}},
//	    {Name: "bs", Values: []any{16, 32}},
//	}, 0)
//	// len(combos) == 6; combos[1].Values == {"lr": 0.001, "bs": 32}
func ExpandParameters(params []pipeline.Parameter, limit int) ([]Combination, error) {
	if len(params) == 0 {
		return nil, ErrNoParameters
	}
	if limit < 1 {
		limit = DefaultMaxCombinations
	}

	names := make([]string, 0, len(params))
	seen := make(map[string]bool, len(params))
	total := 1
	for _, p := range params {
		if p.Name == "" {
			return nil, fmt.Errorf("%w: parameter name must not be empty", pipeline.ErrValidation)
		}
		if seen[p.Name] {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateParameter, p.Name)
		}
		seen[p.Name] = true
		names = append(names, p.Name)

		if len(p.Values) == 0 {
			return []Combination{}, nil
		}
		total *= len(p.Values)
		if total > limit {
			return nil, fmt.Errorf("%w: more than %d combinations", ErrTooManyCombinations, limit)
		}
	}

	out := make([]Combination, 0, total)
	idx := make([]int, len(params))
	for {
		values := make(map[string]any, len(params))
		for i, p := range params {
			values[p.Name] = p.Values[idx[i]]
		}
		out = append(out, Combination{Names: names, Values: values})

		// Odometer increment, last parameter fastest.
		i := len(params) - 1
		for ; i >= 0; i-- {
			idx[i]++
			if idx[i] < len(params[i].Values) {
				break
			}
			idx[i] = 0
		}
		if i < 0 {
			return out, nil
		}
	}
}
