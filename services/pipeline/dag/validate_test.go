// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package dag

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianPipelines/services/pipeline"
)

func job(id string, deps ...string) pipeline.JobConfig {
	return pipeline.JobConfig{ID: id, Type: "noop", DependsOn: deps}
}

// TestValidate_ThreeNode verifies two independent roots share level 0.
func TestValidate_ThreeNode(t *testing.T) {
	plan, err := Validate([]pipeline.JobConfig{job("A"), job("B"), job("C", "A", "B")})
	require.NoError(t, err)

	assert.Equal(t, [][]string{{"A", "B"}, {"C"}}, plan.Levels)
	assert.Equal(t, []string{"C"}, plan.Dependents("A"))
	assert.Equal(t, []string{"A", "B"}, plan.Dependencies("C"))
	lvl, ok := plan.Level("C")
	assert.True(t, ok)
	assert.Equal(t, 1, lvl)
	assert.Equal(t, 3, plan.Len())
}

func TestValidate_DiamondLevels(t *testing.T) {
	plan, err := Validate([]pipeline.JobConfig{
		job("d", "b", "c"),
		job("b", "a"),
		job("c", "a"),
		job("a"),
	})
	require.NoError(t, err)

	// Levels keep insertion order inside each level.
	assert.Equal(t, [][]string{{"a"}, {"b", "c"}, {"d"}}, plan.Levels)
	assert.Equal(t, []string{"d", "b", "c", "a"}, plan.Order())
}

func TestValidate_DuplicateDependencyCountedOnce(t *testing.T) {
	plan, err := Validate([]pipeline.JobConfig{job("a"), job("b", "a", "a")})
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"a"}, {"b"}}, plan.Levels)
}

// TestValidate_Cycle verifies a cycle is rejected and its members named.
func TestValidate_Cycle(t *testing.T) {
	_, err := Validate([]pipeline.JobConfig{
		job("root"),
		job("x", "root", "z"),
		job("y", "x"),
		job("z", "y"),
		job("tail", "z"),
	})
	require.Error(t, err)

	var cycleErr *CycleError
	require.True(t, errors.As(err, &cycleErr))
	assert.Equal(t, []string{"x", "y", "z"}, cycleErr.JobIDs)
	assert.NotContains(t, cycleErr.JobIDs, "tail")
	require.NotEmpty(t, cycleErr.Path)
	assert.Equal(t, cycleErr.Path[0], cycleErr.Path[len(cycleErr.Path)-1])
	assert.ErrorIs(t, err, ErrCycleDetected)
	assert.ErrorIs(t, err, pipeline.ErrValidation)
}

func TestValidate_SelfDependency(t *testing.T) {
	_, err := Validate([]pipeline.JobConfig{job("a", "a")})

	var cycleErr *CycleError
	require.True(t, errors.As(err, &cycleErr))
	assert.Equal(t, []string{"a"}, cycleErr.JobIDs)
	assert.Equal(t, []string{"a", "a"}, cycleErr.Path)
}

func TestValidate_UnknownDependency(t *testing.T) {
	_, err := Validate([]pipeline.JobConfig{job("a"), job("b", "ghost")})

	var depErr *UnknownDependencyError
	require.True(t, errors.As(err, &depErr))
	assert.Equal(t, "b", depErr.JobID)
	assert.Equal(t, "ghost", depErr.Dependency)
	assert.ErrorIs(t, err, ErrUnknownDependency)
	assert.ErrorIs(t, err, pipeline.ErrValidation)
}

func TestValidate_DuplicateID(t *testing.T) {
	_, err := Validate([]pipeline.JobConfig{job("a"), job("a")})
	assert.ErrorIs(t, err, ErrDuplicateJob)
	assert.ErrorIs(t, err, pipeline.ErrValidation)
}

func TestValidate_Empty(t *testing.T) {
	_, err := Validate(nil)
	assert.ErrorIs(t, err, ErrEmptyDAG)
}

func TestValidate_InvalidJobFields(t *testing.T) {
	tests := []struct {
		name string
		job  pipeline.JobConfig
	}{
		{name: "missing id", job: pipeline.JobConfig{Type: "noop"}},
		{name: "missing type", job: pipeline.JobConfig{ID: "a"}},
		{name: "unnamed parameter", job: pipeline.JobConfig{
			ID: "a", Type: pipeline.TypeFanOut,
			Parameters: []pipeline.Parameter{{Values: []any{1}}},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Validate([]pipeline.JobConfig{tt.job})
			assert.ErrorIs(t, err, ErrInvalidJob)

			var verr *pipeline.ValidationError
			require.True(t, errors.As(err, &verr))
			assert.NotEmpty(t, verr.Field)
		})
	}
}

func TestValidateAddition(t *testing.T) {
	existing := []pipeline.JobConfig{job("sweep"), job("agg", "sweep")}

	t.Run("accepts new children", func(t *testing.T) {
		err := ValidateAddition(existing, []pipeline.JobConfig{job("sweep_0"), job("sweep_1")})
		assert.NoError(t, err)
	})

	t.Run("rejects id collision", func(t *testing.T) {
		err := ValidateAddition(existing, []pipeline.JobConfig{job("agg")})
		assert.ErrorIs(t, err, ErrDuplicateJob)
	})

	t.Run("rejects unknown dependency", func(t *testing.T) {
		err := ValidateAddition(existing, []pipeline.JobConfig{job("c", "nope")})
		assert.ErrorIs(t, err, ErrUnknownDependency)
	})

	t.Run("nothing added", func(t *testing.T) {
		assert.NoError(t, ValidateAddition(existing, nil))
	})
}
