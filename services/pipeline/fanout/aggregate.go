// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package fanout

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/AleutianAI/AleutianPipelines/services/pipeline"
)

var (
	// ErrNoOutputs is returned when a strategy needs at least one output.
	ErrNoOutputs = errors.New("no outputs to aggregate")

	// ErrMissingMetricKey is returned when best/worst-metric has no key.
	ErrMissingMetricKey = errors.New("aggregation requires a metric key")

	// ErrMetricNotFound is returned when no output carries the metric.
	ErrMetricNotFound = errors.New("metric not present in any output")

	// ErrMissingReducer is returned when custom-function has no reducer.
	ErrMissingReducer = errors.New("custom aggregation requires a reducer")

	// ErrUnknownStrategy is returned for an unrecognised strategy.
	ErrUnknownStrategy = errors.New("unknown aggregation strategy")
)

// Aggregate folds outputs into one value according to spec.
//
// Description:
//
//	collect-all      returns a copy of outputs in order.
//	best-metric      returns the output whose MetricKey is highest.
//	worst-metric     returns the output whose MetricKey is lowest.
//	average-metrics  returns the mean of every numeric top-level field,
//	                 each averaged over the outputs that carry it.
//	majority-vote    returns the most frequent output, compared by
//	                 EqualityKey when set, otherwise by canonical JSON.
//	custom-function  calls spec.ReducerFunc.
//
// MetricKey and EqualityKey accept dotted paths into nested maps. Ties are
// resolved in favour of the output seen first.
//
// Inputs:
//
//	outputs - Child outputs in generation order.
//	spec    - Strategy and its parameters. An empty strategy is collect-all.
//
// Outputs:
//
//	any   - The aggregated value.
//	error - ErrNoOutputs, ErrMissingMetricKey, ErrMetricNotFound,
//	        ErrMissingReducer, ErrUnknownStrategy, or the reducer's error.
func Aggregate(outputs []any, spec pipeline.AggregationSpec) (any, error) {
	switch spec.Strategy {
	case "", pipeline.AggregateCollectAll:
		return append([]any{}, outputs...), nil
	case pipeline.AggregateBestMetric:
		return selectByMetric(outputs, spec.MetricKey, func(a, b float64) bool { return a > b })
	case pipeline.AggregateWorstMetric:
		return selectByMetric(outputs, spec.MetricKey, func(a, b float64) bool { return a < b })
	case pipeline.AggregateAverage:
		return averageMetrics(outputs)
	case pipeline.AggregateMajority:
		return majorityVote(outputs, spec.EqualityKey)
	case pipeline.AggregateCustom:
		if spec.ReducerFunc == nil {
			return nil, ErrMissingReducer
		}
		return spec.ReducerFunc(append([]any{}, outputs...))
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, spec.Strategy)
	}
}

func selectByMetric(outputs []any, key string, better func(a, b float64) bool) (any, error) {
	if key == "" {
		return nil, ErrMissingMetricKey
	}
	if len(outputs) == 0 {
		return nil, ErrNoOutputs
	}

	var (
		best  any
		score float64
		found bool
	)
	for _, out := range outputs {
		raw, ok := lookupPath(normalize(out), key)
		if !ok {
			continue
		}
		v, ok := toFloat(raw)
		if !ok {
			continue
		}
		if !found || better(v, score) {
			best, score, found = out, v, true
		}
	}
	if !found {
		return nil, fmt.Errorf("%w: %q", ErrMetricNotFound, key)
	}
	return best, nil
}

func averageMetrics(outputs []any) (any, error) {
	if len(outputs) == 0 {
		return nil, ErrNoOutputs
	}
	sums := make(map[string]float64)
	counts := make(map[string]int)
	for _, out := range outputs {
		m, ok := normalize(out).(map[string]any)
		if !ok {
			continue
		}
		for k, raw := range m {
			if v, ok := toFloat(raw); ok {
				sums[k] += v
				counts[k]++
			}
		}
	}
	avg := make(map[string]any, len(sums))
	for k, sum := range sums {
		avg[k] = sum / float64(counts[k])
	}
	return avg, nil
}

func majorityVote(outputs []any, equalityKey string) (any, error) {
	if len(outputs) == 0 {
		return nil, ErrNoOutputs
	}

	type bucket struct {
		first any
		count int
	}
	var order []string
	buckets := make(map[string]*bucket)
	for _, out := range outputs {
		key, err := voteKey(out, equalityKey)
		if err != nil {
			return nil, err
		}
		b, ok := buckets[key]
		if !ok {
			b = &bucket{first: out}
			buckets[key] = b
			order = append(order, key)
		}
		b.count++
	}

	winner := buckets[order[0]]
	for _, key := range order[1:] {
		if b := buckets[key]; b.count > winner.count {
			winner = b
		}
	}
	return winner.first, nil
}

func voteKey(out any, equalityKey string) (string, error) {
	target := out
	if equalityKey != "" {
		v, ok := lookupPath(normalize(out), equalityKey)
		if !ok {
			// Outputs without the key vote together.
			return "\x00missing", nil
		}
		target = v
	}
	// encoding/json sorts map keys, which makes the encoding canonical.
	b, err := json.Marshal(target)
	if err != nil {
		return "", fmt.Errorf("majority-vote: encode output: %w", err)
	}
	return string(b), nil
}

// normalize converts structs and typed maps into map[string]any via JSON so
// path lookups work uniformly. Values that cannot round-trip are returned
// unchanged.
func normalize(v any) any {
	switch v.(type) {
	case nil, map[string]any, []any, string, bool, float64, float32,
		int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, json.Number:
		return v
	}
	b, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return v
	}
	return out
}

func lookupPath(v any, path string) (any, bool) {
	cur := v
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
