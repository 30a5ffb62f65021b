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
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/AleutianAI/AleutianPipelines/services/pipeline"
)

// ParametersKey is the config key under which each generated job receives
// its own combination, unless the template already uses that key.
const ParametersKey = "parameters"

// maxSuffixLen caps the sanitised parameter suffix of generated ids.
const maxSuffixLen = 64

var (
	// ErrInvalidTemplate is returned for a missing or unusable template.
	ErrInvalidTemplate = errors.New("invalid fan-out template")

	placeholderPattern = regexp.MustCompile(`\$\{([A-Za-z0-9_.\-]+)\}`)
	unsafeIDChars      = regexp.MustCompile(`[^A-Za-z0-9]+`)
)

// GenerateJobs instantiates template once per combination.
//
// # Description
//
// Every ${name} placeholder in the template's name, type, dependencies and
// config (recursively through nested maps and slices) is replaced with the
// combination's value. A string that is exactly one placeholder takes the
// value's native type; placeholders embedded in longer strings are
// formatted with %v. Unknown placeholders are left untouched.
//
// Ids are "<parentID>_<index>_<sanitised params>" where the suffix joins
// name and value pairs and replaces every run of non-alphanumeric
// characters with "_".
//
// # Inputs
//
//   - parentID: Id of the fan-out job.
//   - template: Job template. Type is required; a fan-out template is
//     rejected.
//   - combos: Output of ExpandParameters.
//   - namePattern: Optional pattern for generated names, e.g.
//     "train lr=${lr} bs=${bs}". Falls back to the template name.
//
// # Outputs
//
//   - []pipeline.JobConfig: One job per combination, in order.
//   - error: ErrInvalidTemplate.
func GenerateJobs(parentID string, template pipeline.JobConfig, combos []Combination, namePattern string) ([]pipeline.JobConfig, error) {
	if template.Type == "" {
		return nil, fmt.Errorf("%w: template type is required", ErrInvalidTemplate)
	}
	if template.Type == pipeline.TypeFanOut {
		return nil, fmt.Errorf("%w: nested fan-out templates are not supported", ErrInvalidTemplate)
	}

	jobs := make([]pipeline.JobConfig, 0, len(combos))
	for i, combo := range combos {
		job := pipeline.JobConfig{
			ID:             fmt.Sprintf("%s_%d_%s", parentID, i, sanitizedSuffix(combo)),
			Type:           substituteString(template.Type, combo),
			Condition:      template.Condition,
			ConditionName:  template.ConditionName,
			ResourceLimits: template.ResourceLimits,
			TimeoutMs:      template.TimeoutMs,
			Retry:          template.Retry,
			Aggregation:    template.Aggregation,
		}
		if job.Type == "" {
			return nil, fmt.Errorf("%w: template type resolved to empty string", ErrInvalidTemplate)
		}

		switch {
		case namePattern != "":
			job.Name = substituteString(namePattern, combo)
		case template.Name != "":
			job.Name = substituteString(template.Name, combo)
		}

		for _, dep := range template.DependsOn {
			job.DependsOn = append(job.DependsOn, substituteString(dep, combo))
		}

		cfg, _ := substitute(template.Config, combo).(map[string]any)
		if cfg == nil {
			cfg = make(map[string]any)
		}
		if _, taken := cfg[ParametersKey]; !taken {
			params := make(map[string]any, len(combo.Values))
			for k, v := range combo.Values {
				params[k] = v
			}
			cfg[ParametersKey] = params
		}
		job.Config = cfg

		jobs = append(jobs, job)
	}
	return jobs, nil
}

func sanitizedSuffix(c Combination) string {
	parts := make([]string, 0, len(c.Names)*2)
	for _, name := range c.Names {
		parts = append(parts, name, fmt.Sprintf("%v", c.Values[name]))
	}
	s := unsafeIDChars.ReplaceAllString(strings.Join(parts, "_"), "_")
	s = strings.Trim(s, "_")
	if len(s) > maxSuffixLen {
		s = s[:maxSuffixLen]
	}
	return s
}

// substitute walks v and replaces placeholders in every string.
func substitute(v any, c Combination) any {
	switch t := v.(type) {
	case string:
		return substituteValue(t, c)
	case map[string]any:
		if t == nil {
			return nil
		}
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = substitute(val, c)
		}
		return out
	case []any:
		if t == nil {
			return nil
		}
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = substitute(val, c)
		}
		return out
	case []string:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = substituteValue(val, c)
		}
		return out
	default:
		return v
	}
}

// substituteValue keeps the native type for a whole-string placeholder.
func substituteValue(s string, c Combination) any {
	if m := placeholderPattern.FindStringSubmatch(s); m != nil && m[0] == s {
		if v, ok := c.Values[m[1]]; ok {
			return v
		}
		return s
	}
	return substituteString(s, c)
}

func substituteString(s string, c Combination) string {
	return placeholderPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := match[2 : len(match)-1]
		if v, ok := c.Values[name]; ok {
			return fmt.Sprintf("%v", v)
		}
		return match
	})
}
