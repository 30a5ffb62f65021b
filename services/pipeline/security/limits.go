// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package security validates and enforces per-job resource limits, grades
// violations by severity and keeps the audit trail.
//
// # Limits
//
// Execution time must be in (0, 24h], memory in (0, 32768 MB] and CPU in
// (0, 100]%. Omitted fields take the defaults 1h, 2048 MB and 80%.
//
// # Severity
//
// A breach is graded by the ratio observed/limit:
//
//	ratio <= 1.0        no violation
//	1.0 < ratio < 1.2   low
//	1.2 <= ratio < 1.5  medium
//	1.5 <= ratio < 2.0  high
//	ratio >= 2.0        critical
//
// Only high and critical force the engine to cancel the job.
package security

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/AleutianAI/AleutianPipelines/services/pipeline"
)

// Bounds and defaults for resource limits.
const (
	MaxExecutionTime   = 24 * time.Hour
	MaxMemoryMB        = 32 * 1024
	MaxCPUPercent      = 100.0
	DefaultExecTime    = time.Hour
	DefaultMemoryMB    = 2 * 1024
	DefaultCPUPercent  = 80.0
	DefaultSampleEvery = 5 * time.Second
)

var limitsValidator = validator.New()

// DefaultLimits returns the documented defaults with every check enforced.
func DefaultLimits() pipeline.ResourceLimits {
	return pipeline.ResourceLimits{
		MaxExecutionTimeMs: DefaultExecTime.Milliseconds(),
		MaxMemoryMB:        DefaultMemoryMB,
		MaxCPUPercent:      DefaultCPUPercent,
	}
}

// ValidateLimits checks limits against the allowed bounds.
//
// # Description
//
// Zero values mean "use the default" and are accepted. Nil limits are
// accepted. Any value outside its bound yields a *pipeline.ValidationError
// naming the offending field.
//
// # Examples
//
//	ValidateLimits(&pipeline.ResourceLimits{MaxExecutionTimeMs: 86_400_000}) // nil
//	ValidateLimits(&pipeline.ResourceLimits{MaxExecutionTimeMs: 86_400_001}) // error
//	ValidateLimits(&pipeline.ResourceLimits{MaxCPUPercent: 101})             // error
func ValidateLimits(limits *pipeline.ResourceLimits) error {
	if limits == nil {
		return nil
	}
	err := limitsValidator.Struct(limits)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		return &pipeline.ValidationError{
			Field:  fe.Field(),
			Reason: limitReason(fe.Field(), fe.Value()),
		}
	}
	return &pipeline.ValidationError{Field: "resourceLimits", Reason: err.Error()}
}

func limitReason(field string, value any) string {
	switch field {
	case "MaxExecutionTimeMs":
		return fmt.Sprintf("%v ms must be in (0, %d]", value, MaxExecutionTime.Milliseconds())
	case "MaxMemoryMB":
		return fmt.Sprintf("%v MB must be in (0, %d]", value, MaxMemoryMB)
	case "MaxCPUPercent":
		return fmt.Sprintf("%v%% must be in (0, %g]", value, MaxCPUPercent)
	}
	return fmt.Sprintf("invalid value %v", value)
}

// ApplyDefaults returns limits with omitted fields filled from defaults.
// A nil limits pointer yields defaults.
func ApplyDefaults(limits *pipeline.ResourceLimits, defaults pipeline.ResourceLimits) pipeline.ResourceLimits {
	var out pipeline.ResourceLimits
	if limits != nil {
		out = *limits
	}
	if out.MaxExecutionTimeMs == 0 {
		out.MaxExecutionTimeMs = defaults.MaxExecutionTimeMs
	}
	if out.MaxMemoryMB == 0 {
		out.MaxMemoryMB = defaults.MaxMemoryMB
	}
	if out.MaxCPUPercent == 0 {
		out.MaxCPUPercent = defaults.MaxCPUPercent
	}
	if out.EnforceTime == nil {
		out.EnforceTime = defaults.EnforceTime
	}
	if out.EnforceMemory == nil {
		out.EnforceMemory = defaults.EnforceMemory
	}
	if out.EnforceCPU == nil {
		out.EnforceCPU = defaults.EnforceCPU
	}
	return out
}

// ClassifySeverity grades observed against limit. The boolean is false when
// the limit was not breached or limit is not positive.
func ClassifySeverity(observed, limit float64) (pipeline.Severity, bool) {
	if limit <= 0 {
		return "", false
	}
	ratio := observed / limit
	switch {
	case ratio <= 1.0:
		return "", false
	case ratio < 1.2:
		return pipeline.SeverityLow, true
	case ratio < 1.5:
		return pipeline.SeverityMedium, true
	case ratio < 2.0:
		return pipeline.SeverityHigh, true
	default:
		return pipeline.SeverityCritical, true
	}
}

// severityRank orders severities so escalations can be detected.
func severityRank(s pipeline.Severity) int {
	switch s {
	case pipeline.SeverityLow:
		return 1
	case pipeline.SeverityMedium:
		return 2
	case pipeline.SeverityHigh:
		return 3
	case pipeline.SeverityCritical:
		return 4
	}
	return 0
}
