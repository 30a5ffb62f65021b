// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package security

import (
	"errors"
	"runtime"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianPipelines/services/pipeline"
)

// Sampler observes what a job is consuming.
type Sampler interface {
	Sample() (pipeline.ResourceUsage, error)
}

// JobSampler reports elapsed wall time since the job started plus the most
// recent usage the handler reported through JobContext.ReportUsage.
//
// Thread Safety: Safe for concurrent use.
type JobSampler struct {
	start time.Time
	now   func() time.Time

	mu       sync.Mutex
	reported pipeline.ResourceUsage
}

// NewJobSampler starts the wall clock now.
func NewJobSampler() *JobSampler {
	return &JobSampler{start: time.Now(), now: time.Now}
}

// Report records handler-reported usage. It matches the signature of
// pipeline.JobContextOptions.OnUsage.
func (s *JobSampler) Report(u pipeline.ResourceUsage) {
	s.mu.Lock()
	s.reported = u
	s.mu.Unlock()
}

// Sample implements Sampler.
func (s *JobSampler) Sample() (pipeline.ResourceUsage, error) {
	s.mu.Lock()
	u := s.reported
	s.mu.Unlock()
	u.Elapsed = s.now().Sub(s.start)
	return u, nil
}

// ProcessSampler measures the whole orchestrator process: Go heap in use
// and CPU time consumed between samples. Only meaningful when one job runs
// per process, as on a dedicated worker.
type ProcessSampler struct {
	start time.Time

	mu       sync.Mutex
	lastWall time.Time
	lastCPU  time.Duration
}

// NewProcessSampler captures the initial CPU time.
func NewProcessSampler() *ProcessSampler {
	now := time.Now()
	cpu, _ := processCPUTime()
	return &ProcessSampler{start: now, lastWall: now, lastCPU: cpu}
}

// Sample implements Sampler.
func (s *ProcessSampler) Sample() (pipeline.ResourceUsage, error) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	now := time.Now()
	u := pipeline.ResourceUsage{
		Elapsed:  now.Sub(s.start),
		MemoryMB: float64(ms.HeapInuse) / (1024 * 1024),
	}

	cpu, err := processCPUTime()
	if err != nil {
		return u, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	wall := now.Sub(s.lastWall)
	if wall > 0 {
		// Normalised to the number of CPUs so 100% means the whole machine.
		u.CPUPercent = float64(cpu-s.lastCPU) / float64(wall) * 100 / float64(runtime.NumCPU())
	}
	s.lastWall = now
	s.lastCPU = cpu
	return u, nil
}

// Combined merges several samplers, keeping the highest reading of each
// resource. Readings from a sampler that reported an error still count.
type Combined []Sampler

// Sample implements Sampler.
func (c Combined) Sample() (pipeline.ResourceUsage, error) {
	var (
		out  pipeline.ResourceUsage
		errs []error
	)
	for _, s := range c {
		u, err := s.Sample()
		if err != nil {
			errs = append(errs, err)
		}
		out.Elapsed = max(out.Elapsed, u.Elapsed)
		out.MemoryMB = max(out.MemoryMB, u.MemoryMB)
		out.CPUPercent = max(out.CPUPercent, u.CPUPercent)
	}
	return out, errors.Join(errs...)
}
