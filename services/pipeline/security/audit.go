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
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianPipelines/services/pipeline"
)

// AuditSink persists audit events. store.AuditStore satisfies it.
type AuditSink interface {
	AppendAudit(ctx context.Context, e pipeline.AuditEvent) error
}

// Auditor writes audit events without ever blocking the caller.
//
// # Description
//
// Events go through a buffered channel drained by one goroutine. If the
// sink fails, or the buffer is full, the complete event is written to the
// logger instead so the trail is never silently lost.
//
// # Thread Safety
//
// Safe for concurrent use.
type Auditor struct {
	sink   AuditSink
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
	ch     chan pipeline.AuditEvent
	done   chan struct{}
}

// NewAuditor starts the drain goroutine. A nil sink logs every event.
func NewAuditor(sink AuditSink, buffer int, logger *slog.Logger) *Auditor {
	if buffer < 1 {
		buffer = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	a := &Auditor{
		sink:   sink,
		logger: logger,
		ch:     make(chan pipeline.AuditEvent, buffer),
		done:   make(chan struct{}),
	}
	go a.drain()
	return a
}

// Audit records an event. It fills ID and Timestamp when empty.
func (a *Auditor) Audit(e pipeline.AuditEvent) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.Level == "" {
		e.Level = pipeline.AuditInfo
	}

	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		a.logFallback("audit event after close", e)
		return
	}
	select {
	case a.ch <- e:
	default:
		a.logFallback("audit buffer full", e)
	}
}

func (a *Auditor) drain() {
	defer close(a.done)
	for e := range a.ch {
		if a.sink == nil {
			a.logFallback("audit", e)
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := a.sink.AppendAudit(ctx, e)
		cancel()
		if err != nil {
			a.logger.Error("audit sink write failed", slog.String("error", err.Error()))
			a.logFallback("audit sink write failed", e)
		}
	}
}

func (a *Auditor) logFallback(msg string, e pipeline.AuditEvent) {
	a.logger.Warn(msg,
		slog.String("audit_id", e.ID),
		slog.String("audit_type", e.Type),
		slog.String("audit_level", string(e.Level)),
		slog.String("execution_id", e.ExecutionID),
		slog.String("job_id", e.JobID),
		slog.Any("details", e.Details),
		slog.Time("timestamp", e.Timestamp),
	)
}

// Close stops accepting events and waits for the buffer to drain.
func (a *Auditor) Close(ctx context.Context) error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.ch)
	}
	a.mu.Unlock()
	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
