// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package notify is the notification collaborator. Delivery is
// fire-and-forget: a failing channel never blocks or fails the
// orchestrator.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Event types emitted by the orchestrator.
const (
	EventExecutionStarted   = "execution.started"
	EventExecutionCompleted = "execution.completed"
	EventExecutionFailed    = "execution.failed"
	EventExecutionCancelled = "execution.cancelled"
	EventExecutionPaused    = "execution.paused"
	EventJobFailed          = "job.failed"
	EventViolation          = "security.violation"
	EventApprovalRequested  = "approval.requested"
	EventApprovalDecided    = "approval.decided"
)

// Event is one notification.
type Event struct {
	Type        string         `json:"type"`
	ExecutionID string         `json:"executionId,omitempty"`
	JobID       string         `json:"jobId,omitempty"`
	Message     string         `json:"message"`
	Data        map[string]any `json:"data,omitempty"`
	At          time.Time      `json:"at"`
}

// Notifier delivers events to watchers.
type Notifier interface {
	Notify(ctx context.Context, e Event) error
}

// Func adapts a function to Notifier.
type Func func(ctx context.Context, e Event) error

// Notify calls f.
func (f Func) Notify(ctx context.Context, e Event) error { return f(ctx, e) }

// Nop discards every event.
type Nop struct{}

// Notify implements Notifier.
func (Nop) Notify(context.Context, Event) error { return nil }

// LogNotifier writes events to a logger.
type LogNotifier struct {
	Logger *slog.Logger
}

// Notify implements Notifier.
func (n LogNotifier) Notify(_ context.Context, e Event) error {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("notification",
		slog.String("type", e.Type),
		slog.String("execution_id", e.ExecutionID),
		slog.String("job_id", e.JobID),
		slog.String("message", e.Message),
		slog.Any("data", e.Data),
	)
	return nil
}

// Multi delivers to every notifier and joins their errors.
type Multi []Notifier

// Notify implements Notifier.
func (m Multi) Notify(ctx context.Context, e Event) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Async wraps a Notifier with a bounded buffer drained by one goroutine.
//
// # Description
//
// Notify never blocks: when the buffer is full the event is dropped and
// logged. Delivery errors are logged with the full event. Close stops
// accepting events and drains what is buffered.
//
// # Thread Safety
//
// Safe for concurrent use.
type Async struct {
	next    Notifier
	logger  *slog.Logger
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
	ch     chan Event
	done   chan struct{}
}

// NewAsync starts the delivery goroutine.
//
// Inputs:
//
//	next - Destination notifier.
//	buffer - Queue capacity. Values below 1 become 64.
//	logger - Logger for delivery failures. Nil uses slog.Default().
func NewAsync(next Notifier, buffer int, logger *slog.Logger) *Async {
	if buffer < 1 {
		buffer = 64
	}
	if logger == nil {
		logger = slog.Default()
	}
	a := &Async{
		next:    next,
		logger:  logger,
		timeout: 10 * time.Second,
		ch:      make(chan Event, buffer),
		done:    make(chan struct{}),
	}
	go a.run()
	return a
}

// Notify enqueues e. The returned error is always nil.
func (a *Async) Notify(_ context.Context, e Event) error {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		a.logger.Warn("notification dropped: notifier closed", slog.String("type", e.Type))
		return nil
	}
	select {
	case a.ch <- e:
	default:
		a.logger.Warn("notification dropped: buffer full",
			slog.String("type", e.Type),
			slog.String("execution_id", e.ExecutionID),
			slog.String("job_id", e.JobID),
			slog.String("message", e.Message),
		)
	}
	return nil
}

func (a *Async) run() {
	defer close(a.done)
	for e := range a.ch {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		if err := a.next.Notify(ctx, e); err != nil {
			a.logger.Error("notification delivery failed",
				slog.String("error", err.Error()),
				slog.String("type", e.Type),
				slog.String("execution_id", e.ExecutionID),
				slog.String("job_id", e.JobID),
				slog.String("message", e.Message),
				slog.Any("data", e.Data),
			)
		}
		cancel()
	}
}

// Close drains buffered events or gives up when ctx ends.
func (a *Async) Close(ctx context.Context) error {
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
