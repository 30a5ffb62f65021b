// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package approval implements human-in-the-loop gates.
//
// A request moves from pending to exactly one of approved, rejected,
// expired or cancelled; every other transition is refused. The Gate
// handler suspends a job until its request is decided.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianPipelines/services/pipeline"
	"github.com/AleutianAI/AleutianPipelines/services/pipeline/notify"
	"github.com/AleutianAI/AleutianPipelines/services/pipeline/store"
)

var (
	// ErrNotFound is returned for an unknown request id.
	ErrNotFound = errors.New("approval request not found")

	// ErrInvalidTransition is returned when a decided request is decided again.
	ErrInvalidTransition = errors.New("invalid approval transition")
)

// CreateRequest describes a new approval request.
type CreateRequest struct {
	ExecutionID string
	JobID       string
	Title       string
	Description string
	Approvers   []string
	ExpiresAt   *time.Time
}

// ServiceOptions configures NewService.
type ServiceOptions struct {
	Store    store.ApprovalStore
	Notifier notify.Notifier
	Logger   *slog.Logger
}

// Service owns approval requests and their state machine.
//
// Description:
//
//	Requests are persisted in the approval store. Transitions are
//	serialised by a service-wide lock so two concurrent decisions cannot
//	both succeed. Every decision is published to in-process watchers and
//	to the notifier.
//
// Thread Safety:
//
//	Safe for concurrent use.
type Service struct {
	store    store.ApprovalStore
	notifier notify.Notifier
	logger   *slog.Logger
	now      func() time.Time

	mu       sync.Mutex
	watchers map[string]map[int]chan *pipeline.ApprovalRequest
	nextID   int
}

// NewService creates a Service.
func NewService(opts ServiceOptions) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	n := opts.Notifier
	if n == nil {
		n = notify.Nop{}
	}
	return &Service{
		store:    opts.Store,
		notifier: n,
		logger:   logger,
		now:      time.Now,
		watchers: make(map[string]map[int]chan *pipeline.ApprovalRequest),
	}
}

// Create persists a new pending request and notifies approvers.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*pipeline.ApprovalRequest, error) {
	if req.ExecutionID == "" || req.JobID == "" {
		return nil, &pipeline.ValidationError{Field: "executionId/jobId", Reason: "must not be empty"}
	}
	now := s.now().UTC()
	r := &pipeline.ApprovalRequest{
		ID:          uuid.NewString(),
		ExecutionID: req.ExecutionID,
		JobID:       req.JobID,
		Title:       req.Title,
		Description: req.Description,
		Approvers:   append([]string(nil), req.Approvers...),
		Status:      pipeline.ApprovalPending,
		CreatedAt:   now,
		UpdatedAt:   now,
		ExpiresAt:   req.ExpiresAt,
	}
	if r.Title == "" {
		r.Title = fmt.Sprintf("Approve job %s", req.JobID)
	}
	if err := s.store.SaveApproval(ctx, r); err != nil {
		return nil, fmt.Errorf("save approval: %w", err)
	}

	s.logger.Info("approval requested",
		slog.String("approval_id", r.ID),
		slog.String("execution_id", r.ExecutionID),
		slog.String("job_id", r.JobID),
		slog.Any("approvers", r.Approvers),
	)
	s.publish(ctx, notify.EventApprovalRequested, r)
	return r.Clone(), nil
}

// Get returns a request by id.
func (s *Service) Get(ctx context.Context, id string) (*pipeline.ApprovalRequest, error) {
	r, err := s.store.GetApproval(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return r, err
}

// List returns requests with the given status; empty lists all.
func (s *Service) List(ctx context.Context, status pipeline.ApprovalStatus) ([]*pipeline.ApprovalRequest, error) {
	return s.store.ListApprovals(ctx, status)
}

// Approve records a positive decision.
func (s *Service) Approve(ctx context.Context, id, actor, comment string) (*pipeline.ApprovalRequest, error) {
	return s.transition(ctx, id, pipeline.ApprovalApproved, actor, comment)
}

// Reject records a negative decision.
func (s *Service) Reject(ctx context.Context, id, actor, comment string) (*pipeline.ApprovalRequest, error) {
	return s.transition(ctx, id, pipeline.ApprovalRejected, actor, comment)
}

// Cancel withdraws a pending request.
func (s *Service) Cancel(ctx context.Context, id, reason string) (*pipeline.ApprovalRequest, error) {
	return s.transition(ctx, id, pipeline.ApprovalCancelled, "system", reason)
}

// Expire marks a pending request as timed out.
func (s *Service) Expire(ctx context.Context, id string) (*pipeline.ApprovalRequest, error) {
	return s.transition(ctx, id, pipeline.ApprovalExpired, "system", "approval window elapsed")
}

func (s *Service) transition(ctx context.Context, id string, to pipeline.ApprovalStatus, actor, comment string) (*pipeline.ApprovalRequest, error) {
	s.mu.Lock()
	r, err := s.Get(ctx, id)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if r.Status != pipeline.ApprovalPending {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s is already %s", ErrInvalidTransition, id, r.Status)
	}
	if actor != "" && actor != "system" && len(r.Approvers) > 0 && !contains(r.Approvers, actor) {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %q is not an approver of %s", ErrInvalidTransition, actor, id)
	}

	now := s.now().UTC()
	r.Status = to
	r.UpdatedAt = now
	r.Decision = &pipeline.ApprovalDecision{Actor: actor, Comment: comment, At: now}
	if err := s.store.SaveApproval(ctx, r); err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("save approval: %w", err)
	}
	watchers := s.watchers[id]
	delete(s.watchers, id)
	s.mu.Unlock()

	for _, ch := range watchers {
		ch <- r.Clone()
		close(ch)
	}

	s.logger.Info("approval decided",
		slog.String("approval_id", id),
		slog.String("status", string(to)),
		slog.String("actor", actor),
	)
	s.publish(ctx, notify.EventApprovalDecided, r)
	return r.Clone(), nil
}

// Watch returns a channel that receives the request once it is decided.
//
// # Description
//
// The channel has capacity one, receives exactly one value and is then
// closed. If the request is already decided the channel is primed
// immediately. The returned stop function releases the watch and is safe
// to call more than once.
func (s *Service) Watch(ctx context.Context, id string) (<-chan *pipeline.ApprovalRequest, func(), error) {
	ch := make(chan *pipeline.ApprovalRequest, 1)

	s.mu.Lock()
	r, err := s.Get(ctx, id)
	if err != nil {
		s.mu.Unlock()
		return nil, nil, err
	}
	if r.Status.Terminal() {
		s.mu.Unlock()
		ch <- r
		close(ch)
		return ch, func() {}, nil
	}
	key := s.nextID
	s.nextID++
	if s.watchers[id] == nil {
		s.watchers[id] = make(map[int]chan *pipeline.ApprovalRequest)
	}
	s.watchers[id][key] = ch
	s.mu.Unlock()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			s.mu.Lock()
			if m := s.watchers[id]; m != nil {
				delete(m, key)
				if len(m) == 0 {
					delete(s.watchers, id)
				}
			}
			s.mu.Unlock()
		})
	}
	return ch, stop, nil
}

func (s *Service) publish(ctx context.Context, eventType string, r *pipeline.ApprovalRequest) {
	data := map[string]any{
		"approvalId": r.ID,
		"status":     string(r.Status),
		"approvers":  r.Approvers,
	}
	if r.Decision != nil {
		data["actor"] = r.Decision.Actor
		data["comment"] = r.Decision.Comment
	}
	err := s.notifier.Notify(context.WithoutCancel(ctx), notify.Event{
		Type:        eventType,
		ExecutionID: r.ExecutionID,
		JobID:       r.JobID,
		Message:     r.Title,
		Data:        data,
		At:          s.now().UTC(),
	})
	if err != nil {
		s.logger.Warn("approval notification failed",
			slog.String("approval_id", r.ID),
			slog.String("error", err.Error()),
		)
	}
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
