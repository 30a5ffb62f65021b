// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipeline

import "time"

// ApprovalStatus is the state of an approval request.
type ApprovalStatus string

const (
	ApprovalPending   ApprovalStatus = "pending"
	ApprovalApproved  ApprovalStatus = "approved"
	ApprovalRejected  ApprovalStatus = "rejected"
	ApprovalExpired   ApprovalStatus = "expired"
	ApprovalCancelled ApprovalStatus = "cancelled"
)

// Terminal reports whether the request has been decided.
func (s ApprovalStatus) Terminal() bool {
	return s != ApprovalPending && s != ""
}

// ApprovalDecision records who decided and why.
type ApprovalDecision struct {
	Actor   string    `json:"actor,omitempty"`
	Comment string    `json:"comment,omitempty"`
	At      time.Time `json:"at"`
}

// ApprovalRequest is one human-in-the-loop gate instance.
type ApprovalRequest struct {
	ID          string            `json:"id"`
	ExecutionID string            `json:"executionId"`
	JobID       string            `json:"jobId"`
	Title       string            `json:"title"`
	Description string            `json:"description,omitempty"`
	Approvers   []string          `json:"approvers,omitempty"`
	Status      ApprovalStatus    `json:"status"`
	Decision    *ApprovalDecision `json:"decision,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
	UpdatedAt   time.Time         `json:"updatedAt"`
	ExpiresAt   *time.Time        `json:"expiresAt,omitempty"`
}

// Clone returns a copy sharing no pointers with r.
func (r *ApprovalRequest) Clone() *ApprovalRequest {
	if r == nil {
		return nil
	}
	c := *r
	c.Approvers = append([]string(nil), r.Approvers...)
	if r.Decision != nil {
		d := *r.Decision
		c.Decision = &d
	}
	if r.ExpiresAt != nil {
		t := *r.ExpiresAt
		c.ExpiresAt = &t
	}
	return &c
}
