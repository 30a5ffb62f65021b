// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package api

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianPipelines/services/pipeline"
)

// DecisionRequest is the body of approve and reject calls.
type DecisionRequest struct {
	Actor   string `json:"actor" binding:"required"`
	Comment string `json:"comment"`
}

// HandleListApprovals handles GET /v1/approvals?status=.
func (s *Server) HandleListApprovals(c *gin.Context) {
	logger := s.requestLogger(c, "HandleListApprovals")
	list, err := s.approvals.List(c.Request.Context(), pipeline.ApprovalStatus(c.Query("status")))
	if err != nil {
		fail(c, logger, "list approvals", err)
		return
	}
	if list == nil {
		list = []*pipeline.ApprovalRequest{}
	}
	c.JSON(http.StatusOK, list)
}

// HandleGetApproval handles GET /v1/approvals/:id.
func (s *Server) HandleGetApproval(c *gin.Context) {
	logger := s.requestLogger(c, "HandleGetApproval")
	req, err := s.approvals.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, logger, "get approval", err)
		return
	}
	c.JSON(http.StatusOK, req)
}

// HandleApprove handles POST /v1/approvals/:id/approve.
//
// Response:
//
//	200 OK: the decided pipeline.ApprovalRequest
//	404 Not Found: unknown request
//	409 Conflict: already decided, or actor not an approver
func (s *Server) HandleApprove(c *gin.Context) {
	s.decide(c, "HandleApprove", true)
}

// HandleReject handles POST /v1/approvals/:id/reject.
func (s *Server) HandleReject(c *gin.Context) {
	s.decide(c, "HandleReject", false)
}

func (s *Server) decide(c *gin.Context, handler string, approve bool) {
	logger := s.requestLogger(c, handler)
	var body DecisionRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, logger, err)
		return
	}
	id := c.Param("id")
	apply := s.approvals.Reject
	if approve {
		apply = s.approvals.Approve
	}
	req, err := apply(c.Request.Context(), id, body.Actor, body.Comment)
	if err != nil {
		fail(c, logger, "decision rejected", err)
		return
	}
	logger.Info("approval decided",
		slog.String("approval_id", id),
		slog.String("status", string(req.Status)),
		slog.String("actor", body.Actor),
	)
	c.JSON(http.StatusOK, req)
}
