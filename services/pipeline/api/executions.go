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
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianPipelines/services/pipeline"
	"github.com/AleutianAI/AleutianPipelines/services/pipeline/dag"
	"github.com/AleutianAI/AleutianPipelines/services/pipeline/engine"
)

// SubmitRequest is the body of POST /v1/executions.
type SubmitRequest struct {
	Name    string               `json:"name"`
	Jobs    []pipeline.JobConfig `json:"jobs" binding:"required,min=1"`
	Options engine.ExecOptions   `json:"options"`

	// Wait blocks until the execution stops and returns it.
	Wait bool `json:"wait"`
}

// SubmitResponse is the reply to an asynchronous submission.
type SubmitResponse struct {
	ExecutionID string `json:"executionId"`
}

// ValidateRequest is the body of POST /v1/dags/validate.
type ValidateRequest struct {
	Jobs []pipeline.JobConfig `json:"jobs" binding:"required,min=1"`
}

// ValidateResponse lists the topological levels of a valid DAG.
type ValidateResponse struct {
	Valid  bool       `json:"valid"`
	Jobs   int        `json:"jobs"`
	Levels [][]string `json:"levels"`
}

// ResumeRequest is the optional body of POST /v1/executions/:id/resume.
type ResumeRequest struct {
	FromCheckpoint bool `json:"fromCheckpoint"`
}

// UsageResponse is the reply to GET /v1/usage.
type UsageResponse struct {
	Owner string `json:"owner"`
	Type  string `json:"type,omitempty"`
	Count int64  `json:"count"`
}

// HandleValidate handles POST /v1/dags/validate.
//
// Description:
//
//	Runs structural validation only. Handler registration is checked at
//	submission, since the set of handlers depends on the execution mode.
//
// Response:
//
//	200 OK: ValidateResponse
//	400 Bad Request: invalid body, unknown dependency or cycle
func (s *Server) HandleValidate(c *gin.Context) {
	logger := s.requestLogger(c, "HandleValidate")
	var req ValidateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, logger, err)
		return
	}
	plan, err := dag.Validate(req.Jobs)
	if err != nil {
		fail(c, logger, "dag rejected", err)
		return
	}
	c.JSON(http.StatusOK, ValidateResponse{Valid: true, Jobs: plan.Len(), Levels: plan.Levels})
}

// HandleSubmit handles POST /v1/executions.
//
// Description:
//
//	Validates and starts a DAG. By default the call returns as soon as
//	the execution is accepted; with wait it returns the final execution.
//	A waiting client that disconnects does not cancel the execution.
//
// Response:
//
//	202 Accepted: SubmitResponse
//	200 OK: pipeline.DAGExecution (wait=true)
//	400 Bad Request: invalid DAG or options
//	503 Service Unavailable: shutting down
func (s *Server) HandleSubmit(c *gin.Context) {
	logger := s.requestLogger(c, "HandleSubmit")
	var req SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, logger, err)
		return
	}

	ctx := c.Request.Context()
	id, err := s.engine.Submit(ctx, req.Name, req.Jobs, req.Options)
	if err != nil {
		fail(c, logger, "submission rejected", err)
		return
	}
	logger.Info("execution accepted", slog.String("execution_id", id), slog.Int("jobs", len(req.Jobs)))

	if !req.Wait {
		c.JSON(http.StatusAccepted, SubmitResponse{ExecutionID: id})
		return
	}
	exec, err := s.engine.Wait(ctx, id)
	if err != nil {
		fail(c, logger, "wait for execution", err)
		return
	}
	c.JSON(http.StatusOK, exec)
}

// HandleList handles GET /v1/executions.
func (s *Server) HandleList(c *gin.Context) {
	logger := s.requestLogger(c, "HandleList")
	list, err := s.engine.List(c.Request.Context())
	if err != nil {
		fail(c, logger, "list executions", err)
		return
	}
	if status := c.Query("status"); status != "" {
		filtered := list[:0]
		for _, e := range list {
			if string(e.Status) == status {
				filtered = append(filtered, e)
			}
		}
		list = filtered
	}
	if list == nil {
		list = []*pipeline.DAGExecution{}
	}
	c.JSON(http.StatusOK, list)
}

// HandleGet handles GET /v1/executions/:id.
func (s *Server) HandleGet(c *gin.Context) {
	logger := s.requestLogger(c, "HandleGet")
	exec, err := s.engine.GetStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, logger, "get execution", err)
		return
	}
	c.JSON(http.StatusOK, exec)
}

// HandleCancel handles POST /v1/executions/:id/cancel.
//
// Response:
//
//	202 Accepted: cancellation requested
//	404 Not Found: unknown execution
//	409 Conflict: already finished
func (s *Server) HandleCancel(c *gin.Context) {
	s.control(c, "HandleCancel", s.engine.Cancel)
}

// HandlePause handles POST /v1/executions/:id/pause.
func (s *Server) HandlePause(c *gin.Context) {
	s.control(c, "HandlePause", s.engine.Pause)
}

func (s *Server) control(c *gin.Context, handler string, fn func(ctx context.Context, id string) error) {
	logger := s.requestLogger(c, handler)
	id := c.Param("id")
	if err := fn(c.Request.Context(), id); err != nil {
		fail(c, logger, "control request rejected", err)
		return
	}
	logger.Info("control request accepted", slog.String("execution_id", id))
	c.JSON(http.StatusAccepted, SubmitResponse{ExecutionID: id})
}

// HandleResume handles POST /v1/executions/:id/resume.
//
// Request Body (optional):
//
//	ResumeRequest
//
// Response:
//
//	202 Accepted: resumed
//	404 Not Found: unknown execution or no checkpoint
//	409 Conflict: still running or already completed
func (s *Server) HandleResume(c *gin.Context) {
	logger := s.requestLogger(c, "HandleResume")
	var req ResumeRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, logger, err)
			return
		}
	}
	id := c.Param("id")
	if err := s.engine.Resume(c.Request.Context(), id, req.FromCheckpoint); err != nil {
		fail(c, logger, "resume rejected", err)
		return
	}
	logger.Info("execution resumed", slog.String("execution_id", id), slog.Bool("from_checkpoint", req.FromCheckpoint))
	c.JSON(http.StatusAccepted, SubmitResponse{ExecutionID: id})
}

// HandleViolations handles GET /v1/executions/:id/violations.
func (s *Server) HandleViolations(c *gin.Context) {
	logger := s.requestLogger(c, "HandleViolations")
	list, err := s.engine.Violations(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, logger, "list violations", err)
		return
	}
	if list == nil {
		list = []pipeline.ResourceViolation{}
	}
	c.JSON(http.StatusOK, list)
}

// HandleAudit handles GET /v1/executions/:id/audit.
func (s *Server) HandleAudit(c *gin.Context) {
	logger := s.requestLogger(c, "HandleAudit")
	list, err := s.engine.AuditTrail(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, logger, "list audit trail", err)
		return
	}
	if list == nil {
		list = []pipeline.AuditEvent{}
	}
	c.JSON(http.StatusOK, list)
}

// HandleUsage handles GET /v1/usage?owner=&type=.
func (s *Server) HandleUsage(c *gin.Context) {
	logger := s.requestLogger(c, "HandleUsage")
	owner, jobType := c.Query("owner"), c.Query("type")
	n, err := s.engine.Usage(c.Request.Context(), owner, jobType)
	if err != nil {
		fail(c, logger, "read usage", err)
		return
	}
	c.JSON(http.StatusOK, UsageResponse{Owner: owner, Type: jobType, Count: n})
}
