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
	"github.com/AleutianAI/AleutianPipelines/services/pipeline/distributed"
)

// HandleRegisterWorker handles POST /v1/workers.
//
// Response:
//
//	201 Created: the stored pipeline.Worker, with WorkerID assigned
//	400 Bad Request: negative capacity or invalid body
func (s *Server) HandleRegisterWorker(c *gin.Context) {
	logger := s.requestLogger(c, "HandleRegisterWorker")
	var w pipeline.Worker
	if err := c.ShouldBindJSON(&w); err != nil {
		badRequest(c, logger, err)
		return
	}
	stored, err := s.coordinator.Register(c.Request.Context(), w)
	if err != nil {
		fail(c, logger, "register worker", err)
		return
	}
	c.JSON(http.StatusCreated, stored)
}

// HandleListWorkers handles GET /v1/workers.
func (s *Server) HandleListWorkers(c *gin.Context) {
	workers := s.coordinator.Workers()
	if workers == nil {
		workers = []pipeline.Worker{}
	}
	c.JSON(http.StatusOK, workers)
}

// HandleHeartbeat handles POST /v1/workers/:id/heartbeat.
func (s *Server) HandleHeartbeat(c *gin.Context) {
	logger := s.requestLogger(c, "HandleHeartbeat")
	var req distributed.HeartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, logger, err)
		return
	}
	if err := s.coordinator.Heartbeat(c.Request.Context(), c.Param("id"), req.CurrentLoad); err != nil {
		fail(c, logger, "heartbeat rejected", err)
		return
	}
	c.Status(http.StatusNoContent)
}

// HandleDeregisterWorker handles DELETE /v1/workers/:id.
func (s *Server) HandleDeregisterWorker(c *gin.Context) {
	logger := s.requestLogger(c, "HandleDeregisterWorker")
	if err := s.coordinator.Deregister(c.Request.Context(), c.Param("id")); err != nil {
		fail(c, logger, "deregister worker", err)
		return
	}
	c.Status(http.StatusNoContent)
}

// HandleLease handles POST /v1/workers/:id/lease.
//
// Response:
//
//	200 OK: distributed.LeaseResponse, possibly empty
//	404 Not Found: unknown worker (the agent re-registers)
//	409 Conflict: stale worker
func (s *Server) HandleLease(c *gin.Context) {
	logger := s.requestLogger(c, "HandleLease")
	var req distributed.LeaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, logger, err)
		return
	}
	leases, err := s.coordinator.Lease(c.Request.Context(), c.Param("id"), req.Max)
	if err != nil {
		fail(c, logger, "lease rejected", err)
		return
	}
	if leases == nil {
		leases = []distributed.Lease{}
	}
	c.JSON(http.StatusOK, distributed.LeaseResponse{Leases: leases})
}

// HandleReport handles POST /v1/leases/:id/report.
func (s *Server) HandleReport(c *gin.Context) {
	logger := s.requestLogger(c, "HandleReport")
	var tr pipeline.TaskResult
	if err := c.ShouldBindJSON(&tr); err != nil {
		badRequest(c, logger, err)
		return
	}
	id := c.Param("id")
	if err := s.coordinator.Report(c.Request.Context(), id, tr); err != nil {
		fail(c, logger, "report rejected", err)
		return
	}
	logger.Debug("task reported", slog.String("lease_id", id), slog.Bool("has_error", tr.Error != ""))
	c.Status(http.StatusNoContent)
}

// HandleQueueStatus handles GET /v1/queue.
func (s *Server) HandleQueueStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.coordinator.Status())
}

// HandlePauseQueue handles POST /v1/queue/pause.
func (s *Server) HandlePauseQueue(c *gin.Context) {
	s.coordinator.PauseQueue()
	s.requestLogger(c, "HandlePauseQueue").Info("queue paused")
	c.JSON(http.StatusOK, s.coordinator.Status())
}

// HandleResumeQueue handles POST /v1/queue/resume.
func (s *Server) HandleResumeQueue(c *gin.Context) {
	s.coordinator.ResumeQueue()
	s.requestLogger(c, "HandleResumeQueue").Info("queue resumed")
	c.JSON(http.StatusOK, s.coordinator.Status())
}
