// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package api exposes the orchestrator over HTTP.
//
// # Endpoints
//
//	GET    /health                          - Liveness and queue summary
//	GET    /metrics                         - Prometheus scrape endpoint
//	POST   /v1/dags/validate                - Validate a DAG without running it
//	POST   /v1/executions                   - Submit a DAG
//	GET    /v1/executions                   - List executions, newest first
//	GET    /v1/executions/:id               - Execution status
//	POST   /v1/executions/:id/cancel        - Cancel
//	POST   /v1/executions/:id/pause         - Pause after in-flight jobs
//	POST   /v1/executions/:id/resume        - Resume
//	GET    /v1/executions/:id/violations    - Resource violations
//	GET    /v1/executions/:id/audit         - Audit trail
//	GET    /v1/usage                        - Usage counters
//	GET    /v1/approvals                    - List approval requests
//	GET    /v1/approvals/:id                - Get one request
//	POST   /v1/approvals/:id/approve        - Approve
//	POST   /v1/approvals/:id/reject         - Reject
//
// With a coordinator configured the worker API is mounted too:
//
//	POST   /v1/workers                      - Register
//	GET    /v1/workers                      - List
//	POST   /v1/workers/:id/heartbeat        - Heartbeat
//	DELETE /v1/workers/:id                  - Deregister
//	POST   /v1/workers/:id/lease            - Lease tasks
//	POST   /v1/leases/:id/report            - Report a task result
//	GET    /v1/queue                        - Queue status
//	POST   /v1/queue/pause                  - Stop leasing
//	POST   /v1/queue/resume                 - Resume leasing
package api

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/AleutianPipelines/services/pipeline/approval"
	"github.com/AleutianAI/AleutianPipelines/services/pipeline/distributed"
	"github.com/AleutianAI/AleutianPipelines/services/pipeline/engine"
	"github.com/AleutianAI/AleutianPipelines/services/pipeline/observability"
)

// ServiceVersion is reported by /health.
const ServiceVersion = "0.1.0"

// ServiceName labels the HTTP server spans.
const ServiceName = "pipeline-orchestrator"

// Options wires a Server. Engine is required; everything else is optional.
type Options struct {
	Engine      *engine.Orchestrator
	Approvals   *approval.Service
	Coordinator *distributed.Coordinator
	Metrics     *observability.Metrics
	Limiter     *RateLimiter

	// MetricsHandler serves /metrics. Default observability.MetricsHandler.
	MetricsHandler http.Handler

	Logger *slog.Logger
}

// Server holds the HTTP handlers.
//
// Description:
//
//	Server translates HTTP requests into engine, approval and coordinator
//	calls and maps their sentinel errors to status codes. It keeps no
//	state of its own.
//
// Thread Safety:
//
//	Safe for concurrent use.
type Server struct {
	engine      *engine.Orchestrator
	approvals   *approval.Service
	coordinator *distributed.Coordinator
	metrics     *observability.Metrics
	limiter     *RateLimiter
	metricsH    http.Handler
	logger      *slog.Logger
}

// NewServer creates a Server.
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	mh := opts.MetricsHandler
	if mh == nil {
		mh = observability.MetricsHandler()
	}
	return &Server{
		engine:      opts.Engine,
		approvals:   opts.Approvals,
		coordinator: opts.Coordinator,
		metrics:     opts.Metrics,
		limiter:     opts.Limiter,
		metricsH:    mh,
		logger:      logger.With(slog.String("component", "api")),
	}
}

// Router builds the gin engine with middleware and every route.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(ServiceName))
	if s.metrics != nil {
		router.Use(observability.GinMetrics(s.metrics))
	}

	router.GET("/health", s.HandleHealth)
	router.GET("/metrics", gin.WrapH(s.metricsH))

	v1 := router.Group("/v1")
	v1.Use(requestID())
	if s.limiter != nil {
		v1.Use(s.limiter.Middleware())
	}
	s.RegisterRoutes(v1)
	return router
}

// RegisterRoutes mounts the /v1 API on rg.
func (s *Server) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/dags/validate", s.HandleValidate)

	executions := rg.Group("/executions")
	{
		executions.POST("", s.HandleSubmit)
		executions.GET("", s.HandleList)
		executions.GET("/:id", s.HandleGet)
		executions.POST("/:id/cancel", s.HandleCancel)
		executions.POST("/:id/pause", s.HandlePause)
		executions.POST("/:id/resume", s.HandleResume)
		executions.GET("/:id/violations", s.HandleViolations)
		executions.GET("/:id/audit", s.HandleAudit)
	}
	rg.GET("/usage", s.HandleUsage)

	if s.approvals != nil {
		approvals := rg.Group("/approvals")
		{
			approvals.GET("", s.HandleListApprovals)
			approvals.GET("/:id", s.HandleGetApproval)
			approvals.POST("/:id/approve", s.HandleApprove)
			approvals.POST("/:id/reject", s.HandleReject)
		}
	}

	if s.coordinator != nil {
		workers := rg.Group("/workers")
		{
			workers.POST("", s.HandleRegisterWorker)
			workers.GET("", s.HandleListWorkers)
			workers.POST("/:id/heartbeat", s.HandleHeartbeat)
			workers.DELETE("/:id", s.HandleDeregisterWorker)
			workers.POST("/:id/lease", s.HandleLease)
		}
		rg.POST("/leases/:id/report", s.HandleReport)

		queue := rg.Group("/queue")
		{
			queue.GET("", s.HandleQueueStatus)
			queue.POST("/pause", s.HandlePauseQueue)
			queue.POST("/resume", s.HandleResumeQueue)
		}
	}
}

// HealthResponse is the body of /health.
type HealthResponse struct {
	Status  string                   `json:"status"`
	Version string                   `json:"version"`
	Queue   *distributed.QueueStatus `json:"queue,omitempty"`
}

// HandleHealth handles GET /health.
func (s *Server) HandleHealth(c *gin.Context) {
	resp := HealthResponse{Status: "healthy", Version: ServiceVersion}
	if s.coordinator != nil {
		st := s.coordinator.Status()
		resp.Queue = &st
	}
	c.JSON(http.StatusOK, resp)
}

const requestIDHeader = "X-Request-ID"

// requestID echoes or assigns X-Request-ID.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(requestIDHeader, id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

// requestLogger returns the server logger tagged with the request id and
// the active trace.
func (s *Server) requestLogger(c *gin.Context, handler string) *slog.Logger {
	logger := observability.LoggerWithTrace(c.Request.Context(), s.logger)
	return logger.With(
		slog.String("request_id", c.GetString(requestIDHeader)),
		slog.String("handler", handler),
	)
}
