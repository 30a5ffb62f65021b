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
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianPipelines/services/pipeline"
	"github.com/AleutianAI/AleutianPipelines/services/pipeline/approval"
	"github.com/AleutianAI/AleutianPipelines/services/pipeline/checkpoint"
	"github.com/AleutianAI/AleutianPipelines/services/pipeline/distributed"
	"github.com/AleutianAI/AleutianPipelines/services/pipeline/engine"
	"github.com/AleutianAI/AleutianPipelines/services/pipeline/store"
)

// ErrorResponse is the body of every failed call. It is the coordinator's
// wire shape, so worker agents can decode any API error.
type ErrorResponse = distributed.ErrorResponse

// Error codes beyond those defined by the distributed package.
const (
	CodeInvalidRequest = "invalid_request"
	CodeNotFound       = "not_found"
	CodeConflict       = "conflict"
	CodeUnavailable    = "unavailable"
	CodeRateLimited    = "rate_limited"
	CodeInternal       = "internal_error"
)

// classify maps an error to an HTTP status and wire code.
func classify(err error) (int, string) {
	code := distributed.ErrorCode(err)
	switch {
	case errors.Is(err, distributed.ErrWorkerNotFound),
		errors.Is(err, distributed.ErrLeaseNotFound):
		return http.StatusNotFound, code
	case errors.Is(err, distributed.ErrWorkerStale):
		return http.StatusConflict, code
	case errors.Is(err, pipeline.ErrValidation):
		return http.StatusBadRequest, code
	case errors.Is(err, engine.ErrNoDispatcher):
		return http.StatusBadRequest, CodeInvalidRequest
	case errors.Is(err, engine.ErrExecutionNotFound),
		errors.Is(err, engine.ErrNoCheckpoints),
		errors.Is(err, approval.ErrNotFound),
		errors.Is(err, checkpoint.ErrNotFound),
		errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, CodeNotFound
	case errors.Is(err, engine.ErrNotRunning),
		errors.Is(err, engine.ErrNotResumable),
		errors.Is(err, engine.ErrConditionLost),
		errors.Is(err, engine.ErrAlreadyFinished),
		errors.Is(err, approval.ErrInvalidTransition):
		return http.StatusConflict, CodeConflict
	case errors.Is(err, engine.ErrShuttingDown):
		return http.StatusServiceUnavailable, CodeUnavailable
	}
	return http.StatusInternalServerError, CodeInternal
}

// fail writes err as an ErrorResponse. Server errors are logged at error
// level, client errors at warn.
func fail(c *gin.Context, logger *slog.Logger, msg string, err error) {
	status, code := classify(err)
	if status >= http.StatusInternalServerError {
		logger.Error(msg, slog.String("error", err.Error()))
	} else {
		logger.Warn(msg, slog.String("error", err.Error()), slog.Int("status", status))
	}
	c.JSON(status, ErrorResponse{Error: err.Error(), Code: code})
}

func badRequest(c *gin.Context, logger *slog.Logger, err error) {
	logger.Warn("invalid request body", slog.String("error", err.Error()))
	c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body: " + err.Error(), Code: CodeInvalidRequest})
}
