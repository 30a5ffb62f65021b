// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package distributed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianPipelines/services/pipeline"
	"github.com/AleutianAI/AleutianPipelines/services/pipeline/observability"
)

// DefaultHTTPTimeout bounds one coordinator call.
const DefaultHTTPTimeout = 30 * time.Second

// Error codes carried in coordinator error responses.
const (
	CodeWorkerNotFound = "worker_not_found"
	CodeWorkerStale    = "worker_stale"
	CodeLeaseNotFound  = "lease_not_found"
	CodeValidation     = "validation_error"
)

// ErrorCode maps a coordinator error to its wire code, or "".
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrWorkerNotFound):
		return CodeWorkerNotFound
	case errors.Is(err, ErrWorkerStale):
		return CodeWorkerStale
	case errors.Is(err, ErrLeaseNotFound):
		return CodeLeaseNotFound
	case errors.Is(err, pipeline.ErrValidation):
		return CodeValidation
	}
	return ""
}

func errorForCode(code string) error {
	switch code {
	case CodeWorkerNotFound:
		return ErrWorkerNotFound
	case CodeWorkerStale:
		return ErrWorkerStale
	case CodeLeaseNotFound:
		return ErrLeaseNotFound
	case CodeValidation:
		return pipeline.ErrValidation
	}
	return nil
}

// ErrorResponse is the body of a failed coordinator call.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// HeartbeatRequest is the body of a heartbeat call.
type HeartbeatRequest struct {
	CurrentLoad int `json:"currentLoad"`
}

// LeaseRequest is the body of a lease call.
type LeaseRequest struct {
	Max int `json:"max"`
}

// LeaseResponse is the reply to a lease call.
type LeaseResponse struct {
	Leases []Lease `json:"leases"`
}

// HTTPClient talks to a coordinator's worker API.
//
// # Description
//
// HTTPClient implements Client for agents running in a separate process.
// Trace context is propagated on every call. Coordinator error codes are
// mapped back to this package's sentinel errors, so an agent behaves the
// same in process and over HTTP.
//
// # Thread Safety
//
// HTTPClient is safe for concurrent use.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPClient creates a client for the coordinator at baseURL
// (e.g. "http://localhost:8080").
func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: DefaultHTTPTimeout},
	}
}

// WithTimeout sets a custom per-call timeout.
func (c *HTTPClient) WithTimeout(timeout time.Duration) *HTTPClient {
	c.httpClient.Timeout = timeout
	return c
}

// Register implements Client.
func (c *HTTPClient) Register(ctx context.Context, w pipeline.Worker) (pipeline.Worker, error) {
	var out pipeline.Worker
	err := c.do(ctx, http.MethodPost, "/v1/workers", w, &out)
	return out, err
}

// Heartbeat implements Client.
func (c *HTTPClient) Heartbeat(ctx context.Context, workerID string, currentLoad int) error {
	return c.do(ctx, http.MethodPost, "/v1/workers/"+url.PathEscape(workerID)+"/heartbeat",
		HeartbeatRequest{CurrentLoad: currentLoad}, nil)
}

// Deregister implements Client.
func (c *HTTPClient) Deregister(ctx context.Context, workerID string) error {
	return c.do(ctx, http.MethodDelete, "/v1/workers/"+url.PathEscape(workerID), nil, nil)
}

// Lease implements Client.
func (c *HTTPClient) Lease(ctx context.Context, workerID string, max int) ([]Lease, error) {
	var out LeaseResponse
	if err := c.do(ctx, http.MethodPost, "/v1/workers/"+url.PathEscape(workerID)+"/lease",
		LeaseRequest{Max: max}, &out); err != nil {
		return nil, err
	}
	return out.Leases, nil
}

// Report implements Client.
func (c *HTTPClient) Report(ctx context.Context, leaseID string, r pipeline.TaskResult) error {
	return c.do(ctx, http.MethodPost, "/v1/leases/"+url.PathEscape(leaseID)+"/report", r, nil)
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	observability.InjectContext(ctx, req.Header)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		var er ErrorResponse
		if json.Unmarshal(data, &er) == nil {
			if sentinel := errorForCode(er.Code); sentinel != nil {
				return fmt.Errorf("%s %s: %s: %w", method, path, er.Error, sentinel)
			}
		}
		return fmt.Errorf("coordinator returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
