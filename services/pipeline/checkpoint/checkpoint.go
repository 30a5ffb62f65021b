// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package checkpoint persists execution progress so a run can resume
// without replaying completed jobs.
//
// A checkpoint is a JSON document carrying a SHA-256 checksum over its
// canonical encoding. Load rejects documents whose version or checksum do
// not match.
package checkpoint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianPipelines/services/pipeline"
)

// Version is the current checkpoint format version (semver).
const Version = "1.0.0"

var tracer = otel.Tracer("aleutian.pipeline.checkpoint")

var (
	// ErrNotFound is returned when no checkpoint exists for an execution.
	ErrNotFound = errors.New("checkpoint not found")

	// ErrCheckpointCorrupt is returned when the checksum does not match.
	ErrCheckpointCorrupt = errors.New("checkpoint corrupt: checksum mismatch")

	// ErrVersionMismatch is returned for documents of another format version.
	ErrVersionMismatch = errors.New("checkpoint version mismatch")

	// ErrInvalidName is returned for names outside [A-Za-z0-9_-]+.
	ErrInvalidName = errors.New("invalid checkpoint name")
)

var validNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// Checkpoint is the persisted snapshot of one execution.
//
// PendingQueue holds every job that has not reached a satisfied terminal
// state, including failed ones, so a resumed run retries them. Generated
// maps each fan-out job to the ids it produced. Conditioned lists the
// jobs whose condition was an in-process function and is not persisted.
type Checkpoint struct {
	ExecutionID     string                `json:"executionId"`
	Name            string                `json:"name"`
	Owner           string                `json:"owner,omitempty"`
	CompletedJobIDs []string              `json:"completedJobIds"`
	SkippedJobIDs   []string              `json:"skippedJobIds,omitempty"`
	JobOutputs      map[string]any        `json:"jobOutputs"`
	PendingQueue    []pipeline.JobConfig  `json:"pendingQueue"`
	AllJobs         []pipeline.JobConfig  `json:"allJobs,omitempty"`
	Generated       map[string][]string   `json:"generated,omitempty"`
	Conditioned     []string              `json:"conditioned,omitempty"`
	Parallelism     int                   `json:"parallelism,omitempty"`
	Retry           *pipeline.RetryPolicy `json:"retry,omitempty"`
	Level           int                   `json:"level"`
	SavedAt         time.Time             `json:"savedAt"`
	Version         string                `json:"version"`
	Checksum        string                `json:"checksum"`
}

// Backend stores encoded checkpoints by name.
type Backend interface {
	Put(ctx context.Context, name string, data []byte) error
	Get(ctx context.Context, name string) ([]byte, error)
	Delete(ctx context.Context, name string) error
}

// Manager encodes, verifies and stores checkpoints.
//
// Thread Safety:
//
//	Safe for concurrent use when the backend is.
type Manager struct {
	backend Backend
	logger  *slog.Logger
	now     func() time.Time
}

// NewManager creates a Manager over backend.
func NewManager(backend Backend, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{backend: backend, logger: logger, now: time.Now}
}

// Save stamps cp with version, time and checksum and writes it under its
// execution id.
//
// Description:
//
//	The stored document is the canonical form of cp. Callers keep ownership
//	of cp; Save only writes the stamping fields.
//
// Inputs:
//
//	ctx - Context for cancellation.
//	cp  - Checkpoint to save. ExecutionID must match [A-Za-z0-9_-]+.
//
// Outputs:
//
//	error - ErrInvalidName, or an encode or backend error.
func (m *Manager) Save(ctx context.Context, cp *Checkpoint) error {
	if cp == nil {
		return fmt.Errorf("%w: checkpoint must not be nil", pipeline.ErrValidation)
	}
	if !validNamePattern.MatchString(cp.ExecutionID) {
		return fmt.Errorf("%w: %q", ErrInvalidName, cp.ExecutionID)
	}

	ctx, span := tracer.Start(ctx, "checkpoint.save",
		trace.WithAttributes(
			attribute.String("execution.id", cp.ExecutionID),
			attribute.Int("checkpoint.completed", len(cp.CompletedJobIDs)),
			attribute.Int("checkpoint.pending", len(cp.PendingQueue)),
		),
	)
	defer span.End()

	cp.Version = Version
	cp.SavedAt = m.now().UTC()
	cp.Checksum = ""
	sum, err := computeChecksum(cp)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	cp.Checksum = sum

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	if err := m.backend.Put(ctx, cp.ExecutionID, data); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("write checkpoint %s: %w", cp.ExecutionID, err)
	}

	m.logger.Debug("checkpoint saved",
		slog.String("execution_id", cp.ExecutionID),
		slog.Int("completed", len(cp.CompletedJobIDs)),
		slog.Int("pending", len(cp.PendingQueue)),
		slog.Int("bytes", len(data)),
	)
	return nil
}

// Load reads and verifies the checkpoint of an execution.
//
// Outputs:
//
//	*Checkpoint - The verified checkpoint. Never nil on success.
//	error - ErrNotFound, ErrVersionMismatch, ErrCheckpointCorrupt.
func (m *Manager) Load(ctx context.Context, executionID string) (*Checkpoint, error) {
	if !validNamePattern.MatchString(executionID) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, executionID)
	}

	ctx, span := tracer.Start(ctx, "checkpoint.load",
		trace.WithAttributes(attribute.String("execution.id", executionID)),
	)
	defer span.End()

	data, err := m.backend.Get(ctx, executionID)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	cp, err := Decode(data)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		m.logger.Warn("checkpoint rejected",
			slog.String("execution_id", executionID),
			slog.String("error", err.Error()),
		)
		return nil, err
	}
	return cp, nil
}

// Delete removes the checkpoint of an execution. Missing checkpoints are
// not an error.
func (m *Manager) Delete(ctx context.Context, executionID string) error {
	if !validNamePattern.MatchString(executionID) {
		return fmt.Errorf("%w: %q", ErrInvalidName, executionID)
	}
	if err := m.backend.Delete(ctx, executionID); err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("delete checkpoint %s: %w", executionID, err)
	}
	return nil
}

// Decode parses and verifies an encoded checkpoint.
func Decode(data []byte) (*Checkpoint, error) {
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCheckpointCorrupt, err)
	}
	if cp.Version != Version {
		return nil, fmt.Errorf("%w: got %s, want %s", ErrVersionMismatch, cp.Version, Version)
	}
	stored := cp.Checksum
	cp.Checksum = ""
	expected, err := computeChecksum(&cp)
	if err != nil {
		return nil, fmt.Errorf("compute checksum for verification: %w", err)
	}
	if stored != expected {
		return nil, ErrCheckpointCorrupt
	}
	cp.Checksum = stored
	return &cp, nil
}

// computeChecksum hashes the canonical encoding of cp with Checksum
// cleared. Canonical means struct fields are re-encoded as sorted maps, so
// outputs hash identically before and after a round trip.
func computeChecksum(cp *Checkpoint) (string, error) {
	raw, err := json.Marshal(cp)
	if err != nil {
		return "", fmt.Errorf("marshal for checksum: %w", err)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return "", fmt.Errorf("normalize for checksum: %w", err)
	}
	canonical, err := json.Marshal(generic)
	if err != nil {
		return "", fmt.Errorf("marshal for checksum: %w", err)
	}
	hash := sha256.Sum256(canonical)
	return hex.EncodeToString(hash[:]), nil
}
