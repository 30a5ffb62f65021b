// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the orchestrator's YAML configuration.
//
// Default supplies every value. Load overlays a file and environment
// overrides on the defaults and validates the result. Watch re-reads the
// file when it changes so long-running processes can pick up edits.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianPipelines/services/pipeline"
	"github.com/AleutianAI/AleutianPipelines/services/pipeline/distributed"
	"github.com/AleutianAI/AleutianPipelines/services/pipeline/observability"
	"github.com/AleutianAI/AleutianPipelines/services/pipeline/security"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// Environment overrides.
const (
	EnvPort         = "ORCHESTRATOR_PORT"
	EnvOTLPEndpoint = "OTEL_EXPORTER_OTLP_ENDPOINT"
)

// Config is the full process configuration.
type Config struct {
	Server      ServerConfig         `yaml:"server"`
	Storage     StorageConfig        `yaml:"storage"`
	Engine      EngineConfig         `yaml:"engine"`
	Security    SecurityConfig       `yaml:"security"`
	Approval    ApprovalConfig       `yaml:"approval"`
	Coordinator distributed.Config   `yaml:"coordinator"`
	Logging     LoggingConfig        `yaml:"logging"`
	Telemetry   observability.Config `yaml:"telemetry"`
}

// ServerConfig configures the HTTP control surface.
type ServerConfig struct {
	Port            int           `yaml:"port" validate:"gte=1,lte=65535"`
	RateLimit       float64       `yaml:"rate_limit" validate:"gte=0"`
	RateBurst       int           `yaml:"rate_burst" validate:"gte=0"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gte=0"`
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	Backend    string        `yaml:"backend" validate:"oneof=memory badger"`
	Path       string        `yaml:"path" validate:"required_if=Backend badger"`
	GCInterval time.Duration `yaml:"gc_interval" validate:"gte=0"`
}

// EngineConfig holds execution defaults.
type EngineConfig struct {
	// Parallelism is the default per-level bound; zero is unbounded.
	Parallelism int `yaml:"parallelism" validate:"gte=0"`

	// Retry is the default policy for jobs without their own.
	Retry pipeline.RetryPolicy `yaml:"retry"`

	// CheckpointDir enables file checkpoints. Empty stores checkpoints in
	// the persistence backend.
	CheckpointDir string `yaml:"checkpoint_dir"`

	// CheckpointEvery saves a checkpoint after every scheduling pass.
	CheckpointEvery bool `yaml:"checkpoint_every"`
}

// SecurityConfig tunes resource monitoring.
type SecurityConfig struct {
	SampleInterval            time.Duration           `yaml:"sample_interval" validate:"gte=0"`
	Defaults                  pipeline.ResourceLimits `yaml:"defaults"`
	CancelExecutionOnCritical bool                    `yaml:"cancel_execution_on_critical"`

	// ProcessSampling adds Go heap and process CPU to every sample.
	ProcessSampling bool `yaml:"process_sampling"`

	AuditBuffer int `yaml:"audit_buffer" validate:"gte=0"`
}

// ApprovalConfig tunes approval gates.
type ApprovalConfig struct {
	PollInterval    time.Duration `yaml:"poll_interval" validate:"gte=0"`
	MaxPollAttempts int           `yaml:"max_poll_attempts" validate:"gte=0"`
}

// LoggingConfig configures pkg/logging.
type LoggingConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error"`
	JSON  bool   `yaml:"json"`
	Dir   string `yaml:"dir"`
}

// Default returns a complete configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:            8080,
			RateLimit:       50,
			RateBurst:       100,
			ShutdownTimeout: 15 * time.Second,
		},
		Storage: StorageConfig{
			Backend:    "memory",
			GCInterval: 10 * time.Minute,
		},
		Engine: EngineConfig{
			Retry:           pipeline.DefaultRetryPolicy(),
			CheckpointEvery: true,
		},
		Security: SecurityConfig{
			SampleInterval: security.DefaultSampleEvery,
			Defaults:       security.DefaultLimits(),
			AuditBuffer:    256,
		},
		Approval: ApprovalConfig{
			PollInterval:    5 * time.Second,
			MaxPollAttempts: 720,
		},
		Coordinator: distributed.DefaultConfig(),
		Logging:     LoggingConfig{Level: "info"},
		Telemetry:   observability.DefaultConfig(),
	}
}

var structValidator = validator.New()

// Validate checks every field constraint.
func (c *Config) Validate() error {
	if err := structValidator.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := security.ValidateLimits(&c.Security.Defaults); err != nil {
		return fmt.Errorf("%w: security defaults: %v", ErrInvalidConfig, err)
	}
	return nil
}

// Load reads path over the defaults, applies environment overrides and
// validates. An empty path loads defaults only; a missing file is an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := Parse(data, &cfg); err != nil {
			return cfg, err
		}
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Parse decodes YAML into cfg, keeping values the document omits.
func Parse(data []byte, cfg *Config) error {
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv(EnvPort); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv(EnvOTLPEndpoint); v != "" {
		cfg.Telemetry.OTLPEndpoint = v
		if cfg.Telemetry.TraceExporter == "none" || cfg.Telemetry.TraceExporter == "" {
			cfg.Telemetry.TraceExporter = "otlp"
		}
	}
}
