// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianPipelines/services/pipeline"
	"github.com/AleutianAI/AleutianPipelines/services/pipeline/engine"
)

// DAGFile is the on-disk form of a submission. JSON files load too, since
// JSON is valid YAML.
type DAGFile struct {
	Name    string               `yaml:"name"`
	Options engine.ExecOptions   `yaml:"options"`
	Jobs    []pipeline.JobConfig `yaml:"jobs"`
}

// loadDAGFile reads and decodes path. Unknown keys are rejected so typos
// in job definitions surface before anything runs.
func loadDAGFile(path string) (*DAGFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open dag file: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	var df DAGFile
	if err := dec.Decode(&df); err != nil {
		return nil, fmt.Errorf("parse dag file %s: %w", path, err)
	}
	if len(df.Jobs) == 0 {
		return nil, fmt.Errorf("dag file %s: %w", path, &pipeline.ValidationError{Field: "jobs", Reason: "must not be empty"})
	}
	return &df, nil
}
