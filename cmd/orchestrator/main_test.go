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
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianPipelines/services/pipeline"
	"github.com/AleutianAI/AleutianPipelines/services/pipeline/approval"
	"github.com/AleutianAI/AleutianPipelines/services/pipeline/config"
	"github.com/AleutianAI/AleutianPipelines/services/pipeline/engine"
	"github.com/AleutianAI/AleutianPipelines/services/pipeline/store"
)

const sampleDAG = `
name: demo
options:
  parallelism: 2
jobs:
  - id: a
    type: echo
    config:
      greeting: hello
  - id: b
    type: echo
    dependsOn: [a]
  - id: c
    type: noop
    dependsOn: [a]
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDAGFile(t *testing.T) {
	df, err := loadDAGFile(writeFile(t, "dag.yaml", sampleDAG))
	require.NoError(t, err)
	assert.Equal(t, "demo", df.Name)
	assert.Equal(t, 2, df.Options.Parallelism)
	require.Len(t, df.Jobs, 3)
	assert.Equal(t, []string{"a"}, df.Jobs[1].DependsOn)
	assert.Equal(t, "hello", df.Jobs[0].Config["greeting"])
}

func TestLoadDAGFile_JSON(t *testing.T) {
	df, err := loadDAGFile(writeFile(t, "dag.json", `{"name":"j","jobs":[{"id":"x","type":"noop"}]}`))
	require.NoError(t, err)
	assert.Equal(t, "x", df.Jobs[0].ID)
}

func TestLoadDAGFile_Errors(t *testing.T) {
	_, err := loadDAGFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = loadDAGFile(writeFile(t, "typo.yaml", "name: x\njbos: []\n"))
	assert.Error(t, err)

	_, err = loadDAGFile(writeFile(t, "empty.yaml", "name: x\njobs: []\n"))
	assert.ErrorIs(t, err, pipeline.ErrValidation)
}

func TestNewRegistry(t *testing.T) {
	reg, err := newRegistry(registryOptions{})
	require.NoError(t, err)
	for _, typ := range []string{TypeNoop, TypeEcho, TypeSleep, TypeFail, pipeline.TypeFanOut, pipeline.TypeFanIn} {
		_, ok := reg.Lookup(typ)
		assert.True(t, ok, typ)
	}
	_, ok := reg.Lookup(pipeline.TypeApproval)
	assert.False(t, ok)

	svc := approval.NewService(approval.ServiceOptions{Store: store.NewMemoryStore()})
	reg, err = newRegistry(registryOptions{approvals: svc, pollInterval: time.Second})
	require.NoError(t, err)
	_, ok = reg.Lookup(pipeline.TypeApproval)
	assert.True(t, ok)
}

func jobContext(id string, cfg map[string]any) *pipeline.JobContext {
	return pipeline.NewJobContext(pipeline.JobContextOptions{
		ExecutionID: "e1",
		Attempt:     1,
		Job:         pipeline.JobConfig{ID: id, Type: "test", Config: cfg},
	})
}

func TestHandleSleep(t *testing.T) {
	res, err := handleSleep(context.Background(), jobContext("s", map[string]any{"duration": "5ms"}))
	require.NoError(t, err)
	assert.True(t, res.Success)

	_, err = handleSleep(context.Background(), jobContext("s", nil))
	assert.ErrorIs(t, err, pipeline.ErrPermanent)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = handleSleep(ctx, jobContext("s", map[string]any{"duration": 10000}))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestHandleFail(t *testing.T) {
	_, err := handleFail(context.Background(), jobContext("f", map[string]any{"message": "boom"}))
	assert.EqualError(t, err, "boom")
	assert.NotErrorIs(t, err, pipeline.ErrPermanent)

	_, err = handleFail(context.Background(), jobContext("f", map[string]any{"permanent": true}))
	assert.ErrorIs(t, err, pipeline.ErrPermanent)
}

// TestDemoDAG_Executes runs the sample file through the engine with the
// demo handlers.
func TestDemoDAG_Executes(t *testing.T) {
	df, err := loadDAGFile(writeFile(t, "dag.yaml", sampleDAG))
	require.NoError(t, err)
	reg, err := newRegistry(registryOptions{})
	require.NoError(t, err)
	eng, err := engine.New(engine.Options{Config: engine.DefaultConfig(), Registry: reg})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	exec, err := eng.Execute(ctx, df.Name, df.Jobs, df.Options)
	require.NoError(t, err)
	require.Equal(t, pipeline.ExecutionCompleted, exec.Status)

	out := exec.Jobs["b"].Output.(map[string]any)
	inputs := out["inputs"].(map[string]any)
	assert.Contains(t, inputs, "a")

	var buf bytes.Buffer
	require.NoError(t, printExecution(&buf, exec, "json"))
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "completed", decoded["status"])

	buf.Reset()
	require.NoError(t, printExecution(&buf, exec, "yaml"))
	assert.Contains(t, buf.String(), "status: completed")

	assert.Error(t, printExecution(&buf, exec, "xml"))
}

func TestValidateCommand(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"validate", "-f", writeFile(t, "dag.yaml", sampleDAG)})
	t.Cleanup(func() { rootCmd.SetArgs(nil) })

	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), "valid: 3 jobs in 2 levels")
	assert.Contains(t, out.String(), "level 1: b, c")
}

func TestOpenStore(t *testing.T) {
	st, err := openStore(config.StorageConfig{Backend: "memory"}, nil)
	require.NoError(t, err)
	require.NoError(t, st.Close())

	st, err = openStore(config.StorageConfig{Backend: "badger", Path: t.TempDir()}, nil)
	require.NoError(t, err)
	require.NoError(t, st.Close())

	_, err = openStore(config.StorageConfig{Backend: "sqlite"}, nil)
	assert.Error(t, err)
}

func TestNewCheckpoints(t *testing.T) {
	st := store.NewMemoryStore()
	m, err := newCheckpoints(config.EngineConfig{}, st, nil)
	require.NoError(t, err)
	assert.NotNil(t, m)

	m, err = newCheckpoints(config.EngineConfig{CheckpointDir: t.TempDir()}, st, nil)
	require.NoError(t, err)
	assert.NotNil(t, m)
}
