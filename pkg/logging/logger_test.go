// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]Level{
		"debug": LevelDebug, "INFO": LevelInfo, "": LevelInfo,
		"warning": LevelWarn, "error": LevelError,
	} {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseLevel("loud")
	assert.Error(t, err)
	assert.Equal(t, "WARN", LevelWarn.String())
}

func TestNew_ConsoleFiltersLevel(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(Config{Level: LevelWarn, Service: "orchestrator", Output: &buf})
	require.NoError(t, err)

	l.Slog().Info("hidden")
	l.Slog().Warn("shown", "job_id", "a")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "shown")
	assert.Contains(t, out, "service=orchestrator")
	assert.Contains(t, out, "job_id=a")
	assert.NoError(t, l.Close())
}

func TestNew_FileAndConsole(t *testing.T) {
	dir := t.TempDir()
	var buf bytes.Buffer
	l, err := New(Config{Level: LevelDebug, LogDir: dir, Service: "worker", JSON: true, Output: &buf})
	require.NoError(t, err)

	l.Slog().Debug("to both")
	require.NoError(t, l.Close())
	require.NoError(t, l.Close(), "close is idempotent")

	matches, err := filepath.Glob(filepath.Join(dir, "worker_*.log"))
	require.NoError(t, err)
	require.Len(t, matches, 1)
	data, err := os.ReadFile(matches[0])
	require.NoError(t, err)

	assert.Contains(t, string(data), `"msg":"to both"`)
	assert.True(t, strings.HasPrefix(buf.String(), "{"), "console is JSON")
}

func TestNew_QuietDiscards(t *testing.T) {
	l, err := New(Config{Quiet: true})
	require.NoError(t, err)
	l.Slog().Error("nowhere")
	assert.NoError(t, l.Close())
}

func TestNew_BadDir(t *testing.T) {
	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, nil, 0o600))
	_, err := New(Config{LogDir: filepath.Join(file, "sub")})
	assert.Error(t, err)
}

func TestSetLevel(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(Config{Level: LevelWarn, Output: &buf})
	require.NoError(t, err)

	l.Slog().Info("hidden")
	l.SetLevel(LevelDebug)
	l.Slog().Debug("shown")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}
