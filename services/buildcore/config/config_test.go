// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianBuild/services/buildcore/versioned"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), DefaultFileName)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "highest", cfg.Resolver.Policy)
	assert.False(t, cfg.Manifest.Enabled)
	assert.False(t, cfg.Diagnostics.Enabled)
}

func TestLoad_OverlaysDefaults(t *testing.T) {
	path := writeConfig(t, `
project:
  root: src
build:
  parallelism: 8
manifest:
  enabled: true
resolver:
  policy: pinned
  pins:
    //lib: 1.2.0
  fallback: true
  timeout: 2s
diagnostics:
  enabled: true
  dir: /var/tmp/diag
log:
  format: json
  level: debug
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	dir := filepath.Dir(path)
	assert.Equal(t, filepath.Join(dir, "src"), cfg.Project.Root)
	assert.Equal(t, 8, cfg.Build.Parallelism)
	assert.True(t, cfg.Manifest.Enabled)
	assert.Equal(t, filepath.Join(dir, "src", ".aleutian", "manifests"), cfg.Manifest.Storage.Path)
	assert.Equal(t, 2*time.Second, cfg.Resolver.Timeout)
	assert.Equal(t, "/var/tmp/diag", cfg.Diagnostics.Dir)
	assert.Equal(t, "json", cfg.Log.Format)

	// Untouched sections keep their defaults.
	assert.Equal(t, Default().Diagnostics.MaxKeys, cfg.Diagnostics.MaxKeys)
	assert.Equal(t, Default().Project.MaxFileSize, cfg.Project.MaxFileSize)

	policy := cfg.Resolver.SelectionPolicy()
	pinned, ok := policy.(versioned.Pinned)
	require.True(t, ok)
	assert.Equal(t, "1.2.0", pinned.Versions["//lib"])
	assert.NotNil(t, pinned.Fallback)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"unknown policy", "resolver:\n  policy: newest\n"},
		{"bad pin", "resolver:\n  policy: pinned\n  pins:\n    //lib: latest\n"},
		{"negative parallelism", "build:\n  parallelism: -1\n"},
		{"bucket without credentials", "diagnostics:\n  upload:\n    bucket: builds\n"},
		{"diagnostics without dir", "diagnostics:\n  enabled: true\n  dir: \"\"\n"},
		{"log level", "log:\n  level: chatty\n"},
		{"trace exporter", "telemetry:\n  trace_exporter: zipkin\n"},
		{"discard ratio", "manifest:\n  storage:\n    gc_discard_ratio: 2\n"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.body))
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestLoad_Malformed(t *testing.T) {
	_, err := Load(writeConfig(t, "build: [unterminated"))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalidConfig)
}

func TestLoad_Missing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLoadOrDefault(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOrDefault(filepath.Join(dir, DefaultFileName), dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Clean(dir), cfg.Project.Root)
	assert.Equal(t, filepath.Join(dir, ".aleutian", "diagnostics"), cfg.Diagnostics.Dir)
}

func TestWriteDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", DefaultFileName)
	require.NoError(t, WriteDefault(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var raw map[string]any
	require.NoError(t, yaml.Unmarshal(data, &raw))
	assert.Contains(t, raw, "resolver")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, Default().Resolver, cfg.Resolver)
	assert.Equal(t, Default().Diagnostics.CloseTimeout, cfg.Diagnostics.CloseTimeout)
}

func TestSelectionPolicy_Default(t *testing.T) {
	assert.Equal(t, "highest", Default().Resolver.SelectionPolicy().Name())
}
