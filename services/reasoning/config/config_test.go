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

	"github.com/AleutianAI/reasoncore/pkg/logging"
	"github.com/AleutianAI/reasoncore/services/reasoning/controller"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefault_Valid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, controller.DefaultConfig(), cfg.ControllerConfig())
	assert.Nil(t, cfg.RateLimiter())
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	cfg, err = Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_YAML(t *testing.T) {
	path := writeFile(t, "c.yaml", `
budget:
  ceiling: 6
refinement:
  per_fragment: 2
retry:
  max_attempts: 4
  initial_backoff: 50ms
controller:
  max_recalibrations: 1
executor:
  concurrency: 8
  step_timeout: 2s
observability:
  log_level: debug
  tracing: true
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 6, cfg.Budget.Ceiling)
	assert.Equal(t, 2, cfg.Refinement.PerFragment)
	assert.Equal(t, 10, cfg.Refinement.Global, "unset fields keep defaults")
	assert.Equal(t, 4, cfg.Retry.MaxAttempts)
	assert.Equal(t, 50*time.Millisecond, cfg.Retry.InitialBackoff)
	assert.Equal(t, 2*time.Second, cfg.Executor.StepTimeout)

	cc := cfg.ControllerConfig()
	assert.Equal(t, 6, cc.Ceiling)
	assert.Equal(t, 1, cc.MaxRecalibrations)
	assert.True(t, cc.Tracing)
	assert.Equal(t, logging.LevelDebug, cfg.LoggingConfig().Level)
}

func TestLoad_JSON(t *testing.T) {
	path := writeFile(t, "c.json", `{"budget": {"ceiling": 3}, "rate_limit": {"requests_per_second": 5, "burst": 2}}`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Budget.Ceiling)

	l := cfg.RateLimiter()
	require.NotNil(t, l)
	assert.Equal(t, rate.Limit(5), l.Limit())
	assert.Equal(t, 2, l.Burst())
}

func TestLoad_Malformed(t *testing.T) {
	path := writeFile(t, "c.yaml", "budget: [unterminated")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeFile(t, "c.yaml", "budget:\n  ceiling: 6\n")
	t.Setenv("REASONCORE_BUDGET_CEILING", "4")
	t.Setenv("REASONCORE_LOG_JSON", "true")
	t.Setenv("REASONCORE_STEP_TIMEOUT", "750ms")
	t.Setenv("REASONCORE_TRACE_EXPORTER", "stdout")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Budget.Ceiling, "env wins over file")
	assert.True(t, cfg.Observability.LogJSON)
	assert.Equal(t, 750*time.Millisecond, cfg.Executor.StepTimeout)
	assert.Equal(t, "stdout", cfg.TelemetryConfig().TraceExporter)
}

func TestLoad_BadEnv(t *testing.T) {
	t.Setenv("REASONCORE_MAX_DEPTH", "deep")
	_, err := Load("")
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.Contains(t, err.Error(), "REASONCORE_MAX_DEPTH")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"negative ceiling", func(c *Config) { c.Budget.Ceiling = -1 }},
		{"zero retry attempts", func(c *Config) { c.Retry.MaxAttempts = 0 }},
		{"zero global limit", func(c *Config) { c.Refinement.Global = 0 }},
		{"threshold above one", func(c *Config) { c.Convergence.Coherence = 1.2 }},
		{"unknown log level", func(c *Config) { c.Observability.LogLevel = "loud" }},
		{"unknown trace exporter", func(c *Config) { c.Observability.TraceExporter = "zipkin" }},
		{"negative step timeout", func(c *Config) { c.Executor.StepTimeout = -time.Second }},
		{"repair attempts above two", func(c *Config) { c.Repair.Attempts = 3 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}
}

func TestTelemetryConfig(t *testing.T) {
	cfg := Default()
	cfg.Observability.ServiceName = "svc"
	cfg.Observability.MetricExporter = "prometheus"

	tc := cfg.TelemetryConfig()
	assert.Equal(t, "svc", tc.ServiceName)
	assert.Equal(t, "prometheus", tc.MetricExporter)
	assert.Equal(t, "none", tc.TraceExporter)
}
