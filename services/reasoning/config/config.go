// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads reasoning engine configuration.
//
// Priority is environment > file > defaults. Files may be YAML or JSON.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/AleutianAI/reasoncore/pkg/logging"
	"github.com/AleutianAI/reasoncore/services/reasoning/collab"
	"github.com/AleutianAI/reasoncore/services/reasoning/controller"
	"github.com/AleutianAI/reasoncore/services/reasoning/refine"
	"github.com/AleutianAI/reasoncore/services/reasoning/telemetry"
	"github.com/go-playground/validator/v10"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig indicates a configuration that failed validation.
var ErrInvalidConfig = errors.New("invalid config")

// EnvPrefix prefixes every environment override.
const EnvPrefix = "REASONCORE_"

// Config contains all reasoning engine configuration.
//
// Thread Safety: Safe to read concurrently. Not safe to modify after creation.
type Config struct {
	Budget        BudgetConfig        `json:"budget" yaml:"budget"`
	Refinement    refine.Limits       `json:"refinement" yaml:"refinement"`
	Retry         collab.RetryConfig  `json:"retry" yaml:"retry"`
	Repair        RepairConfig        `json:"repair" yaml:"repair"`
	Convergence   collab.Thresholds   `json:"convergence" yaml:"convergence"`
	Controller    ControllerConfig    `json:"controller" yaml:"controller"`
	RateLimit     RateLimitConfig     `json:"rate_limit" yaml:"rate_limit"`
	Executor      ExecutorConfig      `json:"executor" yaml:"executor"`
	Observability ObservabilityConfig `json:"observability" yaml:"observability"`
}

// BudgetConfig bounds the pass budget.
type BudgetConfig struct {
	// Ceiling caps the allocation. Zero means no ceiling.
	Ceiling int `json:"ceiling" yaml:"ceiling" validate:"gte=0"`
}

// RepairConfig bounds repair of malformed collaborator output.
type RepairConfig struct {
	// Attempts is capped at collab.MaxRepairAttempts.
	Attempts int `json:"attempts" yaml:"attempts" validate:"gte=0,lte=2"`
}

// ControllerConfig bounds the phase loop.
type ControllerConfig struct {
	MaxRecalibrations      int `json:"max_recalibrations" yaml:"max_recalibrations" validate:"gte=0"`
	MaxConsecutiveFailures int `json:"max_consecutive_failures" yaml:"max_consecutive_failures" validate:"gte=0"`
}

// RateLimitConfig throttles collaborator calls. Zero RequestsPerSecond
// disables throttling.
type RateLimitConfig struct {
	RequestsPerSecond float64 `json:"requests_per_second" yaml:"requests_per_second" validate:"gte=0"`
	Burst             int     `json:"burst" yaml:"burst" validate:"gte=0"`
}

// ExecutorConfig tunes the parallel batch executor.
type ExecutorConfig struct {
	Concurrency int           `json:"concurrency" yaml:"concurrency" validate:"gte=0"`
	StepTimeout time.Duration `json:"step_timeout" yaml:"step_timeout" validate:"gte=0"`
}

// ObservabilityConfig contains logging and telemetry settings.
type ObservabilityConfig struct {
	LogLevel       string `json:"log_level" yaml:"log_level" validate:"omitempty,oneof=debug info warn warning error"`
	LogJSON        bool   `json:"log_json" yaml:"log_json"`
	LogDir         string `json:"log_dir" yaml:"log_dir"`
	Tracing        bool   `json:"tracing" yaml:"tracing"`
	TraceExporter  string `json:"trace_exporter" yaml:"trace_exporter" validate:"omitempty,oneof=none stdout otlp"`
	MetricExporter string `json:"metric_exporter" yaml:"metric_exporter" validate:"omitempty,oneof=none stdout prometheus"`
	OTLPEndpoint   string `json:"otlp_endpoint" yaml:"otlp_endpoint"`
	ServiceName    string `json:"service_name" yaml:"service_name"`
}

// Default returns the default configuration.
func Default() Config {
	cc := controller.DefaultConfig()
	return Config{
		Refinement:  refine.DefaultLimits(),
		Retry:       collab.DefaultRetryConfig(),
		Repair:      RepairConfig{Attempts: cc.RepairAttempts},
		Convergence: collab.DefaultThresholds(),
		Controller: ControllerConfig{
			MaxRecalibrations:      cc.MaxRecalibrations,
			MaxConsecutiveFailures: cc.MaxConsecutiveFailures,
		},
		Executor: ExecutorConfig{Concurrency: 4},
		Observability: ObservabilityConfig{
			LogLevel:       "info",
			TraceExporter:  telemetry.ExporterNone,
			MetricExporter: telemetry.ExporterNone,
			OTLPEndpoint:   "localhost:4317",
			ServiceName:    "reasoncore",
		},
	}
}

// Load loads configuration with priority: env > file > defaults.
//
// Inputs:
//
//	path - Path to a YAML or JSON file. Empty or missing means defaults.
//
// Outputs:
//
//	Config - Merged configuration.
//	error - Non-nil if the file is unreadable or invalid, or validation fails.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("load config file: %w", err)
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		if jsonErr := json.Unmarshal(data, cfg); jsonErr != nil {
			return fmt.Errorf("parse config (tried YAML and JSON): YAML error: %v, JSON error: %w", err, jsonErr)
		}
	}
	return nil
}

// applyEnv applies REASONCORE_* overrides. A set but unparsable variable
// is an error.
func applyEnv(cfg *Config) error {
	var errs []error
	envInt(&errs, "BUDGET_CEILING", &cfg.Budget.Ceiling)
	envInt(&errs, "REFINE_PER_FRAGMENT", &cfg.Refinement.PerFragment)
	envInt(&errs, "REFINE_GLOBAL", &cfg.Refinement.Global)
	envInt(&errs, "MAX_DEPTH", &cfg.Refinement.MaxDepth)
	envInt(&errs, "RETRY_MAX_ATTEMPTS", &cfg.Retry.MaxAttempts)
	envDuration(&errs, "RETRY_INITIAL_BACKOFF", &cfg.Retry.InitialBackoff)
	envDuration(&errs, "RETRY_MAX_BACKOFF", &cfg.Retry.MaxBackoff)
	envInt(&errs, "REPAIR_ATTEMPTS", &cfg.Repair.Attempts)
	envFloat(&errs, "COMPLETENESS_THRESHOLD", &cfg.Convergence.Completeness)
	envFloat(&errs, "COHERENCE_THRESHOLD", &cfg.Convergence.Coherence)
	envFloat(&errs, "CONSISTENCY_THRESHOLD", &cfg.Convergence.Consistency)
	envInt(&errs, "MAX_RECALIBRATIONS", &cfg.Controller.MaxRecalibrations)
	envInt(&errs, "MAX_CONSECUTIVE_FAILURES", &cfg.Controller.MaxConsecutiveFailures)
	envFloat(&errs, "RATE_LIMIT_RPS", &cfg.RateLimit.RequestsPerSecond)
	envInt(&errs, "RATE_LIMIT_BURST", &cfg.RateLimit.Burst)
	envInt(&errs, "EXECUTOR_CONCURRENCY", &cfg.Executor.Concurrency)
	envDuration(&errs, "STEP_TIMEOUT", &cfg.Executor.StepTimeout)
	envString("LOG_LEVEL", &cfg.Observability.LogLevel)
	envBool(&errs, "LOG_JSON", &cfg.Observability.LogJSON)
	envString("LOG_DIR", &cfg.Observability.LogDir)
	envBool(&errs, "TRACING", &cfg.Observability.Tracing)
	envString("TRACE_EXPORTER", &cfg.Observability.TraceExporter)
	envString("METRIC_EXPORTER", &cfg.Observability.MetricExporter)
	envString("OTLP_ENDPOINT", &cfg.Observability.OTLPEndpoint)
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

func envString(name string, dst *string) {
	if v, ok := os.LookupEnv(EnvPrefix + name); ok {
		*dst = strings.TrimSpace(v)
	}
}

func envInt(errs *[]error, name string, dst *int) {
	v, ok := os.LookupEnv(EnvPrefix + name)
	if !ok {
		return
	}
	i, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
		return
	}
	*dst = i
}

func envFloat(errs *[]error, name string, dst *float64) {
	v, ok := os.LookupEnv(EnvPrefix + name)
	if !ok {
		return
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
		return
	}
	*dst = f
}

func envBool(errs *[]error, name string, dst *bool) {
	v, ok := os.LookupEnv(EnvPrefix + name)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
		return
	}
	*dst = b
}

func envDuration(errs *[]error, name string, dst *time.Duration) {
	v, ok := os.LookupEnv(EnvPrefix + name)
	if !ok {
		return
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
		return
	}
	*dst = d
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the configuration.
//
// Outputs:
//
//	error - Wraps ErrInvalidConfig describing the first problem found.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := c.Retry.Validate(); err != nil {
		return fmt.Errorf("%w: retry: %v", ErrInvalidConfig, err)
	}
	if c.Refinement.PerFragment < 1 || c.Refinement.Global < 1 {
		return fmt.Errorf("%w: refinement limits must be at least 1", ErrInvalidConfig)
	}
	if c.Refinement.MaxDepth < 0 {
		return fmt.Errorf("%w: refinement max_depth must not be negative", ErrInvalidConfig)
	}
	for name, v := range map[string]float64{
		"completeness": c.Convergence.Completeness,
		"coherence":    c.Convergence.Coherence,
		"consistency":  c.Convergence.Consistency,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("%w: convergence %s must be within [0, 1]", ErrInvalidConfig, name)
		}
	}
	if _, err := logging.ParseLevel(c.Observability.LogLevel); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// ControllerConfig maps the configuration onto controller.Config.
func (c Config) ControllerConfig() controller.Config {
	return controller.Config{
		Ceiling:                c.Budget.Ceiling,
		MaxRecalibrations:      c.Controller.MaxRecalibrations,
		MaxConsecutiveFailures: c.Controller.MaxConsecutiveFailures,
		Limits:                 c.Refinement,
		Retry:                  c.Retry,
		RepairAttempts:         c.Repair.Attempts,
		Tracing:                c.Observability.Tracing,
	}
}

// RateLimiter returns the collaborator call limiter, or nil when disabled.
func (c Config) RateLimiter() *rate.Limiter {
	if c.RateLimit.RequestsPerSecond <= 0 {
		return nil
	}
	burst := c.RateLimit.Burst
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(c.RateLimit.RequestsPerSecond), burst)
}

// LoggingConfig maps the observability section onto logging.Config.
// The level is validated by Validate; an unknown level maps to info.
func (c Config) LoggingConfig() logging.Config {
	level, _ := logging.ParseLevel(c.Observability.LogLevel)
	return logging.Config{
		Level:   level,
		LogDir:  c.Observability.LogDir,
		Service: c.Observability.ServiceName,
		JSON:    c.Observability.LogJSON,
	}
}

// TelemetryConfig maps the observability section onto telemetry.Config.
func (c Config) TelemetryConfig() telemetry.Config {
	tc := telemetry.DefaultConfig()
	if c.Observability.ServiceName != "" {
		tc.ServiceName = c.Observability.ServiceName
	}
	if c.Observability.TraceExporter != "" {
		tc.TraceExporter = c.Observability.TraceExporter
	}
	if c.Observability.MetricExporter != "" {
		tc.MetricExporter = c.Observability.MetricExporter
	}
	if c.Observability.OTLPEndpoint != "" {
		tc.OTLPEndpoint = c.Observability.OTLPEndpoint
	}
	return tc
}
