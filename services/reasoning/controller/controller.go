// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package controller

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/AleutianAI/reasoncore/pkg/logging"
	"github.com/AleutianAI/reasoncore/services/reasoning/budget"
	"github.com/AleutianAI/reasoncore/services/reasoning/collab"
	"github.com/AleutianAI/reasoncore/services/reasoning/history"
	"github.com/AleutianAI/reasoncore/services/reasoning/refine"
	"github.com/AleutianAI/reasoncore/services/reasoning/synth"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/time/rate"
)

const controllerTracerName = "reasoncore.controller"

// Config holds controller tunables.
type Config struct {
	// Ceiling caps the pass budget. Zero or less means no ceiling.
	Ceiling int

	// MaxRecalibrations bounds D_RECALIBRATE visits per run.
	MaxRecalibrations int

	// MaxConsecutiveFailures ends the run as unrecoverable after this many
	// consecutive passes with collaborator failures. Zero disables it.
	MaxConsecutiveFailures int

	// Limits bounds refinement attempts and subplan depth.
	Limits refine.Limits

	// Retry governs retries of transient collaborator failures. The batch
	// executor is never retried.
	Retry collab.RetryConfig

	// RepairAttempts bounds repair calls per malformed output.
	RepairAttempts int

	// Tracing enables spans for runs, passes and collaborator calls.
	Tracing bool
}

// DefaultConfig returns the default controller configuration.
func DefaultConfig() Config {
	return Config{
		MaxRecalibrations:      2,
		MaxConsecutiveFailures: 3,
		Limits:                 refine.DefaultLimits(),
		Retry:                  collab.DefaultRetryConfig(),
		RepairAttempts:         2,
	}
}

// Option configures a Controller.
type Option func(*Controller)

// WithConfig replaces the configuration.
func WithConfig(cfg Config) Option {
	return func(c *Controller) {
		c.cfg = cfg
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithTracer overrides the tracer used for run and phase spans.
func WithTracer(t trace.Tracer) Option {
	return func(c *Controller) {
		if t != nil {
			c.tracer = t
		}
	}
}

// WithRateLimiter throttles every collaborator call.
func WithRateLimiter(l *rate.Limiter) Option {
	return func(c *Controller) {
		c.limiter = l
	}
}

// WithCorrelationIDs overrides correlation id generation.
func WithCorrelationIDs(fn func() string) Option {
	return func(c *Controller) {
		if fn != nil {
			c.newCorrelationID = fn
		}
	}
}

// WithStepIDs overrides the id generator for added steps.
func WithStepIDs(fn func() string) Option {
	return func(c *Controller) {
		c.newStepID = fn
	}
}

// Controller runs tasks through the reasoning phases.
//
// Thread Safety: Safe for concurrent Run calls if the collaborators are.
type Controller struct {
	collabs          collab.Collaborators
	cfg              Config
	logger           *slog.Logger
	limiter          *rate.Limiter
	newCorrelationID func() string
	newStepID        func() string
	sm               *StateMachine
	tracer           trace.Tracer

	boundary     *collab.Boundary
	execBoundary *collab.Boundary
	synth        *synth.Wrapper
}

// New creates a Controller.
//
// Inputs:
//
//	collabs - The collaborators. Recalibrator and Repairer may be nil.
//	opts - Functional options.
//
// Outputs:
//
//	*Controller - Ready to run.
//	error - Wraps ErrNilDependency naming each missing collaborator.
func New(collabs collab.Collaborators, opts ...Option) (*Controller, error) {
	if missing := collabs.Missing(); len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrNilDependency, strings.Join(missing, ", "))
	}
	c := &Controller{
		collabs:          collabs,
		cfg:              DefaultConfig(),
		logger:           slog.Default(),
		newCorrelationID: uuid.NewString,
		sm:               DefaultStateMachine,
		tracer:           otel.Tracer(controllerTracerName),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.boundary = c.newBoundary(c.cfg.Retry)
	once := c.cfg.Retry
	once.MaxAttempts = 1
	c.execBoundary = c.newBoundary(once)
	c.synth = synth.NewWrapper(collabs.Synthesizer,
		synth.WithBoundary(c.boundary),
		synth.WithLogger(c.logger),
		synth.WithTracing(c.cfg.Tracing),
	)
	return c, nil
}

func (c *Controller) newBoundary(retry collab.RetryConfig) *collab.Boundary {
	opts := []collab.BoundaryOption{
		collab.WithRetry(retry),
		collab.WithRepairAttempts(c.cfg.RepairAttempts),
		collab.WithLogger(c.logger),
		collab.WithTracing(c.cfg.Tracing),
	}
	if c.collabs.Repairer != nil {
		opts = append(opts, collab.WithRepairer(c.collabs.Repairer))
	}
	if c.limiter != nil {
		opts = append(opts, collab.WithRateLimiter(c.limiter))
	}
	return collab.NewBoundary(opts...)
}

// BudgetSummary reports pass budget usage at the end of a run.
type BudgetSummary struct {
	Total     int `json:"total"`
	Consumed  int `json:"consumed"`
	Remaining int `json:"remaining"`
}

// RunResult is everything a run produced.
type RunResult struct {
	CorrelationID     string                  `json:"correlation_id"`
	FinalAnswer       collab.FinalAnswer      `json:"final_answer"`
	TerminationReason synth.TerminationReason `json:"termination_reason"`
	States            []State                 `json:"states"`
	History           []history.ExecutionPass `json:"history"`
	Stats             history.Stats           `json:"stats"`
	Profile           collab.TaskProfile      `json:"profile"`
	Budget            BudgetSummary           `json:"budget"`
	Recalibrations    int                     `json:"recalibrations"`
	FrozenFragments   []string                `json:"frozen_fragments,omitempty"`
}

// Run executes a task to a final answer.
//
// Description:
//
//	Drives A_PROFILE, B_PLAN_PREP (pass 0), the C_* execution passes with
//	optional D_RECALIBRATE visits, and E_SYNTHESIZE. Collaborator failures
//	never abort a run; they are recorded on the pass and the run still ends
//	in a final answer. Cancellation of ctx is honoured at pass boundaries
//	and routes to synthesis, which runs detached from ctx.
//
// Inputs:
//
//	ctx - Context for cancellation.
//	task - The request. Must not be blank.
//
// Outputs:
//
//	*RunResult - Always non-nil when err is nil.
//	error - ErrEmptyTask only.
func (c *Controller) Run(ctx context.Context, task string) (*RunResult, error) {
	if strings.TrimSpace(task) == "" {
		return nil, ErrEmptyTask
	}

	r := c.newRun(task)
	ctx, span := c.startRunSpan(ctx, r.correlationID)
	defer span.End()
	r.logger = logging.LoggerWithTrace(ctx, r.logger)

	start := time.Now()
	r.logger.Info("Reasoning run started",
		slog.Int("task_len", len(task)),
	)
	activeRuns.Inc()
	defer activeRuns.Dec()

	for !r.state.IsTerminal() {
		next := r.step(ctx)
		r.transition(next)
	}

	result := r.result()
	elapsed := time.Since(start)
	runsTotal.WithLabelValues(string(result.TerminationReason)).Inc()
	runDuration.Observe(elapsed.Seconds())
	span.SetAttributes(
		attribute.String("run.termination_reason", string(result.TerminationReason)),
		attribute.Int("run.total_passes", result.Stats.TotalPasses),
		attribute.Int("run.budget_consumed", result.Budget.Consumed),
	)
	r.logger.Info("Reasoning run finished",
		slog.String("termination_reason", string(result.TerminationReason)),
		slog.Int("total_passes", result.Stats.TotalPasses),
		slog.Int("refinements", result.Stats.TotalRefinements),
		slog.Int("budget_consumed", result.Budget.Consumed),
		slog.Duration("duration", elapsed),
	)
	return result, nil
}

func (c *Controller) newRun(task string) *run {
	id := c.newCorrelationID()
	logger := c.logger.With(slog.String("correlation_id", id))
	applierOpts := []refine.Option{
		refine.WithLimits(c.cfg.Limits),
		refine.WithLogger(logger),
	}
	if c.newStepID != nil {
		applierOpts = append(applierOpts, refine.WithIDGenerator(c.newStepID))
	}
	return &run{
		c:             c,
		task:          task,
		correlationID: id,
		logger:        logger,
		state:         StateProfile,
		states:        []State{StateProfile},
		gov:           budget.NewGovernor(c.cfg.Ceiling, logger),
		applier:       refine.NewApplier(applierOpts...),
		rec:           history.NewRecorder(logger),
	}
}

func (c *Controller) startRunSpan(ctx context.Context, correlationID string) (context.Context, trace.Span) {
	if !c.cfg.Tracing {
		return ctx, noop.Span{}
	}
	return c.tracer.Start(ctx, "controller.run",
		trace.WithAttributes(attribute.String("run.correlation_id", correlationID)),
	)
}
