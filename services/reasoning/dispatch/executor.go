// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package dispatch provides a BatchExecutor that runs the steps of a ready
// batch in parallel.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/reasoncore/services/reasoning/collab"
	"github.com/AleutianAI/reasoncore/services/reasoning/plan"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"
)

// ErrNilRunner indicates NewParallelExecutor was given no runner.
var ErrNilRunner = errors.New("step runner is nil")

var stepsRunTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "reasoncore",
		Subsystem: "dispatch",
		Name:      "steps_total",
		Help:      "Total steps run by the parallel executor, by result status",
	},
	[]string{"status"},
)

// StepRunner executes a single step.
type StepRunner interface {
	RunStep(ctx context.Context, step plan.Step) (collab.StepResult, error)
}

// StepRunnerFunc adapts a function to StepRunner.
type StepRunnerFunc func(ctx context.Context, step plan.Step) (collab.StepResult, error)

// RunStep calls f.
func (f StepRunnerFunc) RunStep(ctx context.Context, step plan.Step) (collab.StepResult, error) {
	return f(ctx, step)
}

// Option configures a ParallelExecutor.
type Option func(*ParallelExecutor)

// WithConcurrency bounds the steps running at once. Zero or less means
// one goroutine per step.
func WithConcurrency(n int) Option {
	return func(e *ParallelExecutor) {
		e.concurrency = n
	}
}

// WithStepTimeout bounds each step. Zero means no per-step deadline.
func WithStepTimeout(d time.Duration) Option {
	return func(e *ParallelExecutor) {
		e.stepTimeout = d
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *ParallelExecutor) {
		if l != nil {
			e.logger = l
		}
	}
}

// ParallelExecutor runs batch steps concurrently.
//
// Description:
//
//	Steps in a batch are independent by construction (all their
//	dependencies are complete), so they run in parallel up to the
//	concurrency limit. A failing or panicking step never cancels its
//	siblings; it yields a failed StepResult. Results come back in batch
//	order.
//
// Thread Safety: Safe for concurrent use if the runner is.
type ParallelExecutor struct {
	runner      StepRunner
	concurrency int
	stepTimeout time.Duration
	logger      *slog.Logger
}

// NewParallelExecutor creates a ParallelExecutor.
func NewParallelExecutor(runner StepRunner, opts ...Option) (*ParallelExecutor, error) {
	if runner == nil {
		return nil, ErrNilRunner
	}
	e := &ParallelExecutor{
		runner: runner,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// ExecuteStepBatch implements collab.BatchExecutor.
//
// Outputs:
//
//	[]collab.StepResult - One result per step, in batch order.
//	error - Always nil; per-step failures are reported in the results.
func (e *ParallelExecutor) ExecuteStepBatch(ctx context.Context, steps []plan.Step) ([]collab.StepResult, error) {
	results := make([]collab.StepResult, len(steps))

	var g errgroup.Group
	if e.concurrency > 0 {
		g.SetLimit(e.concurrency)
	}
	for i := range steps {
		step := steps[i]
		g.Go(func() error {
			results[i] = e.runOne(ctx, step)
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range results {
		stepsRunTotal.WithLabelValues(string(r.Status)).Inc()
	}
	return results, nil
}

func (e *ParallelExecutor) runOne(ctx context.Context, step plan.Step) (res collab.StepResult) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			res = failed(step.ID, fmt.Sprintf("panic: %v", r))
		}
		e.logger.Debug("Step finished",
			slog.String("step_id", step.ID),
			slog.String("status", string(res.Status)),
			slog.Duration("duration", time.Since(start)),
		)
	}()

	if e.stepTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.stepTimeout)
		defer cancel()
	}

	out, err := e.runner.RunStep(ctx, step)
	if err != nil {
		e.logger.Warn("Step failed",
			slog.String("step_id", step.ID),
			slog.String("error", err.Error()),
		)
		return failed(step.ID, err.Error())
	}
	out.StepID = step.ID
	if out.Status == "" {
		out.Status = plan.StatusComplete
	}
	return out
}

func failed(id, msg string) collab.StepResult {
	return collab.StepResult{
		StepID: id,
		Status: plan.StatusFailed,
		Error:  msg,
	}
}
