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
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/AleutianAI/reasoncore/services/reasoning/collab"
	"github.com/AleutianAI/reasoncore/services/reasoning/plan"
	"github.com/AleutianAI/reasoncore/services/reasoning/refine"
	"github.com/stretchr/testify/require"
)

// fakeCollabs implements every collaborator with overridable functions.
// Unset functions fall back to a cooperative default: independent steps
// that all complete, no issues, convergence once every step is complete.
type fakeCollabs struct {
	mu    sync.Mutex
	calls map[string]int

	profileFn  func(ctx context.Context, task string) (collab.TaskProfile, error)
	planFn     func(ctx context.Context, task string, profile collab.TaskProfile) (*plan.Plan, error)
	subplanFn  func(ctx context.Context, parent plan.Step, depth int) (*plan.Plan, error)
	validateFn func(ctx context.Context, art collab.Artifact, kind collab.ArtifactKind) (collab.ValidationReport, error)
	assessFn   func(ctx context.Context, p *plan.Plan, results []collab.StepResult, v collab.ValidationReport) (collab.ConvergenceAssessment, error)
	refineFn   func(ctx context.Context, req collab.RefineRequest) ([]refine.Action, error)
	synthFn    func(ctx context.Context, in collab.SynthesisInput) (collab.FinalAnswer, error)
	execFn     func(ctx context.Context, steps []plan.Step) ([]collab.StepResult, error)
}

func newFakes() *fakeCollabs {
	return &fakeCollabs{calls: make(map[string]int)}
}

func (f *fakeCollabs) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[name]++
	return f.calls[name]
}

func (f *fakeCollabs) callCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakeCollabs) InferProfile(ctx context.Context, task string) (collab.TaskProfile, error) {
	f.count(collab.CallInferProfile)
	if f.profileFn != nil {
		return f.profileFn(ctx, task)
	}
	return collab.DefaultProfile(), nil
}

func (f *fakeCollabs) GeneratePlan(ctx context.Context, task string, profile collab.TaskProfile) (*plan.Plan, error) {
	f.count(collab.CallGeneratePlan)
	if f.planFn != nil {
		return f.planFn(ctx, task, profile)
	}
	return independentPlan(), nil
}

func (f *fakeCollabs) CreateSubplan(ctx context.Context, parent plan.Step, depth int) (*plan.Plan, error) {
	f.count(collab.CallCreateSubplan)
	if f.subplanFn != nil {
		return f.subplanFn(ctx, parent, depth)
	}
	return nil, collab.Unavailable(fmt.Errorf("no subplans"))
}

func (f *fakeCollabs) Validate(ctx context.Context, art collab.Artifact, kind collab.ArtifactKind) (collab.ValidationReport, error) {
	f.count(collab.CallValidate)
	if f.validateFn != nil {
		return f.validateFn(ctx, art, kind)
	}
	return collab.ValidationReport{}, nil
}

func (f *fakeCollabs) AssessConvergence(ctx context.Context, p *plan.Plan, results []collab.StepResult, v collab.ValidationReport) (collab.ConvergenceAssessment, error) {
	f.count(collab.CallAssessConvergence)
	if f.assessFn != nil {
		return f.assessFn(ctx, p, results, v)
	}
	return allComplete(p), nil
}

func (f *fakeCollabs) Refine(ctx context.Context, req collab.RefineRequest) ([]refine.Action, error) {
	f.count(collab.CallRefine)
	if f.refineFn != nil {
		return f.refineFn(ctx, req)
	}
	return nil, nil
}

func (f *fakeCollabs) Synthesize(ctx context.Context, in collab.SynthesisInput) (collab.FinalAnswer, error) {
	f.count(collab.CallSynthesize)
	if f.synthFn != nil {
		return f.synthFn(ctx, in)
	}
	return collab.FinalAnswer{AnswerText: fmt.Sprintf("answer after %d pass(es)", in.TotalPasses)}, nil
}

func (f *fakeCollabs) ExecuteStepBatch(ctx context.Context, steps []plan.Step) ([]collab.StepResult, error) {
	f.count(collab.CallExecuteBatch)
	if f.execFn != nil {
		return f.execFn(ctx, steps)
	}
	return completeAll(steps), nil
}

func (f *fakeCollabs) collaborators() collab.Collaborators {
	return collab.Collaborators{
		Profiler:    f,
		Planner:     f,
		Validator:   f,
		Assessor:    f,
		Refiner:     f,
		Synthesizer: f,
		Executor:    f,
	}
}

type recalibratorFunc func(ctx context.Context, task string, current collab.TaskProfile, signals collab.RecalibrationSignals) (collab.TaskProfile, error)

func (fn recalibratorFunc) RecalibrateProfile(ctx context.Context, task string, current collab.TaskProfile, signals collab.RecalibrationSignals) (collab.TaskProfile, error) {
	return fn(ctx, task, current, signals)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Retry = collab.RetryConfig{
		MaxAttempts:    2,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     time.Millisecond,
		BackoffFactor:  1,
	}
	return cfg
}

func newTestController(t *testing.T, f *fakeCollabs, cfg Config, opts ...Option) *Controller {
	t.Helper()
	return newControllerWith(t, f.collaborators(), cfg, opts...)
}

func newControllerWith(t *testing.T, collabs collab.Collaborators, cfg Config, opts ...Option) *Controller {
	t.Helper()
	n := 0
	base := []Option{
		WithConfig(cfg),
		WithLogger(discardLogger()),
		WithCorrelationIDs(func() string { return "corr-test" }),
		WithStepIDs(func() string {
			n++
			return fmt.Sprintf("added-%d", n)
		}),
	}
	c, err := New(collabs, append(base, opts...)...)
	require.NoError(t, err)
	return c
}

func independentPlan() *plan.Plan {
	return plan.New("answer the question", []*plan.Step{
		{ID: "s1", Description: "gather"},
		{ID: "s2", Description: "compare"},
	})
}

func chainPlan() *plan.Plan {
	return plan.New("answer the question", []*plan.Step{
		{ID: "s1", Description: "gather"},
		{ID: "s2", Description: "analyze", Dependencies: []string{"s1"}},
		{ID: "s3", Description: "conclude", Dependencies: []string{"s2"}},
	})
}

func singlePlan() *plan.Plan {
	return plan.New("answer the question", []*plan.Step{
		{ID: "s1", Description: "do everything"},
	})
}

func completeAll(steps []plan.Step) []collab.StepResult {
	out := make([]collab.StepResult, len(steps))
	for i, s := range steps {
		out[i] = collab.StepResult{
			StepID:         s.ID,
			Status:         plan.StatusComplete,
			Output:         "out-" + s.ID,
			HandoffContext: "ctx-" + s.ID,
			Clarity:        plan.ClarityClear,
		}
	}
	return out
}

func allComplete(p *plan.Plan) collab.ConvergenceAssessment {
	counts := p.CountByStatus()
	done := counts[plan.StatusComplete] == len(p.Steps)
	var completeness float64 = 1
	if len(p.Steps) > 0 {
		completeness = float64(counts[plan.StatusComplete]) / float64(len(p.Steps))
	}
	a := collab.DefaultThresholds().Assess(completeness, 1, 1, nil)
	a.Converged = a.Converged && done
	return a
}

func notConverged(ctx context.Context, p *plan.Plan, results []collab.StepResult, v collab.ValidationReport) (collab.ConvergenceAssessment, error) {
	return collab.DefaultThresholds().Assess(0.5, 1, 1, v.Issues), nil
}

func countState(states []State, s State) int {
	n := 0
	for _, st := range states {
		if st == s {
			n++
		}
	}
	return n
}
