// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package scripted

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/reasoncore/services/reasoning/collab"
	"github.com/AleutianAI/reasoncore/services/reasoning/dispatch"
	"github.com/AleutianAI/reasoncore/services/reasoning/plan"
	"github.com/AleutianAI/reasoncore/services/reasoning/refine"
)

// Script replays a Scenario. It implements every collaborator interface.
//
// Thread Safety: Safe for concurrent use.
type Script struct {
	scenario   *Scenario
	thresholds collab.Thresholds
	executor   *dispatch.ParallelExecutor
	fail       map[string]bool

	mu           sync.Mutex
	calls        map[string]int
	dispatches   map[string]int
	resultChecks int
	assessments  int
	refinements  int
}

// Option configures a Script.
type Option func(*scriptConfig)

type scriptConfig struct {
	thresholds  collab.Thresholds
	concurrency int
	stepTimeout time.Duration
	logger      *slog.Logger
}

// WithThresholds sets the convergence thresholds used by the assessor.
func WithThresholds(t collab.Thresholds) Option {
	return func(c *scriptConfig) {
		c.thresholds = t
	}
}

// WithConcurrency bounds parallel step execution.
func WithConcurrency(n int) Option {
	return func(c *scriptConfig) {
		c.concurrency = n
	}
}

// WithStepTimeout bounds each scripted step.
func WithStepTimeout(d time.Duration) Option {
	return func(c *scriptConfig) {
		c.stepTimeout = d
	}
}

// WithLogger sets the logger for the step executor.
func WithLogger(l *slog.Logger) Option {
	return func(c *scriptConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewScript creates a Script for s.
func NewScript(s *Scenario, opts ...Option) (*Script, error) {
	if s == nil {
		return nil, fmt.Errorf("%w: nil scenario", ErrInvalidScenario)
	}
	cfg := scriptConfig{thresholds: collab.DefaultThresholds(), logger: slog.Default()}
	for _, opt := range opts {
		opt(&cfg)
	}

	sc := &Script{
		scenario:   s,
		thresholds: cfg.thresholds,
		fail:       make(map[string]bool, len(s.Fail)),
		calls:      make(map[string]int),
		dispatches: make(map[string]int),
	}
	for _, name := range s.Fail {
		sc.fail[name] = true
	}
	exec, err := dispatch.NewParallelExecutor(dispatch.StepRunnerFunc(sc.runStep),
		dispatch.WithConcurrency(cfg.concurrency),
		dispatch.WithStepTimeout(cfg.stepTimeout),
		dispatch.WithLogger(cfg.logger),
	)
	if err != nil {
		return nil, err
	}
	sc.executor = exec
	return sc, nil
}

// Collaborators returns the script wired as every collaborator. The
// recalibrator is set only when the scenario scripts one.
func (s *Script) Collaborators() collab.Collaborators {
	c := collab.Collaborators{
		Profiler:    s,
		Planner:     s,
		Validator:   s,
		Assessor:    s,
		Refiner:     s,
		Synthesizer: s,
		Executor:    s,
	}
	if s.scenario.Recalibrated != nil {
		c.Recalibrator = s
	}
	return c
}

// Calls returns how many times the named collaborator call was made.
func (s *Script) Calls(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[name]
}

func (s *Script) enter(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[name]++
	if s.fail[name] {
		return collab.Unavailable(fmt.Errorf("scripted failure: %s", name))
	}
	return nil
}

// InferProfile implements collab.Profiler.
func (s *Script) InferProfile(ctx context.Context, task string) (collab.TaskProfile, error) {
	if err := s.enter(collab.CallInferProfile); err != nil {
		return collab.TaskProfile{}, err
	}
	if s.scenario.Profile == nil {
		return collab.TaskProfile{}, collab.Unavailable(fmt.Errorf("no profile scripted"))
	}
	return *s.scenario.Profile, nil
}

// RecalibrateProfile implements collab.Recalibrator.
func (s *Script) RecalibrateProfile(ctx context.Context, task string, current collab.TaskProfile, signals collab.RecalibrationSignals) (collab.TaskProfile, error) {
	if err := s.enter(collab.CallRecalibrateProfile); err != nil {
		return collab.TaskProfile{}, err
	}
	if s.scenario.Recalibrated == nil {
		return current, nil
	}
	return *s.scenario.Recalibrated, nil
}

// GeneratePlan implements collab.Planner.
func (s *Script) GeneratePlan(ctx context.Context, task string, profile collab.TaskProfile) (*plan.Plan, error) {
	if err := s.enter(collab.CallGeneratePlan); err != nil {
		return nil, err
	}
	if s.scenario.Plan == nil {
		return nil, fmt.Errorf("no plan scripted")
	}
	return s.scenario.Plan.Clone(), nil
}

// CreateSubplan implements collab.Planner.
func (s *Script) CreateSubplan(ctx context.Context, parent plan.Step, depth int) (*plan.Plan, error) {
	if err := s.enter(collab.CallCreateSubplan); err != nil {
		return nil, err
	}
	sub, ok := s.scenario.Subplans[parent.ID]
	if !ok {
		return nil, fmt.Errorf("no subplan scripted for %s", parent.ID)
	}
	return sub.Clone(), nil
}

// Validate implements collab.Validator.
func (s *Script) Validate(ctx context.Context, artifact collab.Artifact, kind collab.ArtifactKind) (collab.ValidationReport, error) {
	if err := s.enter(collab.CallValidate); err != nil {
		return collab.ValidationReport{}, err
	}
	if kind == collab.ArtifactPlan {
		return report(s.scenario.PlanIssues), nil
	}
	s.mu.Lock()
	i := s.resultChecks
	s.resultChecks++
	s.mu.Unlock()
	return report(pick(s.scenario.ResultIssues, i)), nil
}

// AssessConvergence implements collab.ConvergenceAssessor.
func (s *Script) AssessConvergence(ctx context.Context, p *plan.Plan, results []collab.StepResult, validation collab.ValidationReport) (collab.ConvergenceAssessment, error) {
	if err := s.enter(collab.CallAssessConvergence); err != nil {
		return collab.ConvergenceAssessment{}, err
	}
	s.mu.Lock()
	i := s.assessments
	s.assessments++
	s.mu.Unlock()

	var sc Scores
	if len(s.scenario.Assessments) > 0 {
		sc = pick(s.scenario.Assessments, i)
	} else {
		sc = Scores{Completeness: completeShare(p), Coherence: 1, Consistency: 1}
	}
	return s.thresholds.Assess(sc.Completeness, sc.Coherence, sc.Consistency, validation.Issues), nil
}

// Refine implements collab.Refiner.
func (s *Script) Refine(ctx context.Context, req collab.RefineRequest) ([]refine.Action, error) {
	if err := s.enter(collab.CallRefine); err != nil {
		return nil, err
	}
	s.mu.Lock()
	i := s.refinements
	s.refinements++
	s.mu.Unlock()
	if i >= len(s.scenario.Refinements) {
		return nil, nil
	}
	batch := s.scenario.Refinements[i]
	out := make([]refine.Action, len(batch))
	copy(out, batch)
	return out, nil
}

// Synthesize implements collab.Synthesizer.
func (s *Script) Synthesize(ctx context.Context, in collab.SynthesisInput) (collab.FinalAnswer, error) {
	if err := s.enter(collab.CallSynthesize); err != nil {
		return collab.FinalAnswer{}, err
	}
	answer := collab.FinalAnswer{AnswerText: s.scenario.Answer}
	if in.Plan != nil {
		var parts []string
		for _, st := range in.Plan.Steps {
			if st.Status == plan.StatusComplete {
				answer.UsedStepIDs = append(answer.UsedStepIDs, st.ID)
				if st.Output != "" {
					parts = append(parts, st.Output)
				}
			}
		}
		if answer.AnswerText == "" {
			answer.AnswerText = strings.Join(parts, "\n")
		}
	}
	if strings.TrimSpace(answer.AnswerText) == "" {
		answer.AnswerText = "No step produced output."
	}
	if in.Assessment != nil {
		c := in.Assessment.Completeness
		answer.Confidence = &c
	}
	return answer, nil
}

// ExecuteStepBatch implements collab.BatchExecutor through the parallel
// executor.
func (s *Script) ExecuteStepBatch(ctx context.Context, steps []plan.Step) ([]collab.StepResult, error) {
	if err := s.enter(collab.CallExecuteBatch); err != nil {
		return nil, err
	}
	return s.executor.ExecuteStepBatch(ctx, steps)
}

func (s *Script) runStep(ctx context.Context, step plan.Step) (collab.StepResult, error) {
	s.mu.Lock()
	n := s.dispatches[step.ID]
	s.dispatches[step.ID]++
	s.mu.Unlock()

	script, ok := s.scenario.Executions[step.ID]
	if !ok || len(script) == 0 {
		return collab.StepResult{
			Status:         plan.StatusComplete,
			Output:         "done: " + step.Description,
			HandoffContext: step.ID,
			Clarity:        plan.ClarityClear,
		}, nil
	}
	return pick(script, n), nil
}

func report(issues []collab.Issue) collab.ValidationReport {
	r := collab.ValidationReport{Issues: append([]collab.Issue(nil), issues...)}
	r.Severity = r.MaxSeverity()
	return r
}

// pick returns list[i], or the last entry when i is past the end, or the
// zero value for an empty list.
func pick[T any](list []T, i int) T {
	var zero T
	if len(list) == 0 {
		return zero
	}
	if i >= len(list) {
		i = len(list) - 1
	}
	return list[i]
}

func completeShare(p *plan.Plan) float64 {
	if p == nil || len(p.Steps) == 0 {
		return 1
	}
	return float64(p.CountByStatus()[plan.StatusComplete]) / float64(len(p.Steps))
}
