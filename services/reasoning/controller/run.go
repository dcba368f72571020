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
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/AleutianAI/reasoncore/services/reasoning/budget"
	"github.com/AleutianAI/reasoncore/services/reasoning/collab"
	"github.com/AleutianAI/reasoncore/services/reasoning/history"
	"github.com/AleutianAI/reasoncore/services/reasoning/plan"
	"github.com/AleutianAI/reasoncore/services/reasoning/refine"
	"github.com/AleutianAI/reasoncore/services/reasoning/synth"
)

// reasonAssessmentUnavailable marks a pass whose assessor call failed.
const reasonAssessmentUnavailable = "assessment_unavailable"

// errAtomicInFlight rejects a dispatch while another atomic call runs.
var errAtomicInFlight = errors.New("atomic call already in flight")

// run is the per-task state. It is owned by a single Run call.
type run struct {
	c             *Controller
	task          string
	correlationID string
	logger        *slog.Logger

	state  State
	states []State

	profile collab.TaskProfile
	gov     *budget.Governor
	applier *refine.Applier
	rec     *history.Recorder

	plan       *plan.Plan
	results    []collab.StepResult
	validation *collab.ValidationReport
	assessment *collab.ConvergenceAssessment

	// blockedAtEvaluation is the blocked set seen by the last evaluation.
	blockedAtEvaluation []string

	current         *history.ExecutionPass
	pendingFailures []string

	recalibrations      int
	consecutiveFailures int

	reason       synth.TerminationReason
	ttlExhausted bool
	answer       collab.FinalAnswer
}

// step runs the current phase and returns the next state.
func (r *run) step(ctx context.Context) State {
	ctx, span := r.c.startPhaseSpan(ctx, r)
	defer span.End()

	switch r.state {
	case StateProfile:
		return r.profilePhase(ctx)
	case StatePlanPrep:
		return r.planPrepPhase(ctx)
	case StateExecute:
		return r.executePhase(ctx)
	case StateEvaluate:
		return r.evaluatePhase(ctx)
	case StateDecide:
		return r.decidePhase()
	case StateRefine:
		return r.refinePhase(ctx)
	case StateRecalibrate:
		return r.recalibratePhase(ctx)
	case StateSynthesize:
		return r.synthesizePhase(ctx)
	default:
		return StateDone
	}
}

// transition moves to next after validating it against the table. An
// illegal transition is an internal bug; the run is routed to synthesis
// (or ended, if synthesis already ran) so a final answer still exists.
func (r *run) transition(next State) {
	from := r.state
	if err := r.c.sm.Validate(from, next); err != nil {
		r.logger.Error("Illegal state transition",
			slog.String("error", err.Error()),
		)
		next = StateSynthesize
		if from == StateSynthesize {
			next = StateDone
		}
		if r.reason == "" {
			r.reason = synth.ReasonUnrecoverable
		}
	} else {
		r.logger.Debug("State transition",
			slog.String("from", string(from)),
			slog.String("to", string(next)),
			slog.String("reason", r.c.sm.TransitionReason(from, next)),
		)
	}
	transitionsTotal.WithLabelValues(string(from), string(next)).Inc()
	r.state = next
	r.states = append(r.states, next)
}

// profilePhase infers the profile and allocates the budget.
func (r *run) profilePhase(ctx context.Context) State {
	res := collab.Call(ctx, r.c.boundary, collab.CallInferProfile, func(ctx context.Context) (collab.TaskProfile, error) {
		return r.c.collabs.Profiler.InferProfile(ctx, r.task)
	})
	if res.OK {
		r.profile = res.Value
	} else {
		r.fail(collab.CallInferProfile, res.Err)
		r.profile = collab.DefaultProfile()
		r.logger.Warn("Profile inference failed, using default profile")
	}
	if r.profile.Version < 1 {
		r.profile.Version = 1
	}

	total := r.gov.Allocate(r.profile)
	budgetRemaining.Set(float64(total))
	r.logger.Info("Budget allocated",
		slog.Int("total", total),
		slog.Int("profile_version", r.profile.Version),
	)
	return StatePlanPrep
}

// planPrepPhase is pass 0: generate, validate and refine the initial plan.
func (r *run) planPrepPhase(ctx context.Context) State {
	r.beginPass(StatePlanPrep)

	res := collab.Call(ctx, r.c.boundary, collab.CallGeneratePlan, func(ctx context.Context) (*plan.Plan, error) {
		return r.c.collabs.Planner.GeneratePlan(ctx, r.task, r.profile)
	})
	if !res.OK || res.Value == nil {
		if res.OK {
			r.fail(collab.CallGeneratePlan, collab.ErrMalformedOutput)
		} else {
			r.fail(collab.CallGeneratePlan, res.Err)
		}
		r.sealPass()
		r.reason = synth.ReasonUnrecoverable
		if ctx.Err() != nil {
			r.reason = synth.ReasonCanceled
		}
		r.logger.Error("No plan available, ending run",
			slog.String("termination_reason", string(r.reason)),
		)
		return StateSynthesize
	}

	r.plan = preparePlan(res.Value)
	report := r.validate(ctx, collab.ArtifactPlan, nil)
	r.validation = &report
	r.current.EvaluationResults.Validation = &report
	if report.HasIssues() {
		r.refine(ctx, report.Issues, nil)
	}
	r.sealPass()

	if r.haltAt(ctx, budget.BetweenPasses) {
		return StateSynthesize
	}
	return StateExecute
}

// executePhase dispatches the ready batch.
func (r *run) executePhase(ctx context.Context) State {
	r.beginPass(StateExecute)

	ready := r.plan.ReadySteps()
	batch := make([]plan.Step, len(ready))
	for i, s := range ready {
		s.IncomingContext = r.incomingContext(s)
		s.Status = plan.StatusRunning
		batch[i] = *s.Clone()
	}

	var results []collab.StepResult
	if len(batch) > 0 {
		var partialErr error
		res := collab.Call(ctx, r.c.execBoundary, collab.CallExecuteBatch, func(ctx context.Context) ([]collab.StepResult, error) {
			if !r.gov.IsAtSafeBoundary(budget.BeforeAtomic) {
				return nil, errAtomicInFlight
			}
			r.gov.BeginAtomic()
			defer r.gov.EndAtomic()
			// A dispatched batch runs to completion; cancellation is
			// observed at the next boundary.
			out, err := r.c.collabs.Executor.ExecuteStepBatch(context.WithoutCancel(ctx), batch)
			if err != nil && len(out) > 0 {
				partialErr = err
				return out, nil
			}
			return out, err
		})
		if res.OK {
			results = res.Value
			if partialErr != nil {
				r.fail(collab.CallExecuteBatch, partialErr)
			}
		} else {
			r.fail(collab.CallExecuteBatch, res.Err)
		}
	}

	r.results = r.ingest(ready, results)
	r.current.ExecutionResults = r.results
	stepsExecutedTotal.Add(float64(len(ready)))
	r.logger.Info("Batch executed",
		slog.Int("pass_number", r.current.PassNumber),
		slog.Int("dispatched", len(ready)),
		slog.Int("returned", len(results)),
	)
	return StateEvaluate
}

// evaluatePhase validates the results and assesses convergence.
func (r *run) evaluatePhase(ctx context.Context) State {
	report := r.validate(ctx, collab.ArtifactResults, r.results)
	r.validation = &report

	snapshot := r.plan.Clone()
	results := append([]collab.StepResult(nil), r.results...)
	res := collab.Call(ctx, r.c.boundary, collab.CallAssessConvergence, func(ctx context.Context) (collab.ConvergenceAssessment, error) {
		return r.c.collabs.Assessor.AssessConvergence(ctx, snapshot, results, report)
	})
	assessment := res.Value
	if !res.OK {
		r.fail(collab.CallAssessConvergence, res.Err)
		assessment = collab.ConvergenceAssessment{ReasonCodes: []string{reasonAssessmentUnavailable}}
	}
	r.assessment = &assessment
	r.blockedAtEvaluation = r.plan.BlockedSteps()

	r.current.EvaluationResults = history.Evaluation{
		Validation: &report,
		Assessment: &assessment,
	}
	return StateDecide
}

// decidePhase consumes one budget unit and picks the next phase.
func (r *run) decidePhase() State {
	remaining := r.gov.Consume(1)
	budgetRemaining.Set(float64(remaining))

	switch {
	case r.assessment.Converged:
		r.sealPass()
		r.reason = synth.ReasonConverged
		return StateSynthesize
	case r.gov.IsExhausted() && r.gov.IsAtSafeBoundary(budget.AfterAtomic):
		r.sealPass()
		r.reason = synth.ReasonBudgetExhausted
		r.ttlExhausted = true
		return StateSynthesize
	default:
		return StateRefine
	}
}

// refinePhase refines the plan, seals the pass and checks the boundary.
func (r *run) refinePhase(ctx context.Context) State {
	var issues []collab.Issue
	if r.validation != nil {
		issues = append(issues, r.validation.Issues...)
	}
	issues = append(issues, r.assessment.Issues...)
	r.refine(ctx, issues, r.assessment.ReasonCodes)
	r.sealPass()
	return r.passBoundary(ctx)
}

// passBoundary decides what follows a sealed execution pass.
func (r *run) passBoundary(ctx context.Context) State {
	if r.haltAt(ctx, budget.BetweenPasses) {
		return StateSynthesize
	}
	switch {
	case r.c.cfg.MaxConsecutiveFailures > 0 && r.consecutiveFailures >= r.c.cfg.MaxConsecutiveFailures:
		r.reason = synth.ReasonUnrecoverable
		r.logger.Error("Too many consecutive failing passes",
			slog.Int("consecutive_failures", r.consecutiveFailures),
		)
		return StateSynthesize
	case r.shouldRecalibrate():
		return StateRecalibrate
	default:
		return StateExecute
	}
}

// shouldRecalibrate holds when the last evaluation did not converge, left
// at least one issue and at least one blocked step, and recalibrations
// remain.
func (r *run) shouldRecalibrate() bool {
	if r.recalibrations >= r.c.cfg.MaxRecalibrations {
		return false
	}
	if r.assessment == nil || r.assessment.Converged {
		return false
	}
	if r.validation == nil || !r.validation.HasIssues() {
		return false
	}
	return len(r.blockedAtEvaluation) > 0
}

// recalibratePhase replaces the profile and recomputes the budget.
func (r *run) recalibratePhase(ctx context.Context) State {
	r.recalibrations++
	recalibrationsTotal.Inc()

	signals := collab.RecalibrationSignals{
		PassNumber:   r.rec.Len() - 1,
		BlockedSteps: append([]string(nil), r.blockedAtEvaluation...),
	}
	if r.assessment != nil {
		signals.ReasonCodes = append([]string(nil), r.assessment.ReasonCodes...)
	}
	if r.validation != nil {
		signals.IssueCount = len(r.validation.Issues)
	}

	current := r.profile
	var res collab.Result[collab.TaskProfile]
	if r.c.collabs.Recalibrator != nil {
		res = collab.Call(ctx, r.c.boundary, collab.CallRecalibrateProfile, func(ctx context.Context) (collab.TaskProfile, error) {
			return r.c.collabs.Recalibrator.RecalibrateProfile(ctx, r.task, current, signals)
		})
	} else {
		res = collab.Call(ctx, r.c.boundary, collab.CallInferProfile, func(ctx context.Context) (collab.TaskProfile, error) {
			return r.c.collabs.Profiler.InferProfile(ctx, r.task)
		})
	}

	if res.OK {
		next := res.Value
		next.Version = current.Version + 1
		r.profile = next
		remaining := r.gov.Recalibrate(next)
		budgetRemaining.Set(float64(remaining))
		r.logger.Info("Profile recalibrated",
			slog.Int("profile_version", next.Version),
			slog.Int("total", r.gov.Total()),
			slog.Int("remaining", remaining),
		)
	} else {
		r.fail(collab.CallRecalibrateProfile, res.Err)
		r.logger.Warn("Recalibration failed, keeping current profile")
	}

	if r.haltAt(ctx, budget.BetweenPasses) {
		return StateSynthesize
	}
	return StateExecute
}

// haltAt returns true and records the termination reason when the run has
// to stop at boundary b because it was canceled or ran out of budget.
// Nothing is decided while an atomic call is in flight.
func (r *run) haltAt(ctx context.Context, b budget.Boundary) bool {
	if !r.gov.IsAtSafeBoundary(b) {
		return false
	}
	switch {
	case ctx.Err() != nil:
		r.reason = synth.ReasonCanceled
		r.logger.Info("Run canceled at boundary", slog.String("boundary", b.String()))
		return true
	case r.gov.IsExhausted():
		r.reason = synth.ReasonBudgetExhausted
		r.ttlExhausted = true
		return true
	default:
		return false
	}
}

// synthesizePhase produces the final answer. It runs detached from ctx so
// a canceled run still gets a collaborator attempt.
func (r *run) synthesizePhase(ctx context.Context) State {
	if r.current != nil {
		r.sealPass()
	}
	if r.reason == "" {
		r.reason = synth.ReasonUnrecoverable
	}

	converged := r.reason == synth.ReasonConverged
	in := synth.Build(synth.Snapshot{
		Request:       r.task,
		CorrelationID: r.correlationID,
		Converged:     converged,
		TTLRemaining:  r.gov.Remaining(),
		TTLExhausted:  r.ttlExhausted,
		Plan:          r.plan,
		Results:       r.results,
		Assessment:    r.assessment,
		Validation:    r.validation,
		Profile:       &r.profile,
		History:       r.rec,
	})
	r.answer = r.c.synth.Synthesize(context.WithoutCancel(ctx), in, r.reason)
	return StateDone
}

// refine asks the planner for actions and applies them, unless every
// targeted fragment is frozen or the global limit is spent.
func (r *run) refine(ctx context.Context, issues []collab.Issue, reasonCodes []string) {
	blocked := r.plan.BlockedSteps()
	if r.skipRefinement(issues, blocked) {
		r.logger.Info("Refinement skipped, targeted fragments frozen",
			slog.Int("issues", len(issues)),
			slog.Any("frozen", r.applier.FrozenFragments()),
		)
		refinementsSkippedTotal.Inc()
		return
	}

	req := collab.RefineRequest{
		Plan:         r.plan.Clone(),
		Issues:       append([]collab.Issue(nil), issues...),
		ReasonCodes:  append([]string(nil), reasonCodes...),
		BlockedSteps: blocked,
		ExecutedIDs:  r.plan.ExecutedIDs(),
	}
	res := collab.Call(ctx, r.c.boundary, collab.CallRefine, func(ctx context.Context) ([]refine.Action, error) {
		return r.c.collabs.Refiner.Refine(ctx, req)
	})
	if !res.OK {
		r.fail(collab.CallRefine, res.Err)
		return
	}
	if len(res.Value) == 0 {
		return
	}

	actions := r.attachSubplans(ctx, res.Value)
	next, outcome := r.applier.Apply(r.plan, actions)
	r.plan = next
	r.current.Refinements = &outcome
	if !outcome.Aborted {
		r.current.RefinementsApplied += outcome.Applied
	}
	r.logger.Info("Refinements applied",
		slog.Int("applied", outcome.Applied),
		slog.Int("rejected", outcome.Rejected),
		slog.Int("advisory_dropped", outcome.AdvisoryDropped),
		slog.Bool("aborted", outcome.Aborted),
		slog.Any("frozen", outcome.Frozen),
	)
}

// skipRefinement returns true when a planner call cannot change the plan.
func (r *run) skipRefinement(issues []collab.Issue, blocked []string) bool {
	if r.applier.GlobalExhausted() {
		return true
	}
	var targets []string
	for _, is := range issues {
		if is.StepID == "" {
			return false
		}
		targets = append(targets, is.StepID)
	}
	targets = append(targets, blocked...)
	if len(targets) == 0 {
		return false
	}
	for _, id := range targets {
		if !r.applier.Frozen(id) {
			return false
		}
	}
	return true
}

// attachSubplans resolves expand actions through the planner. Expansions
// beyond the depth limit are passed through so the applier rejects them.
func (r *run) attachSubplans(ctx context.Context, actions []refine.Action) []refine.Action {
	out := make([]refine.Action, len(actions))
	copy(out, actions)
	for i, act := range out {
		if !act.Payload.Expand || act.Payload.Subplan != nil {
			continue
		}
		parent, ok := r.plan.Step(act.Target.StepID)
		if !ok || parent.Status.IsFinal() {
			continue
		}
		depth := parent.Depth + 1
		if depth > r.applier.Limits().MaxDepth {
			continue
		}
		step := *parent.Clone()
		res := collab.Call(ctx, r.c.boundary, collab.CallCreateSubplan, func(ctx context.Context) (*plan.Plan, error) {
			return r.c.collabs.Planner.CreateSubplan(ctx, step, depth)
		})
		if !res.OK {
			r.fail(collab.CallCreateSubplan, res.Err)
			continue
		}
		out[i].Payload.Subplan = res.Value
	}
	return out
}

// validate runs the validator. A failed call yields an empty report.
func (r *run) validate(ctx context.Context, kind collab.ArtifactKind, results []collab.StepResult) collab.ValidationReport {
	artifact := collab.Artifact{
		Plan:    r.plan.Clone(),
		Results: append([]collab.StepResult(nil), results...),
	}
	res := collab.Call(ctx, r.c.boundary, collab.CallValidate, func(ctx context.Context) (collab.ValidationReport, error) {
		return r.c.collabs.Validator.Validate(ctx, artifact, kind)
	})
	if !res.OK {
		r.fail(collab.CallValidate, res.Err)
		return collab.ValidationReport{}
	}
	return res.Value
}

// ingest writes results into the dispatched steps. The first result per
// dispatched id wins; results for other ids are ignored. Steps without a
// result are marked failed. The returned slice follows batch order.
func (r *run) ingest(ready []*plan.Step, results []collab.StepResult) []collab.StepResult {
	byID := make(map[string]collab.StepResult, len(results))
	for _, res := range results {
		if _, seen := byID[res.StepID]; !seen {
			byID[res.StepID] = res
		}
	}

	out := make([]collab.StepResult, 0, len(ready))
	for _, s := range ready {
		res, ok := byID[s.ID]
		if !ok {
			res = collab.StepResult{
				StepID: s.ID,
				Status: plan.StatusFailed,
				Error:  "no result returned for step",
			}
		}
		s.Status = res.Status
		s.Output = res.Output
		s.HandoffContext = res.HandoffContext
		s.Clarity = res.Clarity
		out = append(out, res)
	}
	return out
}

// incomingContext joins the handoff context of a step's dependencies.
func (r *run) incomingContext(s *plan.Step) string {
	var parts []string
	for _, dep := range s.Dependencies {
		if d, ok := r.plan.Step(dep); ok && d.HandoffContext != "" {
			parts = append(parts, d.HandoffContext)
		}
	}
	return strings.Join(parts, "\n")
}

// fail records a collaborator failure on the open pass, or queues it for
// the next one.
func (r *run) fail(call string, err error) {
	msg := call
	if err != nil {
		msg = call + ": " + err.Error()
	}
	r.logger.Warn("Collaborator call failed",
		slog.String("call", call),
		slog.String("error", msg),
	)
	if r.current != nil {
		r.current.Failures = append(r.current.Failures, msg)
		return
	}
	r.pendingFailures = append(r.pendingFailures, msg)
}

func (r *run) beginPass(phase State) {
	r.current = &history.ExecutionPass{
		PassNumber:     r.rec.NextPassNumber(),
		PhaseAtEntry:   string(phase),
		StartedAt:      time.Now(),
		ProfileVersion: r.profile.Version,
		Failures:       r.pendingFailures,
	}
	r.pendingFailures = nil
}

func (r *run) sealPass() {
	p := r.current
	if p == nil {
		return
	}
	p.EndedAt = time.Now()
	p.TTLRemainingAfter = r.gov.Remaining()
	p.PlanSnapshot = r.plan
	if err := r.rec.Seal(*p); err != nil {
		r.logger.Error("Pass could not be sealed",
			slog.Int("pass_number", p.PassNumber),
			slog.String("error", err.Error()),
		)
	}
	if len(p.Failures) > 0 {
		r.consecutiveFailures++
	} else {
		r.consecutiveFailures = 0
	}
	r.current = nil
}

func (r *run) result() *RunResult {
	return &RunResult{
		CorrelationID:     r.correlationID,
		FinalAnswer:       r.answer,
		TerminationReason: r.reason,
		States:            append([]State(nil), r.states...),
		History:           r.rec.Passes(),
		Stats:             r.rec.Stats(),
		Profile:           r.profile,
		Budget: BudgetSummary{
			Total:     r.gov.Total(),
			Consumed:  r.gov.Consumed(),
			Remaining: r.gov.Remaining(),
		},
		Recalibrations:  r.recalibrations,
		FrozenFragments: r.applier.FrozenFragments(),
	}
}

// preparePlan normalizes a generated plan and resets it to pending so no
// step is treated as executed before pass 1.
func preparePlan(p *plan.Plan) *plan.Plan {
	out := p.Clone()
	for _, s := range out.Steps {
		s.Status = plan.StatusPending
		s.Output = ""
		s.HandoffContext = ""
		s.IncomingContext = ""
		s.Clarity = ""
	}
	out.Normalize()
	return out
}
