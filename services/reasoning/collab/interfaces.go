// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package collab

import (
	"context"

	"github.com/AleutianAI/reasoncore/services/reasoning/plan"
	"github.com/AleutianAI/reasoncore/services/reasoning/refine"
)

// Profiler infers a task profile from the request.
type Profiler interface {
	InferProfile(ctx context.Context, task string) (TaskProfile, error)
}

// Recalibrator produces an updated profile at a pass boundary.
//
// Optional. When absent the controller re-runs Profiler.InferProfile.
type Recalibrator interface {
	RecalibrateProfile(ctx context.Context, task string, current TaskProfile, signals RecalibrationSignals) (TaskProfile, error)
}

// Planner generates plans and subplans.
type Planner interface {
	// GeneratePlan produces the initial plan for a task.
	GeneratePlan(ctx context.Context, task string, profile TaskProfile) (*plan.Plan, error)

	// CreateSubplan expands a step into a child plan at the given depth.
	CreateSubplan(ctx context.Context, parent plan.Step, depth int) (*plan.Plan, error)
}

// Validator inspects a plan or a plan with results.
type Validator interface {
	Validate(ctx context.Context, artifact Artifact, kind ArtifactKind) (ValidationReport, error)
}

// ConvergenceAssessor judges whether a pass converged.
type ConvergenceAssessor interface {
	AssessConvergence(ctx context.Context, p *plan.Plan, results []StepResult, validation ValidationReport) (ConvergenceAssessment, error)
}

// Refiner proposes structural edits to a plan.
type Refiner interface {
	Refine(ctx context.Context, req RefineRequest) ([]refine.Action, error)
}

// Synthesizer produces the final answer.
type Synthesizer interface {
	Synthesize(ctx context.Context, input SynthesisInput) (FinalAnswer, error)
}

// Repairer rewrites a malformed payload so it conforms to a schema.
type Repairer interface {
	RepairMalformedOutput(ctx context.Context, raw string, expectedSchema string) (string, error)
}

// BatchExecutor executes a batch of ready steps.
//
// Description:
//
//	A result may be missing for any step; the controller marks such steps
//	failed. A non-nil error with partial results is allowed.
type BatchExecutor interface {
	ExecuteStepBatch(ctx context.Context, steps []plan.Step) ([]StepResult, error)
}

// Collaborators bundles every collaborator the controller uses.
//
// Recalibrator and Repairer may be nil.
type Collaborators struct {
	Profiler     Profiler
	Recalibrator Recalibrator
	Planner      Planner
	Validator    Validator
	Assessor     ConvergenceAssessor
	Refiner      Refiner
	Synthesizer  Synthesizer
	Repairer     Repairer
	Executor     BatchExecutor
}

// Missing returns the names of required collaborators that are nil.
func (c Collaborators) Missing() []string {
	var missing []string
	required := []struct {
		name   string
		absent bool
	}{
		{"profiler", c.Profiler == nil},
		{"planner", c.Planner == nil},
		{"validator", c.Validator == nil},
		{"assessor", c.Assessor == nil},
		{"refiner", c.Refiner == nil},
		{"synthesizer", c.Synthesizer == nil},
		{"executor", c.Executor == nil},
	}
	for _, r := range required {
		if r.absent {
			missing = append(missing, r.name)
		}
	}
	return missing
}
