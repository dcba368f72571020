// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package plan implements the declarative plan model shared by every phase
// of the reasoning controller.
//
// A Plan is an ordered set of Steps forming a dependency DAG. Steps move
// through pending → running → complete|failed, and a complete step may be
// marked invalid by a refinement that conflicts with it. Once a step is
// complete or failed its id, description, dependencies and output are
// frozen.
//
// Thread Safety:
//
//	Plan values are NOT safe for concurrent mutation. The controller owns
//	the live plan; collaborators only ever receive clones.
package plan

import "errors"

// CurrentSchemaVersion is the plan schema version produced by this package.
const CurrentSchemaVersion = 1

// Sentinel errors for plan validation.
var (
	// ErrDuplicateStepID indicates two steps share an id.
	ErrDuplicateStepID = errors.New("duplicate step id")

	// ErrUnknownDependency indicates a dependency references a missing step.
	ErrUnknownDependency = errors.New("unknown dependency")

	// ErrCycle indicates the dependency graph is not acyclic.
	ErrCycle = errors.New("dependency cycle")

	// ErrEmptyStepID indicates a step has no id.
	ErrEmptyStepID = errors.New("step id must not be empty")
)

// StepStatus is the lifecycle status of a step.
type StepStatus string

const (
	// StatusPending is a step waiting for its dependencies or for dispatch.
	StatusPending StepStatus = "pending"

	// StatusRunning is a step dispatched in the current batch.
	StatusRunning StepStatus = "running"

	// StatusComplete is a step that executed successfully.
	StatusComplete StepStatus = "complete"

	// StatusFailed is a step whose execution failed.
	StatusFailed StepStatus = "failed"

	// StatusInvalid is a formerly complete step invalidated by a conflicting
	// refinement. Its output is retained.
	StatusInvalid StepStatus = "invalid"
)

// String returns the status as a string.
func (s StepStatus) String() string {
	return string(s)
}

// IsFinal returns true for complete and failed steps, whose frozen fields
// may never change again.
func (s StepStatus) IsFinal() bool {
	return s == StatusComplete || s == StatusFailed
}

// Clarity is the executor's judgement of how well-specified a step was.
type Clarity string

const (
	// ClarityUnset means no clarity signal was reported.
	ClarityUnset Clarity = ""

	// ClarityClear means the step was fully actionable.
	ClarityClear Clarity = "clear"

	// ClarityPartial means the step was actionable with assumptions.
	ClarityPartial Clarity = "partial"

	// ClarityBlocked means the step could not be acted on as written.
	ClarityBlocked Clarity = "blocked"
)

// Step is a single unit of work in a plan.
type Step struct {
	// ID is the stable step identifier. Frozen once final.
	ID string `json:"id" yaml:"id" validate:"required"`

	// Index is the zero-based position of the step in the plan.
	Index int `json:"index" yaml:"index"`

	// TotalCount is the number of steps in the plan at last reindex.
	TotalCount int `json:"total_count" yaml:"total_count"`

	// Description is the step instruction. Frozen once final.
	Description string `json:"description" yaml:"description" validate:"required"`

	// Dependencies are ids of steps that must complete first. Frozen once final.
	Dependencies []string `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`

	// Provides lists artifact ids this step produces.
	Provides []string `json:"provides,omitempty" yaml:"provides,omitempty"`

	// Status is the lifecycle status.
	Status StepStatus `json:"status" yaml:"status" validate:"omitempty,oneof=pending running complete failed invalid"`

	// Output is the execution output. Frozen once final.
	Output string `json:"output,omitempty" yaml:"output,omitempty"`

	// IncomingContext is context handed to the step by its dependencies.
	IncomingContext string `json:"incoming_context,omitempty" yaml:"incoming_context,omitempty"`

	// HandoffContext is context this step hands to its dependents.
	HandoffContext string `json:"handoff_context,omitempty" yaml:"handoff_context,omitempty"`

	// Clarity is the executor's clarity signal for the step.
	Clarity Clarity `json:"clarity,omitempty" yaml:"clarity,omitempty" validate:"omitempty,oneof=clear partial blocked"`

	// Depth is the subplan nesting depth (0 for top-level steps).
	Depth int `json:"depth,omitempty" yaml:"depth,omitempty" validate:"gte=0"`

	// ParentID is the step this one was expanded from, if any.
	ParentID string `json:"parent_id,omitempty" yaml:"parent_id,omitempty"`

	// ManualIntervention is set when refinement limits froze this fragment.
	ManualIntervention bool `json:"manual_intervention,omitempty" yaml:"manual_intervention,omitempty"`
}

// Plan is the declarative, mutable-in-place tree of steps.
type Plan struct {
	// Goal is the plan objective.
	Goal string `json:"goal" yaml:"goal" validate:"required"`

	// Steps is the ordered step sequence.
	Steps []*Step `json:"steps" yaml:"steps" validate:"dive"`

	// SchemaVersion is the plan schema version.
	SchemaVersion int `json:"schema_version" yaml:"schema_version"`

	// Revision counts committed refinement batches that changed the plan.
	Revision int `json:"revision" yaml:"revision"`
}
