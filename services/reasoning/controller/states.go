// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package controller sequences the phases of a multi-pass reasoning run.
//
// A run moves through profile and budget allocation, one plan preparation
// pass (pass 0), repeated execute/evaluate/decide/refine passes and an
// unconditional synthesis. Collaborators return typed signals; only the
// controller decides which state comes next, so a fixed sequence of
// collaborator decisions always yields the same state sequence.
//
// Thread Safety:
//
//	A Controller may run several tasks concurrently. Each Run owns its
//	plan, budget, limiters and history exclusively.
package controller

import "errors"

// Sentinel errors for the controller. Collaborator behaviour never
// produces an error from Run; these signal caller misuse or internal bugs.
var (
	// ErrInvalidTransition indicates a transition missing from the table.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrNilDependency indicates a required collaborator is nil.
	ErrNilDependency = errors.New("required collaborator is nil")

	// ErrEmptyTask indicates an empty task.
	ErrEmptyTask = errors.New("task must not be empty")
)

// State is a controller phase.
type State string

const (
	StateProfile     State = "A_PROFILE"
	StatePlanPrep    State = "B_PLAN_PREP"
	StateExecute     State = "C_EXECUTE"
	StateEvaluate    State = "C_EVALUATE"
	StateDecide      State = "C_DECIDE"
	StateRefine      State = "C_REFINE"
	StateRecalibrate State = "D_RECALIBRATE"
	StateSynthesize  State = "E_SYNTHESIZE"
	StateDone        State = "DONE"
)

// String returns the state name.
func (s State) String() string {
	return string(s)
}

// IsTerminal returns true for DONE.
func (s State) IsTerminal() bool {
	return s == StateDone
}

// AllStates returns every state in declaration order.
func AllStates() []State {
	return []State{
		StateProfile,
		StatePlanPrep,
		StateExecute,
		StateEvaluate,
		StateDecide,
		StateRefine,
		StateRecalibrate,
		StateSynthesize,
		StateDone,
	}
}
