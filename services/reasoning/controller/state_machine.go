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
	"fmt"
	"sort"
)

// StateMachine holds the legal transition table.
//
// The state machine enforces the following transition graph:
//
//	A_PROFILE     → B_PLAN_PREP   : Profile and budget obtained
//	B_PLAN_PREP   → C_EXECUTE     : Pass 0 sealed
//	B_PLAN_PREP   → E_SYNTHESIZE  : No plan, or canceled at the boundary
//	C_EXECUTE     → C_EVALUATE    : Batch returned and results ingested
//	C_EVALUATE    → C_DECIDE      : Validation and assessment available
//	C_DECIDE      → E_SYNTHESIZE  : Converged, or budget exhausted
//	C_DECIDE      → C_REFINE      : Not converged, budget remains
//	C_REFINE      → C_EXECUTE     : Pass sealed, next pass
//	C_REFINE      → D_RECALIBRATE : Not converged, issues and blocked steps
//	C_REFINE      → E_SYNTHESIZE  : Canceled, exhausted or unrecoverable
//	D_RECALIBRATE → C_EXECUTE     : Profile replaced, budget remains
//	D_RECALIBRATE → E_SYNTHESIZE  : Recalibration exhausted the budget
//	E_SYNTHESIZE  → DONE          : Final answer produced
//
// Thread Safety:
//
//	StateMachine is immutable after construction and safe for concurrent use.
type StateMachine struct {
	transitions map[State]map[State]bool
	reasons     map[State]map[State]string
}

// NewStateMachine creates a state machine with all valid transitions.
func NewStateMachine() *StateMachine {
	sm := &StateMachine{
		transitions: make(map[State]map[State]bool),
		reasons:     make(map[State]map[State]string),
	}
	for _, s := range AllStates() {
		sm.transitions[s] = make(map[State]bool)
		sm.reasons[s] = make(map[State]string)
	}

	sm.addTransition(StateProfile, StatePlanPrep, "Profile and budget obtained")

	sm.addTransition(StatePlanPrep, StateExecute, "Initial plan prepared")
	sm.addTransition(StatePlanPrep, StateSynthesize, "No plan available or run canceled")

	sm.addTransition(StateExecute, StateEvaluate, "Ready batch executed")

	sm.addTransition(StateEvaluate, StateDecide, "Validation and assessment available")

	sm.addTransition(StateDecide, StateSynthesize, "Converged or budget exhausted")
	sm.addTransition(StateDecide, StateRefine, "Not converged, budget remains")

	sm.addTransition(StateRefine, StateExecute, "Refinements applied, next pass")
	sm.addTransition(StateRefine, StateRecalibrate, "Blocked steps and open issues suggest a wrong profile")
	sm.addTransition(StateRefine, StateSynthesize, "Canceled, exhausted or unrecoverable at pass boundary")

	sm.addTransition(StateRecalibrate, StateExecute, "Profile recalibrated")
	sm.addTransition(StateRecalibrate, StateSynthesize, "Recalibration left no budget")

	sm.addTransition(StateSynthesize, StateDone, "Final answer produced")

	return sm
}

func (sm *StateMachine) addTransition(from, to State, reason string) {
	sm.transitions[from][to] = true
	sm.reasons[from][to] = reason
}

// CanTransition checks if a transition is in the table.
func (sm *StateMachine) CanTransition(from, to State) bool {
	if toMap, ok := sm.transitions[from]; ok {
		return toMap[to]
	}
	return false
}

// Validate returns ErrInvalidTransition if from → to is not allowed.
func (sm *StateMachine) Validate(from, to State) error {
	if !sm.CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// ValidTransitionsFrom returns the legal targets of a state, sorted.
func (sm *StateMachine) ValidTransitionsFrom(from State) []State {
	var out []State
	for to, ok := range sm.transitions[from] {
		if ok {
			out = append(out, to)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// TransitionReason describes why a transition occurs.
func (sm *StateMachine) TransitionReason(from, to State) string {
	if r, ok := sm.reasons[from][to]; ok {
		return r
	}
	return "Unknown transition"
}

// DefaultStateMachine is the shared transition table.
var DefaultStateMachine = NewStateMachine()
