// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package refine applies batches of structural edits to a plan.
//
// The Applier never mutates its input plan: it edits a working copy and
// returns it at the end of the batch. Edits that would change a finalized
// step, introduce a cycle or reference an unknown step are rejected one by
// one without aborting the batch. Per-fragment and global attempt limiters
// bound how often the same part of a plan can be edited in one run.
//
// Thread Safety:
//
//	Applier is NOT safe for concurrent use. One Applier serves one run.
package refine

import (
	"errors"
	"fmt"

	"github.com/AleutianAI/reasoncore/services/reasoning/plan"
)

// Sentinel errors for refinement.
var (
	// ErrRefinementLimitExceeded indicates a per-fragment or global limiter
	// refused the action.
	ErrRefinementLimitExceeded = errors.New("refinement limit exceeded")

	// ErrNestingDepthExceeded indicates a subplan would exceed the depth limit.
	ErrNestingDepthExceeded = errors.New("subplan nesting depth exceeded")

	// ErrInvariantViolation indicates an attempted mutation of a finalized step.
	ErrInvariantViolation = errors.New("invariant violation")

	// ErrUnknownTarget indicates the action target does not exist.
	ErrUnknownTarget = errors.New("unknown refinement target")

	// ErrInvalidAction indicates an action that is structurally unusable.
	ErrInvalidAction = errors.New("invalid refinement action")

	// ErrCycle aliases plan.ErrCycle.
	ErrCycle = plan.ErrCycle

	// ErrUnknownDependency aliases plan.ErrUnknownDependency.
	ErrUnknownDependency = plan.ErrUnknownDependency
)

// ActionKind is the kind of structural edit.
type ActionKind string

const (
	KindAdd    ActionKind = "add"
	KindModify ActionKind = "modify"
	KindRemove ActionKind = "remove"
)

// Source distinguishes structural refinements from advisory repairs.
type Source string

const (
	// SourcePlanner marks a structural refinement. The default.
	SourcePlanner Source = "planner"

	// SourceRepair marks an advisory suggestion. It loses every conflict
	// with a structural action on the same fragment.
	SourceRepair Source = "repair"
)

// SectionGoal is the only named plan section an action may target.
const SectionGoal = "goal"

// Target identifies what an action edits: a step or a named plan section.
type Target struct {
	StepID  string `json:"step_id,omitempty" yaml:"step_id,omitempty"`
	Section string `json:"section,omitempty" yaml:"section,omitempty" validate:"omitempty,oneof=goal"`
}

// IsZero returns true if neither a step nor a section is targeted.
func (t Target) IsZero() bool {
	return t.StepID == "" && t.Section == ""
}

// Payload carries the content of an edit.
type Payload struct {
	// ID is the id for an added step. Generated when empty.
	ID string `json:"id,omitempty" yaml:"id,omitempty"`

	// Description replaces (modify) or sets (add) the step description.
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// Dependencies replaces (modify, when non-nil) or sets (add) deps.
	Dependencies []string `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`

	// Provides replaces (modify, when non-nil) or sets (add) artifacts.
	Provides []string `json:"provides,omitempty" yaml:"provides,omitempty"`

	// Goal is the new plan goal for section "goal".
	Goal string `json:"goal,omitempty" yaml:"goal,omitempty"`

	// Expand requests subplan expansion of the targeted step.
	Expand bool `json:"expand,omitempty" yaml:"expand,omitempty"`

	// Subplan is the child plan attached by the host before Apply.
	Subplan *plan.Plan `json:"subplan,omitempty" yaml:"subplan,omitempty"`
}

// Action is a single structural edit proposed by the planner.
type Action struct {
	Kind                  ActionKind `json:"kind" yaml:"kind" validate:"oneof=add modify remove"`
	Target                Target     `json:"target" yaml:"target"`
	Payload               Payload    `json:"payload" yaml:"payload"`
	Reason                string     `json:"reason,omitempty" yaml:"reason,omitempty"`
	TriggeringIssues      []string   `json:"triggering_issues,omitempty" yaml:"triggering_issues,omitempty"`
	ConflictsWithExecuted bool       `json:"conflicts_with_executed,omitempty" yaml:"conflicts_with_executed,omitempty"`
	Source                Source     `json:"source,omitempty" yaml:"source,omitempty" validate:"omitempty,oneof=planner repair"`
}

// Validate checks the action shape the struct tags cannot express.
func (a Action) Validate() error {
	switch a.Kind {
	case KindAdd:
		if a.Payload.Description == "" {
			return fmt.Errorf("%w: add requires a description", ErrInvalidAction)
		}
		if a.Target.Section != "" {
			return fmt.Errorf("%w: add cannot target a section", ErrInvalidAction)
		}
	case KindModify:
		if a.Target.IsZero() {
			return fmt.Errorf("%w: modify requires a target", ErrInvalidAction)
		}
	case KindRemove:
		if a.Target.StepID == "" {
			return fmt.Errorf("%w: remove requires a step target", ErrInvalidAction)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidAction, a.Kind)
	}
	return nil
}

// IsAdvisory returns true for repair-sourced suggestions.
func (a Action) IsAdvisory() bool {
	return a.Source == SourceRepair
}

// FragmentKey returns the limiter key for an action.
//
// Description:
//
//	The targeted step id, else "section:<name>", else the payload id of an
//	added step, else "plan".
func FragmentKey(a Action) string {
	switch {
	case a.Target.StepID != "":
		return a.Target.StepID
	case a.Target.Section != "":
		return "section:" + a.Target.Section
	case a.Payload.ID != "":
		return a.Payload.ID
	default:
		return "plan"
	}
}

// Status is the per-action result of a batch.
type Status string

const (
	StatusApplied         Status = "applied"
	StatusRejected        Status = "rejected"
	StatusInvalidated     Status = "invalidated"
	StatusAdvisoryDropped Status = "advisory_dropped"
)

// ActionResult records what happened to one action.
type ActionResult struct {
	Index    int    `json:"index"`
	Action   Action `json:"action"`
	Fragment string `json:"fragment"`
	Status   Status `json:"status"`
	Error    string `json:"error,omitempty"`

	err error
}

// Err returns the rejection cause, if any.
func (r ActionResult) Err() error {
	return r.err
}

// Outcome summarizes an applied batch.
type Outcome struct {
	Results []ActionResult `json:"results,omitempty"`

	// Applied counts actions that changed the plan, invalidations included.
	Applied int `json:"applied"`

	// Rejected counts refused actions.
	Rejected int `json:"rejected"`

	// AdvisoryDropped counts repair suggestions discarded in favour of
	// a structural action.
	AdvisoryDropped int `json:"advisory_dropped"`

	// Added, Removed and Modified list affected step ids.
	Added    []string `json:"added,omitempty"`
	Removed  []string `json:"removed,omitempty"`
	Modified []string `json:"modified,omitempty"`

	// Invalidated lists complete steps newly marked invalid.
	Invalidated []string `json:"invalidated,omitempty"`

	// Frozen lists fragments frozen by this batch.
	Frozen []string `json:"frozen,omitempty"`

	// Aborted is true if the post-batch invariant check failed and the
	// input plan was kept unchanged.
	Aborted bool `json:"aborted,omitempty"`

	// AbortReason describes why the batch was aborted.
	AbortReason string `json:"abort_reason,omitempty"`
}

// Changed returns true if the batch modified the plan.
func (o Outcome) Changed() bool {
	return !o.Aborted && o.Applied > 0
}

// Clone returns a deep copy of the outcome.
func (o Outcome) Clone() Outcome {
	c := o
	if o.Results != nil {
		c.Results = make([]ActionResult, len(o.Results))
		for i, r := range o.Results {
			r.Action = r.Action.clone()
			c.Results[i] = r
		}
	}
	c.Added = append([]string(nil), o.Added...)
	c.Removed = append([]string(nil), o.Removed...)
	c.Modified = append([]string(nil), o.Modified...)
	c.Invalidated = append([]string(nil), o.Invalidated...)
	c.Frozen = append([]string(nil), o.Frozen...)
	return c
}

func (a Action) clone() Action {
	c := a
	c.TriggeringIssues = append([]string(nil), a.TriggeringIssues...)
	c.Payload.Dependencies = append([]string(nil), a.Payload.Dependencies...)
	c.Payload.Provides = append([]string(nil), a.Payload.Provides...)
	c.Payload.Subplan = a.Payload.Subplan.Clone()
	return c
}
