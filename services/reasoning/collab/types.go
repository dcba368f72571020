// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package collab defines the typed boundary between the reasoning controller
// and its external collaborators.
//
// Collaborators own every semantic judgement (profiling, planning,
// validation, convergence, refinement, synthesis, repair, execution). The
// controller only ever sees typed, schema-validated values produced here:
// anything that fails validation is a MalformedOutput and is routed to the
// repair collaborator, never treated as a typed success.
//
// Thread Safety:
//
//	Value types are plain data. Boundary is safe for concurrent use.
package collab

import (
	"strings"

	"github.com/AleutianAI/reasoncore/services/reasoning/plan"
)

// ToolUsage is the expected level of tool usage for a task.
type ToolUsage string

const (
	ToolUsageNone      ToolUsage = "none"
	ToolUsageMinimal   ToolUsage = "minimal"
	ToolUsageModerate  ToolUsage = "moderate"
	ToolUsageExtensive ToolUsage = "extensive"
)

// OutputBreadth is the expected breadth of the final answer.
type OutputBreadth string

const (
	BreadthNarrow   OutputBreadth = "narrow"
	BreadthModerate OutputBreadth = "moderate"
	BreadthBroad    OutputBreadth = "broad"
)

// ConfidenceRequirement is how much confidence the answer must carry.
type ConfidenceRequirement string

const (
	ConfidenceLow    ConfidenceRequirement = "low"
	ConfidenceMedium ConfidenceRequirement = "medium"
	ConfidenceHigh   ConfidenceRequirement = "high"
)

// TaskProfile characterizes a task. It is created once per run and only
// superseded (with a bumped Version) at a pass boundary.
type TaskProfile struct {
	// Version starts at 1 and increments on every recalibration.
	Version int `json:"version" yaml:"version" validate:"gte=0"`

	// ReasoningDepth is the expected depth of reasoning, 1 (shallow) to 5.
	ReasoningDepth int `json:"reasoning_depth" yaml:"reasoning_depth" validate:"min=1,max=5"`

	// InformationSufficiency is how much of the needed information is
	// already available, 0 to 1.
	InformationSufficiency float64 `json:"information_sufficiency" yaml:"information_sufficiency" validate:"gte=0,lte=1"`

	ToolUsage             ToolUsage             `json:"tool_usage" yaml:"tool_usage" validate:"oneof=none minimal moderate extensive"`
	OutputBreadth         OutputBreadth         `json:"output_breadth" yaml:"output_breadth" validate:"oneof=narrow moderate broad"`
	ConfidenceRequirement ConfidenceRequirement `json:"confidence_requirement" yaml:"confidence_requirement" validate:"oneof=low medium high"`

	// Rationale is the profiler's free-text justification.
	Rationale string `json:"rationale,omitempty" yaml:"rationale,omitempty"`
}

// DefaultProfile is used when profile inference fails.
func DefaultProfile() TaskProfile {
	return TaskProfile{
		Version:                1,
		ReasoningDepth:         3,
		InformationSufficiency: 0.5,
		ToolUsage:              ToolUsageModerate,
		OutputBreadth:          BreadthModerate,
		ConfidenceRequirement:  ConfidenceMedium,
		Rationale:              "default profile: inference unavailable",
	}
}

// Severity ranks validation issues.
type Severity string

const (
	SeverityNone     Severity = ""
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// rank orders severities for comparison.
func (s Severity) rank() int {
	switch s {
	case SeverityInfo:
		return 1
	case SeverityWarning:
		return 2
	case SeverityError:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// AtLeast returns true if s is as severe as other or more.
func (s Severity) AtLeast(other Severity) bool {
	return s.rank() >= other.rank()
}

// Issue is a single validation finding.
type Issue struct {
	// Code is a stable machine-readable identifier.
	Code string `json:"code" yaml:"code" validate:"required"`

	// Message is a human-readable description.
	Message string `json:"message,omitempty" yaml:"message,omitempty"`

	// StepID is the step the issue concerns, if any.
	StepID string `json:"step_id,omitempty" yaml:"step_id,omitempty"`

	Severity Severity `json:"severity,omitempty" yaml:"severity,omitempty" validate:"omitempty,oneof=info warning error critical"`
}

// ArtifactKind names what a validation call inspects.
type ArtifactKind string

const (
	// ArtifactPlan validates a plan before execution.
	ArtifactPlan ArtifactKind = "plan"

	// ArtifactResults validates a plan together with execution results.
	ArtifactResults ArtifactKind = "results"
)

// Artifact is the input of a validation call. Plan is always a clone.
type Artifact struct {
	Plan    *plan.Plan   `json:"plan,omitempty"`
	Results []StepResult `json:"results,omitempty"`
}

// ValidationReport is the result of a validation call.
type ValidationReport struct {
	Issues   []Issue  `json:"issues,omitempty" yaml:"issues,omitempty" validate:"dive"`
	Severity Severity `json:"severity,omitempty" yaml:"severity,omitempty" validate:"omitempty,oneof=info warning error critical"`
}

// HasIssues returns true if the report carries at least one issue.
func (r ValidationReport) HasIssues() bool {
	return len(r.Issues) > 0
}

// MaxSeverity returns the highest severity among the report and its issues.
func (r ValidationReport) MaxSeverity() Severity {
	max := r.Severity
	for _, is := range r.Issues {
		if is.Severity.rank() > max.rank() {
			max = is.Severity
		}
	}
	return max
}

// ConvergenceAssessment is produced once per pass by the assessor and
// consumed, never recomputed, by the controller.
type ConvergenceAssessment struct {
	Converged     bool     `json:"converged" yaml:"converged"`
	ReasonCodes   []string `json:"reason_codes,omitempty" yaml:"reason_codes,omitempty"`
	Completeness  float64  `json:"completeness" yaml:"completeness" validate:"gte=0,lte=1"`
	Coherence     float64  `json:"coherence" yaml:"coherence" validate:"gte=0,lte=1"`
	Consistency   float64  `json:"consistency" yaml:"consistency" validate:"gte=0,lte=1"`
	ConsistencyOK bool     `json:"consistency_ok" yaml:"consistency_ok"`
	Issues        []Issue  `json:"issues,omitempty" yaml:"issues,omitempty" validate:"dive"`
}

// StepResult is the executor's report for one dispatched step.
type StepResult struct {
	StepID         string          `json:"step_id" yaml:"step_id" validate:"required"`
	Status         plan.StepStatus `json:"status" yaml:"status" validate:"oneof=complete failed"`
	Output         string          `json:"output,omitempty" yaml:"output,omitempty"`
	HandoffContext string          `json:"handoff_context,omitempty" yaml:"handoff_context,omitempty"`
	Clarity        plan.Clarity    `json:"clarity,omitempty" yaml:"clarity,omitempty" validate:"omitempty,oneof=clear partial blocked"`
	Error          string          `json:"error,omitempty" yaml:"error,omitempty"`
}

// RefineRequest is the input of a refinement call.
type RefineRequest struct {
	Plan         *plan.Plan `json:"plan"`
	Issues       []Issue    `json:"issues,omitempty"`
	ReasonCodes  []string   `json:"reason_codes,omitempty"`
	BlockedSteps []string   `json:"blocked_steps,omitempty"`
	ExecutedIDs  []string   `json:"executed_ids,omitempty"`
}

// RecalibrationSignals explains why a recalibration was triggered.
type RecalibrationSignals struct {
	PassNumber   int      `json:"pass_number"`
	ReasonCodes  []string `json:"reason_codes,omitempty"`
	IssueCount   int      `json:"issue_count"`
	BlockedSteps []string `json:"blocked_steps,omitempty"`
}

// PassDigest is the compact per-pass summary handed to synthesis.
type PassDigest struct {
	PassNumber         int      `json:"pass_number"`
	Phase              string   `json:"phase"`
	Converged          bool     `json:"converged"`
	StepsExecuted      int      `json:"steps_executed"`
	RefinementsApplied int      `json:"refinements_applied"`
	TTLRemainingAfter  int      `json:"ttl_remaining_after"`
	DurationMs         int64    `json:"duration_ms"`
	Failures           []string `json:"failures,omitempty"`
}

// SynthesisInput is the snapshot handed to the synthesis collaborator.
// Every pointer or slice field may be absent.
type SynthesisInput struct {
	Request         string                 `json:"request"`
	CorrelationID   string                 `json:"correlation_id"`
	Converged       bool                   `json:"converged"`
	TotalPasses     int                    `json:"total_passes"`
	RefinementCount int                    `json:"refinement_count"`
	TTLRemaining    int                    `json:"ttl_remaining"`
	TTLExhausted    bool                   `json:"ttl_exhausted"`
	Plan            *plan.Plan             `json:"plan,omitempty"`
	Results         []StepResult           `json:"results,omitempty"`
	Assessment      *ConvergenceAssessment `json:"assessment,omitempty"`
	History         []PassDigest           `json:"history,omitempty"`
	Validation      *ValidationReport      `json:"validation,omitempty"`
	Profile         *TaskProfile           `json:"profile,omitempty"`
}

// FinalAnswer is the sole, schema-closed output of the final phase.
type FinalAnswer struct {
	AnswerText   string         `json:"answer_text" yaml:"answer_text" validate:"required"`
	Confidence   *float64       `json:"confidence,omitempty" yaml:"confidence,omitempty" validate:"omitempty,gte=0,lte=1"`
	UsedStepIDs  []string       `json:"used_step_ids,omitempty" yaml:"used_step_ids,omitempty"`
	Notes        string         `json:"notes,omitempty" yaml:"notes,omitempty"`
	TTLExhausted bool           `json:"ttl_exhausted,omitempty" yaml:"ttl_exhausted,omitempty"`
	Metadata     map[string]any `json:"metadata" yaml:"metadata"`
}

// Validate rejects whitespace-only answers, which the struct tags allow.
func (a FinalAnswer) Validate() error {
	if strings.TrimSpace(a.AnswerText) == "" {
		return ErrEmptyAnswer
	}
	return nil
}
