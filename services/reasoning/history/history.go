// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package history records sealed execution passes.
//
// Pass 0 is plan preparation. Passes 1..N are execution passes. The history
// is append-only: Seal stores a deep copy and readers only ever receive
// copies, so a sealed record can never change.
//
// Thread Safety:
//
//	Recorder is safe for concurrent use.
package history

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/reasoncore/services/reasoning/collab"
	"github.com/AleutianAI/reasoncore/services/reasoning/plan"
	"github.com/AleutianAI/reasoncore/services/reasoning/refine"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ErrPassOrder indicates a pass number that is not exactly last+1.
var ErrPassOrder = errors.New("pass number out of order")

var passesSealedTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "reasoncore",
		Subsystem: "history",
		Name:      "passes_sealed_total",
		Help:      "Total execution passes sealed by phase at entry",
	},
	[]string{"phase"},
)

// Evaluation holds the evaluation half of a pass.
type Evaluation struct {
	Validation *collab.ValidationReport      `json:"validation,omitempty"`
	Assessment *collab.ConvergenceAssessment `json:"assessment,omitempty"`
}

// ExecutionPass is one sealed pass record.
type ExecutionPass struct {
	PassNumber        int                 `json:"pass_number"`
	PhaseAtEntry      string              `json:"phase_at_entry"`
	PlanSnapshot      *plan.Plan          `json:"plan_snapshot,omitempty"`
	ExecutionResults  []collab.StepResult `json:"execution_results,omitempty"`
	EvaluationResults Evaluation          `json:"evaluation_results"`

	// Refinements is the outcome of the pass's refinement batch, if any.
	Refinements *refine.Outcome `json:"refinements,omitempty"`

	// RefinementsApplied counts actions that changed the plan.
	RefinementsApplied int `json:"refinements_applied"`

	TTLRemainingAfter int       `json:"ttl_remaining_after"`
	StartedAt         time.Time `json:"started_at"`
	EndedAt           time.Time `json:"ended_at"`

	// Failures lists pass-level collaborator failures, in order.
	Failures []string `json:"failures,omitempty"`

	// ProfileVersion is the TaskProfile version in force during the pass.
	ProfileVersion int `json:"profile_version"`
}

// Duration returns the wall time of the pass.
func (p ExecutionPass) Duration() time.Duration {
	if p.EndedAt.Before(p.StartedAt) {
		return 0
	}
	return p.EndedAt.Sub(p.StartedAt)
}

// Converged returns the assessor's verdict for the pass.
func (p ExecutionPass) Converged() bool {
	return p.EvaluationResults.Assessment != nil && p.EvaluationResults.Assessment.Converged
}

// Clone returns a deep copy of the record.
func (p ExecutionPass) Clone() ExecutionPass {
	c := p
	c.PlanSnapshot = p.PlanSnapshot.Clone()
	if p.ExecutionResults != nil {
		c.ExecutionResults = append([]collab.StepResult(nil), p.ExecutionResults...)
	}
	if v := p.EvaluationResults.Validation; v != nil {
		vc := *v
		vc.Issues = append([]collab.Issue(nil), v.Issues...)
		c.EvaluationResults.Validation = &vc
	}
	if a := p.EvaluationResults.Assessment; a != nil {
		ac := *a
		ac.ReasonCodes = append([]string(nil), a.ReasonCodes...)
		ac.Issues = append([]collab.Issue(nil), a.Issues...)
		c.EvaluationResults.Assessment = &ac
	}
	if p.Refinements != nil {
		oc := p.Refinements.Clone()
		c.Refinements = &oc
	}
	if p.Failures != nil {
		c.Failures = append([]string(nil), p.Failures...)
	}
	return c
}

// Stats aggregates the history at run end.
type Stats struct {
	// TotalPasses counts execution passes. Plan preparation is excluded.
	TotalPasses int `json:"total_passes"`

	// TotalRefinements counts applied refinement actions, pass 0 included.
	TotalRefinements int `json:"total_refinements"`

	// ConvergenceAchieved is true if any pass converged.
	ConvergenceAchieved bool `json:"convergence_achieved"`

	// TotalWallTime sums pass durations.
	TotalWallTime time.Duration `json:"total_wall_time"`
}

// Recorder is the append-only pass history.
type Recorder struct {
	mu     sync.RWMutex
	passes []ExecutionPass
	logger *slog.Logger
}

// NewRecorder creates an empty Recorder. logger may be nil.
func NewRecorder(logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{logger: logger}
}

// Seal appends a deep copy of pass.
//
// Inputs:
//
//	pass - The completed pass. Its PassNumber must be 0 for the first
//	       record and exactly last+1 afterwards.
//
// Outputs:
//
//	error - Wraps ErrPassOrder if the number is out of sequence. The
//	        history is unchanged in that case.
func (r *Recorder) Seal(pass ExecutionPass) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	want := len(r.passes)
	if pass.PassNumber != want {
		return fmt.Errorf("%w: got %d, want %d", ErrPassOrder, pass.PassNumber, want)
	}
	r.passes = append(r.passes, pass.Clone())

	passesSealedTotal.WithLabelValues(pass.PhaseAtEntry).Inc()
	r.logger.Debug("Pass sealed",
		slog.Int("pass_number", pass.PassNumber),
		slog.String("phase", pass.PhaseAtEntry),
		slog.Int("ttl_remaining_after", pass.TTLRemainingAfter),
		slog.Int("refinements_applied", pass.RefinementsApplied),
	)
	return nil
}

// Len returns the number of sealed records.
func (r *Recorder) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.passes)
}

// NextPassNumber returns the number the next sealed pass must carry.
func (r *Recorder) NextPassNumber() int {
	return r.Len()
}

// Passes returns deep copies of every sealed record, in order.
func (r *Recorder) Passes() []ExecutionPass {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ExecutionPass, len(r.passes))
	for i, p := range r.passes {
		out[i] = p.Clone()
	}
	return out
}

// Last returns a copy of the most recent record.
func (r *Recorder) Last() (ExecutionPass, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.passes) == 0 {
		return ExecutionPass{}, false
	}
	return r.passes[len(r.passes)-1].Clone(), true
}

// Stats computes aggregate statistics.
func (r *Recorder) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var s Stats
	for _, p := range r.passes {
		if p.PassNumber > 0 {
			s.TotalPasses++
		}
		s.TotalRefinements += p.RefinementsApplied
		if p.Converged() {
			s.ConvergenceAchieved = true
		}
		s.TotalWallTime += p.Duration()
	}
	return s
}

// Digests returns the compact per-pass summaries handed to synthesis.
func (r *Recorder) Digests() []collab.PassDigest {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.passes) == 0 {
		return nil
	}
	out := make([]collab.PassDigest, len(r.passes))
	for i, p := range r.passes {
		out[i] = collab.PassDigest{
			PassNumber:         p.PassNumber,
			Phase:              p.PhaseAtEntry,
			Converged:          p.Converged(),
			StepsExecuted:      len(p.ExecutionResults),
			RefinementsApplied: p.RefinementsApplied,
			TTLRemainingAfter:  p.TTLRemainingAfter,
			DurationMs:         p.Duration().Milliseconds(),
			Failures:           append([]string(nil), p.Failures...),
		}
	}
	return out
}
